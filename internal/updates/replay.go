package updates

import (
	"github.com/macrat/markdown-board/internal/crdt"
)

// Replay rebuilds a live document by applying every logged update in order to
// a fresh empty document. An empty sequence yields a valid empty document.
// Replay is deterministic: the same sequence always produces an equivalent
// state.
func Replay(values [][]byte) (*crdt.Doc, error) {
	doc := crdt.NewDoc()
	for _, value := range values {
		if err := doc.ApplyUpdate(value); err != nil {
			return nil, err
		}
	}
	return doc, nil
}
