package rooms

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/macrat/markdown-board/internal/crdt"
	"github.com/macrat/markdown-board/internal/pages"
	"github.com/macrat/markdown-board/internal/updates"
)

// ErrRoomClosed indicates that the room was drained while the join was in
// flight; the caller should treat the join as failed and let the client retry.
var ErrRoomClosed = errors.New("rooms: room closed")

type roomState int

const (
	stateLoading roomState = iota
	stateActive
	stateDrained
)

// Room binds the set of peers editing one document to a single in-memory
// CRDT instance. The document mutation path is serialized by the room mutex;
// the in-memory document is a cache, the update log remains authoritative
// across restarts.
type Room struct {
	name     string
	store    *updates.Store
	pages    *pages.Service
	logger   *zap.Logger
	debounce *debouncer

	ready    chan struct{}
	initOnce sync.Once

	mu    sync.Mutex
	state roomState
	doc   *crdt.Doc
	peers map[*Peer]struct{}

	// refs counts attached peers plus joins in flight; guarded by the
	// registry mutex, not the room mutex.
	refs int
}

// load replays the persisted log into a fresh document. It runs once, in its
// own goroutine; joiners wait on the ready channel with a bounded timeout and
// fall back to an empty document, in which case a late load result loses the
// first-writer-wins initialization race and is discarded.
func (room *Room) load(ctx context.Context) {
	values, err := room.store.Load(ctx, room.name)
	if err != nil {
		room.logger.Error("room load failed, starting empty",
			zap.String("room", room.name), zap.Error(err))
		room.finishInit(crdt.NewDoc())
		return
	}
	doc, err := updates.Replay(values)
	if err != nil {
		room.logger.Error("room replay failed, starting empty",
			zap.String("room", room.name),
			zap.Int("updates", len(values)),
			zap.Error(err))
		room.finishInit(crdt.NewDoc())
		return
	}
	room.finishInit(doc)
}

func (room *Room) finishInit(doc *crdt.Doc) {
	room.initOnce.Do(func() {
		room.mu.Lock()
		room.doc = doc
		room.state = stateActive
		room.mu.Unlock()
		close(room.ready)
	})
}

// attach registers the peer and starts the sync handshake by announcing the
// room's state vector. A room that was drained while the join was in flight
// (shutdown racing a new connection) rejects the attach instead.
func (room *Room) attach(peer *Peer) error {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.state != stateActive || room.doc == nil {
		return ErrRoomClosed
	}
	room.peers[peer] = struct{}{}
	peer.enqueue(EncodeSyncStep1(room.doc.EncodeStateVector()))
	return nil
}

func (room *Room) detach(peer *Peer) {
	room.mu.Lock()
	defer room.mu.Unlock()
	delete(room.peers, peer)
	peer.close()
}

// HandleMessage routes one inbound frame from a peer. Malformed frames and
// updates the CRDT layer rejects are dropped and logged; they never affect
// the document or the other peers.
func (room *Room) HandleMessage(ctx context.Context, peer *Peer, frame []byte) {
	message, err := DecodeMessage(frame)
	if err != nil {
		room.logger.Warn("dropping malformed frame",
			zap.String("room", room.name), zap.Error(err))
		return
	}

	switch message.Type {
	case MessageSync:
		switch message.SyncType {
		case SyncStep1:
			room.answerStateVector(peer, message.Payload)
		case SyncStep2, SyncUpdate:
			room.applyUpdate(ctx, peer, message.Payload)
		}
	case MessageAwareness:
		room.relayAwareness(peer, message.Payload)
	}
}

// answerStateVector responds to a step 1 with everything the peer is missing.
func (room *Room) answerStateVector(peer *Peer, stateVector []byte) {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.doc == nil {
		return
	}
	diff, err := room.doc.DiffUpdate(stateVector)
	if err != nil {
		room.logger.Warn("dropping malformed state vector",
			zap.String("room", room.name), zap.Error(err))
		return
	}
	room.enqueueLocked(peer, EncodeSyncStep2(diff))
}

// applyUpdate mutates the document, relays the update to the other peers,
// appends it to the log, and reschedules the title projection. The log
// append is best effort: on failure the in-memory document stays
// authoritative for the live session and the error is logged.
func (room *Room) applyUpdate(ctx context.Context, origin *Peer, update []byte) {
	room.mu.Lock()
	if room.doc == nil {
		room.mu.Unlock()
		return
	}
	if err := room.doc.ApplyUpdate(update); err != nil {
		room.mu.Unlock()
		room.logger.Warn("dropping rejected update",
			zap.String("room", room.name), zap.Error(err))
		return
	}
	room.broadcastLocked(origin, EncodeSyncUpdate(update))
	room.mu.Unlock()

	if _, err := room.store.Append(ctx, room.name, update); err != nil {
		room.logger.Warn("update not persisted, document remains live in memory",
			zap.String("room", room.name), zap.Error(err))
	}
	room.debounce.Trigger()
}

// relayAwareness forwards presence payloads to the other peers. Awareness is
// never persisted.
func (room *Room) relayAwareness(origin *Peer, payload []byte) {
	room.mu.Lock()
	defer room.mu.Unlock()
	room.broadcastLocked(origin, EncodeAwareness(payload))
}

func (room *Room) broadcastLocked(origin *Peer, frame []byte) {
	for peer := range room.peers {
		if peer == origin {
			continue
		}
		room.enqueueLocked(peer, frame)
	}
}

// enqueueLocked queues a frame, disconnecting the peer when its outbox is
// full: a slow consumer must reconnect and resync rather than miss updates.
func (room *Room) enqueueLocked(peer *Peer, frame []byte) {
	if !peer.enqueue(frame) {
		room.logger.Warn("disconnecting slow peer",
			zap.String("room", room.name))
		delete(room.peers, peer)
		peer.close()
	}
}

// projectTitle extracts the current title and writes it to the catalog.
// Failures leave the catalog stale, which is bounded by the next debounce
// firing; the document itself is unaffected.
func (room *Room) projectTitle(ctx context.Context) {
	room.mu.Lock()
	if room.doc == nil {
		room.mu.Unlock()
		return
	}
	title := TitleFromText(room.doc.Text())
	room.mu.Unlock()

	pageID, err := pages.NewPageID(room.name)
	if err != nil {
		room.logger.Error("title projection skipped",
			zap.String("room", room.name), zap.Error(err))
		return
	}
	if err := room.pages.SetTitle(ctx, pageID, title); err != nil {
		room.logger.Warn("title projection failed, catalog may lag",
			zap.String("room", room.name), zap.Error(err))
	}
}

// drain runs the flush path once the room is quiescent: cancel the pending
// debounce, project the final title synchronously, compact the log, and
// discard the in-memory document. The caller guarantees no peer remains and
// no new join can race the compaction.
func (room *Room) drain(ctx context.Context) {
	room.mu.Lock()
	if room.state == stateDrained {
		// Already flushed; a rejected late joiner releasing its reference
		// must not rerun the flush.
		room.mu.Unlock()
		return
	}
	room.mu.Unlock()

	room.debounce.Stop()
	room.projectTitle(ctx)

	room.mu.Lock()
	room.state = stateDrained
	room.doc = nil
	for peer := range room.peers {
		delete(room.peers, peer)
		peer.close()
	}
	room.mu.Unlock()

	if err := room.store.Compact(ctx, room.name); err != nil {
		room.logger.Warn("compaction skipped, log rows remain individually replayable",
			zap.String("room", room.name), zap.Error(err))
	}
}

// Name returns the room's document name.
func (room *Room) Name() string {
	return room.name
}

// PeerCount returns the number of attached peers.
func (room *Room) PeerCount() int {
	room.mu.Lock()
	defer room.mu.Unlock()
	return len(room.peers)
}

// Text returns the current in-memory document text.
func (room *Room) Text() string {
	room.mu.Lock()
	defer room.mu.Unlock()
	if room.doc == nil {
		return ""
	}
	return room.doc.Text()
}
