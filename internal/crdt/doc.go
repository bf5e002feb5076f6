// Package crdt implements the replicated sequence type used for collaborative
// markdown documents. Every edit is an operation stamped with a per-site
// monotonic identifier; concurrent operations integrate deterministically, so
// replicas that see the same set of operations in any order converge to the
// same text.
package crdt

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidUpdate indicates that an update payload could not be decoded.
	ErrInvalidUpdate = errors.New("crdt: invalid update")
	// ErrInvalidStateVector indicates that a state vector payload could not be decoded.
	ErrInvalidStateVector = errors.New("crdt: invalid state vector")
	// ErrPendingLimit indicates that too many operations are waiting for
	// causal dependencies that never arrived.
	ErrPendingLimit = errors.New("crdt: pending operation limit exceeded")
)

// maxPendingOps bounds how many operations may wait for missing dependencies.
// Well-formed peers only buffer briefly during out-of-order delivery; a peer
// that keeps referencing operations nobody sent would otherwise grow the
// buffer, and every snapshot re-encoding it, without bound.
const maxPendingOps = 1024

// ID identifies a single operation. Seq is strictly increasing per Site and
// starts at 1; the zero ID is reserved for the document head.
type ID struct {
	Site uint64
	Seq  uint64
}

func (id ID) isZero() bool {
	return id.Site == 0 && id.Seq == 0
}

// less orders IDs by (Site, Seq). Used only for sibling tie-breaking.
func (id ID) less(other ID) bool {
	if id.Site != other.Site {
		return id.Site < other.Site
	}
	return id.Seq < other.Seq
}

const (
	opInsert byte = 1
	opDelete byte = 2
)

type op struct {
	kind   byte
	id     ID
	origin ID     // insert: left neighbour at insert time
	target ID     // delete: item being removed
	text   string // insert payload
}

type item struct {
	id      ID
	origin  ID
	text    string
	deleted bool
}

// Doc is a single replicated document. It is not safe for concurrent use;
// callers serialize access (each room owns exactly one Doc behind its lock).
type Doc struct {
	items   []*item
	byID    map[ID]*item
	applied map[ID]op
	pending []op
	seen    map[uint64]uint64
}

// NewDoc returns an empty document.
func NewDoc() *Doc {
	return &Doc{
		byID:    make(map[ID]*item),
		applied: make(map[ID]op),
		seen:    make(map[uint64]uint64),
	}
}

// ApplyUpdate decodes an update payload and applies every operation it
// carries. Duplicate operations are ignored, so applying the same update
// twice is a no-op. Operations whose causal dependencies have not arrived yet
// are buffered and integrated as soon as the missing operations appear; past
// maxPendingOps the most recently buffered operations are discarded and
// ErrPendingLimit is returned.
func (d *Doc) ApplyUpdate(payload []byte) error {
	ops, err := decodeOps(payload)
	if err != nil {
		return err
	}
	d.pending = append(d.pending, ops...)
	d.integratePending()
	if len(d.pending) > maxPendingOps {
		// integratePending keeps relative order, so the tail holds the
		// newest still-unsatisfied operations.
		d.pending = d.pending[:maxPendingOps]
		return fmt.Errorf("%w: %d operations waiting", ErrPendingLimit, maxPendingOps)
	}
	return nil
}

// PendingOps returns how many operations are waiting for missing dependencies.
func (d *Doc) PendingOps() int {
	return len(d.pending)
}

func (d *Doc) integratePending() {
	for {
		progressed := false
		remaining := d.pending[:0]
		for _, operation := range d.pending {
			if d.apply(operation) {
				progressed = true
			} else {
				remaining = append(remaining, operation)
			}
		}
		d.pending = remaining
		if !progressed || len(d.pending) == 0 {
			return
		}
	}
}

// apply attempts one operation. It reports false when the operation must wait
// for a causal dependency.
func (d *Doc) apply(operation op) bool {
	if _, done := d.applied[operation.id]; done {
		return true
	}
	switch operation.kind {
	case opInsert:
		if !operation.origin.isZero() {
			if _, ok := d.byID[operation.origin]; !ok {
				return false
			}
		}
		d.integrate(&item{id: operation.id, origin: operation.origin, text: operation.text})
	case opDelete:
		target, ok := d.byID[operation.target]
		if !ok {
			return false
		}
		target.deleted = true
	default:
		// Unknown kinds are rejected by the decoder; nothing reaches here.
		return true
	}
	d.applied[operation.id] = operation
	if operation.id.Seq > d.seen[operation.id.Site] {
		d.seen[operation.id.Site] = operation.id.Seq
	}
	return true
}

// integrate places a new item after its origin. Among concurrent siblings
// that share the same origin, the item with the larger ID sorts first; this
// rule is what makes integration order-independent.
func (d *Doc) integrate(newItem *item) {
	originIndex := -1
	if !newItem.origin.isZero() {
		originIndex = d.indexOf(newItem.origin)
	}

	position := originIndex + 1
	for position < len(d.items) {
		other := d.items[position]
		otherOriginIndex := -1
		if !other.origin.isZero() {
			otherOriginIndex = d.indexOf(other.origin)
		}
		if otherOriginIndex < originIndex {
			break
		}
		if otherOriginIndex == originIndex && other.id.less(newItem.id) {
			break
		}
		position++
	}

	d.items = append(d.items, nil)
	copy(d.items[position+1:], d.items[position:])
	d.items[position] = newItem
	d.byID[newItem.id] = newItem
}

func (d *Doc) indexOf(id ID) int {
	for index, candidate := range d.items {
		if candidate.id == id {
			return index
		}
	}
	return -1
}

// Text returns the visible document content.
func (d *Doc) Text() string {
	var builder strings.Builder
	for _, candidate := range d.items {
		if !candidate.deleted {
			builder.WriteString(candidate.text)
		}
	}
	return builder.String()
}

// IsEmpty reports whether the document has no visible content.
func (d *Doc) IsEmpty() bool {
	for _, candidate := range d.items {
		if !candidate.deleted && candidate.text != "" {
			return false
		}
	}
	return true
}

// StateVector returns a copy of the highest applied sequence per site.
func (d *Doc) StateVector() map[uint64]uint64 {
	vector := make(map[uint64]uint64, len(d.seen))
	for site, seq := range d.seen {
		vector[site] = seq
	}
	return vector
}

// EncodeStateVector encodes the document's state vector.
func (d *Doc) EncodeStateVector() []byte {
	return encodeStateVector(d.seen)
}

// orderedOps returns every known operation in a causally safe order: inserts
// in document order (an item's origin always precedes it), then deletes, then
// any still-pending operations so that nothing is lost on re-encode.
func (d *Doc) orderedOps() []op {
	ops := make([]op, 0, len(d.applied)+len(d.pending))
	for _, candidate := range d.items {
		ops = append(ops, d.applied[candidate.id])
	}
	deletes := make([]op, 0)
	for _, operation := range d.applied {
		if operation.kind == opDelete {
			deletes = append(deletes, operation)
		}
	}
	sort.Slice(deletes, func(i, j int) bool { return deletes[i].id.less(deletes[j].id) })
	ops = append(ops, deletes...)
	ops = append(ops, d.pending...)
	return ops
}

// EncodeStateAsUpdate encodes the full document as a single update. Applying
// the result to an empty document reproduces an equivalent state.
func (d *Doc) EncodeStateAsUpdate() []byte {
	return encodeOps(d.orderedOps())
}

// DiffUpdate encodes every operation the remote state vector has not seen.
func (d *Doc) DiffUpdate(remoteVector []byte) ([]byte, error) {
	remote, err := decodeStateVector(remoteVector)
	if err != nil {
		return nil, err
	}
	missing := make([]op, 0)
	for _, operation := range d.orderedOps() {
		if operation.id.Seq > remote[operation.id.Site] {
			missing = append(missing, operation)
		}
	}
	return encodeOps(missing), nil
}

// nextID stamps a new local operation for the given site.
func (d *Doc) nextID(site uint64) ID {
	return ID{Site: site, Seq: d.seen[site] + 1}
}

// AppendText inserts a run of text at the end of the document and returns the
// encoded update describing the edit, along with the new item's ID.
func (d *Doc) AppendText(site uint64, text string) ([]byte, ID) {
	origin := ID{}
	if len(d.items) > 0 {
		origin = d.items[len(d.items)-1].id
	}
	return d.InsertAfter(site, origin, text)
}

// InsertAfter inserts a run of text after the item identified by origin (the
// zero ID inserts at the head) and returns the encoded update and the new
// item's ID.
func (d *Doc) InsertAfter(site uint64, origin ID, text string) ([]byte, ID) {
	operation := op{kind: opInsert, id: d.nextID(site), origin: origin, text: text}
	d.apply(operation)
	return encodeOps([]op{operation}), operation.id
}

// DeleteItem tombstones the item identified by target and returns the encoded
// update describing the edit.
func (d *Doc) DeleteItem(site uint64, target ID) ([]byte, error) {
	if _, ok := d.byID[target]; !ok {
		return nil, fmt.Errorf("crdt: delete target %d/%d not found", target.Site, target.Seq)
	}
	operation := op{kind: opDelete, id: d.nextID(site), target: target}
	d.apply(operation)
	return encodeOps([]op{operation}), nil
}

// MergeUpdates combines any number of updates into one equivalent update by
// replaying them into a fresh document. The inputs may contain duplicates and
// may arrive in any order.
func MergeUpdates(updates [][]byte) ([]byte, error) {
	doc := NewDoc()
	for _, update := range updates {
		if err := doc.ApplyUpdate(update); err != nil {
			return nil, err
		}
	}
	return doc.EncodeStateAsUpdate(), nil
}
