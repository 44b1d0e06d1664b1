// Package replica is one participant's local view of a document: it turns
// visible-index edits into anchored operations, merges remote operations,
// and keeps unacknowledged local edits buffered until the hub has them.
package replica

import (
	"sync"

	"github.com/google/uuid"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
)

// PendingQueue buffers locally produced operations until the hub
// acknowledges them. A transmission failure leaves them queued for replay on
// reconnect; replay is safe because merge is idempotent.
type PendingQueue interface {
	Append(op *crdt.Op) error
	All() ([]*crdt.Op, error)
	Remove(ids []crdt.OpID) error
}

// memQueue is the default in-process queue.
type memQueue struct {
	mu  sync.Mutex
	ops []*crdt.Op
}

func (q *memQueue) Append(op *crdt.Op) error {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	q.mu.Unlock()
	return nil
}

func (q *memQueue) All() ([]*crdt.Op, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*crdt.Op, len(q.ops))
	copy(out, q.ops)
	return out, nil
}

func (q *memQueue) Remove(ids []crdt.OpID) error {
	drop := make(map[crdt.OpID]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.ops[:0]
	for _, op := range q.ops {
		if _, ok := drop[op.ID]; !ok {
			kept = append(kept, op)
		}
	}
	q.ops = kept
	return nil
}

// Replica is a local copy of the document plus its pending edits. Safe for
// concurrent use by the editor and the connection goroutines.
type Replica struct {
	id      string
	mu      sync.Mutex
	log     *crdt.Log
	pending PendingQueue

	// cursorAnchor is the id of the visible character immediately before the
	// cursor, or Head at document start. Anchoring on an id instead of a raw
	// index keeps the cursor stable under concurrent remote edits.
	cursorAnchor crdt.OpID
}

// New creates a replica with a fresh id and an in-memory pending queue.
func New() *Replica {
	return NewWithQueue(uuid.New().String(), &memQueue{})
}

// NewWithQueue creates a replica with an explicit id and pending queue (a
// durable BoltQueue survives process restarts).
func NewWithQueue(id string, queue PendingQueue) *Replica {
	return &Replica{
		id:      id,
		log:     crdt.NewLog(),
		pending: queue,
	}
}

// ID returns the replica id used in operation identifiers.
func (r *Replica) ID() string {
	return r.id
}

// Type inserts ch at the visible index and queues the operation for
// transmission. The cursor lands after the new character.
func (r *Replica) Type(ch rune, index int) *crdt.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	op := r.log.InsertAt(r.id, index, string(ch))
	if err := r.pending.Append(op); err != nil {
		// The edit is applied locally either way; the queue is best-effort
		// durability, not correctness.
		logQueueErr(err)
	}
	r.cursorAnchor = op.ID
	return op
}

// Delete removes the visible character at index and queues the operation.
// Returns nil if the index is out of range.
func (r *Replica) Delete(index int) *crdt.Op {
	r.mu.Lock()
	defer r.mu.Unlock()
	anchor := r.log.IDAt(index - 1)
	op := r.log.DeleteAt(r.id, index)
	if op == nil {
		return nil
	}
	if err := r.pending.Append(op); err != nil {
		logQueueErr(err)
	}
	r.cursorAnchor = anchor
	return op
}

// Receive merges remote operations into the local log. Unknown-dependency
// operations are stashed by the log; the cursor keeps its anchor.
func (r *Replica) Receive(ops []*crdt.Op) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, op := range ops {
		r.log.MergeRemote(op)
	}
}

// Text renders the current visible text.
func (r *Replica) Text() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.VisibleText()
}

// Cursor returns the cursor's current visible index, derived from its
// anchor.
func (r *Replica) Cursor() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cursorAnchor.IsHead() {
		return 0
	}
	n := r.log.VisibleBefore(r.cursorAnchor)
	if r.log.IsVisible(r.cursorAnchor) {
		return n + 1
	}
	return n
}

// SetCursor re-anchors the cursor at the given visible index.
func (r *Replica) SetCursor(index int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index <= 0 {
		r.cursorAnchor = crdt.Head
		return
	}
	r.cursorAnchor = r.log.IDAt(index - 1)
}

// Frontier returns the replica's causal frontier for resynchronization.
func (r *Replica) Frontier() crdt.Frontier {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.log.Frontier()
}

// Pending returns the buffered, unacknowledged local operations.
func (r *Replica) Pending() []*crdt.Op {
	ops, err := r.pending.All()
	if err != nil {
		logQueueErr(err)
		return nil
	}
	return ops
}

// Ack drops acknowledged operations from the pending buffer.
func (r *Replica) Ack(ops []*crdt.Op) {
	ids := make([]crdt.OpID, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	r.AckIDs(ids)
}

// AckIDs drops acknowledged operation ids from the pending buffer. Ids not
// in the buffer are ignored.
func (r *Replica) AckIDs(ids []crdt.OpID) {
	if len(ids) == 0 {
		return
	}
	if err := r.pending.Remove(ids); err != nil {
		logQueueErr(err)
	}
}
