// Package hub is the server-side synchronization coordinator. It owns one
// authoritative operation log per document for as long as at least one
// session is attached, serializes mutation per document, and rebroadcasts
// accepted operations to every other session of that document in append
// order.
package hub

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/access"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/protocol"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/session"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

// ErrNotConnected means the session has no live hub attachment; the replica
// must reconnect and resynchronize before operations are accepted.
var ErrNotConnected = errors.New("session not connected")

// Hub coordinates all documents with live sessions. Different documents
// proceed fully in parallel; per-document state is guarded by the document's
// own lock.
type Hub struct {
	store    store.DocumentStore
	bridge   Bridge
	instance string

	mu   sync.Mutex
	docs map[string]*document
}

// New builds a hub. bridge may be nil for single-instance deployments.
func New(st store.DocumentStore, bridge Bridge) *Hub {
	return &Hub{
		store:    st,
		bridge:   bridge,
		instance: uuid.New().String(),
		docs:     make(map[string]*document),
	}
}

// Connect attaches a session to its document's authoritative log, creating
// the in-memory log from the persisted snapshot on first connect. It returns
// every operation the session's frontier does not yet cover, in causal
// append order.
func (h *Hub) Connect(ctx context.Context, sess *session.Session) ([]*crdt.Op, error) {
	d, err := h.getOrLoad(ctx, sess.DocumentID)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.sessions[sess] = struct{}{}
	return d.log.OperationsSince(sess.Frontier()), nil
}

// Submit applies operations from a session. The session's current capability
// is checked first: a role without edit permission is rejected with
// access.ErrForbidden and the log is untouched. Accepted operations are
// merged idempotently and rebroadcast to every other session of the
// document, in the order they were appended. The returned ids name every
// submitted operation now present in the authoritative log, duplicates
// included; the replica trims its pending buffer on them. An operation still
// waiting on a missing dependency is not acknowledged, so the replica keeps
// it and replays it after a resync.
func (h *Hub) Submit(ctx context.Context, sess *session.Session, ops []*crdt.Op) ([]crdt.OpID, error) {
	if sess.State() != session.StateActive {
		return nil, ErrNotConnected
	}
	if !sess.Role().CanEdit() {
		return nil, access.ErrForbidden
	}

	h.mu.Lock()
	d, ok := h.docs[sess.DocumentID]
	h.mu.Unlock()
	if !ok {
		return nil, ErrNotConnected
	}

	d.mu.Lock()
	appended, acked := d.merge(ops)
	if len(appended) > 0 {
		d.broadcast(appended, sess)
	}
	d.mu.Unlock()

	if len(appended) > 0 && h.bridge != nil {
		if err := h.bridge.Publish(ctx, d.id, h.instance, appended); err != nil {
			log.Printf("[Hub] bridge publish doc=%s: %v", d.id, err)
		}
	}
	return acked, nil
}

// Disconnect detaches a session. When the last session of a document leaves,
// the converged text is flushed to the store and the in-memory log released.
func (h *Hub) Disconnect(ctx context.Context, sess *session.Session) {
	h.mu.Lock()
	d, ok := h.docs[sess.DocumentID]
	h.mu.Unlock()
	if !ok {
		return
	}

	d.mu.Lock()
	delete(d.sessions, sess)
	last := len(d.sessions) == 0
	text := d.log.VisibleText()
	d.mu.Unlock()

	if last {
		go h.release(d, text)
	}
}

// Sessions returns the number of live sessions for a document. Zero after
// release.
func (h *Hub) Sessions(documentID string) int {
	h.mu.Lock()
	d, ok := h.docs[documentID]
	h.mu.Unlock()
	if !ok {
		return 0
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sessions)
}

func (h *Hub) getOrLoad(ctx context.Context, documentID string) (*document, error) {
	h.mu.Lock()
	d, ok := h.docs[documentID]
	if !ok {
		d = newDocument(documentID)
		h.docs[documentID] = d
	}
	h.mu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.log != nil {
		return d, nil
	}

	rec, err := h.store.GetDocument(ctx, documentID)
	if err != nil {
		h.mu.Lock()
		delete(h.docs, documentID)
		h.mu.Unlock()
		return nil, err
	}

	// The persisted snapshot becomes a bootstrap insert chain.
	d.log = crdt.Bootstrap(rec.Content)
	d.flushedHash = contentHash(rec.Content)
	log.Printf("[Hub] doc=%s loaded, %d chars", documentID, len(rec.Content))

	if h.bridge != nil {
		cancel, err := h.bridge.Subscribe(context.Background(), documentID, h.instance, d.remoteOps)
		if err != nil {
			log.Printf("[Hub] bridge subscribe doc=%s: %v", documentID, err)
		} else {
			d.unsubscribe = cancel
		}
	}
	return d, nil
}

// release flushes the snapshot with backoff and drops the in-memory log once
// the flush lands. Operations already merged are never rolled back on a
// flush failure; a reconnect during the retry window reattaches to the still
// live log.
func (h *Hub) release(d *document, text string) {
	hash := contentHash(text)

	// A reconnect-then-disconnect during the backoff window starts a second
	// release; the hash is shared state and stays under d.mu.
	d.mu.Lock()
	dirty := hash != d.flushedHash
	d.mu.Unlock()

	if dirty {
		op := func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := h.store.PersistSnapshot(ctx, d.id, text)
			if errors.Is(err, store.ErrNotFound) {
				// Document deleted while the session was live; nothing to flush.
				return nil
			}
			return err
		}
		bo := backoff.NewExponentialBackOff()
		bo.MaxElapsedTime = 2 * time.Minute
		if err := backoff.Retry(op, bo); err != nil {
			log.Printf("[Hub] doc=%s snapshot flush failed: %v", d.id, err)
			return
		}
		d.mu.Lock()
		d.flushedHash = hash
		d.mu.Unlock()
		log.Printf("[Hub] doc=%s snapshot flushed, %d chars", d.id, len(text))
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.sessions) > 0 {
		return
	}
	if d.unsubscribe != nil {
		d.unsubscribe()
	}
	delete(h.docs, d.id)
	log.Printf("[Hub] doc=%s released", d.id)
}

type document struct {
	id string

	mu          sync.Mutex
	log         *crdt.Log
	sessions    map[*session.Session]struct{}
	flushedHash [32]byte
	unsubscribe func()
}

func newDocument(id string) *document {
	return &document{
		id:       id,
		sessions: make(map[*session.Session]struct{}),
	}
}

// merge applies ops to the authoritative log. appended is everything the
// batch added to the history in append order, which includes operations a
// dependency arrival drained from the stash; all of it must be broadcast.
// acked is the ids the submitter may drop from its pending buffer: batch ops
// now in the log (duplicates from at-least-once delivery included) plus the
// drained ones. Caller holds d.mu.
func (d *document) merge(ops []*crdt.Op) (appended []*crdt.Op, acked []crdt.OpID) {
	start := d.log.Len()
	for _, op := range ops {
		d.log.MergeRemote(op)
	}
	appended = d.log.OperationsFrom(start)

	known := make(map[crdt.OpID]struct{}, len(appended))
	for _, op := range appended {
		known[op.ID] = struct{}{}
		acked = append(acked, op.ID)
	}
	for _, op := range ops {
		if _, dup := known[op.ID]; !dup && d.log.Seen(op.ID) {
			known[op.ID] = struct{}{}
			acked = append(acked, op.ID)
		}
	}

	if n := d.log.StashLen(); n > 0 {
		log.Printf("[Hub] doc=%s %d ops waiting on missing dependencies", d.id, n)
	}
	return appended, acked
}

// broadcast fans accepted ops out to every session except the sender.
// Caller holds d.mu, which is what makes append order the broadcast order.
func (d *document) broadcast(ops []*crdt.Op, sender *session.Session) {
	frame, err := protocol.Encode(protocol.TypeOpBroadcast, protocol.OpBroadcastPayload{Ops: ops})
	if err != nil {
		log.Printf("[Hub] doc=%s encode broadcast: %v", d.id, err)
		return
	}
	for sess := range d.sessions {
		if sess == sender {
			continue
		}
		if !sess.TrySend(frame) {
			// The writer fell behind far enough to lose ordering; drop the
			// session, it will resynchronize on reconnect.
			log.Printf("[Hub] doc=%s session %s send buffer full, closing", d.id, sess.ID)
			sess.Close()
		}
	}
}

// remoteOps merges operations accepted by another hub instance and relays
// them to local sessions.
func (d *document) remoteOps(ops []*crdt.Op) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.log == nil {
		return
	}
	appended, _ := d.merge(ops)
	if len(appended) > 0 {
		d.broadcast(appended, nil)
	}
}
