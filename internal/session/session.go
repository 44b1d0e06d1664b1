// Package session binds an authenticated, authorized connection to a
// document's hub entry and keeps its capability current while the session is
// live. State machine per session: Connecting -> Active -> {RoleChanged ->
// Active | Closed}.
package session

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/access"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
)

// State is a session's lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateActive
	StateClosed
)

// Session is one live connection of a user's replica to a document.
type Session struct {
	ID         string
	UserID     string
	DocumentID string
	ReplicaID  string

	mu       sync.RWMutex
	role     access.Role
	state    State
	frontier crdt.Frontier

	send       chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	lastActive atomic.Int64
}

func newSession(userID, documentID, replicaID string, role access.Role, frontier crdt.Frontier) *Session {
	s := &Session{
		ID:         uuid.New().String(),
		UserID:     userID,
		DocumentID: documentID,
		ReplicaID:  replicaID,
		role:       role,
		state:      StateConnecting,
		frontier:   frontier,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
	}
	s.Touch()
	return s
}

// Role returns the session's cached role. It is re-derived from the document
// record on every poll cycle; the cache exists only between checks.
func (s *Session) Role() access.Role {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.role
}

func (s *Session) setRole(r access.Role) {
	s.mu.Lock()
	s.role = r
	s.mu.Unlock()
}

// State returns the session's lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Frontier is the causal frontier the replica reported at connect time. The
// hub uses it to compute the catch-up set.
func (s *Session) Frontier() crdt.Frontier {
	return s.frontier
}

// TrySend queues a frame for the connection writer without blocking. It
// reports false if the session is closed or the writer has fallen too far
// behind.
func (s *Session) TrySend(frame []byte) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		return false
	}
}

// Outbox is the stream of frames the connection writer must deliver. It is
// never closed; writers terminate on Done.
func (s *Session) Outbox() <-chan []byte {
	return s.send
}

// Done is closed when the session ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Close transitions the session to Closed. Idempotent. Hub-side resource
// release happens in the manager's finalizer, which waits on Done.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.setState(StateClosed)
		close(s.done)
	})
}

// Touch records traffic for idle tracking.
func (s *Session) Touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// IdleFor reports how long the session has been without traffic.
func (s *Session) IdleFor() time.Duration {
	return time.Since(time.Unix(0, s.lastActive.Load()))
}
