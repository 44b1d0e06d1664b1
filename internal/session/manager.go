package session

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/access"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/protocol"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

// Connector is the hub surface the manager drives. Implemented by hub.Hub.
type Connector interface {
	Connect(ctx context.Context, sess *Session) ([]*crdt.Op, error)
	Disconnect(ctx context.Context, sess *Session)
}

// RoleSource observes authorization changes for one (document, user) pair
// and reports them within a bounded delay. The default is interval polling;
// a push-based change feed can be substituted without touching the access
// engine.
type RoleSource interface {
	Watch(ctx context.Context, documentID, userID string, initial access.Role, onChange func(access.Role))
}

// Manager creates, watches and tears down sessions.
type Manager struct {
	docs  store.DocumentReader
	hub   Connector
	roles RoleSource

	idleTimeout time.Duration

	mu       sync.Mutex
	sessions map[*Session]context.CancelFunc
}

// NewManager builds a session manager. idleTimeout of zero disables the
// reaper.
func NewManager(docs store.DocumentReader, hub Connector, roles RoleSource, idleTimeout time.Duration) *Manager {
	return &Manager{
		docs:        docs,
		hub:         hub,
		roles:       roles,
		idleTimeout: idleTimeout,
		sessions:    make(map[*Session]context.CancelFunc),
	}
}

// Accept authorizes a connection and attaches it to the document's hub
// entry. It returns the session, its initial role, and the operations the
// replica is missing relative to its reported frontier. A user with no role
// on the document is rejected with access.ErrForbidden.
func (m *Manager) Accept(ctx context.Context, documentID, userID, replicaID string, frontier crdt.Frontier) (*Session, []*crdt.Op, error) {
	doc, err := m.docs.GetDocument(ctx, documentID)
	if err != nil {
		return nil, nil, err
	}

	role := access.RoleOf(doc, userID)
	if !role.CanView() {
		return nil, nil, access.ErrForbidden
	}

	sess := newSession(userID, documentID, replicaID, role, frontier)
	catchup, err := m.hub.Connect(ctx, sess)
	if err != nil {
		sess.Close()
		return nil, nil, err
	}
	sess.setState(StateActive)

	watchCtx, cancel := context.WithCancel(context.Background())
	m.mu.Lock()
	m.sessions[sess] = cancel
	m.mu.Unlock()

	go m.roles.Watch(watchCtx, documentID, userID, role, func(r access.Role) {
		m.onRoleChange(sess, r)
	})
	go m.finalize(sess)

	log.Printf("[Session] %s user=%s doc=%s role=%s connected", sess.ID, userID, documentID, role)
	return sess, catchup, nil
}

// onRoleChange applies a detected role change: a downgrade severs write
// capability without dropping the read connection, removal closes the
// session outright.
func (m *Manager) onRoleChange(sess *Session, r access.Role) {
	if r == access.RoleNone {
		log.Printf("[Session] %s removed from doc=%s, closing", sess.ID, sess.DocumentID)
		sess.Close()
		return
	}

	sess.setRole(r)
	log.Printf("[Session] %s role changed to %s", sess.ID, r)
	if frame, err := protocol.Encode(protocol.TypeRole, protocol.RolePayload{Role: string(r)}); err == nil {
		sess.TrySend(frame)
	}
}

// finalize waits for the session to end and releases its hub resources.
func (m *Manager) finalize(sess *Session) {
	<-sess.Done()

	m.mu.Lock()
	cancel, ok := m.sessions[sess]
	delete(m.sessions, sess)
	m.mu.Unlock()
	if ok {
		cancel()
	}

	m.hub.Disconnect(context.Background(), sess)
	log.Printf("[Session] %s disconnected", sess.ID)
}

// Run reaps idle sessions until the context is cancelled. A session with no
// traffic for the idle window is treated as gone.
func (m *Manager) Run(ctx context.Context) {
	if m.idleTimeout <= 0 {
		<-ctx.Done()
		return
	}

	ticker := time.NewTicker(m.idleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.mu.Lock()
			var idle []*Session
			for sess := range m.sessions {
				if sess.IdleFor() > m.idleTimeout {
					idle = append(idle, sess)
				}
			}
			m.mu.Unlock()
			for _, sess := range idle {
				log.Printf("[Session] %s idle for %s, closing", sess.ID, sess.IdleFor().Truncate(time.Second))
				sess.Close()
			}
		}
	}
}

// PollingSource re-derives the role from the document record on a fixed
// interval. A change between two polls that restores the same role is not
// observed; only bounded-delay detection is guaranteed.
type PollingSource struct {
	Docs     store.DocumentReader
	Interval time.Duration
}

// Watch blocks until ctx is cancelled, invoking onChange whenever the
// derived role differs from the last observed one.
func (p *PollingSource) Watch(ctx context.Context, documentID, userID string, initial access.Role, onChange func(access.Role)) {
	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	last := initial
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			doc, err := p.Docs.GetDocument(ctx, documentID)
			if err != nil {
				if errors.Is(err, store.ErrNotFound) {
					// Document deleted out from under the session.
					if last != access.RoleNone {
						last = access.RoleNone
						onChange(access.RoleNone)
					}
					continue
				}
				log.Printf("[Session] role poll doc=%s: %v", documentID, err)
				continue
			}
			role := access.RoleOf(doc, userID)
			if role != last {
				last = role
				onChange(role)
			}
		}
	}
}
