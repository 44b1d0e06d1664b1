package hub

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/access"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/protocol"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/replica"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/session"
	"github.com/fuad-nasseraldeen/realtime-docs/internal/store"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetDocument(ctx context.Context, id string) (*store.Document, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Document), args.Error(1)
}

func (m *MockStore) CreateDocument(ctx context.Context, doc *store.Document) error {
	return m.Called(ctx, doc).Error(0)
}

func (m *MockStore) UpdateDocument(ctx context.Context, id string, title, content *string) (*store.Document, error) {
	args := m.Called(ctx, id, title, content)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*store.Document), args.Error(1)
}

func (m *MockStore) DeleteDocument(ctx context.Context, id string) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockStore) ListDocuments(ctx context.Context, userID string) ([]*store.Document, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*store.Document), args.Error(1)
}

func (m *MockStore) UpsertCollaborator(ctx context.Context, docID string, c store.Collaborator) error {
	return m.Called(ctx, docID, c).Error(0)
}

func (m *MockStore) RemoveCollaborator(ctx context.Context, docID, userID string) error {
	return m.Called(ctx, docID, userID).Error(0)
}

func (m *MockStore) PersistSnapshot(ctx context.Context, id, text string) error {
	return m.Called(ctx, id, text).Error(0)
}

// silentRoles never reports a change; role dynamics are covered in the
// session package tests.
type silentRoles struct{}

func (silentRoles) Watch(ctx context.Context, documentID, userID string, initial access.Role, onChange func(access.Role)) {
	<-ctx.Done()
}

func testDocRecord(content string) *store.Document {
	return &store.Document{
		ID:      "doc-1",
		OwnerID: "owner",
		Content: content,
		Collaborators: []store.Collaborator{
			{UserID: "editor", Role: "editor"},
			{UserID: "viewer", Role: "viewer"},
		},
	}
}

func newTestHub(t *testing.T, content string) (*Hub, *session.Manager, *MockStore) {
	t.Helper()
	st := new(MockStore)
	st.On("GetDocument", mock.Anything, "doc-1").Return(testDocRecord(content), nil)
	h := New(st, nil)
	mgr := session.NewManager(st, h, silentRoles{}, 0)
	return h, mgr, st
}

func connect(t *testing.T, mgr *session.Manager, userID string, frontier crdt.Frontier) (*session.Session, []*crdt.Op) {
	t.Helper()
	sess, catchup, err := mgr.Accept(context.Background(), "doc-1", userID, userID+"-replica", frontier)
	require.NoError(t, err)
	return sess, catchup
}

func decodeBroadcast(t *testing.T, frame []byte) []*crdt.Op {
	t.Helper()
	var msg protocol.BaseMessage
	require.NoError(t, json.Unmarshal(frame, &msg))
	require.Equal(t, protocol.TypeOpBroadcast, msg.Type)
	var payload protocol.OpBroadcastPayload
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	return payload.Ops
}

func makeOps(base []*crdt.Op, replicaID, text string) []*crdt.Op {
	l := crdt.NewLog()
	for _, op := range base {
		l.MergeRemote(op)
	}
	var ops []*crdt.Op
	at := l.VisibleLen()
	for _, r := range text {
		ops = append(ops, l.InsertAt(replicaID, at, string(r)))
		at++
	}
	return ops
}

func TestSubmit_ViewerForbidden(t *testing.T) {
	h, mgr, _ := newTestHub(t, "")
	sess, catchup := connect(t, mgr, "viewer", nil)
	defer sess.Close()

	before := h.docs["doc-1"].log.Len()
	_, err := h.Submit(context.Background(), sess, makeOps(catchup, "viewer-replica", "x"))
	assert.ErrorIs(t, err, access.ErrForbidden)
	assert.Equal(t, before, h.docs["doc-1"].log.Len(), "rejected ops must not touch the log")
}

func TestSubmit_BroadcastExcludesSender(t *testing.T) {
	h, mgr, st := newTestHub(t, "")
	st.On("PersistSnapshot", mock.Anything, "doc-1", mock.Anything).Return(nil)
	a, catchupA := connect(t, mgr, "owner", nil)
	defer a.Close()
	b, _ := connect(t, mgr, "editor", nil)
	defer b.Close()

	ops := makeOps(catchupA, "owner-replica", "hey")
	acked, err := h.Submit(context.Background(), a, ops)
	require.NoError(t, err)
	assert.Len(t, acked, 3, "every merged op is acknowledged")

	select {
	case frame := <-b.Outbox():
		got := decodeBroadcast(t, frame)
		require.Len(t, got, 3)
		assert.Equal(t, ops[0].ID, got[0].ID)
	case <-time.After(time.Second):
		t.Fatal("no broadcast reached the other session")
	}

	select {
	case <-a.Outbox():
		t.Fatal("sender must not receive its own ops")
	default:
	}
}

func TestSubmit_DuplicateNotRebroadcast(t *testing.T) {
	h, mgr, st := newTestHub(t, "")
	st.On("PersistSnapshot", mock.Anything, "doc-1", mock.Anything).Return(nil)
	a, catchupA := connect(t, mgr, "owner", nil)
	defer a.Close()
	b, _ := connect(t, mgr, "editor", nil)
	defer b.Close()

	ops := makeOps(catchupA, "owner-replica", "z")
	_, err := h.Submit(context.Background(), a, ops)
	require.NoError(t, err)
	<-b.Outbox()

	// At-least-once delivery from a reconnecting replica.
	acked, err := h.Submit(context.Background(), a, ops)
	require.NoError(t, err)
	select {
	case <-b.Outbox():
		t.Fatal("duplicate submit must not be rebroadcast")
	default:
	}
	// But it is still acknowledged, so the replica can trim its buffer.
	require.Len(t, acked, 1)
	assert.Equal(t, ops[0].ID, acked[0])
}

func TestConnect_ResyncSinceFrontier(t *testing.T) {
	h, mgr, st := newTestHub(t, "")
	st.On("PersistSnapshot", mock.Anything, "doc-1", mock.Anything).Return(nil)
	a, _ := connect(t, mgr, "owner", nil)
	defer a.Close()

	first := makeOps(nil, "owner-replica", "ab")
	_, err := h.Submit(context.Background(), a, first)
	require.NoError(t, err)

	// B saw the first batch, disconnected, and the document advanced.
	frontierF1 := crdt.NewFrontier()
	for _, op := range first {
		frontierF1.Observe(op.ID)
	}
	more := makeOps(first, "owner-replica", "cd")
	_, err = h.Submit(context.Background(), a, more)
	require.NoError(t, err)

	b, catchup := connect(t, mgr, "editor", frontierF1)
	defer b.Close()
	require.Len(t, catchup, len(more), "reconnect must receive exactly the missed ops")
	for i, op := range more {
		assert.Equal(t, op.ID, catchup[i].ID)
	}

	// Applying the catch-up yields the text of a replica that never left.
	l := crdt.NewLog()
	for _, op := range append(append([]*crdt.Op{}, first...), catchup...) {
		l.MergeRemote(op)
	}
	assert.Equal(t, "abcd", l.VisibleText())
}

func TestLastDisconnect_FlushesAndReleases(t *testing.T) {
	h, mgr, st := newTestHub(t, "")
	flushed := make(chan string, 1)
	st.On("PersistSnapshot", mock.Anything, "doc-1", mock.Anything).
		Run(func(args mock.Arguments) { flushed <- args.String(2) }).
		Return(nil)

	a, _ := connect(t, mgr, "owner", nil)
	_, err := h.Submit(context.Background(), a, makeOps(nil, "owner-replica", "bye"))
	require.NoError(t, err)

	a.Close()
	select {
	case text := <-flushed:
		assert.Equal(t, "bye", text)
	case <-time.After(2 * time.Second):
		t.Fatal("snapshot was not flushed on last disconnect")
	}

	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, resident := h.docs["doc-1"]
		return !resident
	}, 2*time.Second, 10*time.Millisecond, "log must be released after flush")
}

func TestRelease_SkipsUnchangedSnapshot(t *testing.T) {
	h, mgr, st := newTestHub(t, "saved")

	a, catchup := connect(t, mgr, "owner", nil)
	// Catch-up is the bootstrap chain for the persisted snapshot.
	l := crdt.NewLog()
	for _, op := range catchup {
		l.MergeRemote(op)
	}
	require.Equal(t, "saved", l.VisibleText())

	a.Close()
	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, resident := h.docs["doc-1"]
		return !resident
	}, 2*time.Second, 10*time.Millisecond)

	// Nothing changed, so nothing is rewritten.
	st.AssertNotCalled(t, "PersistSnapshot", mock.Anything, mock.Anything, mock.Anything)
}

func TestReviveFromSnapshot(t *testing.T) {
	st := new(MockStore)
	st.On("GetDocument", mock.Anything, "doc-1").Return(testDocRecord("hello"), nil)
	st.On("PersistSnapshot", mock.Anything, "doc-1", mock.Anything).Return(nil)
	h := New(st, nil)
	mgr := session.NewManager(st, h, silentRoles{}, 0)

	sess, catchup := connect(t, mgr, "owner", nil)
	defer sess.Close()

	l := crdt.NewLog()
	for _, op := range catchup {
		l.MergeRemote(op)
	}
	assert.Equal(t, "hello", l.VisibleText())

	// New edits anchor onto snapshot characters and are accepted.
	op := l.InsertAt("owner-replica", l.VisibleLen(), "!")
	_, err := h.Submit(context.Background(), sess, []*crdt.Op{op})
	require.NoError(t, err)
	assert.Equal(t, "hello!", h.docs["doc-1"].log.VisibleText())
}

func TestConcurrentOfflineEditsConverge(t *testing.T) {
	h, mgr, st := newTestHub(t, "")
	st.On("PersistSnapshot", mock.Anything, "doc-1", mock.Anything).Return(nil)

	// A and B both typed at document start before either reached the hub.
	rA := replica.New()
	rB := replica.New()
	opsA := []*crdt.Op{rA.Type('h', 0), rA.Type('i', 1)}
	opsB := []*crdt.Op{rB.Type('y', 0), rB.Type('o', 1)}

	a, _ := connect(t, mgr, "owner", rA.Frontier())
	defer a.Close()
	b, _ := connect(t, mgr, "editor", rB.Frontier())
	defer b.Close()

	_, err := h.Submit(context.Background(), a, opsA)
	require.NoError(t, err)
	_, err = h.Submit(context.Background(), b, opsB)
	require.NoError(t, err)

	rA.Receive(decodeBroadcast(t, <-a.Outbox()))
	rB.Receive(decodeBroadcast(t, <-b.Outbox()))

	assert.Equal(t, rA.Text(), rB.Text())
	assert.Equal(t, h.docs["doc-1"].log.VisibleText(), rA.Text())
}

func TestSubmit_AfterCloseRejected(t *testing.T) {
	h, mgr, _ := newTestHub(t, "")
	sess, catchup := connect(t, mgr, "owner", nil)
	sess.Close()

	assert.Eventually(t, func() bool {
		return h.Sessions("doc-1") == 0
	}, 2*time.Second, 10*time.Millisecond)

	_, err := h.Submit(context.Background(), sess, makeOps(catchup, "owner-replica", "x"))
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestSubmit_StashDrainBroadcastsAndAcks(t *testing.T) {
	h, mgr, st := newTestHub(t, "")
	st.On("PersistSnapshot", mock.Anything, "doc-1", mock.Anything).Return(nil)
	a, _ := connect(t, mgr, "owner", nil)
	defer a.Close()
	b, _ := connect(t, mgr, "editor", nil)
	defer b.Close()

	ops := makeOps(nil, "owner-replica", "ab") // ops[1] anchors on ops[0]

	// The dependent op arrives first: stashed, not acknowledged, not
	// broadcast.
	acked, err := h.Submit(context.Background(), a, []*crdt.Op{ops[1]})
	require.NoError(t, err)
	assert.Empty(t, acked, "a stashed op is not durable yet")
	select {
	case <-b.Outbox():
		t.Fatal("stashed op must not be broadcast")
	default:
	}

	// The dependency lands: both ops enter the log and both go out.
	acked, err = h.Submit(context.Background(), a, []*crdt.Op{ops[0]})
	require.NoError(t, err)
	assert.ElementsMatch(t, []crdt.OpID{ops[0].ID, ops[1].ID}, acked,
		"the drained op is acknowledged with its dependency")

	select {
	case frame := <-b.Outbox():
		got := decodeBroadcast(t, frame)
		require.Len(t, got, 2, "the drained op is broadcast with its dependency")
		assert.Equal(t, ops[0].ID, got[0].ID)
		assert.Equal(t, ops[1].ID, got[1].ID)
	case <-time.After(time.Second):
		t.Fatal("no broadcast after the dependency arrived")
	}
	assert.Equal(t, "ab", h.docs["doc-1"].log.VisibleText())
}

func TestRelease_ReconnectDuringFlush(t *testing.T) {
	st := new(MockStore)
	st.On("GetDocument", mock.Anything, "doc-1").Return(testDocRecord(""), nil)

	persists := make(chan string, 2)
	gate := make(chan struct{})
	st.On("PersistSnapshot", mock.Anything, "doc-1", mock.Anything).
		Run(func(args mock.Arguments) {
			persists <- args.String(2)
			<-gate
		}).
		Return(nil)

	h := New(st, nil)
	mgr := session.NewManager(st, h, silentRoles{}, 0)

	a, _ := connect(t, mgr, "owner", nil)
	opsA := makeOps(nil, "owner-replica", "a")
	_, err := h.Submit(context.Background(), a, opsA)
	require.NoError(t, err)
	a.Close()

	select {
	case text := <-persists:
		assert.Equal(t, "a", text)
	case <-time.After(2 * time.Second):
		t.Fatal("first flush never started")
	}

	// With the first flush still in its retry window, a session reattaches
	// to the resident log, edits, and leaves again.
	b, catchup := connect(t, mgr, "editor", nil)
	require.Len(t, catchup, 1, "reconnect during flush sees the live log")
	_, err = h.Submit(context.Background(), b, makeOps(opsA, "editor-replica", "b"))
	require.NoError(t, err)
	b.Close()

	select {
	case text := <-persists:
		assert.Equal(t, "ab", text)
	case <-time.After(2 * time.Second):
		t.Fatal("second flush never started")
	}

	close(gate)
	assert.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		_, resident := h.docs["doc-1"]
		return !resident
	}, 2*time.Second, 10*time.Millisecond, "log must be released once both flushes land")
}
