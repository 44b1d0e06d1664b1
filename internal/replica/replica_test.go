package replica

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fuad-nasseraldeen/realtime-docs/internal/crdt"
)

func typeText(r *Replica, text string) []*crdt.Op {
	ops := make([]*crdt.Op, 0, len(text))
	at := 0
	for _, ch := range text {
		ops = append(ops, r.Type(ch, at))
		at++
	}
	return ops
}

func TestTypeAndDelete(t *testing.T) {
	r := New()
	typeText(r, "hello")
	assert.Equal(t, "hello", r.Text())

	require.NotNil(t, r.Delete(0))
	assert.Equal(t, "ello", r.Text())

	assert.Nil(t, r.Delete(10), "out-of-range delete is a no-op")
	assert.Equal(t, "ello", r.Text())
}

func TestPendingReplayAndAck(t *testing.T) {
	r := New()
	ops := typeText(r, "abc")
	require.Len(t, r.Pending(), 3)

	// Partial acknowledgement keeps the rest queued.
	r.Ack(ops[:2])
	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, ops[2].ID, pending[0].ID)

	r.Ack(ops[2:])
	assert.Empty(t, r.Pending())
}

func TestReceive_RemoteOpsMerge(t *testing.T) {
	a := New()
	b := New()

	opsA := typeText(a, "hi")
	opsB := typeText(b, "yo")

	a.Receive(opsB)
	b.Receive(opsA)

	assert.Equal(t, a.Text(), b.Text())
	assert.Len(t, a.Text(), 4)
}

func TestCursor_FollowsTyping(t *testing.T) {
	r := New()
	typeText(r, "ab")
	assert.Equal(t, 2, r.Cursor())

	r.SetCursor(1)
	assert.Equal(t, 1, r.Cursor())

	r.SetCursor(0)
	assert.Equal(t, 0, r.Cursor())
}

func TestCursor_StableUnderRemoteInsertBefore(t *testing.T) {
	r := New()
	other := New()

	typeText(r, "bc")
	r.SetCursor(1) // after "b"

	// A remote user prepends text; the cursor stays after "b".
	r.Receive(typeText(other, "a"))
	if r.Text() == "abc" {
		assert.Equal(t, 2, r.Cursor())
	} else {
		// Tie-break may order the remote character later.
		assert.Equal(t, "bca", r.Text())
		assert.Equal(t, 1, r.Cursor())
	}
}

func TestCursor_AnchorDeletedRemotely(t *testing.T) {
	a := New()
	ops := typeText(a, "abc")
	a.SetCursor(2) // after "b"

	b := New()
	b.Receive(ops)
	del := b.Delete(1) // remove "b"
	require.NotNil(t, del)

	a.Receive([]*crdt.Op{del})
	assert.Equal(t, "ac", a.Text())
	// The anchor is a tombstone; the cursor lands where "b" used to be.
	assert.Equal(t, 1, a.Cursor())
}

func TestFrontier_CoversOwnOps(t *testing.T) {
	r := New()
	ops := typeText(r, "xy")
	f := r.Frontier()
	for _, op := range ops {
		assert.True(t, f.Covers(op.ID))
	}
}

func TestAckIDs_UnknownIgnored(t *testing.T) {
	r := New()
	ops := typeText(r, "ab")

	r.AckIDs([]crdt.OpID{{Replica: "ghost", Counter: 9}})
	require.Len(t, r.Pending(), 2)

	r.AckIDs([]crdt.OpID{ops[0].ID})
	pending := r.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, ops[1].ID, pending[0].ID)
}
