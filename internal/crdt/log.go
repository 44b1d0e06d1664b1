// Package crdt implements the replicated sequence the document text is made
// of: an append-only log of character operations ordered by an RGA-style
// tree walk. Merging the same operation set in any arrival order yields the
// same visible text, so replicas need no coordination beyond delivery.
package crdt

import (
	"sort"
	"strings"
)

// MergeResult describes what applying a remote operation did.
type MergeResult int

const (
	// Applied means the operation changed the log.
	Applied MergeResult = iota
	// Duplicate means the operation id was already known; the log is unchanged.
	Duplicate
	// Stashed means a causal dependency is still missing; the operation is
	// buffered and will be applied when the dependency arrives.
	Stashed
)

type node struct {
	op       *Op
	deleted  bool
	children []*node // sorted by OpID.Less
}

// Log is one replica's copy of the operation log. It is not safe for
// concurrent use; the owner serializes access (the hub holds a per-document
// lock, a replica is single-goroutine).
type Log struct {
	root     *node
	nodes    map[OpID]*node
	applied  map[OpID]struct{}
	stash    map[OpID][]*Op // keyed by the missing dependency id
	history  []*Op          // append order, causally consistent
	frontier Frontier

	visible []*node // cache of the non-tombstoned DFS order
	dirty   bool
}

// NewLog returns an empty log.
func NewLog() *Log {
	return &Log{
		root:     &node{},
		nodes:    make(map[OpID]*node),
		applied:  make(map[OpID]struct{}),
		stash:    make(map[OpID][]*Op),
		frontier: NewFrontier(),
	}
}

// SnapshotReplica is the reserved replica id used when a persisted snapshot
// is replayed as a bootstrap insert chain. Live replicas use UUIDs, so the
// name cannot collide.
const SnapshotReplica = "snapshot"

// Bootstrap builds a log whose visible text equals the given snapshot,
// expressed as a single chain of inserts from the reserved snapshot replica.
func Bootstrap(text string) *Log {
	l := NewLog()
	origin := Head
	counter := uint64(0)
	for _, r := range text {
		counter++
		op := &Op{
			ID:     OpID{Replica: SnapshotReplica, Counter: counter},
			Kind:   KindInsert,
			Value:  string(r),
			Origin: origin,
		}
		l.MergeRemote(op)
		origin = op.ID
	}
	return l
}

// Frontier returns a copy of the log's state vector.
func (l *Log) Frontier() Frontier {
	return l.frontier.Clone()
}

// Len returns the number of operations in the log's history.
func (l *Log) Len() int {
	return len(l.history)
}

// InsertAt creates and applies a local insert of value at the given visible
// index, anchored after the character currently before that index.
func (l *Log) InsertAt(replica string, index int, value string) *Op {
	op := &Op{
		ID:     OpID{Replica: replica, Counter: l.frontier[replica] + 1},
		Kind:   KindInsert,
		Value:  value,
		Origin: l.anchorBefore(index),
	}
	l.MergeRemote(op)
	return op
}

// DeleteAt creates and applies a local delete of the visible character at the
// given index. Returns nil if the index is out of range.
func (l *Log) DeleteAt(replica string, index int) *Op {
	vis := l.visibleNodes()
	if index < 0 || index >= len(vis) {
		return nil
	}
	op := &Op{
		ID:     OpID{Replica: replica, Counter: l.frontier[replica] + 1},
		Kind:   KindDelete,
		Origin: vis[index].op.ID,
	}
	l.MergeRemote(op)
	return op
}

// MergeRemote applies one operation. It is idempotent: re-applying a known id
// is a no-op, and tombstoning an already-deleted character is a no-op. An
// operation whose dependency has not arrived yet is stashed and applied as
// soon as the dependency lands. The returned position is the visible index
// the operation took effect at (-1 for Duplicate and Stashed).
func (l *Log) MergeRemote(op *Op) (int, MergeResult) {
	pos, res := l.merge(op)
	if res == Applied {
		l.drainStash(op.ID)
	}
	return pos, res
}

func (l *Log) merge(op *Op) (int, MergeResult) {
	if _, ok := l.applied[op.ID]; ok {
		return -1, Duplicate
	}

	switch op.Kind {
	case KindInsert:
		parent := l.root
		if !op.Origin.IsHead() {
			var ok bool
			parent, ok = l.nodes[op.Origin]
			if !ok {
				l.stash[op.Origin] = append(l.stash[op.Origin], op)
				return -1, Stashed
			}
		}
		n := &node{op: op}
		l.nodes[op.ID] = n
		insertChild(parent, n)
		l.commit(op)
		return l.visibleIndexOf(n), Applied

	case KindDelete:
		target, ok := l.nodes[op.Origin]
		if !ok {
			l.stash[op.Origin] = append(l.stash[op.Origin], op)
			return -1, Stashed
		}
		if target.deleted {
			// Already tombstoned by a concurrent delete. Remember the id so
			// redelivery stays a no-op, but the log is unchanged.
			l.applied[op.ID] = struct{}{}
			l.frontier.Observe(op.ID)
			return -1, Duplicate
		}
		pos := l.visibleIndexOf(target)
		target.deleted = true
		l.commit(op)
		return pos, Applied
	}
	return -1, Duplicate
}

func (l *Log) commit(op *Op) {
	l.applied[op.ID] = struct{}{}
	l.frontier.Observe(op.ID)
	l.history = append(l.history, op)
	l.dirty = true
}

// drainStash applies any operations that were waiting for the given id.
func (l *Log) drainStash(id OpID) {
	waiting, ok := l.stash[id]
	if !ok {
		return
	}
	delete(l.stash, id)
	for _, op := range waiting {
		if _, res := l.merge(op); res == Applied {
			l.drainStash(op.ID)
		}
	}
}

// insertChild places n among parent's children keeping the tie-break order.
func insertChild(parent *node, n *node) {
	i := sort.Search(len(parent.children), func(i int) bool {
		return n.op.ID.Less(parent.children[i].op.ID)
	})
	parent.children = append(parent.children, nil)
	copy(parent.children[i+1:], parent.children[i:])
	parent.children[i] = n
}

// anchorBefore returns the id of the visible character immediately before the
// given index, or Head for index zero.
func (l *Log) anchorBefore(index int) OpID {
	vis := l.visibleNodes()
	if index <= 0 || len(vis) == 0 {
		return Head
	}
	if index > len(vis) {
		index = len(vis)
	}
	return vis[index-1].op.ID
}

func (l *Log) visibleNodes() []*node {
	if l.dirty || l.visible == nil {
		l.visible = l.visible[:0]
		var walk func(n *node)
		walk = func(n *node) {
			if n.op != nil && !n.deleted {
				l.visible = append(l.visible, n)
			}
			for _, c := range n.children {
				walk(c)
			}
		}
		walk(l.root)
		l.dirty = false
	}
	return l.visible
}

func (l *Log) visibleIndexOf(n *node) int {
	for i, v := range l.visibleNodes() {
		if v == n {
			return i
		}
	}
	return -1
}

// VisibleText renders the non-tombstoned characters in log order.
func (l *Log) VisibleText() string {
	var b strings.Builder
	for _, n := range l.visibleNodes() {
		b.WriteString(n.op.Value)
	}
	return b.String()
}

// VisibleLen returns the number of visible characters.
func (l *Log) VisibleLen() int {
	return len(l.visibleNodes())
}

// IDAt returns the id of the visible character at index, or Head if the index
// is out of range.
func (l *Log) IDAt(index int) OpID {
	vis := l.visibleNodes()
	if index < 0 || index >= len(vis) {
		return Head
	}
	return vis[index].op.ID
}

// IndexOf returns the current visible index of the given id, or -1 if the id
// is unknown or tombstoned.
func (l *Log) IndexOf(id OpID) int {
	n, ok := l.nodes[id]
	if !ok || n.deleted {
		return -1
	}
	return l.visibleIndexOf(n)
}

// VisibleBefore returns how many visible characters are ordered before the
// given id. Unlike IndexOf it works for tombstoned ids too, which is what a
// cursor anchored on a since-deleted character needs.
func (l *Log) VisibleBefore(id OpID) int {
	if _, ok := l.nodes[id]; !ok {
		return 0
	}
	count := 0
	var walk func(n *node) bool
	walk = func(n *node) bool {
		if n.op != nil {
			if n.op.ID == id {
				return true
			}
			if !n.deleted {
				count++
			}
		}
		for _, c := range n.children {
			if walk(c) {
				return true
			}
		}
		return false
	}
	walk(l.root)
	return count
}

// IsVisible reports whether the id names a known, non-tombstoned character.
func (l *Log) IsVisible(id OpID) bool {
	n, ok := l.nodes[id]
	return ok && !n.deleted
}

// OperationsFrom returns the history suffix appended at or after the given
// position. Pairing it with Len() around a batch of merges collects exactly
// what the batch appended, including operations drained from the stash.
func (l *Log) OperationsFrom(pos int) []*Op {
	if pos < 0 {
		pos = 0
	}
	if pos >= len(l.history) {
		return nil
	}
	return l.history[pos:]
}

// Seen reports whether the operation id has been applied to the log.
func (l *Log) Seen(id OpID) bool {
	_, ok := l.applied[id]
	return ok
}

// StashLen returns the number of operations still waiting on a missing
// dependency.
func (l *Log) StashLen() int {
	n := 0
	for _, ops := range l.stash {
		n += len(ops)
	}
	return n
}

// OperationsSince returns, in the log's causal append order, every operation
// the given frontier has not seen. An empty frontier gets the full history.
func (l *Log) OperationsSince(f Frontier) []*Op {
	var ops []*Op
	for _, op := range l.history {
		if f == nil || !f.Covers(op.ID) {
			ops = append(ops, op)
		}
	}
	return ops
}
