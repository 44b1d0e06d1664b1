package crdt

// Kind of a character operation.
const (
	KindInsert = "insert"
	KindDelete = "delete"
)

// OpID uniquely identifies one operation: the replica that produced it plus a
// counter that replica only ever increments. IDs are never reused.
type OpID struct {
	Replica string `json:"replica"`
	Counter uint64 `json:"counter"`
}

// Head is the sentinel origin meaning "document start".
var Head = OpID{}

// IsHead reports whether the id is the document-start sentinel.
func (a OpID) IsHead() bool {
	return a.Replica == "" && a.Counter == 0
}

// Less is the deterministic tie-break order for concurrent inserts sharing an
// origin: lower replica id first, then lower counter. Every replica that has
// the same operation set computes the same placement from this comparison.
func (a OpID) Less(b OpID) bool {
	if a.Replica != b.Replica {
		return a.Replica < b.Replica
	}
	return a.Counter < b.Counter
}

// Op is one immutable character operation. An insert anchors its value
// immediately after Origin; a delete tombstones the operation named by Origin.
type Op struct {
	ID     OpID   `json:"id"`
	Kind   string `json:"kind"`
	Value  string `json:"value,omitempty"`
	Origin OpID   `json:"origin"`
}

// Frontier is a state vector: the highest counter seen from each replica.
type Frontier map[string]uint64

// NewFrontier returns an empty frontier.
func NewFrontier() Frontier {
	return make(Frontier)
}

// Covers reports whether the frontier has already seen the given id.
func (f Frontier) Covers(id OpID) bool {
	return f[id.Replica] >= id.Counter
}

// Observe advances the high-water mark for the id's replica.
func (f Frontier) Observe(id OpID) {
	if f[id.Replica] < id.Counter {
		f[id.Replica] = id.Counter
	}
}

// Clone returns an independent copy of the frontier.
func (f Frontier) Clone() Frontier {
	c := make(Frontier, len(f))
	for r, n := range f {
		c[r] = n
	}
	return c
}
