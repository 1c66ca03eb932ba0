package crdt

// OpID is the globally unique identifier of an operation, combining the
// per-actor logical counter with the actor that created it. The zero OpID
// refers to the document origin (the position before the first character).
type OpID struct {
	Actor   string `json:"actor"`
	Counter uint64 `json:"counter"`
}

// IsZero reports whether the id is the origin sentinel.
func (id OpID) IsZero() bool {
	return id.Actor == "" && id.Counter == 0
}

type OpType string

const (
	OpInsert OpType = "insert"
	OpDelete OpType = "delete"
)

// Op is a single replicated operation. Inserts place a character to the
// right of Left; deletes tombstone the element created by Target. Every op,
// deletes included, consumes one counter value of its actor.
//
// Clock is a Lamport timestamp: strictly greater than the clock of every
// operation its creator had observed. Concurrent insertions under the same
// left neighbor are ordered by descending (Clock, Actor), which is total and
// deterministic and places an insertion before any sibling its creator had
// already seen.
type Op struct {
	Type   OpType `json:"type"`
	ID     OpID   `json:"id"`
	Clock  uint64 `json:"clock"`
	Left   OpID   `json:"left,omitempty"`
	Target OpID   `json:"target,omitempty"`
	Value  string `json:"value,omitempty"`
}

// Delta is an ordered batch of operations exchanged between replicas.
// The order is a valid causal order for the producing replica; consumers
// may still receive deltas out of order and rely on Replica buffering.
type Delta []Op
