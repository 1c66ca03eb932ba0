package crdt

import (
	"fmt"
	"strings"
)

// maxPending bounds the buffer of operations waiting on a counter gap or an
// unresolved left neighbor. When the buffer is full the oldest entry is
// dropped so a misbehaving peer cannot grow memory without bound.
const maxPending = 1024

// element is one character of the replicated sequence. Children hold the
// elements inserted directly to the right of this one, ordered by descending
// (clock, actor) so an insert sorts before every sibling its creator had
// already observed.
type element struct {
	id       OpID
	clock    uint64
	value    rune
	deleted  bool
	children []*element
}

// sortsBefore reports whether e precedes other in sibling order.
func (e *element) sortsBefore(other *element) bool {
	if e.clock != other.clock {
		return e.clock > other.clock
	}
	return e.id.Actor > other.id.Actor
}

// Replica is a conflict-free replicated character sequence (an RGA shaped as
// a causal tree). Applying the same set of operations in any order that
// respects each actor's own counter sequence yields an identical Snapshot.
//
// Replica is not safe for concurrent use; callers serialize access (the room
// relay holds its room lock, the client session holds its own mutex).
type Replica struct {
	actor    string
	clock    uint64
	elements map[OpID]*element
	root     *element
	vector   map[string]uint64
	log      []Op
	pending  []Op
	dropped  uint64
}

// NewReplica creates an empty replica owned by the given actor id.
func NewReplica(actor string) *Replica {
	root := &element{}
	return &Replica{
		actor:    actor,
		elements: map[OpID]*element{},
		root:     root,
		vector:   map[string]uint64{},
	}
}

// Actor returns the local actor id.
func (r *Replica) Actor() string { return r.actor }

// newOp stamps a local operation with the next id and Lamport clock.
func (r *Replica) newOp(typ OpType) Op {
	r.clock++
	return Op{
		Type:  typ,
		ID:    OpID{Actor: r.actor, Counter: r.vector[r.actor] + 1},
		Clock: r.clock,
	}
}

// ApplyLocalInsert inserts value at the visible position pos (0 = before the
// first character) and returns the operation to broadcast.
func (r *Replica) ApplyLocalInsert(pos int, value rune) (Op, error) {
	left, err := r.idAtBoundary(pos)
	if err != nil {
		return Op{}, err
	}
	op := r.newOp(OpInsert)
	op.Left = left
	op.Value = string(value)
	r.integrate(op)
	return op, nil
}

// ApplyLocalDelete tombstones the character at visible position pos and
// returns the operation to broadcast.
func (r *Replica) ApplyLocalDelete(pos int) (Op, error) {
	target := r.visibleAt(pos)
	if target == nil {
		return Op{}, fmt.Errorf("delete position %d out of range", pos)
	}
	op := r.newOp(OpDelete)
	op.Target = target.id
	r.integrate(op)
	return op, nil
}

// InsertText inserts a run of characters at pos and returns the combined
// delta. Loading persisted content into a fresh replica is exactly this: one
// actor synthesizing a bulk insertion, so it can never conflict with history
// it has not seen.
func (r *Replica) InsertText(pos int, text string) (Delta, error) {
	delta := make(Delta, 0, len(text))
	for _, c := range text {
		op, err := r.ApplyLocalInsert(pos, c)
		if err != nil {
			return delta, err
		}
		delta = append(delta, op)
		pos++
	}
	return delta, nil
}

// LoadContent seeds an empty replica from durable text as one bulk
// insertion by this actor.
func (r *Replica) LoadContent(content string) (Delta, error) {
	if r.Len() != 0 {
		return nil, fmt.Errorf("load content: replica already holds %d characters", r.Len())
	}
	return r.InsertText(0, content)
}

// ApplyRemote merges a delta produced by another replica. Already-applied
// operations are absorbed silently. Operations that cannot be applied yet
// (a counter gap for their actor, or a left/target element not yet present)
// are buffered and retried as later operations fill the gap. It returns the
// number of operations applied and the number still deferred in the buffer.
func (r *Replica) ApplyRemote(delta Delta) (applied, deferred int) {
	for _, op := range delta {
		switch {
		case op.ID.Counter <= r.vector[op.ID.Actor]:
			// Duplicate delivery, already applied.
		case r.canApply(op):
			r.integrate(op)
			applied++
		default:
			r.buffer(op)
		}
	}
	applied += r.drainPending()
	return applied, len(r.pending)
}

// canApply reports whether op is the next operation for its actor and all
// elements it references are present.
func (r *Replica) canApply(op Op) bool {
	if op.ID.Counter != r.vector[op.ID.Actor]+1 {
		return false
	}
	switch op.Type {
	case OpInsert:
		return op.Left.IsZero() || r.elements[op.Left] != nil
	case OpDelete:
		return r.elements[op.Target] != nil
	}
	return false
}

// integrate applies an op the caller has already validated.
func (r *Replica) integrate(op Op) {
	switch op.Type {
	case OpInsert:
		parent := r.root
		if !op.Left.IsZero() {
			parent = r.elements[op.Left]
		}
		e := &element{id: op.ID, clock: op.Clock}
		for _, c := range op.Value {
			e.value = c
			break
		}
		i := 0
		for i < len(parent.children) && parent.children[i].sortsBefore(e) {
			i++
		}
		parent.children = append(parent.children, nil)
		copy(parent.children[i+1:], parent.children[i:])
		parent.children[i] = e
		r.elements[op.ID] = e
	case OpDelete:
		r.elements[op.Target].deleted = true
	}
	if op.Clock > r.clock {
		r.clock = op.Clock
	}
	r.vector[op.ID.Actor] = op.ID.Counter
	r.log = append(r.log, op)
}

// buffer queues an op that is ahead of its actor's contiguous sequence or
// references elements that have not arrived, dropping the oldest entry once
// the buffer limit is reached.
func (r *Replica) buffer(op Op) {
	for _, p := range r.pending {
		if p.ID == op.ID {
			return
		}
	}
	if len(r.pending) >= maxPending {
		r.pending = r.pending[1:]
		r.dropped++
	}
	r.pending = append(r.pending, op)
}

// drainPending re-examines buffered ops until no further progress is made.
func (r *Replica) drainPending() int {
	applied := 0
	for {
		progress := false
		remaining := r.pending[:0]
		for _, op := range r.pending {
			switch {
			case op.ID.Counter <= r.vector[op.ID.Actor]:
				progress = true
			case r.canApply(op):
				r.integrate(op)
				applied++
				progress = true
			default:
				remaining = append(remaining, op)
			}
		}
		r.pending = remaining
		if !progress || len(r.pending) == 0 {
			return applied
		}
	}
}

// Pending returns the number of buffered operations waiting on a gap.
func (r *Replica) Pending() int { return len(r.pending) }

// Dropped returns how many buffered operations were discarded to the buffer
// limit since the replica was created.
func (r *Replica) Dropped() uint64 { return r.dropped }

// StateVector returns a copy of the per-actor highest contiguous counters.
func (r *Replica) StateVector() map[string]uint64 {
	sv := make(map[string]uint64, len(r.vector))
	for actor, counter := range r.vector {
		sv[actor] = counter
	}
	return sv
}

// DiffSince returns the delta that brings a replica described by sv up to
// date with this one. The result preserves this replica's application order,
// which is a valid causal order for the receiver.
func (r *Replica) DiffSince(sv map[string]uint64) Delta {
	var delta Delta
	for _, op := range r.log {
		if op.ID.Counter > sv[op.ID.Actor] {
			delta = append(delta, op)
		}
	}
	return delta
}

// Snapshot renders the visible text.
func (r *Replica) Snapshot() string {
	var b strings.Builder
	r.walk(r.root, func(e *element) bool {
		if !e.deleted {
			b.WriteRune(e.value)
		}
		return true
	})
	return b.String()
}

// Len returns the number of visible characters.
func (r *Replica) Len() int {
	n := 0
	r.walk(r.root, func(e *element) bool {
		if !e.deleted {
			n++
		}
		return true
	})
	return n
}

// walk traverses elements in document order (pre-order over the causal
// tree), invoking visit for every element including tombstones. Returning
// false from visit stops the traversal.
func (r *Replica) walk(e *element, visit func(*element) bool) bool {
	if e != r.root {
		if !visit(e) {
			return false
		}
	}
	for _, child := range e.children {
		if !r.walk(child, visit) {
			return false
		}
	}
	return true
}

// visibleAt returns the element at visible position pos, or nil.
func (r *Replica) visibleAt(pos int) *element {
	var found *element
	i := 0
	r.walk(r.root, func(e *element) bool {
		if e.deleted {
			return true
		}
		if i == pos {
			found = e
			return false
		}
		i++
		return true
	})
	return found
}

// idAtBoundary maps an insertion boundary to the id of the element on its
// left: position 0 is the origin, position n is after the n-th visible
// character.
func (r *Replica) idAtBoundary(pos int) (OpID, error) {
	if pos < 0 {
		return OpID{}, fmt.Errorf("insert position %d out of range", pos)
	}
	if pos == 0 {
		return OpID{}, nil
	}
	e := r.visibleAt(pos - 1)
	if e == nil {
		return OpID{}, fmt.Errorf("insert position %d beyond end of document", pos)
	}
	return e.id, nil
}
