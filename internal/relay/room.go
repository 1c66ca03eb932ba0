package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"syncpad/internal/crdt"
	"syncpad/internal/presence"
	"syncpad/internal/repository"

	"github.com/google/uuid"
)

// Room holds the authoritative in-memory state for one document: the
// replica, the awareness tracker, and the set of live sessions indexed by
// session id. Sessions never hold a reference back into the room, so tearing
// a room down is dropping it from the hub's map.
//
// The room mutex is the single serialization point for this document: delta
// application and the broadcast fan-out happen under it, which is what gives
// every connection the same relative delta order. The replica apply itself
// never blocks, so holding the lock across it is safe.
type Room struct {
	documentID string

	// ready closes once the creator's bootstrap finished; bootErr is only
	// read after it. Joiners wait on it instead of blocking the hub.
	ready   chan struct{}
	bootErr error

	mu       sync.Mutex
	replica  *crdt.Replica
	tracker  *presence.Tracker
	sessions map[string]*Session
}

func newRoom(documentID string, presenceTimeout time.Duration) *Room {
	return &Room{
		documentID: documentID,
		ready:      make(chan struct{}),
		tracker:    presence.NewTracker(presenceTimeout),
		sessions:   make(map[string]*Session),
	}
}

// bootstrap fills the replica from durable storage. An unknown id is a new
// document, not an error. Called once by the creating joiner; everyone else
// waits on the ready gate, so no session dispatches before this completes.
func (r *Room) bootstrap(ctx context.Context, p Persister) error {
	r.replica = crdt.NewReplica(uuid.NewString())
	content, err := p.Read(ctx, r.documentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if _, err := r.replica.LoadContent(content); err != nil {
		return err
	}
	return nil
}

// handleSyncStep1 answers a joiner's state vector with the delta it is
// missing, plus this room's own vector and current awareness snapshot.
func (r *Room) handleSyncStep1(s *Session, sv map[string]uint64) {
	r.mu.Lock()
	reply := Message{
		Type:        MessageSyncStep2,
		Delta:       r.replica.DiffSince(sv),
		StateVector: r.replica.StateVector(),
	}
	snapshot := r.tracker.Snapshot()
	r.mu.Unlock()

	s.send(marshal(reply))
	if len(snapshot) > 0 {
		s.send(marshal(Message{Type: MessageAwareness, Presence: snapshot}))
	}
}

// handleUpdate applies a delta to the room replica and rebroadcasts it to
// every other session. It returns the new content snapshot when anything
// was applied, for the caller to hand to the persistence reconciler.
// Unappliable operations are buffered by the replica (counter gaps) or
// eventually dropped; neither corrupts other connections' view nor
// disconnects the sender.
func (r *Room) handleUpdate(s *Session, delta crdt.Delta) (string, bool) {
	if len(delta) == 0 {
		return "", false
	}

	r.mu.Lock()
	before := r.replica.StateVector()
	droppedBefore := r.replica.Dropped()
	applied, deferred := r.replica.ApplyRemote(delta)
	var snapshot string
	if applied > 0 {
		snapshot = r.replica.Snapshot()
		// Broadcast what was actually applied, not the raw delta: a gap
		// fill can drain previously buffered ops, and peers need those
		// too. A drained op may even predate what the sender holds, so
		// only a pure echo of the incoming delta skips the sender.
		out := r.replica.DiffSince(before)
		sender := s
		if !echoOf(out, delta) {
			sender = nil
		}
		r.broadcastLocked(sender, marshal(Message{Type: MessageUpdate, Delta: out}))
	}
	dropped := r.replica.Dropped() - droppedBefore
	r.mu.Unlock()

	if deferred > 0 {
		log.Printf("room %s: %d ops from session %s deferred awaiting a gap", r.documentID, deferred, s.ID)
	}
	if dropped > 0 {
		log.Printf("room %s: dropped %d unresolvable ops from session %s", r.documentID, dropped, s.ID)
	}
	return snapshot, applied > 0
}

// handleAwareness merges a presence delta and rebroadcasts what changed.
func (r *Room) handleAwareness(s *Session, states []presence.State) {
	r.mu.Lock()
	changed := r.tracker.Apply(states, time.Now())
	if len(changed) > 0 {
		r.broadcastLocked(s, marshal(Message{Type: MessageAwareness, Presence: changed}))
	}
	r.mu.Unlock()
}

// addSession registers a live session with the room.
func (r *Room) addSession(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.ID] = s
	return len(r.sessions)
}

// removeSession drops a session, announces its departure, and reports how
// many sessions remain so the hub can tear down an empty room.
func (r *Room) removeSession(s *Session) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return len(r.sessions)
	}
	delete(r.sessions, s.ID)
	s.closeSend()

	if gone, ok := r.tracker.Remove(s.ClientID); ok {
		r.broadcastLocked(nil, marshal(Message{Type: MessageAwareness, Presence: []presence.State{gone}}))
	}
	return len(r.sessions)
}

// prune expires silent participants and announces their departure.
func (r *Room) prune(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	expired := r.tracker.Prune(now)
	if len(expired) > 0 {
		r.broadcastLocked(nil, marshal(Message{Type: MessageAwareness, Presence: expired}))
	}
}

// broadcastLocked queues payload on every session except sender. A session
// whose buffer is full is slow or dead; it is dropped so one stalled
// connection cannot hold up the room. Caller holds the room lock.
func (r *Room) broadcastLocked(sender *Session, payload []byte) {
	if payload == nil {
		return
	}
	for id, sess := range r.sessions {
		if sender != nil && id == sender.ID {
			continue
		}
		if !sess.send(payload) {
			log.Printf("room %s: session %s send buffer full, dropping connection", r.documentID, sess.ID)
			delete(r.sessions, id)
			sess.closeSend()
		}
	}
}

// touch refreshes a participant's liveness on any inbound traffic.
func (r *Room) touch(clientID string, now time.Time) {
	r.tracker.Touch(clientID, now)
}

// participants returns the number of live sessions, for diagnostics.
func (r *Room) participants() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// echoOf reports whether every op in out was already present in the
// incoming delta, meaning the broadcast carries nothing the sender lacks.
func echoOf(out, in crdt.Delta) bool {
	if len(out) > len(in) {
		return false
	}
	ids := make(map[crdt.OpID]struct{}, len(in))
	for _, op := range in {
		ids[op.ID] = struct{}{}
	}
	for _, op := range out {
		if _, ok := ids[op.ID]; !ok {
			return false
		}
	}
	return true
}

func marshal(m Message) []byte {
	b, err := json.Marshal(m)
	if err != nil {
		log.Printf("failed to marshal %s message: %v", m.Type, err)
		return nil
	}
	return b
}
