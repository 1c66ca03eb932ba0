package presence

import (
	"sort"
	"sync"
	"time"
)

// Cursor is a participant's selection inside the document: a character index
// and the length of the selected range (0 for a bare caret).
type Cursor struct {
	Index  int `json:"index"`
	Length int `json:"length"`
}

// State is the ephemeral awareness record one participant publishes: who they
// are and where their cursor is. It is never persisted and is owned by the
// connection that published it. Left marks an explicit departure so peers can
// drop the entry without waiting for the liveness timeout.
type State struct {
	ClientID string    `json:"client_id"`
	Name     string    `json:"name,omitempty"`
	Color    string    `json:"color,omitempty"`
	Cursor   *Cursor   `json:"cursor,omitempty"`
	Left     bool      `json:"left,omitempty"`
	LastSeen time.Time `json:"-"`
}

// Tracker holds the awareness states of one room's participants. Remote
// updates merge last-write-wins by client id in arrival order; entries whose
// publisher goes silent past the liveness timeout expire on Prune. Absence of
// a heartbeat, not an explicit leave, is sufficient to drop a participant.
type Tracker struct {
	mu      sync.Mutex
	timeout time.Duration
	states  map[string]*State
}

// NewTracker creates a tracker with the given liveness timeout.
func NewTracker(timeout time.Duration) *Tracker {
	return &Tracker{
		timeout: timeout,
		states:  make(map[string]*State),
	}
}

// Apply merges remote states by client id and returns the states that
// actually changed, for rebroadcast. Entries flagged Left are removed.
func (t *Tracker) Apply(states []State, now time.Time) []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	changed := make([]State, 0, len(states))
	for _, s := range states {
		if s.ClientID == "" {
			continue
		}
		if s.Left {
			if _, ok := t.states[s.ClientID]; ok {
				delete(t.states, s.ClientID)
				changed = append(changed, s)
			}
			continue
		}
		s.LastSeen = now
		copied := s
		t.states[s.ClientID] = &copied
		changed = append(changed, s)
	}
	return changed
}

// SetLocal records this participant's own state for publication, returning
// the delta to send to peers.
func (t *Tracker) SetLocal(s State, now time.Time) []State {
	return t.Apply([]State{s}, now)
}

// Remove drops a participant, returning the departure state to broadcast if
// the participant was present.
func (t *Tracker) Remove(clientID string) (State, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.states[clientID]; !ok {
		return State{}, false
	}
	delete(t.states, clientID)
	return State{ClientID: clientID, Left: true}, true
}

// Prune expires participants not seen within the liveness timeout and
// returns their departure states.
func (t *Tracker) Prune(now time.Time) []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	var expired []State
	for id, s := range t.states {
		if now.Sub(s.LastSeen) > t.timeout {
			delete(t.states, id)
			expired = append(expired, State{ClientID: id, Left: true})
		}
	}
	return expired
}

// Touch refreshes a participant's liveness without changing its state.
func (t *Tracker) Touch(clientID string, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if s, ok := t.states[clientID]; ok {
		s.LastSeen = now
	}
}

// Snapshot returns the current states ordered by client id, for sending to a
// late joiner.
func (t *Tracker) Snapshot() []State {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]State, 0, len(t.states))
	for _, s := range t.states {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClientID < out[j].ClientID })
	return out
}

// Len returns the number of live participants.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}
