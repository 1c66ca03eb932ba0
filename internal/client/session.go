package client

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"syncpad/internal/crdt"
	"syncpad/internal/presence"
	"syncpad/internal/relay"

	"github.com/cenkalti/backoff"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Config describes one client session. ServerURL is the relay base, e.g.
// "ws://localhost:8080".
type Config struct {
	ServerURL  string
	DocumentID string
	ClientID   string // generated when empty
	Name       string
	Color      string
	MaxBackoff time.Duration // bound on the reconnect interval
}

// RemoteUpdate notifies the embedding editor that remote operations were
// applied, with the resulting text.
type RemoteUpdate struct {
	Applied  int
	Snapshot string
}

// Session is the client-side counterpart of a room: it owns a replica,
// keeps the socket alive, feeds local edits out and remote deltas in.
//
// Edits made while disconnected accumulate in the local replica; the next
// successful sync exchanges state vectors, so only the gap travels, never
// the whole document. Reconnects back off exponentially up to MaxBackoff
// and keep retrying until Disconnect.
type Session struct {
	cfg Config

	mu      sync.Mutex // guards replica, peers, conn, connected
	replica *crdt.Replica
	peers   *presence.Tracker
	conn    *websocket.Conn
	self    presence.State

	writeMu sync.Mutex // serializes socket writes

	remote chan RemoteUpdate
	done   chan struct{}
	closed sync.Once
	wg     sync.WaitGroup
}

// New creates a disconnected session for the document.
func New(cfg Config) *Session {
	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 10 * time.Second
	}
	return &Session{
		cfg:     cfg,
		replica: crdt.NewReplica(cfg.ClientID),
		peers:   presence.NewTracker(30 * time.Second),
		self:    presence.State{ClientID: cfg.ClientID, Name: cfg.Name, Color: cfg.Color},
		remote:  make(chan RemoteUpdate, 64),
		done:    make(chan struct{}),
	}
}

// Connect establishes the first connection and starts the keep-alive loop.
// An initial dial failure is returned so callers can fail fast on a bad
// address; drops after that reconnect in the background.
func (s *Session) Connect() error {
	if err := s.dial(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.run()
	return nil
}

func (s *Session) endpoint() string {
	q := url.Values{}
	q.Set("client_id", s.cfg.ClientID)
	q.Set("name", s.cfg.Name)
	if s.cfg.Color != "" {
		q.Set("color", s.cfg.Color)
	}
	return fmt.Sprintf("%s/ws/document/%s?%s", s.cfg.ServerURL, s.cfg.DocumentID, q.Encode())
}

// dial opens the socket and starts the sync handshake by announcing the
// local state vector.
func (s *Session) dial() error {
	conn, _, err := websocket.DefaultDialer.Dial(s.endpoint(), nil)
	if err != nil {
		return fmt.Errorf("dial relay: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	sv := s.replica.StateVector()
	s.mu.Unlock()

	return s.write(relay.Message{Type: relay.MessageSyncStep1, StateVector: sv})
}

// run reads until the connection drops, then reconnects with exponential
// backoff until Disconnect. A caller-initiated disconnect stops the retry;
// a failed reconnect attempt never does.
func (s *Session) run() {
	defer s.wg.Done()

	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = s.cfg.MaxBackoff
	policy.MaxElapsedTime = 0

	for {
		s.readLoop()
		if s.isDone() {
			return
		}
		policy.Reset()
		for {
			wait := policy.NextBackOff()
			select {
			case <-s.done:
				return
			case <-time.After(wait):
			}
			if err := s.dial(); err == nil {
				break
			} else {
				log.Printf("reconnect %s failed: %v", s.cfg.DocumentID, err)
			}
		}
	}
}

func (s *Session) readLoop() {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return
	}

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			conn.Close()
			return
		}
		var msg relay.Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("discarding undecodable frame: %v", err)
			continue
		}
		s.handle(msg)
	}
}

func (s *Session) handle(msg relay.Message) {
	switch msg.Type {
	case relay.MessageSyncStep2:
		s.mu.Lock()
		applied, _ := s.replica.ApplyRemote(msg.Delta)
		catchUp := s.replica.DiffSince(msg.StateVector)
		snapshot := s.replica.Snapshot()
		s.mu.Unlock()

		// Everything the room has not seen, including edits made while
		// disconnected, goes back as a single update.
		if len(catchUp) > 0 {
			s.write(relay.Message{Type: relay.MessageUpdate, Delta: catchUp})
		}
		if applied > 0 {
			s.notify(applied, snapshot)
		}

	case relay.MessageUpdate:
		s.mu.Lock()
		applied, _ := s.replica.ApplyRemote(msg.Delta)
		snapshot := s.replica.Snapshot()
		s.mu.Unlock()
		if applied > 0 {
			s.notify(applied, snapshot)
		}

	case relay.MessageAwareness:
		s.mu.Lock()
		s.peers.Apply(msg.Presence, time.Now())
		s.mu.Unlock()
	}
}

func (s *Session) notify(applied int, snapshot string) {
	select {
	case s.remote <- RemoteUpdate{Applied: applied, Snapshot: snapshot}:
	default:
	}
}

// write sends one frame if a connection is up. Send failures are not
// surfaced: the operations are already in the replica and travel with the
// next sync.
func (s *Session) write(msg relay.Message) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteJSON(msg)
}

// Insert applies a local insertion at pos and ships the delta.
func (s *Session) Insert(pos int, text string) error {
	s.mu.Lock()
	delta, err := s.replica.InsertText(pos, text)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.write(relay.Message{Type: relay.MessageUpdate, Delta: delta})
	return nil
}

// Delete applies a local deletion at pos and ships the delta.
func (s *Session) Delete(pos int) error {
	s.mu.Lock()
	op, err := s.replica.ApplyLocalDelete(pos)
	s.mu.Unlock()
	if err != nil {
		return err
	}
	s.write(relay.Message{Type: relay.MessageUpdate, Delta: crdt.Delta{op}})
	return nil
}

// SetCursor publishes the local cursor position to the room.
func (s *Session) SetCursor(index, length int) {
	s.mu.Lock()
	s.self.Cursor = &presence.Cursor{Index: index, Length: length}
	delta := s.peers.SetLocal(s.self, time.Now())
	s.mu.Unlock()
	s.write(relay.Message{Type: relay.MessageAwareness, Presence: delta})
}

// Snapshot returns the current local text.
func (s *Session) Snapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replica.Snapshot()
}

// Peers returns the last known presence of other participants.
func (s *Session) Peers() []presence.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.peers.Snapshot()
}

// Remote delivers notifications of applied remote operations. Slow
// consumers miss intermediate snapshots, never operations.
func (s *Session) Remote() <-chan RemoteUpdate {
	return s.remote
}

// Disconnect closes the session and cancels any pending reconnect.
func (s *Session) Disconnect() {
	s.closed.Do(func() { close(s.done) })
	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Session) isDone() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}
