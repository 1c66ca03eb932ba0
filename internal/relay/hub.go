package relay

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"
)

// Persister is what the relay needs from the persistence layer: a
// read-through for bootstrapping a room and a fire-and-forget save hook for
// applied updates. The reconciler implements it.
type Persister interface {
	Read(ctx context.Context, id string) (string, error)
	ScheduleSave(id, content string)
}

// Config carries the hub's timing knobs; zero values pick defaults.
type Config struct {
	PresenceTimeout  time.Duration // liveness window before a silent participant expires
	PruneInterval    time.Duration
	BootstrapTimeout time.Duration // bound on the durable read that seeds a new room
}

func (c *Config) withDefaults() {
	if c.PresenceTimeout <= 0 {
		c.PresenceTimeout = 30 * time.Second
	}
	if c.PruneInterval <= 0 {
		c.PruneInterval = 10 * time.Second
	}
	if c.BootstrapTimeout <= 0 {
		c.BootstrapTimeout = 5 * time.Second
	}
}

// Hub owns every open room. Rooms are created on first join, bootstrapped
// from durable storage, and destroyed when their last session leaves; after
// that the durable copy is the only record of the document. Rooms are fully
// independent: no lock is shared between documents.
type Hub struct {
	persister Persister
	cfg       Config

	mu    sync.RWMutex
	rooms map[string]*Room

	done chan struct{}
}

// NewHub creates a hub over the given persistence layer.
func NewHub(persister Persister, cfg Config) *Hub {
	cfg.withDefaults()
	return &Hub{
		persister: persister,
		cfg:       cfg,
		rooms:     make(map[string]*Room),
		done:      make(chan struct{}),
	}
}

// Start launches the presence prune loop.
func (h *Hub) Start() {
	go h.pruneLoop()
	log.Println("✓ room relay started")
}

// Shutdown closes every session and discards all rooms.
func (h *Hub) Shutdown() {
	close(h.done)

	h.mu.Lock()
	defer h.mu.Unlock()
	for id, room := range h.rooms {
		room.mu.Lock()
		for _, sess := range room.sessions {
			sess.closeSend()
			sess.Conn.Close()
		}
		room.sessions = make(map[string]*Session)
		room.mu.Unlock()
		delete(h.rooms, id)
	}
	log.Println("✓ room relay shut down")
}

// HasRoom reports whether a live room exists for the document. Deleting a
// document with a live room is refused at the HTTP layer.
func (h *Hub) HasRoom(documentID string) bool {
	return h.lookup(documentID) != nil
}

func (h *Hub) lookup(documentID string) *Room {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[documentID]
}

// Join attaches a connection to the document's room, creating and
// bootstrapping the room when this is the first connection. The bootstrap
// read runs outside the hub lock with its own timeout, so a slow store can
// only delay joiners of this document, never traffic on other rooms.
// Concurrent joiners wait on the room's ready gate. The returned session's
// pumps are started by the caller.
func (h *Hub) Join(ctx context.Context, s *Session) error {
	h.mu.Lock()
	room, ok := h.rooms[s.DocumentID]
	if !ok {
		room = newRoom(s.DocumentID, h.cfg.PresenceTimeout)
		h.rooms[s.DocumentID] = room
	}
	h.mu.Unlock()

	if !ok {
		bootCtx, cancel := context.WithTimeout(ctx, h.cfg.BootstrapTimeout)
		err := room.bootstrap(bootCtx, h.persister)
		cancel()
		room.bootErr = err
		close(room.ready)
		if err != nil {
			h.mu.Lock()
			if h.rooms[s.DocumentID] == room {
				delete(h.rooms, s.DocumentID)
			}
			h.mu.Unlock()
			return fmt.Errorf("bootstrap room %s: %w", s.DocumentID, err)
		}
	} else {
		select {
		case <-room.ready:
		case <-ctx.Done():
			return ctx.Err()
		}
		if room.bootErr != nil {
			return fmt.Errorf("bootstrap room %s: %w", s.DocumentID, room.bootErr)
		}
	}

	total := room.addSession(s)
	log.Printf("session %s joined document %s (%d connected)", s.ID, s.DocumentID, total)
	return nil
}

// leave detaches a session; the last leave tears the room down and discards
// its replica. Nothing is persisted here: pending debounced saves are the
// reconciler's responsibility and survive the teardown.
func (h *Hub) leave(s *Session) {
	room := h.lookup(s.DocumentID)
	if room == nil {
		return
	}
	remaining := room.removeSession(s)
	log.Printf("session %s left document %s (%d remaining)", s.ID, s.DocumentID, remaining)
	if remaining > 0 {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Re-check under the hub lock: a new session may have joined since.
	if current := h.rooms[s.DocumentID]; current == room && current.participants() == 0 {
		delete(h.rooms, s.DocumentID)
		log.Printf("room %s closed, replica discarded", s.DocumentID)
	}
}

// dispatch routes one inbound frame to its room's handler.
func (h *Hub) dispatch(s *Session, msg Message) {
	room := h.lookup(s.DocumentID)
	if room == nil {
		return
	}
	room.touch(s.ClientID, time.Now())

	switch msg.Type {
	case MessageSyncStep1:
		room.handleSyncStep1(s, msg.StateVector)
	case MessageUpdate:
		if snapshot, applied := room.handleUpdate(s, msg.Delta); applied {
			h.persister.ScheduleSave(s.DocumentID, snapshot)
		}
	case MessageAwareness:
		room.handleAwareness(s, msg.Presence)
	default:
		log.Printf("session %s: unknown message type %q", s.ID, msg.Type)
	}
}

// pruneLoop expires silent participants on a timer, independent of edit
// traffic.
func (h *Hub) pruneLoop() {
	ticker := time.NewTicker(h.cfg.PruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case <-ticker.C:
			now := time.Now()
			h.mu.RLock()
			rooms := make([]*Room, 0, len(h.rooms))
			for _, room := range h.rooms {
				rooms = append(rooms, room)
			}
			h.mu.RUnlock()
			for _, room := range rooms {
				room.prune(now)
			}
		}
	}
}
