package relay

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"syncpad/internal/middleware"

	"github.com/gorilla/websocket"
	"github.com/segmentio/ksuid"
	"go.opentelemetry.io/otel/attribute"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// Session is one live connection to a room. It carries only its own
// identity and the document id; every room interaction goes through the hub
// lookup, never a stored room pointer.
type Session struct {
	ID         string
	ClientID   string
	Name       string
	DocumentID string

	Conn *websocket.Conn
	Send chan []byte

	hub *Hub

	mu     sync.Mutex
	closed bool
}

func newSession(hub *Hub, documentID, clientID, name string, conn *websocket.Conn) *Session {
	return &Session{
		ID:         ksuid.New().String(),
		ClientID:   clientID,
		Name:       name,
		DocumentID: documentID,
		Conn:       conn,
		Send:       make(chan []byte, sendBuffer),
		hub:        hub,
	}
}

// send queues a frame for the write pump. It reports false when the buffer
// is full, and silently drops frames once the session is closed.
func (s *Session) send(payload []byte) bool {
	if payload == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.Send <- payload:
		return true
	default:
		return false
	}
}

// closeSend closes the outbound channel exactly once, which ends the write
// pump.
func (s *Session) closeSend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.Send)
	}
}

// ReadPump reads frames from the socket until it drops, dispatching each
// message to the session's room. A frame that fails to decode is logged and
// skipped; it never tears the connection or the room down.
func (s *Session) ReadPump(ctx context.Context) {
	defer func() {
		s.hub.leave(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		if room := s.hub.lookup(s.DocumentID); room != nil {
			room.touch(s.ClientID, time.Now())
		}
		return nil
	})

	for {
		_, payload, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("session %s read error: %v", s.ID, err)
			}
			return
		}
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg Message
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Printf("session %s: discarding undecodable frame: %v", s.ID, err)
			continue
		}

		_, span := middleware.StartSpan(ctx, "Relay.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("document.id", s.DocumentID),
			attribute.String("message.type", msg.Type),
		)
		s.hub.dispatch(s, msg)
		span.End()
	}
}

// WritePump drains the Send channel onto the socket and keeps the
// connection alive with pings. One goroutine per session; batches whatever
// has queued up behind the first frame into the same write.
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case payload, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := s.Conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			n := len(s.Send)
			for i := 0; i < n; i++ {
				if err := s.Conn.WriteMessage(websocket.TextMessage, <-s.Send); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
