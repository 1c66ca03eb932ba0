package relay

import (
	"log"
	"net/http"

	"syncpad/internal/middleware"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// TODO: restrict to the editor origin once it is deployed
		return true
	},
}

// WebSocketHandler upgrades HTTP requests into room sessions.
type WebSocketHandler struct {
	hub *Hub
}

// NewWebSocketHandler creates a handler over the given hub.
func NewWebSocketHandler(hub *Hub) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

// HandleDocumentConnection joins the caller to the room for the document in
// the path. Client identity comes from query parameters; a missing client id
// gets a generated one so presence entries are always keyed.
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := mux.Vars(r)["id"]

	clientID := r.URL.Query().Get("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		name = "Anonymous"
	}

	ctx, span := middleware.StartSpan(ctx, "Relay.Connect",
		attribute.String("document.id", documentID),
		attribute.String("client.id", clientID),
	)
	defer span.End()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade failed: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := newSession(h.hub, documentID, clientID, name, conn)
	if err := h.hub.Join(ctx, session); err != nil {
		log.Printf("join %s failed: %v", documentID, err)
		middleware.AddSpanError(ctx, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "room unavailable"))
		conn.Close()
		return
	}

	middleware.AddSpanEvent(ctx, "session joined",
		attribute.String("session.id", session.ID))

	go session.WritePump()
	go session.ReadPump(r.Context())
}
