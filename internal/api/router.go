package api

import (
	"net/http"

	"syncpad/internal/middleware"
	"syncpad/internal/relay"

	"github.com/gorilla/mux"
)

func SetupRoutes(h *Handler, ws *relay.WebSocketHandler) *mux.Router {
	r := mux.NewRouter()

	// Middleware runs in order: tracing first, then recovery, then CORS.
	r.Use(middleware.TracingMiddleware)
	r.Use(middleware.ErrorRecoveryMiddleware)
	r.Use(middleware.CORSMiddleware)

	// Document endpoints
	r.HandleFunc("/document", h.SaveDocument).Methods("POST")
	r.HandleFunc("/document", h.ListDocuments).Methods("GET")
	r.HandleFunc("/document/{id}", h.GetDocument).Methods("GET")
	r.HandleFunc("/document/delete/{id}", h.DeleteDocument).Methods("DELETE")

	// Health check endpoint
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	}).Methods("GET")

	// WebSocket entry into the room relay
	r.HandleFunc("/ws/document/{id}", ws.HandleDocumentConnection)

	return r
}
