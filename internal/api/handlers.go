package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"syncpad/internal/middleware"
	"syncpad/internal/repository"

	"github.com/gorilla/mux"
	"github.com/segmentio/ksuid"
)

// Handler handles HTTP requests for the document surface. Live editing
// traffic goes through the websocket relay; these endpoints cover load,
// manual save, listing and deletion.
type Handler struct {
	docs  DocumentService
	repo  DocumentLister
	rooms RoomChecker
}

func NewHandler(docs DocumentService, repo DocumentLister, rooms RoomChecker) *Handler {
	return &Handler{
		docs:  docs,
		repo:  repo,
		rooms: rooms,
	}
}

type saveRequest struct {
	ID      string `json:"id,omitempty"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// GetDocument serves the current content, cache first.
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	content, err := h.docs.Read(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"id": id, "content": content})
}

// SaveDocument persists immediately, skipping the autosave debounce. A
// request without an id creates a new document.
func (h *Handler) SaveDocument(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	created := req.ID == ""
	if created {
		// The reconciler keys its per-document state on the id, so new
		// documents get one before the save is handed over.
		req.ID = ksuid.New().String()
	}

	doc, err := h.docs.SaveNow(r.Context(), req.ID, req.Title, req.Content)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if created {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(doc)
}

// ListDocuments returns the index of documents, newest first.
func (h *Handler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			limit = parsed
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			offset = parsed
		}
	}

	documents, err := h.repo.List(r.Context(), limit, offset)
	if err != nil {
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"documents": documents,
		"limit":     limit,
		"offset":    offset,
	})
}

// DeleteDocument removes a document and its cache entry. Documents with a
// live editing room are refused.
func (h *Handler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if h.rooms.HasRoom(id) {
		http.Error(w, "document has active editors", http.StatusConflict)
		return
	}

	if err := h.docs.Delete(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			http.Error(w, "document not found", http.StatusNotFound)
			return
		}
		middleware.AddSpanError(r.Context(), err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "deleted", "id": id})
}
