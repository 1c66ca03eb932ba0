package api

import (
	"context"

	"syncpad/internal/models"
)

// DocumentService defines what handlers need from the persistence
// reconciler. Only methods called by handlers are declared.
type DocumentService interface {
	Read(ctx context.Context, id string) (string, error)
	SaveNow(ctx context.Context, id, title, content string) (*models.Document, error)
	Delete(ctx context.Context, id string) error
}

// DocumentLister serves the document index straight from the repository.
type DocumentLister interface {
	List(ctx context.Context, limit, offset int) ([]*models.DocumentSummary, error)
}

// RoomChecker reports whether a live editing room exists for a document.
type RoomChecker interface {
	HasRoom(id string) bool
}
