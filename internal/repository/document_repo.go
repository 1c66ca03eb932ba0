package repository

import (
	"context"
	"errors"
	"fmt"

	"syncpad/internal/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned for operations on an unknown document id.
var ErrNotFound = errors.New("document not found")

// DocumentRepositoryImpl handles all database operations for documents using
// GORM. It is the implementation; consumers (api, reconciler) declare the
// interfaces they need.
type DocumentRepositoryImpl struct {
	db *gorm.DB
}

// NewDocumentRepository creates a new document repository.
func NewDocumentRepository(db *gorm.DB) *DocumentRepositoryImpl {
	return &DocumentRepositoryImpl{db: db}
}

// GetByID retrieves a document by id.
func (r *DocumentRepositoryImpl) GetByID(ctx context.Context, id string) (*models.Document, error) {
	var doc models.Document
	err := r.db.WithContext(ctx).First(&doc, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get document: %w", err)
	}
	return &doc, nil
}

// List returns document summaries, most recently created first.
func (r *DocumentRepositoryImpl) List(ctx context.Context, limit, offset int) ([]*models.DocumentSummary, error) {
	var docs []*models.DocumentSummary
	err := r.db.WithContext(ctx).
		Model(&models.Document{}).
		Select("id", "title", "updated_at").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&docs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	return docs, nil
}

// Upsert writes content (and optionally a title) for a document, creating
// the row when the id is empty or unknown. A created document without a
// caller-supplied title gets the next "doc-{n}" default. The returned
// document carries the refreshed UpdatedAt.
func (r *DocumentRepositoryImpl) Upsert(ctx context.Context, id, title, content string) (*models.Document, error) {
	var out *models.Document
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var doc models.Document
		if id != "" {
			err := tx.First(&doc, "id = ?", id).Error
			if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("failed to find document: %w", err)
			}
			if err == nil {
				updates := map[string]interface{}{"content": content}
				if title != "" {
					updates["title"] = title
				}
				if err := tx.Model(&doc).Updates(updates).Error; err != nil {
					return fmt.Errorf("failed to update document: %w", err)
				}
				out = &doc
				return nil
			}
		}

		if title == "" {
			n, err := nextTitleSeq(tx)
			if err != nil {
				return err
			}
			title = fmt.Sprintf("doc-%d", n)
		}
		doc = models.Document{ID: id, Title: title, Content: content}
		if err := tx.Create(&doc).Error; err != nil {
			return fmt.Errorf("failed to create document: %w", err)
		}
		out = &doc
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Delete removes a document permanently.
func (r *DocumentRepositoryImpl) Delete(ctx context.Context, id string) error {
	result := r.db.WithContext(ctx).Delete(&models.Document{}, "id = ?", id)
	if result.Error != nil {
		return fmt.Errorf("failed to delete document: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// nextTitleSeq atomically advances the default-title counter. The counter
// row is created on first use; the row lock serializes concurrent creates.
func nextTitleSeq(tx *gorm.DB) (int64, error) {
	seq := models.TitleSeq{ID: 1}
	if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&seq).Error; err != nil {
		return 0, fmt.Errorf("failed to seed title counter: %w", err)
	}
	if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&seq, "id = ?", 1).Error; err != nil {
		return 0, fmt.Errorf("failed to lock title counter: %w", err)
	}
	seq.Value++
	if err := tx.Model(&models.TitleSeq{ID: 1}).Update("value", seq.Value).Error; err != nil {
		return 0, fmt.Errorf("failed to advance title counter: %w", err)
	}
	return seq.Value, nil
}
