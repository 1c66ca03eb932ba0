package models

import (
	"time"

	"github.com/segmentio/ksuid"
	"gorm.io/gorm"
)

// Document is the durable record of one collaborative text document. The
// in-memory replica held by an open room is a projection of this row; the
// row is brought back in line by the persistence reconciler, never by the
// relay directly.
type Document struct {
	ID        string    `json:"id" gorm:"type:char(27);primaryKey"`
	Title     string    `json:"title" gorm:"type:text;not null"`
	Content   string    `json:"content" gorm:"type:text;not null;default:''"`
	CreatedAt time.Time `json:"created_at" gorm:"column:created_at;autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"column:updated_at;autoUpdateTime"`
}

// BeforeCreate generates a KSUID when the caller did not supply an id.
// KSUIDs are time-ordered, so sorting by id is sorting by creation time.
func (d *Document) BeforeCreate(tx *gorm.DB) error {
	if d.ID == "" {
		d.ID = ksuid.New().String()
	}
	return nil
}

// TitleSeq is the single-row monotonic counter backing default document
// titles ("doc-1", "doc-2", ...).
type TitleSeq struct {
	ID    int   `gorm:"primaryKey"`
	Value int64 `gorm:"not null;default:0"`
}

func (TitleSeq) TableName() string {
	return "title_seqs"
}

// DocumentSummary is the listing projection: everything but the content.
type DocumentSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}
