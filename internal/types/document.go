package types

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Document is immutable once stored. Its ID is the hex SHA-256 of the raw
// bytes, so re-uploading identical bytes converges on the same row.
type Document struct {
	ID           string         `gorm:"primaryKey;size:64" json:"id"`
	OriginalName string         `gorm:"column:original_name;not null" json:"original_name"`
	MimeType     string         `gorm:"column:mime_type" json:"mime_type"`
	SizeBytes    int64          `gorm:"column:size_bytes;not null" json:"size_bytes"`
	StorageKey   string         `gorm:"column:storage_key;not null" json:"storage_key"`
	UploadedAt   time.Time      `gorm:"column:uploaded_at;not null" json:"uploaded_at"`
	CreatedAt    time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time      `gorm:"not null" json:"updated_at"`
	DeletedAt    gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

func (Document) TableName() string { return "document" }

// ClaimDocument preserves the order in which documents were attached to a
// claim at submission time.
type ClaimDocument struct {
	ID         int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	ClaimID    uuid.UUID `gorm:"type:uuid;not null;index" json:"claim_id"`
	DocumentID string    `gorm:"size:64;not null;index" json:"document_id"`
	Position   int       `gorm:"column:position;not null" json:"position"`
	CreatedAt  time.Time `gorm:"not null" json:"created_at"`
}

func (ClaimDocument) TableName() string { return "claim_document" }
