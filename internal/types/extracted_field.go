package types

import (
	"time"

	"github.com/google/uuid"
)

// ExtractedField is one key/value pulled out of a document, always carrying
// a citation back to its source. Rows without a citation never exist: the
// extract package rejects them at construction.
type ExtractedField struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	ClaimID         uuid.UUID `gorm:"type:uuid;not null;index" json:"claim_id"`
	Key             string    `gorm:"column:key;not null" json:"key"`
	Value           string    `gorm:"column:value;not null" json:"value"`
	Confidence      float64   `gorm:"column:confidence;not null" json:"confidence"`
	CitationDocID   string    `gorm:"column:citation_doc_id;size:64;not null" json:"citation_doc_id"`
	CitationPage    *int      `gorm:"column:citation_page" json:"citation_page,omitempty"`
	CitationOffset  *int      `gorm:"column:citation_offset" json:"citation_offset,omitempty"`
	CitationExcerpt string    `gorm:"column:citation_excerpt" json:"citation_excerpt,omitempty"`
	CreatedAt       time.Time `gorm:"not null" json:"created_at"`
}

func (ExtractedField) TableName() string { return "extracted_field" }
