package extract

import (
	"errors"
	"fmt"
)

var (
	ErrUnsupportedFormat = errors.New("unsupported document format")
	ErrCorruptDocument   = errors.New("corrupt document")
	ErrExtractionTimeout = errors.New("extraction timed out")
	ErrMissingCitation   = errors.New("extracted field has no citation")
)

// Citation points a field back to its source. Page is set for paginated
// formats; Offset is the byte offset for formats without a page concept.
// At least one of the two must be present.
type Citation struct {
	DocumentID string
	Page       *int
	Offset     *int
	Excerpt    string
}

func (c Citation) valid() bool {
	return c.DocumentID != "" && (c.Page != nil || c.Offset != nil)
}

// Field is an extracted key/value before persistence. Downstream audit
// depends on traceability, so fields can only be built through NewField,
// which rejects missing citations instead of accepting them silently.
type Field struct {
	Key        string
	Value      string
	Confidence float64
	Citation   Citation
}

func NewField(key, value string, confidence float64, cite Citation) (Field, error) {
	if key == "" {
		return Field{}, fmt.Errorf("extracted field has empty key")
	}
	if !cite.valid() {
		return Field{}, fmt.Errorf("%w: field %q", ErrMissingCitation, key)
	}
	if confidence < 0 || confidence > 1 {
		return Field{}, fmt.Errorf("field %q confidence %v outside [0,1]", key, confidence)
	}
	return Field{Key: key, Value: value, Confidence: confidence, Citation: cite}, nil
}

func pagePtr(p int) *int   { return &p }
func offsetPtr(o int) *int { return &o }
