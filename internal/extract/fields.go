package extract

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	amountRe = regexp.MustCompile(`(?i)(?:\$|usd\s?|eur\s?|gbp\s?)\s?([0-9][0-9,]*(?:\.[0-9]{1,2})?)`)
	dateRe   = regexp.MustCompile(`\b(\d{4}-\d{2}-\d{2}|\d{1,2}/\d{1,2}/\d{2,4})\b`)
	policyRe = regexp.MustCompile(`(?i)policy\s*(?:no\.?|number|#)?\s*[:#]\s*([A-Z0-9][A-Z0-9-]{3,})`)
	claimRe  = regexp.MustCompile(`(?i)claim\s*(?:no\.?|number|#)?\s*[:#]\s*([A-Z0-9][A-Z0-9-]{3,})`)
)

const (
	chunkSize    = 1200
	chunkOverlap = 200
	excerptLen   = 200
)

// deriveFields turns raw located text into structured fields. Every field
// cites the page (or byte offset) it came from; confidences are fixed per
// derivation rule so identical input always produces identical fields.
func deriveFields(docID string, units []pageText) ([]Field, error) {
	var fields []Field

	appendField := func(key, value string, confidence float64, unit pageText, excerpt string) error {
		f, err := NewField(key, value, confidence, Citation{
			DocumentID: docID,
			Page:       unit.page,
			Offset:     unit.offset,
			Excerpt:    excerpt,
		})
		if err != nil {
			return err
		}
		fields = append(fields, f)
		return nil
	}

	chunkIndex := 0
	for _, unit := range units {
		for _, m := range amountRe.FindAllStringSubmatch(unit.text, -1) {
			if err := appendField("monetary_amount", normalizeAmount(m[1]), 0.9, unit, excerptAround(unit.text, m[0])); err != nil {
				return nil, err
			}
		}
		for _, m := range dateRe.FindAllStringSubmatch(unit.text, -1) {
			if err := appendField("date", m[1], 0.7, unit, excerptAround(unit.text, m[0])); err != nil {
				return nil, err
			}
		}
		for _, m := range policyRe.FindAllStringSubmatch(unit.text, -1) {
			if err := appendField("policy_number", strings.ToUpper(m[1]), 0.85, unit, excerptAround(unit.text, m[0])); err != nil {
				return nil, err
			}
		}
		for _, m := range claimRe.FindAllStringSubmatch(unit.text, -1) {
			if err := appendField("claim_number", strings.ToUpper(m[1]), 0.85, unit, excerptAround(unit.text, m[0])); err != nil {
				return nil, err
			}
		}
		for _, chunk := range chunkText(unit.text, chunkSize, chunkOverlap) {
			key := fmt.Sprintf("text_chunk_%d", chunkIndex)
			if err := appendField(key, chunk, 1.0, unit, headExcerpt(chunk)); err != nil {
				return nil, err
			}
			chunkIndex++
		}
	}
	return fields, nil
}

func normalizeAmount(raw string) string {
	return strings.ReplaceAll(strings.TrimSpace(raw), ",", "")
}

func excerptAround(text, match string) string {
	idx := strings.Index(text, match)
	if idx < 0 {
		return headExcerpt(text)
	}
	start := idx - excerptLen/2
	if start < 0 {
		start = 0
	}
	end := start + excerptLen
	if end > len(text) {
		end = len(text)
	}
	return text[start:end]
}

func headExcerpt(text string) string {
	if len(text) <= excerptLen {
		return text
	}
	return text[:excerptLen]
}

func chunkText(text string, size, overlap int) []string {
	if text == "" {
		return nil
	}
	if len(text) <= size {
		return []string{text}
	}
	var chunks []string
	step := size - overlap
	for start := 0; start < len(text); start += step {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, text[start:])
			break
		}
		chunks = append(chunks, text[start:end])
	}
	return chunks
}
