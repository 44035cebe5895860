package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	pdf "github.com/ledongthuc/pdf"
)

// pageText is a unit of extracted text with its source location. PDF input
// yields one entry per page; DOCX has no page concept, so entries carry the
// rune offset of the paragraph within the assembled text.
type pageText struct {
	page   *int
	offset *int
	text   string
}

// sniffAndExtract determines the true format from magic bytes and extracts
// text. Claims only accept PDF and DOCX; everything else is unsupported by
// contract, and a file whose extension lies about its content is corrupt.
func sniffAndExtract(originalName string, data []byte) ([]pageText, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty file %s", ErrCorruptDocument, originalName)
	}
	if isPDF(data) {
		return extractPDFPages(data)
	}
	if isZip(data) {
		if hasZipEntryPrefix(data, "word/") {
			return extractDOCXParagraphs(data)
		}
		return nil, fmt.Errorf("%w: zip container without word/ parts (%s)", ErrUnsupportedFormat, originalName)
	}

	ext := strings.ToLower(originalName)
	if strings.HasSuffix(ext, ".pdf") {
		return nil, fmt.Errorf("%w: %s claims pdf but is missing the %%PDF header", ErrCorruptDocument, originalName)
	}
	if strings.HasSuffix(ext, ".docx") {
		return nil, fmt.Errorf("%w: %s claims docx but is not a valid zip container", ErrCorruptDocument, originalName)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, originalName)
}

func isPDF(b []byte) bool {
	return len(b) >= 5 && string(b[:5]) == "%PDF-"
}

func isZip(b []byte) bool {
	return len(b) >= 4 && b[0] == 'P' && b[1] == 'K' && b[2] == 3 && b[3] == 4
}

func hasZipEntryPrefix(zipBytes []byte, prefix string) bool {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return false
	}
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, prefix) {
			return true
		}
	}
	return false
}

func extractPDFPages(data []byte) (pages []pageText, err error) {
	// The pdf package panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			pages = nil
			err = fmt.Errorf("%w: pdf parse panic: %v", ErrCorruptDocument, r)
		}
	}()

	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: pdf reader: %v", ErrCorruptDocument, err)
	}

	total := r.NumPage()
	if total == 0 {
		return nil, fmt.Errorf("%w: pdf has no pages", ErrCorruptDocument)
	}
	for i := 1; i <= total; i++ {
		p := r.Page(i)
		if p.V.IsNull() {
			continue
		}
		text, perr := p.GetPlainText(nil)
		if perr != nil {
			return nil, fmt.Errorf("%w: pdf page %d: %v", ErrCorruptDocument, i, perr)
		}
		text = collapseWhitespace(text)
		if text == "" {
			continue
		}
		pages = append(pages, pageText{page: pagePtr(i), text: text})
	}
	return pages, nil
}

func extractDOCXParagraphs(zipBytes []byte) ([]pageText, error) {
	zr, err := zip.NewReader(bytes.NewReader(zipBytes), int64(len(zipBytes)))
	if err != nil {
		return nil, fmt.Errorf("%w: open docx container: %v", ErrCorruptDocument, err)
	}
	var docXML []byte
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			rc, oerr := f.Open()
			if oerr != nil {
				return nil, fmt.Errorf("%w: open word/document.xml: %v", ErrCorruptDocument, oerr)
			}
			docXML, err = io.ReadAll(rc)
			_ = rc.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: read word/document.xml: %v", ErrCorruptDocument, err)
			}
			break
		}
	}
	if docXML == nil {
		return nil, fmt.Errorf("%w: docx missing word/document.xml", ErrCorruptDocument)
	}

	paragraphs := docxParagraphs(docXML)
	if len(paragraphs) == 0 {
		return nil, fmt.Errorf("%w: no text extracted from docx", ErrCorruptDocument)
	}

	out := make([]pageText, 0, len(paragraphs))
	offset := 0
	for _, para := range paragraphs {
		out = append(out, pageText{offset: offsetPtr(offset), text: para})
		offset += len(para) + 1
	}
	return out, nil
}

// docxParagraphs walks word/document.xml gathering <w:t> runs, split on
// paragraph boundaries (<w:p>).
func docxParagraphs(xmlBytes []byte) []string {
	dec := xml.NewDecoder(bytes.NewReader(xmlBytes))
	var (
		paragraphs []string
		current    strings.Builder
	)
	flush := func() {
		if s := collapseWhitespace(current.String()); s != "" {
			paragraphs = append(paragraphs, s)
		}
		current.Reset()
	}
	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == "t" {
				var v string
				_ = dec.DecodeElement(&v, &t)
				if v != "" {
					current.WriteString(v)
					current.WriteString(" ")
				}
			}
		case xml.EndElement:
			if t.Name.Local == "p" {
				flush()
			}
		}
	}
	flush()
	return paragraphs
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}
