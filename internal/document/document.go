// Package document extracts UTF-8 text from uploaded byte streams. The
// format is chosen by filename suffix; unsupported suffixes are rejected.
package document

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/nguyenthenguyen/docx"

	"github.com/scrutari/scrutari/internal/logger"
)

// ErrUnsupportedFileType indicates a filename suffix with no extractor.
var ErrUnsupportedFileType = errors.New("unsupported file type")

// Extraction is the outcome of one document extraction.
type Extraction struct {
	Text            string
	ByteCount       int
	ExtractedLength int
}

// Extract converts a document byte stream into text based on the
// filename's suffix.
func Extract(ctx context.Context, filename string, data []byte) (*Extraction, error) {
	ext := strings.ToLower(filepath.Ext(filename))

	var text string
	var err error
	switch ext {
	case ".pdf":
		text, err = extractPDF(ctx, data)
	case ".docx":
		text, err = extractDocx(data)
	case ".txt", ".md":
		text = decodeText(data)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, ext)
	}
	if err != nil {
		return nil, fmt.Errorf("extract %s: %w", filename, err)
	}

	logger.Debug("document extracted",
		"file", filename, "bytes", len(data), "chars", len(text))
	return &Extraction{
		Text:            text,
		ByteCount:       len(data),
		ExtractedLength: len(text),
	}, nil
}

func extractPDF(ctx context.Context, data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse pdf: %w", err)
	}

	var parts []string
	for pageNum := 1; pageNum <= reader.NumPage(); pageNum++ {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		default:
		}

		page := reader.Page(pageNum)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			logger.Debug("pdf page extraction failed", "page", pageNum, "error", err)
			continue
		}
		if strings.TrimSpace(text) != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n"), nil
}

func extractDocx(data []byte) (string, error) {
	doc, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("parse docx: %w", err)
	}
	defer doc.Close()

	content := doc.Editable().GetContent()
	return docxPlainText(content), nil
}

// docxPlainText flattens the document XML body into paragraph-per-line
// text: paragraph closes become newlines, all other tags are dropped.
func docxPlainText(content string) string {
	content = strings.ReplaceAll(content, "</w:p>", "\n")

	var b strings.Builder
	inTag := false
	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			b.WriteRune(r)
		}
	}

	text := b.String()
	for entity, plain := range map[string]string{
		"&amp;": "&", "&lt;": "<", "&gt;": ">", "&quot;": `"`, "&apos;": "'",
	} {
		text = strings.ReplaceAll(text, entity, plain)
	}

	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if s := strings.TrimSpace(line); s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "\n")
}

// decodeText treats the bytes as UTF-8, falling back to Latin-1 when the
// stream is not valid UTF-8.
func decodeText(data []byte) string {
	if utf8.Valid(data) {
		return string(data)
	}
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}
