// Package extract turns raw uploaded bytes into normalized plain text.
package extract

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Format identifies a supported input format.
type Format string

const (
	FormatText     Format = "txt"
	FormatMarkdown Format = "md"
	FormatPDF      Format = "pdf"
	FormatDOCX     Format = "docx"
)

// ErrEmptyDocument is returned when a document has no text after extraction.
var ErrEmptyDocument = errors.New("document contains no extractable text")

// UnsupportedFormatError reports a format outside the supported set.
type UnsupportedFormatError struct {
	Format string
}

func (e *UnsupportedFormatError) Error() string {
	return fmt.Sprintf("unsupported document format: %q", e.Format)
}

var extensions = map[string]Format{
	".txt":      FormatText,
	".text":     FormatText,
	".md":       FormatMarkdown,
	".markdown": FormatMarkdown,
	".pdf":      FormatPDF,
	".docx":     FormatDOCX,
}

var mimeTypes = map[string]Format{
	"text/plain":      FormatText,
	"text/markdown":   FormatMarkdown,
	"text/x-markdown": FormatMarkdown,
	"application/pdf": FormatPDF,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": FormatDOCX,
}

// ParseFormat accepts a bare format name ("pdf") or an extension (".pdf").
func ParseFormat(s string) (Format, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, ".") {
		s = "." + s
	}
	if f, ok := extensions[s]; ok {
		return f, nil
	}
	return "", &UnsupportedFormatError{Format: strings.TrimPrefix(s, ".")}
}

// FormatFromFilename derives the format from the file extension.
func FormatFromFilename(name string) (Format, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if f, ok := extensions[ext]; ok {
		return f, nil
	}
	return "", &UnsupportedFormatError{Format: ext}
}

// FormatFromContentType maps a MIME type (parameters ignored) to a format.
func FormatFromContentType(contentType string) (Format, error) {
	mt, _, _ := strings.Cut(contentType, ";")
	mt = strings.ToLower(strings.TrimSpace(mt))
	if f, ok := mimeTypes[mt]; ok {
		return f, nil
	}
	return "", &UnsupportedFormatError{Format: mt}
}

// Extract returns the normalized text of content. It fails with
// UnsupportedFormatError for unknown formats and ErrEmptyDocument when
// nothing textual remains after normalization.
func Extract(content []byte, format Format) (string, error) {
	var (
		raw string
		err error
	)
	switch format {
	case FormatText:
		raw, err = decodeText(content)
	case FormatMarkdown:
		raw, err = decodeText(content)
		if err == nil {
			raw = stripMarkdown(raw)
		}
	case FormatPDF:
		raw, err = extractPDF(content)
	case FormatDOCX:
		raw, err = extractDOCX(content)
	default:
		return "", &UnsupportedFormatError{Format: string(format)}
	}
	if err != nil {
		return "", err
	}
	text := Normalize(raw)
	if strings.TrimSpace(text) == "" {
		return "", ErrEmptyDocument
	}
	return text, nil
}

func decodeText(content []byte) (string, error) {
	content = trimBOM(content)
	if !utf8.Valid(content) {
		return "", fmt.Errorf("text is not valid UTF-8")
	}
	return string(content), nil
}

func trimBOM(b []byte) []byte {
	if len(b) >= 3 && b[0] == 0xEF && b[1] == 0xBB && b[2] == 0xBF {
		return b[3:]
	}
	return b
}
