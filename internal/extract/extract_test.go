package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// createTestDOCX builds a minimal DOCX archive in memory.
func createTestDOCX(t *testing.T, documentXML string) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	contentTypes, err := w.Create("[Content_Types].xml")
	require.NoError(t, err)
	_, _ = contentTypes.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?>
<Types xmlns="http://schemas.openxmlformats.org/package/2006/content-types">
<Default Extension="xml" ContentType="application/xml"/>
</Types>`))

	if documentXML != "" {
		doc, err := w.Create("word/document.xml")
		require.NoError(t, err)
		_, _ = doc.Write([]byte(documentXML))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

const sampleDocumentXML = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main">
<w:body>
<w:p><w:r><w:t>Quarterly revenue grew </w:t></w:r><w:r><w:t>strongly in every region.</w:t></w:r></w:p>
<w:p><w:r><w:t>Operating costs remained flat year over year.</w:t></w:r></w:p>
</w:body>
</w:document>`

func TestFormatFromFilename(t *testing.T) {
	tests := []struct {
		name    string
		want    Format
		wantErr bool
	}{
		{"notes.txt", FormatText, false},
		{"README.MD", FormatMarkdown, false},
		{"report.pdf", FormatPDF, false},
		{"letter.docx", FormatDOCX, false},
		{"legacy.doc", "", true},
		{"archive", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FormatFromFilename(tt.name)
			if tt.wantErr {
				var ufe *UnsupportedFormatError
				assert.True(t, errors.As(err, &ufe), "expected UnsupportedFormatError, got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseFormatAndContentType(t *testing.T) {
	f, err := ParseFormat("PDF")
	require.NoError(t, err)
	assert.Equal(t, FormatPDF, f)

	f, err = ParseFormat(".markdown")
	require.NoError(t, err)
	assert.Equal(t, FormatMarkdown, f)

	f, err = FormatFromContentType("text/plain; charset=utf-8")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	_, err = FormatFromContentType("application/msword")
	var ufe *UnsupportedFormatError
	assert.True(t, errors.As(err, &ufe))
}

func TestExtractPlainText(t *testing.T) {
	raw := "First paragraph line one.\r\nStill first paragraph.\r\n\r\n\r\n\r\nSecond\tparagraph   with  spaces."
	text, err := Extract([]byte(raw), FormatText)
	require.NoError(t, err)
	assert.Equal(t, "First paragraph line one.\nStill first paragraph.\n\nSecond paragraph with spaces.", text)
}

func TestExtractEmptyDocument(t *testing.T) {
	for _, raw := range []string{"", "   \n\t\n  ", "Page 1 of 3\n[2]\n"} {
		_, err := Extract([]byte(raw), FormatText)
		assert.ErrorIs(t, err, ErrEmptyDocument, "input %q", raw)
	}
}

func TestExtractUnsupportedFormat(t *testing.T) {
	_, err := Extract([]byte("hello"), Format("rtf"))
	var ufe *UnsupportedFormatError
	require.True(t, errors.As(err, &ufe))
	assert.Equal(t, "rtf", ufe.Format)
}

func TestExtractInvalidUTF8(t *testing.T) {
	_, err := Extract([]byte{0xff, 0xfe, 0xfd}, FormatText)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrEmptyDocument)
}

func TestExtractMarkdown(t *testing.T) {
	md := "# Title Heading\n\nSome **bold** and *italic* text with a [link](http://example.com).\n\n" +
		"- first bullet item\n- second bullet item\n\n![diagram](img.png)\n\n```go\nfmt.Println(\"kept\")\n```\n"
	text, err := Extract([]byte(md), FormatMarkdown)
	require.NoError(t, err)

	assert.Contains(t, text, "Title Heading")
	assert.Contains(t, text, "Some bold and italic text with a link.")
	assert.Contains(t, text, "first bullet item")
	assert.Contains(t, text, `fmt.Println("kept")`)
	assert.NotContains(t, text, "#")
	assert.NotContains(t, text, "http://example.com")
	assert.NotContains(t, text, "```")
	assert.NotContains(t, text, "img.png")
}

func TestExtractDOCX(t *testing.T) {
	content := createTestDOCX(t, sampleDocumentXML)
	text, err := Extract(content, FormatDOCX)
	require.NoError(t, err)
	assert.Equal(t, "Quarterly revenue grew strongly in every region.\n\nOperating costs remained flat year over year.", text)
}

func TestExtractDOCXMissingBody(t *testing.T) {
	_, err := Extract(createTestDOCX(t, ""), FormatDOCX)
	assert.Error(t, err)

	_, err = Extract([]byte("not a zip"), FormatDOCX)
	assert.Error(t, err)
}

func TestExtractPDFRejectsGarbage(t *testing.T) {
	_, err := Extract([]byte("definitely not a pdf"), FormatPDF)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"hyphenated line break", "an import-\nant finding", "an important finding"},
		{"page footer removed", "Body text of the page.\nPage 2 of 10\nMore body text here.", "Body text of the page.\nMore body text here."},
		{"footnote marker removed", "Claim made here.\n[3]\nNext claim follows.", "Claim made here.\nNext claim follows."},
		{"control characters", "bell\x07char and nbsp", "bell char and nbsp"},
		{"blank runs collapse", "a paragraph\n\n\n\n\nanother paragraph", "a paragraph\n\nanother paragraph"},
		{"unicode kept", "Résumé naïve café", "Résumé naïve café"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Normalize(tt.in))
		})
	}
}

func TestUnsupportedFormatErrorMessage(t *testing.T) {
	err := &UnsupportedFormatError{Format: ".xls"}
	assert.True(t, strings.Contains(err.Error(), ".xls"))
}
