package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"docqa/internal/chunker"
	"docqa/internal/llm"
	"docqa/internal/store"
)

const DefaultSummaryInputTokens = 6000

// ErrNoFragments is returned when a document has nothing to summarize.
var ErrNoFragments = errors.New("document has no fragments")

type Summary struct {
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	Text       string    `json:"summary"`
	KeyPoints  []string  `json:"key_points"`
	// Fragments is how many fragments were read; Truncated reports that the
	// rest did not fit the input budget.
	Fragments   int    `json:"total_fragments"`
	Truncated   bool   `json:"truncated,omitempty"`
	Model       string `json:"model,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`
}

// Summarize asks the generator for an overview of doc built from its
// fragments in ordinal order.
func (s *Synthesizer) Summarize(ctx context.Context, doc store.Document, fragments []store.Fragment) (Summary, error) {
	if len(fragments) == 0 {
		return Summary{}, ErrNoFragments
	}
	text, used := JoinFragments(fragments, s.opts.SummaryInputTokens)

	resp, err := s.gen.Generate(ctx, llm.Request{
		System:      s.opts.Prompts.Summary,
		User:        fmt.Sprintf("Document: %s\n\n%s", doc.Filename, text),
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		return Summary{}, err
	}
	summary, points := splitKeyPoints(resp.Text)
	s.log.Info("generated summary", "document_id", doc.ID, "model", resp.Model, "tokens", resp.TotalTokens, "fragments", used)
	return Summary{
		DocumentID:  doc.ID,
		Filename:    doc.Filename,
		Text:        summary,
		KeyPoints:   points,
		Fragments:   used,
		Truncated:   used < len(fragments),
		Model:       resp.Model,
		TotalTokens: resp.TotalTokens,
	}, nil
}

// JoinFragments rebuilds document text from ordered fragments, dropping the
// overlap between neighbours when their offsets line up. It stops before the
// fragment that would push the text past maxTokens, always keeping the first,
// and returns how many fragments it used.
func JoinFragments(fragments []store.Fragment, maxTokens int) (string, int) {
	var (
		b       strings.Builder
		tokens  int
		prevEnd = -1
		used    int
	)
	for _, f := range fragments {
		piece := f.Text
		sep := ""
		switch {
		case prevEnd < 0:
		case f.Start < prevEnd && prevEnd <= f.End && f.End-f.Start == len(f.Text):
			piece = f.Text[prevEnd-f.Start:]
		default:
			sep = "\n"
		}
		n := chunker.CountTokens(piece)
		if used > 0 && maxTokens > 0 && tokens+n > maxTokens {
			break
		}
		b.WriteString(sep)
		b.WriteString(piece)
		tokens += n
		prevEnd = f.End
		used++
	}
	return b.String(), used
}

// splitKeyPoints separates bullet lines from the paragraph text.
func splitKeyPoints(content string) (string, []string) {
	var (
		summary []string
		points  []string
	)
	for _, line := range strings.Split(content, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if p, ok := bullet(trimmed); ok {
			if p != "" {
				points = append(points, p)
			}
			continue
		}
		summary = append(summary, trimmed)
	}
	return strings.Join(summary, " "), points
}

func bullet(line string) (string, bool) {
	for _, marker := range []string{"- ", "* ", "• "} {
		if rest, ok := strings.CutPrefix(line, marker); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}
