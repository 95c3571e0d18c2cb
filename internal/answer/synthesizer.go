package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"docqa/internal/llm"
	"docqa/internal/retrieval"
)

// Policy decides what happens when retrieval returns nothing.
type Policy string

const (
	// PolicyCanned skips generation and returns Prompts.NoContext.
	PolicyCanned Policy = "canned"
	// PolicyInstruct calls the provider with Prompts.NoContextInstruction.
	PolicyInstruct Policy = "instruct"
)

// ParsePolicy validates a configured policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyCanned, PolicyInstruct:
		return p, nil
	case "":
		return PolicyCanned, nil
	}
	return "", fmt.Errorf("invalid NO_CONTEXT_POLICY: %s (valid options: canned, instruct)", s)
}

const fragmentSeparator = "\n\n---\n\n"

type Options struct {
	Temperature float64
	MaxTokens   int
	Policy      Policy
	Prompts     Prompts
	// SummaryInputTokens caps the document text sent for a summary.
	SummaryInputTokens int
}

// Citation is a fragment the answer was grounded on.
type Citation struct {
	FragmentID uuid.UUID `json:"fragment_id"`
	DocumentID uuid.UUID `json:"document_id"`
	Filename   string    `json:"filename"`
	Ordinal    int       `json:"ordinal"`
	Text       string    `json:"text"`
	Score      float32   `json:"score"`
	Relevance  float32   `json:"relevance"`
}

type Answer struct {
	Text      string     `json:"answer"`
	Citations []Citation `json:"cited_fragments"`
	// Declined is set when the answer is not backed by any fragment.
	Declined    bool   `json:"declined"`
	Model       string `json:"model,omitempty"`
	TotalTokens int    `json:"total_tokens,omitempty"`
}

// Turn is one earlier question and its answer.
type Turn struct {
	Query  string
	Answer string
}

type Synthesizer struct {
	gen  llm.Generator
	opts Options
	log  *slog.Logger
}

func NewSynthesizer(gen llm.Generator, opts Options, log *slog.Logger) *Synthesizer {
	if opts.Policy == "" {
		opts.Policy = PolicyCanned
	}
	if opts.Prompts.System == "" {
		opts.Prompts = DefaultPrompts()
	}
	if opts.SummaryInputTokens <= 0 {
		opts.SummaryInputTokens = DefaultSummaryInputTokens
	}
	return &Synthesizer{gen: gen, opts: opts, log: log}
}

// Prompts returns the prompt set in use.
func (s *Synthesizer) Prompts() Prompts { return s.opts.Prompts }

// Synthesize answers query from ranked, in the given order. Citations mirror
// ranked one to one. Provider failures come back as *llm.ProviderError.
func (s *Synthesizer) Synthesize(ctx context.Context, query string, ranked []retrieval.Result, history []Turn) (Answer, error) {
	citations := make([]Citation, len(ranked))
	for i, r := range ranked {
		citations[i] = Citation{
			FragmentID: r.Fragment.ID,
			DocumentID: r.Fragment.DocumentID,
			Filename:   r.Filename,
			Ordinal:    r.Fragment.Ordinal,
			Text:       r.Fragment.Text,
			Score:      r.Score,
			Relevance:  r.Relevance,
		}
	}

	contextBlock := FormatContext(ranked)
	if len(ranked) == 0 {
		if s.opts.Policy == PolicyCanned {
			s.log.Info("no fragments above threshold; returning canned answer")
			return Answer{Text: s.opts.Prompts.NoContext, Citations: citations, Declined: true}, nil
		}
		contextBlock = s.opts.Prompts.NoContextInstruction
	}

	user, err := s.opts.Prompts.renderUser(promptData{
		History: FormatHistory(history),
		Context: contextBlock,
		Query:   query,
	})
	if err != nil {
		return Answer{}, err
	}

	resp, err := s.gen.Generate(ctx, llm.Request{
		System:      s.opts.Prompts.System,
		User:        user,
		Temperature: s.opts.Temperature,
		MaxTokens:   s.opts.MaxTokens,
	})
	if err != nil {
		return Answer{}, err
	}
	s.log.Info("generated answer", "model", resp.Model, "tokens", resp.TotalTokens, "fragments", len(ranked))
	return Answer{
		Text:        strings.TrimSpace(resp.Text),
		Citations:   citations,
		Declined:    len(ranked) == 0,
		Model:       resp.Model,
		TotalTokens: resp.TotalTokens,
	}, nil
}

// FormatContext numbers fragments from 1 in rank order with their source.
func FormatContext(ranked []retrieval.Result) string {
	parts := make([]string, len(ranked))
	for i, r := range ranked {
		parts[i] = fmt.Sprintf("Fragment %d (Source: %s, Chunk: %d):\n%s", i+1, r.Filename, r.Fragment.Ordinal, r.Fragment.Text)
	}
	return strings.Join(parts, fragmentSeparator)
}

// FormatHistory renders turns oldest first.
func FormatHistory(turns []Turn) string {
	parts := make([]string, len(turns))
	for i, t := range turns {
		parts[i] = fmt.Sprintf("User: %s\nAssistant: %s", t.Query, t.Answer)
	}
	return strings.Join(parts, fragmentSeparator)
}
