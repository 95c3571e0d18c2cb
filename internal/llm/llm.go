package llm

import (
	"context"
	"errors"
	"fmt"
)

// Request is one single-turn generation call.
type Request struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Response carries the generated text and provider-reported usage.
type Response struct {
	Text        string
	Model       string
	TotalTokens int
}

// Generator is a minimal LLM interface to allow pluggable providers.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
	Model() string
}

var ErrEmptyResponse = errors.New("provider returned no content")

// ProviderError is returned once a generation call has failed for good.
type ProviderError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("generation provider %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }
