package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"docqa/internal/chunker"
	"docqa/internal/embeddings"
	"docqa/internal/store"
)

var ErrEmptyQuery = errors.New("query text is empty")

type Options struct {
	// MaxContextTokens caps the summed token count of returned fragments;
	// <= 0 disables the cap.
	MaxContextTokens int
	Rerank           bool
}

// Result is a retrieved fragment. Score (from store.SearchResult) is the
// cosine similarity the threshold was applied to; Relevance is the ranking
// score after lexical refinement and is never below Score.
type Result struct {
	store.SearchResult
	Relevance float32
}

type Engine struct {
	embedder embeddings.Embedder
	store    store.Store
	opts     Options
	log      *slog.Logger
}

func NewEngine(embedder embeddings.Embedder, st store.Store, opts Options, log *slog.Logger) *Engine {
	return &Engine{embedder: embedder, store: st, opts: opts, log: log}
}

// Retrieve embeds query, searches the store, reranks the hits and trims them
// to the context budget. No hit above threshold yields an empty result and a
// nil error.
func (e *Engine) Retrieve(ctx context.Context, query string, topK int, threshold float32) ([]Result, error) {
	if strings.TrimSpace(query) == "" {
		return nil, ErrEmptyQuery
	}
	start := time.Now()
	vec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	hits, err := e.store.Search(ctx, vec, topK, threshold)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	results := make([]Result, len(hits))
	for i, h := range hits {
		results[i] = Result{SearchResult: h, Relevance: h.Score}
	}
	if e.opts.Rerank && len(results) > 1 {
		Rerank(query, results)
	}
	selected := Budget(results, e.opts.MaxContextTokens)

	e.log.Debug("retrieved fragments",
		"hits", len(hits),
		"selected", len(selected),
		"top_k", topK,
		"threshold", threshold,
		"duration", time.Since(start),
	)
	return selected, nil
}

// Budget keeps the longest ranked prefix whose token total fits maxTokens.
// Fragments are dropped whole, lowest ranked first, never cut.
func Budget(results []Result, maxTokens int) []Result {
	if maxTokens <= 0 {
		return results
	}
	used := 0
	for i, r := range results {
		n := r.Fragment.TokenCount
		if n <= 0 {
			n = chunker.CountTokens(r.Fragment.Text)
		}
		if used+n > maxTokens {
			return results[:i]
		}
		used += n
	}
	return results
}
