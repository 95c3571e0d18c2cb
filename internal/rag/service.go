// Package rag is the entry point used by the transports: it accepts uploads,
// reports their status and answers queries over the indexed fragments.
package rag

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"docqa/internal/answer"
	"docqa/internal/cache"
	"docqa/internal/extract"
	"docqa/internal/queue"
	"docqa/internal/retrieval"
	"docqa/internal/store"
)

var (
	// ErrRetrievalTimeout means a query missed its overall deadline.
	ErrRetrievalTimeout = errors.New("query deadline exceeded")
	ErrFileTooLarge     = errors.New("file too large")
	ErrInvalidQuery     = errors.New("invalid query")
	// ErrNotIndexed means the document exists but has no searchable fragments yet.
	ErrNotIndexed = errors.New("document not indexed")
)

type Retriever interface {
	Retrieve(ctx context.Context, query string, topK int, threshold float32) ([]retrieval.Result, error)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, query string, ranked []retrieval.Result, history []answer.Turn) (answer.Answer, error)
	Summarize(ctx context.Context, doc store.Document, fragments []store.Fragment) (answer.Summary, error)
	Prompts() answer.Prompts
}

type Options struct {
	MaxUploadSize   int64
	TopK            int
	Threshold       float32
	QueryTimeout    time.Duration
	HistoryTurns    int
	EnqueueAttempts int
	EnqueueBackoff  time.Duration
	EmbeddingModel  string
	GenerationModel string
}

type Service struct {
	store     store.Store
	queue     queue.Queue
	retriever Retriever
	synth     Synthesizer
	cache     cache.Cache
	opts      Options
	log       *slog.Logger

	// gate makes Reset exclusive with queries and uploads.
	gate sync.RWMutex
}

func New(st store.Store, q queue.Queue, retriever Retriever, synth Synthesizer, c cache.Cache, opts Options, log *slog.Logger) *Service {
	if opts.EnqueueAttempts <= 0 {
		opts.EnqueueAttempts = 3
	}
	if opts.EnqueueBackoff <= 0 {
		opts.EnqueueBackoff = 200 * time.Millisecond
	}
	if c == nil {
		c = cache.NewNoOpCache()
	}
	return &Service{store: st, queue: q, retriever: retriever, synth: synth, cache: c, opts: opts, log: log}
}

// Ingest registers an upload and schedules it for indexing. format may be a
// format name or extension; when empty it is taken from filename. The
// returned document is in status uploaded; poll Status for the outcome.
func (s *Service) Ingest(ctx context.Context, content []byte, filename, format string) (store.Document, error) {
	if s.opts.MaxUploadSize > 0 && int64(len(content)) > s.opts.MaxUploadSize {
		return store.Document{}, fmt.Errorf("%w (max %d bytes)", ErrFileTooLarge, s.opts.MaxUploadSize)
	}
	var (
		f   extract.Format
		err error
	)
	if format != "" {
		f, err = extract.ParseFormat(format)
	} else {
		f, err = extract.FormatFromFilename(filename)
	}
	if err != nil {
		return store.Document{}, err
	}
	if len(bytes.TrimSpace(content)) == 0 {
		return store.Document{}, extract.ErrEmptyDocument
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	doc, err := s.store.CreateDocument(ctx, store.Document{Filename: filename, Format: string(f)}, content)
	if err != nil {
		return store.Document{}, fmt.Errorf("persist document: %w", err)
	}
	log := s.log.With("document_id", doc.ID)

	task, err := queue.NewIngestTask(doc.ID)
	if err == nil {
		err = queue.EnqueueWithRetry(ctx, s.queue, task, s.opts.EnqueueAttempts, s.opts.EnqueueBackoff)
	}
	if err != nil {
		reason := fmt.Sprintf("enqueue failed: %v", err)
		if upErr := s.store.SetStatus(context.WithoutCancel(ctx), doc.ID, store.StatusFailed, reason); upErr != nil {
			log.Error("failed to mark document failed", "err", upErr)
		}
		return store.Document{}, fmt.Errorf("enqueue document %s: %w", doc.ID, err)
	}
	log.Info("document accepted", "filename", filename, "format", f, "bytes", len(content))
	return doc, nil
}

func (s *Service) Status(ctx context.Context, id uuid.UUID) (store.Document, error) {
	return s.store.GetDocument(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]store.Document, error) {
	return s.store.ListDocuments(ctx)
}

func (s *Service) Fragments(ctx context.Context, id uuid.UUID) ([]store.Fragment, error) {
	return s.store.Fragments(ctx, id)
}

// Delete removes a document and its fragments. Unknown ids are not an error.
func (s *Service) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.store.DeleteDocument(ctx, id); err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	s.log.Info("document deleted", "document_id", id)
	return nil
}

// Reset empties the store and the embedding cache. Queries and uploads wait
// for it to finish.
func (s *Service) Reset(ctx context.Context) error {
	s.gate.Lock()
	defer s.gate.Unlock()
	if err := s.store.Reset(ctx); err != nil {
		return fmt.Errorf("reset store: %w", err)
	}
	if err := s.cache.Purge(ctx); err != nil {
		s.log.Warn("failed to purge embedding cache", "err", err)
	}
	s.log.Info("store reset")
	return nil
}

// History returns up to limit answered queries, newest first.
func (s *Service) History(ctx context.Context, limit int) ([]store.QueryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.store.ListQueries(ctx, limit)
}

// ClearHistory drops the query log. Documents are untouched.
func (s *Service) ClearHistory(ctx context.Context) (int, error) {
	n, err := s.store.ClearQueries(ctx)
	if err != nil {
		return 0, fmt.Errorf("clear query history: %w", err)
	}
	s.log.Info("query history cleared", "records", n)
	return n, nil
}

// Summarize generates an overview of an indexed document. Unlike Query,
// provider failures are returned as errors.
func (s *Service) Summarize(ctx context.Context, id uuid.UUID) (answer.Summary, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()

	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return answer.Summary{}, err
	}
	if doc.Status != store.StatusIndexed {
		return answer.Summary{}, fmt.Errorf("%w: %s is %s", ErrNotIndexed, id, doc.Status)
	}
	frags, err := s.store.Fragments(ctx, id)
	if err != nil {
		return answer.Summary{}, err
	}
	sum, err := s.synth.Summarize(ctx, doc, frags)
	if errors.Is(err, answer.ErrNoFragments) {
		return answer.Summary{}, fmt.Errorf("%w: %s has no fragments", ErrNotIndexed, id)
	}
	if err != nil {
		return answer.Summary{}, fmt.Errorf("summarize %s: %w", id, err)
	}
	return sum, nil
}

type Stats struct {
	store.Stats
	EmbeddingModel  string `json:"embedding_model"`
	GenerationModel string `json:"generation_model"`
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	st, err := s.store.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{Stats: st, EmbeddingModel: s.opts.EmbeddingModel, GenerationModel: s.opts.GenerationModel}, nil
}

// Request is one question. Zero TopK and nil Threshold use the configured
// defaults.
type Request struct {
	Query     string   `json:"query" validate:"required,max=4000"`
	TopK      int      `json:"top_k" validate:"gte=0,lte=100"`
	Threshold *float32 `json:"similarity_threshold" validate:"omitempty,gte=0,lte=1"`
}

type Response struct {
	ID uuid.UUID `json:"query_id"`
	answer.Answer
	// Reason explains a degraded answer.
	Reason string `json:"error,omitempty"`
	// Err is the underlying failure of a degraded answer.
	Err error `json:"-"`
}

// Query answers req from the indexed fragments. Retrieval and generation
// failures do not return an error: they produce a declined answer with Err
// set. Only malformed requests fail.
func (s *Service) Query(ctx context.Context, req Request) (Response, error) {
	topK, threshold, err := s.params(req)
	if err != nil {
		return Response{}, err
	}

	s.gate.RLock()
	defer s.gate.RUnlock()

	if s.opts.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.QueryTimeout)
		defer cancel()
	}
	log := s.log.With("top_k", topK, "threshold", threshold)

	ranked, err := s.retriever.Retrieve(ctx, req.Query, topK, threshold)
	if errors.Is(err, retrieval.ErrEmptyQuery) {
		return Response{}, fmt.Errorf("%w: %v", ErrInvalidQuery, err)
	}
	if err != nil {
		return s.degrade(ctx, log, "retrieval", err), nil
	}

	ans, err := s.synth.Synthesize(ctx, req.Query, ranked, s.history(ctx, log))
	if err != nil {
		return s.degrade(ctx, log, "generation", err), nil
	}

	rec := store.QueryRecord{
		ID:        uuid.New(),
		Query:     req.Query,
		TopK:      topK,
		Threshold: threshold,
		Answer:    ans.Text,
		Citations: make([]store.Citation, len(ans.Citations)),
	}
	for i, c := range ans.Citations {
		rec.Citations[i] = store.Citation{FragmentID: c.FragmentID, Score: c.Score}
	}
	if err := s.store.RecordQuery(context.WithoutCancel(ctx), rec); err != nil {
		log.Warn("failed to record query", "err", err)
	}
	log.Info("query answered", "query_id", rec.ID, "citations", len(ans.Citations), "declined", ans.Declined)
	return Response{ID: rec.ID, Answer: ans}, nil
}

func (s *Service) params(req Request) (int, float32, error) {
	topK := req.TopK
	if topK == 0 {
		topK = s.opts.TopK
	}
	if topK <= 0 {
		return 0, 0, fmt.Errorf("%w: top_k must be positive", ErrInvalidQuery)
	}
	threshold := s.opts.Threshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}
	if threshold < 0 || threshold > 1 {
		return 0, 0, fmt.Errorf("%w: similarity_threshold must be within [0, 1]", ErrInvalidQuery)
	}
	return topK, threshold, nil
}

// history returns the last HistoryTurns answered queries, oldest first.
func (s *Service) history(ctx context.Context, log *slog.Logger) []answer.Turn {
	if s.opts.HistoryTurns <= 0 {
		return nil
	}
	recs, err := s.store.ListQueries(ctx, s.opts.HistoryTurns)
	if err != nil {
		log.Warn("failed to load conversation history", "err", err)
		return nil
	}
	turns := make([]answer.Turn, len(recs))
	for i, r := range recs {
		turns[i] = answer.Turn{Query: r.Query, Answer: r.Answer}
	}
	slices.Reverse(turns)
	return turns
}

func (s *Service) degrade(ctx context.Context, log *slog.Logger, stage string, err error) Response {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w during %s: %w", ErrRetrievalTimeout, stage, err)
	}
	log.Error("query failed; returning declined answer", "stage", stage, "err", err)
	return Response{
		Answer: answer.Answer{
			Text:      s.synth.Prompts().CouldNotAnswer,
			Citations: []answer.Citation{},
			Declined:  true,
		},
		Reason: err.Error(),
		Err:    err,
	}
}
