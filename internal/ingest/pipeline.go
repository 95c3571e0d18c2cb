// Package ingest runs the write path: extract, chunk, embed and upsert one
// document, moving it through uploaded -> processing -> indexed|failed.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"docqa/internal/chunker"
	"docqa/internal/embeddings"
	"docqa/internal/extract"
	"docqa/internal/queue"
	"docqa/internal/retry"
	"docqa/internal/store"
)

const staleReason = "processing timed out"

type Pipeline struct {
	store    store.Store
	embedder embeddings.Embedder
	chunking chunker.Options
	log      *slog.Logger
	locks    keyedMutex
	now      func() time.Time
}

func NewPipeline(st store.Store, embedder embeddings.Embedder, chunking chunker.Options, log *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    st,
		embedder: embedder,
		chunking: chunking,
		log:      log,
		now:      time.Now,
	}
}

// Handle adapts Process to a queue handler. Jobs that cannot succeed on
// redelivery come back wrapped with retry.Permanent.
func (p *Pipeline) Handle(ctx context.Context, task queue.Task) error {
	payload, err := queue.DecodeIngest(task)
	if err != nil {
		return retry.Permanent(err)
	}
	return p.Process(ctx, payload.DocumentID)
}

// Process indexes one document. At most one job per document runs in this
// process at a time; across processes the store only accepts the first
// completed upsert. Failures are recorded on the document and returned as
// permanent errors. A cancelled job leaves the document processing until
// the reaper fails it.
func (p *Pipeline) Process(ctx context.Context, docID uuid.UUID) error {
	unlock := p.locks.Lock(docID)
	defer unlock()

	log := p.log.With("document_id", docID)
	start := p.now()

	doc, err := p.store.GetDocument(ctx, docID)
	if errors.Is(err, store.ErrNotFound) {
		log.Info("document no longer exists; dropping job")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load document %s: %w", docID, err)
	}
	if err := p.store.SetStatus(ctx, docID, store.StatusProcessing, ""); err != nil {
		if settled(err) {
			log.Info("document already settled; dropping job", "status", doc.Status)
			return nil
		}
		return fmt.Errorf("claim document %s: %w", docID, err)
	}

	fragments, err := p.build(ctx, doc)
	if err != nil {
		return p.fail(ctx, log, docID, err)
	}
	if err := p.store.Upsert(ctx, docID, fragments); err != nil {
		if settled(err) {
			log.Info("document settled by another job; dropping result")
			return nil
		}
		return p.fail(ctx, log, docID, err)
	}
	log.Info("document indexed",
		"filename", doc.Filename,
		"fragments", len(fragments),
		"duration_ms", p.now().Sub(start).Milliseconds(),
	)
	return nil
}

func (p *Pipeline) build(ctx context.Context, doc store.Document) ([]store.Fragment, error) {
	content, err := p.store.Content(ctx, doc.ID)
	if err != nil {
		return nil, fmt.Errorf("read upload: %w", err)
	}
	seq, err := chunker.FromDocument(content, extract.Format(doc.Format), p.chunking)
	if err != nil {
		return nil, err
	}
	var (
		chunks []chunker.Chunk
		texts  []string
	)
	for c := range seq {
		chunks = append(chunks, c)
		texts = append(texts, c.Text)
	}
	vectors, err := p.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d fragments", len(vectors), len(chunks))
	}
	fragments := make([]store.Fragment, len(chunks))
	for i, c := range chunks {
		fragments[i] = store.Fragment{
			ID:         uuid.New(),
			DocumentID: doc.ID,
			Ordinal:    c.Index,
			Text:       c.Text,
			TokenCount: c.TokenCount,
			Start:      c.Start,
			End:        c.End,
			Vector:     vectors[i],
		}
	}
	return fragments, nil
}

func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, docID uuid.UUID, cause error) error {
	if ctx.Err() != nil {
		log.Warn("ingestion interrupted; document left processing", "err", cause)
		return cause
	}
	log.Error("ingestion failed", "err", cause)
	if err := p.store.SetStatus(ctx, docID, store.StatusFailed, cause.Error()); err != nil {
		if settled(err) {
			return nil
		}
		return fmt.Errorf("mark document %s failed: %w (cause: %v)", docID, err, cause)
	}
	return retry.Permanent(cause)
}

// settled reports errors meaning the document was deleted, reset or finished
// by someone else.
func settled(err error) bool {
	return errors.Is(err, store.ErrInvalidTransition) || errors.Is(err, store.ErrNotFound)
}

// Reap fails documents stuck in uploaded or processing for longer than
// olderThan.
func (p *Pipeline) Reap(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := p.store.FailStale(ctx, p.now().Add(-olderThan), staleReason)
	if err != nil {
		return 0, fmt.Errorf("reap stale documents: %w", err)
	}
	if n > 0 {
		p.log.Warn("failed stale documents", "count", n, "older_than", olderThan.String())
	}
	return n, nil
}

// RunReaper calls Reap every interval until ctx is done.
func (p *Pipeline) RunReaper(ctx context.Context, olderThan, interval time.Duration) error {
	if interval <= 0 {
		interval = max(olderThan/4, time.Second)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := p.Reap(ctx, olderThan); err != nil {
				p.log.Error("reaper pass failed", "err", err)
			}
		}
	}
}
