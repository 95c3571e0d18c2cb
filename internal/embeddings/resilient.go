package embeddings

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"docqa/internal/retry"
)

// ResilientOptions bounds provider calls.
type ResilientOptions struct {
	Retry     retry.Policy
	Timeout   time.Duration // per provider call, distinct from the retry budget
	RateLimit float64       // calls per second; <= 0 disables throttling
	BatchSize int
}

// Resilient wraps a provider with batching, throttling, per-call timeouts,
// retries with exponential backoff, and response validation. Failures that
// survive the retry budget surface as *ProviderError.
type Resilient struct {
	inner   Embedder
	opts    ResilientOptions
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewResilient decorates inner.
func NewResilient(inner Embedder, opts ResilientOptions, log *slog.Logger) *Resilient {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 64
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), max(1, int(opts.RateLimit)))
	}
	return &Resilient{inner: inner, opts: opts, limiter: limiter, log: log}
}

func (r *Resilient) Model() string   { return r.inner.Model() }
func (r *Resilient) Dimensions() int { return r.inner.Dimensions() }

func (r *Resilient) Embed(ctx context.Context, text string) (Vector, error) {
	vecs, err := r.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (r *Resilient) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, 0, len(texts))
	for start := 0; start < len(texts); start += r.opts.BatchSize {
		part := texts[start:min(start+r.opts.BatchSize, len(texts))]
		vecs, err := r.call(ctx, part)
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	return out, nil
}

func (r *Resilient) call(ctx context.Context, texts []string) ([]Vector, error) {
	var (
		vecs     []Vector
		attempts int
	)
	err := retry.Do(ctx, r.opts.Retry, func(ctx context.Context) error {
		attempts++
		if err := r.limiter.Wait(ctx); err != nil {
			return retry.Permanent(err)
		}
		callCtx := ctx
		if r.opts.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
			defer cancel()
		}
		got, err := r.inner.EmbedBatch(callCtx, texts)
		if err == nil {
			err = validateVectors(got, len(texts), r.inner.Dimensions())
			if errors.Is(err, ErrDimensionMismatch) {
				err = retry.Permanent(err)
			}
		}
		if err != nil {
			if !retry.IsPermanent(err) {
				r.log.Warn("embedding call failed", "provider", r.inner.Model(), "attempt", attempts, "batch", len(texts), "err", err)
			}
			return err
		}
		vecs = got
		return nil
	})
	if err != nil {
		return nil, &ProviderError{Provider: r.inner.Model(), Attempts: attempts, Err: err}
	}
	return vecs, nil
}
