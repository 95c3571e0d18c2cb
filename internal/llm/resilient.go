package llm

import (
	"context"
	"log/slog"
	"time"

	"docqa/internal/retry"
)

// Resilient bounds each provider call with a timeout and retries transient
// failures with exponential backoff. Exhausted retries surface as
// *ProviderError.
type Resilient struct {
	inner   Generator
	policy  retry.Policy
	timeout time.Duration
	log     *slog.Logger
}

func NewResilient(inner Generator, policy retry.Policy, timeout time.Duration, log *slog.Logger) *Resilient {
	return &Resilient{inner: inner, policy: policy, timeout: timeout, log: log}
}

func (r *Resilient) Model() string { return r.inner.Model() }

func (r *Resilient) Generate(ctx context.Context, req Request) (Response, error) {
	var (
		resp     Response
		attempts int
	)
	err := retry.Do(ctx, r.policy, func(ctx context.Context) error {
		attempts++
		callCtx := ctx
		if r.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, r.timeout)
			defer cancel()
		}
		start := time.Now()
		out, err := r.inner.Generate(callCtx, req)
		if err != nil {
			if !retry.IsPermanent(err) {
				r.log.Warn("generation call failed", "provider", r.inner.Model(), "attempt", attempts, "err", err)
			}
			return err
		}
		r.log.Debug("generation call done", "provider", r.inner.Model(), "tokens", out.TotalTokens, "duration", time.Since(start))
		resp = out
		return nil
	})
	if err != nil {
		return Response{}, &ProviderError{Provider: r.inner.Model(), Attempts: attempts, Err: err}
	}
	return resp, nil
}
