package cache

import (
	"context"
	"errors"
)

// Tiered fronts a shared cache with a process-local one. Hits in the shared
// tier are copied into the local tier.
type Tiered struct {
	local  Cache
	shared Cache
}

// NewTiered combines a local and a shared cache.
func NewTiered(local, shared Cache) *Tiered {
	return &Tiered{local: local, shared: shared}
}

func (t *Tiered) Get(ctx context.Context, key string) ([]float32, bool, error) {
	if vec, ok, err := t.local.Get(ctx, key); err == nil && ok {
		return vec, true, nil
	}
	vec, ok, err := t.shared.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	_ = t.local.Set(ctx, key, vec)
	return vec, true, nil
}

func (t *Tiered) Set(ctx context.Context, key string, vec []float32) error {
	return errors.Join(t.local.Set(ctx, key, vec), t.shared.Set(ctx, key, vec))
}

func (t *Tiered) Purge(ctx context.Context) error {
	return errors.Join(t.local.Purge(ctx), t.shared.Purge(ctx))
}

func (t *Tiered) Close() error {
	return errors.Join(t.local.Close(), t.shared.Close())
}
