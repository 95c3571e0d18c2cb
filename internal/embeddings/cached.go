package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"

	"golang.org/x/sync/singleflight"

	"docqa/internal/cache"
)

// CacheKey identifies an embedding by model and normalized text.
func CacheKey(model, normalized string) string {
	sum := sha256.Sum256([]byte(model + "\x00" + normalized))
	return hex.EncodeToString(sum[:])
}

// Cached normalizes texts, serves repeats from a cache.Cache and forwards
// misses to inner. Concurrent misses for the same key share one provider
// call. Cache failures are logged and treated as misses; they never fail an
// embedding.
type Cached struct {
	inner Embedder
	cache cache.Cache
	group singleflight.Group
	log   *slog.Logger
}

// NewCached decorates inner with c. A nil c disables caching.
func NewCached(inner Embedder, c cache.Cache, log *slog.Logger) *Cached {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	return &Cached{inner: inner, cache: c, log: log}
}

func (c *Cached) Model() string   { return c.inner.Model() }
func (c *Cached) Dimensions() int { return c.inner.Dimensions() }

func (c *Cached) Embed(ctx context.Context, text string) (Vector, error) {
	norm := NormalizeText(text)
	key := CacheKey(c.inner.Model(), norm)
	if vec, ok := c.lookup(ctx, key); ok {
		return vec, nil
	}
	// The shared call outlives any single caller; each caller stops waiting
	// when its own ctx ends.
	shared := context.WithoutCancel(ctx)
	ch := c.group.DoChan(key, func() (any, error) {
		vec, err := c.inner.Embed(shared, norm)
		if err != nil {
			return nil, err
		}
		c.store(shared, key, vec)
		return vec, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return clone(res.Val.(Vector)), nil
	}
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	keys := make([]string, len(texts))
	// pending maps each distinct missing key to the positions waiting on it.
	pending := make(map[string][]int)
	var missKeys, missTexts []string

	for i, t := range texts {
		norm := NormalizeText(t)
		keys[i] = CacheKey(c.inner.Model(), norm)
		if vec, ok := c.lookup(ctx, keys[i]); ok {
			out[i] = vec
			continue
		}
		if _, seen := pending[keys[i]]; !seen {
			missKeys = append(missKeys, keys[i])
			missTexts = append(missTexts, norm)
		}
		pending[keys[i]] = append(pending[keys[i]], i)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vecs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, key := range missKeys {
		c.store(ctx, key, vecs[j])
		for _, i := range pending[key] {
			out[i] = clone(vecs[j])
		}
	}
	return out, nil
}

func (c *Cached) lookup(ctx context.Context, key string) (Vector, bool) {
	vec, ok, err := c.cache.Get(ctx, key)
	if err != nil {
		c.log.Warn("embedding cache get failed", "err", err)
		return nil, false
	}
	if !ok || (c.inner.Dimensions() > 0 && len(vec) != c.inner.Dimensions()) {
		return nil, false
	}
	return Vector(vec), true
}

func (c *Cached) store(ctx context.Context, key string, vec Vector) {
	if err := c.cache.Set(ctx, key, vec); err != nil {
		c.log.Warn("embedding cache set failed", "err", err)
	}
}

func clone(v Vector) Vector {
	out := make(Vector, len(v))
	copy(out, v)
	return out
}
