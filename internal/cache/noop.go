package cache

import "context"

// NoOpCache is a cache implementation that does nothing.
// Used when caching is disabled (CACHE_MAX_SIZE=0): every lookup misses.
type NoOpCache struct{}

// NewNoOpCache creates a new no-op cache instance
func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

// Get always misses.
func (c *NoOpCache) Get(ctx context.Context, key string) ([]float32, bool, error) {
	return nil, false, nil
}

// Set does nothing and always succeeds
func (c *NoOpCache) Set(ctx context.Context, key string, vec []float32) error {
	return nil
}

// Purge does nothing and always succeeds
func (c *NoOpCache) Purge(ctx context.Context) error {
	return nil
}

// Close does nothing and always succeeds
func (c *NoOpCache) Close() error {
	return nil
}
