package cache

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
)

// Cache stores embedding vectors by content key. Implementations must be safe
// for concurrent use; a Get racing a Set returns either the old or the new
// vector, never a partially written one.
type Cache interface {
	// Get returns the cached vector and true on a hit.
	Get(ctx context.Context, key string) ([]float32, bool, error)

	// Set stores vec under key. The cache keeps its own copy.
	Set(ctx context.Context, key string, vec []float32) error

	// Purge drops every entry.
	Purge(ctx context.Context) error

	// Close releases backing connections.
	Close() error
}

var errCorruptEntry = errors.New("cache: corrupt vector entry")

// encodeVector packs a vector as little-endian float32s.
func encodeVector(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func decodeVector(buf []byte) ([]float32, error) {
	if len(buf)%4 != 0 {
		return nil, errCorruptEntry
	}
	vec := make([]float32, len(buf)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return vec, nil
}

func clone(vec []float32) []float32 {
	out := make([]float32, len(vec))
	copy(out, vec)
	return out
}
