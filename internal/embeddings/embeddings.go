package embeddings

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
)

// Vector is a simple float32 slice wrapper.
type Vector []float32

// Embedder turns text into fixed-length vectors. EmbedBatch preserves input
// order.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	EmbedBatch(ctx context.Context, texts []string) ([]Vector, error)
	// Model identifies provider and model, e.g. "openai/text-embedding-3-small".
	Model() string
	Dimensions() int
}

// ErrDimensionMismatch is returned when a vector's length differs from the
// configured dimensionality. It is never retried.
var ErrDimensionMismatch = errors.New("embedding dimension mismatch")

// ProviderError is returned once an embedding call has failed for good.
type ProviderError struct {
	Provider string
	Attempts int
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("embedding provider %s failed after %d attempt(s): %v", e.Provider, e.Attempts, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// CosineSimilarity returns the cosine of the angle between a and b, or 0 when
// the vectors are empty, of different length, or zero.
func CosineSimilarity(a, b Vector) float32 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

// Score maps cosine similarity onto [0,1] by clamping negatives to 0, so a
// similarity threshold means the same thing for every provider.
func Score(cosine float32) float32 {
	switch {
	case cosine < 0:
		return 0
	case cosine > 1:
		return 1
	}
	return cosine
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// NormalizeText is applied to every text before embedding and before cache
// keying: lowercase, collapsed whitespace, trimmed.
func NormalizeText(text string) string {
	text = strings.ToLower(text)
	text = whitespaceRun.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

func validateVectors(vecs []Vector, want int, dims int) error {
	if len(vecs) != want {
		return fmt.Errorf("malformed response: got %d vectors for %d inputs", len(vecs), want)
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return fmt.Errorf("malformed response: empty vector at %d", i)
		}
		if dims > 0 && len(v) != dims {
			return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(v), dims)
		}
		if isZero(v) {
			return fmt.Errorf("malformed response: zero vector at %d", i)
		}
	}
	return nil
}

func isZero(v Vector) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

func toVector(f []float64) Vector {
	vec := make(Vector, len(f))
	for i, v := range f {
		vec[i] = float32(v)
	}
	return vec
}
