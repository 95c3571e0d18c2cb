package embeddings

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docqa/internal/cache"
	"docqa/internal/logger"
	"docqa/internal/retry"
)

func TestCosineSimilarity(t *testing.T) {
	tests := []struct {
		name string
		a, b Vector
		want float32
	}{
		{"identical", Vector{1, 2, 3}, Vector{1, 2, 3}, 1},
		{"orthogonal", Vector{1, 0}, Vector{0, 1}, 0},
		{"opposite", Vector{1, 0}, Vector{-1, 0}, -1},
		{"length mismatch", Vector{1, 0}, Vector{1, 0, 0}, 0},
		{"zero vector", Vector{0, 0}, Vector{1, 0}, 0},
		{"empty", nil, nil, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, CosineSimilarity(tt.a, tt.b), 1e-6)
		})
	}
}

func TestScoreClampsToUnitInterval(t *testing.T) {
	assert.Equal(t, float32(0), Score(-0.4))
	assert.Equal(t, float32(0.7), Score(0.7))
	assert.Equal(t, float32(1), Score(1.0000001))
}

func TestNormalizeText(t *testing.T) {
	assert.Equal(t, "hello world", NormalizeText("  Hello\n\tWORLD  "))
	assert.Equal(t, "", NormalizeText(" \n "))
}

func TestHashingEmbedder(t *testing.T) {
	e := NewHashingEmbedder(128)
	ctx := context.Background()

	a1, err := e.Embed(ctx, "the return policy allows refunds")
	require.NoError(t, err)
	a2, err := e.Embed(ctx, "the return policy allows refunds")
	require.NoError(t, err)
	near, err := e.Embed(ctx, "what is the return policy for refunds")
	require.NoError(t, err)
	far, err := e.Embed(ctx, "quarterly revenue grew in europe")
	require.NoError(t, err)

	assert.Len(t, a1, 128)
	assert.Equal(t, a1, a2)

	var norm float64
	for _, x := range a1 {
		norm += float64(x) * float64(x)
	}
	assert.InDelta(t, 1, math.Sqrt(norm), 1e-5)
	assert.Greater(t, CosineSimilarity(a1, near), CosineSimilarity(a1, far))

	empty, err := e.Embed(ctx, "   ")
	require.NoError(t, err)
	assert.False(t, isZero(empty))
}

func newMockProvider(dims int) *MockEmbedder {
	m := new(MockEmbedder)
	m.On("Model").Return("mock/test").Maybe()
	m.On("Dimensions").Return(dims).Maybe()
	return m
}

func fastPolicy(attempts int) ResilientOptions {
	return ResilientOptions{Retry: retry.Policy{MaxAttempts: attempts, Base: time.Millisecond}}
}

func TestResilientEmbedBatch(t *testing.T) {
	transient := errors.New("connection reset")

	tests := []struct {
		name         string
		setup        func(m *MockEmbedder)
		wantErr      bool
		wantAttempts int
		wantIs       error
	}{
		{
			name: "succeeds after transient failures",
			setup: func(m *MockEmbedder) {
				m.On("EmbedBatch", mock.Anything, []string{"a"}).Return(nil, transient).Twice()
				m.On("EmbedBatch", mock.Anything, []string{"a"}).Return([]Vector{{1, 0}}, nil).Once()
			},
		},
		{
			name: "permanent error stops retrying",
			setup: func(m *MockEmbedder) {
				m.On("EmbedBatch", mock.Anything, []string{"a"}).Return(nil, retry.Permanent(transient)).Once()
			},
			wantErr:      true,
			wantAttempts: 1,
			wantIs:       transient,
		},
		{
			name: "exhausts attempts",
			setup: func(m *MockEmbedder) {
				m.On("EmbedBatch", mock.Anything, []string{"a"}).Return(nil, transient).Times(3)
			},
			wantErr:      true,
			wantAttempts: 3,
			wantIs:       transient,
		},
		{
			name: "dimension mismatch is not retried",
			setup: func(m *MockEmbedder) {
				m.On("EmbedBatch", mock.Anything, []string{"a"}).Return([]Vector{{1, 0, 0}}, nil).Once()
			},
			wantErr:      true,
			wantAttempts: 1,
			wantIs:       ErrDimensionMismatch,
		},
		{
			name: "zero vector is retried as malformed",
			setup: func(m *MockEmbedder) {
				m.On("EmbedBatch", mock.Anything, []string{"a"}).Return([]Vector{{0, 0}}, nil).Once()
				m.On("EmbedBatch", mock.Anything, []string{"a"}).Return([]Vector{{0, 1}}, nil).Once()
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockProvider(2)
			tt.setup(m)
			r := NewResilient(m, fastPolicy(3), logger.Discard())

			vecs, err := r.EmbedBatch(context.Background(), []string{"a"})
			if tt.wantErr {
				var perr *ProviderError
				require.ErrorAs(t, err, &perr)
				assert.Equal(t, tt.wantAttempts, perr.Attempts)
				assert.Equal(t, "mock/test", perr.Provider)
				assert.ErrorIs(t, err, tt.wantIs)
			} else {
				require.NoError(t, err)
				assert.Len(t, vecs, 1)
			}
			m.AssertExpectations(t)
		})
	}
}

func TestResilientSplitsBatches(t *testing.T) {
	m := newMockProvider(1)
	m.On("EmbedBatch", mock.Anything, []string{"a", "b"}).Return([]Vector{{1}, {2}}, nil).Once()
	m.On("EmbedBatch", mock.Anything, []string{"c"}).Return([]Vector{{3}}, nil).Once()

	opts := fastPolicy(1)
	opts.BatchSize = 2
	r := NewResilient(m, opts, logger.Discard())

	vecs, err := r.EmbedBatch(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []Vector{{1}, {2}, {3}}, vecs)
	m.AssertExpectations(t)
}

func TestResilientAppliesPerCallTimeout(t *testing.T) {
	m := newMockProvider(1)
	m.On("EmbedBatch", mock.Anything, []string{"slow"}).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(nil, context.DeadlineExceeded)

	opts := fastPolicy(2)
	opts.Timeout = 10 * time.Millisecond
	r := NewResilient(m, opts, logger.Discard())

	_, err := r.Embed(context.Background(), "slow")
	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, 2, perr.Attempts)
}

func TestCachedEmbedHitsCacheOnRepeat(t *testing.T) {
	m := newMockProvider(2)
	m.On("Embed", mock.Anything, "hello world").Return(Vector{0.6, 0.8}, nil).Once()

	c := NewCached(m, cache.NewLRU(16), logger.Discard())
	ctx := context.Background()

	first, err := c.Embed(ctx, "Hello   World")
	require.NoError(t, err)
	second, err := c.Embed(ctx, "hello world")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	first[0] = 42
	third, err := c.Embed(ctx, "hello world")
	require.NoError(t, err)
	assert.Equal(t, float32(0.6), third[0])
	m.AssertExpectations(t)
}

func TestCachedEmbedBatchDedupesMisses(t *testing.T) {
	m := newMockProvider(2)
	m.On("Embed", mock.Anything, "known").Return(Vector{1, 0}, nil).Once()
	m.On("EmbedBatch", mock.Anything, []string{"t", "u"}).Return([]Vector{{0, 1}, {1, 1}}, nil).Once()

	c := NewCached(m, cache.NewLRU(16), logger.Discard())
	ctx := context.Background()
	_, err := c.Embed(ctx, "known")
	require.NoError(t, err)

	vecs, err := c.EmbedBatch(ctx, []string{"t", "known", "T", "u"})
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	assert.Equal(t, Vector{0, 1}, vecs[0])
	assert.Equal(t, Vector{1, 0}, vecs[1])
	assert.Equal(t, vecs[0], vecs[2])
	assert.Equal(t, Vector{1, 1}, vecs[3])

	vecs[0][0] = 9
	assert.Equal(t, float32(0), vecs[2][0])
	m.AssertExpectations(t)
}

func TestCachedSurvivesCacheErrors(t *testing.T) {
	m := newMockProvider(2)
	m.On("Embed", mock.Anything, "q").Return(Vector{1, 0}, nil).Twice()

	mc := new(cache.MockCache)
	mc.On("Get", mock.Anything, mock.Anything).Return(nil, false, errors.New("redis down"))
	mc.On("Set", mock.Anything, mock.Anything, mock.Anything).Return(errors.New("redis down"))

	c := NewCached(m, mc, logger.Discard())
	for range 2 {
		vec, err := c.Embed(context.Background(), "q")
		require.NoError(t, err)
		assert.Equal(t, Vector{1, 0}, vec)
	}
	m.AssertExpectations(t)
}

func TestCachedIgnoresWrongDimensionEntries(t *testing.T) {
	m := newMockProvider(2)
	m.On("Embed", mock.Anything, "q").Return(Vector{1, 0}, nil).Once()

	lru := cache.NewLRU(4)
	require.NoError(t, lru.Set(context.Background(), CacheKey("mock/test", "q"), []float32{1, 2, 3}))

	c := NewCached(m, lru, logger.Discard())
	vec, err := c.Embed(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, Vector{1, 0}, vec)
	m.AssertExpectations(t)
}

func TestCachedConcurrentMissesShareCall(t *testing.T) {
	release := make(chan struct{})
	m := newMockProvider(1)
	m.On("Embed", mock.Anything, "same").
		Run(func(mock.Arguments) { <-release }).
		Return(Vector{1}, nil).Once()

	c := NewCached(m, cache.NewLRU(4), logger.Discard())
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			vec, err := c.Embed(context.Background(), "same")
			assert.NoError(t, err)
			assert.Equal(t, Vector{1}, vec)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	m.AssertExpectations(t)
}

func TestCachedSharedCallSurvivesFirstCallerCancel(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	m := newMockProvider(1)
	m.On("Embed", mock.Anything, "same question").
		Run(func(args mock.Arguments) {
			close(started)
			ctx := args.Get(0).(context.Context)
			select {
			case <-ctx.Done():
			case <-release:
			}
		}).
		Return(Vector{1}, nil).Once()
	c := NewCached(m, cache.NewLRU(4), logger.Discard())

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		_, err := c.Embed(ctxA, "same question")
		errA <- err
	}()
	<-started

	type result struct {
		vec Vector
		err error
	}
	resB := make(chan result, 1)
	go func() {
		vec, err := c.Embed(context.Background(), "same question")
		resB <- result{vec, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)

	close(release)
	b := <-resB
	require.NoError(t, b.err)
	assert.Equal(t, Vector{1}, b.vec)
	m.AssertNumberOfCalls(t, "Embed", 1)

	vec, err := c.Embed(context.Background(), "same question")
	require.NoError(t, err)
	assert.Equal(t, Vector{1}, vec)
	m.AssertNumberOfCalls(t, "Embed", 1)
}

func TestCacheKeyDependsOnModel(t *testing.T) {
	assert.Equal(t, CacheKey("a", "x"), CacheKey("a", "x"))
	assert.NotEqual(t, CacheKey("a", "x"), CacheKey("b", "x"))
}

func TestOllamaEmbedder(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      any
		wantErr   bool
		permanent bool
	}{
		{
			name:   "ok",
			status: http.StatusOK,
			body:   embedResponse{Embeddings: [][]float64{{0.1, 0.2}, {0.3, 0.4}}},
		},
		{
			name:      "bad request is permanent",
			status:    http.StatusBadRequest,
			body:      embedResponse{Error: "model not found"},
			wantErr:   true,
			permanent: true,
		},
		{
			name:    "server error is retryable",
			status:  http.StatusInternalServerError,
			body:    embedResponse{Error: "boom"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/embed", r.URL.Path)
				var req embedRequest
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, "nomic-embed-text", req.Model)
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(tt.body)
			}))
			defer srv.Close()

			e := NewOllamaEmbedder(srv.URL+"/", "", 2)
			assert.Equal(t, "ollama/nomic-embed-text", e.Model())

			vecs, err := e.EmbedBatch(context.Background(), []string{"a", "b"})
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, tt.permanent, retry.IsPermanent(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, []Vector{{0.1, 0.2}, {0.3, 0.4}}, vecs)
		})
	}
}

func TestNewOpenAIEmbedderRequiresKey(t *testing.T) {
	_, err := NewOpenAIEmbedder("", "", "", 1536)
	assert.Error(t, err)

	e, err := NewOpenAIEmbedder("sk-test", "", "", 1536)
	require.NoError(t, err)
	assert.Equal(t, "openai/text-embedding-3-small", e.Model())
	assert.Equal(t, 1536, e.Dimensions())
}

func TestOpenAIEmbedderRequestsConfiguredDimensions(t *testing.T) {
	tests := []struct {
		name     string
		model    openai.EmbeddingModel
		wantDims any
	}{
		{"text-embedding-3 is shortened", openai.EmbeddingModelTextEmbedding3Large, float64(2)},
		{"ada-002 keeps its native size", openai.EmbeddingModelTextEmbeddingAda002, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/embeddings", r.URL.Path)
				var req map[string]any
				assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
				assert.Equal(t, string(tt.model), req["model"])
				assert.Equal(t, tt.wantDims, req["dimensions"])
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"object":"list","model":"m","data":[{"object":"embedding","index":0,"embedding":[0.6,0.8]}],"usage":{"prompt_tokens":1,"total_tokens":1}}`))
			}))
			defer srv.Close()

			e, err := NewOpenAIEmbedder("sk-test", srv.URL+"/", tt.model, 2)
			require.NoError(t, err)
			vec, err := e.Embed(context.Background(), "hello")
			require.NoError(t, err)
			assert.Equal(t, Vector{0.6, 0.8}, vec)
		})
	}
}
