package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"docqa/internal/answer"
	"docqa/internal/app"
	"docqa/internal/chunker"
	"docqa/internal/config"
	"docqa/internal/embeddings"
	"docqa/internal/ingest"
	"docqa/internal/llm"
	"docqa/internal/logger"
	"docqa/internal/queue"
	"docqa/internal/rag"
	"docqa/internal/retrieval"
	"docqa/internal/store"
)

const dims = 64

type testEnv struct {
	deps  app.Deps
	store *store.MemoryStore
	queue *queue.MockQueue
	gen   *llm.MockGenerator
	h     http.Handler
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	cfg := config.Config{
		MaxUploadSize:       1024 * 1024, // 1MB for tests
		TopK:                5,
		SimilarityThreshold: 0.1,
		QueryTimeout:        time.Second,
	}
	log := logger.Discard()
	st := store.NewMemory(dims)
	q := new(queue.MockQueue)
	gen := new(llm.MockGenerator)
	emb := embeddings.NewHashingEmbedder(dims)
	svc := rag.New(st, q,
		retrieval.NewEngine(emb, st, retrieval.Options{Rerank: true}, log),
		answer.NewSynthesizer(gen, answer.Options{}, log),
		nil,
		rag.Options{MaxUploadSize: cfg.MaxUploadSize, TopK: cfg.TopK, Threshold: cfg.SimilarityThreshold, QueryTimeout: cfg.QueryTimeout, EnqueueBackoff: time.Millisecond, EmbeddingModel: emb.Model(), GenerationModel: "test"},
		log)
	deps := app.Deps{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Queue:    q,
		Embedder: emb,
		Pipeline: ingest.NewPipeline(st, emb, chunker.Options{}, log),
		Service:  svc,
	}
	return testEnv{deps: deps, store: st, queue: q, gen: gen, h: routes(deps)}
}

func (e testEnv) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	e.h.ServeHTTP(w, req)
	return w
}

// indexed uploads text straight through the pipeline.
func (e testEnv) indexed(t *testing.T, filename, text string) uuid.UUID {
	t.Helper()
	doc, err := e.store.CreateDocument(context.Background(), store.Document{Filename: filename, Format: "txt"}, []byte(text))
	require.NoError(t, err)
	require.NoError(t, e.deps.Pipeline.Process(context.Background(), doc.ID))
	return doc.ID
}

func createMultipartRequest(filename, contentType string, content []byte, fields map[string]string) (*http.Request, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			return nil, err
		}
	}
	if filename != "" {
		h := make(map[string][]string)
		h["Content-Disposition"] = []string{fmt.Sprintf(`form-data; name="file"; filename="%s"`, filename)}
		if contentType != "" {
			h["Content-Type"] = []string{contentType}
		}
		part, err := writer.CreatePart(h)
		if err != nil {
			return nil, err
		}
		if _, err := part.Write(content); err != nil {
			return nil, err
		}
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}

	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req, nil
}

func TestUploadHandler(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		contentType string
		content     []byte
		fields      map[string]string
		enqueueErr  error
		wantEnqueue bool
		wantStatus  int
		wantFormat  string
	}{
		{
			name:        "successful upload",
			filename:    "test.txt",
			contentType: "text/plain",
			content:     []byte("Hello"),
			wantEnqueue: true,
			wantStatus:  http.StatusAccepted,
			wantFormat:  "txt",
		},
		{
			name:        "format from content type when the extension is unknown",
			filename:    "notes",
			contentType: "text/markdown",
			content:     []byte("# Notes"),
			wantEnqueue: true,
			wantStatus:  http.StatusAccepted,
			wantFormat:  "md",
		},
		{
			name:        "explicit format field",
			filename:    "upload.bin",
			content:     []byte("plain words"),
			fields:      map[string]string{"format": "txt"},
			wantEnqueue: true,
			wantStatus:  http.StatusAccepted,
			wantFormat:  "txt",
		},
		{
			name:       "file too large",
			filename:   "large.txt",
			content:    make([]byte, 2*1024*1024), // 2MB
			wantStatus: http.StatusRequestEntityTooLarge,
		},
		{
			name:        "unsupported extension",
			filename:    "test.xlsx",
			contentType: "application/vnd.ms-excel",
			content:     []byte("content"),
			wantStatus:  http.StatusUnsupportedMediaType,
		},
		{
			name:       "empty file",
			filename:   "empty.txt",
			content:    []byte("   "),
			wantStatus: http.StatusBadRequest,
		},
		{
			name:        "enqueue failure",
			filename:    "test.txt",
			content:     []byte("content"),
			enqueueErr:  errors.New("queue error"),
			wantEnqueue: true,
			wantStatus:  http.StatusInternalServerError,
			wantFormat:  "txt",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			if tt.wantEnqueue {
				env.queue.On("Enqueue", mock.Anything, mock.Anything).Return(tt.enqueueErr)
			}

			req, err := createMultipartRequest(tt.filename, tt.contentType, tt.content, tt.fields)
			require.NoError(t, err)
			w := env.do(t, req)
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())

			docs, _ := env.store.ListDocuments(context.Background())
			if !tt.wantEnqueue {
				env.queue.AssertNotCalled(t, "Enqueue", mock.Anything, mock.Anything)
				assert.Empty(t, docs)
				return
			}
			require.Len(t, docs, 1)
			assert.Equal(t, tt.wantFormat, docs[0].Format)
			if tt.enqueueErr != nil {
				assert.Equal(t, store.StatusFailed, docs[0].Status)
				return
			}
			var result map[string]any
			require.NoError(t, json.NewDecoder(w.Body).Decode(&result))
			assert.Equal(t, docs[0].ID.String(), result["document_id"])
			assert.Equal(t, string(store.StatusUploaded), result["status"])
		})
	}

	t.Run("missing file", func(t *testing.T) {
		env := newTestEnv(t)
		req, err := createMultipartRequest("", "", nil, nil)
		require.NoError(t, err)
		w := env.do(t, req)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestDocumentEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := env.indexed(t, "guide.txt", "Install the package, then run the setup command.")

	t.Run("status", func(t *testing.T) {
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+id.String(), nil))
		require.Equal(t, http.StatusOK, w.Code)
		var doc store.Document
		require.NoError(t, json.NewDecoder(w.Body).Decode(&doc))
		assert.Equal(t, store.StatusIndexed, doc.Status)
		assert.Equal(t, 1, doc.FragmentCount)
	})

	t.Run("unknown id", func(t *testing.T) {
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+uuid.NewString(), nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("invalid id", func(t *testing.T) {
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/not-a-uuid", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("fragments", func(t *testing.T) {
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+id.String()+"/fragments", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Fragments []store.Fragment `json:"fragments"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Fragments, 1)
		assert.Contains(t, body.Fragments[0].Text, "setup command")
	})

	t.Run("list", func(t *testing.T) {
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Documents []store.Document `json:"documents"`
			Total     int              `json:"total"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		assert.Equal(t, 1, body.Total)
	})

	t.Run("delete twice", func(t *testing.T) {
		for range 2 {
			w := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/documents/"+id.String(), nil))
			assert.Equal(t, http.StatusNoContent, w.Code)
		}
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+id.String(), nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestQueryHandler(t *testing.T) {
	env := newTestEnv(t)
	env.indexed(t, "guide.txt", "Install the package, then run the setup command.")
	env.gen.On("Generate", mock.Anything, mock.Anything).
		Return(llm.Response{Text: "Run the setup command [Fragment 1].", Model: "test", TotalTokens: 9}, nil)

	tests := []struct {
		name       string
		body       string
		wantStatus int
		check      func(*testing.T, map[string]any)
	}{
		{
			name:       "answers with citations",
			body:       `{"query":"how do I run setup","top_k":3}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, "Run the setup command [Fragment 1].", body["answer"])
				assert.Equal(t, false, body["declined"])
				cited, ok := body["cited_fragments"].([]any)
				require.True(t, ok)
				require.Len(t, cited, 1)
				frag := cited[0].(map[string]any)
				assert.Equal(t, "guide.txt", frag["filename"])
				assert.NotEmpty(t, frag["text"])
				assert.Greater(t, frag["score"].(float64), 0.1)
			},
		},
		{
			name:       "nothing above threshold declines",
			body:       `{"query":"unrelated weather forecast","similarity_threshold":0.99}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, body map[string]any) {
				assert.Equal(t, true, body["declined"])
				assert.Equal(t, answer.DefaultPrompts().NoContext, body["answer"])
				assert.Empty(t, body["cited_fragments"])
			},
		},
		{name: "missing query", body: `{"top_k":3}`, wantStatus: http.StatusBadRequest},
		{name: "threshold out of range", body: `{"query":"q","similarity_threshold":2}`, wantStatus: http.StatusBadRequest},
		{name: "whitespace query", body: `{"query":"   "}`, wantStatus: http.StatusBadRequest},
		{name: "malformed body", body: `{"query":`, wantStatus: http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(tt.body)))
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.check != nil {
				var body map[string]any
				require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
				tt.check(t, body)
			}
		})
	}

	t.Run("history lists answered queries", func(t *testing.T) {
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/queries?limit=10", nil))
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			Queries []store.QueryRecord `json:"queries"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
		require.Len(t, body.Queries, 2)
		assert.Equal(t, "unrelated weather forecast", body.Queries[0].Query)
	})

	t.Run("history rejects bad limit", func(t *testing.T) {
		w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/queries?limit=abc", nil))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestQueryHandlerDegradesProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	env.indexed(t, "guide.txt", "Install the package, then run the setup command.")
	env.gen.On("Generate", mock.Anything, mock.Anything).
		Return(llm.Response{}, &llm.ProviderError{Provider: "openai", Attempts: 4, Err: errors.New("503")})

	w := env.do(t, httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"query":"setup command"}`)))
	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, true, body["declined"])
	assert.Equal(t, answer.DefaultPrompts().CouldNotAnswer, body["answer"])
	assert.Contains(t, body["error"], "generation provider openai")
}

func TestResetAndStats(t *testing.T) {
	env := newTestEnv(t)
	env.indexed(t, "a.txt", "alpha beta gamma")

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var stats rag.Stats
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, "hash/fnv", stats.EmbeddingModel)

	for range 2 {
		w = env.do(t, httptest.NewRequest(http.MethodPost, "/api/reset", nil))
		assert.Equal(t, http.StatusNoContent, w.Code)
	}
	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/stats", nil))
	require.NoError(t, json.NewDecoder(w.Body).Decode(&stats))
	assert.Zero(t, stats.Documents)
	assert.Zero(t, stats.Fragments)
}

func TestSummaryHandler(t *testing.T) {
	env := newTestEnv(t)
	indexed := env.indexed(t, "guide.txt", "Install the package, then run the setup command.")
	pending, err := env.store.CreateDocument(context.Background(), store.Document{Filename: "p.txt", Format: "txt"}, []byte("pending"))
	require.NoError(t, err)
	env.gen.On("Generate", mock.Anything, mock.Anything).
		Return(llm.Response{Text: "Setup guide.\n- Install the package\n- Run setup", Model: "test"}, nil).Once()

	tests := []struct {
		name       string
		id         string
		wantStatus int
	}{
		{"indexed", indexed.String(), http.StatusOK},
		{"not indexed yet", pending.ID.String(), http.StatusConflict},
		{"unknown", uuid.NewString(), http.StatusNotFound},
		{"invalid id", "nope", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+tt.id+"/summary", nil))
			require.Equal(t, tt.wantStatus, w.Code, w.Body.String())
			if tt.wantStatus != http.StatusOK {
				return
			}
			var body answer.Summary
			require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
			assert.Equal(t, indexed, body.DocumentID)
			assert.Equal(t, "Setup guide.", body.Text)
			assert.Equal(t, []string{"Install the package", "Run setup"}, body.KeyPoints)
			assert.Equal(t, 1, body.Fragments)
		})
	}
	env.gen.AssertExpectations(t)
}

func TestSummaryHandlerProviderFailure(t *testing.T) {
	env := newTestEnv(t)
	id := env.indexed(t, "guide.txt", "Install the package, then run the setup command.")
	env.gen.On("Generate", mock.Anything, mock.Anything).
		Return(llm.Response{}, &llm.ProviderError{Provider: "openai", Attempts: 4, Err: errors.New("503")})

	w := env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+id.String()+"/summary", nil))
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestClearHistoryHandler(t *testing.T) {
	env := newTestEnv(t)
	id := env.indexed(t, "a.txt", "alpha beta gamma")
	for _, q := range []string{"one", "two"} {
		require.NoError(t, env.store.RecordQuery(context.Background(), store.QueryRecord{Query: q}))
	}

	w := env.do(t, httptest.NewRequest(http.MethodDelete, "/api/queries", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var cleared map[string]int
	require.NoError(t, json.NewDecoder(w.Body).Decode(&cleared))
	assert.Equal(t, 2, cleared["cleared"])

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/queries", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var hist struct {
		Queries []store.QueryRecord `json:"queries"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&hist))
	assert.Empty(t, hist.Queries)

	w = env.do(t, httptest.NewRequest(http.MethodGet, "/api/documents/"+id.String(), nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	w := env.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}
