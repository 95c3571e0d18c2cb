package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
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

type cliEnv struct {
	store *store.MemoryStore
	gen   *llm.MockGenerator
}

// newCLI wires rootCmd to an in-memory stack with the in-process queue.
func newCLI(t *testing.T) cliEnv {
	t.Helper()
	log := logger.Discard()
	st := store.NewMemory(dims)
	q := queue.NewLocal(log, 2, 8)
	t.Cleanup(func() { _ = q.Close() })
	gen := new(llm.MockGenerator)
	emb := embeddings.NewHashingEmbedder(dims)
	cfg := config.Config{QueueProvider: "local", TopK: 5, SimilarityThreshold: 0.1, QueryTimeout: time.Second, MaxUploadSize: 1 << 20}
	svc := rag.New(st, q,
		retrieval.NewEngine(emb, st, retrieval.Options{Rerank: true}, log),
		answer.NewSynthesizer(gen, answer.Options{}, log),
		nil,
		rag.Options{MaxUploadSize: cfg.MaxUploadSize, TopK: cfg.TopK, Threshold: cfg.SimilarityThreshold, QueryTimeout: cfg.QueryTimeout, EnqueueBackoff: time.Millisecond},
		log)
	d := app.Deps{
		Config:   cfg,
		Log:      log,
		Store:    st,
		Queue:    q,
		Embedder: emb,
		Pipeline: ingest.NewPipeline(st, emb, chunker.Options{}, log),
		Service:  svc,
	}

	prev := buildDeps
	buildDeps = func() (app.Deps, error) { return d, nil }
	t.Cleanup(func() {
		buildDeps = prev
		deps = nil
	})
	return cliEnv{store: st, gen: gen}
}

func resetFlags(c *cobra.Command) {
	c.Flags().VisitAll(func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	})
	for _, sub := range c.Commands() {
		resetFlags(sub)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	deps = nil
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestRootCommand(t *testing.T) {
	assert.Equal(t, "docqactl", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)

	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"ingest", "status", "list", "fragments", "delete", "reset", "query", "history", "summary", "stats"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestIngestIndexesInProcess(t *testing.T) {
	env := newCLI(t)
	path := writeFile(t, "guide.md", "# Setup\n\nInstall the package, then run the setup command.")

	out, err := execute(t, "ingest", path)
	require.NoError(t, err)
	assert.Contains(t, out, "guide.md")
	assert.Contains(t, out, "indexed (1 fragments)")

	docs, err := env.store.ListDocuments(t.Context())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, store.StatusIndexed, docs[0].Status)

	out, err = execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "Total: 1 documents")

	out, err = execute(t, "fragments", docs[0].ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "--- fragment 0")

	out, err = execute(t, "status", docs[0].ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "indexed"`)
}

func TestIngestErrors(t *testing.T) {
	newCLI(t)
	tests := []struct {
		name    string
		args    func(t *testing.T) []string
		wantErr string
	}{
		{
			name:    "missing file",
			args:    func(*testing.T) []string { return []string{"ingest", "/does/not/exist.txt"} },
			wantErr: "read /does/not/exist.txt",
		},
		{
			name:    "unsupported format",
			args:    func(t *testing.T) []string { return []string{"ingest", writeFile(t, "sheet.xls", "a,b")} },
			wantErr: "unsupported",
		},
		{
			name:    "empty file",
			args:    func(t *testing.T) []string { return []string{"ingest", writeFile(t, "empty.txt", "  ")} },
			wantErr: "ingest",
		},
		{
			name:    "no args",
			args:    func(*testing.T) []string { return []string{"ingest"} },
			wantErr: "requires at least 1 arg",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := execute(t, tt.args(t)...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestQueryCommand(t *testing.T) {
	env := newCLI(t)
	path := writeFile(t, "guide.txt", "Install the package, then run the setup command.")
	_, err := execute(t, "ingest", path)
	require.NoError(t, err)

	env.gen.On("Generate", mock.Anything, mock.Anything).
		Return(llm.Response{Text: "Run the setup command.", Model: "test", TotalTokens: 5}, nil)

	out, err := execute(t, "query", "how", "do", "I", "run", "the", "setup", "command")
	require.NoError(t, err)
	assert.Contains(t, out, "Run the setup command.")
	assert.Contains(t, out, "Sources:")
	assert.Contains(t, out, "guide.txt")

	out, err = execute(t, "query", "--threshold", "1", "--json", "setup")
	require.NoError(t, err)
	assert.Contains(t, out, `"declined": true`)

	out, err = execute(t, "history", "--limit", "5")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "setup")
	assert.Contains(t, lines[1], "how do I run the setup command")

	out, err = execute(t, "stats")
	require.NoError(t, err)
	assert.Contains(t, out, `"queries": 2`)
}

func TestDeleteAndReset(t *testing.T) {
	env := newCLI(t)
	doc, err := env.store.CreateDocument(t.Context(), store.Document{Filename: "a.txt", Format: "txt"}, []byte("alpha beta"))
	require.NoError(t, err)

	_, err = execute(t, "delete", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid document id")

	out, err := execute(t, "delete", doc.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted "+doc.ID.String())

	_, err = execute(t, "status", doc.ID.String())
	assert.ErrorIs(t, err, store.ErrNotFound)

	_, err = env.store.CreateDocument(t.Context(), store.Document{Filename: "b.txt", Format: "txt"}, []byte("gamma"))
	require.NoError(t, err)

	_, err = execute(t, "reset")
	assert.ErrorContains(t, err, "--yes")

	out, err = execute(t, "reset", "--yes")
	require.NoError(t, err)
	assert.Contains(t, out, "Store reset.")

	out, err = execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No documents.")
}

func TestSummaryCommand(t *testing.T) {
	env := newCLI(t)
	_, err := execute(t, "ingest", writeFile(t, "guide.txt", "Install the package, then run the setup command."))
	require.NoError(t, err)
	docs, err := env.store.ListDocuments(t.Context())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	pending, err := env.store.CreateDocument(t.Context(), store.Document{Filename: "p.txt", Format: "txt"}, []byte("later"))
	require.NoError(t, err)

	env.gen.On("Generate", mock.Anything, mock.Anything).
		Return(llm.Response{Text: "A setup guide.\n- Install the package\n- Run setup", Model: "test"}, nil)

	out, err := execute(t, "summary", docs[0].ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "guide.txt (1 fragments)")
	assert.Contains(t, out, "A setup guide.")
	assert.Contains(t, out, "  - Install the package")
	assert.Contains(t, out, "  - Run setup")

	out, err = execute(t, "summary", "--json", docs[0].ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, `"key_points"`)

	_, err = execute(t, "summary", pending.ID.String())
	assert.ErrorIs(t, err, rag.ErrNotIndexed)

	_, err = execute(t, "summary", "not-a-uuid")
	assert.ErrorContains(t, err, "invalid document id")
}

func TestHistoryClear(t *testing.T) {
	env := newCLI(t)
	for _, q := range []string{"one", "two", "three"} {
		require.NoError(t, env.store.RecordQuery(t.Context(), store.QueryRecord{Query: q}))
	}

	out, err := execute(t, "history", "--clear")
	require.NoError(t, err)
	assert.Contains(t, out, "Cleared 3 queries.")

	out, err = execute(t, "history")
	require.NoError(t, err)
	assert.Contains(t, out, "No queries yet.")
}
