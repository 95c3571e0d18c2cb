package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"docqa/internal/app"
	"docqa/internal/extract"
	"docqa/internal/httputil"
	"docqa/internal/llm"
	"docqa/internal/queue"
	"docqa/internal/rag"
	"docqa/internal/store"
)

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", deps.Config.Port),
		Handler:           routes(deps),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error { return httputil.ListenAndServe(ctx, srv, deps.Log) })

	// With the in-process queue the gateway runs ingestion itself.
	if deps.Config.QueueProvider == "local" {
		g.Go(func() error { return deps.Queue.Worker(ctx, queue.TaskTypeIngest, deps.Pipeline.Handle) })
		g.Go(func() error { return deps.Pipeline.RunReaper(ctx, deps.Config.ProcessingTimeout, 0) })
	}

	if err := g.Wait(); err != nil {
		deps.Log.Error("gateway stopped", "err", err)
	}
}

func routes(deps app.Deps) http.Handler {
	r := httputil.NewRouter(deps.Log, deps.Config.QueryTimeout+5*time.Second)
	v := httputil.NewValidator(1 << 20)

	r.Route("/api", func(r chi.Router) {
		r.Post("/documents", uploadHandler(deps))
		r.Get("/documents", listHandler(deps))
		r.Get("/documents/{id}", statusHandler(deps))
		r.Get("/documents/{id}/fragments", fragmentsHandler(deps))
		r.Get("/documents/{id}/summary", summaryHandler(deps))
		r.Delete("/documents/{id}", deleteHandler(deps))
		r.Post("/query", queryHandler(deps, v))
		r.Get("/queries", historyHandler(deps))
		r.Delete("/queries", clearHistoryHandler(deps))
		r.Get("/stats", statsHandler(deps))
		r.Post("/reset", resetHandler(deps))
	})
	r.Get("/healthz", httputil.HealthHandler(deps.Log, func(ctx context.Context) error {
		_, err := deps.Store.Stats(ctx)
		return err
	}))
	return r
}

func uploadHandler(deps app.Deps) http.HandlerFunc {
	maxFileSize := deps.Config.MaxUploadSize

	return func(w http.ResponseWriter, r *http.Request) {
		// Bound the body; the file's own size is checked below.
		r.Body = http.MaxBytesReader(w, r.Body, 2*maxFileSize+1<<20)

		file, header, err := r.FormFile("file")
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), err, http.StatusRequestEntityTooLarge)
				return
			}
			httputil.Fail(deps.Log, w, "file is required", err, http.StatusBadRequest)
			return
		}
		defer file.Close()

		if header.Size > maxFileSize {
			httputil.Fail(deps.Log, w, fmt.Sprintf("file too large (max %d bytes)", maxFileSize), nil, http.StatusRequestEntityTooLarge)
			return
		}

		content, err := io.ReadAll(file)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to read file", err, http.StatusBadRequest)
			return
		}

		doc, err := deps.Service.Ingest(r.Context(), content, header.Filename, uploadFormat(r, header.Filename, header.Header.Get("Content-Type")))
		if err != nil {
			failWith(deps.Log, w, "upload rejected", err)
			return
		}

		httputil.WriteJSON(w, http.StatusAccepted, map[string]any{
			"document_id": doc.ID.String(),
			"status":      doc.Status,
		})
	}
}

// uploadFormat prefers an explicit format field, then the filename
// extension, then the part's Content-Type.
func uploadFormat(r *http.Request, filename, contentType string) string {
	if f := r.FormValue("format"); f != "" {
		return f
	}
	if _, err := extract.FormatFromFilename(filename); err == nil {
		return ""
	}
	if f, err := extract.FormatFromContentType(contentType); err == nil {
		return string(f)
	}
	return filepath.Ext(filename)
}

func listHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := deps.Service.List(r.Context())
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to list documents", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"documents": docs, "total": len(docs)})
	}
}

func statusHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := documentID(deps.Log, w, r)
		if !ok {
			return
		}
		doc, err := deps.Service.Status(r.Context(), id)
		if err != nil {
			failWith(deps.Log.With("document_id", id), w, "document lookup failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, doc)
	}
}

func fragmentsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := documentID(deps.Log, w, r)
		if !ok {
			return
		}
		frags, err := deps.Service.Fragments(r.Context(), id)
		if err != nil {
			failWith(deps.Log.With("document_id", id), w, "fragment lookup failed", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"document_id": id, "fragments": frags})
	}
}

func summaryHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := documentID(deps.Log, w, r)
		if !ok {
			return
		}
		sum, err := deps.Service.Summarize(r.Context(), id)
		if err != nil {
			failWith(deps.Log.With("document_id", id), w, "failed to summarize document", err)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, sum)
	}
}

func deleteHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := documentID(deps.Log, w, r)
		if !ok {
			return
		}
		if err := deps.Service.Delete(r.Context(), id); err != nil {
			httputil.Fail(deps.Log.With("document_id", id), w, "failed to delete document", err, http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func queryHandler(deps app.Deps, v *httputil.Validator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rag.Request
		if err := v.Decode(r, &req); err != nil {
			httputil.Fail(deps.Log, w, "invalid request", err, http.StatusBadRequest)
			return
		}
		resp, err := deps.Service.Query(r.Context(), req)
		if err != nil {
			failWith(deps.Log, w, "invalid query", err)
			return
		}
		// Degraded answers are still answers; the body carries declined and
		// the reason.
		httputil.WriteJSON(w, http.StatusOK, resp)
	}
}

func historyHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if s := r.URL.Query().Get("limit"); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 1000 {
				httputil.Fail(deps.Log, w, "limit must be between 1 and 1000", err, http.StatusBadRequest)
				return
			}
			limit = n
		}
		recs, err := deps.Service.History(r.Context(), limit)
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load query history", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"queries": recs})
	}
}

func clearHistoryHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := deps.Service.ClearHistory(r.Context())
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to clear query history", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, map[string]any{"cleared": n})
	}
}

func statsHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Service.Stats(r.Context())
		if err != nil {
			httputil.Fail(deps.Log, w, "failed to load stats", err, http.StatusInternalServerError)
			return
		}
		httputil.WriteJSON(w, http.StatusOK, stats)
	}
}

func resetHandler(deps app.Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Service.Reset(r.Context()); err != nil {
			httputil.Fail(deps.Log, w, "failed to reset store", err, http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func documentID(log *slog.Logger, w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httputil.Fail(log, w, "invalid document id", err, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// failWith maps service errors onto status codes.
func failWith(log *slog.Logger, w http.ResponseWriter, message string, err error) {
	var (
		unsupported *extract.UnsupportedFormatError
		provider    *llm.ProviderError
	)
	switch {
	case errors.As(err, &unsupported):
		httputil.Fail(log, w, err.Error(), err, http.StatusUnsupportedMediaType)
	case errors.Is(err, rag.ErrFileTooLarge):
		httputil.Fail(log, w, err.Error(), err, http.StatusRequestEntityTooLarge)
	case errors.Is(err, extract.ErrEmptyDocument), errors.Is(err, rag.ErrInvalidQuery):
		httputil.Fail(log, w, err.Error(), err, http.StatusBadRequest)
	case errors.Is(err, store.ErrNotFound):
		httputil.Fail(log, w, "document not found", err, http.StatusNotFound)
	case errors.Is(err, rag.ErrNotIndexed):
		httputil.Fail(log, w, "document is not indexed yet", err, http.StatusConflict)
	case errors.As(err, &provider):
		httputil.Fail(log, w, "generation provider unavailable", err, http.StatusBadGateway)
	default:
		httputil.Fail(log, w, message, err, http.StatusInternalServerError)
	}
}
