package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"docqa/internal/app"
	"docqa/internal/httputil"
	"docqa/internal/queue"
)

func main() {
	deps, err := app.Build()
	if err != nil {
		slog.Default().Error("failed to build dependencies", "err", err)
		os.Exit(1)
	}
	defer deps.Close()
	deps.Log.Info("indexer starting", "queue", deps.Config.QueueProvider, "workers", deps.Config.IngestWorkers)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, deps, fmt.Sprintf(":%d", deps.Config.Port)); err != nil {
		deps.Log.Error("indexer stopped", "err", err)
		os.Exit(1)
	}
}

// run consumes ingest tasks, fails documents stuck in processing and serves
// a health endpoint on healthAddr (skipped when empty) until ctx is done.
func run(ctx context.Context, deps app.Deps, healthAddr string) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return deps.Queue.Worker(ctx, queue.TaskTypeIngest, deps.Pipeline.Handle)
	})
	g.Go(func() error {
		return deps.Pipeline.RunReaper(ctx, deps.Config.ProcessingTimeout, 0)
	})
	if healthAddr != "" {
		g.Go(func() error {
			return httputil.ServeHealth(ctx, healthAddr, deps.Log, func(ctx context.Context) error {
				_, err := deps.Store.Stats(ctx)
				return err
			})
		})
	}
	return g.Wait()
}
