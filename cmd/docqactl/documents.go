package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"docqa/internal/queue"
	"docqa/internal/store"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Upload files for indexing",
	Long: `Registers each file and schedules it for indexing. With the in-process
queue the files are indexed before the command returns; with NATS pass
--wait to poll until an indexer has processed them.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var statusCmd = &cobra.Command{
	Use:   "status [doc-id]",
	Short: "Show a document's processing status",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List documents",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

var fragmentsCmd = &cobra.Command{
	Use:   "fragments [doc-id]",
	Short: "Print a document's fragments in order",
	Args:  cobra.ExactArgs(1),
	RunE:  runFragments,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [doc-id]",
	Short: "Delete a document and its fragments",
	Args:  cobra.ExactArgs(1),
	RunE:  runDelete,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Remove every document, fragment and query record",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

var (
	ingestFormat  string
	ingestWait    bool
	ingestTimeout time.Duration
	resetConfirm  bool
)

func init() {
	ingestCmd.Flags().StringVarP(&ingestFormat, "format", "f", "", "Format override (txt, md, pdf, docx)")
	ingestCmd.Flags().BoolVarP(&ingestWait, "wait", "w", false, "Wait for indexing to finish")
	ingestCmd.Flags().DurationVar(&ingestTimeout, "timeout", 5*time.Minute, "How long to wait for indexing")
	resetCmd.Flags().BoolVarP(&resetConfirm, "yes", "y", false, "Confirm the reset")

	rootCmd.AddCommand(ingestCmd, statusCmd, listCmd, fragmentsCmd, deleteCmd, resetCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	d, err := requireDeps()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), ingestTimeout)
	defer cancel()

	local := d.Config.QueueProvider == "local"
	if local {
		workerCtx, stopWorker := context.WithCancel(ctx)
		defer stopWorker()
		go func() { _ = d.Queue.Worker(workerCtx, queue.TaskTypeIngest, d.Pipeline.Handle) }()
	}

	var ids []uuid.UUID
	for _, path := range args {
		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		doc, err := d.Service.Ingest(ctx, content, filepath.Base(path), ingestFormat)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}
		cmd.Printf("%s  %s  %s\n", doc.ID, doc.Status, doc.Filename)
		ids = append(ids, doc.ID)
	}
	if !local && !ingestWait {
		return nil
	}

	failed := 0
	for _, id := range ids {
		doc, err := waitSettled(ctx, id)
		if err != nil {
			return err
		}
		if doc.Status == store.StatusFailed {
			failed++
			cmd.Printf("%s  failed: %s\n", id, doc.Error)
			continue
		}
		cmd.Printf("%s  indexed (%d fragments)\n", id, doc.FragmentCount)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d documents failed", failed, len(ids))
	}
	return nil
}

func waitSettled(ctx context.Context, id uuid.UUID) (store.Document, error) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		doc, err := deps.Service.Status(ctx, id)
		if err != nil {
			return store.Document{}, fmt.Errorf("status %s: %w", id, err)
		}
		if doc.Status == store.StatusIndexed || doc.Status == store.StatusFailed {
			return doc, nil
		}
		select {
		case <-ctx.Done():
			return store.Document{}, fmt.Errorf("document %s still %s: %w", id, doc.Status, ctx.Err())
		case <-ticker.C:
		}
	}
}

func parseID(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid document id %q", s)
	}
	return id, nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	d, err := requireDeps()
	if err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	doc, err := d.Service.Status(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to get document: %w", err)
	}
	return printJSON(cmd, doc)
}

func runList(cmd *cobra.Command, _ []string) error {
	d, err := requireDeps()
	if err != nil {
		return err
	}
	docs, err := d.Service.List(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	if len(docs) == 0 {
		cmd.Println("No documents.")
		return nil
	}
	for _, doc := range docs {
		cmd.Printf("%s  %-10s  %4d  %s\n", doc.ID, doc.Status, doc.FragmentCount, doc.Filename)
		if doc.Error != "" {
			cmd.Printf("    error: %s\n", doc.Error)
		}
	}
	cmd.Printf("\nTotal: %d documents\n", len(docs))
	return nil
}

func runFragments(cmd *cobra.Command, args []string) error {
	d, err := requireDeps()
	if err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	frags, err := d.Service.Fragments(cmd.Context(), id)
	if err != nil {
		return fmt.Errorf("failed to get fragments: %w", err)
	}
	for _, f := range frags {
		cmd.Printf("--- fragment %d (%d tokens)\n%s\n", f.Ordinal, f.TokenCount, f.Text)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	d, err := requireDeps()
	if err != nil {
		return err
	}
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	if err := d.Service.Delete(cmd.Context(), id); err != nil {
		return err
	}
	cmd.Printf("Deleted %s\n", id)
	return nil
}

func runReset(cmd *cobra.Command, _ []string) error {
	if !resetConfirm {
		return fmt.Errorf("reset deletes every document; rerun with --yes to confirm")
	}
	d, err := requireDeps()
	if err != nil {
		return err
	}
	if err := d.Service.Reset(cmd.Context()); err != nil {
		return err
	}
	cmd.Println("Store reset.")
	return nil
}
