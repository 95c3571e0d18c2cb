package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"docqa/internal/rag"
)

var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Ask a question against the indexed documents",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runQuery,
}

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent queries",
	Args:  cobra.NoArgs,
	RunE:  runHistory,
}

var summaryCmd = &cobra.Command{
	Use:   "summary [doc-id]",
	Short: "Summarize an indexed document",
	Args:  cobra.ExactArgs(1),
	RunE:  runSummary,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var (
	queryTopK      int
	queryThreshold float32
	queryJSON      bool
	historyLimit   int
	historyClear   bool
	summaryJSON    bool
)

func init() {
	queryCmd.Flags().IntVarP(&queryTopK, "top-k", "k", 0, "Maximum fragments to retrieve (default from TOP_K)")
	queryCmd.Flags().Float32VarP(&queryThreshold, "threshold", "t", 0, "Minimum similarity in [0,1] (default from SIMILARITY_THRESHOLD)")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "Print the full response as JSON")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "Number of records")
	historyCmd.Flags().BoolVar(&historyClear, "clear", false, "Delete the query history instead of listing it")
	summaryCmd.Flags().BoolVar(&summaryJSON, "json", false, "Print the summary as JSON")

	rootCmd.AddCommand(queryCmd, historyCmd, summaryCmd, statsCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	d, err := requireDeps()
	if err != nil {
		return err
	}
	req := rag.Request{Query: strings.Join(args, " "), TopK: queryTopK}
	if cmd.Flags().Changed("threshold") {
		req.Threshold = &queryThreshold
	}
	resp, err := d.Service.Query(cmd.Context(), req)
	if err != nil {
		return err
	}
	if queryJSON {
		return printJSON(cmd, resp)
	}

	cmd.Println(resp.Text)
	if resp.Reason != "" {
		cmd.Printf("\n(could not answer: %s)\n", resp.Reason)
	}
	if len(resp.Citations) > 0 {
		cmd.Println("\nSources:")
		for i, c := range resp.Citations {
			cmd.Printf("  [%d] %s #%d  score=%.3f\n", i+1, c.Filename, c.Ordinal, c.Score)
		}
	}
	return nil
}

func runHistory(cmd *cobra.Command, _ []string) error {
	d, err := requireDeps()
	if err != nil {
		return err
	}
	if historyClear {
		n, err := d.Service.ClearHistory(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to clear history: %w", err)
		}
		cmd.Printf("Cleared %d queries.\n", n)
		return nil
	}
	recs, err := d.Service.History(cmd.Context(), historyLimit)
	if err != nil {
		return fmt.Errorf("failed to load history: %w", err)
	}
	if len(recs) == 0 {
		cmd.Println("No queries yet.")
		return nil
	}
	for _, r := range recs {
		cmd.Printf("%s  %s  (%d citations)\n", r.CreatedAt.Format("2006-01-02 15:04:05"), r.Query, len(r.Citations))
	}
	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	id, err := parseID(args[0])
	if err != nil {
		return err
	}
	d, err := requireDeps()
	if err != nil {
		return err
	}
	sum, err := d.Service.Summarize(cmd.Context(), id)
	if err != nil {
		return err
	}
	if summaryJSON {
		return printJSON(cmd, sum)
	}

	cmd.Printf("%s (%d fragments)\n\n", sum.Filename, sum.Fragments)
	cmd.Println(sum.Text)
	if len(sum.KeyPoints) > 0 {
		cmd.Println("\nKey points:")
		for _, p := range sum.KeyPoints {
			cmd.Printf("  - %s\n", p)
		}
	}
	if sum.Truncated {
		cmd.Println("\n(document truncated to fit the summary budget)")
	}
	return nil
}

func runStats(cmd *cobra.Command, _ []string) error {
	d, err := requireDeps()
	if err != nil {
		return err
	}
	stats, err := d.Service.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load stats: %w", err)
	}
	return printJSON(cmd, stats)
}
