package main

import (
	"encoding/json"
	"errors"

	"github.com/spf13/cobra"

	"docqa/internal/app"
)

// buildDeps is swapped out in tests.
var buildDeps = app.Build

// deps is populated before any subcommand runs.
var deps *app.Deps

var rootCmd = &cobra.Command{
	Use:           "docqactl",
	Short:         "Manage and query the document QA store",
	Long:          `Ingest documents, ask questions against them and inspect or reset the fragment store.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
		if deps != nil {
			return nil
		}
		d, err := buildDeps()
		if err != nil {
			return err
		}
		deps = &d
		return nil
	},
}

func closeDeps() error {
	if deps == nil {
		return nil
	}
	err := deps.Close()
	deps = nil
	return err
}

func requireDeps() (*app.Deps, error) {
	if deps == nil || deps.Service == nil {
		return nil, errors.New("service not configured")
	}
	return deps, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
