// Package cmd defines and implements the CLI commands for the skycam executable.
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newCollectCmd() *cobra.Command {
	var printJSON bool
	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Runs one collection pass over every category",
		Long: `Walks every category in declaration order, resolves and downloads the
first working source, analyzes it and writes a record. A run summary is
written to <log_dir>/latest_summary.json whatever the outcome.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			summary, err := appInstance.Collect(cmd.Context())
			if err != nil {
				return fmt.Errorf("run collection: %w", err)
			}
			appInstance.Logger().Info("collect command finished",
				zap.String("run_id", summary.RunID),
				zap.Int("succeeded", summary.SuccessCount),
				zap.Int("failed", summary.FailureCount),
				zap.Int("skipped", summary.SkippedCount),
			)
			out := cmd.OutOrStdout()
			if printJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}
			fmt.Fprintf(out, "Run %s: %d succeeded, %d failed, %d skipped of %d sources\n",
				summary.RunID, summary.SuccessCount, summary.FailureCount, summary.SkippedCount, summary.TotalSources)
			if summary.LogPointer != "" {
				fmt.Fprintf(out, "Log: %s\n", summary.LogPointer)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&printJSON, "json", false, "print the run summary as JSON")
	return cmd
}
