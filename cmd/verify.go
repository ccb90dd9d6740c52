package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/skycam-collector/internal/probe"
)

func newVerifyCmd() *cobra.Command {
	var (
		categories []string
		verbose    bool
		timeout    int
	)
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Checks that every source answers with a non-empty image",
		Long: `Probes each source with a HEAD request followed by a small ranged GET and
prints a per-category tally. Exits non-zero only when fewer than half of the
probed sources are working.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if timeout < 0 {
				return fmt.Errorf("--timeout must be positive, got %d", timeout)
			}
			if timeout > 0 {
				appInstance.SetVerifyTimeout(time.Duration(timeout) * time.Second)
			}
			report, err := appInstance.Verify(cmd.Context(), categories, nil)
			if err != nil {
				return err
			}
			probe.Render(cmd.OutOrStdout(), report, verbose)
			if code := report.ExitCode(); code != 0 {
				return exitError{code: code}
			}
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&categories, "category", nil, "only probe this category (repeatable)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print one line per source and list failures")
	cmd.Flags().IntVar(&timeout, "timeout", 0, "per-request timeout in seconds (default from config)")
	return cmd
}
