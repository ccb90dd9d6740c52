package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the configured categories and sources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			reg := appInstance.Registry()
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, category := range reg.Categories() {
				fmt.Fprintf(w, "%s (%s)\n", reg.Label(category), category)
				for _, src := range reg.SourcesIn(category) {
					fmt.Fprintf(w, "  %s\t%s\t%s\n", src.ID, src.Strategy, src.Locator)
				}
			}
			if rejected := reg.Rejected(); len(rejected) > 0 {
				fmt.Fprintf(w, "\n%d entries rejected:\n", len(rejected))
				for _, err := range rejected {
					fmt.Fprintf(w, "  %v\n", err)
				}
			}
			return w.Flush()
		},
	}
}
