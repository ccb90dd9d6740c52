package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/skycam-collector/internal/server"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Prints the build version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipAppAnnotation: "true"},
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", server.ServiceName, server.Version)
			return err
		},
	}
}
