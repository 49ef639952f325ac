package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"pkt.systems/ssbtransport/internal/version"
)

func newVersionCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the ssbtransport version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := outputFormat(c)
			if err != nil {
				return err
			}
			if format == outputYAML {
				return render(cmd, format, version.Describe())
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.Module(), version.Current())
			return err
		},
	}
}
