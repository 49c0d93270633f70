package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/memohai/eventgate/internal/version"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			info := version.Get()
			fmt.Fprintf(cmd.OutOrStdout(), "gatewayctl %s %s\n", info.String(), info.GoVersion)
		},
	}
}
