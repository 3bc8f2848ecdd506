// Command esimflow runs the eSIM profile and device migration service and
// its administrative subcommands.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "esimflow",
		Short:         "eSIM profile lifecycle and device migration service",
		Long:          "Runs the esimflow API server and administrative utilities (tenants, tokens, artifact purge).",
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	root.AddCommand(
		serveCommand(),
		tenantCommand(),
		tokenCommand(),
		artifactsCommand(),
	)
	return root
}
