// Package cmd contains the jobcast command line.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.yaml"

// NewRoot builds the jobcast command tree.
func NewRoot() *cobra.Command {
	root := &cobra.Command{
		Use:           "jobcast",
		Short:         "Background job queues with a live event stream",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config (json or yaml)")

	root.AddCommand(
		newServeCommand(),
		newStatsCommand(),
		newCleanupCommand(),
		newEnqueueCommand(),
		newValidateCommand(),
	)
	return root
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

// Execute runs the command tree and exits non-zero on error.
func Execute() {
	if err := NewRoot().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
