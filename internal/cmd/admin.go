package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"jobcast/internal/app"
	"jobcast/internal/config"
	"jobcast/internal/jobs"
	"jobcast/pkg/logx"
)

const commandTimeout = 30 * time.Second

// withRegistry connects, runs fn and disconnects.
func withRegistry(cmd *cobra.Command, fn func(ctx context.Context, reg *jobs.Registry) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	log := logx.NewWriter(cmd.ErrOrStderr(), "warn")
	reg, closer, err := app.OpenRegistry(ctx, configPath(cmd), log)
	if err != nil {
		return err
	}
	defer closer.Close()
	return fn(ctx, reg)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newStatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print job counts per queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg *jobs.Registry) error {
				stats, err := reg.Statistics(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), stats)
			})
		},
	}
}

func newCleanupCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Run one retention pass over every queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withRegistry(cmd, func(ctx context.Context, reg *jobs.Registry) error {
				res, err := reg.Cleanup(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), res)
			})
		},
	}
}

func newEnqueueCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "enqueue <queue> <json|->",
		Short: "Validate and enqueue one job",
		Long: `Enqueue one job. The payload is the job record as JSON, or "-" to read it
from stdin. Queues: ` + fmt.Sprint(jobs.QueueNames()),
		Example: `  jobcast enqueue email-queue '{"type":"SEND_WELCOME_EMAIL","to":"a@b.co","subject":"Hi","template":"welcome"}'`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw := []byte(args[1])
			if args[1] == "-" {
				b, err := io.ReadAll(io.LimitReader(cmd.InOrStdin(), 1<<20))
				if err != nil {
					return err
				}
				raw = b
			}
			return withRegistry(cmd, func(ctx context.Context, reg *jobs.Registry) error {
				h, err := reg.EnqueueJSON(ctx, args[0], raw)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), h)
			})
		},
	}
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if _, err := config.NewConfigManager(configPath(cmd)).Parse(); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "config ok")
			return err
		},
	}
}
