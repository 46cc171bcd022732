package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"jobcast/internal/app"
)

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "serve",
		Aliases: []string{"run"},
		Short:   "Run workers, the monitor and the HTTP server",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			grace, _ := cmd.Flags().GetDuration("shutdown-timeout")
			return serve(cmd.Context(), configPath(cmd), grace)
		},
	}
	cmd.Flags().Duration("shutdown-timeout", 30*time.Second, "how long active jobs may take to finish on shutdown")
	return cmd
}

func serve(ctx context.Context, cfgPath string, grace time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	stop := func(reason app.StopReason) error {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
		defer stopCancel()
		return a.Stop(stopCtx, reason)
	}

	if err := a.Start(runCtx); err != nil {
		_ = stop(app.StopFatalError)
		return fmt.Errorf("start: %w", err)
	}

	reason := app.StopAppStop
	select {
	case s := <-sigs:
		reason = app.StopSIGTERM
		if s == os.Interrupt {
			reason = app.StopSIGINT
		}
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	case <-ctx.Done():
	}
	fatal := a.Err()
	if err := stop(reason); err != nil {
		return err
	}
	return fatal
}
