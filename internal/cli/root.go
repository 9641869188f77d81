// Package cli defines the horizon command tree.
package cli

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/config"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/logging"
	"github.com/JakeFAU/horizon/internal/server"
)

// Exit codes.
const (
	ExitOK             = 0
	ExitError          = 1
	ExitUnknownTarget  = 2
	ExitLeaseConflict  = 3
	ExitBackendOffline = 4
)

// skipApp marks commands that run without configuration or Redis.
const skipApp = "horizon/skip-app"

type appKeyType struct{}

var appKey appKeyType

// appHolder carries the built application out of PersistentPreRunE so it
// can be closed whether or not the command succeeded.
type appHolder struct {
	app *server.App
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	cmd := &cobra.Command{
		Use:           "horizon",
		Short:         "Supervises and autoscales queue worker processes.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Long: `horizon runs pools of worker processes that consume jobs from Redis
queues, balances them across queues under load and snapshots throughput
metrics. A master per host supervises one process per configured supervisor.`,

		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipApp] != "" {
				return nil
			}
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development,
				logging.WithLevel(cfg.Logging.Level), logging.WithStderr())
			if err != nil {
				return fmt.Errorf("logger init failed: %w", err)
			}
			zap.ReplaceGlobals(logger)

			var opts []server.Option
			if cfgFile != "" {
				opts = append(opts, server.WithChildArgs("--config", cfgFile))
			}
			app, err := server.Build(cmd.Context(), &cfg, logger, opts...)
			if err != nil {
				return fmt.Errorf("failed to initialize application services: %w", err)
			}
			if holder, ok := cmd.Context().Value(appKey).(*appHolder); ok {
				holder.app = app
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env HORIZON_* overrides)")

	cmd.AddCommand(
		newWorkCmd(),
		newSupervisorCmd(),
		newSupervisorsCmd(),
		newWorkerCmd(),
		newControlCmd(horizon.ActionPause, "Pause job processing on matching supervisors"),
		newControlCmd(horizon.ActionContinue, "Resume job processing on matching supervisors"),
		newControlCmd(horizon.ActionTerminate, "Gracefully terminate matching supervisors"),
		newTimeoutCmd(),
		newScaleCmd(),
		newSnapshotCmd(),
		newPurgeCmd(),
		newListCmd(),
		newPushCmd(),
		newVersionCmd(),
	)
	return cmd
}

func resolveApp(ctx context.Context) (*server.App, error) {
	holder, ok := ctx.Value(appKey).(*appHolder)
	if !ok || holder.app == nil {
		return nil, errors.New("application not initialized")
	}
	return holder.app, nil
}

func run(ctx context.Context, root *cobra.Command) error {
	holder := &appHolder{}
	err := root.ExecuteContext(context.WithValue(ctx, appKey, holder))
	if holder.app != nil {
		holder.app.Close(context.Background())
	}
	return err
}

// ExitCode maps a command error onto the process exit status.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return ExitOK
	case errors.Is(err, horizon.ErrUnknownTarget):
		return ExitUnknownTarget
	case errors.Is(err, horizon.ErrLeaseConflict):
		return ExitLeaseConflict
	case errors.Is(err, horizon.ErrBackendUnavailable):
		return ExitBackendOffline
	default:
		return ExitError
	}
}

// Execute runs the command tree against os.Args and returns the exit code.
func Execute(ctx context.Context) int {
	err := run(ctx, newRootCmd())
	if err != nil {
		fmt.Fprintln(os.Stderr, "horizon:", err)
	}
	return ExitCode(err)
}
