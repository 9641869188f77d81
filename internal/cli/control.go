package cli

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/server"
)

// targetSource lists the live identities a control command may address.
type targetSource interface {
	Masters(ctx context.Context) ([]horizon.MasterRecord, error)
	Supervisors(ctx context.Context) ([]horizon.SupervisorRecord, error)
}

// resolveTargets expands target patterns against live master and supervisor
// records. Every pattern must match at least one name. Without patterns the
// fallback master is addressed, provided it is running.
func resolveTargets(ctx context.Context, src targetSource, patterns []string, fallback string) ([]string, error) {
	masters, err := src.Masters(ctx)
	if err != nil {
		return nil, err
	}
	supervisors, err := src.Supervisors(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(masters)+len(supervisors))
	for _, m := range masters {
		names = append(names, m.Name)
	}
	for _, s := range supervisors {
		names = append(names, s.Name)
	}
	if len(patterns) == 0 {
		patterns = []string{fallback}
	}

	seen := map[string]struct{}{}
	var out []string
	for _, pattern := range patterns {
		matched := false
		for _, name := range names {
			if !horizon.MatchTarget(pattern, name) {
				continue
			}
			matched = true
			if _, ok := seen[name]; !ok {
				seen[name] = struct{}{}
				out = append(out, name)
			}
		}
		if !matched {
			return nil, fmt.Errorf("%w: %s", horizon.ErrUnknownTarget, pattern)
		}
	}
	sort.Strings(out)
	return out, nil
}

// signalTargets resolves patterns and sends sig to every match.
func signalTargets(cmd *cobra.Command, app *server.App, patterns []string, sig horizon.Signal) error {
	ctx := cmd.Context()
	targets, err := resolveTargets(ctx, app.Store(), patterns, app.Config().Master.Name)
	if err != nil {
		return err
	}
	sig.IssuedAt = time.Now().UTC()
	for _, target := range targets {
		sig.Target = target
		if err := sig.Validate(); err != nil {
			return err
		}
		if err := app.Store().SendSignal(ctx, sig); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "sent %s to %s\n", sig.Action, target)
	}
	return nil
}

func newControlCmd(action horizon.Action, short string) *cobra.Command {
	return &cobra.Command{
		Use:   string(action) + " [target|glob...]",
		Short: short,
		Long: fmt.Sprintf(`Sends %s to every master or supervisor matching a target. Targets
are names or globs such as "web-1:*"; without targets the master of this host
is addressed and forwards the signal to its supervisors. An unmatched target
exits with status %d.`, action, ExitUnknownTarget),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return signalTargets(cmd, app, args, horizon.Signal{Action: action})
		},
	}
}

func newTimeoutCmd() *cobra.Command {
	var after time.Duration
	cmd := &cobra.Command{
		Use:   "timeout <target|glob>",
		Short: "Kill workers whose current job has run too long",
		Long: `Asks matching supervisors to sweep immediately, killing every worker
whose current job exceeded the configured timeout, or --after when set.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return signalTargets(cmd, app, args, horizon.Signal{Action: horizon.ActionTimeout, Timeout: after})
		},
	}
	cmd.Flags().DurationVar(&after, "after", 0, "override the per-job timeout for this sweep")
	return cmd
}

func newScaleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scale <target|glob> <processes>",
		Short: "Set the process ceiling of matching supervisors",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := strconv.Atoi(args[1])
			if err != nil || n <= 0 {
				return fmt.Errorf("processes must be a positive integer, got %q", args[1])
			}
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			return signalTargets(cmd, app, args[:1], horizon.Signal{Action: horizon.ActionScale, Processes: n})
		},
	}
}
