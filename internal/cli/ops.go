package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/dispatcher"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/server"
)

const timeLayout = "2006-01-02 15:04:05"

func newSnapshotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "snapshot",
		Short: "Commit a metrics snapshot for every known queue now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			snaps, err := app.Snapshotter().Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no new snapshots; the current period is already committed")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "QUEUE\tPERIOD\tPROCESSED\tFAILED\tAVG RUNTIME\tAVG WAIT\tJOBS/MIN")
			for _, s := range snaps {
				fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\t%s\t%.2f\n",
					s.Queue, s.PeriodStart.Format(timeLayout), s.Processed, s.Failed,
					s.AvgRuntime, s.AvgWait, s.Throughput)
			}
			return w.Flush()
		},
	}
}

func newPurgeCmd() *cobra.Command {
	var signalOrphans bool
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Forget stale master, supervisor and worker records",
		Long: `Removes records left behind by processes that died without cleaning
up: their lease has expired and either their PID is gone (same host) or their
heartbeat is older than master.stale_after. With --signal, worker processes on
this host whose supervisor no longer holds its lease are sent SIGTERM first.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			m, err := app.NewMaster()
			if err != nil {
				return err
			}
			if signalOrphans {
				names := m.Supervisors()
				if err := terminateOrphans(cmd.Context(), app, names); err != nil {
					return err
				}
			}
			reclaimed, err := m.Reclaim(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range reclaimed {
				fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %s\n", name)
			}
			if len(reclaimed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to purge")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&signalOrphans, "signal", false, "send SIGTERM to orphaned worker processes on this host")
	return cmd
}

func terminateOrphans(ctx context.Context, app *server.App, configured []string) error {
	recs, err := app.Store().Supervisors(ctx)
	if err != nil {
		return err
	}
	names := append([]string(nil), configured...)
	for _, rec := range recs {
		names = append(names, rec.Name)
	}
	host := horizon.Hostname()
	seen := map[string]struct{}{}
	for _, name := range names {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		holder, err := app.Store().LeaseHolder(ctx, horizon.SupervisorLease(name))
		if err != nil {
			return err
		}
		if holder != "" {
			continue
		}
		workers, err := app.Store().Workers(ctx, name)
		if err != nil {
			return err
		}
		for _, w := range workers {
			if w.Host != host || w.PID <= 0 || w.PID == os.Getpid() {
				continue
			}
			p, err := os.FindProcess(w.PID)
			if err != nil {
				continue
			}
			if err := p.Signal(syscall.SIGTERM); err != nil {
				if !errors.Is(err, os.ErrProcessDone) {
					app.Logger().Warn("signal orphan failed", zap.String("worker", w.ID), zap.Int("pid", w.PID), zap.Error(err))
				}
				continue
			}
			app.Logger().Info("terminated orphaned worker", zap.String("worker", w.ID), zap.Int("pid", w.PID))
		}
	}
	return nil
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List running masters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			masters, err := app.Store().Masters(cmd.Context())
			if err != nil {
				return err
			}
			if len(masters) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no masters are running")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tHOST\tPID\tSTATUS\tSUPERVISORS\tUPDATED")
			for _, m := range masters {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\t%s\n",
					m.Name, m.Host, m.PID, m.Status, len(m.Supervisors), m.UpdatedAt.Format(timeLayout))
			}
			return w.Flush()
		},
	}
}

func newPushCmd() *cobra.Command {
	var (
		delay time.Duration
		tries int
	)
	cmd := &cobra.Command{
		Use:   "push <queue> <type> [payload]",
		Short: "Enqueue a job",
		Long: `Enqueues one job of a registered type. The payload, when given, must be
JSON. Built-in types: noop, sleep ({"duration":"2s"}), fail and log.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			req := dispatcher.Request{Queue: args[0], Type: args[1], Delay: delay, MaxTries: tries}
			if len(args) == 3 {
				payload := strings.TrimSpace(args[2])
				if !json.Valid([]byte(payload)) {
					return fmt.Errorf("payload is not valid JSON")
				}
				req.Payload = json.RawMessage(payload)
			}
			id, err := app.Dispatcher().Dispatch(cmd.Context(), req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), id)
			return nil
		},
	}
	cmd.Flags().DurationVar(&delay, "delay", 0, "make the job available after this delay")
	cmd.Flags().IntVar(&tries, "tries", 0, "attempt limit (0 uses the supervisor default)")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print the horizon version",
		Args:        cobra.NoArgs,
		Annotations: map[string]string{skipApp: "true"},
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), server.Version)
		},
	}
}
