package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/process"
	"github.com/JakeFAU/horizon/internal/runner"
	"github.com/JakeFAU/horizon/internal/server"
)

func newWorkCmd() *cobra.Command {
	var background bool
	cmd := &cobra.Command{
		Use:   "work",
		Short: "Run the master supervisor for this host",
		Long: `Starts the master for this host. It reclaims stale records left by
crashed processes, launches one process per configured supervisor, restarts
them when they fail and runs the snapshotter and API when enabled. SIGINT or
SIGTERM terminates every supervisor gracefully before exiting.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if background {
				return detach(cmd, app)
			}
			return app.RunMaster(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&background, "background", false, "detach and run the master in the background")
	return cmd
}

func detach(cmd *cobra.Command, app *server.App) error {
	name := app.Config().Master.Name
	holder, err := app.Store().LeaseHolder(cmd.Context(), horizon.MasterLease(name))
	if err != nil {
		return err
	}
	if holder != "" {
		return fmt.Errorf("master %s: %w", name, horizon.ErrLeaseConflict)
	}
	bin, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", os.DevNull, err)
	}
	defer devNull.Close()

	var args []string
	for _, a := range os.Args[1:] {
		if a == "--background" || strings.HasPrefix(a, "--background=") {
			continue
		}
		args = append(args, a)
	}
	p, err := process.Executor{Stdout: devNull, Stderr: devNull}.Start(process.Command{
		ID:   name,
		Path: bin,
		Args: args,
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "master %s started in the background (pid %d)\n", name, p.PID())
	return nil
}

func newSupervisorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "supervisor",
		Short: "Run or inspect a single supervisor",
	}

	var rawOpts string
	runCmd := &cobra.Command{
		Use:   "run <name>",
		Short: "Run one supervisor in the foreground",
		Long: `Runs the control loop for one supervisor. The master launches this
command with --options; operators can run a configured supervisor by name.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			opts, err := supervisorOptions(app, args[0], rawOpts)
			if err != nil {
				return err
			}
			return app.RunSupervisor(cmd.Context(), opts)
		},
	}
	runCmd.Flags().StringVar(&rawOpts, "options", "", "supervisor options as JSON")

	showCmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print a supervisor's status record as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			rec, err := app.Store().Supervisor(cmd.Context(), args[0])
			if errors.Is(err, horizon.ErrNotFound) {
				return fmt.Errorf("%w: %s", horizon.ErrUnknownTarget, args[0])
			}
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rec)
		},
	}

	cmd.AddCommand(runCmd, showCmd)
	return cmd
}

// supervisorOptions decodes raw when given, otherwise looks name up in the
// configuration. The result always carries a master-scoped name.
func supervisorOptions(app *server.App, name, raw string) (horizon.SupervisorOptions, error) {
	masterName := app.Config().Master.Name
	var opts horizon.SupervisorOptions
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return opts, fmt.Errorf("decode supervisor options: %w", err)
		}
		if opts.Name == "" {
			opts.Name = name
		}
	} else {
		configured, err := app.Config().SupervisorOptions()
		if err != nil {
			return opts, err
		}
		found := false
		for _, o := range configured {
			if o.Name == name || horizon.SupervisorName(masterName, o.Name) == name {
				opts, found = o, true
				break
			}
		}
		if !found {
			return opts, fmt.Errorf("%w: %s", horizon.ErrUnknownTarget, name)
		}
	}
	if horizon.MasterOf(opts.Name) == "" {
		opts.Name = horizon.SupervisorName(masterName, opts.Name)
	}
	if opts.Master == "" {
		opts.Master = horizon.MasterOf(opts.Name)
	}
	return opts, nil
}

func newSupervisorsCmd() *cobra.Command {
	var masterName string
	cmd := &cobra.Command{
		Use:   "supervisors",
		Short: "List running supervisors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			recs, err := app.Store().Supervisors(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTATUS\tPROCESSES\tQUEUES\tBALANCE\tUPDATED")
			for _, rec := range recs {
				if masterName != "" && rec.Master != masterName {
					continue
				}
				status := string(rec.Status)
				if rec.Degraded {
					status += " (degraded)"
				}
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
					rec.Name, status, rec.Processes(),
					strings.Join(rec.Options.Queues, ","), rec.Options.Balance,
					rec.UpdatedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&masterName, "master", "", "only list supervisors of this master")
	return cmd
}

func newWorkerCmd() *cobra.Command {
	var (
		id         string
		supervisor string
		connection string
		queues     string
		rawOpts    string
	)
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Run one queue worker (spawned by a supervisor)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			var opts horizon.SupervisorOptions
			if rawOpts != "" {
				if err := json.Unmarshal([]byte(rawOpts), &opts); err != nil {
					return fmt.Errorf("decode worker options: %w", err)
				}
			}
			if supervisor != "" {
				opts.Name = supervisor
			}
			if connection != "" {
				opts.Connection = connection
			}
			cfg := runner.ConfigFromOptions(id, strings.Split(queues, ","), opts)
			app.Logger().Debug("worker starting",
				zap.String("worker", id), zap.String("supervisor", opts.Name), zap.Strings("queues", cfg.Queues))
			return app.RunWorker(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "worker id")
	cmd.Flags().StringVar(&supervisor, "supervisor", "", "owning supervisor name")
	cmd.Flags().StringVar(&connection, "connection", "", "queue connection name")
	cmd.Flags().StringVar(&queues, "queues", "default", "comma-separated queues in priority order")
	cmd.Flags().StringVar(&rawOpts, "options", "", "supervisor options as JSON")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}
