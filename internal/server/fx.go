// Package server builds the application's dependencies and runs the
// long-lived roles: master, supervisor and worker.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/api"
	"github.com/JakeFAU/horizon/internal/clock/system"
	"github.com/JakeFAU/horizon/internal/config"
	"github.com/JakeFAU/horizon/internal/dispatcher"
	"github.com/JakeFAU/horizon/internal/events"
	"github.com/JakeFAU/horizon/internal/events/sinks"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/id/uuid"
	"github.com/JakeFAU/horizon/internal/jobs"
	"github.com/JakeFAU/horizon/internal/master"
	"github.com/JakeFAU/horizon/internal/process"
	gcppublisher "github.com/JakeFAU/horizon/internal/publisher/pubsub"
	queueredis "github.com/JakeFAU/horizon/internal/queue/redis"
	"github.com/JakeFAU/horizon/internal/runner"
	"github.com/JakeFAU/horizon/internal/snapshot"
	gcsstorage "github.com/JakeFAU/horizon/internal/storage/gcs"
	pgstore "github.com/JakeFAU/horizon/internal/storage/postgres"
	storeredis "github.com/JakeFAU/horizon/internal/storage/redis"
	"github.com/JakeFAU/horizon/internal/supervisor"
	"github.com/JakeFAU/horizon/internal/telemetry"
)

const (
	shutdownTimeout   = 10 * time.Second
	readHeaderTimeout = 5 * time.Second
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

// App contains the application's dependencies.
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	clock     horizon.Clock
	ids       *uuid.Generator
	childArgs []string

	store      *storeredis.Store
	queue      *queueredis.Backend
	registry   *jobs.Registry
	hub        *events.Hub
	pubsub     *pubsub.Client
	gcs        *storage.Client
	pgArchive  *pgstore.SnapshotArchive
	archives   []snapshot.Archive
	telemetry  *telemetry.Providers
	registerer prometheus.Registerer
	probe      process.Probe
}

// Option customizes Build.
type Option func(*App)

// WithChildArgs sets the arguments placed before the subcommand when the
// binary re-executes itself for supervisors and workers, e.g. --config.
func WithChildArgs(args ...string) Option {
	return func(a *App) { a.childArgs = append([]string(nil), args...) }
}

// WithRegisterer routes the events Prometheus sink and the OpenTelemetry
// metrics bridge to reg instead of the default registry.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(a *App) { a.registerer = reg }
}

// WithClock replaces the system clock.
func WithClock(clock horizon.Clock) Option {
	return func(a *App) { a.clock = clock }
}

// WithProbe replaces the gopsutil-backed process probe.
func WithProbe(probe process.Probe) Option {
	return func(a *App) { a.probe = probe }
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		cfg:        cfg,
		logger:     logger,
		clock:      system.New(),
		ids:        uuid.NewUUIDGenerator(),
		registerer: prometheus.DefaultRegisterer,
		probe:      process.SystemProbe{},
	}
	for _, opt := range opts {
		opt(app)
	}
	app.logger.Info("building application dependencies",
		zap.String("environment", cfg.Environment),
		zap.String("master", cfg.Master.Name),
		zap.Strings("redis", cfg.Redis.Addrs),
	)

	var err error
	app.telemetry, err = telemetry.Init(ctx, telemetry.Config{
		Enabled:        cfg.Tracing.Enabled,
		ServiceName:    cfg.Tracing.ServiceName,
		ServiceVersion: Version,
		ProjectID:      cfg.Tracing.ProjectID,
		SampleRatio:    cfg.Tracing.SampleRatio,
		Registerer:     app.registerer,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry init failed: %w", err)
	}

	if err := setupRedis(app); err != nil {
		app.Close(ctx)
		return nil, err
	}
	app.registry = jobs.Defaults(app.logger.Named("jobs"))

	if err := setupEvents(ctx, app); err != nil {
		app.Close(ctx)
		return nil, err
	}
	if err := setupArchives(ctx, app); err != nil {
		app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func setupRedis(app *App) error {
	client, err := storeredis.NewClient(storeredis.Config{
		Addrs:       app.cfg.Redis.Addrs,
		Password:    app.cfg.Redis.Password,
		DB:          app.cfg.Redis.DB,
		DialTimeout: app.cfg.Redis.DialTimeout,
		PoolSize:    app.cfg.Redis.PoolSize,
	})
	if err != nil {
		return fmt.Errorf("redis client init failed: %w", err)
	}
	app.store, err = storeredis.New(client, app.cfg.Redis.Prefix, app.clock, storeredis.WithOwnedClient())
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("shared storage init failed: %w", err)
	}
	app.queue, err = queueredis.New(client, queueredis.Config{Prefix: app.cfg.Redis.Prefix}, app.clock, app.ids)
	if err != nil {
		return fmt.Errorf("queue backend init failed: %w", err)
	}
	app.logger.Debug("redis initialized", zap.String("prefix", app.cfg.Redis.Prefix))
	return nil
}

func setupEvents(ctx context.Context, app *App) error {
	sinkList := []events.Sink{sinks.NewLogSink(app.logger.Named("events"))}

	promSink, err := sinks.NewPrometheusSink(app.registerer)
	switch {
	case err == nil:
		sinkList = append(sinkList, promSink)
	case errors.As(err, new(prometheus.AlreadyRegisteredError)):
		app.logger.Debug("event collectors already registered")
	default:
		return fmt.Errorf("events prometheus sink init failed: %w", err)
	}

	if app.cfg.PubSub.Topic != "" {
		app.pubsub, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client init failed: %w", err)
		}
		publisher := gcppublisher.New(app.pubsub.Topic(app.cfg.PubSub.Topic))
		sinkList = append(sinkList, sinks.NewPubSubSink(publisher))
		app.logger.Info("Pub/Sub event publisher initialized",
			zap.String("project", app.cfg.PubSub.ProjectID),
			zap.String("topic", app.cfg.PubSub.Topic),
		)
	}

	hubCfg := events.Config{
		BufferSize:     app.cfg.Events.BufferSize,
		MaxBatchEvents: app.cfg.Events.MaxBatchEvents,
		MaxBatchWait:   app.cfg.Events.MaxBatchWait,
		BaseContext:    context.WithoutCancel(ctx),
		Logger:         app.logger.Named("events_hub"),
	}
	app.hub = events.NewHub(hubCfg, sinkList...)
	app.logger.Debug("events hub initialized", zap.Int("sinks", len(sinkList)))
	return nil
}

func setupArchives(ctx context.Context, app *App) error {
	if app.cfg.Postgres.DSN != "" {
		archive, err := pgstore.NewSnapshotArchive(ctx, pgstore.Config{
			DSN:      app.cfg.Postgres.DSN,
			Table:    app.cfg.Postgres.Table,
			MaxConns: app.cfg.Postgres.MaxConns,
		})
		if err != nil {
			return fmt.Errorf("snapshot archive init failed: %w", err)
		}
		app.pgArchive = archive
		app.archives = append(app.archives, archive)
		app.logger.Info("postgres snapshot archive initialized", zap.String("table", app.cfg.Postgres.Table))
	}
	if app.cfg.GCS.Bucket != "" {
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		app.gcs = client
		exporter, err := gcsstorage.New(client, gcsstorage.Config{
			Bucket: app.cfg.GCS.Bucket,
			Prefix: app.cfg.GCS.Prefix,
		})
		if err != nil {
			return fmt.Errorf("gcs snapshot exporter init failed: %w", err)
		}
		app.archives = append(app.archives, exporter)
		app.logger.Info("gcs snapshot exporter initialized", zap.String("bucket", app.cfg.GCS.Bucket))
	}
	return nil
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger { return a.logger }

// Config returns the loaded configuration.
func (a *App) Config() *config.Config { return a.cfg }

// Store returns the Redis-backed shared storage.
func (a *App) Store() *storeredis.Store { return a.store }

// Queue returns the Redis queue backend.
func (a *App) Queue() *queueredis.Backend { return a.queue }

// Emitter returns the lifecycle event hub.
func (a *App) Emitter() events.Emitter { return a.hub }

// Dispatcher returns a dispatcher that refuses job types without a handler.
func (a *App) Dispatcher() *dispatcher.Dispatcher {
	return dispatcher.New(a.queue, a.registry, a.logger.Named("dispatcher"))
}

// Snapshotter builds the metrics snapshotter over every configured queue.
func (a *App) Snapshotter() *snapshot.Snapshotter {
	return snapshot.New(snapshot.Config{
		Interval:  a.cfg.Snapshot.Interval,
		Retention: a.cfg.Snapshot.Retention,
		Queues:    a.cfg.Queues(),
	}, a.store, a.clock, a.hub, a.logger, a.archives...)
}

// Spawner returns the runner spawner: worker subprocesses, or goroutines in
// the local launcher mode.
func (a *App) Spawner() (runner.Spawner, error) {
	if a.cfg.Master.Launcher == config.LauncherLocal {
		return &runner.LocalSpawner{
			Queue:    a.queue,
			Workers:  a.store,
			Metrics:  a.store,
			Registry: a.registry,
			Clock:    a.clock,
			Events:   a.hub,
			Logger:   a.logger,
		}, nil
	}
	return runner.NewExecSpawner(a.childArgs)
}

// NewSupervisor builds a supervisor for opts with a fresh lease token.
func (a *App) NewSupervisor(opts horizon.SupervisorOptions, spawner runner.Spawner) (*supervisor.Supervisor, error) {
	owner, err := a.ids.NewToken()
	if err != nil {
		return nil, err
	}
	return supervisor.New(supervisor.Config{
		Options:      opts,
		Owner:        owner,
		TickInterval: a.cfg.Master.Tick,
		LeaseTTL:     a.cfg.Master.LeaseTTL,
		PID:          os.Getpid(),
	}, a.store, a.queue, spawner, a.probe, a.clock, a.ids, a.hub, a.logger)
}

// NewMaster builds the master for the configured supervisors.
func (a *App) NewMaster() (*master.Master, error) {
	opts, err := a.cfg.SupervisorOptions()
	if err != nil {
		return nil, err
	}
	if len(opts) == 0 {
		return nil, errors.New("no supervisors configured")
	}
	launcher, err := a.launcher()
	if err != nil {
		return nil, err
	}
	owner, err := a.ids.NewToken()
	if err != nil {
		return nil, err
	}
	return master.New(master.Config{
		Name:         a.cfg.Master.Name,
		Supervisors:  opts,
		Owner:        owner,
		TickInterval: a.cfg.Master.Tick,
		LeaseTTL:     a.cfg.Master.LeaseTTL,
		StaleAfter:   a.cfg.Master.StaleAfter,
		RestartBase:  a.cfg.Master.RestartBase,
		RestartCap:   a.cfg.Master.RestartCap,
		PID:          os.Getpid(),
	}, a.store, launcher, a.probe, a.clock, a.hub, a.logger)
}

func (a *App) launcher() (master.Launcher, error) {
	if a.cfg.Master.Launcher != config.LauncherLocal {
		return master.NewExecLauncher(a.childArgs)
	}
	spawner, err := a.Spawner()
	if err != nil {
		return nil, err
	}
	return &master.LocalLauncher{
		Clock: a.clock,
		Build: func(opts horizon.SupervisorOptions) (master.Runnable, error) {
			return a.NewSupervisor(opts, spawner)
		},
	}, nil
}

// RunMaster runs the master plus, when enabled, the snapshotter and the API
// server. It blocks until the master has terminated every supervisor.
func (a *App) RunMaster(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m, err := a.NewMaster()
	if err != nil {
		return err
	}

	sideCtx, cancelSide := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelSide()
	var wg sync.WaitGroup

	if a.cfg.Snapshot.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("snapshotter started", zap.Duration("interval", a.cfg.Snapshot.Interval))
			if err := a.Snapshotter().Run(sideCtx); err != nil && !errors.Is(err, context.Canceled) {
				a.logger.Error("snapshotter stopped", zap.Error(err))
			}
		}()
	}

	var srv *http.Server
	if a.cfg.API.Enabled {
		srv = a.httpServer()
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.logger.Info("http server started", zap.Int("port", a.cfg.API.Port))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.logger.Error("http server error", zap.Error(err))
			}
		}()
	}

	runErr := m.Run(ctx)
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if srv != nil {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			a.logger.Error("server shutdown error", zap.Error(err))
		}
	}
	cancelSide()
	wg.Wait()
	return runErr
}

func (a *App) httpServer() *http.Server {
	var archive api.SnapshotSource
	if a.pgArchive != nil {
		archive = a.pgArchive
	}
	handler := api.NewServer(a.store, a.queue, archive, api.Config{
		APIKey:         a.cfg.API.APIKey,
		RateLimitRPS:   a.cfg.API.RateLimitRPS,
		RateLimitBurst: a.cfg.API.RateLimitBurst,
	}, a.logger)
	return &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.API.Port),
		Handler:           handler.Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// RunSupervisor runs one supervisor until it terminates. SIGINT and SIGTERM
// begin a graceful terminate.
func (a *App) RunSupervisor(ctx context.Context, opts horizon.SupervisorOptions) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	spawner, err := a.Spawner()
	if err != nil {
		return err
	}
	sup, err := a.NewSupervisor(opts, spawner)
	if err != nil {
		return err
	}
	return sup.Run(ctx)
}

// RunWorker runs one runner in this process. SIGUSR2, SIGCONT and SIGTERM
// map to pause, continue and a graceful stop.
func (a *App) RunWorker(ctx context.Context, cfg runner.Config) error {
	if cfg.Host == "" {
		cfg.Host = horizon.Hostname()
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	r := runner.New(a.queue, a.store, a.store, a.registry, a.clock, a.hub, cfg, a.logger)

	var lease string
	if cfg.Supervisor != "" {
		lease = horizon.SupervisorLease(cfg.Supervisor)
	}
	guard, err := runner.NewGuard(ctx, runner.GuardConfig{
		Lease:    lease,
		Interval: cfg.HeartbeatInterval,
		Grace:    cfg.TerminateGrace,
	}, a.store, os.Getppid, a.logger.With(zap.String("worker", cfg.ID)))
	if err != nil {
		return err
	}

	runCtx, kill := context.WithCancel(ctx)
	defer kill()
	go guard.Watch(runCtx, func() { r.Control(process.Stop) }, kill)

	signals := make(chan process.Signal, 4)
	relayCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	stopNotify := process.Notify(relayCtx, signals)
	defer stopNotify()
	go func() {
		for {
			select {
			case <-relayCtx.Done():
				return
			case sig := <-signals:
				r.Control(sig)
			}
		}
	}()
	err = r.Run(runCtx)
	if guard.Tripped() {
		return fmt.Errorf("worker %s: supervisor %s is gone: %w", cfg.ID, cfg.Supervisor, horizon.ErrTerminated)
	}
	return err
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure(ctx)
	a.closeObservability(ctx)
	a.logger.Debug("shutdown complete")
}

func (a *App) closeInfrastructure(ctx context.Context) {
	// Closing the hub closes its sinks, which stops the Pub/Sub publisher.
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("events hub close failed", zap.Error(err))
		}
	}
	if a.pubsub != nil {
		if err := a.pubsub.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcs != nil {
		if err := a.gcs.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.pgArchive != nil {
		a.pgArchive.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("redis close failed", zap.Error(err))
		}
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if err := a.telemetry.Shutdown(ctx); err != nil {
		a.logger.Warn("telemetry shutdown failed", zap.Error(err))
	}
	_ = a.logger.Sync()
}
