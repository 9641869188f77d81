// Package supervisor runs the fixed-interval control loop that owns one
// supervisor identity: it renews the identity lease, applies control signals,
// sizes worker pools through the balancer and publishes a status record.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/balance"
	"github.com/JakeFAU/horizon/internal/events"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/metrics"
	"github.com/JakeFAU/horizon/internal/pool"
	"github.com/JakeFAU/horizon/internal/process"
	"github.com/JakeFAU/horizon/internal/runner"
)

const (
	defaultTickInterval  = 3 * time.Second
	defaultOutageCeiling = time.Minute
	cleanupTimeout       = 5 * time.Second
	abortWait            = 5 * time.Second
)

var tracer = otel.Tracer("github.com/JakeFAU/horizon/internal/supervisor")

// Config controls the loop around one SupervisorOptions.
type Config struct {
	Options horizon.SupervisorOptions
	// Owner is the lease token; it must be unique per running supervisor.
	Owner        string
	TickInterval time.Duration
	// LeaseTTL defaults to five ticks.
	LeaseTTL time.Duration
	// OutageCeiling is how long shared storage may stay unreachable before the loop gives up.
	OutageCeiling    time.Duration
	MaxSpawnFailures int
	Host             string
	PID              int
}

// Supervisor is single-threaded: only Run (or a caller driving Tick) touches it.
type Supervisor struct {
	cfg      Config
	store    horizon.Store
	queue    horizon.QueueBackend
	clock    horizon.Clock
	events   events.Emitter
	logger   *zap.Logger
	balancer *balance.Balancer
	pools    []*pool.Pool

	ceiling        int
	status         horizon.SupervisorStatus
	startedAt      time.Time
	deadline       time.Time
	outageSince    time.Time
	degradedReason string
}

// New validates cfg and builds the pools for its queues.
func New(
	cfg Config,
	store horizon.Store,
	queue horizon.QueueBackend,
	spawner runner.Spawner,
	probe process.Probe,
	clock horizon.Clock,
	ids horizon.IDGenerator,
	emitter events.Emitter,
	logger *zap.Logger,
) (*Supervisor, error) {
	opts := cfg.Options
	if opts.Name == "" {
		return nil, errors.New("supervisor name is required")
	}
	if len(opts.Queues) == 0 {
		return nil, fmt.Errorf("supervisor %s: at least one queue is required", opts.Name)
	}
	if cfg.Owner == "" {
		return nil, errors.New("lease owner is required")
	}
	if store == nil || queue == nil || spawner == nil || clock == nil || ids == nil {
		return nil, errors.New("store, queue, spawner, clock and id generator are required")
	}
	if opts.Balance == "" {
		opts.Balance = horizon.BalanceOff
	}
	if opts.MaxProcesses < opts.MinProcesses {
		opts.MaxProcesses = opts.MinProcesses
	}
	cfg.Options = opts
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * cfg.TickInterval
	}
	if cfg.OutageCeiling <= 0 {
		cfg.OutageCeiling = defaultOutageCeiling
	}
	if cfg.Host == "" {
		cfg.Host = horizon.Hostname()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	emitter = events.OrDiscard(emitter)
	logger = logger.Named("supervisor").With(zap.String("supervisor", opts.Name))

	s := &Supervisor{
		cfg:     cfg,
		store:   store,
		queue:   queue,
		clock:   clock,
		events:  emitter,
		logger:  logger,
		ceiling: opts.MaxProcesses,
		status:  horizon.StatusRunning,
		balancer: balance.New(balance.Config{
			Strategy: opts.Balance,
			Min:      opts.MinProcesses,
			MaxShift: opts.BalanceMaxShift,
			Cooldown: opts.BalanceCooldown,
		}),
	}
	for _, queues := range poolQueues(opts) {
		s.pools = append(s.pools, pool.New(pool.Config{
			Connection:       opts.Connection,
			Queues:           queues,
			Options:          opts,
			MaxSpawnFailures: cfg.MaxSpawnFailures,
		}, spawner, probe, clock, ids, emitter, logger))
	}
	return s, nil
}

// poolQueues returns one queue set per pool: a pool per queue when
// balancing, a single pool over every queue otherwise.
func poolQueues(opts horizon.SupervisorOptions) [][]string {
	if opts.Balance == horizon.BalanceOff {
		return [][]string{append([]string(nil), opts.Queues...)}
	}
	out := make([][]string, 0, len(opts.Queues))
	for _, q := range opts.Queues {
		out = append(out, []string{q})
	}
	return out
}

// Name returns the host-scoped supervisor name.
func (s *Supervisor) Name() string { return s.cfg.Options.Name }

func (s *Supervisor) lease() string { return horizon.SupervisorLease(s.cfg.Options.Name) }

// Start acquires the identity lease. It fails with horizon.ErrLeaseConflict
// when another process owns the name.
func (s *Supervisor) Start(ctx context.Context) error {
	if err := s.store.AcquireLease(ctx, s.lease(), s.cfg.Owner, s.cfg.LeaseTTL); err != nil {
		if errors.Is(err, horizon.ErrLeaseConflict) {
			s.events.Emit(events.Event{
				Kind:       events.LeaseConflict,
				TS:         s.clock.Now(),
				Master:     s.cfg.Options.Master,
				Supervisor: s.cfg.Options.Name,
			})
		}
		return fmt.Errorf("acquire supervisor lease %s: %w", s.cfg.Options.Name, err)
	}
	s.startedAt = s.clock.Now()
	s.logger.Info("supervisor started",
		zap.Strings("queues", s.cfg.Options.Queues),
		zap.String("balance", string(s.cfg.Options.Balance)),
		zap.Int("min_processes", s.cfg.Options.MinProcesses),
		zap.Int("max_processes", s.ceiling),
	)
	s.events.Emit(events.Event{
		Kind:       events.SupervisorStarted,
		TS:         s.startedAt,
		Master:     s.cfg.Options.Master,
		Supervisor: s.cfg.Options.Name,
	})
	return nil
}

// Run starts the supervisor and ticks until it terminates. Cancelling ctx
// begins a graceful terminate; the loop keeps ticking until the pools drain.
// A clean terminate returns nil.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	loopCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	stopping := ctx.Done()
	for {
		if err := s.Tick(loopCtx); err != nil {
			if errors.Is(err, horizon.ErrTerminated) {
				return nil
			}
			return err
		}
		select {
		case <-stopping:
			stopping = nil
			s.logger.Info("shutdown requested")
			s.beginTerminate()
		case <-ticker.C:
		}
	}
}

// Tick runs one iteration of the control loop. It returns
// horizon.ErrTerminated once a terminate has drained every pool, and a fatal
// error on lease loss or a storage outage longer than the ceiling. Any other
// iteration error is logged and swallowed.
func (s *Supervisor) Tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "horizon.supervisor.tick",
		trace.WithAttributes(attribute.String("supervisor", s.cfg.Options.Name)))
	defer span.End()

	err := s.tick(ctx)
	now := s.clock.Now()
	switch {
	case err == nil:
		if !s.outageSince.IsZero() {
			s.logger.Info("shared storage recovered", zap.Duration("outage", now.Sub(s.outageSince)))
		}
		s.outageSince = time.Time{}
		s.degradedReason = ""
		return nil
	case errors.Is(err, horizon.ErrTerminated):
		s.finish(ctx)
		return err
	case errors.Is(err, horizon.ErrLeaseLost):
		s.abort(ctx, pool.ReasonLeaseLost, err)
		return err
	case errors.Is(err, horizon.ErrBackendUnavailable):
		if s.outageSince.IsZero() {
			s.outageSince = now
		}
		s.degradedReason = err.Error()
		if now.Sub(s.outageSince) > s.cfg.OutageCeiling {
			s.abort(ctx, "storage_outage", err)
			return fmt.Errorf("shared storage unreachable for %s: %w", now.Sub(s.outageSince).Truncate(time.Second), err)
		}
		s.logger.Warn("shared storage unavailable, retrying next tick", zap.Error(err))
		return nil
	default:
		s.logger.Error("supervisor tick failed", zap.Error(err))
		return nil
	}
}

func (s *Supervisor) tick(ctx context.Context) error {
	s.reap(ctx)
	if s.terminating() {
		for _, p := range s.pools {
			p.KillOverdue()
		}
	}

	if err := s.store.RenewLease(ctx, s.lease(), s.cfg.Owner, s.cfg.LeaseTTL); err != nil {
		if !errors.Is(err, horizon.ErrLeaseLost) {
			metrics.ObserveLeaseRenewFailure(s.cfg.Options.Name)
		}
		return fmt.Errorf("renew lease: %w", err)
	}

	records, err := s.workerRecords(ctx)
	if err != nil {
		return err
	}

	signals, err := s.store.TakeSignals(ctx, s.cfg.Options.Name)
	if err != nil {
		return fmt.Errorf("take signals: %w", err)
	}
	for _, sig := range signals {
		s.apply(sig, records)
	}

	for _, p := range s.pools {
		p.Enforce(ctx, records, s.cfg.Options.Timeout)
	}

	if s.terminating() {
		if s.drained() {
			return horizon.ErrTerminated
		}
	} else if err := s.reconcile(ctx, records); err != nil {
		return err
	}
	return s.save(ctx, records)
}

func (s *Supervisor) terminating() bool { return s.status == horizon.StatusTerminating }

func (s *Supervisor) drained() bool {
	for _, p := range s.pools {
		if p.Len() > 0 {
			return false
		}
	}
	return true
}

func (s *Supervisor) reap(ctx context.Context) {
	for _, p := range s.pools {
		for _, id := range p.Reap() {
			if err := s.store.ForgetWorker(ctx, s.cfg.Options.Name, id); err != nil {
				s.logger.Warn("forget worker failed", zap.String("worker", id), zap.Error(err))
			}
		}
	}
}

func (s *Supervisor) workerRecords(ctx context.Context) (map[string]horizon.WorkerRecord, error) {
	list, err := s.store.Workers(ctx, s.cfg.Options.Name)
	if err != nil {
		return nil, fmt.Errorf("load worker records: %w", err)
	}
	out := make(map[string]horizon.WorkerRecord, len(list))
	for _, rec := range list {
		out[rec.ID] = rec
	}
	return out, nil
}

// apply executes one control signal.
func (s *Supervisor) apply(sig horizon.Signal, records map[string]horizon.WorkerRecord) {
	log := s.logger.With(zap.String("action", string(sig.Action)))
	if s.terminating() && sig.Action != horizon.ActionTimeout {
		log.Info("ignoring signal while terminating")
		return
	}
	switch sig.Action {
	case horizon.ActionPause:
		for _, p := range s.pools {
			p.Pause()
		}
		s.status = horizon.StatusPaused
		log.Info("supervisor paused")
	case horizon.ActionContinue:
		for _, p := range s.pools {
			p.Continue()
		}
		s.status = horizon.StatusRunning
		log.Info("supervisor resumed")
	case horizon.ActionTerminate:
		s.beginTerminate()
	case horizon.ActionTimeout:
		killed := 0
		for _, p := range s.pools {
			killed += p.Sweep(records, sig.Timeout)
		}
		log.Info("timeout sweep finished", zap.Duration("override", sig.Timeout), zap.Int("killed", killed))
	case horizon.ActionScale:
		s.ceiling = sig.Processes
		log.Info("process ceiling changed", zap.Int("max_processes", s.ceiling))
	default:
		log.Warn("unknown control action")
	}
}

func (s *Supervisor) beginTerminate() {
	if s.terminating() {
		return
	}
	s.status = horizon.StatusTerminating
	s.deadline = s.clock.Now().Add(s.cfg.Options.TerminateGrace)
	for _, p := range s.pools {
		p.Terminate(s.deadline)
	}
	s.logger.Info("terminating", zap.Time("kill_deadline", s.deadline))
}

func (s *Supervisor) reconcile(ctx context.Context, records map[string]horizon.WorkerRecord) error {
	loads := make([]balance.Load, 0, len(s.pools))
	for _, p := range s.pools {
		l, err := s.load(ctx, p)
		if err != nil {
			return err
		}
		loads = append(loads, l)
	}
	targets := s.balancer.Targets(s.clock.Now(), loads, s.ceiling)
	for i, p := range s.pools {
		p.Reconcile(ctx, targets[i], records)
		metrics.SetPool(s.cfg.Options.Name, poolLabel(p), p.Active(), targets[i])
	}
	return nil
}

func (s *Supervisor) load(ctx context.Context, p *pool.Pool) (balance.Load, error) {
	l := balance.Load{Queues: p.Queues(), Current: p.Active()}
	var runtime time.Duration
	var processed int64
	for _, q := range p.Queues() {
		n, err := s.queue.Pending(ctx, q)
		if err != nil {
			return balance.Load{}, fmt.Errorf("pending %s: %w", q, err)
		}
		metrics.SetQueuePending(q, n)
		l.Pending += n
		st, err := s.store.QueueStats(ctx, q)
		if err != nil {
			return balance.Load{}, fmt.Errorf("queue stats %s: %w", q, err)
		}
		runtime += st.RuntimeTotal
		processed += st.Processed
	}
	if processed > 0 {
		l.AvgRuntime = runtime / time.Duration(processed)
	}
	return l, nil
}

func poolLabel(p *pool.Pool) string { return strings.Join(p.Queues(), ",") }

// Record assembles the current status record.
func (s *Supervisor) Record(records map[string]horizon.WorkerRecord) horizon.SupervisorRecord {
	opts := s.cfg.Options
	opts.MaxProcesses = s.ceiling
	rec := horizon.SupervisorRecord{
		Name:           opts.Name,
		Master:         opts.Master,
		Host:           s.cfg.Host,
		PID:            s.cfg.PID,
		Status:         s.status,
		DegradedReason: s.degradedReason,
		Options:        opts,
		LeaseOwner:     s.cfg.Owner,
		StartedAt:      s.startedAt,
		UpdatedAt:      s.clock.Now(),
	}
	for _, p := range s.pools {
		st := p.Status(records)
		rec.Pools = append(rec.Pools, st)
		if st.Degraded && rec.DegradedReason == "" {
			rec.DegradedReason = "pool " + poolLabel(p) + " below target after repeated spawn failures"
		}
	}
	rec.Degraded = rec.DegradedReason != ""
	return rec
}

func (s *Supervisor) save(ctx context.Context, records map[string]horizon.WorkerRecord) error {
	if err := s.store.SaveSupervisor(ctx, s.Record(records)); err != nil {
		return fmt.Errorf("save supervisor record: %w", err)
	}
	return nil
}

// finish tears down shared state after a clean terminate.
func (s *Supervisor) finish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	name := s.cfg.Options.Name
	if err := s.store.ForgetWorkers(ctx, name); err != nil {
		s.logger.Warn("forget worker records failed", zap.Error(err))
	}
	if err := s.store.ForgetSupervisor(ctx, name); err != nil {
		s.logger.Warn("forget supervisor record failed", zap.Error(err))
	}
	if err := s.store.ReleaseLease(ctx, s.lease(), s.cfg.Owner); err != nil {
		s.logger.Warn("release lease failed", zap.Error(err))
	}
	for _, p := range s.pools {
		metrics.ForgetPool(name, poolLabel(p))
	}
	s.logger.Info("supervisor terminated")
	s.events.Emit(events.Event{
		Kind:       events.SupervisorTerminated,
		TS:         s.clock.Now(),
		Master:     s.cfg.Options.Master,
		Supervisor: name,
	})
}

// abort kills every runner without grace after a fatal error.
func (s *Supervisor) abort(ctx context.Context, reason string, cause error) {
	s.logger.Error("supervisor stopping immediately", zap.String("reason", reason), zap.Error(cause))
	for _, p := range s.pools {
		p.KillAll(reason)
	}
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), abortWait)
	defer cancel()
	for _, p := range s.pools {
		if err := p.Wait(waitCtx); err != nil {
			s.logger.Warn("runners still running after kill", zap.Error(err))
			break
		}
	}
	if errors.Is(cause, horizon.ErrLeaseLost) {
		s.events.Emit(events.Event{
			Kind:       events.LeaseLost,
			TS:         s.clock.Now(),
			Master:     s.cfg.Options.Master,
			Supervisor: s.cfg.Options.Name,
		})
		return
	}
	if err := s.store.ReleaseLease(waitCtx, s.lease(), s.cfg.Owner); err != nil {
		s.logger.Warn("release lease failed", zap.Error(err))
	}
}
