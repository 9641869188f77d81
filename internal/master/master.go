// Package master runs the per-host master supervisor. It owns the host's
// supervisor processes: it reclaims records left behind by dead processes,
// launches one supervisor per configured name, restarts the ones that crash
// and relays master-wide control signals to them.
package master

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/events"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/metrics"
	"github.com/JakeFAU/horizon/internal/process"
)

const (
	defaultTickInterval = 3 * time.Second
	defaultStaleAfter   = time.Minute
	defaultRestartBase  = time.Second
	defaultRestartCap   = time.Minute
	cleanupTimeout      = 5 * time.Second
)

var tracer = otel.Tracer("github.com/JakeFAU/horizon/internal/master")

// Config controls one master.
type Config struct {
	// Name is the host-scoped master identity, usually the host slug.
	Name        string
	Supervisors []horizon.SupervisorOptions
	// Owner is the lease token; it must be unique per running master.
	Owner        string
	TickInterval time.Duration
	// LeaseTTL defaults to five ticks.
	LeaseTTL time.Duration
	// StaleAfter is the heartbeat age past which a record from another host is reclaimed.
	StaleAfter time.Duration
	// TerminateWait bounds a terminate; supervisors still running afterwards are killed.
	// It defaults to the longest supervisor TerminateGrace plus StaleAfter.
	TerminateWait time.Duration
	RestartBase   time.Duration
	RestartCap    time.Duration
	Host          string
	PID           int
}

type child struct {
	opts       horizon.SupervisorOptions
	proc       process.Process
	launchedAt time.Time
	failures   int
	nextStart  time.Time
	retired    bool
}

// Master is single-threaded: only Run (or a caller driving Tick) touches it.
type Master struct {
	cfg      Config
	store    horizon.Store
	launcher Launcher
	probe    process.Probe
	clock    horizon.Clock
	events   events.Emitter
	logger   *zap.Logger
	children []*child

	status    horizon.SupervisorStatus
	startedAt time.Time
	deadline  time.Time
}

// New validates cfg and scopes every supervisor name under the master.
func New(
	cfg Config,
	store horizon.Store,
	launcher Launcher,
	probe process.Probe,
	clock horizon.Clock,
	emitter events.Emitter,
	logger *zap.Logger,
) (*Master, error) {
	if cfg.Name == "" {
		return nil, errors.New("master name is required")
	}
	if cfg.Owner == "" {
		return nil, errors.New("lease owner is required")
	}
	if store == nil || launcher == nil || clock == nil {
		return nil, errors.New("store, launcher and clock are required")
	}
	if probe == nil {
		probe = process.SystemProbe{}
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = defaultTickInterval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * cfg.TickInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = defaultStaleAfter
	}
	if cfg.RestartBase <= 0 {
		cfg.RestartBase = defaultRestartBase
	}
	if cfg.RestartCap < cfg.RestartBase {
		cfg.RestartCap = max(defaultRestartCap, cfg.RestartBase)
	}
	if cfg.Host == "" {
		cfg.Host = horizon.Hostname()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Master{
		cfg:      cfg,
		store:    store,
		launcher: launcher,
		probe:    probe,
		clock:    clock,
		events:   events.OrDiscard(emitter),
		logger:   logger.Named("master").With(zap.String("master", cfg.Name)),
		status:   horizon.StatusRunning,
	}
	seen := make(map[string]struct{}, len(cfg.Supervisors))
	var longestGrace time.Duration
	for _, opts := range cfg.Supervisors {
		if opts.Name == "" {
			return nil, errors.New("supervisor name is required")
		}
		if horizon.MasterOf(opts.Name) != cfg.Name {
			opts.Name = horizon.SupervisorName(cfg.Name, opts.Name)
		}
		opts.Master = cfg.Name
		if _, dup := seen[opts.Name]; dup {
			return nil, fmt.Errorf("duplicate supervisor %s", opts.Name)
		}
		seen[opts.Name] = struct{}{}
		longestGrace = max(longestGrace, opts.TerminateGrace)
		m.children = append(m.children, &child{opts: opts})
	}
	if m.cfg.TerminateWait <= 0 {
		m.cfg.TerminateWait = longestGrace + cfg.StaleAfter
	}
	return m, nil
}

// Name returns the master identity.
func (m *Master) Name() string { return m.cfg.Name }

// Supervisors returns the host-scoped names of the supervisors this master owns.
func (m *Master) Supervisors() []string {
	out := make([]string, 0, len(m.children))
	for _, c := range m.children {
		out = append(out, c.opts.Name)
	}
	return out
}

// Options returns the scoped options of the named supervisor.
func (m *Master) Options(name string) (horizon.SupervisorOptions, bool) {
	for _, c := range m.children {
		if c.opts.Name == name {
			return c.opts, true
		}
	}
	return horizon.SupervisorOptions{}, false
}

func (m *Master) lease() string { return horizon.MasterLease(m.cfg.Name) }

// Start acquires the master lease and reclaims stale records. Supervisors
// are launched by the first Tick.
func (m *Master) Start(ctx context.Context) error {
	if err := m.store.AcquireLease(ctx, m.lease(), m.cfg.Owner, m.cfg.LeaseTTL); err != nil {
		if errors.Is(err, horizon.ErrLeaseConflict) {
			m.events.Emit(events.Event{Kind: events.LeaseConflict, TS: m.clock.Now(), Master: m.cfg.Name})
		}
		return fmt.Errorf("acquire master lease %s: %w", m.cfg.Name, err)
	}
	reclaimed, err := m.Reclaim(ctx)
	if err != nil {
		if rerr := m.store.ReleaseLease(ctx, m.lease(), m.cfg.Owner); rerr != nil {
			m.logger.Warn("release lease failed", zap.Error(rerr))
		}
		return err
	}
	m.startedAt = m.clock.Now()
	if err := m.save(ctx); err != nil {
		return err
	}
	m.logger.Info("master started",
		zap.Strings("supervisors", m.Supervisors()),
		zap.Strings("reclaimed", reclaimed),
	)
	m.events.Emit(events.Event{Kind: events.MasterStarted, TS: m.startedAt, Master: m.cfg.Name})
	return nil
}

// Reclaim forgets supervisor, worker and master records whose owner is gone.
// A record is stale when its lease is not held and either its PID is dead
// on this host or its heartbeat is older than StaleAfter.
func (m *Master) Reclaim(ctx context.Context) ([]string, error) {
	var reclaimed []string

	sups, err := m.store.Supervisors(ctx)
	if err != nil {
		return nil, fmt.Errorf("list supervisors: %w", err)
	}
	for _, rec := range sups {
		stale, err := m.stale(ctx, horizon.SupervisorLease(rec.Name), rec.Host, rec.PID, rec.UpdatedAt)
		if err != nil {
			return reclaimed, err
		}
		if !stale {
			continue
		}
		if err := m.store.ForgetWorkers(ctx, rec.Name); err != nil {
			return reclaimed, fmt.Errorf("forget workers of %s: %w", rec.Name, err)
		}
		if err := m.store.ForgetSupervisor(ctx, rec.Name); err != nil {
			return reclaimed, fmt.Errorf("forget supervisor %s: %w", rec.Name, err)
		}
		reclaimed = append(reclaimed, rec.Name)
		m.reclaimed(rec.Master, rec.Name, "supervisor")
	}

	// Worker records can outlive a supervisor record that was never written.
	for _, c := range m.children {
		holder, err := m.store.LeaseHolder(ctx, horizon.SupervisorLease(c.opts.Name))
		if err != nil {
			return reclaimed, fmt.Errorf("read lease of %s: %w", c.opts.Name, err)
		}
		if holder != "" {
			continue
		}
		if err := m.store.ForgetWorkers(ctx, c.opts.Name); err != nil {
			return reclaimed, fmt.Errorf("forget workers of %s: %w", c.opts.Name, err)
		}
	}

	masters, err := m.store.Masters(ctx)
	if err != nil {
		return reclaimed, fmt.Errorf("list masters: %w", err)
	}
	for _, rec := range masters {
		if rec.Name == m.cfg.Name {
			continue
		}
		stale, err := m.stale(ctx, horizon.MasterLease(rec.Name), rec.Host, rec.PID, rec.UpdatedAt)
		if err != nil {
			return reclaimed, err
		}
		if !stale {
			continue
		}
		if err := m.store.ForgetMaster(ctx, rec.Name); err != nil {
			return reclaimed, fmt.Errorf("forget master %s: %w", rec.Name, err)
		}
		reclaimed = append(reclaimed, rec.Name)
		m.reclaimed(rec.Name, "", "master")
	}
	return reclaimed, nil
}

func (m *Master) stale(ctx context.Context, lease, host string, pid int, updated time.Time) (bool, error) {
	holder, err := m.store.LeaseHolder(ctx, lease)
	if err != nil {
		return false, fmt.Errorf("read lease %s: %w", lease, err)
	}
	if holder != "" {
		return false, nil
	}
	if host == m.cfg.Host && pid > 0 && !m.probe.Alive(ctx, pid) {
		return true, nil
	}
	return m.clock.Now().Sub(updated) > m.cfg.StaleAfter, nil
}

func (m *Master) reclaimed(master, supervisor, kind string) {
	m.logger.Info("reclaimed stale record", zap.String("kind", kind),
		zap.String("owner_master", master), zap.String("supervisor", supervisor))
	m.events.Emit(events.Event{
		Kind:       events.StaleReclaimed,
		TS:         m.clock.Now(),
		Master:     master,
		Supervisor: supervisor,
		Reason:     kind,
	})
}

// Run starts the master and ticks until every supervisor has exited after
// a terminate. Cancelling ctx begins the terminate. A clean terminate returns nil.
func (m *Master) Run(ctx context.Context) error {
	if err := m.Start(ctx); err != nil {
		return err
	}
	loopCtx := context.WithoutCancel(ctx)
	ticker := time.NewTicker(m.cfg.TickInterval)
	defer ticker.Stop()
	stopping := ctx.Done()
	for {
		if err := m.Tick(loopCtx); err != nil {
			if errors.Is(err, horizon.ErrTerminated) {
				return nil
			}
			return err
		}
		select {
		case <-stopping:
			stopping = nil
			m.logger.Info("shutdown requested")
			m.beginTerminate(loopCtx)
		case <-ticker.C:
		}
	}
}

// Tick runs one iteration of the master loop. It returns horizon.ErrTerminated
// once a terminate has seen every supervisor exit and horizon.ErrLeaseLost
// when another process took the master name.
func (m *Master) Tick(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "horizon.master.tick",
		trace.WithAttributes(attribute.String("master", m.cfg.Name)))
	defer span.End()

	err := m.tick(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, horizon.ErrTerminated):
		m.finish(ctx)
		return err
	case errors.Is(err, horizon.ErrLeaseLost):
		m.logger.Error("master lease lost, killing supervisors", zap.Error(err))
		m.killAll()
		m.events.Emit(events.Event{Kind: events.LeaseLost, TS: m.clock.Now(), Master: m.cfg.Name})
		return err
	case errors.Is(err, horizon.ErrBackendUnavailable):
		m.logger.Warn("shared storage unavailable, retrying next tick", zap.Error(err))
		return nil
	default:
		m.logger.Error("master tick failed", zap.Error(err))
		return nil
	}
}

func (m *Master) tick(ctx context.Context) error {
	if err := m.store.RenewLease(ctx, m.lease(), m.cfg.Owner, m.cfg.LeaseTTL); err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	signals, err := m.store.TakeSignals(ctx, m.cfg.Name)
	if err != nil {
		return fmt.Errorf("take signals: %w", err)
	}
	for _, sig := range signals {
		m.apply(ctx, sig)
	}

	m.monitor(ctx)

	if m.terminating() {
		if m.running() == 0 {
			return horizon.ErrTerminated
		}
		if !m.clock.Now().Before(m.deadline) {
			m.logger.Warn("terminate wait elapsed, killing supervisors", zap.Int("running", m.running()))
			m.killAll()
		}
	}
	return m.save(ctx)
}

func (m *Master) terminating() bool { return m.status == horizon.StatusTerminating }

func (m *Master) running() int {
	n := 0
	for _, c := range m.children {
		if c.proc != nil {
			n++
		}
	}
	return n
}

// apply handles a master-addressed signal. Everything except terminate is
// relayed unchanged to each supervisor.
func (m *Master) apply(ctx context.Context, sig horizon.Signal) {
	log := m.logger.With(zap.String("action", string(sig.Action)))
	if m.terminating() && sig.Action != horizon.ActionTimeout {
		log.Info("ignoring signal while terminating")
		return
	}
	switch sig.Action {
	case horizon.ActionTerminate:
		m.beginTerminate(ctx)
		return
	case horizon.ActionPause:
		m.status = horizon.StatusPaused
	case horizon.ActionContinue:
		m.status = horizon.StatusRunning
	case horizon.ActionTimeout, horizon.ActionScale:
	default:
		log.Warn("unknown control action")
		return
	}
	for _, c := range m.children {
		m.forward(ctx, c, sig)
	}
	log.Info("signal forwarded", zap.Int("supervisors", len(m.children)))
}

func (m *Master) forward(ctx context.Context, c *child, sig horizon.Signal) {
	sig.Target = c.opts.Name
	if err := m.store.SendSignal(ctx, sig); err != nil {
		m.logger.Warn("forward signal failed",
			zap.String("supervisor", c.opts.Name), zap.String("action", string(sig.Action)), zap.Error(err))
		if sig.Action == horizon.ActionTerminate && c.proc != nil {
			if err := c.proc.Signal(process.Stop); err != nil && !errors.Is(err, process.ErrExited) {
				m.logger.Warn("stop supervisor failed", zap.String("supervisor", c.opts.Name), zap.Error(err))
			}
		}
	}
}

func (m *Master) beginTerminate(ctx context.Context) {
	if m.terminating() {
		return
	}
	m.status = horizon.StatusTerminating
	m.deadline = m.clock.Now().Add(m.cfg.TerminateWait)
	for _, c := range m.children {
		if c.proc != nil {
			m.forward(ctx, c, horizon.Signal{Action: horizon.ActionTerminate, IssuedAt: m.clock.Now()})
		}
	}
	m.logger.Info("terminating", zap.Time("kill_deadline", m.deadline))
}

// monitor reaps exited supervisors and (re)launches the ones that are due.
func (m *Master) monitor(ctx context.Context) {
	now := m.clock.Now()
	for _, c := range m.children {
		if c.proc != nil {
			select {
			case <-c.proc.Done():
				m.exited(c, now)
			default:
				if c.failures > 0 && now.Sub(c.launchedAt) >= m.cfg.RestartCap {
					c.failures = 0
				}
				continue
			}
		}
		if c.retired || m.terminating() || now.Before(c.nextStart) {
			continue
		}
		m.launch(ctx, c, now)
	}
}

func (m *Master) exited(c *child, now time.Time) {
	err := c.proc.Err()
	c.proc = nil
	log := m.logger.With(zap.String("supervisor", c.opts.Name))
	switch {
	case m.terminating():
		log.Info("supervisor exited", zap.Error(err))
	case err == nil:
		c.retired = true
		log.Info("supervisor exited cleanly, not restarting")
	default:
		c.failures++
		c.nextStart = now.Add(m.backoff(c.failures))
		metrics.ObserveSupervisorRestart(c.opts.Name)
		log.Warn("supervisor exited unexpectedly",
			zap.Error(err), zap.Int("failures", c.failures), zap.Time("restart_at", c.nextStart))
		m.events.Emit(events.Event{
			Kind:       events.SupervisorRestarted,
			TS:         now,
			Master:     m.cfg.Name,
			Supervisor: c.opts.Name,
			Reason:     err.Error(),
			Count:      int64(c.failures),
		})
	}
}

func (m *Master) launch(ctx context.Context, c *child, now time.Time) {
	p, err := m.launcher.Launch(ctx, c.opts)
	if err != nil {
		c.failures++
		c.nextStart = now.Add(m.backoff(c.failures))
		m.logger.Error("launch supervisor failed",
			zap.String("supervisor", c.opts.Name), zap.Error(err), zap.Time("retry_at", c.nextStart))
		return
	}
	c.proc = p
	c.launchedAt = now
	m.logger.Info("supervisor launched", zap.String("supervisor", c.opts.Name), zap.Int("pid", p.PID()))
	if m.status == horizon.StatusPaused {
		m.forward(ctx, c, horizon.Signal{Action: horizon.ActionPause, IssuedAt: now})
	}
}

func (m *Master) backoff(failures int) time.Duration {
	d := m.cfg.RestartBase
	for i := 1; i < failures && d < m.cfg.RestartCap; i++ {
		d *= 2
	}
	return min(d, m.cfg.RestartCap)
}

func (m *Master) killAll() {
	for _, c := range m.children {
		if c.proc == nil {
			continue
		}
		if err := c.proc.Signal(process.Kill); err != nil && !errors.Is(err, process.ErrExited) {
			m.logger.Warn("kill supervisor failed", zap.String("supervisor", c.opts.Name), zap.Error(err))
		}
	}
}

// Record assembles the current master record.
func (m *Master) Record() horizon.MasterRecord {
	return horizon.MasterRecord{
		Name:        m.cfg.Name,
		Host:        m.cfg.Host,
		PID:         m.cfg.PID,
		Status:      m.status,
		Supervisors: m.Supervisors(),
		StartedAt:   m.startedAt,
		UpdatedAt:   m.clock.Now(),
	}
}

func (m *Master) save(ctx context.Context) error {
	if err := m.store.SaveMaster(ctx, m.Record()); err != nil {
		return fmt.Errorf("save master record: %w", err)
	}
	return nil
}

func (m *Master) finish(ctx context.Context) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := m.store.ForgetMaster(ctx, m.cfg.Name); err != nil {
		m.logger.Warn("forget master record failed", zap.Error(err))
	}
	if err := m.store.ReleaseLease(ctx, m.lease(), m.cfg.Owner); err != nil {
		m.logger.Warn("release lease failed", zap.Error(err))
	}
	m.logger.Info("master stopped")
	m.events.Emit(events.Event{Kind: events.MasterStopped, TS: m.clock.Now(), Master: m.cfg.Name})
}
