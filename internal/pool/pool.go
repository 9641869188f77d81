// Package pool owns the runner processes serving one queue set of a supervisor.
package pool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/events"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/metrics"
	"github.com/JakeFAU/horizon/internal/process"
	"github.com/JakeFAU/horizon/internal/runner"
)

// Kill reasons reported in events and metrics.
const (
	ReasonTimeout   = "timeout"
	ReasonHeartbeat = "heartbeat"
	ReasonMemory    = "memory"
	ReasonTerminate = "terminate"
	ReasonLeaseLost = "lease_lost"
)

const (
	defaultMaxSpawnFailures = 5
	defaultBackoffBase      = time.Second
	defaultBackoffCap       = time.Minute
)

// Config describes one pool.
type Config struct {
	Connection string
	Queues     []string
	Options    horizon.SupervisorOptions
	// MaxSpawnFailures consecutive failures mark the pool degraded.
	MaxSpawnFailures int
	BackoffBase      time.Duration
	BackoffCap       time.Duration
}

type handle struct {
	proc     process.Process
	stopping bool
	// deadline is set for terminate drains; zero means wait indefinitely.
	deadline time.Time
	killed   string
}

// Pool is driven exclusively by its supervisor's loop and is not safe for concurrent use.
type Pool struct {
	cfg     Config
	spawner runner.Spawner
	probe   process.Probe
	clock   horizon.Clock
	ids     horizon.IDGenerator
	events  events.Emitter
	logger  *zap.Logger

	handles       []*handle
	target        int
	paused        bool
	spawnFailures int
	nextSpawnAt   time.Time
	degraded      bool
}

// New constructs an empty pool.
func New(
	cfg Config,
	spawner runner.Spawner,
	probe process.Probe,
	clock horizon.Clock,
	ids horizon.IDGenerator,
	emitter events.Emitter,
	logger *zap.Logger,
) *Pool {
	if cfg.MaxSpawnFailures <= 0 {
		cfg.MaxSpawnFailures = defaultMaxSpawnFailures
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = defaultBackoffCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		cfg:     cfg,
		spawner: spawner,
		probe:   probe,
		clock:   clock,
		ids:     ids,
		events:  events.OrDiscard(emitter),
		logger:  logger.With(zap.String("pool", strings.Join(cfg.Queues, ","))),
	}
}

// Queues returns the queues this pool serves, in priority order.
func (p *Pool) Queues() []string { return p.cfg.Queues }

// Target is the last target passed to Reconcile.
func (p *Pool) Target() int { return p.target }

// Degraded reports whether spawning has failed MaxSpawnFailures times in a row.
func (p *Pool) Degraded() bool { return p.degraded }

// Active counts processes that are not draining.
func (p *Pool) Active() int {
	n := 0
	for _, h := range p.handles {
		if !h.stopping {
			n++
		}
	}
	return n
}

// Len counts every live process including draining ones.
func (p *Pool) Len() int { return len(p.handles) }

// SetOptions replaces the options passed to newly spawned runners.
func (p *Pool) SetOptions(opts horizon.SupervisorOptions) { p.cfg.Options = opts }

// Reap drops exited processes and returns their IDs.
func (p *Pool) Reap() []string {
	var exited []string
	kept := p.handles[:0]
	for _, h := range p.handles {
		select {
		case <-h.proc.Done():
			exited = append(exited, h.proc.ID())
			reason := h.killed
			if reason == "" {
				reason = exitReason(h.proc.Err())
			}
			p.logger.Info("worker exited", zap.String("worker", h.proc.ID()), zap.String("reason", reason))
			p.events.Emit(events.Event{
				Kind:       events.WorkerExited,
				TS:         p.clock.Now(),
				Supervisor: p.cfg.Options.Name,
				Worker:     h.proc.ID(),
				Reason:     reason,
			})
		default:
			kept = append(kept, h)
		}
	}
	for i := len(kept); i < len(p.handles); i++ {
		p.handles[i] = nil
	}
	p.handles = kept
	return exited
}

func exitReason(err error) string {
	if err == nil {
		return "exit"
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		return fmt.Sprintf("exit %d", exitErr.ExitCode())
	}
	return err.Error()
}

// Enforce kills runners that broke a limit: job wall clock beyond timeout,
// heartbeat older than the heartbeat timeout, or RSS above the memory limit.
// A zero timeout disables the wall-clock check.
func (p *Pool) Enforce(ctx context.Context, records map[string]horizon.WorkerRecord, timeout time.Duration) {
	now := p.clock.Now()
	opts := p.cfg.Options
	for _, h := range p.handles {
		if h.killed != "" {
			continue
		}
		rec, ok := records[h.proc.ID()]
		if reason := p.violation(ctx, now, h, rec, ok, timeout, opts); reason != "" {
			p.kill(h, reason)
		}
	}
}

func (p *Pool) violation(
	ctx context.Context,
	now time.Time,
	h *handle,
	rec horizon.WorkerRecord,
	hasRecord bool,
	timeout time.Duration,
	opts horizon.SupervisorOptions,
) string {
	if hasRecord && timeout > 0 && rec.Status == horizon.WorkerWorking && rec.JobStartedAt != nil &&
		now.Sub(*rec.JobStartedAt) > timeout {
		return ReasonTimeout
	}
	if opts.HeartbeatTimeout > 0 {
		last := h.proc.StartedAt()
		if hasRecord && rec.HeartbeatAt.After(last) {
			last = rec.HeartbeatAt
		}
		if now.Sub(last) > opts.HeartbeatTimeout {
			return ReasonHeartbeat
		}
	}
	if opts.MemoryMB > 0 && h.proc.PID() > 0 && p.probe != nil {
		rss, err := p.probe.RSS(ctx, h.proc.PID())
		if err == nil && rss > uint64(opts.MemoryMB)*1024*1024 {
			return ReasonMemory
		}
	}
	return ""
}

// Sweep kills runners whose current job has run longer than timeout, which
// defaults to the configured per-job timeout when zero. It returns the number killed.
func (p *Pool) Sweep(records map[string]horizon.WorkerRecord, timeout time.Duration) int {
	if timeout <= 0 {
		timeout = p.cfg.Options.Timeout
	}
	if timeout <= 0 {
		return 0
	}
	now := p.clock.Now()
	killed := 0
	for _, h := range p.handles {
		rec, ok := records[h.proc.ID()]
		if !ok || h.killed != "" || rec.JobStartedAt == nil || rec.Status != horizon.WorkerWorking {
			continue
		}
		if now.Sub(*rec.JobStartedAt) > timeout {
			p.kill(h, ReasonTimeout)
			killed++
		}
	}
	return killed
}

func (p *Pool) kill(h *handle, reason string) {
	if err := h.proc.Signal(process.Kill); err != nil && !errors.Is(err, process.ErrExited) {
		p.logger.Warn("kill failed", zap.String("worker", h.proc.ID()), zap.Error(err))
		return
	}
	h.killed = reason
	h.stopping = true
	metrics.ObserveWorkerKilled(reason)
	p.logger.Warn("worker killed", zap.String("worker", h.proc.ID()), zap.String("reason", reason))
	p.events.Emit(events.Event{
		Kind:       events.WorkerKilled,
		TS:         p.clock.Now(),
		Supervisor: p.cfg.Options.Name,
		Worker:     h.proc.ID(),
		Reason:     reason,
	})
}

// Reconcile moves the pool toward target. It is a no-op while paused.
func (p *Pool) Reconcile(ctx context.Context, target int, records map[string]horizon.WorkerRecord) {
	p.target = target
	if p.paused {
		return
	}
	active := p.Active()
	switch {
	case active < target:
		p.scaleUp(ctx, target-active)
	case active > target:
		p.scaleDown(active-target, records)
	}
}

func (p *Pool) scaleUp(ctx context.Context, n int) {
	now := p.clock.Now()
	if now.Before(p.nextSpawnAt) {
		return
	}
	for range n {
		if err := p.spawn(ctx); err != nil {
			p.spawnFailures++
			p.nextSpawnAt = now.Add(p.backoff())
			metrics.ObserveSpawnFailure(p.cfg.Options.Name)
			p.logger.Warn("spawn failed",
				zap.Error(err),
				zap.Int("consecutive_failures", p.spawnFailures),
				zap.Time("retry_at", p.nextSpawnAt),
			)
			if p.spawnFailures >= p.cfg.MaxSpawnFailures && !p.degraded {
				p.degraded = true
				p.events.Emit(events.Event{
					Kind:       events.PoolDegraded,
					TS:         now,
					Supervisor: p.cfg.Options.Name,
					Queue:      strings.Join(p.cfg.Queues, ","),
					Reason:     err.Error(),
				})
			}
			return
		}
		p.spawnFailures = 0
		p.nextSpawnAt = time.Time{}
		if p.degraded {
			p.degraded = false
			p.events.Emit(events.Event{
				Kind:       events.PoolRecovered,
				TS:         now,
				Supervisor: p.cfg.Options.Name,
				Queue:      strings.Join(p.cfg.Queues, ","),
			})
		}
	}
}

func (p *Pool) backoff() time.Duration {
	d := p.cfg.BackoffBase
	for i := 1; i < p.spawnFailures && d < p.cfg.BackoffCap; i++ {
		d *= 2
	}
	return min(d, p.cfg.BackoffCap)
}

func (p *Pool) spawn(ctx context.Context) error {
	id, err := p.ids.NewID()
	if err != nil {
		return fmt.Errorf("worker id: %w", err)
	}
	proc, err := p.spawner.Spawn(ctx, runner.Spec{
		ID:         id,
		Connection: p.cfg.Connection,
		Queues:     p.cfg.Queues,
		Options:    p.cfg.Options,
	})
	if err != nil {
		return fmt.Errorf("spawn worker %s: %w", id, err)
	}
	p.handles = append(p.handles, &handle{proc: proc})
	p.logger.Info("worker spawned", zap.String("worker", id), zap.Int("pid", proc.PID()))
	p.events.Emit(events.Event{
		Kind:       events.WorkerSpawned,
		TS:         p.clock.Now(),
		Supervisor: p.cfg.Options.Name,
		Worker:     id,
		Queue:      strings.Join(p.cfg.Queues, ","),
	})
	return nil
}

// scaleDown gracefully stops n runners, idle ones first. Working runners
// finish their current job before exiting.
func (p *Pool) scaleDown(n int, records map[string]horizon.WorkerRecord) {
	for _, wantIdle := range []bool{true, false} {
		for i := len(p.handles) - 1; i >= 0 && n > 0; i-- {
			h := p.handles[i]
			if h.stopping {
				continue
			}
			rec, ok := records[h.proc.ID()]
			idle := !ok || rec.Status != horizon.WorkerWorking
			if idle != wantIdle {
				continue
			}
			p.stop(h, time.Time{})
			n--
		}
	}
}

func (p *Pool) stop(h *handle, deadline time.Time) {
	if err := h.proc.Signal(process.Stop); err != nil && !errors.Is(err, process.ErrExited) {
		p.logger.Warn("stop failed", zap.String("worker", h.proc.ID()), zap.Error(err))
	}
	h.stopping = true
	if !deadline.IsZero() {
		h.deadline = deadline
	}
}

// Pause asks every runner to stop taking jobs after its current one.
func (p *Pool) Pause() {
	p.paused = true
	p.broadcast(process.Pause)
}

// Continue resumes every runner.
func (p *Pool) Continue() {
	p.paused = false
	p.broadcast(process.Continue)
}

func (p *Pool) broadcast(sig process.Signal) {
	for _, h := range p.handles {
		if h.stopping {
			continue
		}
		if err := h.proc.Signal(sig); err != nil && !errors.Is(err, process.ErrExited) {
			p.logger.Warn("signal failed", zap.String("worker", h.proc.ID()), zap.Stringer("signal", sig), zap.Error(err))
		}
	}
}

// Terminate asks every runner to stop and sets a kill deadline.
func (p *Pool) Terminate(deadline time.Time) {
	p.paused = true
	for _, h := range p.handles {
		if h.killed != "" {
			continue
		}
		if h.stopping {
			h.deadline = deadline
			continue
		}
		p.stop(h, deadline)
	}
}

// KillOverdue kills draining runners whose terminate deadline has passed.
func (p *Pool) KillOverdue() int {
	now := p.clock.Now()
	killed := 0
	for _, h := range p.handles {
		if h.killed != "" || h.deadline.IsZero() || now.Before(h.deadline) {
			continue
		}
		p.kill(h, ReasonTerminate)
		killed++
	}
	return killed
}

// KillAll kills every runner immediately.
func (p *Pool) KillAll(reason string) {
	for _, h := range p.handles {
		if h.killed == "" {
			p.kill(h, reason)
		}
	}
}

// Wait blocks until every process has exited or ctx is done.
func (p *Pool) Wait(ctx context.Context) error {
	for _, h := range p.handles {
		select {
		case <-h.proc.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Status summarizes the pool for the supervisor record.
func (p *Pool) Status(records map[string]horizon.WorkerRecord) horizon.PoolStatus {
	st := horizon.PoolStatus{
		Queues:    p.cfg.Queues,
		Target:    p.target,
		Processes: len(p.handles),
		Degraded:  p.degraded,
	}
	for _, h := range p.handles {
		if h.stopping {
			st.Terminating++
			continue
		}
		switch records[h.proc.ID()].Status {
		case horizon.WorkerWorking:
			st.Working++
		case horizon.WorkerIdle:
			st.Idle++
		}
	}
	return st
}
