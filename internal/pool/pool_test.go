package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/horizon/internal/clock/manual"
	"github.com/JakeFAU/horizon/internal/events"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/id/uuid"
	"github.com/JakeFAU/horizon/internal/process"
	"github.com/JakeFAU/horizon/internal/runner"
)

type fakeProcess struct {
	id      string
	pid     int
	started time.Time
	// drain keeps the process alive after Stop until Exit is called.
	drain bool

	mu      sync.Mutex
	signals []process.Signal
	done    chan struct{}
	err     error
}

func (p *fakeProcess) ID() string            { return p.id }
func (p *fakeProcess) PID() int              { return p.pid }
func (p *fakeProcess) StartedAt() time.Time  { return p.started }
func (p *fakeProcess) Done() <-chan struct{} { return p.done }

func (p *fakeProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *fakeProcess) Signal(sig process.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case <-p.done:
		return process.ErrExited
	default:
	}
	p.signals = append(p.signals, sig)
	switch {
	case sig == process.Kill:
		p.err = errors.New("killed")
		close(p.done)
	case sig == process.Stop && !p.drain:
		close(p.done)
	}
	return nil
}

func (p *fakeProcess) Exit() {
	p.mu.Lock()
	defer p.mu.Unlock()
	close(p.done)
}

func (p *fakeProcess) Signals() []process.Signal {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]process.Signal(nil), p.signals...)
}

type fakeSpawner struct {
	clock *manual.Clock
	fail  error
	drain bool
	pid   int
	procs []*fakeProcess
}

func (s *fakeSpawner) Spawn(_ context.Context, spec runner.Spec) (process.Process, error) {
	if s.fail != nil {
		return nil, s.fail
	}
	p := &fakeProcess{id: spec.ID, pid: s.pid, started: s.clock.Now(), drain: s.drain, done: make(chan struct{})}
	s.procs = append(s.procs, p)
	return p, nil
}

type fakeProbe struct{ rss uint64 }

func (f fakeProbe) Alive(context.Context, int) bool          { return true }
func (f fakeProbe) RSS(context.Context, int) (uint64, error) { return f.rss, nil }

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) Emit(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) kinds() []events.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]events.Kind, 0, len(r.events))
	for _, e := range r.events {
		out = append(out, e.Kind)
	}
	return out
}

func newTestPool(t *testing.T, opts horizon.SupervisorOptions, sp *fakeSpawner, probe process.Probe) (*Pool, *recorder) {
	t.Helper()
	if opts.Name == "" {
		opts.Name = "sup-1"
	}
	rec := &recorder{}
	p := New(Config{Connection: "redis", Queues: []string{"default"}, Options: opts, MaxSpawnFailures: 3},
		sp, probe, sp.clock, uuid.NewSequence("w"), rec, nil)
	return p, rec
}

func TestReconcileScalesUpAndDown(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk}
	p, _ := newTestPool(t, horizon.SupervisorOptions{}, sp, nil)

	p.Reconcile(context.Background(), 3, nil)
	require.Equal(t, 3, p.Active())
	require.Len(t, sp.procs, 3)

	p.Reconcile(context.Background(), 1, nil)
	require.Equal(t, 1, p.Active())
	require.Equal(t, []string{"w-2", "w-3"}, p.Reap())
	require.Equal(t, 1, p.Len())
}

func TestScaleDownStopsIdleFirst(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk, drain: true}
	p, _ := newTestPool(t, horizon.SupervisorOptions{}, sp, nil)
	p.Reconcile(context.Background(), 3, nil)

	started := clk.Now()
	records := map[string]horizon.WorkerRecord{
		"w-1": {ID: "w-1", Status: horizon.WorkerIdle},
		"w-2": {ID: "w-2", Status: horizon.WorkerWorking, JobStartedAt: &started},
		"w-3": {ID: "w-3", Status: horizon.WorkerWorking, JobStartedAt: &started},
	}
	p.Reconcile(context.Background(), 1, records)

	require.Equal(t, []process.Signal{process.Stop}, sp.procs[0].Signals(), "idle runner stops first")
	require.Equal(t, []process.Signal{process.Stop}, sp.procs[2].Signals(), "then the newest working runner")
	require.Empty(t, sp.procs[1].Signals())

	st := p.Status(records)
	require.Equal(t, 3, st.Processes)
	require.Equal(t, 2, st.Terminating)
	require.Equal(t, 1, st.Working)
	require.Equal(t, 1, p.Target())
}

func TestSpawnBackoffAndDegraded(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk, fail: fmt.Errorf("%w: no binary", horizon.ErrSpawnFailed)}
	p, rec := newTestPool(t, horizon.SupervisorOptions{}, sp, nil)
	ctx := context.Background()

	p.Reconcile(ctx, 2, nil)
	require.Equal(t, 1, p.spawnFailures)
	p.Reconcile(ctx, 2, nil)
	require.Equal(t, 1, p.spawnFailures, "no retry inside the backoff window")

	clk.Advance(time.Second)
	p.Reconcile(ctx, 2, nil)
	require.Equal(t, 2, p.spawnFailures)
	require.Equal(t, 2*time.Second, p.backoff())

	clk.Advance(2 * time.Second)
	p.Reconcile(ctx, 2, nil)
	require.True(t, p.Degraded())
	require.Contains(t, rec.kinds(), events.PoolDegraded)

	sp.fail = nil
	clk.Advance(time.Minute)
	p.Reconcile(ctx, 2, nil)
	require.False(t, p.Degraded())
	require.Equal(t, 2, p.Active())
	require.Contains(t, rec.kinds(), events.PoolRecovered)
}

func TestBackoffIsCapped(t *testing.T) {
	t.Parallel()

	p := New(Config{}, nil, nil, manual.New(time.Now()), uuid.NewSequence("w"), nil, nil)
	p.spawnFailures = 20
	require.Equal(t, time.Minute, p.backoff())
}

func TestEnforceLimits(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk, pid: 4242}
	opts := horizon.SupervisorOptions{Timeout: time.Minute, HeartbeatTimeout: 30 * time.Second, MemoryMB: 64}
	p, rec := newTestPool(t, opts, sp, fakeProbe{rss: 10 << 20})
	ctx := context.Background()
	p.Reconcile(ctx, 3, nil)

	jobStart := clk.Now()
	clk.Advance(90 * time.Second)
	now := clk.Now()
	records := map[string]horizon.WorkerRecord{
		"w-1": {ID: "w-1", Status: horizon.WorkerWorking, JobStartedAt: &jobStart, HeartbeatAt: now},
		"w-2": {ID: "w-2", Status: horizon.WorkerIdle, HeartbeatAt: now.Add(-time.Minute)},
		"w-3": {ID: "w-3", Status: horizon.WorkerIdle, HeartbeatAt: now},
	}
	p.Enforce(ctx, records, opts.Timeout)

	require.Equal(t, []process.Signal{process.Kill}, sp.procs[0].Signals(), "timeout")
	require.Equal(t, []process.Signal{process.Kill}, sp.procs[1].Signals(), "heartbeat")
	require.Empty(t, sp.procs[2].Signals())

	exited := p.Reap()
	require.ElementsMatch(t, []string{"w-1", "w-2"}, exited)

	var reasons []string
	for _, e := range rec.events {
		if e.Kind == events.WorkerKilled {
			reasons = append(reasons, e.Reason)
		}
	}
	require.ElementsMatch(t, []string{ReasonTimeout, ReasonHeartbeat}, reasons)
}

func TestEnforceMemory(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk, pid: 4242}
	p, _ := newTestPool(t, horizon.SupervisorOptions{MemoryMB: 64}, sp, fakeProbe{rss: 65 << 20})
	p.Reconcile(context.Background(), 1, nil)

	p.Enforce(context.Background(), nil, 0)
	require.Equal(t, []process.Signal{process.Kill}, sp.procs[0].Signals())
}

func TestMemorySkippedWithoutPID(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk}
	p, _ := newTestPool(t, horizon.SupervisorOptions{MemoryMB: 1}, sp, fakeProbe{rss: 1 << 30})
	p.Reconcile(context.Background(), 1, nil)

	p.Enforce(context.Background(), nil, 0)
	require.Empty(t, sp.procs[0].Signals())
}

func TestSweepUsesOverride(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk}
	p, _ := newTestPool(t, horizon.SupervisorOptions{Timeout: time.Hour}, sp, nil)
	p.Reconcile(context.Background(), 2, nil)

	start := clk.Now()
	clk.Advance(10 * time.Second)
	records := map[string]horizon.WorkerRecord{
		"w-1": {ID: "w-1", Status: horizon.WorkerWorking, JobStartedAt: &start},
		"w-2": {ID: "w-2", Status: horizon.WorkerIdle},
	}
	require.Zero(t, p.Sweep(records, 0), "configured timeout not reached")
	require.Equal(t, 1, p.Sweep(records, 5*time.Second))
	require.Empty(t, sp.procs[1].Signals())
}

func TestPauseContinue(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk}
	p, _ := newTestPool(t, horizon.SupervisorOptions{}, sp, nil)
	ctx := context.Background()
	p.Reconcile(ctx, 1, nil)

	p.Pause()
	p.Reconcile(ctx, 3, nil)
	require.Equal(t, 1, p.Active(), "paused pools do not scale")

	p.Continue()
	require.Equal(t, []process.Signal{process.Pause, process.Continue}, sp.procs[0].Signals())
	p.Reconcile(ctx, 3, nil)
	require.Equal(t, 3, p.Active())
}

func TestTerminateThenKillOverdue(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Unix(1_700_000_000, 0))
	sp := &fakeSpawner{clock: clk, drain: true}
	p, rec := newTestPool(t, horizon.SupervisorOptions{}, sp, nil)
	ctx := context.Background()
	p.Reconcile(ctx, 2, nil)

	p.Terminate(clk.Now().Add(10 * time.Second))
	sp.procs[0].Exit()
	require.Equal(t, []string{"w-1"}, p.Reap())
	require.Zero(t, p.KillOverdue())

	clk.Advance(11 * time.Second)
	require.Equal(t, 1, p.KillOverdue())
	require.Equal(t, []process.Signal{process.Stop, process.Kill}, sp.procs[1].Signals())
	require.Equal(t, []string{"w-2"}, p.Reap())

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, p.Wait(waitCtx))
	require.Contains(t, rec.kinds(), events.WorkerKilled)
}
