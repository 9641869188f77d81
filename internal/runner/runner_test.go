package runner

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/clock/system"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/id/uuid"
	"github.com/JakeFAU/horizon/internal/jobs"
	"github.com/JakeFAU/horizon/internal/process"
	queueredis "github.com/JakeFAU/horizon/internal/queue/redis"
	storeredis "github.com/JakeFAU/horizon/internal/storage/redis"
)

type harness struct {
	queue *queueredis.Backend
	store *storeredis.Store
}

func newHarness(t *testing.T) harness {
	t.Helper()

	mr := miniredis.RunT(t)
	client, err := storeredis.NewClient(storeredis.Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	clk := system.New()
	store, err := storeredis.New(client, "horizon:", clk, storeredis.WithOwnedClient())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	queue, err := queueredis.New(client, queueredis.Config{Prefix: "horizon:"}, clk, uuid.NewSequence("job"))
	require.NoError(t, err)
	return harness{queue: queue, store: store}
}

func (h harness) runner(cfg Config) *Runner {
	if cfg.ID == "" {
		cfg.ID = "w1"
	}
	if cfg.Supervisor == "" {
		cfg.Supervisor = "web-1:default"
	}
	if len(cfg.Queues) == 0 {
		cfg.Queues = []string{"default"}
	}
	if cfg.Sleep == 0 {
		cfg.Sleep = 20 * time.Millisecond
	}
	return New(h.queue, h.store, h.store, jobs.Defaults(nil), system.New(), nil, cfg, zap.NewNop())
}

func (h harness) push(t *testing.T, queue, typ string, payload string) {
	t.Helper()
	job := horizon.Job{Type: typ}
	if payload != "" {
		job.Payload = json.RawMessage(payload)
	}
	_, err := h.queue.Push(context.Background(), queue, job)
	require.NoError(t, err)
}

func runAsync(r *Runner) <-chan error {
	out := make(chan error, 1)
	go func() { out <- r.Run(context.Background()) }()
	return out
}

func stopAndWait(t *testing.T, r *Runner, done <-chan error) {
	t.Helper()
	r.Control(process.Stop)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not stop")
	}
}

func TestRunner_ProcessesJobsAndStops(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.push(t, "default", "noop", "")
	h.push(t, "default", "log", `{"hello":"world"}`)

	r := h.runner(Config{})
	done := runAsync(r)

	require.Eventually(t, func() bool {
		stats, err := h.store.QueueStats(ctx, "default")
		return err == nil && stats.Processed == 2
	}, 3*time.Second, 10*time.Millisecond)

	size, err := h.queue.Size(ctx, "default")
	require.NoError(t, err)
	require.Zero(t, size)

	stopAndWait(t, r, done)
	rec, err := h.store.Worker(ctx, "web-1:default", "w1")
	require.NoError(t, err)
	require.Equal(t, horizon.WorkerStopped, rec.Status)
	require.Nil(t, rec.CurrentJob)
}

func TestRunner_RetriesThenDeadLetters(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.push(t, "default", "fail", "")

	r := h.runner(Config{Tries: 2})
	done := runAsync(r)

	require.Eventually(t, func() bool {
		n, err := h.queue.DeadLetters(ctx, "default")
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	stopAndWait(t, r, done)

	stats, err := h.store.QueueStats(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.Processed)
	require.EqualValues(t, 2, stats.Failed)
}

func TestRunner_KilledDeliveriesCountTowardTries(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.push(t, "default", "noop", "")

	// Reservations that are never settled stand in for workers killed mid-job.
	for range 3 {
		job, err := h.queue.Reserve(ctx, "default", time.Millisecond)
		require.NoError(t, err)
		require.NotNil(t, job)
		time.Sleep(5 * time.Millisecond)
	}

	r := h.runner(Config{Tries: 1})
	done := runAsync(r)
	require.Eventually(t, func() bool {
		n, err := h.queue.DeadLetters(ctx, "default")
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	stopAndWait(t, r, done)

	stats, err := h.store.QueueStats(ctx, "default")
	require.NoError(t, err)
	require.Zero(t, stats.Processed)
	size, err := h.queue.Size(ctx, "default")
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestRunner_UnknownTypeIsDeadLetteredImmediately(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.push(t, "default", "does-not-exist", "")

	r := h.runner(Config{Tries: 5})
	done := runAsync(r)
	require.Eventually(t, func() bool {
		n, err := h.queue.DeadLetters(ctx, "default")
		return err == nil && n == 1
	}, 3*time.Second, 10*time.Millisecond)
	stopAndWait(t, r, done)

	stats, err := h.store.QueueStats(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Failed)
}

func TestRunner_PauseHoldsWork(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()

	r := h.runner(Config{})
	r.Control(process.Pause)
	done := runAsync(r)

	h.push(t, "default", "noop", "")
	time.Sleep(150 * time.Millisecond)
	pending, err := h.queue.Pending(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 1, pending, "paused runner must not reserve")

	r.Control(process.Continue)
	require.Eventually(t, func() bool {
		n, err := h.queue.Size(ctx, "default")
		return err == nil && n == 0
	}, 3*time.Second, 10*time.Millisecond)
	stopAndWait(t, r, done)
}

func TestRunner_ExitsAfterMaxJobs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for range 3 {
		h.push(t, "default", "noop", "")
	}
	r := h.runner(Config{MaxJobs: 2})
	select {
	case err := <-runAsync(r):
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("runner did not recycle")
	}
	pending, err := h.queue.Pending(context.Background(), "default")
	require.NoError(t, err)
	require.EqualValues(t, 1, pending)
}

func TestRunner_QueuesServedInOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.push(t, "low", "noop", "")
	h.push(t, "high", "sleep", `{"duration":"200ms"}`)

	r := h.runner(Config{Queues: []string{"high", "low"}})
	done := runAsync(r)

	require.Eventually(t, func() bool {
		rec, err := h.store.Worker(ctx, "web-1:default", "w1")
		return err == nil && rec.Status == horizon.WorkerWorking && rec.CurrentJob != nil
	}, 3*time.Second, 5*time.Millisecond)
	pending, err := h.queue.Pending(ctx, "low")
	require.NoError(t, err)
	require.EqualValues(t, 1, pending, "high is drained before low")
	stopAndWait(t, r, done)
}

func TestLocalSpawner_KillMidJobLeavesReservation(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx := context.Background()
	h.push(t, "default", "sleep", `{"duration":"1h"}`)

	spawner := &LocalSpawner{
		Queue: h.queue, Workers: h.store, Metrics: h.store,
		Registry: jobs.Defaults(nil), Clock: system.New(), Logger: zap.NewNop(),
	}
	p, err := spawner.Spawn(ctx, Spec{
		ID:     "w9",
		Queues: []string{"default"},
		Options: horizon.SupervisorOptions{
			Name: "web-1:default", Sleep: 20 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	require.Zero(t, p.PID())

	require.Eventually(t, func() bool {
		rec, err := h.store.Worker(ctx, "web-1:default", "w9")
		return err == nil && rec.Status == horizon.WorkerWorking
	}, 3*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Signal(process.Kill))
	select {
	case <-p.Done():
	case <-time.After(3 * time.Second):
		t.Fatal("killed runner did not exit")
	}
	require.ErrorIs(t, p.Err(), ErrKilled)
	require.ErrorIs(t, p.Signal(process.Stop), process.ErrExited)

	size, err := h.queue.Size(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 1, size, "killed job stays reserved until its lease expires")
	stats, err := h.store.QueueStats(ctx, "default")
	require.NoError(t, err)
	require.Zero(t, stats.Processed)
}

func TestLocalSpawner_Fail(t *testing.T) {
	t.Parallel()

	spawner := &LocalSpawner{Fail: func(Spec) error { return context.DeadlineExceeded }}
	_, err := spawner.Spawn(context.Background(), Spec{ID: "w"})
	require.ErrorIs(t, err, horizon.ErrSpawnFailed)
}

func TestWorkerArgs(t *testing.T) {
	t.Parallel()

	args, err := WorkerArgs(Spec{
		ID: "w1", Connection: "redis", Queues: []string{"a", "b"},
		Options: horizon.SupervisorOptions{Name: "web-1:default", Tries: 3},
	})
	require.NoError(t, err)
	require.Equal(t, "worker", args[0])
	require.Contains(t, args, "a,b")
	require.Contains(t, args, "web-1:default")

	var opts horizon.SupervisorOptions
	require.NoError(t, json.Unmarshal([]byte(args[len(args)-1]), &opts))
	require.Equal(t, 3, opts.Tries)
}
