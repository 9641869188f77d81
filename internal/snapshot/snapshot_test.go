package snapshot

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/horizon/internal/clock/manual"
	"github.com/JakeFAU/horizon/internal/horizon"
	storeredis "github.com/JakeFAU/horizon/internal/storage/redis"
)

type memArchive struct {
	mu    sync.Mutex
	snaps []horizon.Snapshot
	err   error
}

func (a *memArchive) Name() string { return "memory" }

func (a *memArchive) ArchiveSnapshots(_ context.Context, snaps []horizon.Snapshot) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.snaps = append(a.snaps, snaps...)
	return a.err
}

func newStore(t *testing.T, clk horizon.Clock) *storeredis.Store {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := storeredis.NewClient(storeredis.Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	store, err := storeredis.New(client, "horizon:", clk, storeredis.WithOwnedClient())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func record(t *testing.T, store *storeredis.Store, queue string, n int, runtime time.Duration, failed bool) {
	t.Helper()
	for range n {
		require.NoError(t, store.RecordJob(context.Background(), queue, runtime, 2*runtime, failed))
	}
}

func TestForcedResnapshotDoesNotDoubleCount(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC))
	store := newStore(t, clk)
	archive := &memArchive{}
	s := New(Config{Interval: time.Minute, Queues: []string{"idle"}}, store, clk, nil, nil, archive)
	ctx := context.Background()

	record(t, store, "default", 10, 100*time.Millisecond, false)
	first, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, first, 2, "configured queues are snapshotted even without history")

	record(t, store, "default", 5, 100*time.Millisecond, true)
	forced, err := s.Snapshot(ctx)
	require.NoError(t, err)
	require.Empty(t, forced, "same period is not committed twice")

	clk.Advance(time.Minute)
	record(t, store, "default", 3, 100*time.Millisecond, false)
	_, err = s.Snapshot(ctx)
	require.NoError(t, err)

	snaps, err := store.Snapshots(ctx, "default", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	var processed, failed int64
	for _, snap := range snaps {
		processed += snap.Processed
		failed += snap.Failed
	}
	stats, err := store.QueueStats(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, stats.Processed, processed)
	require.Equal(t, stats.Failed, failed)
	require.Equal(t, int64(8), snaps[1].Processed, "skipped deltas roll into the next period")
	require.Equal(t, 100*time.Millisecond, snaps[1].AvgRuntime)
	require.Equal(t, 200*time.Millisecond, snaps[1].AvgWait)
	require.InDelta(t, 8.0, snaps[1].Throughput, 0.0001)

	require.Len(t, archive.snaps, 4)
}

func TestSnapshotPeriodAlignment(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2026, 3, 1, 12, 7, 59, 0, time.UTC))
	store := newStore(t, clk)
	s := New(Config{Interval: 5 * time.Minute}, store, clk, nil, nil)

	record(t, store, "default", 1, time.Second, false)
	snaps, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
	require.Equal(t, time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC), snaps[0].PeriodStart)
}

func TestRetentionPrunesOldSnapshots(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newStore(t, clk)
	s := New(Config{Interval: time.Minute, Retention: 2 * time.Minute, Queues: []string{"default"}}, store, clk, nil, nil)

	for range 5 {
		_, err := s.Snapshot(context.Background())
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	snaps, err := store.Snapshots(context.Background(), "default", time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, snaps, 3)
}

func TestArchiveFailureDoesNotFailSnapshot(t *testing.T) {
	t.Parallel()

	clk := manual.New(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := newStore(t, clk)
	archive := &memArchive{err: errors.New("bucket gone")}
	s := New(Config{Interval: time.Minute, Queues: []string{"default"}}, store, clk, nil, nil, archive)

	snaps, err := s.Snapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snaps, 1)
}

func TestDelta(t *testing.T) {
	t.Parallel()

	period := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	prev := horizon.SnapshotCursor{Processed: 10, Failed: 1, RuntimeTotal: 1000, WaitTotal: 500}
	next := horizon.SnapshotCursor{Processed: 14, Failed: 2, RuntimeTotal: 3000, WaitTotal: 900}
	snap := Delta("q", period, prev, next, 2*time.Minute)
	require.Equal(t, int64(4), snap.Processed)
	require.Equal(t, int64(1), snap.Failed)
	require.Equal(t, 500*time.Millisecond, snap.AvgRuntime)
	require.Equal(t, 100*time.Millisecond, snap.AvgWait)
	require.InDelta(t, 2.0, snap.Throughput, 0.0001)

	empty := Delta("q", period, next, next, time.Minute)
	require.Zero(t, empty.Processed)
	require.Zero(t, empty.AvgRuntime)
}
