package redis

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/horizon/internal/clock/manual"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/id/uuid"
)

func newTestBackend(t *testing.T) (*Backend, *manual.Clock, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clk := manual.New(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	backend, err := New(client, Config{Prefix: "horizon:"}, clk, uuid.NewSequence("job"))
	require.NoError(t, err)
	return backend, clk, mr
}

func TestBackend_PushReserveAckIsFIFO(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _, mr := newTestBackend(t)

	first, err := b.Push(ctx, "default", horizon.Job{Type: "noop", Payload: json.RawMessage(`{"n":1}`)})
	require.NoError(t, err)
	second, err := b.Push(ctx, "default", horizon.Job{Type: "noop"})
	require.NoError(t, err)
	require.Equal(t, "job-1", first)
	require.Equal(t, "job-2", second)

	pending, err := b.Pending(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 2, pending)

	job, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, first, job.ID)
	require.Equal(t, 1, job.Attempts)
	require.JSONEq(t, `{"n":1}`, string(job.Payload))

	size, err := b.Size(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 2, size, "reserved jobs still count toward size")

	require.NoError(t, b.Ack(ctx, *job))
	size, err = b.Size(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 1, size)

	notify, err := mr.List("horizon:queues:default:notify")
	require.NoError(t, err)
	require.Len(t, notify, 1, "one token per ready job")
}

func TestBackend_ReserveEmptyQueue(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBackend(t)
	job, err := b.Reserve(context.Background(), "empty", time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)
}

func TestBackend_LaterBecomesAvailable(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, clk, _ := newTestBackend(t)

	_, err := b.Later(ctx, "default", 30*time.Second, horizon.Job{Type: "noop"})
	require.NoError(t, err)

	job, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.Nil(t, job)

	clk.Advance(31 * time.Second)
	job, err = b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestBackend_ReleaseKeepsAttempts(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, clk, _ := newTestBackend(t)

	_, err := b.Push(ctx, "default", horizon.Job{Type: "fail"})
	require.NoError(t, err)
	job, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.Release(ctx, *job, 5*time.Second))

	again, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.Nil(t, again, "released job is delayed")

	clk.Advance(5 * time.Second)
	again, err = b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, again)
	require.Equal(t, job.ID, again.ID)
	require.Equal(t, 2, again.Attempts)
}

func TestBackend_ExpiredReservationIsRedelivered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, clk, _ := newTestBackend(t)

	_, err := b.Push(ctx, "default", horizon.Job{Type: "sleep"})
	require.NoError(t, err)
	_, err = b.Reserve(ctx, "default", 10*time.Second)
	require.NoError(t, err)

	clk.Advance(11 * time.Second)
	job, err := b.Reserve(ctx, "default", 10*time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	require.Equal(t, 2, job.Attempts)
}

func TestBackend_DeadLetter(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _, mr := newTestBackend(t)

	_, err := b.Push(ctx, "default", horizon.Job{Type: "unknown"})
	require.NoError(t, err)
	job, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NoError(t, b.DeadLetter(ctx, *job, "no handler"))

	dead, err := b.DeadLetters(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 1, dead)
	size, err := b.Size(ctx, "default")
	require.NoError(t, err)
	require.Zero(t, size)
	require.False(t, mr.Exists("horizon:queues:default:attempts"))
}

func TestBackend_UndecodableEntryIsParked(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, clk, mr := newTestBackend(t)

	for _, raw := range []string{"not-json", `{"type":"noop"}`} {
		_, err := mr.RPush("horizon:queues:default", raw)
		require.NoError(t, err)

		job, err := b.Reserve(ctx, "default", time.Second)
		require.Error(t, err)
		require.NotErrorIs(t, err, horizon.ErrBackendUnavailable)
		require.Nil(t, job)
	}

	dead, err := b.DeadLetters(ctx, "default")
	require.NoError(t, err)
	require.EqualValues(t, 2, dead)

	clk.Advance(time.Minute)
	job, err := b.Reserve(ctx, "default", time.Second)
	require.NoError(t, err)
	require.Nil(t, job, "parked entries are not migrated back")
	require.False(t, mr.Exists("horizon:queues:default:reserved"))
	require.False(t, mr.Exists("horizon:queues:default:attempts"))
}

func TestBackend_WaitKeepsToken(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	b, _, _ := newTestBackend(t)

	start := time.Now()
	require.NoError(t, b.Wait(ctx, []string{"default"}, 50*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)

	_, err := b.Push(ctx, "default", horizon.Job{Type: "noop"})
	require.NoError(t, err)
	require.NoError(t, b.Wait(ctx, []string{"other", "default"}, time.Second))

	job, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, job)
}

func TestBackend_RejectsInvalidJobs(t *testing.T) {
	t.Parallel()

	b, _, _ := newTestBackend(t)
	_, err := b.Push(context.Background(), "", horizon.Job{Type: "noop"})
	require.Error(t, err)
	_, err = b.Push(context.Background(), "default", horizon.Job{})
	require.Error(t, err)
}

func TestBackend_UnreachableRedis(t *testing.T) {
	t.Parallel()

	b, _, mr := newTestBackend(t)
	mr.Close()
	_, err := b.Pending(context.Background(), "default")
	require.ErrorIs(t, err, horizon.ErrBackendUnavailable)
}
