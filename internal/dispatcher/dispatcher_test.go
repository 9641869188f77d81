package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/clock/manual"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/id/uuid"
	"github.com/JakeFAU/horizon/internal/jobs"
	queueredis "github.com/JakeFAU/horizon/internal/queue/redis"
	storeredis "github.com/JakeFAU/horizon/internal/storage/redis"
)

func newBackend(t *testing.T) (*queueredis.Backend, *manual.Clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client, err := storeredis.NewClient(storeredis.Config{Addrs: []string{mr.Addr()}})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	clk := manual.New(time.Unix(1_700_000_000, 0))
	backend, err := queueredis.New(client, queueredis.Config{Prefix: "horizon:"}, clk, uuid.NewSequence("job"))
	require.NoError(t, err)
	return backend, clk
}

func TestDispatchPushesAndDelays(t *testing.T) {
	t.Parallel()

	backend, clk := newBackend(t)
	d := New(backend, jobs.Defaults(nil), zap.NewNop())
	ctx := context.Background()

	id, err := d.Dispatch(ctx, Request{Queue: "default", Type: "noop"})
	require.NoError(t, err)
	require.Equal(t, "job-1", id)

	_, err = d.Dispatch(ctx, Request{Queue: "default", Type: "sleep", Payload: json.RawMessage(`{"duration":"1s"}`), Delay: time.Minute})
	require.NoError(t, err)

	pending, err := backend.Pending(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, int64(1), pending)
	size, err := backend.Size(ctx, "default")
	require.NoError(t, err)
	require.Equal(t, int64(2), size)

	clk.Advance(time.Minute)
	job, err := backend.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "noop", job.Type)
	job, err = backend.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.Equal(t, "sleep", job.Type)
}

func TestDispatchValidation(t *testing.T) {
	t.Parallel()

	backend, _ := newBackend(t)
	d := New(backend, jobs.Defaults(nil), nil)
	ctx := context.Background()

	cases := map[string]Request{
		"missing queue":   {Type: "noop"},
		"missing type":    {Queue: "default"},
		"negative delay":  {Queue: "default", Type: "noop", Delay: -time.Second},
		"invalid payload": {Queue: "default", Type: "noop", Payload: json.RawMessage(`{`)},
	}
	for name, req := range cases {
		_, err := d.Dispatch(ctx, req)
		require.Error(t, err, name)
	}

	_, err := d.Dispatch(ctx, Request{Queue: "default", Type: "missing"})
	require.ErrorIs(t, err, horizon.ErrUnknownJobType)
}

type failingQueue struct {
	horizon.QueueBackend
	err error
}

func (q failingQueue) Push(context.Context, string, horizon.Job) (string, error) { return "", q.err }

func TestDispatchWrapsQueueErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	d := New(failingQueue{err: boom}, nil, nil)
	_, err := d.Dispatch(context.Background(), Request{Queue: "default", Type: "anything"})
	require.ErrorIs(t, err, boom)
	require.EqualError(t, err, "queue push: boom")
}
