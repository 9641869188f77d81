// Package redis implements the job queue backend on Redis lists and sorted sets.
//
// Layout per queue (all keys share the configured prefix):
//
//	queues:<q>           ready list, FIFO (RPUSH / LPOP)
//	queues:<q>:notify    one token per ready job, used for bounded blocking waits
//	queues:<q>:delayed   zset scored by available-at (unix ms)
//	queues:<q>:reserved  zset scored by reserved-until (unix ms)
//	queues:<q>:attempts  hash job id -> attempt count
//	queues:<q>:dead      dead-letter list
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// Config controls key naming.
type Config struct {
	Prefix string
}

// Backend implements horizon.QueueBackend.
type Backend struct {
	client goredis.UniversalClient
	prefix string
	clock  horizon.Clock
	ids    horizon.IDGenerator
}

// New constructs a Backend over an existing client.
func New(client goredis.UniversalClient, cfg Config, clock horizon.Clock, ids horizon.IDGenerator) (*Backend, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if clock == nil || ids == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	return &Backend{client: client, prefix: cfg.Prefix, clock: clock, ids: ids}, nil
}

func (b *Backend) readyKey(q string) string    { return b.prefix + "queues:" + q }
func (b *Backend) notifyKey(q string) string   { return b.readyKey(q) + ":notify" }
func (b *Backend) delayedKey(q string) string  { return b.readyKey(q) + ":delayed" }
func (b *Backend) reservedKey(q string) string { return b.readyKey(q) + ":reserved" }
func (b *Backend) attemptsKey(q string) string { return b.readyKey(q) + ":attempts" }
func (b *Backend) deadKey(q string) string     { return b.readyKey(q) + ":dead" }

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (b *Backend) prepare(queue string, job horizon.Job, availableAt time.Time) (horizon.Job, string, error) {
	if queue == "" {
		return horizon.Job{}, "", fmt.Errorf("queue name is required")
	}
	if job.Type == "" {
		return horizon.Job{}, "", fmt.Errorf("job type is required")
	}
	if job.ID == "" {
		id, err := b.ids.NewID()
		if err != nil {
			return horizon.Job{}, "", fmt.Errorf("job id: %w", err)
		}
		job.ID = id
	}
	job.Queue = queue
	job.Attempts = 0
	if job.PushedAt.IsZero() {
		job.PushedAt = b.clock.Now()
	}
	job.AvailableAt = availableAt
	raw, err := json.Marshal(job)
	if err != nil {
		return horizon.Job{}, "", fmt.Errorf("encode job: %w", err)
	}
	return job, string(raw), nil
}

// Push appends a job to the tail of queue.
func (b *Backend) Push(ctx context.Context, queue string, job horizon.Job) (string, error) {
	job, raw, err := b.prepare(queue, job, b.clock.Now())
	if err != nil {
		return "", err
	}
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, b.readyKey(queue), raw)
		pipe.RPush(ctx, b.notifyKey(queue), 1)
		return nil
	})
	if err != nil {
		return "", unavailable("push job", err)
	}
	return job.ID, nil
}

// Later schedules a job to become available after delay.
func (b *Backend) Later(ctx context.Context, queue string, delay time.Duration, job horizon.Job) (string, error) {
	if delay <= 0 {
		return b.Push(ctx, queue, job)
	}
	at := b.clock.Now().Add(delay)
	job, raw, err := b.prepare(queue, job, at)
	if err != nil {
		return "", err
	}
	if err := b.client.ZAdd(ctx, b.delayedKey(queue), goredis.Z{Score: score(at), Member: raw}).Err(); err != nil {
		return "", unavailable("schedule job", err)
	}
	return job.ID, nil
}

// Reserve migrates due jobs, then pops and leases the next ready job.
func (b *Backend) Reserve(ctx context.Context, queue string, lease time.Duration) (*horizon.Job, error) {
	now := b.clock.Now()
	if err := b.migrate(ctx, queue, now); err != nil {
		return nil, err
	}
	until := now.Add(lease)
	res, err := reserveScript.Run(ctx, b.client,
		[]string{b.readyKey(queue), b.reservedKey(queue), b.notifyKey(queue), b.attemptsKey(queue)},
		score(until),
	).Slice()
	if err != nil {
		return nil, unavailable("reserve job", err)
	}
	if len(res) != 2 || res[0] == nil {
		return nil, nil
	}
	raw, ok := res[0].(string)
	if !ok {
		return nil, nil
	}
	var job horizon.Job
	err = json.Unmarshal([]byte(raw), &job)
	if err == nil && job.ID == "" {
		err = errors.New("missing job id")
	}
	if err != nil {
		// Undecodable payloads can never run; park them where operators can see them.
		if _, perr := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.ZRem(ctx, b.reservedKey(queue), raw)
			pipe.RPush(ctx, b.deadKey(queue), raw)
			return nil
		}); perr != nil {
			return nil, unavailable("park undecodable job", perr)
		}
		return nil, fmt.Errorf("decode job: %w", err)
	}
	attempts, _ := res[1].(int64)
	job.Attempts = int(attempts)
	job.Queue = queue
	job.ReservedUntil = until
	job.Raw = raw
	return &job, nil
}

func (b *Backend) migrate(ctx context.Context, queue string, now time.Time) error {
	for _, src := range []string{b.delayedKey(queue), b.reservedKey(queue)} {
		err := migrateScript.Run(ctx, b.client,
			[]string{src, b.readyKey(queue), b.notifyKey(queue)},
			score(now),
		).Err()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return unavailable("migrate jobs", err)
		}
	}
	return nil
}

// Wait blocks on the notify lists of queues until a token arrives or timeout elapses.
// The token is put back so the following Reserve consumes it with its job.
func (b *Backend) Wait(ctx context.Context, queues []string, timeout time.Duration) error {
	if len(queues) == 0 || timeout <= 0 {
		return nil
	}
	keys := make([]string, 0, len(queues))
	for _, q := range queues {
		keys = append(keys, b.notifyKey(q))
	}
	if timeout < time.Second {
		// BLPOP timeouts have whole-second resolution.
		return b.poll(ctx, keys, timeout)
	}
	res, err := b.client.BLPop(ctx, timeout, keys...).Result()
	switch {
	case errors.Is(err, goredis.Nil):
		return nil
	case err != nil:
		if ctx.Err() != nil {
			return fmt.Errorf("wait canceled: %w", ctx.Err())
		}
		return unavailable("wait for jobs", err)
	}
	if len(res) == 2 {
		if err := b.client.LPush(ctx, res[0], res[1]).Err(); err != nil {
			return unavailable("restore notify token", err)
		}
	}
	return nil
}

func (b *Backend) poll(ctx context.Context, keys []string, timeout time.Duration) error {
	for _, key := range keys {
		n, err := b.client.LLen(ctx, key).Result()
		if err != nil {
			return unavailable("wait for jobs", err)
		}
		if n > 0 {
			return nil
		}
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("wait canceled: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}

// Ack removes a reserved job.
func (b *Backend) Ack(ctx context.Context, job horizon.Job) error {
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, b.reservedKey(job.Queue), job.Raw)
		pipe.HDel(ctx, b.attemptsKey(job.Queue), job.ID)
		return nil
	})
	if err != nil {
		return unavailable("ack job", err)
	}
	return nil
}

// Release puts a reserved job back after delay, keeping its attempt count.
func (b *Backend) Release(ctx context.Context, job horizon.Job, delay time.Duration) error {
	at := b.clock.Now().Add(delay)
	_, err := b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, b.reservedKey(job.Queue), job.Raw)
		pipe.ZAdd(ctx, b.delayedKey(job.Queue), goredis.Z{Score: score(at), Member: job.Raw})
		return nil
	})
	if err != nil {
		return unavailable("release job", err)
	}
	return nil
}

type deadLetter struct {
	Job      json.RawMessage `json:"job"`
	Attempts int             `json:"attempts"`
	Reason   string          `json:"reason"`
	FailedAt time.Time       `json:"failed_at"`
}

// DeadLetter moves a reserved job to the dead-letter list.
func (b *Backend) DeadLetter(ctx context.Context, job horizon.Job, reason string) error {
	entry, err := json.Marshal(deadLetter{
		Job:      json.RawMessage(job.Raw),
		Attempts: job.Attempts,
		Reason:   reason,
		FailedAt: b.clock.Now(),
	})
	if err != nil {
		return fmt.Errorf("encode dead letter: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.ZRem(ctx, b.reservedKey(job.Queue), job.Raw)
		pipe.HDel(ctx, b.attemptsKey(job.Queue), job.ID)
		pipe.RPush(ctx, b.deadKey(job.Queue), entry)
		return nil
	})
	if err != nil {
		return unavailable("dead-letter job", err)
	}
	return nil
}

// DeadLetters returns the number of dead-lettered jobs for queue.
func (b *Backend) DeadLetters(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, b.deadKey(queue)).Result()
	if err != nil {
		return 0, unavailable("count dead letters", err)
	}
	return n, nil
}

// Size counts ready, delayed and reserved jobs.
func (b *Backend) Size(ctx context.Context, queue string) (int64, error) {
	var ready, delayed, reserved *goredis.IntCmd
	_, err := b.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		ready = pipe.LLen(ctx, b.readyKey(queue))
		delayed = pipe.ZCard(ctx, b.delayedKey(queue))
		reserved = pipe.ZCard(ctx, b.reservedKey(queue))
		return nil
	})
	if err != nil {
		return 0, unavailable("queue size", err)
	}
	return ready.Val() + delayed.Val() + reserved.Val(), nil
}

// Pending counts jobs ready to be reserved.
func (b *Backend) Pending(ctx context.Context, queue string) (int64, error) {
	n, err := b.client.LLen(ctx, b.readyKey(queue)).Result()
	if err != nil {
		return 0, unavailable("queue length", err)
	}
	return n, nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, horizon.ErrBackendUnavailable, err)
}
