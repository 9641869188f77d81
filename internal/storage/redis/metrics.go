package redis

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/horizon/internal/horizon"
)

const (
	fieldProcessed = "processed"
	fieldFailed    = "failed"
	fieldRuntime   = "runtime_ms"
	fieldWait      = "wait_ms"
)

func (s *Store) metricsKey(queue string) string { return s.key("metrics", queue) }
func (s *Store) measuredKey() string            { return s.key("measured_queues") }

// RecordJob adds one finished attempt to queue's cumulative counters.
// processed counts every attempt; failed counts the subset that failed.
func (s *Store) RecordJob(ctx context.Context, queue string, runtime, wait time.Duration, failed bool) error {
	key := s.metricsKey(queue)
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HIncrBy(ctx, key, fieldProcessed, 1)
		if failed {
			pipe.HIncrBy(ctx, key, fieldFailed, 1)
		}
		pipe.HIncrBy(ctx, key, fieldRuntime, runtime.Milliseconds())
		pipe.HIncrBy(ctx, key, fieldWait, max(wait, 0).Milliseconds())
		pipe.SAdd(ctx, s.measuredKey(), queue)
		return nil
	})
	if err != nil {
		return unavailable("record job", err)
	}
	return nil
}

// QueueStats returns queue's cumulative counters.
func (s *Store) QueueStats(ctx context.Context, queue string) (horizon.QueueStats, error) {
	all, err := s.client.HGetAll(ctx, s.metricsKey(queue)).Result()
	if err != nil {
		return horizon.QueueStats{}, unavailable("queue stats", err)
	}
	stats := horizon.QueueStats{Queue: queue}
	stats.Processed, err = intField(all, fieldProcessed)
	if err != nil {
		return stats, err
	}
	stats.Failed, err = intField(all, fieldFailed)
	if err != nil {
		return stats, err
	}
	runtime, err := intField(all, fieldRuntime)
	if err != nil {
		return stats, err
	}
	wait, err := intField(all, fieldWait)
	if err != nil {
		return stats, err
	}
	stats.RuntimeTotal = time.Duration(runtime) * time.Millisecond
	stats.WaitTotal = time.Duration(wait) * time.Millisecond
	return stats, nil
}

// MeasuredQueues lists every queue that has recorded at least one job.
func (s *Store) MeasuredQueues(ctx context.Context) ([]string, error) {
	queues, err := s.client.SMembers(ctx, s.measuredKey()).Result()
	if err != nil {
		return nil, unavailable("measured queues", err)
	}
	sort.Strings(queues)
	return queues, nil
}

func intField(m map[string]string, field string) (int64, error) {
	raw, ok := m[field]
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", field, err)
	}
	return n, nil
}
