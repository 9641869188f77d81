package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// commitScript appends a snapshot and advances the cursor unless the period
// is not after the last committed boundary, then prunes by retention.
//
// KEYS[1] snapshots zset, KEYS[2] cursor hash
// ARGV[1] period ms, ARGV[2] encoded snapshot, ARGV[3..6] cursor counters,
// ARGV[7] prune cutoff ms (negative disables pruning)
var commitScript = goredis.NewScript(`
local last = redis.call('hget', KEYS[2], 'period')
if last and tonumber(ARGV[1]) <= tonumber(last) then
	return 0
end
redis.call('zadd', KEYS[1], ARGV[1], ARGV[2])
redis.call('hset', KEYS[2],
	'period', ARGV[1],
	'processed', ARGV[3],
	'failed', ARGV[4],
	'runtime_ms', ARGV[5],
	'wait_ms', ARGV[6])
if tonumber(ARGV[7]) >= 0 then
	redis.call('zremrangebyscore', KEYS[1], '-inf', '(' .. ARGV[7])
end
return 1
`)

func (s *Store) snapshotsKey(queue string) string { return s.key("snapshots", queue) }
func (s *Store) cursorKey(queue string) string    { return s.key("snapshot_cursor", queue) }

// CommitSnapshot appends snap and stores cursor atomically. It reports false
// when snap's period was already committed. Snapshots older than retention
// before the new period are pruned in the same step; zero retention keeps all.
func (s *Store) CommitSnapshot(
	ctx context.Context,
	snap horizon.Snapshot,
	cursor horizon.SnapshotCursor,
	retention time.Duration,
) (bool, error) {
	raw, err := json.Marshal(snap)
	if err != nil {
		return false, fmt.Errorf("encode snapshot: %w", err)
	}
	cutoff := int64(-1)
	if retention > 0 {
		cutoff = snap.PeriodStart.Add(-retention).UnixMilli()
	}
	n, err := commitScript.Run(ctx, s.client,
		[]string{s.snapshotsKey(snap.Queue), s.cursorKey(snap.Queue)},
		snap.PeriodStart.UnixMilli(), raw,
		cursor.Processed, cursor.Failed, cursor.RuntimeTotal, cursor.WaitTotal,
		cutoff,
	).Int()
	if err != nil {
		return false, unavailable("commit snapshot", err)
	}
	return n == 1, nil
}

// SnapshotCursor returns the counters and period of the last commit for queue.
// A queue that was never snapshotted yields a zero cursor and zero time.
func (s *Store) SnapshotCursor(ctx context.Context, queue string) (horizon.SnapshotCursor, time.Time, error) {
	all, err := s.client.HGetAll(ctx, s.cursorKey(queue)).Result()
	if err != nil {
		return horizon.SnapshotCursor{}, time.Time{}, unavailable("snapshot cursor", err)
	}
	if len(all) == 0 {
		return horizon.SnapshotCursor{}, time.Time{}, nil
	}
	var cur horizon.SnapshotCursor
	fields := []struct {
		name string
		dst  *int64
	}{
		{fieldProcessed, &cur.Processed},
		{fieldFailed, &cur.Failed},
		{fieldRuntime, &cur.RuntimeTotal},
		{fieldWait, &cur.WaitTotal},
	}
	for _, f := range fields {
		if *f.dst, err = intField(all, f.name); err != nil {
			return horizon.SnapshotCursor{}, time.Time{}, err
		}
	}
	periodMs, err := intField(all, "period")
	if err != nil {
		return horizon.SnapshotCursor{}, time.Time{}, err
	}
	return cur, time.UnixMilli(periodMs).UTC(), nil
}

// Snapshots returns queue's snapshots with from <= period <= to, oldest first.
// A zero to means no upper bound.
func (s *Store) Snapshots(ctx context.Context, queue string, from, to time.Time) ([]horizon.Snapshot, error) {
	maxScore := "+inf"
	if !to.IsZero() {
		maxScore = strconv.FormatInt(to.UnixMilli(), 10)
	}
	minScore := "-inf"
	if !from.IsZero() {
		minScore = strconv.FormatInt(from.UnixMilli(), 10)
	}
	members, err := s.client.ZRangeByScore(ctx, s.snapshotsKey(queue), &goredis.ZRangeBy{
		Min: minScore,
		Max: maxScore,
	}).Result()
	if err != nil {
		return nil, unavailable("list snapshots", err)
	}
	out := make([]horizon.Snapshot, 0, len(members))
	for _, m := range members {
		var snap horizon.Snapshot
		if err := json.Unmarshal([]byte(m), &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, nil
}
