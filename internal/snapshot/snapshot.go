// Package snapshot periodically turns cumulative queue counters into
// immutable, time-bucketed snapshots.
package snapshot

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/events"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/metrics"
)

const (
	defaultInterval  = 5 * time.Minute
	defaultRetention = 7 * 24 * time.Hour
)

var tracer = otel.Tracer("github.com/JakeFAU/horizon/internal/snapshot")

// Archive receives every committed snapshot batch for durable storage.
type Archive interface {
	Name() string
	ArchiveSnapshots(ctx context.Context, snaps []horizon.Snapshot) error
}

// Repository is the slice of shared storage the snapshotter needs.
type Repository interface {
	horizon.MetricsRepository
	horizon.SnapshotRepository
}

// Config controls snapshot cadence and retention.
type Config struct {
	Interval time.Duration
	// Retention prunes snapshots older than this on every commit; negative keeps everything.
	Retention time.Duration
	// Queues are always snapshotted, even before any job on them completed.
	Queues []string
}

// Snapshotter computes and commits per-queue snapshots.
type Snapshotter struct {
	cfg      Config
	repo     Repository
	clock    horizon.Clock
	events   events.Emitter
	archives []Archive
	logger   *zap.Logger
}

// New constructs a Snapshotter.
func New(cfg Config, repo Repository, clock horizon.Clock, emitter events.Emitter, logger *zap.Logger, archives ...Archive) *Snapshotter {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.Retention == 0 {
		cfg.Retention = defaultRetention
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Snapshotter{
		cfg:      cfg,
		repo:     repo,
		clock:    clock,
		events:   events.OrDiscard(emitter),
		archives: archives,
		logger:   logger.Named("snapshot"),
	}
}

// Run snapshots every Interval until ctx is canceled.
func (s *Snapshotter) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Snapshot(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn("snapshot failed", zap.Error(err))
			}
		}
	}
}

// Period returns the bucket start for t.
func (s *Snapshotter) Period(t time.Time) time.Time {
	return t.UTC().Truncate(s.cfg.Interval)
}

// Snapshot commits one snapshot per known queue for the current period and
// returns the ones written. A queue already snapshotted in this period is
// skipped and its counters roll into the next period.
func (s *Snapshotter) Snapshot(ctx context.Context) ([]horizon.Snapshot, error) {
	now := s.clock.Now()
	period := s.Period(now)
	ctx, span := tracer.Start(ctx, "horizon.snapshot",
		trace.WithAttributes(attribute.String("period", period.Format(time.RFC3339))))
	defer span.End()

	queues, err := s.queues(ctx)
	if err != nil {
		return nil, err
	}
	var (
		committed []horizon.Snapshot
		errs      []error
	)
	for _, q := range queues {
		snap, ok, err := s.snapshotQueue(ctx, q, period)
		switch {
		case err != nil:
			metrics.ObserveSnapshot("failed")
			errs = append(errs, fmt.Errorf("snapshot %s: %w", q, err))
		case !ok:
			metrics.ObserveSnapshot("skipped")
			s.logger.Debug("period already snapshotted", zap.String("queue", q), zap.Time("period", period))
		default:
			metrics.ObserveSnapshot("committed")
			committed = append(committed, snap)
			s.events.Emit(events.Event{
				Kind:   events.SnapshotCommitted,
				TS:     now,
				Queue:  q,
				Count:  snap.Processed,
				Reason: period.Format(time.RFC3339),
			})
		}
	}
	if len(committed) > 0 {
		s.archive(ctx, committed)
		s.logger.Info("snapshot committed", zap.Time("period", period), zap.Int("queues", len(committed)))
	}
	return committed, errors.Join(errs...)
}

func (s *Snapshotter) queues(ctx context.Context) ([]string, error) {
	measured, err := s.repo.MeasuredQueues(ctx)
	if err != nil {
		return nil, fmt.Errorf("list measured queues: %w", err)
	}
	all := append(slices.Clone(s.cfg.Queues), measured...)
	slices.Sort(all)
	return slices.Compact(all), nil
}

func (s *Snapshotter) snapshotQueue(ctx context.Context, queue string, period time.Time) (horizon.Snapshot, bool, error) {
	stats, err := s.repo.QueueStats(ctx, queue)
	if err != nil {
		return horizon.Snapshot{}, false, err
	}
	cursor, last, err := s.repo.SnapshotCursor(ctx, queue)
	if err != nil {
		return horizon.Snapshot{}, false, err
	}
	if !last.IsZero() && !period.After(last) {
		return horizon.Snapshot{}, false, nil
	}
	next := horizon.SnapshotCursor{
		Processed:    stats.Processed,
		Failed:       stats.Failed,
		RuntimeTotal: stats.RuntimeTotal.Milliseconds(),
		WaitTotal:    stats.WaitTotal.Milliseconds(),
	}
	if next.Processed < cursor.Processed {
		// Counters were reset underneath us; start over from zero.
		cursor = horizon.SnapshotCursor{}
	}
	snap := Delta(queue, period, cursor, next, s.cfg.Interval)
	ok, err := s.repo.CommitSnapshot(ctx, snap, next, s.cfg.Retention)
	if err != nil {
		return horizon.Snapshot{}, false, err
	}
	return snap, ok, nil
}

// Delta builds the snapshot covering the counters between prev and next.
func Delta(queue string, period time.Time, prev, next horizon.SnapshotCursor, interval time.Duration) horizon.Snapshot {
	snap := horizon.Snapshot{
		PeriodStart: period,
		Queue:       queue,
		Processed:   next.Processed - prev.Processed,
		Failed:      max(next.Failed-prev.Failed, 0),
	}
	if snap.Processed > 0 {
		snap.AvgRuntime = time.Duration((next.RuntimeTotal-prev.RuntimeTotal)/snap.Processed) * time.Millisecond
		snap.AvgWait = time.Duration((next.WaitTotal-prev.WaitTotal)/snap.Processed) * time.Millisecond
	}
	if interval > 0 {
		snap.Throughput = float64(snap.Processed) / interval.Minutes()
	}
	return snap
}

func (s *Snapshotter) archive(ctx context.Context, snaps []horizon.Snapshot) {
	for _, a := range s.archives {
		if err := a.ArchiveSnapshots(ctx, snaps); err != nil {
			s.logger.Warn("archive snapshots failed", zap.String("archive", a.Name()), zap.Error(err))
		}
	}
}
