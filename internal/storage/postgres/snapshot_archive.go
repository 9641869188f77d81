// Package postgres archives committed snapshots into Postgres for history
// beyond the shared-storage retention window.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/horizon/internal/horizon"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const defaultTable = "queue_snapshots"

// Config controls the Postgres connection pool used for snapshot rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// SnapshotArchive writes snapshots into a Postgres table keyed by (queue, period_start).
type SnapshotArchive struct {
	pool  pool
	table string
}

// NewSnapshotArchive connects to Postgres using cfg.
func NewSnapshotArchive(ctx context.Context, cfg Config) (*SnapshotArchive, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	archive, err := NewSnapshotArchiveWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return archive, nil
}

// NewSnapshotArchiveWithPool constructs an archive from an existing pool (primarily for testing).
func NewSnapshotArchiveWithPool(p pool, table string) (*SnapshotArchive, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &SnapshotArchive{pool: p, table: table}, nil
}

// Name identifies the archive in logs.
func (a *SnapshotArchive) Name() string { return "postgres" }

// Close releases the underlying pool resources.
func (a *SnapshotArchive) Close() {
	if a == nil || a.pool == nil {
		return
	}
	a.pool.Close()
}

// EnsureSchema creates the snapshot table when missing.
func (a *SnapshotArchive) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	queue          TEXT             NOT NULL,
	period_start   TIMESTAMPTZ      NOT NULL,
	processed      BIGINT           NOT NULL,
	failed         BIGINT           NOT NULL,
	avg_wait_ms    BIGINT           NOT NULL,
	avg_runtime_ms BIGINT           NOT NULL,
	throughput     DOUBLE PRECISION NOT NULL,
	PRIMARY KEY (queue, period_start)
)`, a.table)
	if _, err := a.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create snapshot table: %w", err)
	}
	return nil
}

// ArchiveSnapshots inserts snaps, ignoring periods that are already stored.
func (a *SnapshotArchive) ArchiveSnapshots(ctx context.Context, snaps []horizon.Snapshot) error {
	query := fmt.Sprintf(`
INSERT INTO %s (
	queue,
	period_start,
	processed,
	failed,
	avg_wait_ms,
	avg_runtime_ms,
	throughput
) VALUES (
	$1,$2,$3,$4,$5,$6,$7
) ON CONFLICT (queue, period_start) DO NOTHING`, a.table)

	for _, snap := range snaps {
		_, err := a.pool.Exec(ctx, query,
			snap.Queue,
			snap.PeriodStart,
			snap.Processed,
			snap.Failed,
			snap.AvgWait.Milliseconds(),
			snap.AvgRuntime.Milliseconds(),
			snap.Throughput,
		)
		if err != nil {
			return fmt.Errorf("insert snapshot %s@%s: %w", snap.Queue, snap.PeriodStart.Format(time.RFC3339), err)
		}
	}
	return nil
}

// Snapshots returns archived snapshots for queue with from <= period <= to,
// oldest first. Zero bounds are open.
func (a *SnapshotArchive) Snapshots(ctx context.Context, queue string, from, to time.Time) ([]horizon.Snapshot, error) {
	query := fmt.Sprintf(`
SELECT queue, period_start, processed, failed, avg_wait_ms, avg_runtime_ms, throughput
FROM %s
WHERE queue = $1
	AND ($2::timestamptz IS NULL OR period_start >= $2)
	AND ($3::timestamptz IS NULL OR period_start <= $3)
ORDER BY period_start`, a.table)

	rows, err := a.pool.Query(ctx, query, queue, nullTime(from), nullTime(to))
	if err != nil {
		return nil, fmt.Errorf("query snapshots: %w", err)
	}
	defer rows.Close()

	var out []horizon.Snapshot
	for rows.Next() {
		var (
			snap              horizon.Snapshot
			waitMs, runtimeMs int64
		)
		if err := rows.Scan(&snap.Queue, &snap.PeriodStart, &snap.Processed, &snap.Failed,
			&waitMs, &runtimeMs, &snap.Throughput); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		snap.AvgWait = time.Duration(waitMs) * time.Millisecond
		snap.AvgRuntime = time.Duration(runtimeMs) * time.Millisecond
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
