package horizon

import (
	"context"
	"time"
)

// QueueBackend is the durable job queue consumed by the engine.
type QueueBackend interface {
	// Push appends a job to the tail of queue and returns its ID.
	Push(ctx context.Context, queue string, job Job) (string, error)
	// Later schedules a job to become available after delay.
	Later(ctx context.Context, queue string, delay time.Duration, job Job) (string, error)
	// Reserve pops the next available job and leases it; nil when the queue is empty.
	Reserve(ctx context.Context, queue string, lease time.Duration) (*Job, error)
	// Wait blocks until any of queues signals new work or timeout elapses.
	Wait(ctx context.Context, queues []string, timeout time.Duration) error
	// Ack deletes a reserved job.
	Ack(ctx context.Context, job Job) error
	// Release returns a reserved job to the queue after delay.
	Release(ctx context.Context, job Job, delay time.Duration) error
	// DeadLetter moves a reserved job to the queue's dead-letter list.
	DeadLetter(ctx context.Context, job Job, reason string) error
	// Size counts ready, delayed and reserved jobs.
	Size(ctx context.Context, queue string) (int64, error)
	// Pending counts jobs ready to be reserved.
	Pending(ctx context.Context, queue string) (int64, error)
}

// LeaseStore provides exclusive, time-bound ownership of a name.
type LeaseStore interface {
	AcquireLease(ctx context.Context, name, owner string, ttl time.Duration) error
	RenewLease(ctx context.Context, name, owner string, ttl time.Duration) error
	ReleaseLease(ctx context.Context, name, owner string) error
	LeaseHolder(ctx context.Context, name string) (string, error)
}

// SignalStore is the control channel between CLI commands and running supervisors.
type SignalStore interface {
	SendSignal(ctx context.Context, sig Signal) error
	// TakeSignals atomically reads and clears pending signals for target.
	TakeSignals(ctx context.Context, target string) ([]Signal, error)
}

// SupervisorRepository stores supervisor status records.
type SupervisorRepository interface {
	SaveSupervisor(ctx context.Context, rec SupervisorRecord) error
	Supervisor(ctx context.Context, name string) (SupervisorRecord, error)
	Supervisors(ctx context.Context) ([]SupervisorRecord, error)
	ForgetSupervisor(ctx context.Context, name string) error
}

// MasterRepository stores master supervisor records.
type MasterRepository interface {
	SaveMaster(ctx context.Context, rec MasterRecord) error
	Masters(ctx context.Context) ([]MasterRecord, error)
	ForgetMaster(ctx context.Context, name string) error
}

// WorkerRepository stores Process Runner heartbeat records.
type WorkerRepository interface {
	SaveWorker(ctx context.Context, rec WorkerRecord) error
	Worker(ctx context.Context, supervisor, id string) (WorkerRecord, error)
	Workers(ctx context.Context, supervisor string) ([]WorkerRecord, error)
	ForgetWorker(ctx context.Context, supervisor, id string) error
	ForgetWorkers(ctx context.Context, supervisor string) error
}

// MetricsRepository accumulates per-queue job counters.
type MetricsRepository interface {
	RecordJob(ctx context.Context, queue string, runtime, wait time.Duration, failed bool) error
	QueueStats(ctx context.Context, queue string) (QueueStats, error)
	MeasuredQueues(ctx context.Context) ([]string, error)
}

// SnapshotRepository persists append-only snapshots and the delta cursor.
type SnapshotRepository interface {
	// CommitSnapshot appends snap and advances the cursor atomically. It returns
	// false without writing when snap.PeriodStart is not after the last committed period.
	CommitSnapshot(ctx context.Context, snap Snapshot, cursor SnapshotCursor, retention time.Duration) (bool, error)
	SnapshotCursor(ctx context.Context, queue string) (SnapshotCursor, time.Time, error)
	Snapshots(ctx context.Context, queue string, from, to time.Time) ([]Snapshot, error)
}

// Store is the full shared-storage contract.
type Store interface {
	LeaseStore
	SignalStore
	SupervisorRepository
	MasterRepository
	WorkerRepository
	MetricsRepository
	SnapshotRepository
	Ping(ctx context.Context) error
	Close() error
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces unique identifiers.
type IDGenerator interface {
	NewID() (string, error)
}
