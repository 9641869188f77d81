// Package events carries supervision lifecycle events from the engine to
// pluggable sinks (logs, Prometheus, Pub/Sub) without blocking the emitter.
package events

import (
	"errors"
	"fmt"
	"time"
)

// Kind names a lifecycle milestone.
type Kind string

// Event kinds emitted by masters, supervisors, runners and the snapshotter.
const (
	MasterStarted        Kind = "master.started"
	MasterStopped        Kind = "master.stopped"
	StaleReclaimed       Kind = "supervisor.reclaimed"
	SupervisorStarted    Kind = "supervisor.started"
	SupervisorTerminated Kind = "supervisor.terminated"
	SupervisorRestarted  Kind = "supervisor.restarted"
	LeaseConflict        Kind = "lease.conflict"
	LeaseLost            Kind = "lease.lost"
	WorkerSpawned        Kind = "worker.spawned"
	WorkerExited         Kind = "worker.exited"
	WorkerKilled         Kind = "worker.killed"
	PoolDegraded         Kind = "pool.degraded"
	PoolRecovered        Kind = "pool.recovered"
	JobDeadLettered      Kind = "job.dead_lettered"
	SnapshotCommitted    Kind = "snapshot.committed"
)

var knownKinds = map[Kind]struct{}{
	MasterStarted: {}, MasterStopped: {}, StaleReclaimed: {},
	SupervisorStarted: {}, SupervisorTerminated: {}, SupervisorRestarted: {},
	LeaseConflict: {}, LeaseLost: {},
	WorkerSpawned: {}, WorkerExited: {}, WorkerKilled: {},
	PoolDegraded: {}, PoolRecovered: {},
	JobDeadLettered: {}, SnapshotCommitted: {},
}

// Event is one lifecycle milestone.
type Event struct {
	Kind       Kind      `json:"kind"`
	TS         time.Time `json:"ts"`
	Master     string    `json:"master,omitempty"`
	Supervisor string    `json:"supervisor,omitempty"`
	Worker     string    `json:"worker,omitempty"`
	Queue      string    `json:"queue,omitempty"`
	Job        string    `json:"job,omitempty"`
	// Reason explains kills, exits and degradations (e.g. "timeout", "memory").
	Reason string `json:"reason,omitempty"`
	// Count carries a kind-specific quantity such as processed jobs in a snapshot.
	Count int64 `json:"count,omitempty"`
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	if _, ok := knownKinds[e.Kind]; !ok {
		return fmt.Errorf("unknown event kind %q", e.Kind)
	}
	if e.Count < 0 {
		return errors.New("count must be >= 0")
	}
	return nil
}

// Emitter publishes individual events.
type Emitter interface {
	Emit(evt Event)
}

type discard struct{}

func (discard) Emit(Event) {}

// Discard drops every event.
var Discard Emitter = discard{}

// OrDiscard returns e, or Discard when e is nil.
func OrDiscard(e Emitter) Emitter {
	if e == nil {
		return Discard
	}
	return e
}
