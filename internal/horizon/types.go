// Package horizon defines core types shared across the supervision subsystems.
package horizon

import (
	"encoding/json"
	"time"
)

// Balance selects how a supervisor sizes its worker pools over time.
type Balance string

// Balance strategies accepted in supervisor configuration.
const (
	BalanceSimple Balance = "simple"
	BalanceAuto   Balance = "auto"
	BalanceOff    Balance = "off"
)

// ParseBalance normalizes configuration spellings ("false" and "" mean off).
func ParseBalance(raw string) (Balance, bool) {
	switch raw {
	case "simple":
		return BalanceSimple, true
	case "auto":
		return BalanceAuto, true
	case "off", "false", "":
		return BalanceOff, true
	default:
		return "", false
	}
}

// SupervisorStatus is the coarse state published by a running supervisor.
type SupervisorStatus string

// Supervisor status values.
const (
	StatusRunning     SupervisorStatus = "running"
	StatusPaused      SupervisorStatus = "paused"
	StatusTerminating SupervisorStatus = "terminating"
)

// WorkerStatus is the Process Runner state machine position.
type WorkerStatus string

// Worker status values, in lifecycle order.
const (
	WorkerStarting WorkerStatus = "starting"
	WorkerIdle     WorkerStatus = "idle"
	WorkerWorking  WorkerStatus = "working"
	WorkerStopping WorkerStatus = "stopping"
	WorkerStopped  WorkerStatus = "stopped"
)

// SupervisorOptions is the full configuration for one supervisor.
type SupervisorOptions struct {
	Name             string        `json:"name"`
	Master           string        `json:"master"`
	Connection       string        `json:"connection"`
	Queues           []string      `json:"queues"`
	Balance          Balance       `json:"balance"`
	MinProcesses     int           `json:"min_processes"`
	MaxProcesses     int           `json:"max_processes"`
	BalanceMaxShift  int           `json:"balance_max_shift"`
	BalanceCooldown  time.Duration `json:"balance_cooldown"`
	Timeout          time.Duration `json:"timeout"`
	MemoryMB         int           `json:"memory_mb"`
	Tries            int           `json:"tries"`
	Backoff          time.Duration `json:"backoff"`
	Sleep            time.Duration `json:"sleep"`
	Rest             time.Duration `json:"rest"`
	MaxJobs          int           `json:"max_jobs"`
	MaxTime          time.Duration `json:"max_time"`
	TerminateGrace   time.Duration `json:"terminate_grace"`
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`
}

// PoolStatus summarizes one worker pool for introspection.
type PoolStatus struct {
	Queues      []string `json:"queues"`
	Target      int      `json:"target"`
	Processes   int      `json:"processes"`
	Idle        int      `json:"idle"`
	Working     int      `json:"working"`
	Terminating int      `json:"terminating"`
	Degraded    bool     `json:"degraded"`
}

// SupervisorRecord is the liveness/status record a supervisor writes each tick.
type SupervisorRecord struct {
	Name           string            `json:"name"`
	Master         string            `json:"master"`
	Host           string            `json:"host"`
	PID            int               `json:"pid"`
	Status         SupervisorStatus  `json:"status"`
	Degraded       bool              `json:"degraded"`
	DegradedReason string            `json:"degraded_reason,omitempty"`
	Options        SupervisorOptions `json:"options"`
	Pools          []PoolStatus      `json:"pools"`
	LeaseOwner     string            `json:"lease_owner"`
	StartedAt      time.Time         `json:"started_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// Processes returns the total process count across pools.
func (r SupervisorRecord) Processes() int {
	total := 0
	for _, p := range r.Pools {
		total += p.Processes
	}
	return total
}

// MasterRecord is the liveness record of a master supervisor.
type MasterRecord struct {
	Name        string           `json:"name"`
	Host        string           `json:"host"`
	PID         int              `json:"pid"`
	Status      SupervisorStatus `json:"status"`
	Supervisors []string         `json:"supervisors"`
	StartedAt   time.Time        `json:"started_at"`
	UpdatedAt   time.Time        `json:"updated_at"`
}

// WorkerRecord is the heartbeat record of a single Process Runner.
type WorkerRecord struct {
	ID           string       `json:"id"`
	Supervisor   string       `json:"supervisor"`
	Queues       []string     `json:"queues"`
	Host         string       `json:"host"`
	PID          int          `json:"pid"`
	Status       WorkerStatus `json:"status"`
	CurrentJob   *string      `json:"current_job,omitempty"`
	JobStartedAt *time.Time   `json:"job_started_at,omitempty"`
	StartedAt    time.Time    `json:"started_at"`
	HeartbeatAt  time.Time    `json:"heartbeat_at"`
}

// Job is the engine's view of a queued job. The queue backend owns its lifecycle.
type Job struct {
	ID            string          `json:"id"`
	Type          string          `json:"type"`
	Queue         string          `json:"queue"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	Attempts      int             `json:"attempts"`
	MaxTries      int             `json:"max_tries,omitempty"`
	PushedAt      time.Time       `json:"pushed_at"`
	AvailableAt   time.Time       `json:"available_at"`
	ReservedUntil time.Time       `json:"-"`

	// Raw is the exact encoding held in the reserved set; ack/release match on it.
	Raw string `json:"-"`
}

// QueueStats holds cumulative counters for a queue since the engine started recording.
type QueueStats struct {
	Queue        string        `json:"queue"`
	Processed    int64         `json:"processed"`
	Failed       int64         `json:"failed"`
	RuntimeTotal time.Duration `json:"runtime_total"`
	WaitTotal    time.Duration `json:"wait_total"`
}

// AverageRuntime returns the mean job runtime, or zero without history.
func (s QueueStats) AverageRuntime() time.Duration {
	if s.Processed == 0 {
		return 0
	}
	return s.RuntimeTotal / time.Duration(s.Processed)
}

// Snapshot is an immutable time-bucketed aggregate for one queue.
type Snapshot struct {
	PeriodStart time.Time     `json:"period_start"`
	Queue       string        `json:"queue"`
	Processed   int64         `json:"processed"`
	Failed      int64         `json:"failed"`
	AvgWait     time.Duration `json:"avg_wait"`
	AvgRuntime  time.Duration `json:"avg_runtime"`
	Throughput  float64       `json:"throughput"`
}

// SnapshotCursor is the last-seen cumulative state used to compute deltas.
type SnapshotCursor struct {
	Processed    int64 `json:"processed"`
	Failed       int64 `json:"failed"`
	RuntimeTotal int64 `json:"runtime_total_ms"`
	WaitTotal    int64 `json:"wait_total_ms"`
}

// Workload describes the current pressure on a queue.
type Workload struct {
	Queue     string        `json:"queue"`
	Pending   int64         `json:"pending"`
	Size      int64         `json:"size"`
	Processes int           `json:"processes"`
	Wait      time.Duration `json:"wait"`
}
