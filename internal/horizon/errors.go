package horizon

import "errors"

// Error taxonomy shared by the engine. Callers classify with errors.Is.
var (
	// ErrBackendUnavailable means Redis (queue or shared storage) could not be reached.
	ErrBackendUnavailable = errors.New("backend unavailable")
	// ErrLeaseConflict means another process holds the lease at acquisition time.
	ErrLeaseConflict = errors.New("lease held by another process")
	// ErrLeaseLost means a held lease could not be renewed because someone else owns it.
	ErrLeaseLost = errors.New("lease lost")
	// ErrSpawnFailed wraps failures to start a worker process.
	ErrSpawnFailed = errors.New("process spawn failed")
	// ErrTerminated is returned by a control loop that finished a graceful terminate.
	ErrTerminated = errors.New("terminated")
	// ErrUnknownTarget means no supervisor matched a command target.
	ErrUnknownTarget = errors.New("no supervisor matches target")
	// ErrUnknownJobType means no handler is registered for a job type.
	ErrUnknownJobType = errors.New("unknown job type")
	// ErrNotFound signals that the requested record does not exist.
	ErrNotFound = errors.New("record not found")
)
