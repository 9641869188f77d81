// Package process defines handles to running workers and supervisors and the
// OS-level plumbing used to start, signal and observe them.
package process

import (
	"errors"
	"fmt"
	"time"
)

// Signal is the closed set of instructions a parent sends to a child.
type Signal int

// Signals understood by every Process implementation.
const (
	// Pause asks the child to stop taking new work after the current job.
	Pause Signal = iota + 1
	// Continue resumes a paused child.
	Continue
	// Stop asks the child to finish its current job and exit.
	Stop
	// Kill terminates the child immediately.
	Kill
)

func (s Signal) String() string {
	switch s {
	case Pause:
		return "pause"
	case Continue:
		return "continue"
	case Stop:
		return "stop"
	case Kill:
		return "kill"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// ErrExited is returned when signaling a process that already finished.
var ErrExited = errors.New("process already exited")

// Process is a handle to a running child.
type Process interface {
	// ID is the identity the child was started with.
	ID() string
	// PID is the OS process id, or 0 for children without one.
	PID() int
	StartedAt() time.Time
	Signal(sig Signal) error
	// Done is closed once the child has exited.
	Done() <-chan struct{}
	// Err reports how the child exited; only meaningful after Done.
	Err() error
}
