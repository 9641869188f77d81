package horizon

import (
	"fmt"
	"time"
)

// Action is the closed set of control commands a supervisor understands.
type Action string

// Control actions.
const (
	ActionPause     Action = "pause"
	ActionContinue  Action = "continue"
	ActionTerminate Action = "terminate"
	ActionTimeout   Action = "timeout"
	ActionScale     Action = "scale"
)

// Actions lists every valid action.
var Actions = []Action{ActionPause, ActionContinue, ActionTerminate, ActionTimeout, ActionScale}

// ParseAction validates a raw action name.
func ParseAction(raw string) (Action, error) {
	for _, a := range Actions {
		if string(a) == raw {
			return a, nil
		}
	}
	return "", fmt.Errorf("unknown control action %q", raw)
}

// Signal is a one-shot instruction addressed to a single supervisor or master.
type Signal struct {
	Target   string    `json:"target"`
	Action   Action    `json:"action"`
	IssuedAt time.Time `json:"issued_at"`

	// Timeout overrides the per-job timeout for ActionTimeout sweeps when > 0.
	Timeout time.Duration `json:"timeout,omitempty"`
	// Processes is the new process ceiling for ActionScale.
	Processes int `json:"processes,omitempty"`
}

// Validate checks action-specific fields.
func (s Signal) Validate() error {
	if s.Target == "" {
		return fmt.Errorf("signal target is required")
	}
	switch s.Action {
	case ActionPause, ActionContinue, ActionTerminate:
		return nil
	case ActionTimeout:
		if s.Timeout < 0 {
			return fmt.Errorf("timeout must be >= 0")
		}
		return nil
	case ActionScale:
		if s.Processes <= 0 {
			return fmt.Errorf("scale requires processes > 0")
		}
		return nil
	default:
		return fmt.Errorf("unknown control action %q", s.Action)
	}
}
