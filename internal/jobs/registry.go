// Package jobs maps job type names to the handlers that execute them.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// Handler executes one job. Returning an error fails the attempt.
type Handler func(ctx context.Context, job horizon.Job) error

// Registry is a concurrency-safe handler table.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds name to h, replacing any previous binding.
func (r *Registry) Register(name string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[name] = h
}

// Lookup returns the handler for name or horizon.ErrUnknownJobType.
func (r *Registry) Lookup(name string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, horizon.ErrUnknownJobType)
	}
	return h, nil
}

// Names lists registered job types.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for n := range r.handlers {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// ErrFailRequested is returned by the "fail" handler.
var ErrFailRequested = errors.New("job requested failure")

type sleepPayload struct {
	Duration string `json:"duration"`
}

// Defaults returns a registry with the built-in handlers:
//
//	noop   succeeds immediately
//	sleep  waits payload.duration (Go duration string), honoring cancellation
//	fail   always fails
//	log    writes the payload to logger
func Defaults(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := NewRegistry()
	r.Register("noop", func(context.Context, horizon.Job) error { return nil })
	r.Register("sleep", func(ctx context.Context, job horizon.Job) error {
		var p sleepPayload
		if len(job.Payload) > 0 {
			if err := json.Unmarshal(job.Payload, &p); err != nil {
				return fmt.Errorf("decode sleep payload: %w", err)
			}
		}
		d, err := time.ParseDuration(p.Duration)
		if err != nil {
			return fmt.Errorf("parse sleep duration: %w", err)
		}
		timer := time.NewTimer(d)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			return nil
		}
	})
	r.Register("fail", func(context.Context, horizon.Job) error { return ErrFailRequested })
	r.Register("log", func(_ context.Context, job horizon.Job) error {
		logger.Info("job payload",
			zap.String("job_id", job.ID),
			zap.String("queue", job.Queue),
			zap.ByteString("payload", job.Payload),
		)
		return nil
	})
	return r
}
