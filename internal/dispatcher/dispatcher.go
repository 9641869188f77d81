// Package dispatcher validates and enqueues jobs on behalf of producers.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/jobs"
)

// Request describes one job to enqueue.
type Request struct {
	Queue    string
	Type     string
	Payload  json.RawMessage
	Delay    time.Duration
	MaxTries int
}

// Dispatcher fronts the queue backend.
type Dispatcher struct {
	queue    horizon.QueueBackend
	registry *jobs.Registry
	logger   *zap.Logger
}

// New creates a Dispatcher. When registry is non-nil, job types without a
// registered handler are refused instead of being dead-lettered later.
func New(queue horizon.QueueBackend, registry *jobs.Registry, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{queue: queue, registry: registry, logger: logger}
}

// Dispatch enqueues req and returns the job ID.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (string, error) {
	if err := d.validate(req); err != nil {
		return "", err
	}
	job := horizon.Job{Type: req.Type, Payload: req.Payload, MaxTries: req.MaxTries}
	var (
		id  string
		err error
	)
	if req.Delay > 0 {
		id, err = d.queue.Later(ctx, req.Queue, req.Delay, job)
	} else {
		id, err = d.queue.Push(ctx, req.Queue, job)
	}
	if err != nil {
		return "", fmt.Errorf("queue push: %w", err)
	}
	d.logger.Debug("job dispatched",
		zap.String("job_id", id),
		zap.String("queue", req.Queue),
		zap.String("type", req.Type),
		zap.Duration("delay", req.Delay),
	)
	return id, nil
}

func (d *Dispatcher) validate(req Request) error {
	if req.Queue == "" {
		return errors.New("queue is required")
	}
	if req.Type == "" {
		return errors.New("job type is required")
	}
	if req.Delay < 0 {
		return errors.New("delay must be >= 0")
	}
	if req.MaxTries < 0 {
		return errors.New("max tries must be >= 0")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return errors.New("payload must be valid JSON")
	}
	if d.registry != nil {
		if _, err := d.registry.Lookup(req.Type); err != nil {
			return err
		}
	}
	return nil
}
