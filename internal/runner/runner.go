// Package runner implements the Process Runner: the loop inside one worker
// process that reserves jobs, executes them and reports heartbeats.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/events"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/jobs"
	"github.com/JakeFAU/horizon/internal/metrics"
	"github.com/JakeFAU/horizon/internal/process"
)

var tracer = otel.Tracer("github.com/JakeFAU/horizon/internal/runner")

const (
	defaultSleep             = 3 * time.Second
	defaultHeartbeatInterval = 5 * time.Second
	defaultLease             = 5 * time.Minute
	leaseMargin              = 30 * time.Second
	storeTimeout             = 5 * time.Second
)

// Config controls Runner behavior.
type Config struct {
	ID         string
	Supervisor string
	Queues     []string
	Host       string
	PID        int

	// Tries is the default attempt limit when a job carries none.
	Tries   int
	Backoff time.Duration
	// Sleep bounds how long an idle runner blocks waiting for work.
	Sleep time.Duration
	// Rest pauses between jobs.
	Rest time.Duration
	// Timeout is the per-job wall clock enforced by the supervisor; it sizes the reservation.
	Timeout time.Duration
	// MaxJobs and MaxTime make the runner exit cleanly once reached (zero disables).
	MaxJobs           int
	MaxTime           time.Duration
	HeartbeatInterval time.Duration
	// TerminateGrace bounds how long an orphaned worker process may finish its job.
	TerminateGrace time.Duration
}

// ConfigFromOptions derives a runner config from supervisor options.
func ConfigFromOptions(id string, queues []string, opts horizon.SupervisorOptions) Config {
	return Config{
		ID:         id,
		Supervisor: opts.Name,
		Queues:     append([]string(nil), queues...),
		Tries:      opts.Tries,
		Backoff:    opts.Backoff,
		Sleep:      opts.Sleep,
		Rest:       opts.Rest,
		Timeout:    opts.Timeout,
		MaxJobs:    opts.MaxJobs,
		MaxTime:    opts.MaxTime,

		TerminateGrace: opts.TerminateGrace,
	}
}

// Runner consumes jobs from its queues in order until stopped.
type Runner struct {
	queue    horizon.QueueBackend
	workers  horizon.WorkerRepository
	metrics  horizon.MetricsRepository
	registry *jobs.Registry
	clock    horizon.Clock
	events   events.Emitter
	cfg      Config
	logger   *zap.Logger

	control chan process.Signal

	mu        sync.Mutex
	rec       horizon.WorkerRecord
	paused    bool
	stopping  bool
	processed int
}

// New constructs a Runner.
func New(
	queue horizon.QueueBackend,
	workers horizon.WorkerRepository,
	metrics horizon.MetricsRepository,
	registry *jobs.Registry,
	clock horizon.Clock,
	emitter events.Emitter,
	cfg Config,
	logger *zap.Logger,
) *Runner {
	if cfg.Sleep <= 0 {
		cfg.Sleep = defaultSleep
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.Tries <= 0 {
		cfg.Tries = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	now := clock.Now()
	return &Runner{
		queue:    queue,
		workers:  workers,
		metrics:  metrics,
		registry: registry,
		clock:    clock,
		events:   events.OrDiscard(emitter),
		cfg:      cfg,
		logger:   logger.With(zap.String("worker", cfg.ID), zap.Strings("queues", cfg.Queues)),
		control:  make(chan process.Signal, 16),
		rec: horizon.WorkerRecord{
			ID:          cfg.ID,
			Supervisor:  cfg.Supervisor,
			Queues:      cfg.Queues,
			Host:        cfg.Host,
			PID:         cfg.PID,
			StartedAt:   now,
			HeartbeatAt: now,
		},
	}
}

// Control delivers a pause, continue or stop instruction. It never blocks;
// instructions are applied between jobs.
func (r *Runner) Control(sig process.Signal) {
	select {
	case r.control <- sig:
	default:
		r.logger.Warn("control buffer full, dropping signal", zap.Stringer("signal", sig))
	}
}

// Status returns the current state machine position.
func (r *Runner) Status() horizon.WorkerStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rec.Status
}

// Run blocks until the runner is stopped, a recycling limit is reached or
// ctx is canceled. Cancellation is treated as a forced kill.
func (r *Runner) Run(ctx context.Context) error {
	started := r.clock.Now()
	r.transition(ctx, horizon.WorkerStarting, nil)
	r.transition(ctx, horizon.WorkerIdle, nil)
	r.logger.Info("worker started")

	for {
		if ctx.Err() != nil {
			r.finish(horizon.WorkerStopped)
			return ctx.Err()
		}
		r.drainControl()
		if r.shouldExit(started) {
			break
		}
		if r.isPaused() {
			r.idle(ctx)
			continue
		}
		job, err := r.reserve(ctx)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			r.logger.Warn("reserve failed", zap.Error(err))
			r.sleep(ctx, r.cfg.Sleep)
			continue
		}
		if job == nil {
			if err := r.queue.Wait(ctx, r.cfg.Queues, r.cfg.Sleep); err != nil && ctx.Err() == nil {
				r.logger.Warn("wait failed", zap.Error(err))
				r.sleep(ctx, r.cfg.Sleep)
			}
			r.heartbeat(ctx)
			continue
		}
		if r.exhausted(ctx, *job) {
			continue
		}
		r.work(ctx, *job)
		if r.cfg.Rest > 0 {
			r.sleep(ctx, r.cfg.Rest)
		}
	}

	r.transition(ctx, horizon.WorkerStopping, nil)
	r.finish(horizon.WorkerStopped)
	r.logger.Info("worker stopped", zap.Int("processed", r.processedCount()))
	return nil
}

func (r *Runner) drainControl() {
	for {
		select {
		case sig := <-r.control:
			r.mu.Lock()
			switch sig {
			case process.Pause:
				r.paused = true
			case process.Continue:
				r.paused = false
			case process.Stop, process.Kill:
				r.stopping = true
			}
			r.mu.Unlock()
		default:
			return
		}
	}
}

func (r *Runner) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Runner) processedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.processed
}

func (r *Runner) shouldExit(started time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping {
		return true
	}
	if r.cfg.MaxJobs > 0 && r.processed >= r.cfg.MaxJobs {
		return true
	}
	return r.cfg.MaxTime > 0 && r.clock.Now().Sub(started) >= r.cfg.MaxTime
}

// idle waits while paused, waking early for control instructions.
func (r *Runner) idle(ctx context.Context) {
	r.heartbeat(ctx)
	timer := time.NewTimer(r.cfg.Sleep)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case sig := <-r.control:
		r.Control(sig)
	case <-timer.C:
	}
}

func (r *Runner) sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (r *Runner) lease() time.Duration {
	if r.cfg.Timeout > 0 {
		return r.cfg.Timeout + leaseMargin
	}
	return defaultLease
}

func (r *Runner) reserve(ctx context.Context) (*horizon.Job, error) {
	for _, q := range r.cfg.Queues {
		job, err := r.queue.Reserve(ctx, q, r.lease())
		if err != nil {
			return nil, fmt.Errorf("reserve %s: %w", q, err)
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

func (r *Runner) work(ctx context.Context, job horizon.Job) {
	reservedAt := r.clock.Now()
	jobID := job.ID
	r.transition(ctx, horizon.WorkerWorking, &jobID)

	beatCtx, stopBeat := context.WithCancel(ctx)
	beatDone := make(chan struct{})
	go func() {
		defer close(beatDone)
		r.beatWhileWorking(beatCtx)
	}()

	err := r.execute(ctx, job)
	stopBeat()
	<-beatDone

	if ctx.Err() != nil {
		// Killed mid-job: leave the reservation to expire so the job is redelivered.
		return
	}
	runtime := r.clock.Now().Sub(reservedAt)
	wait := reservedAt.Sub(job.AvailableAt)
	outcome := r.settle(ctx, job, err)
	metrics.ObserveJob(job.Queue, outcome, runtime)
	if rerr := r.metrics.RecordJob(ctx, job.Queue, runtime, wait, err != nil); rerr != nil {
		r.logger.Warn("record job metrics failed", zap.String("job_id", job.ID), zap.Error(rerr))
	}

	r.mu.Lock()
	r.processed++
	r.mu.Unlock()
	r.transition(ctx, horizon.WorkerIdle, nil)
}

func (r *Runner) execute(ctx context.Context, job horizon.Job) (err error) {
	ctx, span := tracer.Start(ctx, "horizon.job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", job.Type),
		attribute.String("job.queue", job.Queue),
		attribute.Int("job.attempts", job.Attempts),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	handler, err := r.registry.Lookup(job.Type)
	if err != nil {
		return err
	}
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return handler(ctx, job)
}

// settle acks, retries or dead-letters job according to err and its attempts,
// returning the outcome label.
func (r *Runner) tries(job horizon.Job) int {
	tries := job.MaxTries
	if tries <= 0 {
		tries = r.cfg.Tries
	}
	return max(tries, 1)
}

// exhausted dead-letters a job whose earlier deliveries were killed before
// settling, leaving it with more attempts than it may use.
func (r *Runner) exhausted(ctx context.Context, job horizon.Job) bool {
	tries := r.tries(job)
	if job.Attempts <= tries {
		return false
	}
	log := r.logger.With(zap.String("job_id", job.ID), zap.String("queue", job.Queue),
		zap.Int("attempts", job.Attempts), zap.Int("tries", tries))
	reason := fmt.Sprintf("max attempts exceeded (%d > %d)", job.Attempts, tries)
	if err := r.queue.DeadLetter(ctx, job, reason); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
		return true
	}
	log.Warn("job dead-lettered without running")
	metrics.ObserveJob(job.Queue, metrics.OutcomeDeadLettered, 0)
	r.events.Emit(events.Event{
		Kind:       events.JobDeadLettered,
		TS:         r.clock.Now(),
		Supervisor: r.cfg.Supervisor,
		Worker:     r.cfg.ID,
		Queue:      job.Queue,
		Job:        job.ID,
		Reason:     reason,
	})
	return true
}

func (r *Runner) settle(ctx context.Context, job horizon.Job, jobErr error) string {
	log := r.logger.With(zap.String("job_id", job.ID), zap.String("queue", job.Queue), zap.Int("attempts", job.Attempts))
	if jobErr == nil {
		if err := r.queue.Ack(ctx, job); err != nil {
			log.Error("ack failed", zap.Error(err))
		}
		log.Debug("job succeeded")
		return metrics.OutcomeSucceeded
	}

	if !errors.Is(jobErr, horizon.ErrUnknownJobType) && job.Attempts < r.tries(job) {
		if err := r.queue.Release(ctx, job, r.cfg.Backoff); err != nil {
			log.Error("release failed", zap.Error(err))
		}
		log.Warn("job failed, released for retry", zap.Error(jobErr), zap.Duration("backoff", r.cfg.Backoff))
		return metrics.OutcomeReleased
	}
	if err := r.queue.DeadLetter(ctx, job, jobErr.Error()); err != nil {
		log.Error("dead-letter failed", zap.Error(err))
		return metrics.OutcomeFailed
	}
	log.Warn("job dead-lettered", zap.Error(jobErr))
	r.events.Emit(events.Event{
		Kind:       events.JobDeadLettered,
		TS:         r.clock.Now(),
		Supervisor: r.cfg.Supervisor,
		Worker:     r.cfg.ID,
		Queue:      job.Queue,
		Job:        job.ID,
		Reason:     jobErr.Error(),
	})
	return metrics.OutcomeDeadLettered
}

func (r *Runner) beatWhileWorking(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.heartbeat(ctx)
		}
	}
}

// heartbeat refreshes HeartbeatAt without changing state.
func (r *Runner) heartbeat(ctx context.Context) {
	r.mu.Lock()
	r.rec.HeartbeatAt = r.clock.Now()
	rec := r.rec
	r.mu.Unlock()
	r.save(ctx, rec)
}

func (r *Runner) transition(ctx context.Context, status horizon.WorkerStatus, jobID *string) {
	now := r.clock.Now()
	r.mu.Lock()
	r.rec.Status = status
	r.rec.HeartbeatAt = now
	r.rec.CurrentJob = jobID
	if jobID != nil {
		r.rec.JobStartedAt = &now
	} else {
		r.rec.JobStartedAt = nil
	}
	rec := r.rec
	r.mu.Unlock()
	r.save(ctx, rec)
}

// finish records the terminal state even when ctx is already canceled.
func (r *Runner) finish(status horizon.WorkerStatus) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	r.transition(ctx, status, nil)
}

func (r *Runner) save(ctx context.Context, rec horizon.WorkerRecord) {
	if err := r.workers.SaveWorker(ctx, rec); err != nil && ctx.Err() == nil {
		r.logger.Warn("save worker record failed", zap.Error(err))
	}
}
