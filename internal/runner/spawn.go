package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/horizon/internal/events"
	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/jobs"
	"github.com/JakeFAU/horizon/internal/process"
)

// Spec identifies one runner to start.
type Spec struct {
	ID         string
	Connection string
	Queues     []string
	Options    horizon.SupervisorOptions
}

// Spawner starts runners and returns handles to them.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (process.Process, error)
}

// ExecSpawner starts each runner as a `worker` subcommand of Binary.
type ExecSpawner struct {
	Executor process.Executor
	Binary   string
	// Args precede the subcommand, e.g. --config.
	Args []string
}

// NewExecSpawner spawns workers from the currently running executable.
func NewExecSpawner(args []string) (*ExecSpawner, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecSpawner{Binary: bin, Args: args}, nil
}

// WorkerArgs renders the command line for spec.
func WorkerArgs(spec Spec) ([]string, error) {
	opts, err := json.Marshal(spec.Options)
	if err != nil {
		return nil, fmt.Errorf("encode worker options: %w", err)
	}
	return []string{
		"worker",
		"--id", spec.ID,
		"--supervisor", spec.Options.Name,
		"--connection", spec.Connection,
		"--queues", strings.Join(spec.Queues, ","),
		"--options", string(opts),
	}, nil
}

// Spawn implements Spawner.
func (s *ExecSpawner) Spawn(_ context.Context, spec Spec) (process.Process, error) {
	args, err := WorkerArgs(spec)
	if err != nil {
		return nil, err
	}
	p, err := s.Executor.Start(process.Command{
		ID:   spec.ID,
		Path: s.Binary,
		Args: append(append([]string(nil), s.Args...), args...),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ErrKilled is the exit error of a runner killed in-process.
var ErrKilled = errors.New("runner killed")

// LocalSpawner runs each runner on a goroutine of the current process.
// Tests and single-binary development setups use it.
type LocalSpawner struct {
	Queue    horizon.QueueBackend
	Workers  horizon.WorkerRepository
	Metrics  horizon.MetricsRepository
	Registry *jobs.Registry
	Clock    horizon.Clock
	Events   events.Emitter
	Logger   *zap.Logger
	// HeartbeatInterval overrides the runner default when set.
	HeartbeatInterval time.Duration
	// Fail, when set, is consulted before every spawn; a non-nil result fails it.
	Fail func(spec Spec) error
}

// Spawn implements Spawner.
func (s *LocalSpawner) Spawn(_ context.Context, spec Spec) (process.Process, error) {
	if s.Fail != nil {
		if err := s.Fail(spec); err != nil {
			return nil, fmt.Errorf("%w: %w", horizon.ErrSpawnFailed, err)
		}
	}
	cfg := ConfigFromOptions(spec.ID, spec.Queues, spec.Options)
	cfg.Host = horizon.Hostname()
	cfg.HeartbeatInterval = s.HeartbeatInterval
	r := New(s.Queue, s.Workers, s.Metrics, s.Registry, s.Clock, s.Events, cfg, s.Logger)

	ctx, cancel := context.WithCancel(context.Background())
	p := &localProcess{
		id:      spec.ID,
		runner:  r,
		cancel:  cancel,
		started: s.Clock.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		err := r.Run(ctx)
		p.mu.Lock()
		if p.killed {
			err = ErrKilled
		}
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

type localProcess struct {
	id      string
	runner  *Runner
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	mu     sync.Mutex
	err    error
	killed bool
}

func (p *localProcess) ID() string            { return p.id }
func (p *localProcess) PID() int              { return 0 }
func (p *localProcess) StartedAt() time.Time  { return p.started }
func (p *localProcess) Done() <-chan struct{} { return p.done }

func (p *localProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *localProcess) Signal(sig process.Signal) error {
	select {
	case <-p.done:
		return process.ErrExited
	default:
	}
	if sig == process.Kill {
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		p.cancel()
		return nil
	}
	p.runner.Control(sig)
	return nil
}
