package master

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/JakeFAU/horizon/internal/horizon"
	"github.com/JakeFAU/horizon/internal/process"
)

// Launcher starts one supervisor and returns a handle to it.
type Launcher interface {
	Launch(ctx context.Context, opts horizon.SupervisorOptions) (process.Process, error)
}

// ExecLauncher starts each supervisor as a `supervisor run` subcommand of Binary.
type ExecLauncher struct {
	Executor process.Executor
	Binary   string
	// Args precede the subcommand, e.g. --config.
	Args []string
}

// NewExecLauncher launches supervisors from the currently running executable.
func NewExecLauncher(args []string) (*ExecLauncher, error) {
	bin, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locate executable: %w", err)
	}
	return &ExecLauncher{Binary: bin, Args: args}, nil
}

// SupervisorArgs renders the command line for opts.
func SupervisorArgs(opts horizon.SupervisorOptions) ([]string, error) {
	raw, err := json.Marshal(opts)
	if err != nil {
		return nil, fmt.Errorf("encode supervisor options: %w", err)
	}
	return []string{"supervisor", "run", opts.Name, "--options", string(raw)}, nil
}

// Launch implements Launcher.
func (l *ExecLauncher) Launch(_ context.Context, opts horizon.SupervisorOptions) (process.Process, error) {
	args, err := SupervisorArgs(opts)
	if err != nil {
		return nil, err
	}
	p, err := l.Executor.Start(process.Command{
		ID:   opts.Name,
		Path: l.Binary,
		Args: append(append([]string(nil), l.Args...), args...),
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Runnable is the part of a supervisor the in-process launcher drives.
type Runnable interface {
	Run(ctx context.Context) error
}

// LocalLauncher runs each supervisor on a goroutine of the master process.
// Build constructs the supervisor for a set of options.
type LocalLauncher struct {
	Build func(opts horizon.SupervisorOptions) (Runnable, error)
	Clock horizon.Clock
}

// ErrKilled is the exit error of an in-process supervisor that was killed.
var ErrKilled = errors.New("supervisor killed")

// Launch implements Launcher.
func (l *LocalLauncher) Launch(ctx context.Context, opts horizon.SupervisorOptions) (process.Process, error) {
	sup, err := l.Build(opts)
	if err != nil {
		return nil, fmt.Errorf("build supervisor %s: %w", opts.Name, err)
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p := &localSupervisor{
		id:      opts.Name,
		cancel:  cancel,
		started: l.Clock.Now(),
		done:    make(chan struct{}),
	}
	go func() {
		err := sup.Run(runCtx)
		p.mu.Lock()
		if p.killed && err == nil {
			err = ErrKilled
		}
		p.err = err
		p.mu.Unlock()
		close(p.done)
	}()
	return p, nil
}

// localSupervisor maps Stop and Kill onto context cancellation, which starts
// a graceful terminate. Pause and continue travel through the control channel.
type localSupervisor struct {
	id      string
	cancel  context.CancelFunc
	started time.Time
	done    chan struct{}

	mu     sync.Mutex
	err    error
	killed bool
}

func (p *localSupervisor) ID() string            { return p.id }
func (p *localSupervisor) PID() int              { return 0 }
func (p *localSupervisor) StartedAt() time.Time  { return p.started }
func (p *localSupervisor) Done() <-chan struct{} { return p.done }

func (p *localSupervisor) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

func (p *localSupervisor) Signal(sig process.Signal) error {
	select {
	case <-p.done:
		return process.ErrExited
	default:
	}
	switch sig {
	case process.Kill:
		p.mu.Lock()
		p.killed = true
		p.mu.Unlock()
		p.cancel()
	case process.Stop:
		p.cancel()
	}
	return nil
}
