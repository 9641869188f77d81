//go:build unix

package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/JakeFAU/horizon/internal/horizon"
)

// Command describes an executable to start.
type Command struct {
	ID   string
	Path string
	Args []string
	Env  []string
}

// Executor starts OS processes. The zero value inherits stdout and stderr.
type Executor struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Start launches cmd in its own process group so terminal signals aimed at
// the parent do not reach it directly.
func (e Executor) Start(cmd Command) (*OSProcess, error) {
	if cmd.Path == "" {
		return nil, fmt.Errorf("%w: empty command path", horizon.ErrSpawnFailed)
	}
	c := exec.Command(cmd.Path, cmd.Args...)
	c.Env = append(os.Environ(), cmd.Env...)
	c.Stdout = e.Stdout
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	c.Stderr = e.Stderr
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	c.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := c.Start(); err != nil {
		return nil, fmt.Errorf("%w: %w", horizon.ErrSpawnFailed, err)
	}
	p := &OSProcess{
		id:      cmd.ID,
		cmd:     c,
		started: time.Now().UTC(),
		done:    make(chan struct{}),
	}
	go p.wait()
	return p, nil
}

// OSProcess is a Process backed by an os/exec child.
type OSProcess struct {
	id      string
	cmd     *exec.Cmd
	started time.Time
	done    chan struct{}

	mu  sync.Mutex
	err error
}

func (p *OSProcess) wait() {
	err := p.cmd.Wait()
	p.mu.Lock()
	p.err = err
	p.mu.Unlock()
	close(p.done)
}

// ID implements Process.
func (p *OSProcess) ID() string { return p.id }

// PID implements Process.
func (p *OSProcess) PID() int { return p.cmd.Process.Pid }

// StartedAt implements Process.
func (p *OSProcess) StartedAt() time.Time { return p.started }

// Done implements Process.
func (p *OSProcess) Done() <-chan struct{} { return p.done }

// Err implements Process.
func (p *OSProcess) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Signal maps sig onto SIGUSR2, SIGCONT, SIGTERM or SIGKILL.
func (p *OSProcess) Signal(sig Signal) error {
	select {
	case <-p.done:
		return ErrExited
	default:
	}
	var s syscall.Signal
	switch sig {
	case Pause:
		s = syscall.SIGUSR2
	case Continue:
		s = syscall.SIGCONT
	case Stop:
		s = syscall.SIGTERM
	case Kill:
		s = syscall.SIGKILL
	default:
		return fmt.Errorf("unsupported signal %s", sig)
	}
	if err := p.cmd.Process.Signal(s); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return ErrExited
		}
		return fmt.Errorf("signal %s to pid %d: %w", sig, p.PID(), err)
	}
	return nil
}

// Notify relays OS signals received by the current process onto ch as
// process Signals. It returns a stop function.
func Notify(ctx context.Context, ch chan<- Signal) func() {
	osCh := make(chan os.Signal, 4)
	signalNotify(osCh)
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case s := <-osCh:
				var out Signal
				switch s {
				case syscall.SIGUSR2:
					out = Pause
				case syscall.SIGCONT:
					out = Continue
				case syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT:
					out = Stop
				default:
					continue
				}
				select {
				case ch <- out:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return func() {
		cancel()
		signalStop(osCh)
	}
}
