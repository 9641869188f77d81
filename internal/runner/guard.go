package runner

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultGuardInterval = 5 * time.Second
	defaultGuardGrace    = time.Minute
)

// LeaseReader reports who holds a lease; "" means nobody.
type LeaseReader interface {
	LeaseHolder(ctx context.Context, name string) (string, error)
}

// GuardConfig parameterizes a Guard.
type GuardConfig struct {
	// Lease is the owning supervisor's lease name.
	Lease    string
	Interval time.Duration
	// Grace is how long a stopped runner may keep finishing its job before it is killed.
	Grace time.Duration
}

// Guard notices that the supervisor which spawned a worker process is gone:
// the process was reparented, or the supervisor lease is no longer held by
// the owner seen at startup.
type Guard struct {
	cfg     GuardConfig
	leases  LeaseReader
	parent  func() int
	logger  *zap.Logger
	ppid    int
	owner   string
	tripped atomic.Bool
}

// NewGuard records the current parent and lease owner. parent is usually os.Getppid.
func NewGuard(ctx context.Context, cfg GuardConfig, leases LeaseReader, parent func() int, logger *zap.Logger) (*Guard, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = defaultGuardInterval
	}
	if cfg.Grace <= 0 {
		cfg.Grace = defaultGuardGrace
	}
	g := &Guard{cfg: cfg, leases: leases, parent: parent, logger: logger.Named("guard")}
	if parent != nil {
		g.ppid = parent()
	}
	if leases != nil && cfg.Lease != "" {
		owner, err := leases.LeaseHolder(ctx, cfg.Lease)
		if err != nil {
			return nil, fmt.Errorf("read supervisor lease: %w", err)
		}
		g.owner = owner
	}
	return g, nil
}

// Orphaned reports whether the owning supervisor is gone and why. Storage
// errors are not treated as orphaning.
func (g *Guard) Orphaned(ctx context.Context) (bool, string) {
	if g.parent != nil && g.parent() != g.ppid {
		return true, "parent process exited"
	}
	if g.owner == "" {
		return false, ""
	}
	holder, err := g.leases.LeaseHolder(ctx, g.cfg.Lease)
	if err != nil {
		g.logger.Debug("lease check failed", zap.Error(err))
		return false, ""
	}
	if holder != g.owner {
		return true, "supervisor lease changed hands"
	}
	return false, ""
}

// Tripped reports whether Watch found the worker orphaned.
func (g *Guard) Tripped() bool { return g.tripped.Load() }

// Watch polls until ctx ends or the worker is orphaned. It then calls stop,
// and kill once Grace elapses without ctx ending.
func (g *Guard) Watch(ctx context.Context, stop, kill func()) {
	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		orphaned, reason := g.Orphaned(ctx)
		if !orphaned {
			continue
		}
		g.tripped.Store(true)
		g.logger.Warn("supervisor gone, stopping worker", zap.String("reason", reason), zap.String("lease", g.cfg.Lease))
		stop()
		timer := time.NewTimer(g.cfg.Grace)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			g.logger.Warn("worker did not stop within grace, killing", zap.Duration("grace", g.cfg.Grace))
			kill()
		}
		return
	}
}
