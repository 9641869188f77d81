package process

import (
	"context"
	"fmt"

	gopsprocess "github.com/shirou/gopsutil/v4/process"
)

// Probe inspects OS processes by PID.
type Probe interface {
	Alive(ctx context.Context, pid int) bool
	// RSS returns resident memory in bytes.
	RSS(ctx context.Context, pid int) (uint64, error)
}

// SystemProbe implements Probe with gopsutil.
type SystemProbe struct{}

// Alive reports whether pid exists on this host.
func (SystemProbe) Alive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := gopsprocess.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}

// RSS reads the resident set size of pid.
func (SystemProbe) RSS(ctx context.Context, pid int) (uint64, error) {
	p, err := gopsprocess.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return 0, fmt.Errorf("open pid %d: %w", pid, err)
	}
	mem, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return 0, fmt.Errorf("memory info pid %d: %w", pid, err)
	}
	return mem.RSS, nil
}
