// Package balance computes per-pool process targets for a supervisor.
//
// The simple strategy gives every pool an even share of the supervisor
// ceiling. The auto strategy weighs each pool by its estimated time to clear
// (pending jobs x average runtime), hands out the ceiling in proportion,
// clamps each pool to [min, AutoMax] and then moves every pool at
// most MaxShift processes per tick. Scaling down additionally waits until the
// pool has wanted fewer processes for the whole Cooldown.
package balance

import (
	"math"
	"strings"
	"time"

	"github.com/JakeFAU/horizon/internal/horizon"
)

const fallbackRuntime = time.Second

// Load is the observed state of one pool.
type Load struct {
	Queues     []string
	Pending    int64
	AvgRuntime time.Duration
	Current    int
}

func (l Load) key() string { return strings.Join(l.Queues, ",") }

// Config parameterizes a Balancer.
type Config struct {
	Strategy horizon.Balance
	// Min is the per-pool floor.
	Min int
	// MaxShift bounds the change of one pool per tick (auto only).
	MaxShift int
	// Cooldown is how long a pool must want fewer processes before shrinking (auto only).
	Cooldown time.Duration
}

// Balancer is stateful: it remembers how long each pool has wanted to shrink.
// It is not safe for concurrent use; the supervisor loop owns it.
type Balancer struct {
	cfg      Config
	lowSince map[string]time.Time
}

// New returns a Balancer.
func New(cfg Config) *Balancer {
	if cfg.Min < 0 {
		cfg.Min = 0
	}
	if cfg.MaxShift <= 0 {
		cfg.MaxShift = 1
	}
	return &Balancer{cfg: cfg, lowSince: make(map[string]time.Time)}
}

// PoolMaxes splits ceiling evenly over n pools, giving the remainder to the
// first pools. Every share is at least floor.
func PoolMaxes(ceiling, n, floor int) []int {
	out := make([]int, n)
	if n == 0 {
		return out
	}
	base, rem := ceiling/n, ceiling%n
	for i := range out {
		share := base
		if i < rem {
			share++
		}
		out[i] = max(share, floor)
	}
	return out
}

// AutoMax is the most one pool may hold under auto balancing: the ceiling
// minus the floors reserved for the other pools.
func AutoMax(ceiling, n, floor int) int {
	return max(ceiling-(n-1)*floor, floor)
}

// Targets returns one target per load, in order.
func (b *Balancer) Targets(now time.Time, loads []Load, ceiling int) []int {
	targets := make([]int, len(loads))
	switch b.cfg.Strategy {
	case horizon.BalanceSimple:
		copy(targets, PoolMaxes(ceiling, len(loads), b.cfg.Min))
	case horizon.BalanceAuto:
		maxes := make([]int, len(loads))
		for i := range maxes {
			maxes[i] = AutoMax(ceiling, len(loads), b.cfg.Min)
		}
		b.auto(now, loads, maxes, ceiling, targets)
	default:
		for i := range targets {
			targets[i] = b.cfg.Min
		}
	}
	return targets
}

func (b *Balancer) auto(now time.Time, loads []Load, maxes []int, ceiling int, targets []int) {
	desired := b.desired(loads, maxes, ceiling)
	for i, l := range loads {
		targets[i] = b.step(now, l, desired[i], maxes[i])
	}
	fitCeiling(loads, targets, b.cfg.Min, ceiling)
}

// desired is the unsmoothed proportional allocation.
func (b *Balancer) desired(loads []Load, maxes []int, ceiling int) []int {
	out := make([]int, len(loads))
	weights := make([]float64, len(loads))
	var total float64
	for i, l := range loads {
		if l.Pending <= 0 {
			continue
		}
		rt := l.AvgRuntime
		if rt <= 0 {
			rt = fallbackRuntime
		}
		weights[i] = float64(l.Pending) * rt.Seconds()
		total += weights[i]
	}
	for i := range loads {
		share := b.cfg.Min
		if total > 0 && weights[i] > 0 {
			share = int(math.Ceil(weights[i] / total * float64(ceiling)))
		}
		out[i] = clamp(share, b.cfg.Min, maxes[i])
	}
	// Ceil rounding can overshoot; take back from the least loaded pools first.
	for sum(out) > ceiling {
		victim := -1
		for i := range out {
			if out[i] <= b.cfg.Min {
				continue
			}
			if victim < 0 || weights[i] < weights[victim] {
				victim = i
			}
		}
		if victim < 0 {
			break
		}
		out[victim]--
	}
	return out
}

func (b *Balancer) step(now time.Time, l Load, want, poolMax int) int {
	key := l.key()
	cur := l.Current
	switch {
	case cur > poolMax:
		delete(b.lowSince, key)
		return poolMax
	case cur < b.cfg.Min:
		delete(b.lowSince, key)
		return b.cfg.Min
	case want > cur:
		delete(b.lowSince, key)
		return min(want, cur+b.cfg.MaxShift)
	case want < cur:
		since, ok := b.lowSince[key]
		if !ok {
			b.lowSince[key] = now
			since = now
		}
		if now.Sub(since) < b.cfg.Cooldown {
			return cur
		}
		return max(want, cur-b.cfg.MaxShift)
	default:
		delete(b.lowSince, key)
		return cur
	}
}

// fitCeiling trims targets so their sum stays within ceiling, undoing growth
// before shrinking pools that are holding through a cooldown. Pools never go below min.
func fitCeiling(loads []Load, targets []int, floor, ceiling int) {
	over := sum(targets) - ceiling
	for i := range targets {
		if over <= 0 {
			return
		}
		if grow := targets[i] - max(loads[i].Current, floor); grow > 0 {
			cut := min(grow, over)
			targets[i] -= cut
			over -= cut
		}
	}
	for i := range targets {
		if over <= 0 {
			return
		}
		if spare := targets[i] - floor; spare > 0 {
			cut := min(spare, over)
			targets[i] -= cut
			over -= cut
		}
	}
}

func clamp(v, lo, hi int) int {
	return max(lo, min(v, hi))
}

func sum(xs []int) int {
	total := 0
	for _, x := range xs {
		total += x
	}
	return total
}
