package balance

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/horizon/internal/horizon"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

func TestPoolMaxes(t *testing.T) {
	t.Parallel()

	require.Equal(t, []int{3, 2}, PoolMaxes(5, 2, 1))
	require.Equal(t, []int{1, 1, 1}, PoolMaxes(1, 3, 1))
	require.Equal(t, []int{10}, PoolMaxes(10, 1, 0))
	require.Empty(t, PoolMaxes(10, 0, 1))
	require.Equal(t, 8, AutoMax(10, 3, 1))
	require.Equal(t, 2, AutoMax(1, 3, 2))
}

func TestSimpleAndOff(t *testing.T) {
	t.Parallel()

	loads := []Load{{Queues: []string{"a"}}, {Queues: []string{"b"}}}
	simple := New(Config{Strategy: horizon.BalanceSimple, Min: 1})
	require.Equal(t, []int{3, 2}, simple.Targets(t0, loads, 5))

	off := New(Config{Strategy: horizon.BalanceOff, Min: 2})
	require.Equal(t, []int{2}, off.Targets(t0, []Load{{Queues: []string{"a", "b"}, Pending: 1000}}, 10))
}

func TestAutoProportionalShare(t *testing.T) {
	t.Parallel()

	b := New(Config{Strategy: horizon.BalanceAuto, Min: 1, MaxShift: 100})
	got := b.Targets(t0, []Load{
		{Queues: []string{"a"}, Pending: 300, AvgRuntime: time.Second, Current: 1},
		{Queues: []string{"b"}, Pending: 100, AvgRuntime: time.Second, Current: 1},
	}, 8)
	require.Equal(t, []int{6, 2}, got)

	// Runtime weighs as much as depth.
	got = New(Config{Strategy: horizon.BalanceAuto, Min: 1, MaxShift: 100}).Targets(t0, []Load{
		{Queues: []string{"a"}, Pending: 100, AvgRuntime: 250 * time.Millisecond, Current: 1},
		{Queues: []string{"b"}, Pending: 100, AvgRuntime: 750 * time.Millisecond, Current: 1},
	}, 10)
	require.Equal(t, []int{2, 8}, got, "rounding overshoot is taken from the lighter pool")
}

// A single auto pool (min 1, ceiling 5) under a 500-job backlog climbs one
// step per tick to 5, holds through the cooldown once the queue is empty,
// then steps back to 1.
func TestAutoScaleUpThenCooldown(t *testing.T) {
	t.Parallel()

	b := New(Config{Strategy: horizon.BalanceAuto, Min: 1, MaxShift: 1, Cooldown: 30 * time.Second})
	now := t0
	current := 1
	tick := func(pending int64) int {
		now = now.Add(3 * time.Second)
		current = b.Targets(now, []Load{{
			Queues: []string{"default"}, Pending: pending, AvgRuntime: 2 * time.Second, Current: current,
		}}, 5)[0]
		return current
	}

	var up []int
	for range 5 {
		up = append(up, tick(500))
	}
	require.Equal(t, []int{2, 3, 4, 5, 5}, up)

	ticksAtFive := 0
	for current == 5 {
		tick(0)
		ticksAtFive++
		require.Less(t, ticksAtFive, 20)
	}
	require.GreaterOrEqual(t, time.Duration(ticksAtFive)*3*time.Second, 30*time.Second)

	var down []int
	for current > 1 {
		down = append(down, tick(0))
	}
	require.Equal(t, []int{3, 2, 1}, down)
	require.Equal(t, 1, tick(0))
}

func TestAutoBriefDipDoesNotShrink(t *testing.T) {
	t.Parallel()

	b := New(Config{Strategy: horizon.BalanceAuto, Min: 1, MaxShift: 1, Cooldown: time.Minute})
	load := Load{Queues: []string{"q"}, Pending: 0, Current: 4}
	require.Equal(t, 4, b.Targets(t0, []Load{load}, 5)[0])
	load.Pending = 100
	require.Equal(t, 5, b.Targets(t0.Add(10*time.Second), []Load{load}, 5)[0])
	load.Pending, load.Current = 0, 5
	require.Equal(t, 5, b.Targets(t0.Add(70*time.Second), []Load{load}, 5)[0], "cooldown restarts after a rise")
}

func TestAutoCeilingLoweredTakesEffectImmediately(t *testing.T) {
	t.Parallel()

	b := New(Config{Strategy: horizon.BalanceAuto, Min: 1, MaxShift: 1, Cooldown: time.Hour})
	got := b.Targets(t0, []Load{
		{Queues: []string{"a"}, Pending: 50, Current: 6},
		{Queues: []string{"b"}, Pending: 50, Current: 4},
	}, 4)
	require.Equal(t, 4, got[0]+got[1])
	require.GreaterOrEqual(t, got[0], 1)
	require.GreaterOrEqual(t, got[1], 1)
}

func TestAutoBoundsProperty(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewSource(7))
	const pools, floor = 3, 1
	for _, ceiling := range []int{3, 5, 12, 30} {
		b := New(Config{Strategy: horizon.BalanceAuto, Min: floor, MaxShift: 2, Cooldown: 9 * time.Second})
		current := []int{floor, floor, floor}
		now := t0
		for range 500 {
			now = now.Add(3 * time.Second)
			loads := make([]Load, pools)
			for i := range loads {
				loads[i] = Load{
					Queues:     []string{string(rune('a' + i))},
					Pending:    rng.Int63n(1000) * int64(rng.Intn(2)),
					AvgRuntime: time.Duration(rng.Intn(2000)) * time.Millisecond,
					Current:    current[i],
				}
			}
			targets := b.Targets(now, loads, ceiling)
			total := 0
			for i, target := range targets {
				require.GreaterOrEqual(t, target, floor)
				require.LessOrEqual(t, target, AutoMax(ceiling, pools, floor))
				require.LessOrEqual(t, abs(target-current[i]), max(2, current[i]-AutoMax(ceiling, pools, floor)))
				total += target
			}
			require.LessOrEqual(t, total, ceiling)
			copy(current, targets)
		}
	}
}

func TestAutoConvergesUnderSteadyLoad(t *testing.T) {
	t.Parallel()

	b := New(Config{Strategy: horizon.BalanceAuto, Min: 1, MaxShift: 1})
	current := []int{1, 1}
	loads := func() []Load {
		return []Load{
			{Queues: []string{"a"}, Pending: 900, AvgRuntime: time.Second, Current: current[0]},
			{Queues: []string{"b"}, Pending: 100, AvgRuntime: time.Second, Current: current[1]},
		}
	}
	now := t0
	for range 10 {
		now = now.Add(time.Second)
		copy(current, b.Targets(now, loads(), 10))
	}
	require.Equal(t, []int{9, 1}, current)
	require.Equal(t, current, b.Targets(now.Add(time.Second), loads(), 10), "stable once converged")
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
