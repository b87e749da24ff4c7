package frame

import "math"

// LogicalClock pairs a causal-ordering counter with a non-authoritative
// wall-clock reading. It orders frames within a session; determinism
// substitution is the determinism package's job, not the clock's.
type LogicalClock struct {
	LogicalTick uint64 `json:"logical_tick"`
	WallClockNS int64  `json:"wall_clock_ns"`
}

// Tick increments the logical counter by one, saturating at the maximum
// rather than wrapping.
func (c *LogicalClock) Tick() {
	if c.LogicalTick == math.MaxUint64 {
		return
	}
	c.LogicalTick++
}

// Merge folds another clock in: the logical tick becomes
// max(local, other)+1 and the wall clock becomes max(local, other).
func (c *LogicalClock) Merge(other LogicalClock) {
	if other.LogicalTick > c.LogicalTick {
		c.LogicalTick = other.LogicalTick
	}
	c.Tick()
	if other.WallClockNS > c.WallClockNS {
		c.WallClockNS = other.WallClockNS
	}
}
