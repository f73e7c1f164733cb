package crdt

import (
	"fmt"
	"time"
)

// TieBreakPolicy selects how concurrent timestamps are ordered.
type TieBreakPolicy int

const (
	// TieBreakWallClock orders concurrent writes by wall clock, then node id.
	// Clock skew between replicas can let an older write win.
	TieBreakWallClock TieBreakPolicy = iota
	// TieBreakLogical orders concurrent writes by the larger vector clock
	// sum, then node id. Wall clock is only consulted as a last resort.
	TieBreakLogical
)

// String returns the configuration name of the policy
func (p TieBreakPolicy) String() string {
	switch p {
	case TieBreakLogical:
		return "logical"
	default:
		return "wall_clock"
	}
}

// ParseTieBreakPolicy maps a configuration value to a policy.
func ParseTieBreakPolicy(s string) (TieBreakPolicy, error) {
	switch s {
	case "", "wall_clock":
		return TieBreakWallClock, nil
	case "logical":
		return TieBreakLogical, nil
	default:
		return TieBreakWallClock, fmt.Errorf("unknown tie break policy %q", s)
	}
}

// WallClock returns the current time. Tests inject deterministic clocks.
type WallClock func() time.Time

type options struct {
	now      WallClock
	tieBreak TieBreakPolicy
}

// Option configures clock-bearing CRDTs.
type Option func(*options)

// WithWallClock overrides time.Now for timestamps and transactions.
func WithWallClock(now WallClock) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithTieBreak selects the ordering for concurrent timestamps.
func WithTieBreak(p TieBreakPolicy) Option {
	return func(o *options) {
		o.tieBreak = p
	}
}

func newOptions(opts []Option) options {
	o := options{now: time.Now, tieBreak: TieBreakWallClock}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (o options) asOptions() []Option {
	return []Option{WithWallClock(o.now), WithTieBreak(o.tieBreak)}
}
