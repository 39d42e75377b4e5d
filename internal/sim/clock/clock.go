package clock

import (
	"errors"
	"fmt"
)

var ErrInvalidCadence = errors.New("cadence must be positive")

// Clock is the kernel's only notion of time. It never reads a wall clock.
type Clock struct {
	current       uint64
	ticksPerTurn  uint64
	ticksPerCycle uint64
}

func New(ticksPerTurn, ticksPerCycle uint64) (*Clock, error) {
	if ticksPerTurn == 0 {
		return nil, fmt.Errorf("ticks_per_turn: %w", ErrInvalidCadence)
	}
	if ticksPerCycle == 0 {
		return nil, fmt.Errorf("ticks_per_cycle: %w", ErrInvalidCadence)
	}
	return &Clock{ticksPerTurn: ticksPerTurn, ticksPerCycle: ticksPerCycle}, nil
}

func (c *Clock) Current() uint64       { return c.current }
func (c *Clock) TicksPerTurn() uint64  { return c.ticksPerTurn }
func (c *Clock) TicksPerCycle() uint64 { return c.ticksPerCycle }

// Advance moves the clock forward by exactly one tick and returns the new tick.
func (c *Clock) Advance() uint64 {
	c.current++
	return c.current
}

// SetCurrent is used only when restoring a snapshot.
func (c *Clock) SetCurrent(tick uint64) {
	c.current = tick
}

func (c *Clock) TicksUntilTurnBoundary() uint64 {
	return TicksUntil(c.current, c.ticksPerTurn)
}

func (c *Clock) TicksUntilCycleBoundary() uint64 {
	return TicksUntil(c.current, c.ticksPerCycle)
}

// TicksUntil returns how many ticks to wait before the next multiple of cadence.
// On a boundary (including tick 0) that is a full cadence, never zero.
func TicksUntil(current, cadence uint64) uint64 {
	if cadence == 0 {
		return 0
	}
	rem := current % cadence
	if rem == 0 {
		return cadence
	}
	return cadence - rem
}
