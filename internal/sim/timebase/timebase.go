// Package timebase converts wall-calendar units into simulation ticks.
//
// One simulated minute is 100 ticks; every other unit is derived from it.
package timebase

import "fmt"

const (
	TicksPerMinute = 100
	TicksPerHour   = 60 * TicksPerMinute
	TicksPerDay    = 24 * TicksPerHour
	Weekly         = 7 * TicksPerDay

	// TicksPerSecond is fractional (~1.67); use TicksFor to get whole ticks.
	TicksPerSecond = float64(TicksPerMinute) / 60
)

// TicksFor sums the tick contribution of each unit. Days, hours and minutes are
// exact; the seconds term is rounded half-up to the nearest tick.
// Inputs are expected to be non-negative.
func TicksFor(days, hours, minutes, seconds int) int64 {
	total := int64(days)*TicksPerDay + int64(hours)*TicksPerHour + int64(minutes)*TicksPerMinute
	return total + secondsToTicks(int64(seconds))
}

// secondsToTicks computes round_half_up(seconds * 100 / 60) in integer math.
func secondsToTicks(seconds int64) int64 {
	return (seconds*TicksPerMinute + 30) / 60
}

// Span is a calendar duration as written in configuration files.
type Span struct {
	Days    int `yaml:"days"`
	Hours   int `yaml:"hours"`
	Minutes int `yaml:"minutes"`
	Seconds int `yaml:"seconds"`
}

// Ticks validates the span and converts it with TicksFor.
func (s Span) Ticks() (int64, error) {
	if s.Days < 0 || s.Hours < 0 || s.Minutes < 0 || s.Seconds < 0 {
		return 0, fmt.Errorf("negative span: %+v", s)
	}
	return TicksFor(s.Days, s.Hours, s.Minutes, s.Seconds), nil
}

func (s Span) IsZero() bool {
	return s == Span{}
}
