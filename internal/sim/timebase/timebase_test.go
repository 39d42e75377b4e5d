package timebase

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstants(t *testing.T) {
	assert.Equal(t, 144000, TicksPerDay)
	assert.Equal(t, 1008000, Weekly)
	assert.Equal(t, 6000, TicksPerHour)
	assert.InDelta(t, 1.67, TicksPerSecond, 0.01)
}

func TestTicksFor(t *testing.T) {
	cases := []struct {
		name       string
		d, h, m, s int
		want       int64
	}{
		{"zero", 0, 0, 0, 0, 0},
		{"one day", 1, 0, 0, 0, TicksPerDay},
		{"mixed", 1, 2, 3, 4, 144000 + 12000 + 300 + 7},
		{"one second rounds to two", 0, 0, 0, 1, 2},
		{"three seconds is exactly five", 0, 0, 0, 3, 5},
		{"sixty seconds is one minute", 0, 0, 0, 60, TicksPerMinute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, TicksFor(tc.d, tc.h, tc.m, tc.s))
		})
	}
}

func TestSpanTicks(t *testing.T) {
	got, err := Span{Hours: 1, Seconds: 4}.Ticks()
	require.NoError(t, err)
	assert.Equal(t, int64(TicksPerHour+7), got)

	_, err = Span{Minutes: -1}.Ticks()
	require.Error(t, err)
	assert.True(t, Span{}.IsZero())
}
