package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_RejectsZeroCadence(t *testing.T) {
	_, err := New(0, 10)
	require.ErrorIs(t, err, ErrInvalidCadence)
	_, err = New(10, 0)
	require.ErrorIs(t, err, ErrInvalidCadence)
}

func TestTicksUntilTurnBoundary(t *testing.T) {
	c, err := New(200, 1000)
	require.NoError(t, err)

	assert.Equal(t, uint64(200), c.TicksUntilTurnBoundary(), "tick 0 returns a full turn")

	c.SetCurrent(135)
	assert.Equal(t, uint64(65), c.TicksUntilTurnBoundary())

	for _, tick := range []uint64{200, 400, 2000} {
		c.SetCurrent(tick)
		assert.Equal(t, uint64(200), c.TicksUntilTurnBoundary(), "tick %d", tick)
	}

	c.SetCurrent(399)
	assert.Equal(t, uint64(1), c.TicksUntilTurnBoundary())
}

func TestTicksUntilCycleBoundary(t *testing.T) {
	c, err := New(200, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint64(1000), c.TicksUntilCycleBoundary())
	c.SetCurrent(1000)
	assert.Equal(t, uint64(1000), c.TicksUntilCycleBoundary())
	c.SetCurrent(1250)
	assert.Equal(t, uint64(750), c.TicksUntilCycleBoundary())
}

func TestAdvance(t *testing.T) {
	c, err := New(1, 1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Advance())
	assert.Equal(t, uint64(2), c.Advance())
	assert.Equal(t, uint64(2), c.Current())
}
