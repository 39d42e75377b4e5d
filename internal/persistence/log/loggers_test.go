package log

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentworld.ai/internal/sim/telemetry"
)

func TestFrameLogger_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	l := NewFrameLogger(dir)
	clock := time.Date(2026, 5, 1, 10, 59, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }

	require.NoError(t, l.WriteFrame(telemetry.Frame{Tick: 1, QueueDepths: map[string]int{"events": 3}}))
	require.NoError(t, l.WriteFrame(telemetry.Frame{Tick: 2}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, l.WriteFrame(telemetry.Frame{Tick: 3}))
	require.NoError(t, l.Close())
	assert.Equal(t, uint64(3), l.w.Lines())

	first, err := ReadFrames(filepath.Join(dir, "telemetry", "frames-2026-05-01-10.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, uint64(1), first[0].Tick)
	assert.Equal(t, 3, first[0].QueueDepths["events"])

	second, err := ReadFrames(filepath.Join(dir, "telemetry", "frames-2026-05-01-11.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, uint64(3), second[0].Tick)
}

func TestFrameLogger_AppendsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	at := func() time.Time { return time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC) }

	for tick := uint64(1); tick <= 2; tick++ {
		l := NewFrameLogger(dir)
		l.w.now = at
		require.NoError(t, l.WriteFrame(telemetry.Frame{Tick: tick}))
		require.NoError(t, l.Close())
	}
	frames, err := ReadFrames(filepath.Join(dir, "telemetry", "frames-2026-05-01-08.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, frames, 2)
	assert.Equal(t, uint64(2), frames[1].Tick)
}
