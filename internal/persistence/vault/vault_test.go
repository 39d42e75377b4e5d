package vault

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"agentworld.ai/internal/persistence/snapshot"
)

func openTestVault(t *testing.T) *Vault {
	t.Helper()
	v, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = v.Close() })
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return fixed }
	return v
}

func testSnap(scenario string, tick uint64) snapshot.SnapshotV1 {
	return snapshot.SnapshotV1{
		Header: snapshot.Header{Version: snapshot.Version, ScenarioID: scenario, Tick: tick, Seed: 5, Signature: "sig-" + scenario},
		Kernel: snapshot.KernelV1{TicksPerTurn: 10, TicksPerCycle: 100, MaxEvents: 4, NextEventSeq: 1, NextOneOffSeq: 1},
	}
}

func TestRecord_InsertOnly(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)
	s := Seed{ID: "alpha", ScenarioID: "harbor", SnapshotPath: "seeds/alpha.snap.zst", Tick: 10, WorldSeed: 5, Signature: "x"}
	require.NoError(t, v.Record(ctx, s))

	s2 := s
	s2.Signature = "y"
	require.ErrorIs(t, v.Record(ctx, s2), ErrDuplicateSeed)

	got, err := v.Get(ctx, "alpha")
	require.NoError(t, err)
	assert.Equal(t, "x", got.Signature)
	assert.Equal(t, uint64(10), got.Tick)
}

func TestRecord_RejectsBadID(t *testing.T) {
	v := openTestVault(t)
	for _, id := range []string{"", "../escape", ".hidden", "a/b"} {
		require.ErrorIs(t, v.Record(context.Background(), Seed{ID: id}), ErrInvalidSeedID, id)
	}
}

func TestGet_NotFound(t *testing.T) {
	_, err := openTestVault(t).Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrSeedNotFound)
}

func TestStoreLoadList(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)

	a, err := v.Store(ctx, "dawn", testSnap("harbor", 30), snapshot.CodecZstd)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("seeds", "dawn.snap.zst"), a.SnapshotPath)
	_, err = v.Store(ctx, "dusk", testSnap("harbor", 10), snapshot.CodecBrotli)
	require.NoError(t, err)
	gen, err := v.Store(ctx, "", testSnap("mesa", 1), snapshot.CodecZstd)
	require.NoError(t, err)
	_, err = uuid.Parse(gen.ID)
	require.NoError(t, err)

	_, err = v.Store(ctx, "dawn", testSnap("harbor", 99), snapshot.CodecZstd)
	require.ErrorIs(t, err, ErrDuplicateSeed)

	snap, s, err := v.Load(ctx, "dawn")
	require.NoError(t, err)
	assert.Equal(t, uint64(30), snap.Header.Tick)
	assert.Equal(t, "sig-harbor", s.Signature)

	harbor, err := v.List(ctx, "harbor")
	require.NoError(t, err)
	require.Len(t, harbor, 2)
	assert.Equal(t, "dusk", harbor[0].ID)
	assert.Equal(t, "dawn", harbor[1].ID)

	all, err := v.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestLoad_DetectsSwappedFile(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)
	_, err := v.Store(ctx, "one", testSnap("harbor", 1), snapshot.CodecZstd)
	require.NoError(t, err)

	other := testSnap("harbor", 1)
	other.Header.Signature = "forged"
	require.NoError(t, snapshot.WriteSnapshot(filepath.Join(v.Dir(), "seeds", "one.snap.zst"), other))

	_, _, err = v.Load(ctx, "one")
	require.ErrorIs(t, err, snapshot.ErrCorrupt)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	v := openTestVault(t)
	_, err := v.Store(ctx, "dawn", testSnap("harbor", 30), snapshot.CodecZstd)
	require.NoError(t, err)

	dest := t.TempDir()
	path, err := v.Export(ctx, "dawn", dest)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dest, "dawn", "dawn.snap.zst"), path)

	snap, err := snapshot.ReadSnapshot(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(30), snap.Header.Tick)

	raw, err := os.ReadFile(filepath.Join(dest, "dawn", "meta.json"))
	require.NoError(t, err)
	var meta ExportMeta
	require.NoError(t, json.Unmarshal(raw, &meta))
	assert.Equal(t, "dawn", meta.Seed.ID)
	assert.Equal(t, "dawn.snap.zst", meta.Snapshot)
}

func TestReopenKeepsManifest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	v, err := Open(dir)
	require.NoError(t, err)
	_, err = v.Store(ctx, "keep", testSnap("harbor", 3), snapshot.CodecZstd)
	require.NoError(t, err)
	require.NoError(t, v.Close())

	v2, err := Open(dir)
	require.NoError(t, err)
	defer v2.Close()
	s, err := v2.Get(ctx, "keep")
	require.NoError(t, err)
	assert.Equal(t, uint64(3), s.Tick)
}
