package rng

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func draws(t *testing.T, s *Service, calls []struct {
	stream string
	scope  Scope
}) []float64 {
	t.Helper()
	out := make([]float64, 0, len(calls))
	for _, c := range calls {
		v, err := s.Rand(c.stream, c.scope)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func TestSameSeedSameSequence(t *testing.T) {
	calls := []struct {
		stream string
		scope  Scope
	}{
		{"weather", Scope{"region": "north"}},
		{"weather", Scope{"region": "south"}},
		{"agents", nil},
		{"weather", Scope{"region": "north"}},
		{"agents", Scope{"id": 7, "tick": 3}},
	}
	for _, seed := range []int64{0, 1, 42, -9, 1 << 40} {
		a := draws(t, New(Config{Seed: seed}), calls)
		b := draws(t, New(Config{Seed: seed}), calls)
		assert.Equal(t, a, b, "seed %d", seed)
	}
}

func TestScopeKeyOrderIrrelevant(t *testing.T) {
	s1 := New(Config{Seed: 7})
	s2 := New(Config{Seed: 7})

	first := Scope{}
	first["a"] = 1
	first["b"] = 2
	second := Scope{}
	second["b"] = 2
	second["a"] = 1

	v1, err := s1.Rand("s", first)
	require.NoError(t, err)
	v2, err := s2.Rand("s", second)
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
}

func TestDistinctStreamsDiverge(t *testing.T) {
	s := New(Config{Seed: 7})
	scope := Scope{"a": 1}
	a, err := s.Uint64("stream:a", scope)
	require.NoError(t, err)
	b, err := s.Uint64("stream:b", scope)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestDifferentSeedsDiverge(t *testing.T) {
	a, err := New(Config{Seed: 1}).Uint64("s", nil)
	require.NoError(t, err)
	b, err := New(Config{Seed: 2}).Uint64("s", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCounterAndCloneReproduceNextDraw(t *testing.T) {
	s := New(Config{Seed: 99})
	for i := 0; i < 2; i++ {
		_, err := s.Rand("stream:counter", Scope{"i": i})
		require.NoError(t, err)
	}
	assert.Equal(t, uint64(2), s.Counter("stream:counter"))

	cp := s.Clone()
	want, err := s.Rand("stream:counter", Scope{"i": 2})
	require.NoError(t, err)
	got, err := cp.Rand("stream:counter", Scope{"i": 2})
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, s.Signature(), cp.Signature())
}

func TestStateIsCopiedByValue(t *testing.T) {
	s := New(Config{Seed: 3})
	_, err := s.Rand("x", nil)
	require.NoError(t, err)

	st := s.State()
	st.Counters["x"] = 100
	assert.Equal(t, uint64(1), s.Counter("x"), "mutating a returned state must not leak")

	r := New(Config{Seed: 0})
	r.Restore(s.State())
	a, err := s.Rand("x", nil)
	require.NoError(t, err)
	b, err := r.Rand("x", nil)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestSignatureTracksCounters(t *testing.T) {
	a := New(Config{Seed: 5})
	b := New(Config{Seed: 5})
	assert.Equal(t, a.Signature(), b.Signature())

	_, err := a.Rand("s", nil)
	require.NoError(t, err)
	assert.NotEqual(t, a.Signature(), b.Signature())

	_, err = b.Rand("s", Scope{"different": "scope"})
	require.NoError(t, err)
	assert.Equal(t, a.Signature(), b.Signature(), "signature covers counters, not scopes")
}

func TestAuditSummary(t *testing.T) {
	s := New(Config{Seed: 1, Audit: true})
	for i := 0; i < 2; i++ {
		_, err := s.Rand("stream:beta", nil)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := s.Rand("stream:alpha", nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []StreamCount{{"stream:alpha", 3}, {"stream:beta", 2}}, s.AuditSummary())
}

func TestAuditSummary_TiesBreakByName(t *testing.T) {
	s := New(Config{Seed: 1, Audit: true})
	for _, name := range []string{"zeta", "alpha", "mid", "mid"} {
		_, err := s.Rand(name, nil)
		require.NoError(t, err)
	}
	assert.Equal(t, []StreamCount{{"mid", 2}, {"alpha", 1}, {"zeta", 1}}, s.AuditSummary())
}

func TestAuditSummary_DisabledReturnsNil(t *testing.T) {
	s := New(Config{Seed: 1})
	_, err := s.Rand("s", nil)
	require.NoError(t, err)
	assert.Nil(t, s.AuditSummary())
}

func TestBoundsAndValidation(t *testing.T) {
	s := New(Config{Seed: 11})
	_, err := s.Rand("", nil)
	require.ErrorIs(t, err, ErrEmptyStream)
	_, err = s.Intn("s", nil, 0)
	require.ErrorIs(t, err, ErrBadBound)

	for i := 0; i < 200; i++ {
		f, err := s.Float64("f", Scope{"i": i})
		require.NoError(t, err)
		assert.GreaterOrEqual(t, f, 0.0)
		assert.Less(t, f, 1.0)

		n, err := s.Intn("n", nil, 6)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, n, 0)
		assert.Less(t, n, 6)
	}
}

func TestCanonicalize(t *testing.T) {
	got, err := Canonicalize(Scope{"b": 2, "a": "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x","b":2}`, got)

	empty, err := Canonicalize(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", empty)
}

func TestScopesDifferingBelowSignaturePrecisionDrawDifferently(t *testing.T) {
	a := New(Config{Seed: 7})
	b := New(Config{Seed: 7})

	ca, err := Canonicalize(Scope{"x": 0.1000001})
	require.NoError(t, err)
	cb, err := Canonicalize(Scope{"x": 0.1000004})
	require.NoError(t, err)
	assert.NotEqual(t, ca, cb)

	da, err := a.Uint64("s", Scope{"x": 0.1000001})
	require.NoError(t, err)
	db, err := b.Uint64("s", Scope{"x": 0.1000004})
	require.NoError(t, err)
	assert.NotEqual(t, da, db)
}
