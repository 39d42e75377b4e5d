package canon

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncode_SortsKeysAtEveryDepth(t *testing.T) {
	a := map[string]any{"b": 2, "a": map[string]any{"z": 1, "y": []any{"x", true}}}
	b := map[string]any{"a": map[string]any{"y": []any{"x", true}, "z": 1}, "b": 2}

	ea, err := Encode(a)
	require.NoError(t, err)
	eb, err := Encode(b)
	require.NoError(t, err)

	assert.Equal(t, `{"a":{"y":["x",true],"z":1},"b":2}`, string(ea))
	assert.Equal(t, ea, eb)
}

func TestEncode_RoundsFloats(t *testing.T) {
	got, err := Encode(map[string]any{"x": 0.1 + 0.2, "y": 1.0000004, "z": -0.0000001})
	require.NoError(t, err)
	assert.Equal(t, `{"x":0.3,"y":1,"z":0}`, string(got))
}

func TestEncodeExact_KeepsFullPrecision(t *testing.T) {
	got, err := EncodeExact(map[string]any{"y": 0.1000004, "x": 0.1000001, "n": 3})
	require.NoError(t, err)
	assert.Equal(t, `{"n":3,"x":0.1000001,"y":0.1000004}`, string(got))
}

func TestEncode_StructsUseJSONTags(t *testing.T) {
	type inner struct {
		Name  string  `json:"name"`
		Score float64 `json:"score"`
	}
	got, err := Encode(inner{Name: "n", Score: 2.5})
	require.NoError(t, err)
	assert.Equal(t, `{"name":"n","score":2.5}`, string(got))
}

func TestEncodeRaw_MatchesEncode(t *testing.T) {
	raw := []byte(`{ "b": 1.50, "a": [3, 2] }`)
	got, err := EncodeRaw(raw)
	require.NoError(t, err)
	assert.Equal(t, `{"a":[3,2],"b":1.5}`, string(got))

	empty, err := EncodeRaw(nil)
	require.NoError(t, err)
	assert.Equal(t, "null", string(empty))
}

func TestHash_DomainSeparated(t *testing.T) {
	data := []byte("payload")
	assert.NotEqual(t, Hash("a", data), Hash("b", data))
	assert.Equal(t, Hash("a", data), Hash("a", data))
	assert.Len(t, Hash("a", data), 64)
}

func TestWriteSortedNonZeroCounters_IgnoresZeroAndOrder(t *testing.T) {
	sum := func(m map[string]uint64) [32]byte {
		h := sha256.New()
		var tmp [8]byte
		WriteSortedNonZeroCounters(h, &tmp, m)
		var out [32]byte
		copy(out[:], h.Sum(nil))
		return out
	}
	assert.Equal(t, sum(map[string]uint64{"a": 1, "b": 2}), sum(map[string]uint64{"b": 2, "a": 1, "c": 0}))
	assert.NotEqual(t, sum(map[string]uint64{"a": 1}), sum(map[string]uint64{"a": 2}))
}
