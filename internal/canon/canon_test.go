package canon

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalSortsKeys(t *testing.T) {
	a := map[string]any{
		"zeta":  1,
		"alpha": map[string]any{"y": 2, "x": 1},
	}
	b := map[string]any{
		"alpha": map[string]any{"x": 1, "y": 2},
		"zeta":  1,
	}
	ca, err := Canonical(a)
	require.NoError(t, err)
	cb, err := Canonical(b)
	require.NoError(t, err)
	assert.Equal(t, string(ca), string(cb))
	assert.Equal(t, `{"alpha":{"x":1,"y":2},"zeta":1}`, string(ca))
}

func TestCanonicalStructMatchesMap(t *testing.T) {
	type bundle struct {
		B int    `json:"b"`
		A string `json:"a"`
	}
	cs, err := Canonical(bundle{B: 2, A: "x"})
	require.NoError(t, err)
	cm, err := Canonical(map[string]any{"a": "x", "b": 2})
	require.NoError(t, err)
	assert.Equal(t, string(cm), string(cs))
}

func TestCanonicalOmitsAbsentFields(t *testing.T) {
	type rec struct {
		A string  `json:"a"`
		B *string `json:"b,omitempty"`
	}
	c, err := Canonical(rec{A: "x"})
	require.NoError(t, err)
	assert.Equal(t, `{"a":"x"}`, string(c))
}

func TestCanonicalRejectsNonFinite(t *testing.T) {
	_, err := Canonical(map[string]any{"v": math.NaN()})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
	_, err = Canonical([]any{math.Inf(1)})
	assert.ErrorIs(t, err, ErrUnsupportedValue)
}

func TestCanonicalPreservesLargeIntegers(t *testing.T) {
	c, err := Canonical(map[string]any{"seq": int64(9007199254740993)})
	require.NoError(t, err)
	assert.Equal(t, `{"seq":9007199254740993}`, string(c))
}

func TestSumStableUnderKeyReorder(t *testing.T) {
	h1, err := Sum(map[string]any{"a": 1, "b": []any{"x", "y"}})
	require.NoError(t, err)
	h2, err := Sum(map[string]any{"b": []any{"x", "y"}, "a": 1})
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestSumDiffersWhenValueChanges(t *testing.T) {
	h1, err := Sum(map[string]any{"a": 1})
	require.NoError(t, err)
	h2, err := Sum(map[string]any{"a": 2})
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}
