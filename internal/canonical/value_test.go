package canonical

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBasic(t *testing.T) {
	v, err := Parse([]byte(`{"agent":"a1","units":5,"ok":true,"tags":["x"],"note":null}`))
	require.NoError(t, err)

	obj, isObj := v.(Object)
	require.True(t, isObj)
	assert.Equal(t, String("a1"), obj["agent"])
	assert.Equal(t, Int(5), obj["units"])
	assert.Equal(t, Bool(true), obj["ok"])
	assert.Equal(t, Array{String("x")}, obj["tags"])
	assert.Equal(t, Null{}, obj["note"])
}

func TestParseRejectsFloats(t *testing.T) {
	for _, payload := range []string{`1.5`, `[0.1]`, `{"x":2.0}`, `1e5`} {
		_, err := Parse([]byte(payload))
		assert.Error(t, err, "payload %s", payload)
	}
}

func TestFromAnyIntVariants(t *testing.T) {
	for _, v := range []any{int(3), int64(3)} {
		cv, err := FromAny(v)
		require.NoError(t, err)
		assert.Equal(t, Int(3), cv)
	}

	_, err := FromAny(float64(3)) // even integral floats are rejected
	assert.Error(t, err)
}

func TestSortedKeysByteOrder(t *testing.T) {
	obj := Object{"b": Int(1), "a": Int(2), "ab": Int(3), "A": Int(4)}
	assert.Equal(t, []string{"A", "a", "ab", "b"}, obj.SortedKeys())
}

func TestStringArray(t *testing.T) {
	assert.Equal(t, Array{String("h1"), String("h2")}, StringArray("h1", "h2"))
}

func TestRoundTripThroughJSON(t *testing.T) {
	original := Object{
		"outer": Object{"inner": Array{Int(1), String("two"), Bool(false)}},
	}
	encoded, err := Marshal(original)
	require.NoError(t, err)

	parsed, err := Parse(encoded)
	require.NoError(t, err)

	reencoded, err := Marshal(parsed)
	require.NoError(t, err)
	assert.Equal(t, encoded, reencoded)
}
