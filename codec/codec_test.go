package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCBOR_RoundTrip(t *testing.T) {
	c := MustCBOR()

	data, err := c.Marshal([]int64{23, 42, 93})
	require.NoError(t, err)

	var out []int64
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, []int64{23, 42, 93}, out)
}

func TestCBOR_RoundTripAny(t *testing.T) {
	c := MustCBOR()

	data, err := c.Marshal([]int64{1, 2, 3})
	require.NoError(t, err)

	var out any
	require.NoError(t, c.Unmarshal(data, &out))
	// Integers decode as int64 inside any
	assert.Equal(t, []any{int64(1), int64(2), int64(3)}, out)
}

func TestCBOR_DeterministicSize(t *testing.T) {
	c := MustCBOR()

	value := map[string]any{"b": int64(2), "a": int64(1), "nested": []int64{9, 8, 7}}

	first, err := c.Marshal(value)
	require.NoError(t, err)
	second, err := c.Marshal(value)
	require.NoError(t, err)

	assert.Equal(t, first, second, "canonical encoding must be byte-stable")
}

func TestCBOR_UnmarshalError(t *testing.T) {
	c := MustCBOR()

	var out int64
	err := c.Unmarshal([]byte{0xff, 0xff}, &out)
	assert.Error(t, err)
}
