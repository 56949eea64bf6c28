package promiseid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStringRoundTrip(t *testing.T) {
	ids := []ID{
		{ServiceID: 0, Sequence: 0},
		{ServiceID: 1, Sequence: 42},
		{ServiceID: 4294967295, Sequence: 18446744073709551615},
	}
	for _, id := range ids {
		parsed, err := Parse(id.String())
		require.NoError(t, err)
		assert.Equal(t, id, parsed)
	}
}

func TestParseMalformed(t *testing.T) {
	_, err := Parse("not-an-id")
	assert.Error(t, err)
	_, err = Parse("abc/123")
	assert.Error(t, err)
	_, err = Parse("1/abc")
	assert.Error(t, err)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := ID{ServiceID: 7, Sequence: 9001}
	buf := id.Encode()
	decoded, err := Decode(buf[:])
	require.NoError(t, err)
	assert.Equal(t, id, decoded)
}

func TestLess(t *testing.T) {
	a := ID{ServiceID: 1, Sequence: 5}
	b := ID{ServiceID: 1, Sequence: 6}
	c := ID{ServiceID: 2, Sequence: 0}
	assert.True(t, a.Less(b))
	assert.True(t, b.Less(c))
	assert.False(t, b.Less(a))
}
