package origin

import (
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/require"
)

func TestULIDSourceUnique(t *testing.T) {
	var src ULIDSource
	seen := map[ID]bool{}
	for i := 0; i < 1000; i++ {
		id := src.Next()
		require.False(t, seen[id], "duplicate id %s", id)
		seen[id] = true
		_, err := ulid.Parse(id.String())
		require.NoError(t, err)
	}
}

func TestSequence(t *testing.T) {
	s := NewSequence("m")
	require.Equal(t, ID("m-1"), s.Next())
	require.Equal(t, ID("m-2"), s.Next())
	other := NewSequence("c")
	require.Equal(t, ID("c-1"), other.Next())
}
