package reqid

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewContextReusesExistingID(t *testing.T) {
	_, ok := FromContext(context.Background())
	require.False(t, ok)

	ctx, id := NewContext(context.Background())
	require.NotEmpty(t, id)
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, id, got)

	nested, id2 := NewContext(ctx)
	require.Equal(t, id, id2)
	require.Equal(t, ctx, nested)
}

func TestWithID(t *testing.T) {
	ctx := WithID(context.Background(), "remote-1")
	got, ok := FromContext(ctx)
	require.True(t, ok)
	require.Equal(t, "remote-1", got)
	_, id := NewContext(ctx)
	require.Equal(t, "remote-1", id)
}
