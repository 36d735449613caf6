package protocol

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
)

func newTasks(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory().Register("tasks", Entity{"title": "", "done": false})
	require.NoError(t, m.Seed("tasks",
		Entity{"id": "a", "title": "first", "tags": []any{"x"}},
		Entity{"id": "b", "title": "second"},
	))
	return m
}

func TestMemoryCRUD(t *testing.T) {
	ctx := context.Background()
	m := newTasks(t)

	def, err := m.Default(ctx, "tasks")
	require.NoError(t, err)
	require.Equal(t, Entity{"title": "", "done": false}, def)

	created, err := m.Post(ctx, "tasks", def)
	require.NoError(t, err)
	id := IDOf(created)
	require.NotEmpty(t, id)

	created["title"] = "third"
	_, err = m.Put(ctx, "tasks", created)
	require.NoError(t, err)

	got, err := m.Get(ctx, "tasks", Request{"id": id})
	require.NoError(t, err)
	require.Equal(t, "third", got.(Entity)["title"])

	list, err := m.Get(ctx, "tasks", nil)
	require.NoError(t, err)
	require.Len(t, list, 3)

	require.NoError(t, m.Del(ctx, "tasks", id))
	_, err = m.Get(ctx, "tasks", Request{"id": id})
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.Del(ctx, "tasks", id), ErrNotFound)
}

func TestMemoryErrors(t *testing.T) {
	ctx := context.Background()
	m := newTasks(t)
	_, err := m.Get(ctx, "nope", nil)
	require.ErrorIs(t, err, ErrUnknownProtocol)
	_, err = m.Put(ctx, "tasks", Entity{"title": "no id"})
	require.ErrorIs(t, err, ErrInvalid)
	_, err = m.Put(ctx, "tasks", Entity{"id": "zz"})
	require.ErrorIs(t, err, ErrNotFound)
	require.ErrorIs(t, m.Remote(ctx, "tasks", "explode", map[string]any{"id": "a"}), ErrUnknownOp)
}

func TestMemoryFilter(t *testing.T) {
	m := newTasks(t)
	got, err := m.Get(context.Background(), "tasks", Request{"title": "second"})
	require.NoError(t, err)
	require.Equal(t, []any{Entity{"id": "b", "title": "second"}}, got)
}

func TestMemoryPatchAndEntityRemoteOps(t *testing.T) {
	ctx := context.Background()
	m := newTasks(t)

	require.NoError(t, m.Patch(ctx, "tasks", "a", "renamed", "title"))
	require.NoError(t, m.Patch(ctx, "tasks", "a", "ann", "meta.owner"))
	require.NoError(t, m.Remote(ctx, "tasks", "pushitem", map[string]any{"id": "a", "path": "tags", "data": "y"}))
	require.NoError(t, m.Remote(ctx, "tasks", "insertitem", map[string]any{"id": "a", "path": "tags", "index": float64(0), "data": "w"}))
	require.NoError(t, m.Remote(ctx, "tasks", "displaceitem", map[string]any{"id": "a", "path": "tags", "fromIndex": 0, "toIndex": 2}))
	require.NoError(t, m.Remote(ctx, "tasks", "deleteproperty", map[string]any{"id": "a", "path": "meta"}))

	got, err := m.Get(ctx, "tasks", Request{"id": "a"})
	require.NoError(t, err)
	want := Entity{"id": "a", "title": "renamed", "tags": []any{"x", "y", "w"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("entity mismatch (-want +got):\n%s", diff)
	}
}

func TestMemoryCollectionRemoteOps(t *testing.T) {
	ctx := context.Background()
	m := newTasks(t)
	require.NoError(t, m.Remote(ctx, "tasks", "insertitem", map[string]any{"index": 0, "data": map[string]any{"id": "c"}}))
	require.NoError(t, m.Remote(ctx, "tasks", "displaceitem", map[string]any{"fromIndex": 0, "toIndex": 2}))
	require.NoError(t, m.Remote(ctx, "tasks", "pushitem", map[string]any{"data": map[string]any{"id": "d"}}))

	list, err := m.Get(ctx, "tasks", nil)
	require.NoError(t, err)
	var ids []string
	for _, e := range list.([]any) {
		ids = append(ids, IDOf(e))
	}
	require.Equal(t, []string{"a", "b", "c", "d"}, ids)
	require.ErrorIs(t, m.Remote(ctx, "tasks", "deleteproperty", map[string]any{"path": "x"}), ErrInvalid)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := newTasks(t)
	got, err := m.Get(ctx, "tasks", Request{"id": "a"})
	require.NoError(t, err)
	got.(Entity)["title"] = "mutated"
	again, err := m.Get(ctx, "tasks", Request{"id": "a"})
	require.NoError(t, err)
	require.Equal(t, "first", again.(Entity)["title"])
}

func TestIDOfAndInt(t *testing.T) {
	require.Equal(t, "t1", IDOf(map[string]any{"id": "t1"}))
	require.Equal(t, "42", IDOf(map[string]any{"id": float64(42)}))
	require.Equal(t, "", IDOf(map[string]any{}))
	require.Equal(t, "", IDOf("t1"))

	n, err := Int(float64(3))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	_, err = Int(1.5)
	require.ErrorIs(t, err, ErrInvalid)
	_, err = Int("3")
	require.ErrorIs(t, err, ErrInvalid)
}

func TestMockAdapterRecordsAndEchoes(t *testing.T) {
	ctx := context.Background()
	m := NewMockAdapter().Return(OpPost, Entity{"id": "t1"})
	got, err := m.Post(ctx, "tasks", Entity{"title": "x"})
	require.NoError(t, err)
	require.Equal(t, Entity{"id": "t1"}, got)

	put, err := m.Put(ctx, "tasks", Entity{"id": "t1", "title": "y"})
	require.NoError(t, err)
	require.Equal(t, Entity{"id": "t1", "title": "y"}, put)

	require.NoError(t, m.Remote(ctx, "tasks", "pushitem", map[string]any{"id": "t1", "path": "tags"}))
	calls := m.Calls()
	require.Len(t, calls, 3)
	require.Equal(t, "t1", calls[1].ID)
	require.Equal(t, "pushitem", calls[2].Name)
	require.Equal(t, "tags", calls[2].Path)
	require.Len(t, m.CallsTo(OpPut), 1)
}
