package model

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hanpama/protosync/internal/broadcast"
	"github.com/hanpama/protosync/internal/config"
	"github.com/hanpama/protosync/internal/protocol"
	"github.com/hanpama/protosync/internal/state"
)

var list = []any{
	map[string]any{"id": "t1", "title": "one", "tags": []any{}},
	map[string]any{"id": "t2", "title": "two"},
}

func (f *fixture) collection(t *testing.T, cfg config.Binding, opts ...Option) *Collection {
	t.Helper()
	c, err := BindCollection(f.s, cfg, append([]Option{WithOrigins(f.seq)}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func loadedCollection(t *testing.T, cfg config.Binding) (*fixture, *protocol.MockAdapter, *Collection) {
	t.Helper()
	mock := protocol.NewMockAdapter().Handle(protocol.OpGet, serve(list))
	f := newFixture(t, mock)
	c := f.collection(t, cfg)
	_, err := c.Load(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusLoaded, c.Status())
	return f, mock, c
}

func ids(t *testing.T, tree *state.Tree, path string) []string {
	t.Helper()
	var out []string
	for _, item := range tree.Get(path).([]any) {
		out = append(out, protocol.IDOf(item))
	}
	return out
}

func TestCollectionAutosaveItemEdits(t *testing.T) {
	f, mock, c := loadedCollection(t, autosaved("tasks"))

	require.NoError(t, f.s.Tree.Set("tasks.1.title", "second"))
	c.Wait()
	require.NoError(t, f.s.Tree.Push("tasks.0.tags", "x"))
	c.Wait()
	require.NoError(t, f.s.Tree.Insert("tasks.0.tags", 0, "w"))
	c.Wait()
	require.NoError(t, f.s.Tree.Displace("tasks.0.tags", 0, 1))
	c.Wait()

	patches := mock.CallsTo(protocol.OpPatch)
	require.Len(t, patches, 1)
	require.Equal(t, "t2", patches[0].ID)
	require.Equal(t, "title", patches[0].Path)

	remotes := mock.CallsTo(protocol.OpRemote)
	require.Len(t, remotes, 3)
	require.Equal(t, map[string]any{"id": "t1", "path": "tags", "data": "x"}, remotes[0].Payload)
	require.Equal(t, map[string]any{"id": "t1", "path": "tags", "index": 0, "data": "w"}, remotes[1].Payload)
	require.Equal(t, map[string]any{"id": "t1", "path": "tags", "fromIndex": 0, "toIndex": 1}, remotes[2].Payload)

	updates := f.msgs.on(broadcast.UpdateChannel("tasks"))
	require.Len(t, updates, 4)
	require.Equal(t, "t2", protocol.IDOf(updates[0].Payload[0]))
	require.Equal(t, []any{"x", "w"}, updates[3].Payload[0].(map[string]any)["tags"])
}

func TestCollectionAutosaveStructuralEdits(t *testing.T) {
	f, mock, c := loadedCollection(t, autosaved("tasks"))

	require.NoError(t, f.s.Tree.Displace("tasks", 0, 1))
	c.Wait()
	require.NoError(t, f.s.Tree.Insert("tasks", 0, map[string]any{"id": "t0"}))
	c.Wait()
	require.NoError(t, f.s.Tree.Push("tasks", map[string]any{"id": "t3"}))
	c.Wait()
	require.Equal(t, []string{"t0", "t2", "t1", "t3"}, ids(t, f.s.Tree, "tasks"))

	var names []string
	for _, r := range mock.CallsTo(protocol.OpRemote) {
		require.Empty(t, r.ID)
		names = append(names, r.Name)
	}
	require.Equal(t, []string{"displaceitem", "insertitem", "pushitem"}, names)
	require.Empty(t, f.msgs.on(broadcast.UpdateChannel("tasks")))
}

func TestCollectionReloadsItemsAddedWithoutID(t *testing.T) {
	ctx := context.Background()
	mem := protocol.NewMemory().Register("tasks", protocol.Entity{"title": ""})
	require.NoError(t, mem.Seed("tasks", protocol.Entity{"id": "t1", "title": "one"}))
	f := newFixture(t, mem)
	c := f.collection(t, autosaved("tasks"))
	_, err := c.Load(ctx, nil)
	require.NoError(t, err)

	require.NoError(t, f.s.Tree.Push("tasks", map[string]any{"title": "pushed"}))
	c.Wait()
	require.NoError(t, f.s.Tree.Insert("tasks", 0, map[string]any{"title": "inserted"}))
	c.Wait()

	stored, err := mem.Get(ctx, "tasks", nil)
	require.NoError(t, err)
	var want []string
	for _, item := range stored.([]any) {
		want = append(want, protocol.IDOf(item))
	}
	got := ids(t, f.s.Tree, "tasks")
	require.Equal(t, want, got)
	require.Len(t, got, 3)
	for _, id := range got {
		require.NotEmpty(t, id)
	}
	require.Equal(t, "inserted", f.s.Tree.Get("tasks.0.title"))
	require.Equal(t, "pushed", f.s.Tree.Get("tasks.2.title"))

	require.NoError(t, f.s.Tree.Set("tasks.2.title", "renamed"))
	c.Wait()
	_, failed := f.s.Failed("tasks")
	require.False(t, failed)
	renamed, err := mem.Get(ctx, "tasks", protocol.Request{"id": got[2]})
	require.NoError(t, err)
	require.Equal(t, "renamed", renamed.(protocol.Entity)["title"])
}

func TestCollectionAutosaveIgnores(t *testing.T) {
	f, mock, c := loadedCollection(t, autosaved("tasks"))
	require.NoError(t, f.s.Tree.Set("tasks.0.$open", true))
	require.NoError(t, f.s.Tree.Set("tasks.0", map[string]any{"id": "t1", "title": "replaced"}))
	require.NoError(t, f.s.Tree.Del("tasks.1"))
	require.NoError(t, f.s.Tree.Set("tasks", []any{}))
	c.Wait()
	require.Len(t, mock.Calls(), 1)
}

func TestCollectionFreezesAfterFailure(t *testing.T) {
	f, mock, c := loadedCollection(t, autosaved("tasks"))
	mock.Fail(protocol.OpPatch, protocol.ErrNotFound)
	require.NoError(t, f.s.Tree.Set("tasks.0.title", "a"))
	c.Wait()
	require.Equal(t, StatusError, c.Status())
	require.NoError(t, f.s.Tree.Set("tasks.0.title", "b"))
	c.Wait()
	require.Len(t, mock.CallsTo(protocol.OpPatch), 1)
}

func TestNewItemAndDeleteItem(t *testing.T) {
	ctx := context.Background()
	f, mock, c := loadedCollection(t, autosaved("tasks"))
	mock.Return(protocol.OpDefault, protocol.Entity{"title": ""}).
		Return(protocol.OpPost, protocol.Entity{"id": "t3", "title": ""})

	item, err := c.NewItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "t3", item["id"])
	require.Equal(t, []string{"t1", "t2", "t3"}, ids(t, f.s.Tree, "tasks"))

	var nf *NotFoundError
	require.ErrorAs(t, c.DeleteItem(ctx, "missing"), &nf)
	require.Equal(t, "missing", nf.ID)

	require.NoError(t, c.DeleteItem(ctx, "t1"))
	require.Equal(t, []string{"t2", "t3"}, ids(t, f.s.Tree, "tasks"))
	c.Wait()
	require.Empty(t, mock.CallsTo(protocol.OpRemote))
	require.Equal(t, "t1", mock.CallsTo(protocol.OpDel)[0].ID)
	require.Len(t, f.msgs.on(broadcast.DeleteChannel("tasks")), 1)
	require.Empty(t, f.msgs.on(broadcast.UpdateChannel("tasks")))
}

func TestCollectionReconcilesOtherBindings(t *testing.T) {
	ctx := context.Background()
	f, _, c := loadedCollection(t, config.Binding{Path: "tasks", Protocol: "tasks"})

	var events []state.Event
	f.s.Tree.Subscribe("tasks.0", func(ev state.Event) { events = append(events, ev) }, false)

	// Another process announces a new version of t1: it replaces the item.
	f.s.Bus.Publish(ctx, broadcast.UpdateChannel("tasks"), "remote", map[string]any{"id": "t1", "title": "edited"})
	require.Equal(t, "edited", f.s.Tree.Get("tasks.0.title"))
	require.Len(t, events, 1)
	require.Equal(t, string(c.Origin()), events[0].Source)

	// A binding of this tree announces the very node the collection holds:
	// subscribers are notified, nothing is replaced.
	node := f.s.Tree.Get("tasks.0")
	f.s.Bus.Publish(ctx, broadcast.UpdateChannel("tasks"), "sibling", node)
	require.Len(t, events, 2)
	require.Equal(t, state.Set, events[1].Kind)
	require.Equal(t, 0, events[1].Index)
	require.True(t, sameNode(node, f.s.Tree.Get("tasks.0")))

	f.s.Bus.Publish(ctx, broadcast.UpdateChannel("tasks"), "remote", map[string]any{"id": "t9"})
	f.s.Bus.Publish(ctx, broadcast.DeleteChannel("tasks"), "remote", "t9")
	require.Equal(t, []string{"t1", "t2"}, ids(t, f.s.Tree, "tasks"))

	f.s.Bus.Publish(ctx, broadcast.DeleteChannel("tasks"), "remote", "t1")
	require.Equal(t, []string{"t2"}, ids(t, f.s.Tree, "tasks"))
}

func TestCollectionMethods(t *testing.T) {
	ctx := context.Background()
	f, mock, c := loadedCollection(t, config.Binding{Path: "tasks", Protocol: "tasks"})
	mock.Return(protocol.OpPost, protocol.Entity{"id": "t3"})
	ms := c.Methods()
	require.Equal(t, []string{"tasks.deleteItem", "tasks.loadCollection", "tasks.newItem"}, ms.Names())

	_, err := ms.Call(ctx, "tasks.loadCollection", map[string]any{"title": "two"})
	require.NoError(t, err)
	require.Equal(t, protocol.Request{"title": "two"}, mock.CallsTo(protocol.OpGet)[1].Request)

	_, err = ms.Call(ctx, "tasks.newItem")
	require.NoError(t, err)
	_, err = ms.Call(ctx, "tasks.deleteItem", "t3")
	require.NoError(t, err)
	_, err = ms.Call(ctx, "tasks.deleteItem")
	require.Error(t, err)
	require.Equal(t, []string{"t1", "t2"}, ids(t, f.s.Tree, "tasks"))
}

// A model editing an entity that a collection also lists keeps both in
// step through the broadcast bus, against the in-memory store.
func TestModelAndCollectionStayConsistent(t *testing.T) {
	ctx := context.Background()
	mem := protocol.NewMemory().Register("tasks", protocol.Entity{"title": "untitled"})
	require.NoError(t, mem.Seed("tasks", list[0].(map[string]any), list[1].(map[string]any)))
	f := newFixture(t, mem)
	c := f.collection(t, autosaved("tasks"))
	m := f.model(t, autosaved("current"))
	_, err := c.Load(ctx, nil)
	require.NoError(t, err)
	_, err = m.Load(ctx, protocol.Request{"id": "t2"})
	require.NoError(t, err)

	require.NoError(t, f.s.Tree.Set("current.title", "from model"))
	m.Wait()
	c.Wait()
	require.Equal(t, "from model", f.s.Tree.Get("tasks.1.title"))

	require.NoError(t, f.s.Tree.Set("tasks.1.title", "from list"))
	c.Wait()
	m.Wait()
	require.Equal(t, "from list", f.s.Tree.Get("current.title"))

	created, err := c.NewItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "untitled", created["title"])

	require.NoError(t, m.Delete(ctx, ""))
	require.Equal(t, []string{"t1", created["id"].(string)}, ids(t, f.s.Tree, "tasks"))

	stored, err := mem.Get(ctx, "tasks", nil)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	require.Len(t, f.msgs.on(broadcast.UpdateChannel("tasks")), 2)
}
