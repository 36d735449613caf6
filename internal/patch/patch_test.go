package patch

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/hanpama/protosync/internal/state"
)

func TestTranslate(t *testing.T) {
	cases := []struct {
		name string
		ev   state.Event
		want Action
	}{
		{
			name: "set property",
			ev:   state.Event{Kind: state.Set, Sub: []string{"title"}, Value: "new"},
			want: Action{Op: OpPatch, ID: "t1", Path: "title", Value: "new"},
		},
		{
			name: "set nested property",
			ev:   state.Event{Kind: state.Set, Sub: []string{"meta", "owner"}, Value: "ann"},
			want: Action{Op: OpPatch, ID: "t1", Path: "meta.owner", Value: "ann"},
		},
		{
			name: "delete root",
			ev:   state.Event{Kind: state.Delete},
			want: Action{Op: OpDeleteEntity, ID: "t1"},
		},
		{
			name: "delete property",
			ev:   state.Event{Kind: state.Delete, Sub: []string{"title"}},
			want: Action{Op: OpRemote, ID: "t1", Path: "title", Name: DeleteProperty,
				Payload: map[string]any{"id": "t1", "path": "title"}},
		},
		{
			name: "push",
			ev:   state.Event{Kind: state.Push, Sub: []string{"tags"}, Value: "red"},
			want: Action{Op: OpRemote, ID: "t1", Path: "tags", Name: PushItem,
				Payload: map[string]any{"id": "t1", "path": "tags", "data": "red"}},
		},
		{
			name: "displace",
			ev:   state.Event{Kind: state.DisplaceItem, Sub: []string{"tags"}, Value: state.Displacement{FromIndex: 2, ToIndex: 0}},
			want: Action{Op: OpRemote, ID: "t1", Path: "tags", Name: DisplaceItem,
				Payload: map[string]any{"id": "t1", "path": "tags", "fromIndex": 2, "toIndex": 0}},
		},
		{
			name: "insert",
			ev:   state.Event{Kind: state.InsertItem, Sub: []string{"tags"}, Value: state.Insertion{Index: 1, Data: "blue"}},
			want: Action{Op: OpRemote, ID: "t1", Path: "tags", Name: InsertItem,
				Payload: map[string]any{"id": "t1", "path": "tags", "index": 1, "data": "blue"}},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Translate("t1", tc.ev)
			require.True(t, ok)
			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Fatalf("action mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestTranslateIgnores(t *testing.T) {
	// Whole-entity replacement mirrors the server already.
	_, ok := Translate("t1", state.Event{Kind: state.Set, Value: map[string]any{"id": "t1"}})
	require.False(t, ok)
	// Meta state never leaves the process.
	_, ok = Translate("t1", state.Event{Kind: state.Set, Sub: []string{"$dirty"}, Value: true})
	require.False(t, ok)
	_, ok = Translate("t1", state.Event{Kind: state.Push, Sub: []string{"tags", "$sel"}, Value: 1})
	require.False(t, ok)
}

func TestTranslatePanicsOnUnknownKind(t *testing.T) {
	require.Panics(t, func() { Translate("t1", state.Event{Kind: state.Kind(99), Sub: []string{"x"}}) })
	require.Panics(t, func() { Translate("t1", state.Event{Kind: state.DisplaceItem, Sub: []string{"x"}, Value: 3}) })
}
