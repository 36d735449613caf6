// Package patch translates local mutation events into the minimal remote
// operation that makes the server agree with the local state.
//
// Translation is pure: it reads only the event and the entity id and never
// touches the tree or the network.
package patch

import (
	"fmt"

	"github.com/hanpama/protosync/internal/state"
)

// Op is the shape of a remote operation.
type Op int

const (
	// OpPatch updates a single property: Adapter.Patch(proto, ID, Value, Path).
	OpPatch Op = iota + 1
	// OpDeleteEntity deletes the whole bound entity.
	OpDeleteEntity
	// OpRemote is a custom remote operation: Adapter.Remote(proto, Name, Payload).
	OpRemote
)

func (o Op) String() string {
	switch o {
	case OpPatch:
		return "patch"
	case OpDeleteEntity:
		return "delete"
	case OpRemote:
		return "remote"
	}
	return fmt.Sprintf("Op(%d)", int(o))
}

// Names of the custom remote operations.
const (
	DeleteProperty = "deleteproperty"
	PushItem       = "pushitem"
	DisplaceItem   = "displaceitem"
	InsertItem     = "insertitem"
)

// Action is a translated remote operation.
type Action struct {
	Op      Op
	ID      string
	Path    string
	Value   any
	Name    string
	Payload map[string]any
}

// Translate maps a mutation event observed on a bound root to a remote
// action for the entity identified by id. It reports false when the event
// must not be persisted: meta-state changes, and replacements of the bound
// root itself, which already mirror the server.
//
// Translate panics on a Kind it does not know or on a structural event whose
// value has the wrong shape; both are programming errors.
func Translate(id string, ev state.Event) (Action, bool) {
	if state.IsMeta(ev.Sub) {
		return Action{}, false
	}
	path := state.Join(ev.Sub...)
	switch ev.Kind {
	case state.Set:
		if len(ev.Sub) == 0 {
			return Action{}, false
		}
		return Action{Op: OpPatch, ID: id, Path: path, Value: ev.Value}, true
	case state.Delete:
		if len(ev.Sub) == 0 {
			return Action{Op: OpDeleteEntity, ID: id}, true
		}
		return remote(DeleteProperty, id, path, map[string]any{"id": id, "path": path}), true
	case state.Push:
		return remote(PushItem, id, path, map[string]any{"id": id, "path": path, "data": ev.Value}), true
	case state.DisplaceItem:
		d, ok := ev.Value.(state.Displacement)
		if !ok {
			panic(fmt.Sprintf("patch: displaceItem event at %q carries %T", ev.Path, ev.Value))
		}
		return remote(DisplaceItem, id, path, map[string]any{
			"id": id, "path": path, "fromIndex": d.FromIndex, "toIndex": d.ToIndex,
		}), true
	case state.InsertItem:
		in, ok := ev.Value.(state.Insertion)
		if !ok {
			panic(fmt.Sprintf("patch: insertItem event at %q carries %T", ev.Path, ev.Value))
		}
		return remote(InsertItem, id, path, map[string]any{
			"id": id, "path": path, "index": in.Index, "data": in.Data,
		}), true
	}
	panic(fmt.Sprintf("patch: unknown mutation kind %v at %q", ev.Kind, ev.Path))
}

func remote(name, id, path string, payload map[string]any) Action {
	return Action{Op: OpRemote, ID: id, Path: path, Name: name, Payload: payload}
}
