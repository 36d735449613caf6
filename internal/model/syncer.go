// Package model binds paths of a state tree to remote protocols. A Model
// keeps one entity in sync, a Collection keeps an ordered list of them.
// Local edits are persisted by autosave, remote changes made by other
// bindings arrive over the broadcast bus and are merged back.
//
// Every remote operation records its outcome next to the bound path:
// "$success.<path>" on success and "$error.<path>" with the failure message
// otherwise. A binding with an error marker stops autosaving until the
// marker is cleared.
package model

import (
	"context"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/hanpama/protosync/internal/broadcast"
	eventbus "github.com/hanpama/protosync/internal/eventbus"
	events "github.com/hanpama/protosync/internal/events"
	"github.com/hanpama/protosync/internal/origin"
	"github.com/hanpama/protosync/internal/patch"
	"github.com/hanpama/protosync/internal/protocol"
	"github.com/hanpama/protosync/internal/reqid"
	"github.com/hanpama/protosync/internal/state"
)

// Syncer performs the remote operations of bindings against one tree, one
// adapter and one broadcast bus. Its methods are usable directly; bindings
// add autosave and reconciliation on top.
type Syncer struct {
	Tree    *state.Tree
	Adapter protocol.Adapter
	Bus     *broadcast.Bus
	Log     zerolog.Logger
}

// NewSyncer returns a Syncer that does not log.
func NewSyncer(tree *state.Tree, adapter protocol.Adapter, bus *broadcast.Bus) *Syncer {
	return &Syncer{Tree: tree, Adapter: adapter, Bus: bus, Log: zerolog.Nop()}
}

// Save persists the entity at path: put when it carries an id, post
// otherwise. The canonical entity returned by the server replaces the local
// one and is broadcast on the protocol's update channel on behalf of from.
func (s *Syncer) Save(ctx context.Context, path, proto string, from origin.ID) (protocol.Entity, error) {
	value, _ := s.Tree.Output(path).(map[string]any)
	if value == nil {
		return nil, &ValidationError{Path: path, Msg: "nothing to save"}
	}
	op := protocol.OpPost
	if protocol.IDOf(value) != "" {
		op = protocol.OpPut
	}
	ctx, finish := s.begin(ctx, proto, op, path)
	var (
		res protocol.Entity
		err error
	)
	if op == protocol.OpPut {
		res, err = s.Adapter.Put(ctx, proto, value)
	} else {
		res, err = s.Adapter.Post(ctx, proto, value)
	}
	if err != nil {
		return nil, s.fail(ctx, finish, proto, op, path, err)
	}
	scope := s.Tree.Scope(string(from))
	if err := scope.Set(path, map[string]any(res)); err != nil {
		return nil, s.fail(ctx, finish, proto, op, path, err)
	}
	s.succeed(finish, scope, path)
	s.Bus.Publish(ctx, broadcast.UpdateChannel(proto), from, state.Clone(map[string]any(res)))
	return detach(res), nil
}

// Load fetches req from proto into path. The path is pending while the
// request is in flight.
func (s *Syncer) Load(ctx context.Context, path, proto string, req protocol.Request) (any, error) {
	ctx, finish := s.begin(ctx, proto, protocol.OpGet, path)
	scope := s.Tree.Scope(loadSource)
	v, err := scope.SetAsync(ctx, path, func(ctx context.Context) (any, error) {
		return s.Adapter.Get(ctx, proto, req)
	})
	if err != nil {
		return nil, s.fail(ctx, finish, proto, protocol.OpGet, path, err)
	}
	s.succeed(finish, scope, path)
	return v, nil
}

// Create asks proto for its default entity, posts it and stores the created
// entity at path. Nothing is broadcast: no other binding can hold it yet.
func (s *Syncer) Create(ctx context.Context, path, proto string) (protocol.Entity, error) {
	ctx, finish := s.begin(ctx, proto, protocol.OpPost, path)
	scope := s.Tree.Scope(loadSource)
	v, err := scope.SetAsync(ctx, path, s.fresh(proto))
	if err != nil {
		return nil, s.fail(ctx, finish, proto, protocol.OpPost, path, err)
	}
	s.succeed(finish, scope, path)
	return detach(v), nil
}

// Delete removes the entity at path locally, then remotely. The entity's own
// id wins over id.
func (s *Syncer) Delete(ctx context.Context, path, proto string, from origin.ID, id string) error {
	value := s.Tree.Get(path)
	if value == nil {
		return &StateError{Path: path, Msg: "nothing to delete"}
	}
	if own := protocol.IDOf(value); own != "" {
		id = own
	}
	if id == "" {
		return &StateError{Path: path, Msg: "no id found"}
	}
	scope := s.Tree.Scope(string(from))
	if err := scope.Del(path); err != nil {
		return err
	}
	return s.remove(ctx, scope, path, proto, from, id)
}

// LoadCollection is Load for a collection path.
func (s *Syncer) LoadCollection(ctx context.Context, path, proto string, req protocol.Request) (any, error) {
	return s.Load(ctx, path, proto, req)
}

// NewItem creates an entity from proto's defaults and appends it to the
// collection at path.
func (s *Syncer) NewItem(ctx context.Context, path, proto string) (protocol.Entity, error) {
	ctx, finish := s.begin(ctx, proto, protocol.OpPost, path)
	scope := s.Tree.Scope(loadSource)
	v, err := scope.PushAsync(ctx, path, s.fresh(proto))
	if err != nil {
		return nil, s.fail(ctx, finish, proto, protocol.OpPost, path, err)
	}
	s.succeed(finish, scope, path)
	return detach(v), nil
}

// DeleteItem removes the item with id from the collection at path, locally
// and then remotely.
func (s *Syncer) DeleteItem(ctx context.Context, path, proto string, from origin.ID, id string) error {
	i := indexOf(s.Tree.Get(path), id)
	if i < 0 {
		s.Log.Warn().Str("path", path).Str("id", id).Msg("item not found")
		return &NotFoundError{Path: path, ID: id}
	}
	scope := s.Tree.Scope(string(from))
	if err := scope.Del(state.Join(path, strconv.Itoa(i))); err != nil {
		return err
	}
	return s.remove(ctx, scope, path, proto, from, id)
}

// Apply performs an action translated from a local edit of the binding at
// path. On success the entity at announce, when announce is not empty, is
// broadcast as updated.
func (s *Syncer) Apply(ctx context.Context, path, proto string, from origin.ID, a patch.Action, announce string) error {
	scope := s.Tree.Scope(string(from))
	if a.Op == patch.OpDeleteEntity {
		return s.remove(ctx, scope, path, proto, from, a.ID)
	}
	op := protocol.OpPatch
	if a.Op == patch.OpRemote {
		op = protocol.OpRemote
	}
	ctx, finish := s.begin(ctx, proto, op, path)
	var err error
	if a.Op == patch.OpRemote {
		err = s.Adapter.Remote(ctx, proto, a.Name, a.Payload)
	} else {
		err = s.Adapter.Patch(ctx, proto, a.ID, a.Value, a.Path)
	}
	if err != nil {
		return s.fail(ctx, finish, proto, op, path, err)
	}
	s.succeed(finish, scope, path)
	if announce != "" {
		if v := s.Tree.Output(announce); v != nil {
			s.Bus.Publish(ctx, broadcast.UpdateChannel(proto), from, v)
		}
	}
	return nil
}

// ClearError removes the error marker of path.
func (s *Syncer) ClearError(path string) error {
	return s.Tree.Scope(loadSource).Del(state.ErrorPath(path))
}

// Failed returns the recorded error message of path, if any.
func (s *Syncer) Failed(path string) (string, bool) {
	v := s.Tree.Get(state.ErrorPath(path))
	if v == nil {
		return "", false
	}
	msg, _ := v.(string)
	return msg, true
}

func (s *Syncer) remove(ctx context.Context, scope state.Scope, path, proto string, from origin.ID, id string) error {
	ctx, finish := s.begin(ctx, proto, protocol.OpDel, path)
	if err := s.Adapter.Del(ctx, proto, id); err != nil {
		return s.fail(ctx, finish, proto, protocol.OpDel, path, err)
	}
	s.succeed(finish, scope, path)
	s.Bus.Publish(ctx, broadcast.DeleteChannel(proto), from, id)
	return nil
}

func (s *Syncer) fresh(proto string) func(context.Context) (any, error) {
	return func(ctx context.Context) (any, error) {
		def, err := s.Adapter.Default(ctx, proto)
		if err != nil {
			return nil, err
		}
		created, err := s.Adapter.Post(ctx, proto, def)
		if err != nil {
			return nil, err
		}
		return map[string]any(created), nil
	}
}

// loadSource tags tree writes that mirror the server but belong to no
// binding in particular.
const loadSource = "sync"

func (s *Syncer) begin(ctx context.Context, proto, op, path string) (context.Context, func(error)) {
	ctx, id := reqid.NewContext(ctx)
	start := time.Now()
	eventbus.Publish(ctx, events.SyncStart{Protocol: proto, Op: op, Path: path})
	return ctx, func(err error) {
		d := time.Since(start)
		eventbus.Publish(ctx, events.SyncFinish{Protocol: proto, Op: op, Path: path, Err: err, Duration: d})
		if err == nil {
			s.Log.Debug().Str("reqid", id).Str("protocol", proto).Str("op", op).Str("path", path).
				Dur("duration", d).Msg("sync")
		}
	}
}

func (s *Syncer) succeed(finish func(error), scope state.Scope, path string) {
	finish(nil)
	_ = scope.Set(state.SuccessPath(path), true)
	_ = scope.Del(state.ErrorPath(path))
}

func (s *Syncer) fail(ctx context.Context, finish func(error), proto, op, path string, err error) error {
	finish(err)
	id, _ := reqid.FromContext(ctx)
	s.Log.Error().Err(err).Str("reqid", id).Str("protocol", proto).Str("op", op).Str("path", path).
		Msg("sync failed")
	_ = s.Tree.Scope(loadSource).Set(state.ErrorPath(path), err.Error())
	return &RemoteError{Protocol: proto, Op: op, Path: path, Err: err}
}

// detach copies a value stored in the tree before it is handed to callers.
func detach(v any) protocol.Entity {
	m, _ := state.Clone(v).(map[string]any)
	return m
}

func indexOf(list any, id string) int {
	items, _ := list.([]any)
	for i, item := range items {
		if id != "" && protocol.IDOf(item) == id {
			return i
		}
	}
	return -1
}
