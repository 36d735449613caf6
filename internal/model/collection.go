package model

import (
	"context"
	"reflect"
	"strconv"
	"sync"

	"github.com/hanpama/protosync/internal/broadcast"
	"github.com/hanpama/protosync/internal/config"
	"github.com/hanpama/protosync/internal/patch"
	"github.com/hanpama/protosync/internal/protocol"
	"github.com/hanpama/protosync/internal/state"
)

// Collection keeps the ordered list of entities at one path in sync with a
// protocol. Its autosave always works edit by edit; AutoSaveDelayMS is
// ignored.
type Collection struct {
	*binding

	mu      sync.Mutex
	lastReq protocol.Request
}

// BindCollection binds cfg.Path, a sequence of entities, to cfg.Protocol.
func BindCollection(s *Syncer, cfg config.Binding, opts ...Option) (*Collection, error) {
	b, err := newBinding(s, cfg, newOptions(cfg, opts))
	if err != nil {
		return nil, err
	}
	c := &Collection{binding: b}
	c.listen(c.onUpdate, c.onDelete)
	if cfg.AutoSave {
		c.track(s.Tree.Subscribe(cfg.Path, c.onMutation, true))
	}
	return c, nil
}

// Load fetches req into the bound path.
func (c *Collection) Load(ctx context.Context, req protocol.Request) (any, error) {
	c.mu.Lock()
	c.lastReq = req
	c.mu.Unlock()
	var v any
	err := c.run(false, func() error {
		var err error
		v, err = c.s.LoadCollection(ctx, c.cfg.Path, c.cfg.Protocol, req)
		return err
	})
	return v, err
}

// reload fetches the request of the last Load again. The server assigns ids
// to items appended without one; reloading brings them into the tree.
func (c *Collection) reload(ctx context.Context) error {
	c.mu.Lock()
	req := c.lastReq
	c.mu.Unlock()
	_, err := c.s.LoadCollection(ctx, c.cfg.Path, c.cfg.Protocol, req)
	return err
}

// NewItem appends a new entity created from the protocol's defaults.
func (c *Collection) NewItem(ctx context.Context) (protocol.Entity, error) {
	var e protocol.Entity
	err := c.run(false, func() error {
		var err error
		e, err = c.s.NewItem(ctx, c.cfg.Path, c.cfg.Protocol)
		return err
	})
	return e, err
}

// DeleteItem removes the item with id, locally and remotely.
func (c *Collection) DeleteItem(ctx context.Context, id string) error {
	return c.run(true, func() error {
		return c.s.DeleteItem(ctx, c.cfg.Path, c.cfg.Protocol, c.origin, id)
	})
}

// Status reports the binding's lifecycle state.
func (c *Collection) Status() Status { return c.status(false) }

// Close stops reconciliation and autosave and waits for remote calls
// already started.
func (c *Collection) Close() error {
	c.close(nil)
	return nil
}

func (c *Collection) item(i int) string { return state.Join(c.cfg.Path, strconv.Itoa(i)) }

func (c *Collection) onUpdate(ctx context.Context, msg broadcast.Message) {
	incoming, ok := payloadEntity(msg)
	if !ok {
		return
	}
	i := indexOf(c.s.Tree.Get(c.cfg.Path), protocol.IDOf(incoming))
	if i < 0 {
		return
	}
	scope := c.s.Tree.Scope(string(c.origin))
	path := c.item(i)
	// The same node published by a binding of this tree is already in
	// place; subscribers only need to hear about it.
	if cur := c.s.Tree.Get(path); sameNode(cur, incoming) {
		scope.Notify(state.Set, path, cur, i)
		return
	}
	if err := scope.Set(path, state.Clone(incoming)); err != nil {
		c.log.Error().Err(err).Msg("reconcile update")
	}
}

func (c *Collection) onDelete(ctx context.Context, msg broadcast.Message) {
	id, ok := payloadID(msg)
	if !ok {
		return
	}
	i := indexOf(c.s.Tree.Get(c.cfg.Path), id)
	if i < 0 {
		return
	}
	if err := c.s.Tree.Scope(string(c.origin)).Del(c.item(i)); err != nil {
		c.log.Error().Err(err).Msg("reconcile delete")
	}
}

func (c *Collection) onMutation(ev state.Event) {
	if ev.Source != "" || c.frozen() || state.IsMeta(ev.Sub) {
		return
	}
	var (
		id     string
		itemEv = ev
	)
	announce := ""
	if len(ev.Sub) == 0 {
		// Replacing or removing the whole list is not an edit; reordering
		// and appending are.
		if ev.Kind == state.Set || ev.Kind == state.Delete {
			return
		}
	} else {
		i, err := strconv.Atoi(ev.Sub[0])
		if err != nil {
			return
		}
		itemEv.Sub = ev.Sub[1:]
		// Items are removed with DeleteItem and replaced wholesale only by
		// reconciliation.
		if len(itemEv.Sub) == 0 && (ev.Kind == state.Delete || ev.Kind == state.Set) {
			return
		}
		id = protocol.IDOf(c.s.Tree.Get(c.item(i)))
		if id == "" {
			c.log.Warn().Str("item", c.item(i)).Msg("autosave skipped: item has no id")
			return
		}
		announce = c.item(i)
	}
	a, ok := patch.Translate(id, itemEv)
	if !ok {
		return
	}
	if err := c.validate(c.s.Tree.Output(c.cfg.Path)); err != nil {
		c.log.Debug().Err(err).Msg("autosave skipped")
		return
	}
	var then func(context.Context) error
	if id == "" && addsItem(a) && protocol.IDOf(a.Payload["data"]) == "" {
		then = c.reload
	}
	c.dirty.Store(true)
	c.dispatch(a, announce, then)
}

// addsItem reports whether a appends or inserts an item.
func addsItem(a patch.Action) bool {
	return a.Op == patch.OpRemote && (a.Name == patch.PushItem || a.Name == patch.InsertItem)
}

// sameNode reports whether a and b are the same map.
func sameNode(a, b any) bool {
	ma, ok := a.(map[string]any)
	if !ok {
		return false
	}
	mb, ok := b.(map[string]any)
	if !ok {
		return false
	}
	return reflect.ValueOf(ma).Pointer() == reflect.ValueOf(mb).Pointer()
}
