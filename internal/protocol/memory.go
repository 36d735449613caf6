package protocol

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/hanpama/protosync/internal/state"
)

// Memory is an in-process Adapter. Each registered protocol is an ordered
// store of entities; ids are ULIDs assigned on Post.
type Memory struct {
	mu     sync.RWMutex
	stores map[string]*store
}

type store struct {
	defaults Entity
	items    map[string]Entity
	order    []string
}

var _ Adapter = (*Memory)(nil)

// NewMemory returns a Memory without protocols.
func NewMemory() *Memory { return &Memory{stores: make(map[string]*store)} }

// Register declares proto with the payload Default returns for it.
// Registering an existing protocol replaces its defaults and keeps its data.
func (m *Memory) Register(proto string, defaults Entity) *Memory {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.stores[proto]
	if s == nil {
		s = &store{items: make(map[string]Entity)}
		m.stores[proto] = s
	}
	s.defaults = copyEntity(defaults)
	return m
}

// Seed stores entities as they are, assigning ids to those without one.
func (m *Memory) Seed(proto string, entities ...Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.store(proto)
	if err != nil {
		return err
	}
	for _, e := range entities {
		s.insert(len(s.order), copyEntity(e))
	}
	return nil
}

func (m *Memory) store(proto string) (*store, error) {
	s := m.stores[proto]
	if s == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, proto)
	}
	return s, nil
}

// Get returns the entity named by req["id"], or the ordered list of entities
// whose fields equal every other field of req.
func (m *Memory) Get(ctx context.Context, proto string, req Request) (any, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.store(proto)
	if err != nil {
		return nil, err
	}
	if id := IDOf(req); id != "" {
		e, ok := s.items[id]
		if !ok {
			return nil, fmt.Errorf("%w: %s %s", ErrNotFound, proto, id)
		}
		return copyEntity(e), nil
	}
	out := []any{}
	for _, id := range s.order {
		e := s.items[id]
		if matches(e, req) {
			out = append(out, copyEntity(e))
		}
	}
	return out, nil
}

func (m *Memory) Post(ctx context.Context, proto string, e Entity) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.store(proto)
	if err != nil {
		return nil, err
	}
	e = copyEntity(e)
	s.insert(len(s.order), e)
	return copyEntity(e), nil
}

func (m *Memory) Put(ctx context.Context, proto string, e Entity) (Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.store(proto)
	if err != nil {
		return nil, err
	}
	id := IDOf(e)
	if id == "" {
		return nil, fmt.Errorf("%w: put without id", ErrInvalid)
	}
	if _, ok := s.items[id]; !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrNotFound, proto, id)
	}
	s.items[id] = copyEntity(e)
	return copyEntity(e), nil
}

func (m *Memory) Patch(ctx context.Context, proto, id string, value any, path string) error {
	return m.edit(proto, id, func(t *state.Tree) error { return t.Set(path, value) })
}

func (m *Memory) Del(ctx context.Context, proto, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.store(proto)
	if err != nil {
		return err
	}
	if _, ok := s.items[id]; !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, proto, id)
	}
	delete(s.items, id)
	s.order = without(s.order, id)
	return nil
}

func (m *Memory) Default(ctx context.Context, proto string) (Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, err := m.store(proto)
	if err != nil {
		return nil, err
	}
	return copyEntity(s.defaults), nil
}

// Remote applies the structural operations produced by autosave. With an
// empty id, pushitem, insertitem and displaceitem edit the protocol's
// collection order instead of a property of one entity.
func (m *Memory) Remote(ctx context.Context, proto, op string, payload map[string]any) error {
	id, _ := payload["id"].(string)
	path, _ := payload["path"].(string)
	if id == "" {
		return m.collectionOp(proto, op, payload)
	}
	switch op {
	case "deleteproperty":
		return m.edit(proto, id, func(t *state.Tree) error { return t.Del(path) })
	case "pushitem":
		return m.edit(proto, id, func(t *state.Tree) error { return t.Push(path, payload["data"]) })
	case "insertitem":
		i, err := Int(payload["index"])
		if err != nil {
			return err
		}
		return m.edit(proto, id, func(t *state.Tree) error { return t.Insert(path, i, payload["data"]) })
	case "displaceitem":
		from, err := Int(payload["fromIndex"])
		if err != nil {
			return err
		}
		to, err := Int(payload["toIndex"])
		if err != nil {
			return err
		}
		return m.edit(proto, id, func(t *state.Tree) error { return t.Displace(path, from, to) })
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, op)
}

func (m *Memory) collectionOp(proto, op string, payload map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.store(proto)
	if err != nil {
		return err
	}
	switch op {
	case "pushitem", "insertitem":
		data, ok := payload["data"].(map[string]any)
		if !ok {
			return fmt.Errorf("%w: %s needs an entity", ErrInvalid, op)
		}
		at := len(s.order)
		if op == "insertitem" {
			if at, err = Int(payload["index"]); err != nil {
				return err
			}
			if at < 0 || at > len(s.order) {
				return fmt.Errorf("%w: index %d", ErrInvalid, at)
			}
		}
		s.insert(at, copyEntity(data))
		return nil
	case "displaceitem":
		from, err := Int(payload["fromIndex"])
		if err != nil {
			return err
		}
		to, err := Int(payload["toIndex"])
		if err != nil {
			return err
		}
		if from < 0 || from >= len(s.order) || to < 0 || to >= len(s.order) {
			return fmt.Errorf("%w: displace %d -> %d", ErrInvalid, from, to)
		}
		id := s.order[from]
		order := without(s.order, id)
		s.order = append(order[:to:to], append([]string{id}, order[to:]...)...)
		return nil
	case "deleteproperty":
		return fmt.Errorf("%w: deleteproperty needs an id", ErrInvalid)
	}
	return fmt.Errorf("%w: %q", ErrUnknownOp, op)
}

func (m *Memory) edit(proto, id string, fn func(t *state.Tree) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, err := m.store(proto)
	if err != nil {
		return err
	}
	e, ok := s.items[id]
	if !ok {
		return fmt.Errorf("%w: %s %s", ErrNotFound, proto, id)
	}
	t := state.NewFrom(e)
	if err := fn(t); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s.items[id] = t.Get("").(map[string]any)
	return nil
}

func (s *store) insert(at int, e Entity) {
	id := IDOf(e)
	if id == "" {
		id = ulid.Make().String()
		e["id"] = id
	}
	if _, exists := s.items[id]; exists {
		s.order = without(s.order, id)
		if at > len(s.order) {
			at = len(s.order)
		}
	}
	s.items[id] = e
	s.order = append(s.order[:at:at], append([]string{id}, s.order[at:]...)...)
}

func matches(e Entity, req Request) bool {
	for k, v := range req {
		if !reflect.DeepEqual(e[k], v) {
			return false
		}
	}
	return true
}

func without(order []string, id string) []string {
	for i, cur := range order {
		if cur == id {
			return append(order[:i:i], order[i+1:]...)
		}
	}
	return order
}

func copyEntity(e Entity) Entity {
	if e == nil {
		return Entity{}
	}
	return state.NewFrom(e).Get("").(map[string]any)
}
