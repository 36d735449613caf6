package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
)

var (
	// ErrInvalidPath is returned when a path descends into a scalar or uses a
	// non-numeric segment on a sequence.
	ErrInvalidPath = errors.New("state: invalid path")
	// ErrNotSequence is returned by structural operations on a non-sequence.
	ErrNotSequence = errors.New("state: not a sequence")
	// ErrIndexRange is returned for sequence indexes out of range.
	ErrIndexRange = errors.New("state: index out of range")

	errMissing = errors.New("state: missing node")
)

// Tree is the reactive state tree. The zero value is not usable; use New.
//
// Nodes are never modified in place: a mutation copies the maps and
// sequences along its path, so values returned by Get stay valid and may be
// read from any goroutine.
type Tree struct {
	mu      sync.Mutex
	root    map[string]any
	pending map[string]int
	subs    []*subscription
	nextID  int

	// dmu is held from the start of a mutation until its events, and those
	// of mutations made by its handlers, are delivered. owner is the
	// goroutine holding it; queue is only touched by the owner.
	dmu   sync.Mutex
	owner      atomic.Int64
	queue      []delivery
	delivering bool
}

type subscription struct {
	id     int
	path   []string
	h      Handler
	upward bool
}

type delivery struct {
	sub *subscription
	ev  Event
}

// New returns an empty tree.
func New() *Tree {
	return &Tree{root: map[string]any{}, pending: map[string]int{}}
}

// NewFrom returns a tree rooted at a deep copy of root.
func NewFrom(root map[string]any) *Tree {
	t := New()
	if root != nil {
		t.root = clone(root, false).(map[string]any)
	}
	return t
}

// Get returns the node at path, or nil. The returned value is shared with
// the tree and never changes; callers must not modify it.
func (t *Tree) Get(path string) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, _ := lookup(t.root, Split(path))
	return v
}

// Output returns a deep copy of the node at path without meta keys.
func (t *Tree) Output(path string) any {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := lookup(t.root, Split(path))
	if !ok {
		return nil
	}
	return clone(v, true)
}

// Pending reports whether an asynchronous assignment to path is in flight.
func (t *Tree) Pending(path string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending[path] > 0
}

// Subscribe registers h for events at path (see the package documentation).
// The returned function removes the subscription.
func (t *Tree) Subscribe(path string, h Handler, upward bool) (unsubscribe func()) {
	t.mu.Lock()
	t.nextID++
	s := &subscription{id: t.nextID, path: Split(path), h: h, upward: upward}
	t.subs = append(t.subs, s)
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, cur := range t.subs {
			if cur.id == s.id {
				t.subs = append(t.subs[:i:i], t.subs[i+1:]...)
				return
			}
		}
	}
}

// Scope returns a view of t whose mutations are tagged with source.
func (t *Tree) Scope(source string) Scope { return Scope{t: t, source: source} }

// Set, Del, Push, Insert, Displace and Notify mutate the tree on behalf of
// the application: their events carry an empty source.
func (t *Tree) Set(path string, v any) error { return t.Scope("").Set(path, v) }

func (t *Tree) Del(path string) error { return t.Scope("").Del(path) }

func (t *Tree) Push(path string, v any) error { return t.Scope("").Push(path, v) }

func (t *Tree) Insert(path string, i int, v any) error { return t.Scope("").Insert(path, i, v) }

func (t *Tree) Displace(path string, from, to int) error {
	return t.Scope("").Displace(path, from, to)
}

func (t *Tree) Notify(kind Kind, path string, v any, index int) {
	t.Scope("").Notify(kind, path, v, index)
}

// Scope mutates a Tree on behalf of a named source. Events produced through
// a Scope carry the source in Event.Source.
type Scope struct {
	t      *Tree
	source string
}

// Source returns the tag attached to the scope's events.
func (s Scope) Source() string { return s.source }

// Set assigns v at path, creating intermediate maps as needed.
func (s Scope) Set(path string, v any) error {
	return s.mutate(Event{Kind: Set, Path: path, Value: v, Index: -1}, func(root map[string]any, segs []string) (map[string]any, error) {
		if len(segs) == 0 {
			m, ok := v.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: root must be a map, got %T", ErrInvalidPath, v)
			}
			return m, nil
		}
		return applyRoot(root, segs, true, func(any) (any, error) { return v, nil })
	})
}

// Del removes the node at path. Removing a missing node is a no-op.
func (s Scope) Del(path string) error {
	return s.mutate(Event{Kind: Delete, Path: path, Index: -1}, func(root map[string]any, segs []string) (map[string]any, error) {
		if len(segs) == 0 {
			return map[string]any{}, nil
		}
		last := segs[len(segs)-1]
		return applyRoot(root, segs[:len(segs)-1], false, func(cur any) (any, error) {
			switch c := cur.(type) {
			case map[string]any:
				if _, ok := c[last]; !ok {
					return nil, errMissing
				}
				out := make(map[string]any, len(c))
				for k, v := range c {
					if k != last {
						out[k] = v
					}
				}
				return out, nil
			case []any:
				i, err := index(last, len(c))
				if err != nil {
					return nil, errMissing
				}
				out := make([]any, 0, len(c)-1)
				out = append(out, c[:i]...)
				return append(out, c[i+1:]...), nil
			}
			return nil, errMissing
		})
	})
}

// Push appends v to the sequence at path, creating it when missing.
func (s Scope) Push(path string, v any) error {
	return s.mutate(Event{Kind: Push, Path: path, Value: v, Index: -1}, func(root map[string]any, segs []string) (map[string]any, error) {
		return applyRoot(root, segs, true, func(cur any) (any, error) {
			switch c := cur.(type) {
			case nil:
				return []any{v}, nil
			case []any:
				return append(c[:len(c):len(c)], v), nil
			}
			return nil, fmt.Errorf("%w: %s", ErrNotSequence, path)
		})
	})
}

// Insert inserts v at index i of the sequence at path.
func (s Scope) Insert(path string, i int, v any) error {
	ev := Event{Kind: InsertItem, Path: path, Value: Insertion{Index: i, Data: v}, Index: i}
	return s.mutate(ev, func(root map[string]any, segs []string) (map[string]any, error) {
		return applyRoot(root, segs, false, func(cur any) (any, error) {
			c, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotSequence, path)
			}
			if i < 0 || i > len(c) {
				return nil, fmt.Errorf("%w: %d", ErrIndexRange, i)
			}
			out := make([]any, 0, len(c)+1)
			out = append(out, c[:i]...)
			out = append(out, v)
			return append(out, c[i:]...), nil
		})
	})
}

// Displace moves the item at index from to index to.
func (s Scope) Displace(path string, from, to int) error {
	ev := Event{Kind: DisplaceItem, Path: path, Value: Displacement{FromIndex: from, ToIndex: to}, Index: to}
	return s.mutate(ev, func(root map[string]any, segs []string) (map[string]any, error) {
		return applyRoot(root, segs, false, func(cur any) (any, error) {
			c, ok := cur.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: %s", ErrNotSequence, path)
			}
			if from < 0 || from >= len(c) || to < 0 || to >= len(c) {
				return nil, fmt.Errorf("%w: %d -> %d", ErrIndexRange, from, to)
			}
			out := make([]any, len(c))
			copy(out, c)
			item := out[from]
			out = append(out[:from], out[from+1:]...)
			out = append(out[:to], append([]any{item}, out[to:]...)...)
			return out, nil
		})
	})
}

// Notify dispatches an event without changing the tree.
func (s Scope) Notify(kind Kind, path string, v any, index int) {
	t := s.t
	segs := Split(path)
	ev := Event{Kind: kind, Path: path, Key: lastSeg(segs), Value: v, Index: index, Source: s.source}
	release := t.acquire()
	defer release()
	t.mu.Lock()
	ds := t.deliveries(ev, segs)
	t.mu.Unlock()
	t.deliver(ds)
}

// SetAsync marks path pending, runs fetch and assigns its result. The
// pending mark is cleared whatever the outcome; on error the node is left
// untouched.
func (s Scope) SetAsync(ctx context.Context, path string, fetch func(context.Context) (any, error)) (any, error) {
	s.t.begin(path)
	v, err := fetch(ctx)
	s.t.end(path)
	if err != nil {
		return nil, err
	}
	if err := s.Set(path, v); err != nil {
		return nil, err
	}
	return v, nil
}

// PushAsync is SetAsync for appending to the sequence at path.
func (s Scope) PushAsync(ctx context.Context, path string, fetch func(context.Context) (any, error)) (any, error) {
	s.t.begin(path)
	v, err := fetch(ctx)
	s.t.end(path)
	if err != nil {
		return nil, err
	}
	if err := s.Push(path, v); err != nil {
		return nil, err
	}
	return v, nil
}

func (t *Tree) begin(path string) {
	t.mu.Lock()
	t.pending[path]++
	t.mu.Unlock()
}

func (t *Tree) end(path string) {
	t.mu.Lock()
	if t.pending[path]--; t.pending[path] <= 0 {
		delete(t.pending, path)
	}
	t.mu.Unlock()
}

func (s Scope) mutate(ev Event, fn func(root map[string]any, segs []string) (map[string]any, error)) error {
	t := s.t
	segs := Split(ev.Path)
	ev.Key = lastSeg(segs)
	ev.Source = s.source
	release := t.acquire()
	defer release()
	t.mu.Lock()
	root, err := fn(t.root, segs)
	if errors.Is(err, errMissing) {
		t.mu.Unlock()
		if ev.Kind == Delete {
			return nil
		}
		return fmt.Errorf("%w: %s not found", ErrInvalidPath, ev.Path)
	}
	if err != nil {
		t.mu.Unlock()
		return err
	}
	t.root = root
	ds := t.deliveries(ev, segs)
	t.mu.Unlock()
	t.deliver(ds)
	return nil
}

// deliveries computes the per-subscription events for a mutation at segs.
// t.mu must be held.
func (t *Tree) deliveries(ev Event, segs []string) []delivery {
	var out []delivery
	for _, s := range t.subs {
		switch {
		case hasPrefix(segs, s.path):
			sub := segs[len(s.path):]
			if len(sub) > 0 && !s.upward {
				continue
			}
			e := ev
			e.Sub = append([]string(nil), sub...)
			out = append(out, delivery{sub: s, ev: e})
		case hasPrefix(s.path, segs):
			e := Event{Path: Join(s.path...), Key: lastSeg(s.path), Index: -1, Source: ev.Source}
			if v, ok := lookup(t.root, s.path); ok {
				e.Kind = Set
				e.Value = v
			} else {
				e.Kind = Delete
			}
			out = append(out, delivery{sub: s, ev: e})
		}
	}
	return out
}

// acquire serializes mutations and their delivery across goroutines. A
// goroutine already delivering events, i.e. a handler mutating the tree,
// passes through and its events are queued behind the current handler.
func (t *Tree) acquire() (release func()) {
	id := goid()
	if t.owner.Load() == id {
		return func() {}
	}
	t.dmu.Lock()
	t.owner.Store(id)
	return func() {
		t.queue = nil
		t.delivering = false
		t.owner.Store(0)
		t.dmu.Unlock()
	}
}

// deliver runs ds, and everything queued while they run, in order. Nested
// calls from handlers only enqueue. The caller owns dmu.
func (t *Tree) deliver(ds []delivery) {
	t.queue = append(t.queue, ds...)
	if t.delivering {
		return
	}
	t.delivering = true
	defer func() { t.delivering = false }()
	for len(t.queue) > 0 {
		d := t.queue[0]
		t.queue = t.queue[1:]
		d.sub.h(d.ev)
	}
}

func applyRoot(root map[string]any, segs []string, create bool, fn func(cur any) (any, error)) (map[string]any, error) {
	v, err := apply(root, segs, create, fn)
	if err != nil {
		return nil, err
	}
	return v.(map[string]any), nil
}

func apply(node any, segs []string, create bool, fn func(cur any) (any, error)) (any, error) {
	if len(segs) == 0 {
		return fn(node)
	}
	seg, rest := segs[0], segs[1:]
	switch n := node.(type) {
	case map[string]any:
		cur, ok := n[seg]
		if !ok && !create {
			return nil, errMissing
		}
		next, err := apply(cur, rest, create, fn)
		if err != nil {
			return nil, err
		}
		out := make(map[string]any, len(n)+1)
		for k, v := range n {
			out[k] = v
		}
		out[seg] = next
		return out, nil
	case []any:
		i, err := index(seg, len(n))
		if err != nil {
			return nil, err
		}
		next, err := apply(n[i], rest, create, fn)
		if err != nil {
			return nil, err
		}
		out := make([]any, len(n))
		copy(out, n)
		out[i] = next
		return out, nil
	case nil:
		if !create {
			return nil, errMissing
		}
		next, err := apply(nil, rest, create, fn)
		if err != nil {
			return nil, err
		}
		return map[string]any{seg: next}, nil
	}
	return nil, fmt.Errorf("%w: cannot descend into %T at %q", ErrInvalidPath, node, seg)
}

func lookup(node any, segs []string) (any, bool) {
	for _, seg := range segs {
		switch n := node.(type) {
		case map[string]any:
			v, ok := n[seg]
			if !ok {
				return nil, false
			}
			node = v
		case []any:
			i, err := index(seg, len(n))
			if err != nil {
				return nil, false
			}
			node = n[i]
		default:
			return nil, false
		}
	}
	return node, true
}

func index(seg string, n int) (int, error) {
	i, err := strconv.Atoi(seg)
	if err != nil {
		return 0, fmt.Errorf("%w: %q is not an index", ErrInvalidPath, seg)
	}
	if i < 0 || i >= n {
		return 0, fmt.Errorf("%w: %d", ErrIndexRange, i)
	}
	return i, nil
}

// Clone returns a deep copy of maps and sequences in v; other values are
// returned as they are.
func Clone(v any) any { return clone(v, false) }

// clone deep-copies maps and sequences. With stripMeta, map keys in the meta
// namespace are dropped.
func clone(v any, stripMeta bool) any {
	switch c := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(c))
		for k, e := range c {
			if stripMeta && len(k) > 0 && k[0] == MetaPrefix {
				continue
			}
			out[k] = clone(e, stripMeta)
		}
		return out
	case []any:
		out := make([]any, len(c))
		for i, e := range c {
			out[i] = clone(e, stripMeta)
		}
		return out
	}
	return v
}

func hasPrefix(segs, prefix []string) bool {
	if len(prefix) > len(segs) {
		return false
	}
	for i := range prefix {
		if segs[i] != prefix[i] {
			return false
		}
	}
	return true
}

func lastSeg(segs []string) string {
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}
