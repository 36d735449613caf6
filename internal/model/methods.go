package model

import (
	"context"
	"fmt"
	"sort"

	"github.com/hanpama/protosync/internal/protocol"
)

// Method is an operation exposed by a binding under a path-qualified name
// such as "task.saveModel".
type Method func(ctx context.Context, args ...any) (any, error)

// Methods is a table of binding operations.
type Methods map[string]Method

// Call invokes the method registered under name.
func (ms Methods) Call(ctx context.Context, name string, args ...any) (any, error) {
	m, ok := ms[name]
	if !ok {
		return nil, fmt.Errorf("unknown method %q", name)
	}
	return m(ctx, args...)
}

// Names returns the registered names in order.
func (ms Methods) Names() []string {
	names := make([]string, 0, len(ms))
	for n := range ms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Merge adds every method of other to ms.
func (ms Methods) Merge(other Methods) Methods {
	for n, m := range other {
		ms[n] = m
	}
	return ms
}

// Methods returns saveModel, deleteModel, loadModel and newModel keyed under
// the bound path. deleteModel takes an optional id and loadModel an optional
// request.
func (m *Model) Methods() Methods {
	p := m.cfg.Path + "."
	return Methods{
		p + "saveModel": func(ctx context.Context, _ ...any) (any, error) {
			return nilIfEmpty(m.Save(ctx))
		},
		p + "deleteModel": func(ctx context.Context, args ...any) (any, error) {
			id, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			return nil, m.Delete(ctx, id)
		},
		p + "loadModel": func(ctx context.Context, args ...any) (any, error) {
			req, err := requestArg(args, 0)
			if err != nil {
				return nil, err
			}
			return m.Load(ctx, req)
		},
		p + "newModel": func(ctx context.Context, _ ...any) (any, error) {
			return nilIfEmpty(m.Create(ctx))
		},
	}
}

// Methods returns loadCollection, newItem and deleteItem keyed under the
// bound path. deleteItem requires the item id.
func (c *Collection) Methods() Methods {
	p := c.cfg.Path + "."
	return Methods{
		p + "loadCollection": func(ctx context.Context, args ...any) (any, error) {
			req, err := requestArg(args, 0)
			if err != nil {
				return nil, err
			}
			return c.Load(ctx, req)
		},
		p + "newItem": func(ctx context.Context, _ ...any) (any, error) {
			return nilIfEmpty(c.NewItem(ctx))
		},
		p + "deleteItem": func(ctx context.Context, args ...any) (any, error) {
			id, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			if id == "" {
				return nil, fmt.Errorf("deleteItem needs an id")
			}
			return nil, c.DeleteItem(ctx, id)
		},
	}
}

func nilIfEmpty(e protocol.Entity, err error) (any, error) {
	if err != nil || e == nil {
		return nil, err
	}
	return e, nil
}

func stringArg(args []any, i int) (string, error) {
	if len(args) <= i || args[i] == nil {
		return "", nil
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: expected string, got %T", i, args[i])
	}
	return s, nil
}

func requestArg(args []any, i int) (protocol.Request, error) {
	if len(args) <= i || args[i] == nil {
		return nil, nil
	}
	switch r := args[i].(type) {
	case map[string]any:
		return r, nil
	case string:
		return protocol.Request{"id": r}, nil
	}
	return nil, fmt.Errorf("argument %d: expected request, got %T", i, args[i])
}
