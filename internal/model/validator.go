package model

import (
	"fmt"
	"strings"
)

// Validator checks an outgoing value before it is persisted.
type Validator interface {
	Validate(value any) error
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(value any) error

func (f ValidatorFunc) Validate(value any) error { return f(value) }

// Required rejects entities missing any of fields or holding an empty
// string in them. Applied to a sequence, it checks every item.
func Required(fields ...string) Validator {
	return ValidatorFunc(func(value any) error {
		switch v := value.(type) {
		case map[string]any:
			return missing(v, fields)
		case []any:
			for i, item := range v {
				m, _ := item.(map[string]any)
				if err := missing(m, fields); err != nil {
					return fmt.Errorf("item %d: %w", i, err)
				}
			}
			return nil
		}
		return fmt.Errorf("expected an entity, got %T", value)
	})
}

func missing(m map[string]any, fields []string) error {
	var absent []string
	for _, f := range fields {
		v, ok := m[f]
		if s, isString := v.(string); !ok || v == nil || (isString && s == "") {
			absent = append(absent, f)
		}
	}
	if len(absent) > 0 {
		return fmt.Errorf("missing required %s", strings.Join(absent, ", "))
	}
	return nil
}
