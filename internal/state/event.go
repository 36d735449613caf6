package state

import (
	"fmt"
	"strings"
)

// Kind classifies a mutation. The set is closed; code switching over a Kind
// must handle every value.
type Kind int

const (
	Set Kind = iota + 1
	Delete
	Push
	InsertItem
	DisplaceItem
)

func (k Kind) String() string {
	switch k {
	case Set:
		return "set"
	case Delete:
		return "delete"
	case Push:
		return "push"
	case InsertItem:
		return "insertItem"
	case DisplaceItem:
		return "displaceItem"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Insertion is the Event value of an InsertItem mutation.
type Insertion struct {
	Index int
	Data  any
}

// Displacement is the Event value of a DisplaceItem mutation.
type Displacement struct {
	FromIndex int
	ToIndex   int
}

// Event is a mutation as observed by one subscription.
type Event struct {
	Kind Kind
	// Path is the absolute path of the mutated node.
	Path string
	// Sub holds the segments of Path below the subscription root. It is empty
	// when the subscribed node itself (or one of its ancestors) changed.
	Sub []string
	// Key is the last segment of Path.
	Key string
	// Value is the new value for Set and Push, an Insertion for InsertItem and
	// a Displacement for DisplaceItem. It is nil for Delete.
	Value any
	// Index is the item index for structural notifications, -1 otherwise.
	Index int
	// Source tags the writer of the mutation; it is empty for application
	// writes and set for writes made through a Scope.
	Source string
}

// Handler receives subscription events.
type Handler func(Event)

// MetaPrefix starts every segment of the meta namespace.
const MetaPrefix = '$'

// IsMeta reports whether any of segs belongs to the meta namespace.
func IsMeta(segs []string) bool {
	for _, s := range segs {
		if len(s) > 0 && s[0] == MetaPrefix {
			return true
		}
	}
	return false
}

// SuccessPath returns the success marker path for a bound path.
func SuccessPath(path string) string { return "$success." + path }

// ErrorPath returns the error marker path for a bound path.
func ErrorPath(path string) string { return "$error." + path }

// Split splits a dotted path into segments. The empty path has no segments.
func Split(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Join joins segments into a dotted path.
func Join(segs ...string) string {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, ".")
}
