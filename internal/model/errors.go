package model

import "fmt"

// ValidationError reports caller misuse: nothing to save at a path, or a
// value rejected by the binding's validator.
type ValidationError struct {
	Path string
	Msg  string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("%s at %s", e.Msg, e.Path) }

// StateError reports that the bound path is not in a state the operation can
// work from, such as deleting an entity without an id.
type StateError struct {
	Path string
	Msg  string
}

func (e *StateError) Error() string { return fmt.Sprintf("%s at %s", e.Msg, e.Path) }

// NotFoundError reports that no collection item carries ID.
type NotFoundError struct {
	Path string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no item with id %q in %s", e.ID, e.Path)
}

// RemoteError wraps an adapter failure. It is never retried here.
type RemoteError struct {
	Protocol string
	Op       string
	Path     string
	Err      error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s %s: %v", e.Protocol, e.Op, e.Path, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }
