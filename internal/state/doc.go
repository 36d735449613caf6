// Package state implements the reactive, path-addressable tree that bindings
// synchronize with remote resources.
//
// # Paths
//
// A path is a dot-separated list of segments ("task.tags.0"). Segments that
// address a []any must be decimal indexes. Segments starting with the meta
// sentinel '$' belong to the meta namespace ("$error.task"); Output never
// serializes them, so meta state never leaves the process.
//
// # Mutations and subscriptions
//
// Every mutation produces one Event of a closed Kind: Set, Delete, Push,
// InsertItem or DisplaceItem. A subscription registered at path S receives:
//   - events whose path equals S (empty sub-path),
//   - events on an ancestor of S, translated to a Set (or Delete when the node
//     disappeared) of S itself with an empty sub-path,
//   - when upward is true, events below S with the sub-path relative to S.
//
// A mutation returns once its subscribers have run. Mutations from different
// goroutines are serialized together with their delivery, so every handler
// sees events in mutation order. A handler that mutates the tree does not
// re-enter other handlers: its events are delivered after it returns. A
// handler must not wait for another goroutine that mutates the same tree.
//
// Mutations copy the nodes along their path instead of changing them, so a
// node obtained from Get may be read concurrently with later mutations.
package state
