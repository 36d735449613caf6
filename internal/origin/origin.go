// Package origin mints the identifiers bindings use to tag what they
// publish, so that they can recognize and drop their own echoes.
package origin

import (
	"strconv"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// ID identifies the binding that produced a broadcast.
type ID string

func (id ID) String() string { return string(id) }

// Source mints origin ids. Every id returned by a Source must be unique for
// the lifetime of the process.
type Source interface {
	Next() ID
}

// ULIDSource mints lexically sortable ULIDs. It is safe for concurrent use
// and unique across processes, so it also fits buses bridged over a relay.
type ULIDSource struct{}

func (ULIDSource) Next() ID { return ID(ulid.Make().String()) }

// Sequence mints prefix-1, prefix-2, ... It is unique only within one
// Sequence value and is meant for deterministic tests and single-process use.
type Sequence struct {
	prefix string
	n      atomic.Uint64
}

func NewSequence(prefix string) *Sequence { return &Sequence{prefix: prefix} }

func (s *Sequence) Next() ID {
	return ID(s.prefix + "-" + strconv.FormatUint(s.n.Add(1), 10))
}
