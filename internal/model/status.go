package model

// Status is the lifecycle state of a binding.
//
//	Empty -> Loading -> Loaded -> Dirty -> Saving -> Loaded
//	                                         \-> Error
//
// Error is left only by clearing the error marker.
type Status int

const (
	StatusEmpty Status = iota
	StatusLoading
	StatusLoaded
	StatusDirty
	StatusSaving
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusEmpty:
		return "empty"
	case StatusLoading:
		return "loading"
	case StatusLoaded:
		return "loaded"
	case StatusDirty:
		return "dirty"
	case StatusSaving:
		return "saving"
	case StatusError:
		return "error"
	}
	return "unknown"
}
