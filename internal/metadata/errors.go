package metadata

import "errors"

// Sentinel errors for the metadata model, compared with errors.Is per the
// error-handling design in SPEC_FULL expansion 1.
var (
	ErrNameExists       = errors.New("name already exists in volume group")
	ErrNotFound         = errors.New("entity not found")
	ErrAllocFailed      = errors.New("allocation failed")
	ErrInvalidSegment   = errors.New("invalid segment boundary")
	ErrLocked           = errors.New("cannot resize locked LV")
	ErrSnapshotOfSnapshot = errors.New("snapshots of snapshots are not supported")
	ErrOneSegmentOnly   = errors.New("only one segment permitted for this LV type")
)
