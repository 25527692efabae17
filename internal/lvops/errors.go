package lvops

import "errors"

// Sentinel errors for LV operations (spec §4.3, §7 "user-visible failure
// modes").
var (
	ErrLocked           = errors.New("cannot resize locked lv")
	ErrZeroExtents      = errors.New("zero-extent request")
	ErrNotFound         = errors.New("lv not found")
	ErrUnsupportedSplit = errors.New("segment type does not support splitting")
)
