package alloc

import "errors"

// Sentinel errors for the extent allocator (spec §4.2).
var (
	ErrInsufficientFreeSpace      = errors.New("insufficient free space")
	ErrPolicyUnsatisfiable        = errors.New("allocation policy could not be satisfied")
	ErrNumberOfStripesExceedsPVs  = errors.New("number of stripes exceeds number of physical volumes")
	ErrIncompatibleStripesOnExtend = errors.New("incompatible number of stripes for extend")
)
