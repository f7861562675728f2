package phasespace

import "errors"

// Sentinel kinds for discretization errors.
var (
	ErrInvalidDimension     = errors.New("invalid dimension")
	ErrDuplicateDimension   = errors.New("duplicate dimension")
	ErrInvalidResponseCount = errors.New("response function count must be positive")
	ErrUnknownKind          = errors.New("unknown dimension kind")

	// ErrUnorderedRange is returned when a range is supplied for an
	// unordered dimension. Callers must treat it as a programming defect.
	ErrUnorderedRange = errors.New("range supplied for unordered dimension")
	// ErrInvalidRange is returned for ranges with end < start or non-finite bounds.
	ErrInvalidRange = errors.New("invalid range")
)
