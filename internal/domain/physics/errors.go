package physics

import "errors"

// Sentinel kinds for source configuration errors.
var (
	ErrNoEntities       = errors.New("synthetic source needs at least one entity")
	ErrInvalidParameter = errors.New("invalid source parameter")
)
