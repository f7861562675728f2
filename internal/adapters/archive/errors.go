package archive

import "errors"

// Sentinel kinds for archive errors.
var (
	ErrNotFound = errors.New("snapshot not found")
	ErrClosed   = errors.New("archive closed")
)
