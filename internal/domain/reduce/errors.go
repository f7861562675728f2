package reduce

import "errors"

// Sentinel kinds for reduction errors. Communication and payload errors are
// recoverable: the accumulator of every rank is left as it was and the
// reduction may be retried.
var (
	ErrCommunication    = errors.New("reduction communication failed")
	ErrMalformedPayload = errors.New("malformed reduction payload")
	ErrRejected         = errors.New("reduction rejected by root")
	ErrInvalidRoot      = errors.New("invalid root rank")
)
