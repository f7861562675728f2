package tally

import (
	"errors"
	"fmt"
)

// Configuration errors. They are returned at setup and must stop the run.
var (
	ErrNoEntities         = errors.New("no entities registered")
	ErrDuplicateEntity    = errors.New("duplicate entity")
	ErrInvalidEntity      = errors.New("invalid entity")
	ErrUnknownEntity      = errors.New("unknown entity")
	ErrResponseMismatch   = errors.New("response function count mismatch")
	ErrLayoutMismatch     = errors.New("snapshot layout mismatch")
	ErrInvalidWorkerCount = errors.New("worker count must be positive")
)

// Contract violations. They are always wrapped in a *ContractError.
var (
	ErrUncommitted         = errors.New("worker holds an uncommitted history")
	ErrCommitInFlight      = errors.New("commit in flight")
	ErrConcurrentWorkerUse = errors.New("worker slot used by more than one goroutine")
	ErrUnknownWorker       = errors.New("unknown worker slot")
	ErrInvalidScore        = errors.New("score is not finite")
)

// ContractError reports a caller defect. Silently correcting these would
// corrupt the statistics, so drivers should abort the run.
type ContractError struct {
	Op     string
	Worker int
	Err    error
}

func (e *ContractError) Error() string {
	if e.Worker < 0 {
		return fmt.Sprintf("tally: contract violation in %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("tally: contract violation in %s (worker %d): %v", e.Op, e.Worker, e.Err)
}

func (e *ContractError) Unwrap() error { return e.Err }

// IsContractViolation reports whether err is, or wraps, a *ContractError.
func IsContractViolation(err error) bool {
	var ce *ContractError
	return errors.As(err, &ce)
}

// ErrMalformedSnapshot reports an encoded snapshot that fails validation.
var ErrMalformedSnapshot = errors.New("malformed snapshot encoding")
