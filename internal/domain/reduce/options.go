package reduce

import (
	"time"

	"github.com/okian/tally/internal/domain/dedupe"
	"github.com/okian/tally/pkg/logger"
)

const (
	defaultAckTimeout = 5 * time.Second
	defaultDedupeSize = 1024
)

// Option applies a configuration option to the Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger used by the coordinator.
func WithLogger(l logger.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDeduper sets the store used to drop redelivered payloads on root.
func WithDeduper(d dedupe.Deduper) Option {
	return func(c *Coordinator) {
		if d != nil {
			c.seen = d
		}
	}
}

// WithTimeout bounds a whole reduction, barrier included. Zero means the
// caller's context alone decides.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithAckTimeout bounds how long root spends delivering verdicts after the
// gather step.
func WithAckTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.ackTimeout = d
		}
	}
}
