package tally

import (
	"github.com/okian/tally/pkg/logger"
)

const (
	defaultWorkers     = 1
	defaultLockStripes = 1024
	maxLockStripes     = 1 << 20
)

// Option configures an Accumulator.
type Option func(*Accumulator)

// WithLogger sets the logger used by the accumulator.
func WithLogger(l logger.Logger) Option {
	return func(a *Accumulator) {
		if l != nil {
			a.log = l
		}
	}
}

// WithWorkers sets the initial number of worker slots.
func WithWorkers(n int) Option {
	return func(a *Accumulator) {
		if n > 0 {
			a.initialWorkers = n
		}
	}
}

// WithLockStripes sets how many locks guard the shared moment storage.
// The value is rounded up to a power of two.
func WithLockStripes(n int) Option {
	return func(a *Accumulator) {
		if n > 0 {
			a.stripeCount = min(nextPow2(n), maxLockStripes)
		}
	}
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
