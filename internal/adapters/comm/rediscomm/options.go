package rediscomm

import (
	"time"

	"github.com/okian/tally/pkg/logger"
)

const (
	defaultPollInterval = time.Second
	defaultKeyTTL       = time.Hour
	defaultPrefix       = "tally"
)

// Option applies a configuration option to the Comm.
type Option func(*Comm)

// WithLogger sets the logger used by the communicator.
func WithLogger(l logger.Logger) Option {
	return func(c *Comm) {
		if l != nil {
			c.log = l
		}
	}
}

// WithPollInterval sets how long a blocking pop waits before the context is
// checked again.
func WithPollInterval(d time.Duration) Option {
	return func(c *Comm) {
		if d > 0 {
			c.poll = d
		}
	}
}

// WithKeyTTL sets the expiry of every key the communicator writes.
func WithKeyTTL(d time.Duration) Option {
	return func(c *Comm) {
		if d >= time.Second {
			c.ttl = d
		}
	}
}

// WithKeyPrefix sets the namespace of every key.
func WithKeyPrefix(prefix string) Option {
	return func(c *Comm) {
		if prefix != "" {
			c.prefix = prefix
		}
	}
}
