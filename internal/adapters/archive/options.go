package archive

import "github.com/okian/tally/pkg/logger"

// Option applies a configuration option to the Store.
type Option func(*Store)

// WithDir stores snapshots under dir. Without it the archive lives in memory.
func WithDir(dir string) Option {
	return func(s *Store) {
		s.dir = dir
	}
}

// WithSyncWrites makes every Put wait for the write to reach disk.
func WithSyncWrites(sync bool) Option {
	return func(s *Store) {
		s.syncWrites = sync
	}
}

// WithLogger sets the logger used by the archive and by badger itself.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}
