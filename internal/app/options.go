package service

import (
	"github.com/okian/tally/internal/adapters/archive"
	"github.com/okian/tally/pkg/logger"
)

// Option applies a configuration option to the Service.
type Option func(*Service)

// WithLogger sets a custom logger for the service.
func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithArchive shares a snapshot archive. The service does not close it.
func WithArchive(a *archive.Store) Option {
	return func(s *Service) {
		if a != nil {
			s.archive = a
		}
	}
}
