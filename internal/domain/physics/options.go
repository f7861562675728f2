package physics

// Option applies a configuration option to the Synthetic source.
type Option func(*Synthetic)

// WithSeed sets the run seed. Histories with the same seed and index are
// identical.
func WithSeed(seed uint64) Option {
	return func(s *Synthetic) {
		s.seed = seed
	}
}

// WithMaxEnergy sets the upper bound of the source energy spectrum.
func WithMaxEnergy(e float64) Option {
	return func(s *Synthetic) {
		s.maxEnergy = e
	}
}

// WithMeanFlightTime sets the mean time between collisions.
func WithMeanFlightTime(t float64) Option {
	return func(s *Synthetic) {
		s.meanFlight = t
	}
}

// WithAbsorption sets the probability that a collision ends the history.
func WithAbsorption(p float64) Option {
	return func(s *Synthetic) {
		s.absorption = p
	}
}

// WithMaxCollisions caps the number of collisions per history.
func WithMaxCollisions(n int) Option {
	return func(s *Synthetic) {
		s.maxCollisions = n
	}
}

// WithSources sets how many distinct source ids histories are drawn from.
func WithSources(n int) Option {
	return func(s *Synthetic) {
		s.sources = n
	}
}
