// Package response defines the response functions applied to a score before
// it is binned. The set is fixed at setup and immutable for the run; its
// size determines the bin-index stride of the phase-space grid.
package response

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/okian/tally/internal/domain/phasespace"
)

// Response function kinds accepted in configuration.
const (
	KindConstant = "constant"
	KindEnergy   = "energy"
	KindCosine   = "cosine"

	defaultName = "unity"
)

// Sentinel kinds for response-function errors.
var (
	ErrDuplicateResponse = errors.New("duplicate response function")
	ErrInvalidResponse   = errors.New("invalid response function")
)

// Func scales a score by a quantity derived from the scoring event.
type Func func(e phasespace.Event) float64

// Spec describes one response function in configuration.
type Spec struct {
	Name   string  `koanf:"name"`
	Kind   string  `koanf:"kind"`
	Weight float64 `koanf:"weight"`
}

// Option applies a configuration option to the Set.
type Option func(*Set)

// WithConstant adds a response function that multiplies every score by weight.
func WithConstant(name string, weight float64) Option {
	return func(s *Set) {
		if math.IsNaN(weight) || math.IsInf(weight, 0) {
			s.fail(fmt.Errorf("%w: %q weight %g", ErrInvalidResponse, name, weight))
			return
		}
		s.add(name, func(phasespace.Event) float64 { return weight })
	}
}

// WithFunction adds an arbitrary response function.
func WithFunction(name string, fn Func) Option {
	return func(s *Set) {
		if fn == nil {
			s.fail(fmt.Errorf("%w: %q has no function", ErrInvalidResponse, name))
			return
		}
		s.add(name, fn)
	}
}

// WithSpecs adds the response functions described in configuration, in order.
func WithSpecs(specs []Spec) Option {
	return func(s *Set) {
		for _, sp := range specs {
			w := sp.Weight
			if w == 0 {
				w = 1
			}
			switch strings.ToLower(strings.TrimSpace(sp.Kind)) {
			case "", KindConstant:
				WithConstant(sp.Name, w)(s)
			case KindEnergy:
				s.add(sp.Name, func(e phasespace.Event) float64 { return w * e.Value(phasespace.Energy) })
			case KindCosine:
				s.add(sp.Name, func(e phasespace.Event) float64 { return w * e.Value(phasespace.Cosine) })
			default:
				s.fail(fmt.Errorf("%w: %q has unknown kind %q", ErrInvalidResponse, sp.Name, sp.Kind))
			}
		}
	}
}

// Set is an ordered, immutable collection of response functions.
type Set struct {
	names []string
	funcs []Func
	index map[string]int
	err   error
}

// New builds a Set. With no options the set holds a single unity response.
func New(opts ...Option) (*Set, error) {
	s := &Set{index: make(map[string]int)}
	for _, opt := range opts {
		opt(s)
	}
	if s.err != nil {
		return nil, s.err
	}
	if len(s.funcs) == 0 {
		WithConstant(defaultName, 1)(s)
	}
	return s, nil
}

func (s *Set) add(name string, fn Func) {
	name = strings.TrimSpace(name)
	if name == "" {
		s.fail(fmt.Errorf("%w: empty name", ErrInvalidResponse))
		return
	}
	if _, dup := s.index[name]; dup {
		s.fail(fmt.Errorf("%w: %q", ErrDuplicateResponse, name))
		return
	}
	s.index[name] = len(s.funcs)
	s.names = append(s.names, name)
	s.funcs = append(s.funcs, fn)
}

func (s *Set) fail(err error) {
	if s.err == nil {
		s.err = err
	}
}

// Len returns the number of response functions.
func (s *Set) Len() int { return len(s.funcs) }

// Name returns the name of response function i.
func (s *Set) Name(i int) string { return s.names[i] }

// Names returns all names in index order.
func (s *Set) Names() []string {
	out := make([]string, len(s.names))
	copy(out, s.names)
	return out
}

// Lookup returns the index of the named response function.
func (s *Set) Lookup(name string) (int, bool) {
	i, ok := s.index[name]
	return i, ok
}

// Evaluate applies response function i at event e.
func (s *Set) Evaluate(i int, e phasespace.Event) float64 {
	return s.funcs[i](e)
}
