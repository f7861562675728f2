// Package stats turns raw score moments into the estimates a tally report
// shows: mean, variance, relative error and the higher-moment diagnostics
// used to judge whether a tally has converged.
package stats

import (
	"math"
	"time"

	"github.com/okian/tally/internal/domain/tally"
)

// Summary is the per-history estimate of one slot. Undefined quantities
// (fewer than two histories, zero variance, zero mean) are reported as 0.
type Summary struct {
	Histories     uint64  `json:"histories"`
	Mean          float64 `json:"mean"`
	Variance      float64 `json:"variance"`
	StdDevOfMean  float64 `json:"stddev_of_mean"`
	RelativeError float64 `json:"relative_error"`
	VOV           float64 `json:"vov"`
	Skewness      float64 `json:"skewness"`
	Kurtosis      float64 `json:"kurtosis"`
}

// Summarize computes the estimates for moments accumulated over n
// histories. Histories that scored nothing count as zero samples.
func Summarize(m tally.Moments, n uint64) Summary {
	s := Summary{Histories: n}
	if n == 0 {
		return s
	}
	N := float64(n)
	mu := m.M1 / N
	s.Mean = mu

	// central moments of the per-history score distribution
	c2 := m.M2/N - mu*mu
	if c2 < 0 {
		// rounding on nearly constant scores
		c2 = 0
	}
	c3 := m.M3/N - 3*mu*m.M2/N + 2*mu*mu*mu
	c4 := m.M4/N - 4*mu*m.M3/N + 6*mu*mu*m.M2/N - 3*mu*mu*mu*mu

	if n > 1 {
		s.Variance = c2 * N / (N - 1)
		s.StdDevOfMean = math.Sqrt(s.Variance / N)
		if mu != 0 {
			s.RelativeError = s.StdDevOfMean / math.Abs(mu)
		}
	}
	if c2 > 0 {
		s.Skewness = c3 / math.Pow(c2, 1.5)
		s.Kurtosis = c4/(c2*c2) - 3
		// variance of the variance estimate
		d := m.M2 - m.M1*m.M1/N
		num := m.M4 - 4*m.M1*m.M3/N + 6*m.M1*m.M1*m.M2/(N*N) - 3*m.M1*m.M1*m.M1*m.M1/(N*N*N)
		s.VOV = num/(d*d) - 1/N
	}
	return s
}

// Normalize divides the location and spread estimates by norm, typically
// an entity volume or area. A non-positive norm leaves s unchanged.
func Normalize(s Summary, norm float64) Summary {
	if norm <= 0 || math.IsNaN(norm) || math.IsInf(norm, 0) {
		return s
	}
	s.Mean /= norm
	s.Variance /= norm * norm
	s.StdDevOfMean /= norm
	return s
}

// FigureOfMerit returns 1/(R²·T) with T in seconds, or 0 when undefined.
func FigureOfMerit(s Summary, elapsed time.Duration) float64 {
	t := elapsed.Seconds()
	if s.RelativeError == 0 || t <= 0 {
		return 0
	}
	return 1 / (s.RelativeError * s.RelativeError * t)
}
