package tally

// Orders is the number of raw moments kept per slot.
const Orders = 4

// Moments holds the raw moments Σs, Σs², Σs³, Σs⁴ of per-history scores.
type Moments struct {
	M1 float64
	M2 float64
	M3 float64
	M4 float64
}

// Add returns the elementwise sum of m and o.
func (m Moments) Add(o Moments) Moments {
	return Moments{M1: m.M1 + o.M1, M2: m.M2 + o.M2, M3: m.M3 + o.M3, M4: m.M4 + o.M4}
}

// IsZero reports whether every moment is zero.
func (m Moments) IsZero() bool {
	return m == Moments{}
}

// momentsAt reads the slot starting at flat[slot*Orders].
func momentsAt(flat []float64, slot int) Moments {
	o := slot * Orders
	return Moments{M1: flat[o], M2: flat[o+1], M3: flat[o+2], M4: flat[o+3]}
}

// addScore folds one per-history score into the slot starting at flat[slot*Orders].
func addScore(flat []float64, slot int, s float64) {
	o := slot * Orders
	s2 := s * s
	flat[o] += s
	flat[o+1] += s2
	flat[o+2] += s2 * s
	flat[o+3] += s2 * s2
}
