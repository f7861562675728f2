package stats

import (
	"math"
	"testing"
	"time"

	"github.com/okian/tally/internal/domain/tally"
	. "github.com/smartystreets/goconvey/convey"
)

func momentsOf(samples ...float64) tally.Moments {
	var m tally.Moments
	for _, s := range samples {
		m = m.Add(tally.Moments{M1: s, M2: s * s, M3: s * s * s, M4: s * s * s * s})
	}
	return m
}

func TestSummarize(t *testing.T) {
	Convey("Given scores 1, 2, 3, 4", t, func() {
		s := Summarize(momentsOf(1, 2, 3, 4), 4)

		Convey("Then mean and sample variance match the textbook values", func() {
			So(s.Mean, ShouldAlmostEqual, 2.5, 1e-9)
			So(s.Variance, ShouldAlmostEqual, 5.0/3.0, 1e-9)
			So(s.StdDevOfMean, ShouldAlmostEqual, math.Sqrt(5.0/12.0), 1e-9)
			So(s.RelativeError, ShouldAlmostEqual, math.Sqrt(5.0/12.0)/2.5, 1e-9)
		})

		Convey("And a symmetric sample has no skew and negative excess kurtosis", func() {
			So(s.Skewness, ShouldAlmostEqual, 0, 1e-9)
			So(s.Kurtosis, ShouldAlmostEqual, -1.36, 1e-9)
		})
	})

	Convey("Given histories that scored nothing", t, func() {
		// three histories, only one scored
		s := Summarize(momentsOf(3), 3)

		Convey("Then they count as zero samples", func() {
			So(s.Mean, ShouldAlmostEqual, 1, 1e-9)
			So(s.Variance, ShouldAlmostEqual, 3, 1e-9)
			So(s.Skewness, ShouldBeGreaterThan, 0)
		})
	})

	Convey("Given degenerate inputs", t, func() {
		So(Summarize(tally.Moments{}, 0), ShouldResemble, Summary{})
		one := Summarize(momentsOf(5), 1)
		So(one.Mean, ShouldEqual, 5)
		So(one.RelativeError, ShouldEqual, 0)
		flat := Summarize(momentsOf(2, 2, 2), 3)
		So(flat.Variance, ShouldAlmostEqual, 0, 1e-9)
		So(flat.VOV, ShouldEqual, 0)
	})
}

func TestNormalizeAndFOM(t *testing.T) {
	s := Summarize(momentsOf(1, 2, 3, 4), 4)
	n := Normalize(s, 2)
	if n.Mean != s.Mean/2 || n.StdDevOfMean != s.StdDevOfMean/2 {
		t.Errorf("normalized = %+v", n)
	}
	if n.RelativeError != s.RelativeError {
		t.Error("relative error must not depend on the norm")
	}
	if Normalize(s, 0) != s {
		t.Error("zero norm must leave the summary alone")
	}

	fom := FigureOfMerit(s, 2*time.Second)
	want := 1 / (s.RelativeError * s.RelativeError * 2)
	if math.Abs(fom-want) > 1e-9 {
		t.Errorf("FOM = %g, want %g", fom, want)
	}
	if FigureOfMerit(Summary{}, time.Second) != 0 {
		t.Error("FOM of an empty tally must be 0")
	}
}
