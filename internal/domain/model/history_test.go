package model

import (
	"testing"

	"github.com/okian/tally/internal/domain/phasespace"
	. "github.com/smartystreets/goconvey/convey"
)

func TestHistory(t *testing.T) {
	Convey("Given a history with steps", t, func() {
		var h History
		h.Reset(HistoryJob{Batch: 1, Index: 7})
		ev := phasespace.Event{}.With(phasespace.Energy, 2)
		h.Point(3, ev, 1.5)
		h.Sweep(4, phasespace.RangeFrom(ev).Over(phasespace.Time, 0, 1), 0.25)

		So(h.Steps, ShouldHaveLength, 2)
		So(h.Steps[0].Kind, ShouldEqual, PointStep)
		So(h.Steps[1].Kind.String(), ShouldEqual, "range")
		So(h.Steps[1].Entity, ShouldEqual, 4)

		Convey("When it is reset for the next job", func() {
			c := cap(h.Steps)
			h.Reset(HistoryJob{Batch: 1, Index: 8})

			Convey("Then steps are cleared and capacity is kept", func() {
				So(h.Steps, ShouldBeEmpty)
				So(cap(h.Steps), ShouldEqual, c)
				So(h.Job.Index, ShouldEqual, 8)
			})
		})
	})
}
