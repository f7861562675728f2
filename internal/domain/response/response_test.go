package response_test

import (
	"errors"
	"testing"

	"github.com/okian/tally/internal/domain/phasespace"
	"github.com/okian/tally/internal/domain/response"
	. "github.com/smartystreets/goconvey/convey"
)

func TestResponseSet(t *testing.T) {
	Convey("Given response function options", t, func() {
		ev := phasespace.Event{}.With(phasespace.Energy, 2.5).With(phasespace.Cosine, -0.5)

		Convey("When no option is supplied", func() {
			set, err := response.New()

			Convey("Then a single unity response is configured", func() {
				So(err, ShouldBeNil)
				So(set.Len(), ShouldEqual, 1)
				So(set.Name(0), ShouldEqual, "unity")
				So(set.Evaluate(0, ev), ShouldEqual, 1.0)
			})
		})

		Convey("When building from configuration specs", func() {
			set, err := response.New(response.WithSpecs([]response.Spec{
				{Name: "flux"},
				{Name: "heating", Kind: "energy", Weight: 2},
				{Name: "current", Kind: "cosine"},
			}))

			Convey("Then every kind is evaluated in order", func() {
				So(err, ShouldBeNil)
				So(set.Names(), ShouldResemble, []string{"flux", "heating", "current"})
				So(set.Evaluate(0, ev), ShouldEqual, 1.0)
				So(set.Evaluate(1, ev), ShouldEqual, 5.0)
				So(set.Evaluate(2, ev), ShouldEqual, -0.5)

				i, ok := set.Lookup("heating")
				So(ok, ShouldBeTrue)
				So(i, ShouldEqual, 1)
			})
		})

		Convey("When a name is repeated", func() {
			_, err := response.New(
				response.WithConstant("flux", 1),
				response.WithConstant("flux", 2),
			)

			Convey("Then construction fails", func() {
				So(errors.Is(err, response.ErrDuplicateResponse), ShouldBeTrue)
			})
		})

		Convey("When a kind is unknown", func() {
			_, err := response.New(response.WithSpecs([]response.Spec{{Name: "x", Kind: "spin"}}))

			Convey("Then construction fails", func() {
				So(errors.Is(err, response.ErrInvalidResponse), ShouldBeTrue)
			})
		})
	})
}
