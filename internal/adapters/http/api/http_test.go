package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/okian/tally/internal/domain/stats"
	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/internal/domain/types"
	"github.com/smartystreets/goconvey/convey"
)

type fakeDeps struct {
	healthy   bool
	published bool
}

func (f *fakeDeps) Healthy() bool { return f.healthy }

func (f *fakeDeps) Stats() types.RunStats {
	return types.RunStats{Rank: 0, Size: 2, Histories: 100, Scope: types.ScopeGlobal}
}

func (f *fakeDeps) Tallies() ([]types.TallyEntry, error) {
	if !f.published {
		return nil, types.ErrNotPublished
	}
	return []types.TallyEntry{{ID: 7, Norm: 2}}, nil
}

func (f *fakeDeps) Tally(id uint64) (types.EntityReport, error) {
	if !f.published {
		return types.EntityReport{}, types.ErrNotPublished
	}
	if id != 7 {
		return types.EntityReport{}, fmt.Errorf("%w: %d", tally.ErrUnknownEntity, id)
	}
	return types.EntityReport{
		ID:   7,
		Norm: 2,
		Bins: []types.BinSummary{{Bin: 0, Response: "unity", Index: []int{0}, Summary: stats.Summary{Histories: 2, Mean: 3.5}}},
	}, nil
}

func newMux(deps Dependencies) *http.ServeMux {
	mux := http.NewServeMux()
	NewServer(deps).Register(context.Background(), mux)
	return mux
}

func get(mux *http.ServeMux, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, http.NoBody))
	return w
}

func TestServer(t *testing.T) {
	convey.Convey("Given a server over a published run", t, func() {
		mux := newMux(&fakeDeps{healthy: true, published: true})

		convey.Convey("Then /healthz reports ok", func() {
			w := get(mux, "/healthz")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(w.Body.String(), convey.ShouldContainSubstring, `"ok"`)
		})

		convey.Convey("And /metrics serves the registry", func() {
			w := get(mux, "/metrics")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			convey.So(w.Body.String(), convey.ShouldContainSubstring, "tally_engine_")
		})

		convey.Convey("And /stats returns the run stats", func() {
			w := get(mux, "/stats")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			var st types.RunStats
			convey.So(json.Unmarshal(w.Body.Bytes(), &st), convey.ShouldBeNil)
			convey.So(st.Histories, convey.ShouldEqual, 100)
			convey.So(st.Scope, convey.ShouldEqual, types.ScopeGlobal)
		})

		convey.Convey("And /tallies lists entities", func() {
			w := get(mux, "/tallies")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			var list []types.TallyEntry
			convey.So(json.Unmarshal(w.Body.Bytes(), &list), convey.ShouldBeNil)
			convey.So(list, convey.ShouldHaveLength, 1)
		})

		convey.Convey("And /tallies/{entity} returns the report", func() {
			w := get(mux, "/tallies/7")
			convey.So(w.Code, convey.ShouldEqual, http.StatusOK)
			var rep types.EntityReport
			convey.So(json.Unmarshal(w.Body.Bytes(), &rep), convey.ShouldBeNil)
			convey.So(rep.Bins[0].Summary.Mean, convey.ShouldEqual, 3.5)
		})

		convey.Convey("And unknown or malformed entities are rejected", func() {
			convey.So(get(mux, "/tallies/8").Code, convey.ShouldEqual, http.StatusNotFound)
			convey.So(get(mux, "/tallies/abc").Code, convey.ShouldEqual, http.StatusBadRequest)
		})

		convey.Convey("And other methods are not routed", func() {
			w := httptest.NewRecorder()
			mux.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/stats", http.NoBody))
			convey.So(w.Code, convey.ShouldEqual, http.StatusMethodNotAllowed)
		})
	})

	convey.Convey("Given a server before the first batch", t, func() {
		mux := newMux(&fakeDeps{healthy: false})

		convey.Convey("Then reads report not ready", func() {
			convey.So(get(mux, "/tallies").Code, convey.ShouldEqual, http.StatusServiceUnavailable)
			convey.So(get(mux, "/tallies/7").Code, convey.ShouldEqual, http.StatusServiceUnavailable)
			convey.So(get(mux, "/healthz").Code, convey.ShouldEqual, http.StatusServiceUnavailable)
		})
	})
}

func TestErrorClassification(t *testing.T) {
	cases := []struct {
		code     int
		kind     string
		severity string
	}{
		{400, "client_error", "medium"},
		{404, "not_found", "medium"},
		{429, "client_error", "medium"},
		{500, "server_error", "high"},
		{503, "not_ready", "low"},
	}
	for _, tc := range cases {
		kind, severity := classify(tc.code)
		if kind != tc.kind || severity != tc.severity {
			t.Errorf("classify(%d) = %q/%q, want %q/%q", tc.code, kind, severity, tc.kind, tc.severity)
		}
	}
}

func TestInstrumentRecoversPanics(t *testing.T) {
	h := instrument("boom", nil, func(http.ResponseWriter, *http.Request) {
		panic("bad bin")
	})
	w := httptest.NewRecorder()
	h(w, httptest.NewRequest(http.MethodGet, "/boom", http.NoBody))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}
	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != "internal_error" || body.Message != "bad bin" {
		t.Errorf("body = %+v", body)
	}
}
