package api

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

// instrument wraps a handler with request metrics and panic recovery. A
// panicking handler answers 500 if it has not written a status yet.
func instrument(endpoint string, log logger.Logger, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		defer func() {
			if p := recover(); p != nil {
				if log != nil {
					log.Error(r.Context(), "handler panicked",
						logger.String("endpoint", endpoint), logger.Any("panic", p))
				}
				if !rec.wrote {
					writeError(rec, http.StatusInternalServerError, "internal_error", fmt.Errorf("%v", p))
				}
				rec.status = http.StatusInternalServerError
			}
			observe(r.Context(), endpoint, r.Method, rec.status, time.Since(start), log)
		}()

		next.ServeHTTP(rec, r)
	}
}

func observe(ctx context.Context, endpoint, method string, status int, took time.Duration, log logger.Logger) {
	ms := float64(took.Microseconds()) / 1000
	code := strconv.Itoa(status)
	metrics.RecordHTTPRequest(endpoint, method, code)
	metrics.RecordHTTPRequestDuration(endpoint, method, code, ms)

	if status < http.StatusBadRequest {
		return
	}
	kind, severity := classify(status)
	metrics.RecordErrorByEndpoint(endpoint, method, kind)
	metrics.RecordErrorByType(kind, severity)
	metrics.RecordErrorLatency("http", kind, ms)
	if log != nil && severity == "high" {
		log.Warn(ctx, "request failed",
			logger.String("endpoint", endpoint), logger.Int("status", status), logger.Duration("took", took))
	}
}

// classify maps an error status to its metric type and severity. 503 is
// what report routes answer before the first batch, so it is low severity.
func classify(status int) (kind, severity string) {
	switch {
	case status == http.StatusServiceUnavailable:
		return "not_ready", "low"
	case status >= http.StatusInternalServerError:
		return "server_error", "high"
	case status == http.StatusNotFound:
		return "not_found", "medium"
	case status >= http.StatusBadRequest:
		return "client_error", "medium"
	default:
		return "unknown", "low"
	}
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.wrote {
		return
	}
	r.status, r.wrote = code, true
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wrote = true
	n, err := r.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}
