package middleware

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"usage_ingest/internal/metrics"
	"usage_ingest/internal/utils"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// RequestMetrics records count and latency per route template, and logs
// server errors.
func RequestMetrics(rec metrics.Recorder) mux.MiddlewareFunc {
	logger := utils.NewLogger("http")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sr, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			elapsed := time.Since(start)
			rec.HTTPRequest(route, sr.status, elapsed)

			if sr.status >= http.StatusInternalServerError {
				logger.Error("Request failed", "method", r.Method, "route", route, "status", sr.status, "duration", elapsed)
			} else {
				logger.Debug("Request served", "method", r.Method, "route", route, "status", sr.status, "duration", elapsed)
			}
		})
	}
}
