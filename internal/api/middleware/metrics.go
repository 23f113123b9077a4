package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/kestrel-labs/sigresolve/internal/observability"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

// Metrics instruments every request with http_requests_total,
// http_responses_total, and http_request_duration_seconds, labeled by the
// route's registered mux pattern rather than the raw (high-cardinality)
// request path.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := routePattern(r)
		observability.HTTPRequestsTotal.WithLabelValues(r.Method, path).Inc()

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		observability.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		observability.HTTPResponsesTotal.WithLabelValues(r.Method, path, strconv.Itoa(rec.status)).Inc()
	})
}

func routePattern(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
