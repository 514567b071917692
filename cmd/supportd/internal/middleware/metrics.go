package middleware

import (
	"net/http"
	"strconv"
	"time"

	"github.com/harborline/supportd/internal/metrics"
)

// statusRecorder captures the response code written by the handler chain.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Metrics records request count and latency per matched route pattern. It
// must wrap handlers registered on the mux (not the mux itself) so the
// request carries the matched pattern.
func Metrics(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()

		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = r.URL.Path
		}
		metrics.RecordHTTPMetrics(route, r.Method, strconv.Itoa(rec.status), time.Since(start).Seconds())
	})
}
