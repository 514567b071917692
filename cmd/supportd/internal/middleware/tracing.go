package middleware

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/harborline/supportd/internal/tracing"
)

// TracingMiddleware attaches a trace ID to every request so log lines,
// pipeline state, and the response can all be correlated.
type TracingMiddleware struct {
	logger *zap.Logger
}

// NewTracingMiddleware creates a new tracing middleware
func NewTracingMiddleware(logger *zap.Logger) *TracingMiddleware {
	return &TracingMiddleware{
		logger: logger,
	}
}

// Middleware returns the HTTP middleware function
func (tm *TracingMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := extractTraceID(r)
		if traceID == "" {
			traceID = generateTraceID()
		}

		ctx := tracing.ContextWithTraceID(r.Context(), traceID)

		// Echo the trace ID so clients can report it back.
		w.Header().Set("X-Trace-ID", traceID)

		tm.logger.Debug("Request received",
			zap.String("trace_id", traceID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("remote_addr", r.RemoteAddr),
		)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// extractTraceID pulls a trace ID from the request headers. The explicit
// X-Trace-ID header wins over the W3C traceparent header.
func extractTraceID(r *http.Request) string {
	if traceID := strings.TrimSpace(r.Header.Get("X-Trace-ID")); traceID != "" {
		return traceID
	}

	// W3C Trace Context: version-traceid-spanid-flags
	if traceparent := r.Header.Get("traceparent"); traceparent != "" {
		parts := strings.Split(traceparent, "-")
		if len(parts) >= 2 && parts[1] != "" {
			return parts[1]
		}
	}

	return ""
}

// generateTraceID generates a new trace ID
func generateTraceID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}
