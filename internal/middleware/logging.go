package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// UnmatchedRoute labels requests that no registered route served.
const UnmatchedRoute = "unmatched"

// LoggingMiddleware wraps handlers with request logging.
func LoggingMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrapResponseWriter(w)

			next.ServeHTTP(rw, r)

			fields := logrus.Fields{
				"method":      r.Method,
				"path":        redactPath(r.URL.Path),
				"remote_addr": r.RemoteAddr,
				"user_agent":  r.UserAgent(),
				"status":      rw.statusCode,
				"duration_ms": time.Since(start).Milliseconds(),
				"bytes":       rw.bytesWritten,
			}
			if id := RequestIDFromContext(r.Context()); id != "" {
				fields["request_id"] = id
			}

			entry := logger.WithFields(fields)
			switch {
			case rw.statusCode >= 500:
				entry.Error("HTTP request")
			case rw.statusCode == http.StatusTooManyRequests:
				entry.Warn("HTTP request")
			default:
				entry.Info("HTTP request")
			}
		})
	}
}

// HTTPRecorder is the subset of metrics.Metrics used by MetricsMiddleware.
type HTTPRecorder interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration, bytes int64)
}

// MetricsMiddleware records request counts, latency and response size,
// labelled by the matched route template.
func MetricsMiddleware(recorder HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := wrapResponseWriter(w)

			next.ServeHTTP(rw, r)

			recorder.RecordHTTPRequest(r.Context(), r.Method, routeLabel(r), rw.statusCode, time.Since(start), rw.bytesWritten)
		})
	}
}

func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return UnmatchedRoute
}

// redactPath hides key ids in logged paths; anyone reading the request log
// could otherwise fetch a live key.
func redactPath(path string) string {
	for _, prefix := range []string{"/get_key/", "/api/v1/keys/"} {
		if len(path) > len(prefix) && path[:len(prefix)] == prefix {
			return prefix + "[REDACTED]"
		}
	}
	return path
}

// responseWriter wraps http.ResponseWriter to capture status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
	wroteHeader  bool
}

func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	if rw, ok := w.(*responseWriter); ok {
		return rw
	}
	return &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}
	rw.wroteHeader = true
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.wroteHeader = true
	}
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
