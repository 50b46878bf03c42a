package telemetry

import (
	"net/http"
	"time"

	"github.com/italolelis/audiobook_backend/internal/logctx"
)

// responseWriter records the status and size of a response.
type responseWriter struct {
	http.ResponseWriter

	status      int
	written     int64
	wroteHeader bool
}

// wrapResponseWriter creates a new responseWriter with status defaulted to 200 OK.
func wrapResponseWriter(w http.ResponseWriter) *responseWriter {
	return &responseWriter{ResponseWriter: w, status: http.StatusOK}
}

func (rw *responseWriter) WriteHeader(code int) {
	if rw.wroteHeader {
		return
	}

	rw.status = code
	rw.wroteHeader = true

	rw.ResponseWriter.WriteHeader(code)
}

// Write captures implicit 200 OK if WriteHeader was not called.
func (rw *responseWriter) Write(b []byte) (int, error) {
	if !rw.wroteHeader {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)

	return n, err
}

// HTTPLogging logs every request: 5xx at ERROR, 4xx at WARN, everything else at INFO.
func HTTPLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		logger := logctx.LoggerFromContext(ctx)
		start := time.Now()

		wrapped := wrapResponseWriter(w)

		next.ServeHTTP(wrapped, r)

		status := wrapped.status
		attrs := []any{
			"method", r.Method,
			"path", r.URL.Path,
			"route", routePattern(r),
			"status", status,
			"bytes", wrapped.written,
			"duration_ms", time.Since(start).Milliseconds(),
		}

		switch {
		case status >= 500:
			logger.ErrorContext(ctx, "http request completed", attrs...)
		case status >= 400:
			logger.WarnContext(ctx, "http request completed", attrs...)
		default:
			logger.InfoContext(ctx, "http request completed", attrs...)
		}
	})
}
