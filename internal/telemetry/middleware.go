package telemetry

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// HTTPMiddleware records RED metrics per route. Tracing is left to otelhttp.
type HTTPMiddleware struct {
	telemetry *Telemetry
}

// NewHTTPMiddleware creates a new HTTP middleware for telemetry.
func NewHTTPMiddleware(telemetry *Telemetry) *HTTPMiddleware {
	return &HTTPMiddleware{
		telemetry: telemetry,
	}
}

// Middleware returns the HTTP middleware function.
func (m *HTTPMiddleware) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.telemetry == nil {
			next.ServeHTTP(w, r)

			return
		}

		ctx := r.Context()
		start := time.Now()

		m.telemetry.IncrementHTTPInFlight(ctx)
		defer m.telemetry.DecrementHTTPInFlight(ctx)

		rw := wrapResponseWriter(w)

		next.ServeHTTP(rw, r)

		m.telemetry.RecordHTTPRequest(ctx, r.Method, routePattern(r), getStatusClass(rw.status), time.Since(start))
	})
}

// routePattern returns the matched chi pattern so that ids in paths do not become metric labels.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}

	return "unmatched"
}

// getStatusClass returns the status class (2xx, 3xx, 4xx, 5xx) for a given status code.
func getStatusClass(statusCode int) string {
	switch {
	case statusCode >= http.StatusOK && statusCode < http.StatusMultipleChoices:
		return "2xx"
	case statusCode >= http.StatusMultipleChoices && statusCode < http.StatusBadRequest:
		return "3xx"
	case statusCode >= http.StatusBadRequest && statusCode < http.StatusInternalServerError:
		return "4xx"
	case statusCode >= http.StatusInternalServerError:
		return "5xx"
	default:
		return "unknown"
	}
}
