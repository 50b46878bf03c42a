package telemetry

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEnabled(t *testing.T) *Telemetry {
	t.Helper()

	tel, err := New(context.Background(), Config{Enabled: true, ServiceName: "test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })

	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	return string(body)
}

func TestDisabledTelemetry_IsNoop(t *testing.T) {
	tel, err := New(context.Background(), Config{Enabled: false})
	require.NoError(t, err)

	ctx := context.Background()
	tel.RecordJob(ctx, "download:offline", "success", time.Second)
	tel.SessionStarted(ctx)

	called := false
	require.NoError(t, tel.InstrumentJob(ctx, "cleanup", func(context.Context) error {
		called = true
		return nil
	}))
	assert.True(t, called)

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.NoError(t, tel.Shutdown(ctx))
}

func TestNilTelemetry_IsNoop(t *testing.T) {
	var tel *Telemetry

	wantErr := errors.New("boom")
	err := tel.InstrumentDBOperation(context.Background(), "get_download", func(context.Context) error { return wantErr })
	assert.ErrorIs(t, err, wantErr)
}

func TestInstrumentJob_RecordsMetrics(t *testing.T) {
	tel := newEnabled(t)
	ctx := context.Background()

	require.NoError(t, tel.InstrumentJob(ctx, "progress:calculate", func(context.Context) error { return nil }))
	require.Error(t, tel.InstrumentJob(ctx, "progress:calculate", func(context.Context) error { return errors.New("x") }))

	tel.RecordDownloadBytes(ctx, 1024)
	tel.SessionStarted(ctx)

	body := scrape(t, tel)
	assert.Contains(t, body, "jobs_processed")
	assert.Contains(t, body, `job_type="progress:calculate"`)
	assert.Contains(t, body, "download_bytes")
	assert.Contains(t, body, "playback_sessions_active")
}

func TestHTTPMiddleware_UsesRoutePattern(t *testing.T) {
	tel := newEnabled(t)

	r := chi.NewRouter()
	r.Use(NewHTTPMiddleware(tel).Middleware)
	r.Get("/downloads/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/downloads/1234", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	body := scrape(t, tel)
	assert.Contains(t, body, `route="/downloads/{id}"`)
	assert.Contains(t, body, `status="4xx"`)
	assert.NotContains(t, body, "/downloads/1234")
}

func TestGetStatusClass(t *testing.T) {
	tests := map[int]string{200: "2xx", 204: "2xx", 302: "3xx", 404: "4xx", 503: "5xx", 101: "unknown"}

	for code, want := range tests {
		assert.Equal(t, want, getStatusClass(code), code)
	}
}

func TestRequestIDAndLogging(t *testing.T) {
	var buf bytes.Buffer

	logger := slog.New(logctx.NewTraceHandler(slog.NewJSONHandler(&buf, nil)))

	handler := RequestID(HTTPLogging(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "abc-123", logctx.RequestID(r.Context()))
		http.Error(w, "boom", http.StatusInternalServerError)
	})))

	req := httptest.NewRequest(http.MethodGet, "/downloads", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	req = req.WithContext(logctx.WithLogger(req.Context(), logger))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"request_id":"abc-123"`)
	assert.Contains(t, buf.String(), `"route":"unmatched"`)
	assert.Contains(t, buf.String(), `"bytes":5`)
}

func TestRequestID_Generated(t *testing.T) {
	handler := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NotEmpty(t, logctx.RequestID(r.Context()))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Len(t, rec.Header().Get(RequestIDHeader), 36)
}
