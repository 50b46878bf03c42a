package streaming

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/italolelis/audiobook_backend/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Open(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/audiobooks/b1/stream", r.URL.Path)
		assert.Equal(t, "medium", r.URL.Query().Get("quality"))

		w.Header().Set("Content-Length", "5")
		_, _ = w.Write([]byte("audio"))
	}))
	defer srv.Close()

	stream, err := NewClient(srv.URL+"/", time.Second).Open(context.Background(), "b1", "medium")
	require.NoError(t, err)
	defer stream.Body.Close()

	assert.Equal(t, int64(5), stream.Size)

	body, err := io.ReadAll(stream.Body)
	require.NoError(t, err)
	assert.Equal(t, "audio", string(body))
}

func TestClient_OpenErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		check  func(t *testing.T, err error)
	}{
		{
			name:   "unauthorized",
			status: http.StatusUnauthorized,
			check: func(t *testing.T, err error) {
				var authErr *transfer.AuthenticationError
				assert.ErrorAs(t, err, &authErr)
			},
		},
		{
			name:   "server error",
			status: http.StatusBadGateway,
			check: func(t *testing.T, err error) {
				var netErr *transfer.NetworkError
				require.ErrorAs(t, err, &netErr)
				assert.Equal(t, http.StatusBadGateway, netErr.StatusCode)
				assert.Equal(t, "upstream down", netErr.APIMessage)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "upstream down", tt.status)
			}))
			defer srv.Close()

			_, err := NewClient(srv.URL, time.Second).Open(context.Background(), "b1", "high")
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestClient_OpenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()

	_, err := NewClient(srv.URL, time.Second).Open(context.Background(), "b1", "high")

	var netErr *transfer.NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Zero(t, netErr.StatusCode)
	assert.False(t, errors.Is(err, context.Canceled))
}
