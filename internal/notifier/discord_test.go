package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiscordNotifier_Notify(t *testing.T) {
	var got map[string]string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "download failed")
	require.NoError(t, err)
	assert.Equal(t, "download failed", got["content"])
}

func TestDiscordNotifier_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	err := NewDiscordNotifier(srv.URL).Notify(context.Background(), "x")
	assert.EqualError(t, err, "webhook failed with status 429")

	err = NewDiscordNotifier("").Notify(context.Background(), "x")
	assert.EqualError(t, err, "webhook URL is not set")
}
