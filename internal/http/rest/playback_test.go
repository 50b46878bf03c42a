package rest

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/audiobook_backend/internal/apperr"
	"github.com/italolelis/audiobook_backend/internal/playback"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubPlayback struct {
	syncReq    playback.SyncRequest
	controlReq playback.ControlRequest
}

func (s *stubPlayback) InitializeSession(_ context.Context, userID, audiobookID, chapterID string) (*playback.Session, error) {
	if audiobookID == "missing" {
		return nil, apperr.NotFound("initialize_session", "audiobook missing not found")
	}

	return &playback.Session{UserID: userID, AudiobookID: audiobookID, CurrentChapterID: chapterID, PlaybackSpeed: 1, Volume: 1}, nil
}

func (s *stubPlayback) SyncPlayback(_ context.Context, userID string, req playback.SyncRequest) (*playback.Session, error) {
	s.syncReq = req
	if req.Position != nil && *req.Position < 0 {
		return nil, apperr.InvalidArgument("sync_playback", "position must not be negative")
	}

	return &playback.Session{UserID: userID, AudiobookID: req.AudiobookID, CurrentPosition: *req.Position}, nil
}

func (s *stubPlayback) Control(_ context.Context, userID string, req playback.ControlRequest) (*playback.Session, error) {
	s.controlReq = req

	return &playback.Session{UserID: userID, AudiobookID: req.AudiobookID, PlaybackSpeed: *req.Value}, nil
}

func (s *stubPlayback) GetPlaybackStats(context.Context, string) (*playback.Stats, error) {
	return &playback.Stats{BooksStarted: 3, ActiveSessions: 1}, nil
}

func newPlaybackServer(svc PlaybackService) http.Handler {
	r := chi.NewRouter()
	r.Mount("/playback", NewPlaybackHandler(svc).Routes())

	return r
}

func TestPlaybackRoutes(t *testing.T) {
	svc := &stubPlayback{}
	server := newPlaybackServer(svc)

	rec := do(t, server, http.MethodPost, "/playback/sessions", `{"audiobookId":"b1","chapterId":"c1"}`, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"currentChapterId":"c1"`)

	rec = do(t, server, http.MethodPost, "/playback/sessions", `{"audiobookId":"missing"}`, asUser)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, server, http.MethodPost, "/playback/sync", `{"action":"seek","audiobookId":"b1","position":500}`, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, playback.ActionSeek, svc.syncReq.Action)
	require.NotNil(t, svc.syncReq.Position)
	assert.InDelta(t, 500, *svc.syncReq.Position, 0.001)

	rec = do(t, server, http.MethodPost, "/playback/sync", `{"action":"seek","audiobookId":"b1","position":-1}`, asUser)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, server, http.MethodPost, "/playback/control", `{"action":"speed","audiobookId":"b1","value":1.5}`, asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, playback.ActionSpeed, svc.controlReq.Action)

	rec = do(t, server, http.MethodGet, "/playback/stats", "", asUser)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"booksStarted":3`)

	rec = do(t, server, http.MethodGet, "/playback/stats", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
