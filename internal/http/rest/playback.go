package rest

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/audiobook_backend/internal/playback"
)

// PlaybackService is the session coordinator behind the playback routes.
type PlaybackService interface {
	InitializeSession(ctx context.Context, userID, audiobookID, chapterID string) (*playback.Session, error)
	SyncPlayback(ctx context.Context, userID string, req playback.SyncRequest) (*playback.Session, error)
	Control(ctx context.Context, userID string, req playback.ControlRequest) (*playback.Session, error)
	GetPlaybackStats(ctx context.Context, userID string) (*playback.Stats, error)
}

type PlaybackHandler struct {
	svc PlaybackService
}

func NewPlaybackHandler(svc PlaybackService) *PlaybackHandler {
	return &PlaybackHandler{svc: svc}
}

// Routes serves playback sessions; mount it at /playback.
func (h *PlaybackHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requireUser)

	r.Post("/sessions", h.HandleInitialize)
	r.Post("/sync", h.HandleSync)
	r.Post("/control", h.HandleControl)
	r.Get("/stats", h.HandleStats)

	return r
}

func (h *PlaybackHandler) HandleInitialize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AudiobookID string `json:"audiobookId"`
		ChapterID   string `json:"chapterId"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.AudiobookID == "" {
		writeMessage(w, r, http.StatusBadRequest, "audiobookId is required")

		return
	}

	s, err := h.svc.InitializeSession(r.Context(), userID(r), req.AudiobookID, req.ChapterID)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, s)
}

func (h *PlaybackHandler) HandleSync(w http.ResponseWriter, r *http.Request) {
	var req playback.SyncRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := h.svc.SyncPlayback(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, s)
}

func (h *PlaybackHandler) HandleControl(w http.ResponseWriter, r *http.Request) {
	var req playback.ControlRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s, err := h.svc.Control(r.Context(), userID(r), req)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, s)
}

func (h *PlaybackHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetPlaybackStats(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}
