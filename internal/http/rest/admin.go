package rest

import (
	"context"
	"crypto/subtle"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/audiobook_backend/internal/queue"
)

const defaultCleanGrace = time.Hour

// QueueAdmin is the queue manager surface exposed to operators.
type QueueAdmin interface {
	Stats(ctx context.Context) ([]queue.QueueStats, error)
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Empty(ctx context.Context, name string) (int, error)
	Clean(ctx context.Context, name string, grace time.Duration, state queue.JobState) (int, error)
	Remove(ctx context.Context, name string) error
}

type SessionSweeper interface {
	CleanupInactiveSessions(ctx context.Context) int
}

type AdminHandler struct {
	username string
	password string
	queues   QueueAdmin
	redis    queue.RedisProbe
	sessions SessionSweeper
}

func NewAdminHandler(username, password string, queues QueueAdmin, redis queue.RedisProbe, sessions SessionSweeper) *AdminHandler {
	return &AdminHandler{
		username: username,
		password: password,
		queues:   queues,
		redis:    redis,
		sessions: sessions,
	}
}

// Routes serves operator endpoints behind basic auth; mount it at /admin.
func (h *AdminHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.BasicAuth)

	r.Get("/queues", h.HandleQueues)
	r.Post("/queues/{name}/clean", h.HandleClean)
	r.Post("/queues/{name}/{action}", h.HandleQueueAction)
	r.Delete("/queues/{name}", h.HandleRemove)
	r.Get("/health", h.HandleHealth)
	r.Post("/playback/cleanup", h.HandleSessionCleanup)

	return r
}

// BasicAuth guards operator routes. It rejects every request while no admin password is configured.
func (h *AdminHandler) BasicAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || h.password == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="admin"`)
			writeMessage(w, r, http.StatusUnauthorized, "invalid authorization format")

			return
		}

		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(h.username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(h.password)) == 1

		if !userOK || !passOK {
			writeMessage(w, r, http.StatusUnauthorized, "invalid username or password")

			return
		}

		next.ServeHTTP(w, r)
	})
}

func (h *AdminHandler) HandleQueues(w http.ResponseWriter, r *http.Request) {
	stats, err := h.queues.Stats(r.Context())
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, stats)
}

func (h *AdminHandler) HandleQueueAction(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	var (
		removed int
		err     error
	)

	switch action := chi.URLParam(r, "action"); action {
	case "pause":
		err = h.queues.Pause(r.Context(), name)
	case "resume":
		err = h.queues.Resume(r.Context(), name)
	case "empty":
		removed, err = h.queues.Empty(r.Context(), name)
	default:
		writeMessage(w, r, http.StatusNotFound, "unknown queue action "+action)

		return
	}

	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"queue": name, "removed": removed})
}

func (h *AdminHandler) HandleClean(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	q := r.URL.Query()

	grace := defaultCleanGrace
	if v := q.Get("grace"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeMessage(w, r, http.StatusBadRequest, "grace must be a non-negative duration such as 1h")

			return
		}

		grace = d
	}

	state := queue.StateCompleted
	if v := q.Get("state"); v != "" {
		state = queue.JobState(v)
	}

	if state != queue.StateCompleted && state != queue.StateFailed {
		writeMessage(w, r, http.StatusBadRequest, "state must be completed or failed")

		return
	}

	removed, err := h.queues.Clean(r.Context(), name, grace, state)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, map[string]any{"queue": name, "removed": removed})
}

func (h *AdminHandler) HandleRemove(w http.ResponseWriter, r *http.Request) {
	if err := h.queues.Remove(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *AdminHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	report := queue.Health(r.Context(), h.redis)

	status := http.StatusOK
	if report.Status == "unhealthy" {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, r, status, report)
}

func (h *AdminHandler) HandleSessionCleanup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, map[string]int{"evicted": h.sessions.CleanupInactiveSessions(r.Context())})
}
