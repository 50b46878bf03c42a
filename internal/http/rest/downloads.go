package rest

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/italolelis/audiobook_backend/internal/offline"
	"github.com/italolelis/audiobook_backend/internal/storage"
)

// DownloadService is the offline download lifecycle behind the download routes.
type DownloadService interface {
	RequestDownload(ctx context.Context, userID, audiobookID, quality string) (*storage.DownloadRecord, error)
	GetUserDownloads(ctx context.Context, userID string, status storage.DownloadStatus, limit, offset int) ([]*storage.DownloadRecord, error)
	GetDownloadProgress(ctx context.Context, userID, id string) (*offline.Progress, error)
	CancelDownload(ctx context.Context, userID, id string) (*storage.DownloadRecord, error)
	RetryDownload(ctx context.Context, userID, id string) (*storage.DownloadRecord, error)
	DeleteDownload(ctx context.Context, userID, id string) error
	GetDownloadQueueStatus(ctx context.Context, userID string) (*offline.QueueStatus, error)
	GetDownloadStats(ctx context.Context, userID string) (*storage.DownloadStats, error)
	UpdateOfflineAvailability(ctx context.Context, audiobookID string, available bool) error
}

type downloadResponse struct {
	ID           string                 `json:"id"`
	UserID       string                 `json:"userId"`
	AudiobookID  string                 `json:"audiobookId"`
	Quality      string                 `json:"quality"`
	Status       storage.DownloadStatus `json:"status"`
	Progress     float64                `json:"progress"`
	FilePath     string                 `json:"filePath,omitempty"`
	FileSize     int64                  `json:"fileSize,omitempty"`
	ErrorMessage string                 `json:"errorMessage,omitempty"`
	RetryCount   int                    `json:"retryCount"`
	CreatedAt    time.Time              `json:"createdAt"`
	UpdatedAt    time.Time              `json:"updatedAt"`
	CompletedAt  *time.Time             `json:"completedAt,omitempty"`
}

func newDownloadResponse(rec *storage.DownloadRecord) downloadResponse {
	return downloadResponse{
		ID:           rec.ID,
		UserID:       rec.UserID,
		AudiobookID:  rec.AudiobookID,
		Quality:      rec.Quality,
		Status:       rec.Status,
		Progress:     rec.Progress,
		FilePath:     rec.FilePath,
		FileSize:     rec.FileSize,
		ErrorMessage: rec.ErrorMessage,
		RetryCount:   rec.RetryCount,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		CompletedAt:  rec.CompletedAt,
	}
}

type statsResponse struct {
	ByStatus map[storage.DownloadStatus]int `json:"byStatus"`
	// TotalBytes counts completed downloads only.
	TotalBytes     int64  `json:"totalBytes"`
	TotalSizeHuman string `json:"totalSizeHuman"`
	// AverageCompletionTime is in seconds.
	AverageCompletionTime float64 `json:"averageCompletionTime"`
}

type DownloadsHandler struct {
	svc DownloadService
}

func NewDownloadsHandler(svc DownloadService) *DownloadsHandler {
	return &DownloadsHandler{svc: svc}
}

// Routes serves the download lifecycle; mount it at /downloads.
func (h *DownloadsHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(requireUser)

	r.Post("/", h.HandleRequest)
	r.Get("/", h.HandleList)
	r.Get("/queue", h.HandleQueueStatus)
	r.Get("/stats", h.HandleStats)
	r.Get("/{id}/progress", h.HandleProgress)
	r.Post("/{id}/cancel", h.HandleCancel)
	r.Post("/{id}/retry", h.HandleRetry)
	r.Delete("/{id}", h.HandleDelete)

	return r
}

// AudiobookRoutes serves the catalog toggle for offline downloads behind the operator auth; mount
// it at /audiobooks.
func (h *DownloadsHandler) AudiobookRoutes(auth func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(auth)
	r.Put("/{id}/offline-availability", h.HandleOfflineAvailability)

	return r
}

func (h *DownloadsHandler) HandleRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AudiobookID string `json:"audiobookId"`
		Quality     string `json:"quality"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.AudiobookID == "" {
		writeMessage(w, r, http.StatusBadRequest, "audiobookId is required")

		return
	}

	rec, err := h.svc.RequestDownload(r.Context(), userID(r), req.AudiobookID, req.Quality)
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusCreated, newDownloadResponse(rec))
}

func (h *DownloadsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "limit must be a number")

		return
	}

	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeMessage(w, r, http.StatusBadRequest, "offset must be a number")

		return
	}

	recs, err := h.svc.GetUserDownloads(r.Context(), userID(r), storage.DownloadStatus(q.Get("status")), limit, offset)
	if err != nil {
		writeError(w, r, err)

		return
	}

	out := make([]downloadResponse, 0, len(recs))
	for _, rec := range recs {
		out = append(out, newDownloadResponse(rec))
	}

	writeJSON(w, r, http.StatusOK, out)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}

	return strconv.Atoi(v)
}

func (h *DownloadsHandler) HandleProgress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.GetDownloadProgress(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, p)
}

func (h *DownloadsHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.CancelDownload(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownloadResponse(rec))
}

func (h *DownloadsHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	rec, err := h.svc.RetryDownload(r.Context(), userID(r), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, newDownloadResponse(rec))
}

func (h *DownloadsHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DeleteDownload(r.Context(), userID(r), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *DownloadsHandler) HandleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.GetDownloadQueueStatus(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, status)
}

func (h *DownloadsHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.GetDownloadStats(r.Context(), userID(r))
	if err != nil {
		writeError(w, r, err)

		return
	}

	writeJSON(w, r, http.StatusOK, statsResponse{
		ByStatus:              stats.ByStatus,
		TotalBytes:            stats.TotalBytes,
		TotalSizeHuman:        humanize.Bytes(uint64(stats.TotalBytes)),
		AverageCompletionTime: stats.AverageCompletionTime.Seconds(),
	})
}

func (h *DownloadsHandler) HandleOfflineAvailability(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Available *bool `json:"available"`
	}

	if !decodeJSON(w, r, &req) {
		return
	}

	if req.Available == nil {
		writeMessage(w, r, http.StatusBadRequest, "available is required")

		return
	}

	if err := h.svc.UpdateOfflineAvailability(r.Context(), chi.URLParam(r, "id"), *req.Available); err != nil {
		writeError(w, r, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}
