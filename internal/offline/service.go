package offline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/italolelis/audiobook_backend/internal/apperr"
	"github.com/italolelis/audiobook_backend/internal/cleanup"
	"github.com/italolelis/audiobook_backend/internal/jobs"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/queue"
	"github.com/italolelis/audiobook_backend/internal/storage"
	"github.com/italolelis/audiobook_backend/internal/telemetry"
)

const (
	DefaultQuality = "high"

	defaultPageSize = 20
	maxPageSize     = 100

	// saveAttempts bounds the optimistic re-reads when a record changes under a user action.
	saveAttempts = 3
)

var qualities = map[string]bool{"low": true, "medium": true, "high": true}

// JobSubmitter hands download runs to the job layer and reports on its queue.
type JobSubmitter interface {
	SubmitDownload(ctx context.Context, p jobs.DownloadPayload, delay time.Duration) error
	QueueStats(ctx context.Context, queueName string) (queue.QueueStats, error)
}

// Service owns the user-facing side of the offline download lifecycle. The transfer itself runs
// as an offline-download job.
type Service struct {
	downloads storage.DownloadRepository
	catalog   storage.CatalogRepository
	jobs      JobSubmitter
	telemetry *telemetry.Telemetry
	now       func() time.Time
}

func NewService(downloads storage.DownloadRepository, catalog storage.CatalogRepository, submitter JobSubmitter, tel *telemetry.Telemetry) *Service {
	return &Service{
		downloads: downloads,
		catalog:   catalog,
		jobs:      submitter,
		telemetry: tel,
		now:       time.Now,
	}
}

// RequestDownload creates a PENDING download for the user and submits its transfer. A previously
// cancelled download of the same book is restarted in place.
func (s *Service) RequestDownload(ctx context.Context, userID, audiobookID, quality string) (*storage.DownloadRecord, error) {
	const op = "request_download"

	if quality == "" {
		quality = DefaultQuality
	}

	if !qualities[quality] {
		return nil, apperr.InvalidArgument(op, "unsupported quality %q, use low, medium or high", quality)
	}

	book, err := s.catalog.GetAudiobook(ctx, audiobookID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.NotFound(op, "audiobook %s not found", audiobookID)
	}

	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	if !book.IsOfflineAvailable {
		return nil, apperr.InvalidState(op, "audiobook is not available for offline download")
	}

	existing, err := s.downloads.FindDownload(ctx, userID, audiobookID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, apperr.Internal(op, err)
	}

	var rec *storage.DownloadRecord

	if existing != nil {
		rec, err = s.restart(ctx, op, existing, quality)
	} else {
		rec, err = s.create(ctx, op, userID, audiobookID, quality)
	}

	if err != nil {
		return nil, err
	}

	if err := s.submit(ctx, op, rec); err != nil {
		return nil, err
	}

	s.telemetry.RecordDownload(ctx, "requested")
	logctx.LoggerFromContext(ctx).InfoContext(ctx, "offline download requested",
		"download_id", rec.ID, "user_id", userID, "audiobook_id", audiobookID, "quality", quality)

	return rec, nil
}

func (s *Service) create(ctx context.Context, op, userID, audiobookID, quality string) (*storage.DownloadRecord, error) {
	now := s.now()
	rec := &storage.DownloadRecord{
		ID:          uuid.NewString(),
		UserID:      userID,
		AudiobookID: audiobookID,
		Quality:     quality,
		Status:      storage.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	err := s.downloads.CreateDownload(ctx, rec)
	if errors.Is(err, storage.ErrDownloadExists) {
		return nil, apperr.Conflict(op, "download already pending")
	}

	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	return rec, nil
}

func (s *Service) restart(ctx context.Context, op string, rec *storage.DownloadRecord, quality string) (*storage.DownloadRecord, error) {
	if err := conflictFor(op, rec); err != nil {
		return nil, err
	}

	previous := rec.Status
	if err := rec.Restart(quality, s.now()); err != nil {
		return nil, apperr.InvalidState(op, "%s", err.Error())
	}

	saved, err := s.downloads.SaveDownload(ctx, rec, previous)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	if !saved {
		return nil, apperr.Conflict(op, "download already pending")
	}

	return rec, nil
}

// conflictFor returns the conflict reported when a record for the pair already exists.
// Cancelled downloads and failed ones without user retries left can be requested again.
func conflictFor(op string, rec *storage.DownloadRecord) error {
	if rec.RetriesExhausted() {
		return nil
	}

	switch rec.Status {
	case storage.StatusCompleted:
		return apperr.Conflict(op, "audiobook already downloaded")
	case storage.StatusInProgress:
		return apperr.Conflict(op, "download already in progress")
	case storage.StatusPending:
		return apperr.Conflict(op, "download already pending")
	case storage.StatusFailed:
		return apperr.Conflict(op, "previous download failed, retry it")
	default:
		return nil
	}
}

// submit enqueues the transfer with a fresh automatic retry ladder. A record whose job could not be
// enqueued is cancelled so the user can request it again.
func (s *Service) submit(ctx context.Context, op string, rec *storage.DownloadRecord) error {
	payload := jobs.DownloadPayload{
		UserID:      rec.UserID,
		AudiobookID: rec.AudiobookID,
		DownloadID:  rec.ID,
		Quality:     rec.Quality,
	}

	submitErr := s.jobs.SubmitDownload(ctx, payload, 0)
	if submitErr == nil {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)
	logger.ErrorContext(ctx, "failed to enqueue offline download", "download_id", rec.ID, "err", submitErr)

	ctx = context.WithoutCancel(ctx)

	if err := rec.Cancel(s.now()); err == nil {
		rec.ErrorMessage = "failed to enqueue download"
		if _, err := s.downloads.SaveDownload(ctx, rec, storage.StatusPending); err != nil {
			logger.ErrorContext(ctx, "failed to cancel unqueued download", "download_id", rec.ID, "err", err)
		}
	}

	return apperr.Internal(op, fmt.Errorf("failed to enqueue download: %w", submitErr))
}

// GetUserDownloads lists a user's downloads newest first, optionally filtered by status.
func (s *Service) GetUserDownloads(ctx context.Context, userID string, status storage.DownloadStatus, limit, offset int) ([]*storage.DownloadRecord, error) {
	const op = "get_user_downloads"

	if status != "" {
		if _, ok := storage.ParseStatus(string(status)); !ok {
			return nil, apperr.InvalidArgument(op, "unknown status %q", status)
		}
	}

	if limit <= 0 {
		limit = defaultPageSize
	}

	if limit > maxPageSize {
		limit = maxPageSize
	}

	if offset < 0 {
		offset = 0
	}

	recs, err := s.downloads.ListDownloads(ctx, storage.DownloadFilter{UserID: userID, Status: status, Limit: limit, Offset: offset})
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	if recs == nil {
		recs = []*storage.DownloadRecord{}
	}

	return recs, nil
}

// owned loads a download belonging to userID. Someone else's download is reported as missing.
func (s *Service) owned(ctx context.Context, op, userID, id string) (*storage.DownloadRecord, error) {
	rec, err := s.downloads.GetDownload(ctx, id)
	if errors.Is(err, storage.ErrNotFound) || (err == nil && rec.UserID != userID) {
		return nil, apperr.NotFound(op, "download %s not found", id)
	}

	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	return rec, nil
}

// CancelDownload stops a pending or running download. A running transfer notices at its next chunk.
func (s *Service) CancelDownload(ctx context.Context, userID, id string) (*storage.DownloadRecord, error) {
	const op = "cancel_download"

	for range saveAttempts {
		rec, err := s.owned(ctx, op, userID, id)
		if err != nil {
			return nil, err
		}

		if !rec.Status.IsActive() {
			return nil, apperr.InvalidState(op, "cannot cancel a %s download", rec.Status)
		}

		previous := rec.Status
		if err := rec.Cancel(s.now()); err != nil {
			return nil, apperr.InvalidState(op, "%s", err.Error())
		}

		saved, err := s.downloads.SaveDownload(ctx, rec, previous)
		if err != nil {
			return nil, apperr.Internal(op, err)
		}

		if saved {
			s.telemetry.RecordDownload(ctx, "cancelled")
			logctx.LoggerFromContext(ctx).InfoContext(ctx, "offline download cancelled",
				"download_id", id, "previous_status", previous)

			return rec, nil
		}
	}

	return nil, apperr.Conflict(op, "download changed while cancelling, try again")
}

// RetryDownload resubmits a failed download while it has retries left.
func (s *Service) RetryDownload(ctx context.Context, userID, id string) (*storage.DownloadRecord, error) {
	const op = "retry_download"

	rec, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return nil, err
	}

	if rec.Status != storage.StatusFailed {
		return nil, apperr.InvalidState(op, "only failed downloads can be retried")
	}

	if rec.RetriesExhausted() {
		return nil, apperr.InvalidState(op, "retry limit of %d reached, request the download again", storage.MaxRetries)
	}

	if err := rec.Retry(s.now()); err != nil {
		return nil, apperr.InvalidState(op, "%s", err.Error())
	}

	saved, err := s.downloads.SaveDownload(ctx, rec, storage.StatusFailed)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	if !saved {
		return nil, apperr.Conflict(op, "download changed while retrying, try again")
	}

	if err := s.submit(ctx, op, rec); err != nil {
		return nil, err
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "offline download retried",
		"download_id", id, "retry_count", rec.RetryCount)

	return rec, nil
}

// DeleteDownload removes a completed download, file first.
func (s *Service) DeleteDownload(ctx context.Context, userID, id string) error {
	const op = "delete_download"

	rec, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return err
	}

	if rec.Status != storage.StatusCompleted {
		return apperr.InvalidState(op, "only completed downloads can be deleted")
	}

	cleanup.RemoveFileBestEffort(ctx, rec.FilePath)

	if err := s.downloads.DeleteDownload(ctx, rec.ID); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return apperr.Internal(op, err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "offline download deleted", "download_id", id)

	return nil
}

// QueueStatus combines the user's download counts with the broker view of the download queue.
type QueueStatus struct {
	User  map[storage.DownloadStatus]int `json:"user"`
	Queue queue.QueueStats               `json:"queue"`
}

func (s *Service) GetDownloadQueueStatus(ctx context.Context, userID string) (*QueueStatus, error) {
	const op = "get_download_queue_status"

	stats, err := s.downloads.DownloadStats(ctx, userID)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	qs, err := s.jobs.QueueStats(ctx, jobs.QueueDownloads)
	if err != nil {
		return nil, apperr.Internal(op, err)
	}

	return &QueueStatus{User: stats.ByStatus, Queue: qs}, nil
}

func (s *Service) GetDownloadStats(ctx context.Context, userID string) (*storage.DownloadStats, error) {
	stats, err := s.downloads.DownloadStats(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("get_download_stats", err)
	}

	return stats, nil
}

// UpdateOfflineAvailability toggles whether an audiobook may be downloaded. Existing downloads are
// left as they are.
func (s *Service) UpdateOfflineAvailability(ctx context.Context, audiobookID string, available bool) error {
	const op = "update_offline_availability"

	err := s.catalog.SetOfflineAvailability(ctx, audiobookID, available)
	if errors.Is(err, storage.ErrNotFound) {
		return apperr.NotFound(op, "audiobook %s not found", audiobookID)
	}

	if err != nil {
		return apperr.Internal(op, err)
	}

	return nil
}
