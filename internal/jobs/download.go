package jobs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/hibiken/asynq"
	"github.com/italolelis/audiobook_backend/internal/cleanup"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/storage"
	"github.com/italolelis/audiobook_backend/internal/transfer"
)

// maxInFlightProgress keeps a running download below 100, which only completion sets.
const maxInFlightProgress = 99.99

var errDownloadCancelled = errors.New("download cancelled")

// ProcessDownload runs one offline-download attempt. A failed attempt goes through the retry
// ladder carried by the payload: back to PENDING with a delayed resubmission, or FAILED once the
// automatic retries are spent.
func (s *Service) ProcessDownload(ctx context.Context, task *asynq.Task) error {
	var p DownloadPayload
	if err := decode(task, &p); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx).With(
		"download_id", p.DownloadID, "user_id", p.UserID, "audiobook_id", p.AudiobookID, "retry_count", p.RetryCount)
	ctx = logctx.WithLogger(ctx, logger)

	rec, err := s.Downloads.GetDownload(ctx, p.DownloadID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.InfoContext(ctx, "skipping download, record no longer exists")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to get download: %w", err)
	}

	if rec.Status != storage.StatusPending {
		logger.InfoContext(ctx, "skipping download, record is not pending", "status", rec.Status)

		return nil
	}

	if err := rec.Start(s.now()); err != nil {
		return fmt.Errorf("failed to start download: %w", err)
	}

	claimed, err := s.Downloads.SaveDownload(ctx, rec, storage.StatusPending)
	if err != nil {
		return fmt.Errorf("failed to claim download: %w", err)
	}

	if !claimed {
		logger.InfoContext(ctx, "skipping download, record changed before it could be claimed")

		return nil
	}

	s.Telemetry.RecordDownload(ctx, "started")
	s.Telemetry.IncrementActiveDownloads(ctx)
	defer s.Telemetry.DecrementActiveDownloads(ctx)

	req := transfer.Request{UserID: rec.UserID, AudiobookID: rec.AudiobookID, Quality: rec.Quality}

	title := rec.AudiobookID
	if book, err := s.Catalog.GetAudiobook(ctx, rec.AudiobookID); err == nil {
		req.ExpectedSize = book.FileSize
		title = book.Title
	}

	result, err := s.transfer(ctx, rec.ID, req)
	if errors.Is(err, errDownloadCancelled) {
		logger.InfoContext(ctx, "download cancelled by user, transfer stopped")
		s.Telemetry.RecordDownload(ctx, "cancelled")

		return nil
	}

	if err != nil {
		return s.failDownload(ctx, p, title, err)
	}

	completed, err := s.Downloads.CompleteDownload(ctx, rec.ID, result.Path, result.Size, s.now())
	if err != nil {
		cleanup.RemoveFileBestEffort(ctx, result.Path)

		return s.failDownload(ctx, p, title, fmt.Errorf("failed to complete download: %w", err))
	}

	if !completed {
		logger.InfoContext(ctx, "download cancelled after the transfer finished, removing file")
		cleanup.RemoveFileBestEffort(ctx, result.Path)
		s.Telemetry.RecordDownload(ctx, "cancelled")

		return nil
	}

	logger.InfoContext(ctx, "download completed", "file_path", result.Path, "file_size", humanize.Bytes(uint64(result.Size)))
	s.Telemetry.RecordDownload(ctx, "completed")
	s.notify(ctx, fmt.Sprintf("Offline download of %s is ready (%s)", title, humanize.Bytes(uint64(result.Size))))

	return nil
}

// transfer streams the file, writing progress after every chunk. A refused progress write means
// the record left IN_PROGRESS, which stops the copy.
func (s *Service) transfer(ctx context.Context, downloadID string, req transfer.Request) (*transfer.Result, error) {
	if s.cfg.TransferTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.TransferTimeout)

		defer cancel()
	}

	var current float64

	return s.Downloader.Download(ctx, req, func(ctx context.Context, written, total int64) error {
		if total > 0 {
			current = math.Min(math.Floor(float64(written)*10000/float64(total))/100, maxInFlightProgress)
		}

		ok, err := s.Downloads.UpdateProgress(ctx, downloadID, current)
		if err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}

		if !ok {
			return errDownloadCancelled
		}

		return nil
	})
}

func (s *Service) failDownload(ctx context.Context, p DownloadPayload, title string, cause error) error {
	// The failure is recorded even when the run was cut short by a shutdown.
	ctx = context.WithoutCancel(ctx)
	logger := logctx.LoggerFromContext(ctx)

	rec, err := s.Downloads.GetDownload(ctx, p.DownloadID)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("failed to reload download: %w", err))
	}

	if rec.Status != storage.StatusInProgress {
		logger.InfoContext(ctx, "download failed after it left in_progress, nothing to retry", "status", rec.Status, "err", cause)

		return nil
	}

	retry, err := rec.Fail(cause, p.RetryCount, s.now())
	if err != nil {
		return errors.Join(cause, err)
	}

	saved, err := s.Downloads.SaveDownload(ctx, rec, storage.StatusInProgress)
	if err != nil {
		return errors.Join(cause, fmt.Errorf("failed to record download failure: %w", err))
	}

	if !saved {
		return nil
	}

	if retry {
		delay := s.cfg.RetryStep * time.Duration(p.RetryCount)
		next := p
		next.RetryCount = p.RetryCount + 1

		logger.WarnContext(ctx, "download failed, retrying", "next_retry_count", next.RetryCount, "delay", delay, "err", cause)
		s.Telemetry.RecordDownload(ctx, "retrying")

		if err := s.Submitter.SubmitDownload(ctx, next, delay); err != nil {
			return errors.Join(cause, fmt.Errorf("failed to resubmit download: %w", err))
		}

		return fmt.Errorf("download attempt failed: %w", cause)
	}

	logger.ErrorContext(ctx, "download failed, no retries left", "err", cause)
	s.Telemetry.RecordDownload(ctx, "failed")
	s.notify(ctx, fmt.Sprintf("Offline download of %s failed: %s", title, rec.ErrorMessage))

	return fmt.Errorf("download failed: %w", cause)
}

func (s *Service) notify(ctx context.Context, content string) {
	if s.Notifier == nil {
		return
	}

	if err := s.Notifier.Notify(ctx, content); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to send notification", "err", err)
	}
}
