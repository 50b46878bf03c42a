package jobs

import (
	"context"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/italolelis/audiobook_backend/internal/cleanup"
	"github.com/italolelis/audiobook_backend/internal/logctx"
)

// ProcessCleanup runs one maintenance sweep.
func (s *Service) ProcessCleanup(ctx context.Context, task *asynq.Task) error {
	var p CleanupPayload
	if err := decode(task, &p); err != nil {
		return err
	}

	logger := logctx.LoggerFromContext(ctx).With("kind", p.Kind)
	ctx = logctx.WithLogger(ctx, logger)

	switch p.Kind {
	case CleanupInactiveSessions:
		if s.Sessions == nil {
			return nil
		}

		n := s.Sessions.CleanupInactiveSessions(ctx)
		logger.InfoContext(ctx, "inactive playback sessions evicted", "count", n)

		return nil
	case CleanupExpiredDownloads:
		return s.cleanupExpiredDownloads(ctx)
	case CleanupOldProgress:
		cutoff := s.now().AddDate(0, -s.cfg.ProgressRetentionMonths, 0)

		n, err := s.Progress.DeleteCompletedChapterProgress(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to delete old chapter progress: %w", err)
		}

		logger.InfoContext(ctx, "old chapter progress deleted", "count", n, "cutoff", cutoff)

		return nil
	default:
		return fmt.Errorf("unknown cleanup kind %q: %w", p.Kind, asynq.SkipRetry)
	}
}

// cleanupExpiredDownloads deletes downloads completed before the retention window, file first.
// A record that fails to delete is logged and the sweep moves on.
func (s *Service) cleanupExpiredDownloads(ctx context.Context) error {
	logger := logctx.LoggerFromContext(ctx)
	cutoff := s.now().Add(-s.cfg.DownloadRetention)

	expired, err := s.Downloads.ListExpiredDownloads(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to list expired downloads: %w", err)
	}

	deleted, failed := 0, 0

	for _, rec := range expired {
		cleanup.RemoveFileBestEffort(ctx, rec.FilePath)

		if err := s.Downloads.DeleteDownload(ctx, rec.ID); err != nil {
			failed++
			logger.ErrorContext(ctx, "failed to delete expired download", "download_id", rec.ID, "err", err)

			continue
		}

		deleted++
	}

	logger.InfoContext(ctx, "expired downloads deleted", "deleted", deleted, "failed", failed, "cutoff", cutoff)

	return nil
}
