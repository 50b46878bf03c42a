package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/storage"
	"golang.org/x/sync/errgroup"
)

// ProcessProgress recomputes listening progress for one book or, with AllAudiobooks, for every
// (user, audiobook) with history.
func (s *Service) ProcessProgress(ctx context.Context, task *asynq.Task) error {
	var p ProgressPayload
	if err := decode(task, &p); err != nil {
		return err
	}

	if p.Kind == "" {
		p.Kind = ProgressAudiobook
	}

	if p.Kind != ProgressAudiobook && p.Kind != ProgressChapter {
		return fmt.Errorf("unknown progress kind %q: %w", p.Kind, asynq.SkipRetry)
	}

	if p.AudiobookID == AllAudiobooks || p.AudiobookID == "" {
		return s.calculateAll(ctx, p)
	}

	return s.calculate(ctx, p.UserID, p.AudiobookID, p.Kind)
}

// calculateAll processes every pair, logging failed pairs without failing the batch.
func (s *Service) calculateAll(ctx context.Context, p ProgressPayload) error {
	logger := logctx.LoggerFromContext(ctx)

	pairs, err := s.Progress.ListListeningPairs(ctx, p.UserID)
	if err != nil {
		return fmt.Errorf("failed to list listening history: %w", err)
	}

	if len(pairs) == 0 {
		logger.DebugContext(ctx, "no listening history to calculate progress for")

		return nil
	}

	var (
		g      errgroup.Group
		failed atomic.Int64
	)

	g.SetLimit(s.cfg.FanOut)

	for _, pair := range pairs {
		g.Go(func() error {
			if err := s.calculate(ctx, pair.UserID, pair.AudiobookID, p.Kind); err != nil {
				failed.Add(1)
				logger.ErrorContext(ctx, "failed to calculate progress",
					"user_id", pair.UserID, "audiobook_id", pair.AudiobookID, "err", err)
			}

			return nil
		})
	}

	_ = g.Wait()

	logger.InfoContext(ctx, "progress calculation finished",
		"kind", p.Kind, "pairs", len(pairs), "failed", failed.Load())

	return nil
}

func (s *Service) calculate(ctx context.Context, userID, audiobookID string, kind ProgressKind) error {
	logger := logctx.LoggerFromContext(ctx).With("user_id", userID, "audiobook_id", audiobookID)

	if _, err := uuid.Parse(audiobookID); err != nil {
		logger.DebugContext(ctx, "skipping progress calculation, malformed audiobook id")

		return nil
	}

	book, err := s.Catalog.GetAudiobook(ctx, audiobookID)
	if errors.Is(err, storage.ErrNotFound) {
		logger.DebugContext(ctx, "skipping progress calculation, audiobook not found")

		return nil
	}

	if err != nil {
		return fmt.Errorf("failed to get audiobook: %w", err)
	}

	if kind == ProgressChapter {
		n, err := s.Progress.MarkChaptersCompleted(ctx, userID, book.ID, storage.CompletionThreshold)
		if err != nil {
			return fmt.Errorf("failed to mark chapters completed: %w", err)
		}

		logger.DebugContext(ctx, "chapters marked completed", "count", n)

		return nil
	}

	progress, err := s.Progress.CalculateAudiobookProgress(ctx, userID, book.ID)
	if err != nil {
		return fmt.Errorf("failed to aggregate chapter progress: %w", err)
	}

	if err := s.Catalog.UpdateOverallProgress(ctx, book.ID, progress); err != nil {
		return fmt.Errorf("failed to update overall progress: %w", err)
	}

	if userID == "" {
		return nil
	}

	if err := s.Progress.UpsertListeningProgress(ctx, userID, book.ID, progress, progress >= storage.CompletionThreshold); err != nil {
		return fmt.Errorf("failed to update listening history: %w", err)
	}

	logger.DebugContext(ctx, "progress calculated", "progress", progress)

	return nil
}
