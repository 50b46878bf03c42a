package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"math"
	"time"

	"github.com/italolelis/audiobook_backend/internal/storage"
)

// ProgressRepository stores listening history and chapter progress. Writes are last-write-wins.
type ProgressRepository struct {
	db *sql.DB
}

func NewProgressRepository(dbConn *sql.DB) *ProgressRepository {
	return &ProgressRepository{db: dbConn}
}

func (r *ProgressRepository) GetListeningHistory(ctx context.Context, userID, audiobookID string) (*storage.ListeningHistory, error) {
	var (
		h         storage.ListeningHistory
		chapterID sql.NullString
	)

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, audiobook_id, current_chapter_id, current_position, progress, completed, last_listened_at, updated_at
		FROM listening_history WHERE user_id = ? AND audiobook_id = ?`, userID, audiobookID,
	).Scan(&h.UserID, &h.AudiobookID, &chapterID, &h.CurrentPosition, &h.Progress, &h.Completed, &h.LastListenedAt, &h.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	h.CurrentChapterID = chapterID.String

	return &h, nil
}

// UpsertListeningHistory records the playback cursor. Progress and completion are owned by the
// progress-calculation job and left untouched on update.
func (r *ProgressRepository) UpsertListeningHistory(ctx context.Context, h *storage.ListeningHistory) error {
	now := time.Now().UTC()

	lastListened := h.LastListenedAt
	if lastListened.IsZero() {
		lastListened = now
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO listening_history
			(user_id, audiobook_id, current_chapter_id, current_position, progress, completed, last_listened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, audiobook_id) DO UPDATE SET
			current_chapter_id = excluded.current_chapter_id,
			current_position = excluded.current_position,
			last_listened_at = excluded.last_listened_at,
			updated_at = excluded.updated_at`,
		h.UserID, h.AudiobookID, nullString(h.CurrentChapterID), h.CurrentPosition, h.Progress, h.Completed,
		lastListened.UTC(), now,
	)

	return err
}

func (r *ProgressRepository) UpsertListeningProgress(ctx context.Context, userID, audiobookID string, progress float64, completed bool) error {
	now := time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO listening_history (user_id, audiobook_id, progress, completed, last_listened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, audiobook_id) DO UPDATE SET
			progress = excluded.progress,
			completed = excluded.completed,
			updated_at = excluded.updated_at`,
		userID, audiobookID, progress, completed, now, now,
	)

	return err
}

// ListListeningPairs returns every (user, audiobook) with history, for one user when userID is set.
func (r *ProgressRepository) ListListeningPairs(ctx context.Context, userID string) ([]storage.ListeningPair, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT user_id, audiobook_id FROM listening_history
		WHERE (? = '' OR user_id = ?)
		ORDER BY user_id, audiobook_id`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []storage.ListeningPair

	for rows.Next() {
		var p storage.ListeningPair
		if err := rows.Scan(&p.UserID, &p.AudiobookID); err != nil {
			return nil, err
		}

		pairs = append(pairs, p)
	}

	return pairs, rows.Err()
}

func (r *ProgressRepository) ListeningStats(ctx context.Context, userID string) (*storage.ListeningStats, error) {
	var stats storage.ListeningStats

	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(completed), 0), COALESCE(SUM(current_position), 0)
		FROM listening_history WHERE user_id = ?`, userID,
	).Scan(&stats.BooksStarted, &stats.BooksCompleted, &stats.TotalListenedSec)
	if err != nil {
		return nil, err
	}

	return &stats, nil
}

func (r *ProgressRepository) GetChapterProgress(ctx context.Context, userID, chapterID string) (*storage.ChapterProgress, error) {
	var p storage.ChapterProgress

	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, chapter_id, audiobook_id, current_position, completed, updated_at
		FROM chapter_progress WHERE user_id = ? AND chapter_id = ?`, userID, chapterID,
	).Scan(&p.UserID, &p.ChapterID, &p.AudiobookID, &p.CurrentPosition, &p.Completed, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &p, nil
}

// UpsertChapterProgress records the position in a chapter. A chapter once completed stays completed.
func (r *ProgressRepository) UpsertChapterProgress(ctx context.Context, p *storage.ChapterProgress) error {
	updatedAt := p.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chapter_progress (user_id, chapter_id, audiobook_id, current_position, completed, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, chapter_id) DO UPDATE SET
			current_position = excluded.current_position,
			completed = MAX(chapter_progress.completed, excluded.completed),
			updated_at = excluded.updated_at`,
		p.UserID, p.ChapterID, p.AudiobookID, p.CurrentPosition, p.Completed, updatedAt.UTC(),
	)

	return err
}

// MarkChaptersCompleted flags chapters whose position reached thresholdPercent of their duration.
// An empty audiobookID covers all of the user's books.
func (r *ProgressRepository) MarkChaptersCompleted(ctx context.Context, userID, audiobookID string, thresholdPercent float64) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chapter_progress SET completed = 1, updated_at = ?
		WHERE user_id = ? AND completed = 0 AND (? = '' OR audiobook_id = ?)
		AND EXISTS (
			SELECT 1 FROM chapters c
			WHERE c.id = chapter_progress.chapter_id
			AND c.duration > 0
			AND chapter_progress.current_position * 100.0 / c.duration >= ?
		)`,
		time.Now().UTC(), userID, audiobookID, audiobookID, thresholdPercent,
	)
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// DeleteCompletedChapterProgress removes completed rows not touched since the cutoff.
func (r *ProgressRepository) DeleteCompletedChapterProgress(ctx context.Context, unchangedSince time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx,
		`DELETE FROM chapter_progress WHERE completed = 1 AND updated_at < ?`, unchangedSince.UTC())
	if err != nil {
		return 0, err
	}

	return res.RowsAffected()
}

// CalculateAudiobookProgress weights every chapter by its duration; completed chapters count in full.
func (r *ProgressRepository) CalculateAudiobookProgress(ctx context.Context, userID, audiobookID string) (float64, error) {
	var total, listened float64

	err := r.db.QueryRowContext(ctx, `
		SELECT
			COALESCE(SUM(c.duration), 0),
			COALESCE(SUM(
				CASE WHEN cp.completed = 1 THEN c.duration
				ELSE MIN(COALESCE(cp.current_position, 0), c.duration) END
			), 0)
		FROM chapters c
		LEFT JOIN chapter_progress cp ON cp.chapter_id = c.id AND cp.user_id = ?
		WHERE c.audiobook_id = ?`, userID, audiobookID,
	).Scan(&total, &listened)
	if err != nil {
		return 0, err
	}

	if total <= 0 {
		return 0, nil
	}

	return math.Round(listened/total*10000) / 100, nil
}
