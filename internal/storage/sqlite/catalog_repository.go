package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/italolelis/audiobook_backend/internal/storage"
)

// CatalogRepository reads audiobooks and chapters and owns the few catalog fields the core writes.
type CatalogRepository struct {
	db *sql.DB
}

func NewCatalogRepository(dbConn *sql.DB) *CatalogRepository {
	return &CatalogRepository{db: dbConn}
}

func (r *CatalogRepository) GetAudiobook(ctx context.Context, id string) (*storage.Audiobook, error) {
	var book storage.Audiobook

	err := r.db.QueryRowContext(ctx, `
		SELECT id, title, duration, file_size, is_offline_available, overall_progress, updated_at
		FROM audiobooks WHERE id = ?`, id,
	).Scan(&book.ID, &book.Title, &book.Duration, &book.FileSize, &book.IsOfflineAvailable, &book.OverallProgress, &book.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &book, nil
}

func (r *CatalogRepository) GetChapter(ctx context.Context, id string) (*storage.Chapter, error) {
	var ch storage.Chapter

	err := r.db.QueryRowContext(ctx,
		`SELECT id, audiobook_id, title, position, duration FROM chapters WHERE id = ?`, id,
	).Scan(&ch.ID, &ch.AudiobookID, &ch.Title, &ch.Position, &ch.Duration)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	if err != nil {
		return nil, err
	}

	return &ch, nil
}

func (r *CatalogRepository) SetOfflineAvailability(ctx context.Context, id string, available bool) error {
	return r.updateAudiobook(ctx, `UPDATE audiobooks SET is_offline_available = ?, updated_at = ? WHERE id = ?`,
		available, time.Now().UTC(), id)
}

func (r *CatalogRepository) UpdateOverallProgress(ctx context.Context, id string, progress float64) error {
	return r.updateAudiobook(ctx, `UPDATE audiobooks SET overall_progress = ?, updated_at = ? WHERE id = ?`,
		progress, time.Now().UTC(), id)
}

func (r *CatalogRepository) updateAudiobook(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}

	if affected == 0 {
		return storage.ErrNotFound
	}

	return nil
}

// UpsertAudiobook inserts or replaces a catalog entry. The catalog itself is managed elsewhere;
// this is the write path used by imports.
func (r *CatalogRepository) UpsertAudiobook(ctx context.Context, book *storage.Audiobook) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audiobooks (id, title, duration, file_size, is_offline_available, overall_progress, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			duration = excluded.duration,
			file_size = excluded.file_size,
			is_offline_available = excluded.is_offline_available,
			updated_at = excluded.updated_at`,
		book.ID, book.Title, book.Duration, book.FileSize, book.IsOfflineAvailable, book.OverallProgress, time.Now().UTC(),
	)

	return err
}

func (r *CatalogRepository) UpsertChapter(ctx context.Context, ch *storage.Chapter) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO chapters (id, audiobook_id, title, position, duration) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			audiobook_id = excluded.audiobook_id,
			title = excluded.title,
			position = excluded.position,
			duration = excluded.duration`,
		ch.ID, ch.AudiobookID, ch.Title, ch.Position, ch.Duration,
	)

	return err
}
