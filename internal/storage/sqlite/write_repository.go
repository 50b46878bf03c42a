package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/audiobook_backend/internal/storage"
)

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}

	return sql.NullTime{Time: t.UTC(), Valid: true}
}

// CreateDownload inserts rec. The UNIQUE (user_id, audiobook_id) index turns a lost
// check-then-create race into storage.ErrDownloadExists.
func (r *DownloadRepository) CreateDownload(ctx context.Context, rec *storage.DownloadRecord) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO downloads (`+downloadColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.UserID, rec.AudiobookID, rec.Quality, string(rec.Status), rec.Progress,
		nullString(rec.FilePath), sql.NullInt64{Int64: rec.FileSize, Valid: rec.FileSize > 0},
		nullString(rec.ErrorMessage), rec.RetryCount, rec.CreatedAt.UTC(), rec.UpdatedAt.UTC(),
		nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
	)
	if isUniqueViolation(err) {
		return storage.ErrDownloadExists
	}

	return err
}

// SaveDownload writes the mutable fields of rec if the stored status is still expected.
func (r *DownloadRepository) SaveDownload(ctx context.Context, rec *storage.DownloadRecord, expected storage.DownloadStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET
			quality = ?, status = ?, progress = ?, file_path = ?, file_size = ?, error_message = ?,
			retry_count = ?, updated_at = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND status = ?`,
		rec.Quality, string(rec.Status), rec.Progress, nullString(rec.FilePath),
		sql.NullInt64{Int64: rec.FileSize, Valid: rec.FileSize > 0}, nullString(rec.ErrorMessage),
		rec.RetryCount, rec.UpdatedAt.UTC(), nullTime(rec.StartedAt), nullTime(rec.CompletedAt),
		rec.ID, string(expected),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// UpdateProgress only moves progress forward and only while the download is in progress.
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id string, progress float64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE downloads SET progress = ?, updated_at = ? WHERE id = ? AND status = ? AND progress <= ?`,
		progress, time.Now().UTC(), id, string(storage.StatusInProgress), progress,
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

// CompleteDownload sets COMPLETED and progress 100 in the same statement.
func (r *DownloadRepository) CompleteDownload(ctx context.Context, id, filePath string, fileSize int64, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE downloads SET status = ?, progress = 100, file_path = ?, file_size = ?, error_message = NULL,
			completed_at = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(storage.StatusCompleted), filePath, fileSize, at.UTC(), at.UTC(), id, string(storage.StatusInProgress),
	)
	if err != nil {
		return false, err
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}

	return affected > 0, nil
}

func (r *DownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM downloads WHERE id = ?`, id)
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
