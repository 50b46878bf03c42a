package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/italolelis/audiobook_backend/internal/storage"
)

const downloadColumns = `id, user_id, audiobook_id, quality, status, progress, file_path, file_size,
	error_message, retry_count, created_at, updated_at, started_at, completed_at`

// DownloadRepository implements storage.DownloadRepository on SQLite.
type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*storage.DownloadRecord, error) {
	var (
		rec          storage.DownloadRecord
		status       string
		filePath     sql.NullString
		fileSize     sql.NullInt64
		errorMessage sql.NullString
		startedAt    sql.NullTime
		completedAt  sql.NullTime
	)

	err := row.Scan(&rec.ID, &rec.UserID, &rec.AudiobookID, &rec.Quality, &status, &rec.Progress,
		&filePath, &fileSize, &errorMessage, &rec.RetryCount, &rec.CreatedAt, &rec.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	rec.Status = storage.DownloadStatus(status)
	rec.FilePath = filePath.String
	rec.FileSize = fileSize.Int64
	rec.ErrorMessage = errorMessage.String

	if startedAt.Valid {
		t := startedAt.Time
		rec.StartedAt = &t
	}

	if completedAt.Valid {
		t := completedAt.Time
		rec.CompletedAt = &t
	}

	return &rec, nil
}

func (r *DownloadRepository) queryDownloads(ctx context.Context, query string, args ...any) ([]*storage.DownloadRecord, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var downloads []*storage.DownloadRecord

	for rows.Next() {
		rec, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}

		downloads = append(downloads, rec)
	}

	return downloads, rows.Err()
}

func (r *DownloadRepository) GetDownload(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	rec, err := scanDownload(r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM downloads WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return rec, err
}

func (r *DownloadRepository) FindDownload(ctx context.Context, userID, audiobookID string) (*storage.DownloadRecord, error) {
	rec, err := scanDownload(r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE user_id = ? AND audiobook_id = ?`, userID, audiobookID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}

	return rec, err
}

// ListDownloads returns downloads newest first.
func (r *DownloadRepository) ListDownloads(ctx context.Context, filter storage.DownloadFilter) ([]*storage.DownloadRecord, error) {
	var (
		where []string
		args  []any
	)

	if filter.UserID != "" {
		where = append(where, "user_id = ?")
		args = append(args, filter.UserID)
	}

	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}

	query := `SELECT ` + downloadColumns + ` FROM downloads`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}

	query += ` ORDER BY created_at DESC, id`

	if filter.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, filter.Limit, filter.Offset)
	}

	return r.queryDownloads(ctx, query, args...)
}

// ListExpiredDownloads returns completed downloads finished before the cutoff.
func (r *DownloadRepository) ListExpiredDownloads(ctx context.Context, completedBefore time.Time) ([]*storage.DownloadRecord, error) {
	return r.queryDownloads(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE status = ? AND completed_at IS NOT NULL AND completed_at < ?`,
		string(storage.StatusCompleted), completedBefore.UTC())
}

// DownloadStats aggregates counts by status, bytes and mean completion time for a user
// (all users when userID is empty).
func (r *DownloadRepository) DownloadStats(ctx context.Context, userID string) (*storage.DownloadStats, error) {
	stats := &storage.DownloadStats{ByStatus: make(map[storage.DownloadStatus]int)}
	for _, s := range storage.AllStatuses() {
		stats.ByStatus[s] = 0
	}

	rows, err := r.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM downloads WHERE (? = '' OR user_id = ?) GROUP BY status`, userID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			n      int
		)

		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}

		stats.ByStatus[storage.DownloadStatus(status)] = n
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	completed, err := r.queryDownloads(ctx,
		`SELECT `+downloadColumns+` FROM downloads WHERE status = ? AND (? = '' OR user_id = ?)`,
		string(storage.StatusCompleted), userID, userID)
	if err != nil {
		return nil, err
	}

	var total time.Duration

	for _, rec := range completed {
		stats.TotalBytes += rec.FileSize

		if rec.CompletedAt != nil {
			total += rec.CompletedAt.Sub(rec.CreatedAt)
		}
	}

	if len(completed) > 0 {
		stats.AverageCompletionTime = total / time.Duration(len(completed))
	}

	return stats, nil
}
