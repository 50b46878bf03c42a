package sqlite

import (
	"context"
	"database/sql"
	"time"

	"github.com/italolelis/audiobook_backend/internal/storage"
	"github.com/italolelis/audiobook_backend/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) GetDownload(ctx context.Context, id string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.GetDownload(ctx, id)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) FindDownload(ctx context.Context, userID, audiobookID string) (*storage.DownloadRecord, error) {
	var result *storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "find_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.FindDownload(ctx, userID, audiobookID)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ListDownloads(ctx context.Context, filter storage.DownloadFilter) ([]*storage.DownloadRecord, error) {
	var result []*storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListDownloads(ctx, filter)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) ListExpiredDownloads(ctx context.Context, completedBefore time.Time) ([]*storage.DownloadRecord, error) {
	var result []*storage.DownloadRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "list_expired_downloads", func(ctx context.Context) error {
		var err error
		result, err = r.repo.ListExpiredDownloads(ctx, completedBefore)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) DownloadStats(ctx context.Context, userID string) (*storage.DownloadStats, error) {
	var result *storage.DownloadStats

	err := r.telemetry.InstrumentDBOperation(ctx, "download_stats", func(ctx context.Context) error {
		var err error
		result, err = r.repo.DownloadStats(ctx, userID)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) CreateDownload(ctx context.Context, rec *storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(ctx, "create_download", func(ctx context.Context) error {
		return r.repo.CreateDownload(ctx, rec)
	})
}

func (r *InstrumentedDownloadRepository) SaveDownload(ctx context.Context, rec *storage.DownloadRecord, expected storage.DownloadStatus) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, "save_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.SaveDownload(ctx, rec, expected)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) UpdateProgress(ctx context.Context, id string, progress float64) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, "update_progress", func(ctx context.Context) error {
		var err error
		result, err = r.repo.UpdateProgress(ctx, id, progress)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) CompleteDownload(ctx context.Context, id, filePath string, fileSize int64, at time.Time) (bool, error) {
	var result bool

	err := r.telemetry.InstrumentDBOperation(ctx, "complete_download", func(ctx context.Context) error {
		var err error
		result, err = r.repo.CompleteDownload(ctx, id, filePath, fileSize, at)

		return err
	})

	return result, err
}

func (r *InstrumentedDownloadRepository) DeleteDownload(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(ctx, id)
	})
}

var _ storage.DownloadRepository = (*InstrumentedDownloadRepository)(nil)
var _ storage.DownloadRepository = (*DownloadRepository)(nil)
var _ storage.CatalogRepository = (*CatalogRepository)(nil)
var _ storage.ProgressRepository = (*ProgressRepository)(nil)
