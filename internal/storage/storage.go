package storage

import (
	"context"
	"time"
)

// DownloadFilter narrows ListDownloads. Zero values mean "no filter".
type DownloadFilter struct {
	UserID string
	Status DownloadStatus
	Limit  int
	Offset int
}

// DownloadStats aggregates a user's downloads.
type DownloadStats struct {
	ByStatus              map[DownloadStatus]int
	TotalBytes            int64
	AverageCompletionTime time.Duration
}

type DownloadReadRepository interface {
	GetDownload(ctx context.Context, id string) (*DownloadRecord, error)
	FindDownload(ctx context.Context, userID, audiobookID string) (*DownloadRecord, error)
	ListDownloads(ctx context.Context, filter DownloadFilter) ([]*DownloadRecord, error)
	ListExpiredDownloads(ctx context.Context, completedBefore time.Time) ([]*DownloadRecord, error)
	DownloadStats(ctx context.Context, userID string) (*DownloadStats, error)
}

type DownloadWriteRepository interface {
	// CreateDownload inserts a new record; it returns ErrDownloadExists when the (user, audiobook)
	// pair already has one.
	CreateDownload(ctx context.Context, rec *DownloadRecord) error
	// SaveDownload persists rec only if the stored status still equals expected.
	SaveDownload(ctx context.Context, rec *DownloadRecord, expected DownloadStatus) (bool, error)
	// UpdateProgress raises progress while the record is IN_PROGRESS. It reports false when the
	// record left IN_PROGRESS (cancelled) so the caller can stop.
	UpdateProgress(ctx context.Context, id string, progress float64) (bool, error)
	CompleteDownload(ctx context.Context, id, filePath string, fileSize int64, at time.Time) (bool, error)
	DeleteDownload(ctx context.Context, id string) error
}

type DownloadRepository interface {
	DownloadReadRepository
	DownloadWriteRepository
}

type CatalogRepository interface {
	GetAudiobook(ctx context.Context, id string) (*Audiobook, error)
	GetChapter(ctx context.Context, id string) (*Chapter, error)
	SetOfflineAvailability(ctx context.Context, id string, available bool) error
	UpdateOverallProgress(ctx context.Context, id string, progress float64) error
}

type ProgressRepository interface {
	GetListeningHistory(ctx context.Context, userID, audiobookID string) (*ListeningHistory, error)
	UpsertListeningHistory(ctx context.Context, h *ListeningHistory) error
	UpsertListeningProgress(ctx context.Context, userID, audiobookID string, progress float64, completed bool) error
	ListListeningPairs(ctx context.Context, userID string) ([]ListeningPair, error)
	ListeningStats(ctx context.Context, userID string) (*ListeningStats, error)

	GetChapterProgress(ctx context.Context, userID, chapterID string) (*ChapterProgress, error)
	UpsertChapterProgress(ctx context.Context, p *ChapterProgress) error
	MarkChaptersCompleted(ctx context.Context, userID, audiobookID string, thresholdPercent float64) (int64, error)
	DeleteCompletedChapterProgress(ctx context.Context, unchangedSince time.Time) (int64, error)

	// CalculateAudiobookProgress returns the duration-weighted completion percentage of a book
	// from the user's chapter progress.
	CalculateAudiobookProgress(ctx context.Context, userID, audiobookID string) (float64, error)
}
