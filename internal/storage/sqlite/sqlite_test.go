package sqlite

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/italolelis/audiobook_backend/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := InitDB(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return db
}

func newRecord(id, userID, audiobookID string, status storage.DownloadStatus, createdAt time.Time) *storage.DownloadRecord {
	return &storage.DownloadRecord{
		ID:          id,
		UserID:      userID,
		AudiobookID: audiobookID,
		Quality:     "high",
		Status:      status,
		CreatedAt:   createdAt,
		UpdatedAt:   createdAt,
	}
}

func TestDownloadRepository_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(newTestDB(t))
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	require.NoError(t, repo.CreateDownload(ctx, newRecord("d1", "u1", "a1", storage.StatusPending, created)))

	got, err := repo.GetDownload(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, storage.StatusPending, got.Status)
	assert.True(t, created.Equal(got.CreatedAt))
	assert.Nil(t, got.CompletedAt)
	assert.Empty(t, got.FilePath)

	found, err := repo.FindDownload(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "d1", found.ID)

	_, err = repo.GetDownload(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = repo.FindDownload(ctx, "u2", "a1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestDownloadRepository_UniquePerUserAndAudiobook(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(newTestDB(t))
	now := time.Now()

	require.NoError(t, repo.CreateDownload(ctx, newRecord("d1", "u1", "a1", storage.StatusPending, now)))

	err := repo.CreateDownload(ctx, newRecord("d2", "u1", "a1", storage.StatusPending, now))
	assert.ErrorIs(t, err, storage.ErrDownloadExists)

	require.NoError(t, repo.CreateDownload(ctx, newRecord("d3", "u2", "a1", storage.StatusPending, now)))
}

func TestDownloadRepository_SaveDownloadGuardsStatus(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(newTestDB(t))
	rec := newRecord("d1", "u1", "a1", storage.StatusPending, time.Now())
	require.NoError(t, repo.CreateDownload(ctx, rec))

	rec.Status = storage.StatusInProgress
	ok, err := repo.SaveDownload(ctx, rec, storage.StatusPending)
	require.NoError(t, err)
	assert.True(t, ok)

	rec.Status = storage.StatusCancelled
	ok, err = repo.SaveDownload(ctx, rec, storage.StatusPending)
	require.NoError(t, err)
	assert.False(t, ok, "stored status is in_progress, not pending")

	got, err := repo.GetDownload(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusInProgress, got.Status)
}

func TestDownloadRepository_ProgressAndCompletion(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(newTestDB(t))
	require.NoError(t, repo.CreateDownload(ctx, newRecord("d1", "u1", "a1", storage.StatusInProgress, time.Now())))

	ok, err := repo.UpdateProgress(ctx, "d1", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.UpdateProgress(ctx, "d1", 5)
	require.NoError(t, err)
	assert.False(t, ok, "progress never goes backwards")

	got, err := repo.GetDownload(ctx, "d1")
	require.NoError(t, err)
	assert.InDelta(t, 10, got.Progress, 0.001)

	done := time.Now()
	ok, err = repo.CompleteDownload(ctx, "d1", "/data/u1/a1.high.m4a", 2048, done)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err = repo.GetDownload(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusCompleted, got.Status)
	assert.InDelta(t, 100, got.Progress, 0.001)
	assert.Equal(t, int64(2048), got.FileSize)
	require.NotNil(t, got.CompletedAt)

	ok, err = repo.UpdateProgress(ctx, "d1", 100)
	require.NoError(t, err)
	assert.False(t, ok, "completed downloads take no progress writes")
}

func TestDownloadRepository_UpdateProgressAfterCancel(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(newTestDB(t))
	require.NoError(t, repo.CreateDownload(ctx, newRecord("d1", "u1", "a1", storage.StatusCancelled, time.Now())))

	ok, err := repo.UpdateProgress(ctx, "d1", 20)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = repo.CompleteDownload(ctx, "d1", "/x", 1, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDownloadRepository_ListAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(newTestDB(t))
	base := time.Now().Add(-time.Hour)

	require.NoError(t, repo.CreateDownload(ctx, newRecord("d1", "u1", "a1", storage.StatusPending, base)))
	require.NoError(t, repo.CreateDownload(ctx, newRecord("d2", "u1", "a2", storage.StatusFailed, base.Add(time.Minute))))
	require.NoError(t, repo.CreateDownload(ctx, newRecord("d3", "u2", "a1", storage.StatusPending, base.Add(2*time.Minute))))

	all, err := repo.ListDownloads(ctx, storage.DownloadFilter{UserID: "u1"})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "d2", all[0].ID, "newest first")

	failed, err := repo.ListDownloads(ctx, storage.DownloadFilter{UserID: "u1", Status: storage.StatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)

	page, err := repo.ListDownloads(ctx, storage.DownloadFilter{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "d2", page[0].ID)

	require.NoError(t, repo.DeleteDownload(ctx, "d1"))
	assert.ErrorIs(t, repo.DeleteDownload(ctx, "d1"), storage.ErrNotFound)
}

func TestDownloadRepository_ExpiredAndStats(t *testing.T) {
	ctx := context.Background()
	repo := NewDownloadRepository(newTestDB(t))
	now := time.Now().UTC()

	old := newRecord("old", "u1", "a1", storage.StatusCompleted, now.Add(-40*24*time.Hour))
	oldDone := now.Add(-40*24*time.Hour + 10*time.Minute)
	old.CompletedAt, old.FileSize, old.Progress = &oldDone, 1000, 100

	recent := newRecord("recent", "u1", "a2", storage.StatusCompleted, now.Add(-time.Hour))
	recentDone := now.Add(-time.Hour + 20*time.Minute)
	recent.CompletedAt, recent.FileSize, recent.Progress = &recentDone, 3000, 100

	require.NoError(t, repo.CreateDownload(ctx, old))
	require.NoError(t, repo.CreateDownload(ctx, recent))
	require.NoError(t, repo.CreateDownload(ctx, newRecord("p", "u1", "a3", storage.StatusPending, now)))

	expired, err := repo.ListExpiredDownloads(ctx, now.Add(-30*24*time.Hour))
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, "old", expired[0].ID)

	stats, err := repo.DownloadStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, stats.ByStatus[storage.StatusCompleted])
	assert.Equal(t, 1, stats.ByStatus[storage.StatusPending])
	assert.Equal(t, 0, stats.ByStatus[storage.StatusFailed])
	assert.Equal(t, int64(4000), stats.TotalBytes)
	assert.Equal(t, 15*time.Minute, stats.AverageCompletionTime)

	empty, err := repo.DownloadStats(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.TotalBytes)
	assert.Zero(t, empty.AverageCompletionTime)
}

func TestCatalogRepository(t *testing.T) {
	ctx := context.Background()
	repo := NewCatalogRepository(newTestDB(t))

	require.NoError(t, repo.UpsertAudiobook(ctx, &storage.Audiobook{ID: "a1", Title: "Dune", Duration: 3600, FileSize: 1 << 20}))
	require.NoError(t, repo.UpsertChapter(ctx, &storage.Chapter{ID: "c1", AudiobookID: "a1", Position: 1, Duration: 600}))

	book, err := repo.GetAudiobook(ctx, "a1")
	require.NoError(t, err)
	assert.False(t, book.IsOfflineAvailable)
	assert.Equal(t, int64(1<<20), book.FileSize)

	require.NoError(t, repo.SetOfflineAvailability(ctx, "a1", true))
	require.NoError(t, repo.UpdateOverallProgress(ctx, "a1", 42.5))

	book, err = repo.GetAudiobook(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, book.IsOfflineAvailable)
	assert.InDelta(t, 42.5, book.OverallProgress, 0.001)

	ch, err := repo.GetChapter(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "a1", ch.AudiobookID)

	_, err = repo.GetAudiobook(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetChapter(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, repo.SetOfflineAvailability(ctx, "missing", true), storage.ErrNotFound)
}

func TestProgressRepository_History(t *testing.T) {
	ctx := context.Background()
	repo := NewProgressRepository(newTestDB(t))

	_, err := repo.GetListeningHistory(ctx, "u1", "a1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, repo.UpsertListeningProgress(ctx, "u1", "a1", 96, true))
	require.NoError(t, repo.UpsertListeningHistory(ctx, &storage.ListeningHistory{
		UserID: "u1", AudiobookID: "a1", CurrentChapterID: "c2", CurrentPosition: 120,
	}))
	require.NoError(t, repo.UpsertListeningHistory(ctx, &storage.ListeningHistory{
		UserID: "u2", AudiobookID: "a1", CurrentPosition: 30,
	}))

	h, err := repo.GetListeningHistory(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Equal(t, "c2", h.CurrentChapterID)
	assert.InDelta(t, 120, h.CurrentPosition, 0.001)
	assert.InDelta(t, 96, h.Progress, 0.001, "cursor writes keep computed progress")
	assert.True(t, h.Completed)

	pairs, err := repo.ListListeningPairs(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []storage.ListeningPair{{UserID: "u1", AudiobookID: "a1"}, {UserID: "u2", AudiobookID: "a1"}}, pairs)

	pairs, err = repo.ListListeningPairs(ctx, "u2")
	require.NoError(t, err)
	assert.Len(t, pairs, 1)

	stats, err := repo.ListeningStats(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.BooksStarted)
	assert.Equal(t, 1, stats.BooksCompleted)
	assert.InDelta(t, 120, stats.TotalListenedSec, 0.001)
}

func TestProgressRepository_ChapterProgress(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	catalog := NewCatalogRepository(db)
	repo := NewProgressRepository(db)

	require.NoError(t, catalog.UpsertAudiobook(ctx, &storage.Audiobook{ID: "a1", Duration: 1000}))
	require.NoError(t, catalog.UpsertChapter(ctx, &storage.Chapter{ID: "c1", AudiobookID: "a1", Position: 1, Duration: 600}))
	require.NoError(t, catalog.UpsertChapter(ctx, &storage.Chapter{ID: "c2", AudiobookID: "a1", Position: 2, Duration: 400}))

	pct, err := repo.CalculateAudiobookProgress(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.Zero(t, pct)

	require.NoError(t, repo.UpsertChapterProgress(ctx, &storage.ChapterProgress{UserID: "u1", ChapterID: "c1", AudiobookID: "a1", CurrentPosition: 580}))
	require.NoError(t, repo.UpsertChapterProgress(ctx, &storage.ChapterProgress{UserID: "u1", ChapterID: "c2", AudiobookID: "a1", CurrentPosition: 100}))

	pct, err = repo.CalculateAudiobookProgress(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.InDelta(t, 68.0, pct, 0.001)

	n, err := repo.MarkChaptersCompleted(ctx, "u1", "a1", storage.CompletionThreshold)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	c1, err := repo.GetChapterProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, c1.Completed)

	pct, err = repo.CalculateAudiobookProgress(ctx, "u1", "a1")
	require.NoError(t, err)
	assert.InDelta(t, 70.0, pct, 0.001, "completed chapters count in full")

	// A completed chapter stays completed when the cursor moves back.
	require.NoError(t, repo.UpsertChapterProgress(ctx, &storage.ChapterProgress{UserID: "u1", ChapterID: "c1", AudiobookID: "a1", CurrentPosition: 10}))
	c1, err = repo.GetChapterProgress(ctx, "u1", "c1")
	require.NoError(t, err)
	assert.True(t, c1.Completed)

	_, err = repo.GetChapterProgress(ctx, "u1", "c9")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestProgressRepository_DeleteCompletedChapterProgress(t *testing.T) {
	ctx := context.Background()
	repo := NewProgressRepository(newTestDB(t))
	now := time.Now()

	rows := []*storage.ChapterProgress{
		{UserID: "u1", ChapterID: "old-done", AudiobookID: "a1", Completed: true, UpdatedAt: now.AddDate(0, -7, 0)},
		{UserID: "u1", ChapterID: "old-open", AudiobookID: "a1", Completed: false, UpdatedAt: now.AddDate(0, -7, 0)},
		{UserID: "u1", ChapterID: "new-done", AudiobookID: "a1", Completed: true, UpdatedAt: now.AddDate(0, -1, 0)},
	}
	for _, p := range rows {
		require.NoError(t, repo.UpsertChapterProgress(ctx, p))
	}

	n, err := repo.DeleteCompletedChapterProgress(ctx, now.AddDate(0, -6, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetChapterProgress(ctx, "u1", "old-done")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = repo.GetChapterProgress(ctx, "u1", "old-open")
	assert.NoError(t, err)
}

func TestInstrumentedDownloadRepository_Delegates(t *testing.T) {
	ctx := context.Background()
	repo := NewInstrumentedDownloadRepository(newTestDB(t), nil)

	require.NoError(t, repo.CreateDownload(ctx, newRecord("d1", "u1", "a1", storage.StatusPending, time.Now())))

	got, err := repo.GetDownload(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, "a1", got.AudiobookID)

	_, err = repo.FindDownload(ctx, "u1", "zzz")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
