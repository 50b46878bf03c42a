package offline

import (
	"context"
	"time"

	"github.com/italolelis/audiobook_backend/internal/storage"
)

// Progress is a point-in-time view of one download.
type Progress struct {
	DownloadID     string                 `json:"downloadId"`
	Status         storage.DownloadStatus `json:"status"`
	Progress       float64                `json:"progress"`
	FileSize       int64                  `json:"fileSize"`
	DownloadedSize int64                  `json:"downloadedSize"`
	// EstimatedTimeRemaining is in seconds; set only while a transfer is running and has moved.
	EstimatedTimeRemaining *float64 `json:"estimatedTimeRemaining,omitempty"`
	// DownloadSpeed is in bytes per second, under the same conditions.
	DownloadSpeed *float64 `json:"downloadSpeed,omitempty"`
	ErrorMessage  string   `json:"errorMessage,omitempty"`
	RetryCount    int      `json:"retryCount"`
}

func (s *Service) GetDownloadProgress(ctx context.Context, userID, id string) (*Progress, error) {
	const op = "get_download_progress"

	rec, err := s.owned(ctx, op, userID, id)
	if err != nil {
		return nil, err
	}

	size := rec.FileSize
	if size == 0 {
		// The record learns its size on completion; until then the catalog size stands in.
		if book, err := s.catalog.GetAudiobook(ctx, rec.AudiobookID); err == nil {
			size = book.FileSize
		}
	}

	p := &Progress{
		DownloadID:     rec.ID,
		Status:         rec.Status,
		Progress:       rec.Progress,
		FileSize:       size,
		DownloadedSize: int64(float64(size) * rec.Progress / 100),
		ErrorMessage:   rec.ErrorMessage,
		RetryCount:     rec.RetryCount,
	}

	if rec.Status != storage.StatusInProgress || rec.Progress <= 0 {
		return p, nil
	}

	started := rec.UpdatedAt
	if rec.StartedAt != nil {
		started = *rec.StartedAt
	}

	elapsed := s.now().Sub(started)
	if elapsed <= 0 {
		return p, nil
	}

	remaining := estimateRemaining(elapsed, rec.Progress).Seconds()
	p.EstimatedTimeRemaining = &remaining

	speed := float64(p.DownloadedSize) / elapsed.Seconds()
	p.DownloadSpeed = &speed

	return p, nil
}

// estimateRemaining extrapolates linearly from the time taken to reach progress percent.
func estimateRemaining(elapsed time.Duration, progress float64) time.Duration {
	return time.Duration(float64(elapsed) * (100 - progress) / progress)
}
