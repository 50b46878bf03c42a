package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	QueueProgress  = "progress-calculation"
	QueueDownloads = "offline-downloads"
	QueueCleanup   = "cleanup"

	TypeProgressCalculate = "progress:calculate"
	TypeOfflineDownload   = "download:offline"
	TypeCleanup           = "maintenance:cleanup"

	// AllAudiobooks asks a progress calculation for every book with listening history.
	AllAudiobooks = "all"
)

type ProgressKind string

const (
	ProgressAudiobook ProgressKind = "audiobook"
	ProgressChapter   ProgressKind = "chapter"
)

type ProgressPayload struct {
	UserID      string       `json:"userId,omitempty"`
	AudiobookID string       `json:"audiobookId"`
	Kind        ProgressKind `json:"kind"`
}

type DownloadPayload struct {
	UserID      string `json:"userId"`
	AudiobookID string `json:"audiobookId"`
	DownloadID  string `json:"downloadId"`
	Quality     string `json:"quality"`
	RetryCount  int    `json:"retryCount"`
}

type CleanupKind string

const (
	CleanupInactiveSessions CleanupKind = "inactive_sessions"
	CleanupExpiredDownloads CleanupKind = "expired_downloads"
	CleanupOldProgress      CleanupKind = "old_progress_data"
)

type CleanupPayload struct {
	Kind CleanupKind `json:"kind"`
}

// decode reads a job payload. A malformed payload never succeeds, so it skips broker retries.
func decode(task *asynq.Task, v any) error {
	if err := json.Unmarshal(task.Payload(), v); err != nil {
		return fmt.Errorf("invalid %s payload: %v: %w", task.Type(), err, asynq.SkipRetry)
	}

	return nil
}
