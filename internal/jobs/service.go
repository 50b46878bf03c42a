package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/italolelis/audiobook_backend/internal/notifier"
	"github.com/italolelis/audiobook_backend/internal/queue"
	"github.com/italolelis/audiobook_backend/internal/storage"
	"github.com/italolelis/audiobook_backend/internal/telemetry"
	"github.com/italolelis/audiobook_backend/internal/transfer"
)

// SessionSweeper evicts idle playback sessions.
type SessionSweeper interface {
	CleanupInactiveSessions(ctx context.Context) int
}

// Downloader stores an audiobook rendition on disk.
type Downloader interface {
	Download(ctx context.Context, req transfer.Request, onProgress transfer.ProgressFunc) (*transfer.Result, error)
}

// DownloadSubmitter schedules offline-download runs.
type DownloadSubmitter interface {
	SubmitDownload(ctx context.Context, p DownloadPayload, delay time.Duration) error
}

// CronScheduler registers recurring jobs.
type CronScheduler interface {
	Register(cronspec, queueName, jobType string, payload any) (string, error)
}

type Config struct {
	// TransferTimeout bounds one offline-download run.
	TransferTimeout time.Duration
	// RetryStep is multiplied by the failed run's payload retry count to delay the next attempt.
	RetryStep time.Duration
	// DownloadRetention is how long completed offline downloads are kept.
	DownloadRetention time.Duration
	// ProgressRetentionMonths is how long completed chapter progress is kept untouched.
	ProgressRetentionMonths int
	// FanOut bounds the parallel (user, audiobook) pairs of a progress batch.
	FanOut int
}

func DefaultConfig() Config {
	return Config{
		TransferTimeout:         30 * time.Minute,
		RetryStep:               5 * time.Second,
		DownloadRetention:       30 * 24 * time.Hour,
		ProgressRetentionMonths: 6,
		FanOut:                  4,
	}
}

type Deps struct {
	Downloads  storage.DownloadRepository
	Catalog    storage.CatalogRepository
	Progress   storage.ProgressRepository
	Downloader Downloader
	Submitter  DownloadSubmitter
	Sessions   SessionSweeper
	// Notifier is optional.
	Notifier  notifier.Notifier
	Telemetry *telemetry.Telemetry
}

// Service holds the job processors.
type Service struct {
	Deps
	cfg Config
	now func() time.Time
}

func NewService(deps Deps, cfg Config) *Service {
	if cfg.FanOut < 1 {
		cfg.FanOut = 1
	}

	return &Service{Deps: deps, cfg: cfg, now: time.Now}
}

// Schedule is one recurring submission.
type Schedule struct {
	Cronspec string
	Queue    string
	JobType  string
	Payload  any
}

// Schedules lists the recurring jobs.
func Schedules() []Schedule {
	return []Schedule{
		{Cronspec: "*/5 * * * *", Queue: QueueProgress, JobType: TypeProgressCalculate,
			Payload: ProgressPayload{AudiobookID: AllAudiobooks, Kind: ProgressAudiobook}},
		{Cronspec: "0 */6 * * *", Queue: QueueCleanup, JobType: TypeCleanup,
			Payload: CleanupPayload{Kind: CleanupInactiveSessions}},
		{Cronspec: "0 2 * * *", Queue: QueueCleanup, JobType: TypeCleanup,
			Payload: CleanupPayload{Kind: CleanupExpiredDownloads}},
		{Cronspec: "0 3 * * 0", Queue: QueueCleanup, JobType: TypeCleanup,
			Payload: CleanupPayload{Kind: CleanupOldProgress}},
	}
}

// Register creates the job queues and attaches the processors.
func (s *Service) Register(m *queue.Manager) error {
	progress, err := m.CreateQueue(QueueProgress, queue.WithPriority(3))
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", QueueProgress, err)
	}

	downloads, err := m.CreateQueue(QueueDownloads,
		queue.WithPriority(5),
		queue.WithMaxAttempts(1),
		queue.WithTimeout(s.cfg.TransferTimeout+time.Minute),
	)
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", QueueDownloads, err)
	}

	cleanup, err := m.CreateQueue(QueueCleanup, queue.WithPriority(1))
	if err != nil {
		return fmt.Errorf("failed to create queue %s: %w", QueueCleanup, err)
	}

	progress.Process(TypeProgressCalculate, s.ProcessProgress)
	downloads.Process(TypeOfflineDownload, s.ProcessDownload)
	cleanup.Process(TypeCleanup, s.ProcessCleanup)

	return nil
}

// Schedule registers the recurring jobs. Call it once the queues are registered.
func (s *Service) Schedule(scheduler CronScheduler) error {
	for _, entry := range Schedules() {
		if _, err := scheduler.Register(entry.Cronspec, entry.Queue, entry.JobType, entry.Payload); err != nil {
			return err
		}
	}

	return nil
}
