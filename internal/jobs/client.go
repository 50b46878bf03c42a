package jobs

import (
	"context"
	"time"

	"github.com/hibiken/asynq"
	"github.com/italolelis/audiobook_backend/internal/queue"
)

const (
	// ProgressTriggerDelay lets a burst of playback syncs settle before progress is recomputed.
	ProgressTriggerDelay = 2 * time.Second
)

// Client submits one-off jobs.
type Client struct {
	manager *queue.Manager
}

func NewClient(m *queue.Manager) *Client {
	return &Client{manager: m}
}

// Submit adds a job to a registered queue after delay.
func (c *Client) Submit(ctx context.Context, queueName, jobType string, payload any, delay time.Duration, opts ...queue.JobOption) (*asynq.TaskInfo, error) {
	q, err := c.manager.Queue(queueName)
	if err != nil {
		return nil, err
	}

	if delay > 0 {
		opts = append(opts, queue.WithDelay(delay))
	}

	return q.Add(ctx, jobType, payload, opts...)
}

// TriggerProgressCalculation recomputes a user's progress on a book shortly after a playback change.
func (c *Client) TriggerProgressCalculation(ctx context.Context, userID, audiobookID string) error {
	_, err := c.Submit(ctx, QueueProgress, TypeProgressCalculate,
		ProgressPayload{UserID: userID, AudiobookID: audiobookID, Kind: ProgressAudiobook}, ProgressTriggerDelay)

	return err
}

// SubmitDownload starts an offline-download run. The broker runs it once; retries are driven by
// the download record.
func (c *Client) SubmitDownload(ctx context.Context, p DownloadPayload, delay time.Duration) error {
	_, err := c.Submit(ctx, QueueDownloads, TypeOfflineDownload, p, delay, queue.WithAttempts(1))

	return err
}

// QueueStats returns the broker counts of one queue.
func (c *Client) QueueStats(ctx context.Context, queueName string) (queue.QueueStats, error) {
	return c.manager.QueueStats(ctx, queueName)
}
