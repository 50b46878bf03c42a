package queue

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/italolelis/audiobook_backend/internal/logctx"
)

// CronRegistrar is the part of the broker scheduler used to register recurring jobs.
type CronRegistrar interface {
	Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error)
	Start() error
	Shutdown()
}

// ScheduledJobID derives the identifier of a recurring job from its content. Every scheduler
// process computes the same id for the same entry, so the broker holds at most one of its runs.
func ScheduledJobID(queue, jobType, cronspec string, payload []byte) string {
	sum := sha1.Sum([]byte(queue + "|" + jobType + "|" + cronspec + "|" + string(payload)))

	return hex.EncodeToString(sum[:])
}

// Scheduler submits recurring jobs on cron schedules.
type Scheduler struct {
	manager   *Manager
	registrar CronRegistrar

	mu      sync.Mutex
	entries map[string]string
}

func NewScheduler(m *Manager, registrar CronRegistrar) *Scheduler {
	return &Scheduler{
		manager:   m,
		registrar: registrar,
		entries:   make(map[string]string),
	}
}

// NewBrokerScheduler builds the broker scheduler. A scheduled run that collides with a finished
// or failed run still held by the broker clears that run, so the next tick goes through.
func NewBrokerScheduler(ctx context.Context, redisOpt asynq.RedisConnOpt, m *Manager, loc *time.Location) *asynq.Scheduler {
	logger := logctx.LoggerFromContext(ctx)

	return asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: loc,
		Logger:   NewLogger(logger),
		EnqueueErrorHandler: func(task *asynq.Task, opts []asynq.Option, err error) {
			m.handleScheduleConflict(ctx, task, opts, err)
		},
	})
}

func (m *Manager) handleScheduleConflict(ctx context.Context, task *asynq.Task, opts []asynq.Option, err error) {
	logger := logctx.LoggerFromContext(ctx)

	if !errors.Is(err, asynq.ErrTaskIDConflict) {
		logger.ErrorContext(ctx, "failed to enqueue scheduled job", "job_type", task.Type(), "err", err)

		return
	}

	var queueName, id string

	for _, opt := range opts {
		switch opt.Type() {
		case asynq.QueueOpt:
			queueName, _ = opt.Value().(string)
		case asynq.TaskIDOpt:
			id, _ = opt.Value().(string)
		}
	}

	info, infoErr := m.inspector.GetTaskInfo(queueName, id)
	if infoErr != nil {
		logger.WarnContext(ctx, "failed to inspect conflicting scheduled job", "job_id", id, "err", infoErr)

		return
	}

	switch info.State {
	case asynq.TaskStateCompleted, asynq.TaskStateArchived:
		if delErr := m.inspector.DeleteTask(queueName, id); delErr != nil {
			logger.WarnContext(ctx, "failed to clear finished scheduled job", "job_id", id, "err", delErr)

			return
		}

		logger.InfoContext(ctx, "cleared finished scheduled job, next tick will run it",
			"job_type", task.Type(), "job_id", id, "state", info.State.String())
	default:
		logger.DebugContext(ctx, "scheduled job still in flight, tick skipped",
			"job_type", task.Type(), "job_id", id, "state", info.State.String())
	}
}

// Register adds a recurring job on queue. Registering the same entry twice is a no-op.
func (s *Scheduler) Register(cronspec, queue, jobType string, payload any) (string, error) {
	q, err := s.manager.Queue(queue)
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}

	id := ScheduledJobID(queue, jobType, cronspec, data)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; ok {
		return id, nil
	}

	opts := q.TaskOptions(WithJobID(id))
	// A finished run must free the id right away for the next tick.
	opts = append(opts, asynq.Retention(0))

	entryID, err := s.registrar.Register(cronspec, asynq.NewTask(jobType, data), opts...)
	if err != nil {
		return "", fmt.Errorf("failed to schedule %s on %s (%s): %w", jobType, queue, cronspec, err)
	}

	s.entries[id] = entryID

	return id, nil
}

// Entries returns how many recurring jobs are registered.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.entries)
}

// Run starts the cron loop and stops it when ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.registrar.Start(); err != nil {
		return fmt.Errorf("failed to start scheduler: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "job scheduler started", "entries", s.Entries())

	<-ctx.Done()

	s.registrar.Shutdown()

	return nil
}
