package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hibiken/asynq"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/telemetry"
)

const (
	// MaxBackoff caps the exponential retry delay of every queue.
	MaxBackoff = 5 * time.Minute

	cleanPageSize = 100
)

var (
	ErrClosed        = errors.New("queue manager is closed")
	ErrQueueNotFound = errors.New("queue not found")
)

// Enqueuer is the part of the broker client the manager submits jobs through.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Inspector is the part of the broker inspector used for stats and queue administration.
type Inspector interface {
	Queues() ([]string, error)
	GetQueueInfo(queue string) (*asynq.QueueInfo, error)
	GetTaskInfo(queue, id string) (*asynq.TaskInfo, error)
	PauseQueue(queue string) error
	UnpauseQueue(queue string) error
	DeleteAllPendingTasks(queue string) (int, error)
	DeleteAllScheduledTasks(queue string) (int, error)
	DeleteAllRetryTasks(queue string) (int, error)
	DeleteQueue(queue string, force bool) error
	ListCompletedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	ListArchivedTasks(queue string, opts ...asynq.ListOption) ([]*asynq.TaskInfo, error)
	DeleteTask(queue, id string) error
	Close() error
}

// QueueOptions are the defaults applied to every job added to a queue.
type QueueOptions struct {
	// Priority is the queue's weight in the worker's dispatch.
	Priority int
	// Retention is how long completed jobs stay inspectable.
	Retention time.Duration
	// MaxAttempts counts the first run, so 1 means no broker retries.
	MaxAttempts int
	// BackoffBase is the first retry delay; it doubles per retry up to MaxBackoff.
	BackoffBase time.Duration
	// Timeout bounds a single run. Zero leaves the broker default.
	Timeout time.Duration
}

type QueueOption func(*QueueOptions)

func WithPriority(p int) QueueOption {
	return func(o *QueueOptions) { o.Priority = p }
}

func WithRetention(d time.Duration) QueueOption {
	return func(o *QueueOptions) { o.Retention = d }
}

func WithMaxAttempts(n int) QueueOption {
	return func(o *QueueOptions) { o.MaxAttempts = n }
}

func WithBackoffBase(d time.Duration) QueueOption {
	return func(o *QueueOptions) { o.BackoffBase = d }
}

func WithTimeout(d time.Duration) QueueOption {
	return func(o *QueueOptions) { o.Timeout = d }
}

// DefaultQueueOptions returns the options a queue gets when none are given.
func DefaultQueueOptions() QueueOptions {
	return QueueOptions{
		Priority:    1,
		Retention:   24 * time.Hour,
		MaxAttempts: 3,
		BackoffBase: 2 * time.Second,
	}
}

// QueueStats is a snapshot of one queue's job counts.
type QueueStats struct {
	Name      string `json:"name"`
	Waiting   int    `json:"waiting"`
	Active    int    `json:"active"`
	Completed int    `json:"completed"`
	Failed    int    `json:"failed"`
	Delayed   int    `json:"delayed"`
	Paused    bool   `json:"paused"`
}

// JobState selects the terminal jobs Clean removes.
type JobState string

const (
	StateCompleted JobState = "completed"
	StateFailed    JobState = "failed"
)

// Manager owns the named queues of one broker. It is safe for concurrent use.
type Manager struct {
	client    Enqueuer
	inspector Inspector
	telemetry *telemetry.Telemetry
	defaults  QueueOptions
	mux       *asynq.ServeMux

	mu        sync.RWMutex
	queues    map[string]*Queue
	jobQueues map[string]string
	closed    bool
	closeOnce sync.Once
}

func NewManager(client Enqueuer, inspector Inspector, tel *telemetry.Telemetry, defaults QueueOptions) *Manager {
	m := &Manager{
		client:    client,
		inspector: inspector,
		telemetry: tel,
		defaults:  defaults,
		mux:       asynq.NewServeMux(),
		queues:    make(map[string]*Queue),
		jobQueues: make(map[string]string),
	}

	m.mux.Use(m.instrument)

	return m
}

// CreateQueue returns the queue registered under name, creating it on first use.
// Options only apply when the queue is created.
func (m *Manager) CreateQueue(name string, opts ...QueueOption) (*Queue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}

	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	o := m.defaults
	for _, opt := range opts {
		opt(&o)
	}

	if o.MaxAttempts < 1 {
		o.MaxAttempts = 1
	}

	if o.Priority < 1 {
		o.Priority = 1
	}

	q := &Queue{name: name, opts: o, manager: m}
	m.queues[name] = q

	return q, nil
}

// Queue returns a registered queue.
func (m *Manager) Queue(name string) (*Queue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}

	q, ok := m.queues[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
	}

	return q, nil
}

// Names returns the registered queue names in order.
func (m *Manager) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

// Priorities returns the worker dispatch weights of the registered queues.
func (m *Manager) Priorities() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	weights := make(map[string]int, len(m.queues))
	for name, q := range m.queues {
		weights[name] = q.opts.Priority
	}

	return weights
}

// Handler dispatches jobs to the processors registered with Queue.Process.
func (m *Manager) Handler() asynq.Handler {
	return m.mux
}

// RetryDelay is the worker's retry delay: the job's queue backoff base doubled per retry,
// capped at MaxBackoff.
func (m *Manager) RetryDelay(n int, err error, task *asynq.Task) time.Duration {
	m.mu.RLock()
	name, ok := m.jobQueues[task.Type()]
	q := m.queues[name]
	m.mu.RUnlock()

	if !ok || q == nil {
		return asynq.DefaultRetryDelayFunc(n, err, task)
	}

	return backoff(q.opts.BackoffBase, n)
}

func backoff(base time.Duration, n int) time.Duration {
	if base <= 0 {
		return 0
	}

	delay := base
	for i := 0; i < n; i++ {
		delay *= 2
		if delay >= MaxBackoff {
			return MaxBackoff
		}
	}

	if delay > MaxBackoff {
		return MaxBackoff
	}

	return delay
}

// Stats returns a snapshot of every registered queue.
func (m *Manager) Stats(ctx context.Context) ([]QueueStats, error) {
	if err := m.checkOpen(ctx); err != nil {
		return nil, err
	}

	known, err := m.brokerQueues()
	if err != nil {
		return nil, err
	}

	names := m.Names()
	stats := make([]QueueStats, 0, len(names))

	for _, name := range names {
		s, err := m.queueStats(name, known)
		if err != nil {
			return nil, err
		}

		stats = append(stats, s)
	}

	return stats, nil
}

// QueueStats returns the snapshot of one queue.
func (m *Manager) QueueStats(ctx context.Context, name string) (QueueStats, error) {
	if err := m.checkQueue(ctx, name); err != nil {
		return QueueStats{}, err
	}

	known, err := m.brokerQueues()
	if err != nil {
		return QueueStats{}, err
	}

	return m.queueStats(name, known)
}

func (m *Manager) brokerQueues() (map[string]bool, error) {
	names, err := m.inspector.Queues()
	if err != nil {
		return nil, fmt.Errorf("failed to list broker queues: %w", err)
	}

	known := make(map[string]bool, len(names))
	for _, n := range names {
		known[n] = true
	}

	return known, nil
}

// queueStats reports zero counts for a queue the broker has not seen a job for yet.
func (m *Manager) queueStats(name string, known map[string]bool) (QueueStats, error) {
	if !known[name] {
		return QueueStats{Name: name}, nil
	}

	info, err := m.inspector.GetQueueInfo(name)
	if err != nil {
		return QueueStats{}, fmt.Errorf("failed to get stats of queue %s: %w", name, err)
	}

	return QueueStats{
		Name:      name,
		Waiting:   info.Pending,
		Active:    info.Active,
		Completed: info.Completed,
		Failed:    info.Archived,
		Delayed:   info.Scheduled + info.Retry,
		Paused:    info.Paused,
	}, nil
}

// Pause stops dispatching jobs from the queue. Queued jobs are kept.
func (m *Manager) Pause(ctx context.Context, name string) error {
	if err := m.checkQueue(ctx, name); err != nil {
		return err
	}

	if err := m.inspector.PauseQueue(name); err != nil {
		return fmt.Errorf("failed to pause queue %s: %w", name, err)
	}

	return nil
}

// Resume restarts dispatching jobs from a paused queue.
func (m *Manager) Resume(ctx context.Context, name string) error {
	if err := m.checkQueue(ctx, name); err != nil {
		return err
	}

	if err := m.inspector.UnpauseQueue(name); err != nil {
		return fmt.Errorf("failed to resume queue %s: %w", name, err)
	}

	return nil
}

// Clean deletes jobs in the given terminal state that finished more than grace ago.
// It returns how many were removed.
func (m *Manager) Clean(ctx context.Context, name string, grace time.Duration, state JobState) (int, error) {
	if err := m.checkQueue(ctx, name); err != nil {
		return 0, err
	}

	var (
		list     func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error)
		finished func(*asynq.TaskInfo) time.Time
	)

	switch state {
	case StateCompleted:
		list = m.inspector.ListCompletedTasks
		finished = func(t *asynq.TaskInfo) time.Time { return t.CompletedAt }
	case StateFailed:
		list = m.inspector.ListArchivedTasks
		finished = func(t *asynq.TaskInfo) time.Time { return t.LastFailedAt }
	default:
		return 0, fmt.Errorf("unsupported job state %q", state)
	}

	cutoff := time.Now().Add(-grace)

	var stale []string

	for page := 1; ; page++ {
		tasks, err := list(name, asynq.Page(page), asynq.PageSize(cleanPageSize))
		if err != nil {
			return 0, fmt.Errorf("failed to list %s jobs of queue %s: %w", state, name, err)
		}

		for _, t := range tasks {
			if finished(t).Before(cutoff) {
				stale = append(stale, t.ID)
			}
		}

		if len(tasks) < cleanPageSize {
			break
		}
	}

	removed := 0

	for _, id := range stale {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		if err := m.inspector.DeleteTask(name, id); err != nil {
			return removed, fmt.Errorf("failed to delete job %s from queue %s: %w", id, name, err)
		}

		removed++
	}

	return removed, nil
}

// Empty drops the queue's waiting, delayed and retrying jobs. Running jobs finish.
func (m *Manager) Empty(ctx context.Context, name string) (int, error) {
	if err := m.checkQueue(ctx, name); err != nil {
		return 0, err
	}

	total := 0

	for _, drop := range []func(string) (int, error){
		m.inspector.DeleteAllPendingTasks,
		m.inspector.DeleteAllScheduledTasks,
		m.inspector.DeleteAllRetryTasks,
	} {
		n, err := drop(name)
		if err != nil {
			return total, fmt.Errorf("failed to empty queue %s: %w", name, err)
		}

		total += n
	}

	return total, nil
}

// Remove deletes the queue and all of its jobs from the broker and forgets it.
func (m *Manager) Remove(ctx context.Context, name string) error {
	if err := m.checkQueue(ctx, name); err != nil {
		return err
	}

	if err := m.inspector.DeleteQueue(name, true); err != nil && !errors.Is(err, asynq.ErrQueueNotFound) {
		return fmt.Errorf("failed to remove queue %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.queues, name)

	for jobType, queueName := range m.jobQueues {
		if queueName == name {
			delete(m.jobQueues, jobType)
		}
	}
	m.mu.Unlock()

	return nil
}

// Shutdown releases the broker handles. Only the first call does any work.
func (m *Manager) Shutdown() error {
	var err error

	m.closeOnce.Do(func() {
		m.mu.Lock()
		m.closed = true
		m.queues = make(map[string]*Queue)
		m.jobQueues = make(map[string]string)
		m.mu.Unlock()

		err = errors.Join(m.client.Close(), m.inspector.Close())
	})

	return err
}

func (m *Manager) checkOpen(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}

	return nil
}

func (m *Manager) checkQueue(ctx context.Context, name string) error {
	if err := m.checkOpen(ctx); err != nil {
		return err
	}

	_, err := m.Queue(name)

	return err
}

// instrument runs every processor with the job id in its context and records its outcome.
func (m *Manager) instrument(next asynq.Handler) asynq.Handler {
	return asynq.HandlerFunc(func(ctx context.Context, task *asynq.Task) error {
		if id, ok := asynq.GetTaskID(ctx); ok {
			ctx = logctx.WithJobID(ctx, id)
		}

		logger := logctx.LoggerFromContext(ctx).With("job_type", task.Type())
		ctx = logctx.WithLogger(ctx, logger)

		return m.telemetry.InstrumentJob(ctx, task.Type(), func(ctx context.Context) error {
			return next.ProcessTask(ctx, task)
		})
	})
}

// Queue is a named job queue.
type Queue struct {
	name    string
	opts    QueueOptions
	manager *Manager
}

func (q *Queue) Name() string {
	return q.name
}

func (q *Queue) Options() QueueOptions {
	return q.opts
}

type jobOptions struct {
	delay    time.Duration
	attempts int
	id       string
}

type JobOption func(*jobOptions)

// WithDelay makes the job eligible only after d.
func WithDelay(d time.Duration) JobOption {
	return func(o *jobOptions) { o.delay = d }
}

// WithAttempts overrides the queue's MaxAttempts for one job.
func WithAttempts(n int) JobOption {
	return func(o *jobOptions) { o.attempts = n }
}

// WithJobID sets the job identifier; the broker rejects a second job with the same id
// while the first is still known to it.
func WithJobID(id string) JobOption {
	return func(o *jobOptions) { o.id = id }
}

// TaskOptions translates the queue defaults and job options into broker options.
func (q *Queue) TaskOptions(opts ...JobOption) []asynq.Option {
	o := jobOptions{attempts: q.opts.MaxAttempts}
	for _, opt := range opts {
		opt(&o)
	}

	retries := o.attempts - 1
	if retries < 0 {
		retries = 0
	}

	taskOpts := []asynq.Option{
		asynq.Queue(q.name),
		asynq.MaxRetry(retries),
		asynq.Retention(q.opts.Retention),
	}

	if q.opts.Timeout > 0 {
		taskOpts = append(taskOpts, asynq.Timeout(q.opts.Timeout))
	}

	if o.delay > 0 {
		taskOpts = append(taskOpts, asynq.ProcessIn(o.delay))
	}

	if o.id != "" {
		taskOpts = append(taskOpts, asynq.TaskID(o.id))
	}

	return taskOpts
}

// Add submits a job with a JSON-encoded payload.
func (q *Queue) Add(ctx context.Context, jobType string, payload any, opts ...JobOption) (*asynq.TaskInfo, error) {
	if err := q.manager.checkOpen(ctx); err != nil {
		return nil, err
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s payload: %w", jobType, err)
	}

	info, err := q.manager.client.EnqueueContext(ctx, asynq.NewTask(jobType, data), q.TaskOptions(opts...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue %s on %s: %w", jobType, q.name, err)
	}

	q.manager.telemetry.RecordJobEnqueued(ctx, q.name, jobType)

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "job enqueued",
		"queue", q.name, "job_type", jobType, "job_id", info.ID)

	return info, nil
}

// Process registers the processor for jobType. Jobs of that type use this queue's backoff.
func (q *Queue) Process(jobType string, handler asynq.HandlerFunc) {
	q.manager.mu.Lock()
	q.manager.jobQueues[jobType] = q.name
	q.manager.mu.Unlock()

	q.manager.mux.HandleFunc(jobType, handler)
}
