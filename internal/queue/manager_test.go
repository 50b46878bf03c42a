package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestManager() (*Manager, *fakeClient, *fakeInspector) {
	client := &fakeClient{}
	inspector := newFakeInspector()

	return NewManager(client, inspector, nil, DefaultQueueOptions()), client, inspector
}

func TestCreateQueue_Idempotent(t *testing.T) {
	m, _, _ := newTestManager()

	first, err := m.CreateQueue("offline-downloads", WithMaxAttempts(1), WithPriority(5))
	require.NoError(t, err)

	second, err := m.CreateQueue("offline-downloads", WithMaxAttempts(7))
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, second.Options().MaxAttempts)
	assert.Equal(t, []string{"offline-downloads"}, m.Names())
	assert.Equal(t, map[string]int{"offline-downloads": 5}, m.Priorities())
}

func TestQueue_AddAppliesDefaults(t *testing.T) {
	m, client, _ := newTestManager()
	q, err := m.CreateQueue("progress-calculation")
	require.NoError(t, err)

	info, err := q.Add(context.Background(), "progress:calculate", map[string]string{"userId": "u1"})
	require.NoError(t, err)
	assert.Equal(t, "job-1", info.ID)

	require.Len(t, client.jobs, 1)
	job := client.jobs[0]
	assert.Equal(t, "progress:calculate", job.task.Type())
	assert.JSONEq(t, `{"userId":"u1"}`, string(job.task.Payload()))
	assert.Equal(t, "progress-calculation", optionValue(job.opts, asynq.QueueOpt))
	assert.Equal(t, 2, optionValue(job.opts, asynq.MaxRetryOpt))
	assert.Equal(t, 24*time.Hour, optionValue(job.opts, asynq.RetentionOpt))
	assert.Nil(t, optionValue(job.opts, asynq.ProcessInOpt))
	assert.Nil(t, optionValue(job.opts, asynq.TaskIDOpt))
}

func TestQueue_AddJobOptions(t *testing.T) {
	m, client, _ := newTestManager()
	q, err := m.CreateQueue("offline-downloads", WithTimeout(time.Minute))
	require.NoError(t, err)

	info, err := q.Add(context.Background(), "download:offline", struct{}{},
		WithDelay(10*time.Second), WithAttempts(1), WithJobID("abc"))
	require.NoError(t, err)
	assert.Equal(t, "abc", info.ID)

	opts := client.jobs[0].opts
	assert.Equal(t, 10*time.Second, optionValue(opts, asynq.ProcessInOpt))
	assert.Equal(t, 0, optionValue(opts, asynq.MaxRetryOpt))
	assert.Equal(t, "abc", optionValue(opts, asynq.TaskIDOpt))
	assert.Equal(t, time.Minute, optionValue(opts, asynq.TimeoutOpt))
}

func TestQueue_AddBrokerError(t *testing.T) {
	m, client, _ := newTestManager()
	client.err = errors.New("connection refused")
	q, err := m.CreateQueue("cleanup")
	require.NoError(t, err)

	_, err = q.Add(context.Background(), "maintenance:cleanup", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, client.err)
	assert.Contains(t, err.Error(), "cleanup")
}

func TestProcess_Dispatches(t *testing.T) {
	m, _, _ := newTestManager()
	q, err := m.CreateQueue("cleanup")
	require.NoError(t, err)

	var got string

	q.Process("maintenance:cleanup", func(_ context.Context, task *asynq.Task) error {
		got = string(task.Payload())
		return nil
	})

	err = m.Handler().ProcessTask(context.Background(), asynq.NewTask("maintenance:cleanup", []byte(`{"kind":"x"}`)))
	require.NoError(t, err)
	assert.Equal(t, `{"kind":"x"}`, got)
}

func TestRetryDelay(t *testing.T) {
	m, _, _ := newTestManager()
	q, err := m.CreateQueue("progress-calculation", WithBackoffBase(2*time.Second))
	require.NoError(t, err)
	q.Process("progress:calculate", func(context.Context, *asynq.Task) error { return nil })

	task := asynq.NewTask("progress:calculate", nil)
	assert.Equal(t, 2*time.Second, m.RetryDelay(0, nil, task))
	assert.Equal(t, 4*time.Second, m.RetryDelay(1, nil, task))
	assert.Equal(t, 8*time.Second, m.RetryDelay(2, nil, task))
	assert.Equal(t, MaxBackoff, m.RetryDelay(20, nil, task))

	assert.Positive(t, m.RetryDelay(0, nil, asynq.NewTask("unknown", nil)))
}

func TestStats(t *testing.T) {
	m, _, inspector := newTestManager()
	_, err := m.CreateQueue("offline-downloads")
	require.NoError(t, err)
	_, err = m.CreateQueue("cleanup")
	require.NoError(t, err)

	inspector.known = []string{"offline-downloads"}
	inspector.info["offline-downloads"] = &asynq.QueueInfo{
		Pending: 3, Active: 1, Completed: 7, Archived: 2, Scheduled: 4, Retry: 1, Paused: true,
	}

	stats, err := m.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []QueueStats{
		{Name: "cleanup"},
		{Name: "offline-downloads", Waiting: 3, Active: 1, Completed: 7, Failed: 2, Delayed: 5, Paused: true},
	}, stats)

	_, err = m.QueueStats(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestPauseResume(t *testing.T) {
	m, _, inspector := newTestManager()
	_, err := m.CreateQueue("cleanup")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Pause(ctx, "cleanup"))
	assert.True(t, inspector.paused["cleanup"])

	require.NoError(t, m.Resume(ctx, "cleanup"))
	assert.False(t, inspector.paused["cleanup"])

	assert.ErrorIs(t, m.Pause(ctx, "unknown"), ErrQueueNotFound)
	assert.ErrorIs(t, m.Resume(ctx, "unknown"), ErrQueueNotFound)
}

func TestClean(t *testing.T) {
	m, _, inspector := newTestManager()
	_, err := m.CreateQueue("cleanup")
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Now()

	inspector.completed = []*asynq.TaskInfo{
		{ID: "old", CompletedAt: now.Add(-2 * time.Hour)},
		{ID: "new", CompletedAt: now.Add(-time.Minute)},
	}
	inspector.archived = []*asynq.TaskInfo{
		{ID: "failed-old", LastFailedAt: now.Add(-3 * time.Hour)},
	}

	n, err := m.Clean(ctx, "cleanup", time.Hour, StateCompleted)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"old"}, inspector.deleted)

	n, err = m.Clean(ctx, "cleanup", time.Hour, StateFailed)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = m.Clean(ctx, "cleanup", time.Hour, JobState("active"))
	assert.Error(t, err)
}

func TestEmptyAndRemove(t *testing.T) {
	m, _, inspector := newTestManager()
	q, err := m.CreateQueue("cleanup")
	require.NoError(t, err)
	q.Process("maintenance:cleanup", func(context.Context, *asynq.Task) error { return nil })
	ctx := context.Background()

	inspector.pending, inspector.scheduled, inspector.retry = 2, 3, 1

	n, err := m.Empty(ctx, "cleanup")
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	require.NoError(t, m.Remove(ctx, "cleanup"))
	assert.Equal(t, []string{"cleanup"}, inspector.removed)

	_, err = m.Queue("cleanup")
	assert.ErrorIs(t, err, ErrQueueNotFound)
	assert.ErrorIs(t, m.Remove(ctx, "cleanup"), ErrQueueNotFound)
}

func TestShutdown_Idempotent(t *testing.T) {
	m, client, inspector := newTestManager()
	q, err := m.CreateQueue("cleanup")
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Shutdown())
	require.NoError(t, m.Shutdown())

	assert.Equal(t, 1, client.closed)
	assert.Equal(t, 1, inspector.closed)
	assert.Empty(t, m.Names())

	_, err = m.CreateQueue("cleanup")
	assert.ErrorIs(t, err, ErrClosed)

	_, err = q.Add(ctx, "maintenance:cleanup", nil)
	assert.ErrorIs(t, err, ErrClosed)

	_, err = m.Stats(ctx)
	assert.ErrorIs(t, err, ErrClosed)

	assert.ErrorIs(t, m.Pause(ctx, "cleanup"), ErrClosed)
}
