package queue

import (
	"context"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduledJobID_Stable(t *testing.T) {
	a := ScheduledJobID("cleanup", "maintenance:cleanup", "0 2 * * *", []byte(`{"kind":"expired_downloads"}`))
	b := ScheduledJobID("cleanup", "maintenance:cleanup", "0 2 * * *", []byte(`{"kind":"expired_downloads"}`))
	c := ScheduledJobID("cleanup", "maintenance:cleanup", "0 3 * * 0", []byte(`{"kind":"expired_downloads"}`))

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 40)
}

func TestScheduler_RegisterOnce(t *testing.T) {
	m, _, _ := newTestManager()
	_, err := m.CreateQueue("cleanup")
	require.NoError(t, err)

	registrar := &fakeRegistrar{}
	s := NewScheduler(m, registrar)
	payload := map[string]string{"kind": "inactive_sessions"}

	id, err := s.Register("0 */6 * * *", "cleanup", "maintenance:cleanup", payload)
	require.NoError(t, err)

	again, err := s.Register("0 */6 * * *", "cleanup", "maintenance:cleanup", payload)
	require.NoError(t, err)

	assert.Equal(t, id, again)
	require.Len(t, registrar.registered, 1)
	assert.Equal(t, 1, s.Entries())

	reg := registrar.registered[0]
	assert.Equal(t, "0 */6 * * *", reg.cronspec)
	assert.Equal(t, id, optionValue(reg.opts, asynq.TaskIDOpt))
	assert.Equal(t, "cleanup", optionValue(reg.opts, asynq.QueueOpt))
	assert.Equal(t, time.Duration(0), optionValue(reg.opts, asynq.RetentionOpt))
}

func TestScheduler_UnknownQueue(t *testing.T) {
	m, _, _ := newTestManager()
	s := NewScheduler(m, &fakeRegistrar{})

	_, err := s.Register("* * * * *", "nope", "x", nil)
	assert.ErrorIs(t, err, ErrQueueNotFound)
}

func TestScheduler_Run(t *testing.T) {
	m, _, _ := newTestManager()
	registrar := &fakeRegistrar{}
	s := NewScheduler(m, registrar)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.NoError(t, s.Run(ctx))
	assert.True(t, registrar.started)
	assert.True(t, registrar.stopped)
}

func TestHandleScheduleConflict(t *testing.T) {
	ctx := context.Background()
	task := asynq.NewTask("progress:calculate", nil)
	opts := []asynq.Option{asynq.Queue("progress-calculation"), asynq.TaskID("done")}

	t.Run("finished run is cleared", func(t *testing.T) {
		m, _, inspector := newTestManager()
		inspector.tasks["done"] = &asynq.TaskInfo{ID: "done", State: asynq.TaskStateArchived}

		m.handleScheduleConflict(ctx, task, opts, asynq.ErrTaskIDConflict)
		assert.Equal(t, []string{"done"}, inspector.deleted)
	})

	t.Run("in-flight run is kept", func(t *testing.T) {
		m, _, inspector := newTestManager()
		inspector.tasks["done"] = &asynq.TaskInfo{ID: "done", State: asynq.TaskStateActive}

		m.handleScheduleConflict(ctx, task, opts, asynq.ErrTaskIDConflict)
		assert.Empty(t, inspector.deleted)
	})

	t.Run("other errors only logged", func(t *testing.T) {
		m, _, inspector := newTestManager()

		m.handleScheduleConflict(ctx, task, opts, assert.AnError)
		assert.Empty(t, inspector.deleted)
	})
}
