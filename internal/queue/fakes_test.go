package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/hibiken/asynq"
)

type enqueued struct {
	task *asynq.Task
	opts []asynq.Option
}

type fakeClient struct {
	mu     sync.Mutex
	jobs   []enqueued
	err    error
	closed int
}

func (c *fakeClient) EnqueueContext(_ context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}

	c.jobs = append(c.jobs, enqueued{task: task, opts: opts})

	info := &asynq.TaskInfo{ID: "job-1", Type: task.Type(), Payload: task.Payload()}
	if id, ok := optionValue(opts, asynq.TaskIDOpt).(string); ok {
		info.ID = id
	}

	return info, nil
}

func (c *fakeClient) Close() error {
	c.closed++
	return nil
}

func optionValue(opts []asynq.Option, typ asynq.OptionType) any {
	var v any
	for _, o := range opts {
		if o.Type() == typ {
			v = o.Value()
		}
	}

	return v
}

type fakeInspector struct {
	known     []string
	info      map[string]*asynq.QueueInfo
	tasks     map[string]*asynq.TaskInfo
	paused    map[string]bool
	completed []*asynq.TaskInfo
	archived  []*asynq.TaskInfo
	deleted   []string
	removed   []string
	pending   int
	scheduled int
	retry     int
	closed    int
}

func newFakeInspector() *fakeInspector {
	return &fakeInspector{
		info:   make(map[string]*asynq.QueueInfo),
		tasks:  make(map[string]*asynq.TaskInfo),
		paused: make(map[string]bool),
	}
}

func (i *fakeInspector) Queues() ([]string, error) { return i.known, nil }

func (i *fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := i.info[queue]
	if !ok {
		return nil, asynq.ErrQueueNotFound
	}

	return info, nil
}

func (i *fakeInspector) GetTaskInfo(_, id string) (*asynq.TaskInfo, error) {
	t, ok := i.tasks[id]
	if !ok {
		return nil, asynq.ErrTaskNotFound
	}

	return t, nil
}

func (i *fakeInspector) PauseQueue(queue string) error {
	i.paused[queue] = true
	return nil
}

func (i *fakeInspector) UnpauseQueue(queue string) error {
	delete(i.paused, queue)
	return nil
}

func (i *fakeInspector) DeleteAllPendingTasks(string) (int, error)   { return i.pending, nil }
func (i *fakeInspector) DeleteAllScheduledTasks(string) (int, error) { return i.scheduled, nil }
func (i *fakeInspector) DeleteAllRetryTasks(string) (int, error)     { return i.retry, nil }

func (i *fakeInspector) DeleteQueue(queue string, _ bool) error {
	i.removed = append(i.removed, queue)
	return nil
}

func (i *fakeInspector) ListCompletedTasks(_ string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return i.completed, nil
}

func (i *fakeInspector) ListArchivedTasks(_ string, _ ...asynq.ListOption) ([]*asynq.TaskInfo, error) {
	return i.archived, nil
}

func (i *fakeInspector) DeleteTask(_, id string) error {
	if id == "" {
		return errors.New("empty id")
	}

	i.deleted = append(i.deleted, id)

	return nil
}

func (i *fakeInspector) Close() error {
	i.closed++
	return nil
}

type registration struct {
	cronspec string
	task     *asynq.Task
	opts     []asynq.Option
}

type fakeRegistrar struct {
	registered []registration
	started    bool
	stopped    bool
}

func (r *fakeRegistrar) Register(cronspec string, task *asynq.Task, opts ...asynq.Option) (string, error) {
	r.registered = append(r.registered, registration{cronspec: cronspec, task: task, opts: opts})
	return "entry", nil
}

func (r *fakeRegistrar) Start() error {
	r.started = true
	return nil
}

func (r *fakeRegistrar) Shutdown() {
	r.stopped = true
}
