package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/telemetry"
)

// WorkerConfig configures the job worker.
type WorkerConfig struct {
	Concurrency     int
	ShutdownTimeout time.Duration
}

// Worker runs the processors registered on a Manager.
type Worker struct {
	server  *asynq.Server
	handler asynq.Handler
	ctx     context.Context
}

// NewWorker builds a worker for every queue registered on m so far. Register the queues
// before building the worker.
func NewWorker(ctx context.Context, redisOpt asynq.RedisConnOpt, m *Manager, cfg WorkerConfig, tel *telemetry.Telemetry) *Worker {
	logger := logctx.LoggerFromContext(ctx)

	w := &Worker{handler: m.Handler(), ctx: ctx}
	w.server = asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.Concurrency,
		Queues:          m.Priorities(),
		RetryDelayFunc:  m.RetryDelay,
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          NewLogger(logger),
		BaseContext:     func() context.Context { return w.ctx },
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)

			logctx.LoggerFromContext(ctx).ErrorContext(ctx, "job failed",
				"job_type", task.Type(), "retried", retried, "max_retry", maxRetry, "err", err)

			tel.RecordSystemError(ctx, "jobs", task.Type())
		}),
	})

	return w
}

// Run processes jobs until ctx is cancelled, then waits for running jobs to finish.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.handler); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "job worker started")

	<-ctx.Done()

	w.server.Shutdown()

	return nil
}

// Logger adapts slog to the broker's logger interface.
type Logger struct {
	logger *slog.Logger
}

func NewLogger(logger *slog.Logger) *Logger {
	return &Logger{logger: logger.With("component", "asynq")}
}

func (l *Logger) Debug(args ...any) {
	l.logger.Debug(fmt.Sprint(args...))
}

func (l *Logger) Info(args ...any) {
	l.logger.Info(fmt.Sprint(args...))
}

func (l *Logger) Warn(args ...any) {
	l.logger.Warn(fmt.Sprint(args...))
}

func (l *Logger) Error(args ...any) {
	l.logger.Error(fmt.Sprint(args...))
}

// Fatal logs at error level. The broker calls it before exiting on unrecoverable errors.
func (l *Logger) Fatal(args ...any) {
	l.logger.Error(fmt.Sprint(args...), "fatal", true)
}
