package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes here feed metrics, so they only take bounded values: operation names, job types,
// statuses. User, audiobook and download ids belong in logs.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

func statusOf(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}

// InstrumentOperation wraps fn in a span tagged with the component and outcome.
func (t *Telemetry) InstrumentOperation(ctx context.Context, operationName, component string, fn InstrumentedFunc) error {
	if t == nil || t.tracer == nil {
		return fn(ctx)
	}

	start := time.Now()
	ctx, span := t.tracer.Start(ctx, operationName)

	defer span.End()

	span.SetAttributes(
		attribute.String("component", component),
		attribute.String("operation", operationName),
	)

	err := fn(ctx)
	if err != nil {
		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", statusOf(err)),
		attribute.Float64("duration_seconds", time.Since(start).Seconds()),
	)

	return err
}

// InstrumentDBOperation instruments database operations.
func (t *Telemetry) InstrumentDBOperation(ctx context.Context, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "db_"+operation, "database", fn)

	t.RecordDBOperation(ctx, operation, statusOf(err), time.Since(start))

	return err
}

// InstrumentJob instruments one processor run.
func (t *Telemetry) InstrumentJob(ctx context.Context, jobType string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()
	err := t.InstrumentOperation(ctx, "job_"+jobType, "jobs", fn)

	t.RecordJob(ctx, jobType, statusOf(err), time.Since(start))

	return err
}

// InstrumentTransfer instruments an offline-download transfer.
func (t *Telemetry) InstrumentTransfer(ctx context.Context, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	t.IncrementActiveDownloads(ctx)
	defer t.DecrementActiveDownloads(ctx)

	return t.InstrumentOperation(ctx, "transfer", "downloads", fn)
}
