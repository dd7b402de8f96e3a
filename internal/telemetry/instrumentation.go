package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Span attributes must stay low cardinality. Artifact ids, download ids,
// URLs and file paths belong in logs, not in attributes that feed metrics.

// InstrumentedFunc represents a function that can be instrumented.
type InstrumentedFunc func(ctx context.Context) error

// OutcomeFunc is an instrumented function that also reports a bounded outcome
// label such as a terminal download status.
type OutcomeFunc func(ctx context.Context) (string, error)

// InstrumentOperation instruments a generic operation with telemetry.
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
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"

		span.SetAttributes(attribute.Bool("error", true))
		span.SetStatus(codes.Error, err.Error())
	}

	span.SetAttributes(
		attribute.String("status", status),
		attribute.Float64("duration_seconds", duration.Seconds()),
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
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordDBOperation(operation, status, duration)

	return err
}

// InstrumentClientOperation instruments remote HTTP operations.
func (t *Telemetry) InstrumentClientOperation(ctx context.Context, client, operation string, fn InstrumentedFunc) error {
	if t == nil {
		return fn(ctx)
	}

	err := t.InstrumentOperation(ctx, "client_"+operation, "transfer_client", func(ctx context.Context) error {
		return fn(ctx)
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	t.RecordClientOperation(client, operation, status)

	return err
}

// InstrumentDownload wraps a whole transfer task. The outcome returned by fn
// is recorded as the status label of downloads_total.
func (t *Telemetry) InstrumentDownload(ctx context.Context, fn OutcomeFunc) error {
	if t == nil {
		_, err := fn(ctx)

		return err
	}

	start := time.Now()

	t.IncrementActiveDownloads()
	defer t.DecrementActiveDownloads()

	var outcome string

	err := t.InstrumentOperation(ctx, "download", "downloader", func(ctx context.Context) error {
		var err error

		outcome, err = fn(ctx)

		return err
	})

	if outcome == "" {
		outcome = "failed"
	}

	t.RecordDownload(outcome, time.Since(start))

	return err
}

// InstrumentVerification wraps a checksum comparison. fn reports whether the
// digest matched.
func (t *Telemetry) InstrumentVerification(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	if t == nil {
		return fn(ctx)
	}

	start := time.Now()

	var matched bool

	err := t.InstrumentOperation(ctx, "verify", "integrity", func(ctx context.Context) error {
		var err error

		matched, err = fn(ctx)

		return err
	})

	result := "match"

	switch {
	case err != nil:
		result = "error"
	case !matched:
		result = "mismatch"
	}

	t.RecordVerification(result, time.Since(start))

	return matched, err
}
