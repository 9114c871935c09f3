// Package telemetry wraps OpenTelemetry tracing for reconciliation passes.
package telemetry

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// TracerName is the instrumentation scope of every keelhaul span.
	TracerName = "keelhaul"

	PassIDKey      = "keelhaul.pass.id"
	ServiceIDKey   = "keelhaul.service.id"
	ServiceNameKey = "keelhaul.service.name"
	OutcomeKey     = "keelhaul.outcome"
	ReasonKey      = "keelhaul.reason"
	ImageKey       = "keelhaul.image"
)

// Operation is a root span plus helpers for child steps.
type Operation struct {
	ctx    context.Context
	tracer trace.Tracer
	span   trace.Span
}

// Start opens a root span named operation. A nil tracer yields a no-op
// Operation, so callers never need to branch on tracing being configured.
func Start(ctx context.Context, tracer trace.Tracer, operation string, attrs ...attribute.KeyValue) *Operation {
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer(TracerName)
	}
	operation = strings.TrimSpace(operation)
	if operation == "" {
		operation = "operation"
	}
	spanCtx, span := tracer.Start(ctx, operation, trace.WithAttributes(attrs...))
	return &Operation{ctx: spanCtx, tracer: tracer, span: span}
}

func (o *Operation) Context() context.Context {
	if o == nil {
		return context.Background()
	}
	return o.ctx
}

// RunStep runs fn inside a child span named id. fn's error is recorded on
// the span and returned unchanged.
func (o *Operation) RunStep(ctx context.Context, id string, fn func(context.Context) error, attrs ...attribute.KeyValue) error {
	if fn == nil {
		return nil
	}
	stepID := strings.TrimSpace(id)
	if stepID == "" {
		return fmt.Errorf("run telemetry step: step id is required")
	}
	if o == nil || o.tracer == nil {
		return fn(ctx)
	}
	if ctx == nil {
		ctx = o.ctx
	}

	stepCtx, span := o.tracer.Start(ctx, stepID, trace.WithAttributes(attrs...))
	defer span.End()

	if err := fn(stepCtx); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
		return err
	}
	return nil
}

// Annotate adds attributes to the root span.
func (o *Operation) Annotate(attrs ...attribute.KeyValue) {
	if o == nil || o.span == nil {
		return
	}
	o.span.SetAttributes(attrs...)
}

func (o *Operation) End(err error) {
	if o == nil || o.span == nil {
		return
	}
	if err != nil {
		o.span.RecordError(err)
		o.span.SetStatus(codes.Error, strings.TrimSpace(err.Error()))
	}
	o.span.End()
}
