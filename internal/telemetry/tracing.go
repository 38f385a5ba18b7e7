/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing shared by all five
// Janitor components (state store, event bus, runner, publisher, differ).
//
// Each suspension point (a DB round trip, an HTTP publish call, a
// subprocess invocation) gets its own span, named "<component>.<op>".
// Custom span attributes use the `janitor.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "janitor-project.io/janitor"
)

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC exporter.
// If endpoint is empty, tracing is disabled (noop provider is used).
// Returns a shutdown function that must be called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("janitor"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for a worker run assignment.
func StartRunSpan(ctx context.Context, codebase, campaign string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "runner.assign",
		trace.WithAttributes(
			attribute.String("janitor.codebase", codebase),
			attribute.String("janitor.campaign", campaign),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// EndRunSpan enriches a run span with its terminal result code.
func EndRunSpan(span trace.Span, resultCode string, transient bool) {
	span.SetAttributes(
		attribute.String("janitor.result_code", resultCode),
		attribute.Bool("janitor.transient", transient),
	)
	span.End()
}

// StartPublishSpan creates a child span for one publish attempt.
func StartPublishSpan(ctx context.Context, codebase, campaign, role, mode string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "publisher.execute",
		trace.WithAttributes(
			attribute.String("janitor.codebase", codebase),
			attribute.String("janitor.campaign", campaign),
			attribute.String("janitor.role", role),
			attribute.String("janitor.mode", mode),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndPublishSpan enriches the publish span with its outcome.
func EndPublishSpan(span trace.Span, errorCode string, proposalURL string) {
	if errorCode != "" {
		span.SetAttributes(attribute.String("janitor.error_code", errorCode))
	}
	if proposalURL != "" {
		span.SetAttributes(attribute.String("janitor.proposal_url", proposalURL))
	}
	span.End()
}

// StartDiffSpan creates a child span for one debdiff/diffoscope computation.
func StartDiffSpan(ctx context.Context, kind, oldRunID, newRunID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "differ.compute",
		trace.WithAttributes(
			attribute.String("janitor.diff_kind", kind),
			attribute.String("janitor.old_run_id", oldRunID),
			attribute.String("janitor.new_run_id", newRunID),
		),
	)
}

// EndDiffSpan enriches the diff span with cache-hit and size outcome.
func EndDiffSpan(span trace.Span, cacheHit bool, outputBytes int) {
	span.SetAttributes(
		attribute.Bool("janitor.cache_hit", cacheHit),
		attribute.Int("janitor.output_bytes", outputBytes),
	)
	span.End()
}
