// SPDX-License-Identifier: GPL-3.0-or-later

// Package tracing wires an OpenTelemetry tracer provider for the worker
// process, grounded on jarrod-lowe-jmap-service-email's tracing.Init /
// tracing.Tracer pair, adapted from a per-Lambda-invocation provider to a
// single process-lifetime provider since the worker runs as a long-lived
// daemon rather than a Lambda handler.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Init builds a TracerProvider tagged with the service name and installs
// it as the global provider. Callers must call the returned shutdown func
// on SIGTERM to flush any pending spans.
func Init(ctx context.Context, serviceName string) (shutdown func(context.Context) error, err error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns a named tracer from the global provider.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// StartSpan opens spanName under the named tracer and returns the span
// alongside the context carrying it, the same `tracer.Start` call every
// handler in jarrod-lowe-jmap-service-email opens with. Callers defer
// span.End() immediately.
func StartSpan(ctx context.Context, tracerName, spanName string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, spanName)
}
