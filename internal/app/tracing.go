package app

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/i-melnichenko/bft-lab/internal/consensus"
)

type shutdownFunc func(context.Context) error

func noopShutdown(context.Context) error { return nil }

// initTracing installs a global OTLP/gRPC tracer provider. The kv store,
// kv service, and gRPC transport pick it up through otel.Tracer.
func (a *App) initTracing(ctx context.Context) (shutdownFunc, error) {
	if !a.config.TracingEnabled {
		return noopShutdown, nil
	}

	exporter, err := otlptracegrpc.New(
		ctx,
		otlptracegrpc.WithEndpoint(a.config.TracingEndpoint),
		otlptracegrpc.WithInsecure(),
		otlptracegrpc.WithTimeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("init tracing exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(a.replicaAttributes()...))
	if err != nil {
		_ = exporter.Shutdown(ctx)
		return nil, fmt.Errorf("init tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(a.config.TracingSampleRatio))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	a.logger.Info(
		"tracing enabled",
		"exporter", "otlp/grpc",
		"endpoint", a.config.TracingEndpoint,
		"service_name", a.config.TracingServiceName,
		"sample_ratio", a.config.TracingSampleRatio,
	)
	return tp.Shutdown, nil
}

func (a *App) replicaAttributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("service.name", a.config.TracingServiceName),
		attribute.String("service.instance.id", consensus.ReplicaIdentity(a.config.ReplicaIndex)),
		attribute.String("bft.protocol", string(a.config.Protocol)),
		attribute.String("bft.application", string(a.config.Application)),
		attribute.Int("bft.replicas", len(a.config.Replicas)),
		attribute.Int("bft.f", a.config.F),
	}
}
