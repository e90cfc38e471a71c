package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/graphwatch/internal/eventbus"
	events "github.com/hanpama/graphwatch/internal/events"
	opid "github.com/hanpama/graphwatch/internal/opid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured.
func Setup(endpoint, service string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	exp, err := otlptracegrpc.New(context.Background(),
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithDialOption(grpc.WithInsecure()))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(service),
		)),
	)
	otel.SetTracerProvider(tp)

	sub := &subscriber{tracer: otel.Tracer("graphwatch")}
	sub.register()

	return tp.Shutdown, nil
}

type subscriber struct {
	tracer        trace.Tracer
	fetchSpans    sync.Map // opid -> trace.Span
	mutationSpans sync.Map // opid -> trace.Span
}

func (s *subscriber) register() {
	eventbus.Subscribe(func(ctx context.Context, e events.FetchStart) {
		id, _ := opid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "graphql.fetch")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.String("graphql.operation.type", e.OperationType),
			attribute.String("graphql.fetch_policy", e.FetchPolicy),
		)
		s.fetchSpans.Store(id, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.FetchFinish) {
		id, _ := opid.FromContext(ctx)
		v, ok := s.fetchSpans.LoadAndDelete(id)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphql.error_count", len(e.Errors)))
		for _, err := range e.Errors {
			span.RecordError(err)
		}
		span.End()
	})

	eventbus.Subscribe(func(ctx context.Context, e events.MutationStart) {
		id, _ := opid.FromContext(ctx)
		_, span := s.tracer.Start(ctx, "graphql.mutation")
		span.SetAttributes(
			attribute.String("graphql.operation.name", e.OperationName),
			attribute.Bool("graphql.mutation.optimistic", e.Optimistic),
		)
		s.mutationSpans.Store(id, span)
	})

	eventbus.Subscribe(func(ctx context.Context, e events.MutationFinish) {
		id, _ := opid.FromContext(ctx)
		v, ok := s.mutationSpans.LoadAndDelete(id)
		if !ok {
			return
		}
		span := v.(trace.Span)
		span.SetAttributes(attribute.Int("graphql.error_count", len(e.Errors)))
		span.End()
	})
}
