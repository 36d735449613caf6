package otel

import (
	"context"
	"sync"

	eventbus "github.com/hanpama/protosync/internal/eventbus"
	events "github.com/hanpama/protosync/internal/events"
	reqid "github.com/hanpama/protosync/internal/reqid"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"
)

// Setup configures OpenTelemetry and attaches eventbus subscribers.
// If endpoint is empty, no telemetry is configured. insecure disables TLS
// towards the collector.
func Setup(endpoint, service string, insecure bool) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exp, err := otlptracegrpc.New(context.Background(), opts...)
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

	sub := &subscriber{tracer: otel.Tracer("protosync")}
	unsub := sub.register()

	return func(ctx context.Context) error {
		unsub()
		return tp.Shutdown(ctx)
	}, nil
}

type subscriber struct {
	tracer    trace.Tracer
	syncSpans sync.Map // rid -> trace.Span
	rpcSpans  sync.Map // rid -> trace.Span
	srvSpans  sync.Map // rid -> trace.Span
}

func (s *subscriber) register() (unsubscribe func()) {
	unsubs := []func(){
		eventbus.Subscribe(func(ctx context.Context, e events.SyncStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "sync."+e.Op)
			span.SetAttributes(
				attribute.String("sync.protocol", e.Protocol),
				attribute.String("sync.path", e.Path),
			)
			s.syncSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.SyncFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.syncSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.RemoteCallStart) {
			rid, _ := reqid.FromContext(ctx)
			parent := ctx
			if v, ok := s.syncSpans.Load(rid); ok {
				parent = trace.ContextWithSpan(ctx, v.(trace.Span))
			}
			_, span := s.tracer.Start(parent, "grpc.client")
			span.SetAttributes(
				semconv.RPCServiceKey.String(e.Protocol),
				semconv.RPCMethodKey.String(e.Method),
				attribute.String("net.peer.name", e.Target),
			)
			s.rpcSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.RemoteCallFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.rpcSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
			if e.Err != nil {
				span.RecordError(e.Err)
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.ResourceStart) {
			rid, _ := reqid.FromContext(ctx)
			_, span := s.tracer.Start(ctx, "grpc.server", trace.WithSpanKind(trace.SpanKindServer))
			span.SetAttributes(
				semconv.RPCServiceKey.String(e.Protocol),
				semconv.RPCMethodKey.String(e.Method),
			)
			s.srvSpans.Store(rid, span)
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.ResourceFinish) {
			rid, _ := reqid.FromContext(ctx)
			v, ok := s.srvSpans.LoadAndDelete(rid)
			if !ok {
				return
			}
			span := v.(trace.Span)
			span.SetAttributes(attribute.String("grpc.code", e.Code.String()))
			if e.Err != nil {
				span.RecordError(e.Err)
				span.SetStatus(codes.Error, e.Err.Error())
			}
			span.End()
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.BroadcastPublished) {
			rid, _ := reqid.FromContext(ctx)
			if v, ok := s.syncSpans.Load(rid); ok {
				v.(trace.Span).AddEvent("broadcast.publish", trace.WithAttributes(
					attribute.String("broadcast.channel", e.Channel),
					attribute.String("broadcast.origin", e.Origin),
				))
			}
		}),

		eventbus.Subscribe(func(ctx context.Context, e events.BroadcastSuppressed) {
			trace.SpanFromContext(ctx).AddEvent("broadcast.suppressed", trace.WithAttributes(
				attribute.String("broadcast.channel", e.Channel),
				attribute.String("broadcast.origin", e.Origin),
			))
		}),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
