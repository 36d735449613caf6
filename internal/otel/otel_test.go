package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	eventbus "github.com/hanpama/protosync/internal/eventbus"
	events "github.com/hanpama/protosync/internal/events"
	reqid "github.com/hanpama/protosync/internal/reqid"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup("", "protosync", true)
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSubscriberNestsRPCUnderSyncSpan(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	sub := &subscriber{tracer: tp.Tracer("test")}
	defer sub.register()()

	ctx, _ := reqid.NewContext(context.Background())
	eventbus.Publish(ctx, events.SyncStart{Protocol: "tasks", Op: "put", Path: "task"})
	eventbus.Publish(ctx, events.RemoteCallStart{Protocol: "tasks", Method: "Put", Target: "bufnet"})
	eventbus.Publish(ctx, events.RemoteCallFinish{Protocol: "tasks", Method: "Put", Target: "bufnet"})
	eventbus.Publish(ctx, events.BroadcastPublished{Channel: "tasks.update", Origin: "m-1"})
	eventbus.Publish(ctx, events.SyncFinish{Protocol: "tasks", Op: "put", Path: "task", Err: errors.New("boom")})

	ended := rec.Ended()
	require.Len(t, ended, 2)
	rpc, syncSpan := ended[0], ended[1]
	require.Equal(t, "grpc.client", rpc.Name())
	require.Equal(t, "sync.put", syncSpan.Name())
	require.Equal(t, syncSpan.SpanContext().SpanID(), rpc.Parent().SpanID())
	require.Len(t, syncSpan.Events(), 2) // broadcast.publish + recorded error
}

func TestSubscriberRecordsServerSpans(t *testing.T) {
	eventbus.Use(eventbus.New())
	defer eventbus.Use(nil)

	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	sub := &subscriber{tracer: tp.Tracer("test")}
	defer sub.register()()

	ctx, _ := reqid.NewContext(context.Background())
	eventbus.Publish(ctx, events.ResourceStart{Protocol: "tasks", Method: "Delete"})
	eventbus.Publish(ctx, events.ResourceFinish{Protocol: "tasks", Method: "Delete", Err: errors.New("gone")})

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "grpc.server", ended[0].Name())
	require.Equal(t, "gone", ended[0].Status().Description)
}
