package pubsub

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupTracing_DisabledIsNoop(t *testing.T) {
	tracer, shutdown, err := SetupTracing(context.Background(), TracingConfig{})
	require.NoError(t, err)
	defer shutdown()

	_, span := tracer.Start(context.Background(), "ignored")
	assert.False(t, span.SpanContext().IsValid())
	span.End()
}

func TestBridge_TracesPublishAndHandling(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	defer tp.Shutdown(context.Background())

	bus := NewWatermillBridge(WithTracer(tp.Tracer("test")))
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan struct{}, 1)
	require.NoError(t, Subscribe(ctx, bus, testTopic, func(context.Context, notice) error {
		got <- struct{}{}
		return nil
	}))
	require.NoError(t, Publish(ctx, bus, testTopic, notice{ChannelID: "general", Text: "hi"}, "channel_id", "general"))

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
	}

	require.Eventually(t, func() bool {
		names := map[string]bool{}
		for _, s := range recorder.Ended() {
			names[s.Name()] = true
		}
		return names["bus.publish.chatsync.test.notice"] && names["bus.process.chatsync.test.notice"]
	}, 2*time.Second, 10*time.Millisecond)
}
