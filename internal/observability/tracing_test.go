package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewTracerProvider_DisabledIsNoop(t *testing.T) {
	tp, err := NewTracerProvider(TracingConfig{Enabled: false})
	require.NoError(t, err)

	ctx, span := tp.StartSpan(context.Background(), SpanSessionRun)
	assert.NotNil(t, ctx)
	assert.False(t, span.SpanContext().IsValid(), "disabled tracing must not produce real spans")
	span.End()

	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpan_RecordsSessionAttributes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tp := WithTracer(provider.Tracer("test"))

	_, span := tp.StartSpan(context.Background(), SpanSessionRun,
		SessionAttrs("session-abc", "outline:wf-1")...)
	span.End()

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, SpanSessionRun, ended[0].Name())

	attrs := make(map[attribute.Key]string)
	for _, kv := range ended[0].Attributes() {
		attrs[kv.Key] = kv.Value.AsString()
	}
	assert.Equal(t, "session-abc", attrs[attribute.Key(AttrSessionID)])
	assert.Equal(t, "outline:wf-1", attrs[attribute.Key(AttrSubjectKey)])
}
