package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInit_EmptyEndpoint_ReturnsNoOpProvider(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "test-svc"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.NoError(t, shutdown(context.Background()))
	assert.NoError(t, shutdown(context.Background()))
	assert.NotNil(t, Tracer("test-tracer"))
}

func TestRunAndCallSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	ctx, run := StartRun(context.Background(), "lido-mainnet", "mainnet")
	_, call := StartOracleCall(ctx, 1)
	End(call, errors.New("execution reverted"))
	End(run, nil, attribute.Int("finalizer.iterations", 1))

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	callSpan, runSpan := spans[0], spans[1]
	assert.Equal(t, "finalization.oracle_call", callSpan.Name())
	assert.Equal(t, codes.Error, callSpan.Status().Code)
	assert.Equal(t, runSpan.SpanContext().SpanID(), callSpan.Parent().SpanID())

	assert.Equal(t, "finalization.run", runSpan.Name())
	assert.Equal(t, codes.Unset, runSpan.Status().Code)
	assert.Contains(t, runSpan.Attributes(), attribute.String("finalizer.queue", "lido-mainnet"))
	assert.Contains(t, runSpan.Attributes(), attribute.Int("finalizer.iterations", 1))
}
