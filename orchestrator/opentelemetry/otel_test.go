//go:build unit

package opentelemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestInitializeTelemetry_Disabled(t *testing.T) {
	t.Parallel()

	_, err := InitializeTelemetry(context.Background(), nil)
	require.ErrorIs(t, err, ErrNilTelemetryConfig)

	_, err = InitializeTelemetry(context.Background(), &TelemetryConfig{})
	require.ErrorIs(t, err, ErrNilTelemetryLogger)

	tl, err := InitializeTelemetry(context.Background(), &TelemetryConfig{
		LibraryName: "orchestrator",
		Logger:      log.NewNop(),
	})
	require.NoError(t, err)
	require.NotNil(t, tl.Tracer())
	require.NotNil(t, tl.LoggerProvider)
	require.NoError(t, tl.ShutdownTelemetry(context.Background()))
}

func TestHandleSpanError(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	HandleSpanError(span, "delivery failed", errors.New("boom"))
	HandleSpanError(span, "ignored", nil)
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "delivery failed: boom", spans[0].Status().Description)
	assert.Len(t, spans[0].Events(), 1)
}

func TestQueueTraceContextRoundTrip(t *testing.T) {
	otel.SetTextMapPropagator(propagation.TraceContext{})

	tp := sdktrace.NewTracerProvider()
	ctx, span := tp.Tracer("test").Start(context.Background(), "publish")
	defer span.End()

	headers := InjectQueueTraceContext(ctx)
	require.Contains(t, headers, "traceparent")

	amqpHeaders := PrepareQueueHeaders(ctx, map[string]any{"event_type": "contract.signed"})
	assert.Equal(t, "contract.signed", amqpHeaders["event_type"])
	assert.Equal(t, headers["traceparent"], amqpHeaders["traceparent"])

	extracted := ExtractQueueTraceContext(context.Background(), headers)
	assert.Equal(t, span.SpanContext().TraceID(), trace.SpanContextFromContext(extracted).TraceID())
	assert.Equal(t, context.Background(), ExtractQueueTraceContext(context.Background(), nil))
}
