package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const defaultInstrumentationName = "orchestrator.default"

// ErrNilParentContext indicates that a nil parent context was provided.
var ErrNilParentContext = errors.New("cannot create context from nil parent")

type customContextKey string

// CustomContextKey is the context key used to store CustomContextKeyValue.
var CustomContextKey = customContextKey("custom_context")

// CustomContextKeyValue holds the request-scoped facilities attached to context.
type CustomContextKeyValue struct {
	HeaderID string
	Tracer   trace.Tracer
	Logger   log.Logger
	Meter    metric.Meter
}

func valuesFrom(ctx context.Context) *CustomContextKeyValue {
	values, _ := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if values == nil {
		return &CustomContextKeyValue{}
	}

	clone := *values

	return &clone
}

// ContextWithLogger returns a context carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	values := valuesFrom(ctx)
	values.Logger = logger

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithTracer returns a context carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	values := valuesFrom(ctx)
	values.Tracer = tracer

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithMeter returns a context carrying meter.
func ContextWithMeter(ctx context.Context, meter metric.Meter) context.Context {
	values := valuesFrom(ctx)
	values.Meter = meter

	return context.WithValue(ctx, CustomContextKey, values)
}

// ContextWithHeaderID returns a context carrying the correlation id.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	values := valuesFrom(ctx)
	values.HeaderID = strings.TrimSpace(headerID)

	return context.WithValue(ctx, CustomContextKey, values)
}

// HeaderIDFromContext returns the correlation id stored in ctx, if any.
// Unlike NewTrackingFromContext it never generates one.
func HeaderIDFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}

	values, ok := ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	if !ok || values == nil || values.HeaderID == "" {
		return "", false
	}

	return values.HeaderID, true
}

// NewLoggerFromContext returns the logger stored in ctx or a no-op logger.
//
//nolint:ireturn
func NewLoggerFromContext(ctx context.Context) log.Logger {
	logger, _, _, _ := NewTrackingFromContext(ctx)

	return logger
}

// NewTrackingFromContext extracts logger, tracer, correlation id and meter from
// ctx. Missing components fall back to a no-op logger, the global tracer and
// meter providers and a fresh UUID.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string, metric.Meter) {
	var values *CustomContextKeyValue

	if ctx != nil {
		values, _ = ctx.Value(CustomContextKey).(*CustomContextKeyValue)
	}

	if values == nil {
		values = &CustomContextKeyValue{}
	}

	logger := values.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := values.Tracer
	if tracer == nil {
		tracer = otel.Tracer(defaultInstrumentationName)
	}

	headerID := values.HeaderID
	if headerID == "" {
		headerID = uuid.NewString()
	}

	meter := values.Meter
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(defaultInstrumentationName)
	}

	return logger, tracer, headerID, meter
}

// WithTimeoutSafe wraps context.WithTimeout, keeping an earlier parent deadline.
func WithTimeoutSafe(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc, error) {
	if parent == nil {
		return nil, nil, ErrNilParentContext
	}

	if deadline, ok := parent.Deadline(); ok && time.Until(deadline) < timeout {
		ctx, cancel := context.WithCancel(parent)

		return ctx, cancel, nil
	}

	ctx, cancel := context.WithTimeout(parent, timeout)

	return ctx, cancel, nil
}
