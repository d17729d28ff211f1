// Package assert evaluates invariants and returns errors instead of panicking.
//
// A failed assertion is logged, recorded on the active span and returned as an
// *AssertionError wrapping ErrAssertionFailed, so callers can treat broken
// invariants like any other validation failure.
package assert

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AssertionSpanEventName is the span event recorded for failed assertions.
const AssertionSpanEventName = "assertion.failed"

const maxValueLength = 200

// ErrAssertionFailed is the sentinel error for failed assertions.
var ErrAssertionFailed = errors.New("assertion failed")

// Logger defines the minimal logging interface required by assertions.
type Logger interface {
	Log(ctx context.Context, level log.Level, msg string, fields ...log.Field)
}

// Asserter evaluates invariants and emits telemetry on failure.
type Asserter struct {
	ctx       context.Context
	logger    Logger
	component string
	operation string
}

// AssertionError represents a failed assertion.
type AssertionError struct {
	Assertion string
	Message   string
	Component string
	Operation string
	Details   string
}

// Error returns the formatted assertion failure message.
func (entry *AssertionError) Error() string {
	if entry == nil {
		return ErrAssertionFailed.Error()
	}

	if entry.Details == "" {
		return "assertion failed: " + entry.Message
	}

	return "assertion failed: " + entry.Message + " (" + entry.Details + ")"
}

// Unwrap returns the sentinel assertion error for errors.Is.
func (entry *AssertionError) Unwrap() error {
	return ErrAssertionFailed
}

// New creates an Asserter labelled with component and operation.
func New(ctx context.Context, logger Logger, component, operation string) *Asserter {
	if ctx == nil {
		ctx = context.Background()
	}

	return &Asserter{ctx: ctx, logger: logger, component: component, operation: operation}
}

// That returns an error if ok is false.
func (asserter *Asserter) That(ctx context.Context, ok bool, msg string, kv ...any) error {
	if ok {
		return nil
	}

	return asserter.fail(ctx, "That", msg, kv...)
}

// NotNil returns an error if v is nil, including typed nils.
func (asserter *Asserter) NotNil(ctx context.Context, v any, msg string, kv ...any) error {
	if !nilcheck.Interface(v) {
		return nil
	}

	return asserter.fail(ctx, "NotNil", msg, kv...)
}

// NotEmpty returns an error if s is empty or whitespace.
func (asserter *Asserter) NotEmpty(ctx context.Context, s, msg string, kv ...any) error {
	if strings.TrimSpace(s) != "" {
		return nil
	}

	return asserter.fail(ctx, "NotEmpty", msg, kv...)
}

// NoError returns an error if err is not nil.
func (asserter *Asserter) NoError(ctx context.Context, err error, msg string, kv ...any) error {
	if err == nil {
		return nil
	}

	kv = append(kv, "error_type", fmt.Sprintf("%T", err), "error", err.Error())

	return asserter.fail(ctx, "NoError", msg, kv...)
}

// Never always fails. Use for unreachable branches.
func (asserter *Asserter) Never(ctx context.Context, msg string, kv ...any) error {
	return asserter.fail(ctx, "Never", msg, kv...)
}

func (asserter *Asserter) fail(ctx context.Context, assertion, msg string, kv ...any) error {
	var logger Logger

	var component, operation string

	if asserter != nil {
		if ctx == nil {
			ctx = asserter.ctx
		}

		logger, component, operation = asserter.logger, asserter.component, asserter.operation
	}

	if ctx == nil {
		ctx = context.Background()
	}

	details := formatKeyValues(kv)

	if logger != nil {
		logger.Log(ctx, log.LevelError, "assertion failed",
			log.String("assertion", assertion),
			log.String("component", component),
			log.String("operation", operation),
			log.String("message", msg),
			log.String("details", details),
		)
	}

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.AddEvent(AssertionSpanEventName, trace.WithAttributes(
			attribute.String("assertion.type", assertion),
			attribute.String("assertion.component", component),
			attribute.String("assertion.operation", operation),
			attribute.String("assertion.message", msg),
		))
	}

	return &AssertionError{
		Assertion: assertion,
		Message:   msg,
		Component: component,
		Operation: operation,
		Details:   details,
	}
}

func formatKeyValues(kv []any) string {
	if len(kv) == 0 {
		return ""
	}

	parts := make([]string, 0, (len(kv)+1)/2)

	for i := 0; i < len(kv); i += 2 {
		key := fmt.Sprintf("%v", kv[i])

		value := "<missing>"
		if i+1 < len(kv) {
			value = truncateValue(kv[i+1])
		}

		parts = append(parts, key+"="+value)
	}

	return strings.Join(parts, " ")
}

func truncateValue(v any) string {
	s := fmt.Sprintf("%v", v)
	if len(s) > maxValueLength {
		return s[:maxValueLength] + "...(truncated)"
	}

	return s
}
