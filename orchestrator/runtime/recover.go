package runtime

import (
	"context"
	"fmt"
	"runtime/debug"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// PanicPolicy controls what happens after a panic has been recovered and logged.
type PanicPolicy int

const (
	// KeepRunning swallows the panic after logging it.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging it.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	if p == CrashProcess {
		return "crash_process"
	}

	return "keep_running"
}

// PanicError wraps a recovered panic value so it can flow through error returns.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it was an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}

	return nil
}

// RecoverAndLogWithContext recovers from a panic, logs it with the stack trace,
// records it on the active span and in the panic counter, and continues.
func RecoverAndLogWithContext(ctx context.Context, logger log.Logger, component, name string) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)
	}
}

// RecoverWithPolicyAndContext is RecoverAndLogWithContext with a configurable policy.
func RecoverWithPolicyAndContext(ctx context.Context, logger log.Logger, component, name string, policy PanicPolicy) {
	if recovered := recover(); recovered != nil {
		HandlePanicValue(ctx, logger, recovered, component, name)

		if policy == CrashProcess {
			panic(recovered)
		}
	}
}

// RecoverToError recovers a panic into *errp. Used where a panicking callback
// must become a regular failure instead of being swallowed.
func RecoverToError(ctx context.Context, logger log.Logger, component, name string, errp *error) {
	if recovered := recover(); recovered != nil {
		stack := debug.Stack()
		logPanicWithStack(ctx, logger, name, recovered, stack)
		recordPanicObservability(ctx, recovered, component, name)

		if errp != nil {
			*errp = &PanicError{Value: recovered, Stack: stack}
		}
	}
}

// HandlePanicValue processes a panic value that was already recovered elsewhere,
// for example by fiber's recover middleware.
func HandlePanicValue(ctx context.Context, logger log.Logger, panicValue any, component, name string) {
	stack := debug.Stack()
	logPanicWithStack(ctx, logger, name, panicValue, stack)
	recordPanicObservability(ctx, panicValue, component, name)
}

func logPanicWithStack(ctx context.Context, logger log.Logger, name string, panicValue any, stack []byte) {
	if logger == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	logger.Log(ctx, log.LevelError, "panic recovered",
		log.String("source", name),
		log.String("panic_value", fmt.Sprintf("%v", panicValue)),
		log.String("stack_trace", string(stack)),
	)
}

func recordPanicObservability(ctx context.Context, panicValue any, component, name string) {
	if ctx == nil {
		ctx = context.Background()
	}

	attrs := []attribute.KeyValue{
		attribute.String("component", component),
		attribute.String("goroutine_name", name),
	}

	if counter, err := panicCounter(); err == nil {
		counter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(append(attrs,
		attribute.String("panic.value", fmt.Sprintf("%v", panicValue)))...))
	span.SetStatus(codes.Error, "panic recovered in "+name)
}

func panicCounter() (metric.Int64Counter, error) {
	return otel.GetMeterProvider().
		Meter("orchestrator.runtime").
		Int64Counter("panic_recovered_total", metric.WithDescription("Total number of recovered panics"))
}
