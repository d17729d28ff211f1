package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/runtime"
)

// Wildcard subscribes a consumer to every event type.
const Wildcard = "*"

var (
	ErrRouterRequired           = errors.New("router is required")
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrHandlerNameRequired      = errors.New("handler name is required")
	ErrHandlerRequired          = errors.New("handler is required")
	ErrHandlerAlreadyRegistered = errors.New("handler already registered")
	ErrRecordRequired           = errors.New("outbox record is required")
)

// Handler consumes one outbox record.
type Handler func(ctx context.Context, record *outbox.OutboxRecord) error

// HandlerPanicError is a recovered consumer panic. It is transient: the
// record is retried and dead-lettered at the attempt ceiling.
type HandlerPanicError struct {
	Handler string
	Value   any
}

func (e *HandlerPanicError) Error() string {
	return fmt.Sprintf("handler %s panicked: %v", e.Handler, e.Value)
}

type registration struct {
	name    string
	handler Handler
}

// Router implements outbox.Deliverer.
type Router struct {
	mu       sync.RWMutex
	byType   map[string][]registration
	wildcard []registration
	names    map[string]string

	logger   log.Logger
	tracer   trace.Tracer
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

var _ outbox.Deliverer = (*Router)(nil)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the router logger.
func WithLogger(logger log.Logger) Option {
	return func(r *Router) {
		if !nilcheck.Interface(logger) {
			r.logger = logger
		}
	}
}

// WithTracer sets the router tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) {
		if !nilcheck.Interface(tracer) {
			r.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(r *Router) {
		if !nilcheck.Interface(provider) {
			r.initMetrics(provider)
		}
	}
}

// New returns an empty router.
func New(opts ...Option) *Router {
	r := &Router{
		byType: make(map[string][]registration),
		names:  make(map[string]string),
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("orchestrator.noop"),
	}

	r.initMetrics(otel.GetMeterProvider())

	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	return r
}

func (r *Router) initMetrics(provider metric.MeterProvider) {
	meter := provider.Meter("orchestrator.router")

	// Instrument errors leave the fields nil; recording is skipped then.
	r.duration, _ = meter.Float64Histogram("router.handler.duration",
		metric.WithDescription("Consumer execution time"),
		metric.WithUnit("s"),
	)
	r.failures, _ = meter.Int64Counter("router.handler.failures",
		metric.WithDescription("Consumer invocations that returned an error or panicked"),
		metric.WithUnit("{invocation}"),
	)
}

// Register adds handler under name for eventType, or for every type when
// eventType is Wildcard. Names identify completed deliveries, so a name may
// be registered only once across the router.
func (r *Router) Register(eventType, name string, handler Handler) error {
	if r == nil {
		return ErrRouterRequired
	}

	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return ErrEventTypeRequired
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return ErrHandlerNameRequired
	}

	if handler == nil {
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, taken := r.names[name]; taken {
		return fmt.Errorf("%w: %s (event type %s)", ErrHandlerAlreadyRegistered, name, existing)
	}

	r.names[name] = eventType

	if eventType == Wildcard {
		r.wildcard = append(r.wildcard, registration{name: name, handler: handler})

		return nil
	}

	r.byType[eventType] = append(r.byType[eventType], registration{name: name, handler: handler})

	return nil
}

// Handlers lists handler names for eventType in invocation order.
func (r *Router) Handlers(eventType string) []string {
	if r == nil {
		return nil
	}

	regs := r.registrations(eventType)
	names := make([]string, 0, len(regs))

	for _, reg := range regs {
		names = append(names, reg.name)
	}

	return names
}

func (r *Router) registrations(eventType string) []registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	specific := r.byType[eventType]
	regs := make([]registration, 0, len(specific)+len(r.wildcard))
	regs = append(regs, specific...)
	regs = append(regs, r.wildcard...)

	return regs
}

// Deliver runs every handler for record that is not in completed.
func (r *Router) Deliver(ctx context.Context, record *outbox.OutboxRecord, completed map[string]bool) outbox.DeliveryReport {
	var report outbox.DeliveryReport

	if r == nil || record == nil {
		report.Outcomes = append(report.Outcomes, outbox.HandlerOutcome{
			Handler: "router",
			Err:     libOrchestrator.NewPermanentError("deliver", ErrRecordRequired),
		})

		return report
	}

	if ctx == nil {
		ctx = context.Background()
	}

	for _, reg := range r.registrations(record.EventType) {
		if completed[reg.name] {
			report.Outcomes = append(report.Outcomes, outbox.HandlerOutcome{Handler: reg.name, Skipped: true})

			continue
		}

		report.Outcomes = append(report.Outcomes, r.invoke(ctx, reg, record))
	}

	return report
}

func (r *Router) invoke(ctx context.Context, reg registration, record *outbox.OutboxRecord) (outcome outbox.HandlerOutcome) {
	ctx, span := r.tracer.Start(ctx, "router.handle")
	defer span.End()

	span.SetAttributes(
		attribute.String("router.handler", reg.name),
		attribute.String("outbox.event_type", record.EventType),
		attribute.String("outbox.event_id", record.ID.String()),
	)

	start := time.Now()
	outcome.Handler = reg.name

	defer func() {
		if recovered := recover(); recovered != nil {
			runtime.HandlePanicValue(ctx, r.logger, recovered, "router", reg.name)

			outcome.Err = libOrchestrator.NewTransientError("handle", &HandlerPanicError{Handler: reg.name, Value: recovered})
		}

		outcome.Duration = time.Since(start)

		attrs := metric.WithAttributes(attribute.String("handler", reg.name))
		if r.duration != nil {
			r.duration.Record(ctx, outcome.Duration.Seconds(), attrs)
		}

		if outcome.Err != nil {
			libOpentelemetry.HandleSpanError(span, "handler failed", outcome.Err)

			if r.failures != nil {
				r.failures.Add(ctx, 1, attrs)
			}
		}
	}()

	outcome.Err = reg.handler(ctx, record)

	return outcome
}
