package forward

import (
	"context"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/router"
)

// RabbitHandlerName is the router consumer name of the RabbitMQ forwarder.
const RabbitHandlerName = "rabbitmq-forwarder"

// Publisher is the slice of *amqp.Channel the forwarder uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// RabbitConfig selects the exchange. Records are routed by event type.
type RabbitConfig struct {
	Exchange   string
	EventTypes []string
	// Mandatory asks the broker to return unroutable messages.
	Mandatory bool
}

// RabbitOption configures a RabbitForwarder.
type RabbitOption func(*RabbitForwarder)

// WithRabbitLogger sets the forwarder logger.
func WithRabbitLogger(logger log.Logger) RabbitOption {
	return func(f *RabbitForwarder) {
		if !nilcheck.Interface(logger) {
			f.logger = logger
		}
	}
}

// WithRabbitTracer sets the forwarder tracer.
func WithRabbitTracer(tracer trace.Tracer) RabbitOption {
	return func(f *RabbitForwarder) {
		if !nilcheck.Interface(tracer) {
			f.tracer = tracer
		}
	}
}

// RabbitForwarder publishes records to a RabbitMQ exchange as persistent
// messages.
type RabbitForwarder struct {
	publisher Publisher
	cfg       RabbitConfig
	filter    filter
	logger    log.Logger
	tracer    trace.Tracer
}

// NewRabbitForwarder builds a forwarder over publisher.
func NewRabbitForwarder(publisher Publisher, cfg RabbitConfig, opts ...RabbitOption) (*RabbitForwarder, error) {
	if nilcheck.Interface(publisher) {
		return nil, ErrPublisherRequired
	}

	cfg.Exchange = strings.TrimSpace(cfg.Exchange)
	if cfg.Exchange == "" {
		return nil, ErrExchangeRequired
	}

	f := &RabbitForwarder{
		publisher: publisher,
		cfg:       cfg,
		filter:    newFilter(cfg.EventTypes),
		logger:    log.NewNop(),
		tracer:    otel.Tracer("orchestrator.forward.rabbitmq"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	return f, nil
}

// DeclareExchange declares cfg.Exchange as a durable topic exchange.
func DeclareExchange(ch *amqp.Channel, exchange string) error {
	return ch.ExchangeDeclare(exchange, amqp.ExchangeTopic, true, false, false, false, nil)
}

// Register subscribes the forwarder to every event type.
func (f *RabbitForwarder) Register(r *router.Router) error {
	return r.Register(router.Wildcard, RabbitHandlerName, f.Handle)
}

// Handle publishes record with the trace context in the message headers.
func (f *RabbitForwarder) Handle(ctx context.Context, record *outbox.OutboxRecord) error {
	if record == nil {
		return libOrchestrator.NewPermanentError("rabbitmq forward", router.ErrRecordRequired)
	}

	if !f.filter.allows(record.EventType) {
		return nil
	}

	body, err := encodeEnvelope(record)
	if err != nil {
		return err
	}

	ctx, span := f.tracer.Start(ctx, "forward.rabbitmq.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination.name", f.cfg.Exchange),
		attribute.String("messaging.rabbitmq.destination.routing_key", record.EventType),
		attribute.String("outbox.event_id", record.ID.String()),
	)

	base := make(map[string]any, 6)
	for key, value := range envelopeHeaders(record) {
		base[key] = value
	}

	msg := amqp.Publishing{
		Headers:       amqp.Table(libOpentelemetry.PrepareQueueHeaders(ctx, base)),
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     record.ID.String(),
		CorrelationId: record.CorrelationID,
		Timestamp:     record.OccurredAt,
		Type:          record.EventType,
		Body:          body,
	}

	if err := f.publisher.PublishWithContext(ctx, f.cfg.Exchange, record.EventType, f.cfg.Mandatory, false, msg); err != nil {
		libOpentelemetry.HandleSpanError(span, "rabbitmq publish failed", err)

		return libOrchestrator.NewTransientError("rabbitmq forward", err)
	}

	f.logger.Log(ctx, log.LevelDebug, "record forwarded to rabbitmq",
		log.String("event_id", record.ID.String()),
		log.String("exchange", f.cfg.Exchange),
	)

	return nil
}

// ExtractRabbitTraceContext returns ctx carrying the trace context found in
// delivery headers, for consumers of forwarded records.
func ExtractRabbitTraceContext(ctx context.Context, delivery amqp.Delivery) context.Context {
	headers := make(map[string]string, len(delivery.Headers))

	for key, value := range delivery.Headers {
		if text, ok := value.(string); ok {
			headers[key] = text
		}
	}

	return libOpentelemetry.ExtractQueueTraceContext(ctx, headers)
}
