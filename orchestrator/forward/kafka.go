package forward

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/router"
)

// KafkaHandlerName is the router consumer name of the Kafka forwarder.
const KafkaHandlerName = "kafka-forwarder"

// MessageWriter is the slice of *kafka.Writer the forwarder uses.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig selects the destination topic. Topic wins when set; otherwise
// each record goes to TopicPrefix + event type.
type KafkaConfig struct {
	Topic       string
	TopicPrefix string
	EventTypes  []string
}

// DefaultKafkaConfig publishes to "orchestrator.<event type>".
func DefaultKafkaConfig() KafkaConfig {
	return KafkaConfig{TopicPrefix: "orchestrator."}
}

// NewKafkaWriter builds a writer that hashes message keys to partitions, so
// records of one tenant keep their relative order.
func NewKafkaWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// SplitBrokers parses a comma separated broker list.
func SplitBrokers(raw string) []string {
	var brokers []string

	for _, broker := range strings.Split(raw, ",") {
		if broker = strings.TrimSpace(broker); broker != "" {
			brokers = append(brokers, broker)
		}
	}

	return brokers
}

// KafkaOption configures a KafkaForwarder.
type KafkaOption func(*KafkaForwarder)

// WithKafkaLogger sets the forwarder logger.
func WithKafkaLogger(logger log.Logger) KafkaOption {
	return func(f *KafkaForwarder) {
		if !nilcheck.Interface(logger) {
			f.logger = logger
		}
	}
}

// WithKafkaTracer sets the forwarder tracer.
func WithKafkaTracer(tracer trace.Tracer) KafkaOption {
	return func(f *KafkaForwarder) {
		if !nilcheck.Interface(tracer) {
			f.tracer = tracer
		}
	}
}

// KafkaForwarder publishes records to Kafka.
type KafkaForwarder struct {
	writer MessageWriter
	cfg    KafkaConfig
	filter filter
	logger log.Logger
	tracer trace.Tracer
}

// NewKafkaForwarder builds a forwarder over writer.
func NewKafkaForwarder(writer MessageWriter, cfg KafkaConfig, opts ...KafkaOption) (*KafkaForwarder, error) {
	if nilcheck.Interface(writer) {
		return nil, ErrPublisherRequired
	}

	cfg.Topic = strings.TrimSpace(cfg.Topic)
	if cfg.Topic == "" && strings.TrimSpace(cfg.TopicPrefix) == "" {
		return nil, ErrTopicRequired
	}

	f := &KafkaForwarder{
		writer: writer,
		cfg:    cfg,
		filter: newFilter(cfg.EventTypes),
		logger: log.NewNop(),
		tracer: otel.Tracer("orchestrator.forward.kafka"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}

	return f, nil
}

// Register subscribes the forwarder to every event type.
func (f *KafkaForwarder) Register(r *router.Router) error {
	return r.Register(router.Wildcard, KafkaHandlerName, f.Handle)
}

// Handle publishes record. Records outside the configured event types are
// acknowledged without publishing.
func (f *KafkaForwarder) Handle(ctx context.Context, record *outbox.OutboxRecord) error {
	if record == nil {
		return libOrchestrator.NewPermanentError("kafka forward", router.ErrRecordRequired)
	}

	if !f.filter.allows(record.EventType) {
		return nil
	}

	body, err := encodeEnvelope(record)
	if err != nil {
		return err
	}

	topic := f.topicFor(record.EventType)

	ctx, span := f.tracer.Start(ctx, "forward.kafka.publish", trace.WithSpanKind(trace.SpanKindProducer))
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination.name", topic),
		attribute.String("outbox.event_id", record.ID.String()),
	)

	msg := kafka.Message{
		Topic:   topic,
		Key:     []byte(record.TenantID),
		Value:   body,
		Headers: kafkaHeaders(ctx, envelopeHeaders(record)),
		Time:    record.OccurredAt,
	}

	if err := f.writer.WriteMessages(ctx, msg); err != nil {
		libOpentelemetry.HandleSpanError(span, "kafka publish failed", err)

		if errors.Is(err, kafka.MessageSizeTooLarge) {
			return libOrchestrator.NewPermanentError("kafka forward", err)
		}

		return libOrchestrator.NewTransientError("kafka forward", err)
	}

	f.logger.Log(ctx, log.LevelDebug, "record forwarded to kafka",
		log.String("event_id", record.ID.String()),
		log.String("topic", topic),
	)

	return nil
}

// Close flushes and closes the writer.
func (f *KafkaForwarder) Close() error {
	return f.writer.Close()
}

func (f *KafkaForwarder) topicFor(eventType string) string {
	if f.cfg.Topic != "" {
		return f.cfg.Topic
	}

	return f.cfg.TopicPrefix + eventType
}

func kafkaHeaders(ctx context.Context, base map[string]string) []kafka.Header {
	keys := make([]string, 0, len(base))
	for key := range base {
		keys = append(keys, key)
	}

	sort.Strings(keys)

	carrier := &kafkaHeaderCarrier{headers: make([]kafka.Header, 0, len(base)+2)}
	for _, key := range keys {
		carrier.Set(key, base[key])
	}

	otel.GetTextMapPropagator().Inject(ctx, carrier)

	return carrier.headers
}

// kafkaHeaderCarrier adapts message headers to the otel propagator.
type kafkaHeaderCarrier struct {
	headers []kafka.Header
}

var _ propagation.TextMapCarrier = (*kafkaHeaderCarrier)(nil)

func (c *kafkaHeaderCarrier) Get(key string) string {
	for _, header := range c.headers {
		if header.Key == key {
			return string(header.Value)
		}
	}

	return ""
}

func (c *kafkaHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for _, header := range c.headers {
		keys = append(keys, header.Key)
	}

	return keys
}

func (c *kafkaHeaderCarrier) Set(key, value string) {
	for i := range c.headers {
		if c.headers[i].Key == key {
			c.headers[i].Value = []byte(value)

			return
		}
	}

	c.headers = append(c.headers, kafka.Header{Key: key, Value: []byte(value)})
}

// ExtractKafkaTraceContext returns ctx carrying the trace context found in
// msg headers, for consumers of forwarded records.
func ExtractKafkaTraceContext(ctx context.Context, msg kafka.Message) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, &kafkaHeaderCarrier{headers: msg.Headers})
}
