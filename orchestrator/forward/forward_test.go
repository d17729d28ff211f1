//go:build unit

package forward

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/router"
)

type fakeKafkaWriter struct {
	mu       sync.Mutex
	messages []kafka.Message
	err      error
	closed   bool
}

func (w *fakeKafkaWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.err != nil {
		return w.err
	}

	w.messages = append(w.messages, msgs...)

	return nil
}

func (w *fakeKafkaWriter) Close() error {
	w.closed = true

	return nil
}

type fakePublisher struct {
	exchange string
	key      string
	msgs     []amqp.Publishing
	err      error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}

	p.exchange, p.key = exchange, key
	p.msgs = append(p.msgs, msg)

	return nil
}

func sampleRecord() *outbox.OutboxRecord {
	return &outbox.OutboxRecord{
		EventEnvelope: outbox.EventEnvelope{
			ID:            uuid.New(),
			TenantID:      "tenant-a",
			EventType:     "contract.signed",
			SchemaVersion: 1,
			Payload:       map[string]any{"contractId": "C1"},
			ActorID:       "user-1",
			OccurredAt:    time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC),
			CorrelationID: "corr-1",
		},
		Status:     outbox.StatusLeased,
		LeaseToken: uuid.New(),
	}
}

func tracedContext(t *testing.T) context.Context {
	t.Helper()

	otel.SetTextMapPropagator(propagation.TraceContext{})

	provider := sdktrace.NewTracerProvider()
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	ctx, span := provider.Tracer("test").Start(context.Background(), "dispatch")
	t.Cleanup(func() { span.End() })

	return ctx
}

func TestKafkaForwarder_PublishesEnvelopeWithHeaders(t *testing.T) {
	writer := &fakeKafkaWriter{}

	forwarder, err := NewKafkaForwarder(writer, DefaultKafkaConfig())
	require.NoError(t, err)

	record := sampleRecord()
	require.NoError(t, forwarder.Handle(tracedContext(t), record))

	require.Len(t, writer.messages, 1)
	msg := writer.messages[0]
	assert.Equal(t, "orchestrator.contract.signed", msg.Topic)
	assert.Equal(t, []byte("tenant-a"), msg.Key)
	assert.JSONEq(t, `{"id":"`+record.ID.String()+`","tenantId":"tenant-a","eventType":"contract.signed",
		"schemaVersion":1,"payload":{"contractId":"C1"},"actorId":"user-1",
		"occurredAt":"2026-05-04T09:00:00Z","correlationId":"corr-1"}`, string(msg.Value))

	carrier := &kafkaHeaderCarrier{headers: msg.Headers}
	assert.Equal(t, record.ID.String(), carrier.Get(HeaderEventID))
	assert.Equal(t, "corr-1", carrier.Get(HeaderCorrelationID))
	assert.NotEmpty(t, carrier.Get("traceparent"))

	require.NoError(t, forwarder.Close())
	assert.True(t, writer.closed)
}

func TestKafkaForwarder_FiltersAndClassifiesErrors(t *testing.T) {
	writer := &fakeKafkaWriter{}

	forwarder, err := NewKafkaForwarder(writer, KafkaConfig{Topic: "engagements", EventTypes: []string{"engagement.activated"}})
	require.NoError(t, err)

	require.NoError(t, forwarder.Handle(context.Background(), sampleRecord()))
	assert.Empty(t, writer.messages)

	record := sampleRecord()
	record.EventType = "engagement.activated"

	writer.err = errors.New("broker unreachable")
	assert.True(t, libOrchestrator.IsTransient(forwarder.Handle(context.Background(), record)))

	writer.err = kafka.MessageSizeTooLarge
	assert.True(t, libOrchestrator.IsPermanent(forwarder.Handle(context.Background(), record)))

	writer.err = nil
	require.NoError(t, forwarder.Handle(context.Background(), record))
	require.Len(t, writer.messages, 1)
	assert.Equal(t, "engagements", writer.messages[0].Topic)

	assert.True(t, libOrchestrator.IsPermanent(forwarder.Handle(context.Background(), nil)))
}

func TestNewKafkaForwarder_Validation(t *testing.T) {
	_, err := NewKafkaForwarder(nil, DefaultKafkaConfig())
	assert.ErrorIs(t, err, ErrPublisherRequired)

	_, err = NewKafkaForwarder(&fakeKafkaWriter{}, KafkaConfig{})
	assert.ErrorIs(t, err, ErrTopicRequired)

	assert.Equal(t, []string{"a:9092", "b:9092"}, SplitBrokers(" a:9092, ,b:9092"))
}

func TestRabbitForwarder_PublishesPersistentMessage(t *testing.T) {
	publisher := &fakePublisher{}

	forwarder, err := NewRabbitForwarder(publisher, RabbitConfig{Exchange: "orchestrator.events"})
	require.NoError(t, err)

	record := sampleRecord()
	require.NoError(t, forwarder.Handle(tracedContext(t), record))

	require.Len(t, publisher.msgs, 1)
	msg := publisher.msgs[0]
	assert.Equal(t, "orchestrator.events", publisher.exchange)
	assert.Equal(t, "contract.signed", publisher.key)
	assert.Equal(t, amqp.Persistent, msg.DeliveryMode)
	assert.Equal(t, record.ID.String(), msg.MessageId)
	assert.Equal(t, "tenant-a", msg.Headers[HeaderTenantID])
	assert.NotEmpty(t, msg.Headers["traceparent"])

	extracted := ExtractRabbitTraceContext(context.Background(), amqp.Delivery{Headers: msg.Headers})
	assert.True(t, traceValid(extracted))

	publisher.err = amqp.ErrClosed
	assert.True(t, libOrchestrator.IsTransient(forwarder.Handle(context.Background(), record)))
}

func TestForwarders_RegisterAsWildcardConsumers(t *testing.T) {
	r := router.New()

	kafkaForwarder, err := NewKafkaForwarder(&fakeKafkaWriter{}, DefaultKafkaConfig())
	require.NoError(t, err)
	require.NoError(t, kafkaForwarder.Register(r))

	rabbitForwarder, err := NewRabbitForwarder(&fakePublisher{}, RabbitConfig{Exchange: "events"})
	require.NoError(t, err)
	require.NoError(t, rabbitForwarder.Register(r))

	assert.Equal(t, []string{KafkaHandlerName, RabbitHandlerName}, r.Handlers("anything.happened"))

	_, err = NewRabbitForwarder(&fakePublisher{}, RabbitConfig{})
	assert.ErrorIs(t, err, ErrExchangeRequired)
}

func traceValid(ctx context.Context) bool {
	return trace.SpanContextFromContext(ctx).IsValid()
}
