package audit

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
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

const (
	// HandlerName is the router consumer name of the sink.
	HandlerName = "audit-sink"
	// CollectionName is the default collection.
	CollectionName = "audit_events"
)

var ErrCollectionRequired = errors.New("audit: collection is required")

// Inserter is the slice of *mongo.Collection the sink uses.
type Inserter interface {
	InsertOne(ctx context.Context, document any, opts ...*options.InsertOneOptions) (*mongo.InsertOneResult, error)
}

// Entry is one stored audit document.
type Entry struct {
	EventID       string         `bson:"_id"`
	TenantID      string         `bson:"tenantId"`
	EventType     string         `bson:"eventType"`
	SchemaVersion int            `bson:"schemaVersion"`
	ActorID       string         `bson:"actorId"`
	CorrelationID string         `bson:"correlationId"`
	OccurredAt    time.Time      `bson:"occurredAt"`
	Payload       map[string]any `bson:"payload"`
	RecordedAt    time.Time      `bson:"recordedAt"`
}

// Indexes lists the indexes the sink queries rely on.
func Indexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{Keys: bson.D{{Key: "tenantId", Value: 1}, {Key: "occurredAt", Value: -1}}},
		{Keys: bson.D{{Key: "correlationId", Value: 1}}},
		{Keys: bson.D{{Key: "eventType", Value: 1}, {Key: "occurredAt", Value: -1}}},
	}
}

// Option configures a MongoSink.
type Option func(*MongoSink)

// WithLogger sets the sink logger.
func WithLogger(logger log.Logger) Option {
	return func(s *MongoSink) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now for RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(s *MongoSink) {
		if now != nil {
			s.now = now
		}
	}
}

// MongoSink writes every record it receives to a collection.
type MongoSink struct {
	collection Inserter
	logger     log.Logger
	tracer     trace.Tracer
	now        func() time.Time
}

// NewMongoSink builds a sink over collection.
func NewMongoSink(collection Inserter, opts ...Option) (*MongoSink, error) {
	if nilcheck.Interface(collection) {
		return nil, ErrCollectionRequired
	}

	s := &MongoSink{
		collection: collection,
		logger:     log.NewNop(),
		tracer:     otel.Tracer("orchestrator.audit"),
		now:        time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Register subscribes the sink to every event type.
func (s *MongoSink) Register(r *router.Router) error {
	return r.Register(router.Wildcard, HandlerName, s.Handle)
}

// Handle stores record. An entry that already exists counts as stored.
func (s *MongoSink) Handle(ctx context.Context, record *outbox.OutboxRecord) error {
	if record == nil {
		return libOrchestrator.NewPermanentError("audit", router.ErrRecordRequired)
	}

	ctx, span := s.tracer.Start(ctx, "audit.record")
	defer span.End()

	span.SetAttributes(
		attribute.String("db.system", "mongodb"),
		attribute.String("outbox.event_id", record.ID.String()),
		attribute.String("outbox.event_type", record.EventType),
	)

	entry := Entry{
		EventID:       record.ID.String(),
		TenantID:      record.TenantID,
		EventType:     record.EventType,
		SchemaVersion: record.SchemaVersion,
		ActorID:       record.ActorID,
		CorrelationID: record.CorrelationID,
		OccurredAt:    record.OccurredAt.UTC(),
		Payload:       record.Payload,
		RecordedAt:    s.now().UTC(),
	}

	_, err := s.collection.InsertOne(ctx, entry)

	switch {
	case err == nil:
		return nil
	case mongo.IsDuplicateKeyError(err):
		libOpentelemetry.HandleSpanEvent(span, "audit.duplicate")

		return nil
	default:
		libOpentelemetry.HandleSpanError(span, "audit insert failed", err)
		log.SafeError(s.logger, ctx, "audit insert failed", err, false)

		return libOrchestrator.NewTransientError("audit insert", err)
	}
}
