package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/assert"
)

const (
	// DefaultMaxPayloadBytes caps the encoded payload.
	DefaultMaxPayloadBytes = 1 << 20
	// DefaultSchemaVersion is used when AppendInput leaves it unset.
	DefaultSchemaVersion = 1
)

var eventTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*(\.[a-z][a-z0-9_]*)+$`)

// EventEnvelope is an immutable record of a domain state change.
type EventEnvelope struct {
	ID            uuid.UUID      `json:"id"`
	TenantID      string         `json:"tenantId"`
	EventType     string         `json:"eventType"`
	SchemaVersion int            `json:"schemaVersion"`
	Payload       map[string]any `json:"payload"`
	ActorID       string         `json:"actorId"`
	OccurredAt    time.Time      `json:"occurredAt"`
	CorrelationID string         `json:"correlationId"`
}

// Meta returns the envelope fields without the payload, as exposed to
// workflow parameter templates.
func (envelope EventEnvelope) Meta() map[string]any {
	return map[string]any{
		"id":            envelope.ID.String(),
		"tenantId":      envelope.TenantID,
		"eventType":     envelope.EventType,
		"schemaVersion": envelope.SchemaVersion,
		"actorId":       envelope.ActorID,
		"occurredAt":    envelope.OccurredAt.UTC().Format(time.RFC3339Nano),
		"correlationId": envelope.CorrelationID,
	}
}

// OutboxRecord is an envelope plus its delivery state.
type OutboxRecord struct {
	EventEnvelope

	Status           RecordStatus `json:"status"`
	DeliveryAttempts int          `json:"deliveryAttempts"`
	// ReplayBaseAttempts is DeliveryAttempts at the last replay; the attempt
	// ceiling applies to attempts made since then.
	ReplayBaseAttempts int        `json:"replayBaseAttempts"`
	LastError          string     `json:"lastError,omitempty"`
	LeaseToken         uuid.UUID  `json:"-"`
	LeaseOwner         string     `json:"leaseOwner,omitempty"`
	LeaseExpiresAt     *time.Time `json:"leaseExpiresAt,omitempty"`
	NextAttemptAt      *time.Time `json:"nextAttemptAt,omitempty"`
	ProcessedAt        *time.Time `json:"processedAt,omitempty"`
	DeadLetteredAt     *time.Time `json:"deadLetteredAt,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	UpdatedAt          time.Time  `json:"updatedAt"`

	// CompletedHandlers is loaded by ClaimBatch.
	CompletedHandlers []string `json:"completedHandlers,omitempty"`
}

// AttemptsSinceReplay counts attempts that apply to the retry ceiling.
func (record *OutboxRecord) AttemptsSinceReplay() int {
	if record == nil {
		return 0
	}

	return max(record.DeliveryAttempts-record.ReplayBaseAttempts, 0)
}

// Completed returns CompletedHandlers as a set.
func (record *OutboxRecord) Completed() map[string]bool {
	completed := make(map[string]bool)
	if record == nil {
		return completed
	}

	for _, handler := range record.CompletedHandlers {
		completed[handler] = true
	}

	return completed
}

// AppendInput is what a producer supplies to Writer.Append.
type AppendInput struct {
	// TenantID defaults to the tenant carried by ctx.
	TenantID  string
	EventType string
	Payload   map[string]any
	ActorID   string
	// CorrelationID defaults to the header id in ctx, then to the event id.
	CorrelationID string
	SchemaVersion int
	// OccurredAt defaults to now.
	OccurredAt time.Time
}

// ValidEventType reports whether eventType is dotted lowercase.
func ValidEventType(eventType string) bool {
	return eventTypePattern.MatchString(eventType)
}

// NewEventEnvelope validates input and builds an envelope together with its
// encoded payload. Every failure wraps ErrAppendRejected.
func NewEventEnvelope(ctx context.Context, input AppendInput, maxPayloadBytes int, now time.Time) (*EventEnvelope, []byte, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	if maxPayloadBytes <= 0 {
		maxPayloadBytes = DefaultMaxPayloadBytes
	}

	asserter := assert.New(ctx, nil, "outbox", "outbox.new_envelope")

	tenantID := strings.TrimSpace(input.TenantID)
	if tenantID == "" {
		tenantID, _ = TenantIDFromContext(ctx)
	}

	if err := asserter.NotEmpty(ctx, tenantID, "tenant id is required"); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAppendRejected, ErrTenantIDRequired)
	}

	eventType := strings.TrimSpace(input.EventType)
	if !ValidEventType(eventType) {
		return nil, nil, fmt.Errorf("%w: %w: %q", ErrAppendRejected, ErrInvalidEventType, eventType)
	}

	actorID := strings.TrimSpace(input.ActorID)
	if err := asserter.NotEmpty(ctx, actorID, "actor id is required"); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAppendRejected, ErrActorIDRequired)
	}

	if input.Payload == nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrAppendRejected, ErrPayloadRequired)
	}

	encoded, err := json.Marshal(input.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w: %w", ErrAppendRejected, ErrPayloadNotEncodable, err)
	}

	if len(encoded) > maxPayloadBytes {
		return nil, nil, fmt.Errorf("%w: %w: %d > %d bytes", ErrAppendRejected, ErrPayloadTooLarge, len(encoded), maxPayloadBytes)
	}

	// Round-trip so the envelope carries exactly what storage will return.
	var payload map[string]any
	if err := json.Unmarshal(encoded, &payload); err != nil {
		return nil, nil, fmt.Errorf("%w: %w: %w", ErrAppendRejected, ErrPayloadNotEncodable, err)
	}

	id := uuid.New()

	correlationID := strings.TrimSpace(input.CorrelationID)
	if correlationID == "" {
		if headerID, ok := libOrchestrator.HeaderIDFromContext(ctx); ok {
			correlationID = headerID
		} else {
			correlationID = id.String()
		}
	}

	schemaVersion := input.SchemaVersion
	if schemaVersion <= 0 {
		schemaVersion = DefaultSchemaVersion
	}

	occurredAt := input.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = now
	}

	return &EventEnvelope{
		ID:            id,
		TenantID:      tenantID,
		EventType:     eventType,
		SchemaVersion: schemaVersion,
		Payload:       payload,
		ActorID:       actorID,
		OccurredAt:    occurredAt.UTC(),
		CorrelationID: correlationID,
	}, encoded, nil
}

// NewPendingRecord wraps envelope as a fresh PENDING record.
func NewPendingRecord(envelope *EventEnvelope, now time.Time) *OutboxRecord {
	return &OutboxRecord{
		EventEnvelope: *envelope,
		Status:        StatusPending,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}
}
