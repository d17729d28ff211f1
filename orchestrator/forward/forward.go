package forward

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/router"
)

const (
	HeaderEventID       = "event_id"
	HeaderEventType     = "event_type"
	HeaderTenantID      = "tenant_id"
	HeaderCorrelationID = "correlation_id"
	HeaderSchemaVersion = "schema_version"
	HeaderActorID       = "actor_id"
)

var (
	ErrPublisherRequired = errors.New("forward: publisher is required")
	ErrTopicRequired     = errors.New("forward: topic or topic prefix is required")
	ErrExchangeRequired  = errors.New("forward: exchange is required")
)

// filter limits a forwarder to a set of event types. An empty filter
// forwards everything.
type filter map[string]struct{}

func newFilter(eventTypes []string) filter {
	f := filter{}

	for _, eventType := range eventTypes {
		if trimmed := strings.TrimSpace(eventType); trimmed != "" {
			f[trimmed] = struct{}{}
		}
	}

	return f
}

func (f filter) allows(eventType string) bool {
	if len(f) == 0 {
		return true
	}

	_, ok := f[eventType]

	return ok
}

// encodeEnvelope renders the immutable part of record. Delivery state never
// leaves the process.
func encodeEnvelope(record *outbox.OutboxRecord) ([]byte, error) {
	if record == nil {
		return nil, libOrchestrator.NewPermanentError("encode", router.ErrRecordRequired)
	}

	body, err := json.Marshal(record.EventEnvelope)
	if err != nil {
		return nil, libOrchestrator.NewPermanentError("encode", fmt.Errorf("envelope %s: %w", record.ID, err))
	}

	return body, nil
}

func envelopeHeaders(record *outbox.OutboxRecord) map[string]string {
	return map[string]string{
		HeaderEventID:       record.ID.String(),
		HeaderEventType:     record.EventType,
		HeaderTenantID:      record.TenantID,
		HeaderCorrelationID: record.CorrelationID,
		HeaderSchemaVersion: strconv.Itoa(record.SchemaVersion),
		HeaderActorID:       record.ActorID,
	}
}
