//go:build unit

package router

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
)

func record(eventType string) *outbox.OutboxRecord {
	return &outbox.OutboxRecord{EventEnvelope: outbox.EventEnvelope{ID: uuid.New(), EventType: eventType}}
}

func TestRegister_Validation(t *testing.T) {
	r := New()
	noop := func(context.Context, *outbox.OutboxRecord) error { return nil }

	assert.ErrorIs(t, r.Register("", "a", noop), ErrEventTypeRequired)
	assert.ErrorIs(t, r.Register("contract.signed", " ", noop), ErrHandlerNameRequired)
	assert.ErrorIs(t, r.Register("contract.signed", "a", nil), ErrHandlerRequired)

	require.NoError(t, r.Register("contract.signed", "a", noop))
	assert.ErrorIs(t, r.Register("contract.signed", "a", noop), ErrHandlerAlreadyRegistered)
	assert.ErrorIs(t, r.Register(Wildcard, "a", noop), ErrHandlerAlreadyRegistered)

	var nilRouter *Router
	assert.ErrorIs(t, nilRouter.Register("contract.signed", "a", noop), ErrRouterRequired)
}

func TestDeliver_OrderWildcardAndIsolation(t *testing.T) {
	r := New()

	var calls []string

	track := func(name string, err error) Handler {
		return func(context.Context, *outbox.OutboxRecord) error {
			calls = append(calls, name)

			return err
		}
	}

	boom := errors.New("boom")

	require.NoError(t, r.Register(Wildcard, "audit", track("audit", nil)))
	require.NoError(t, r.Register("contract.signed", "workflow", track("workflow", boom)))
	require.NoError(t, r.Register("contract.signed", "panicky", func(context.Context, *outbox.OutboxRecord) error {
		calls = append(calls, "panicky")
		panic("kaboom")
	}))
	require.NoError(t, r.Register("contract.signed", "notify", track("notify", nil)))
	require.NoError(t, r.Register("invoice.paid", "billing", track("billing", nil)))

	assert.Equal(t, []string{"workflow", "panicky", "notify", "audit"}, r.Handlers("contract.signed"))

	report := r.Deliver(context.Background(), record("contract.signed"), nil)

	assert.Equal(t, []string{"workflow", "panicky", "notify", "audit"}, calls)
	assert.False(t, report.AllSucceeded())
	assert.Equal(t, []string{"notify", "audit"}, report.Succeeded())
	assert.ErrorIs(t, report.Err(), boom)

	var panicErr *HandlerPanicError
	require.ErrorAs(t, report.Err(), &panicErr)
	assert.Equal(t, "panicky", panicErr.Handler)
	assert.True(t, libOrchestrator.IsTransient(report.Outcomes[1].Err))
}

func TestDeliver_SkipsCompleted(t *testing.T) {
	r := New()

	var calls []string

	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, r.Register("contract.signed", name, func(context.Context, *outbox.OutboxRecord) error {
			calls = append(calls, name)

			return nil
		}))
	}

	report := r.Deliver(context.Background(), record("contract.signed"), map[string]bool{"a": true, "c": true})

	assert.Equal(t, []string{"b"}, calls)
	assert.True(t, report.AllSucceeded())
	assert.Equal(t, []string{"b"}, report.Succeeded())
	assert.True(t, report.Outcomes[0].Skipped)
}

func TestDeliver_NoHandlersIsDelivered(t *testing.T) {
	report := New().Deliver(context.Background(), record("nobody.listens"), nil)

	assert.Empty(t, report.Outcomes)
	assert.True(t, report.AllSucceeded())
}

func TestDeliver_NilRecordIsPermanent(t *testing.T) {
	report := New().Deliver(context.Background(), nil, nil)

	assert.True(t, libOrchestrator.IsPermanent(report.Err()))
}

func TestDeliver_RecordsFailureMetric(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	r := New(WithMeterProvider(provider))
	require.NoError(t, r.Register("contract.signed", "flaky", func(context.Context, *outbox.OutboxRecord) error {
		return errors.New("503")
	}))

	r.Deliver(context.Background(), record("contract.signed"), nil)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var failures int64

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "router.handler.failures" {
				continue
			}

			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)

			for _, dp := range sum.DataPoints {
				failures += dp.Value
			}
		}
	}

	assert.Equal(t, int64(1), failures)
}
