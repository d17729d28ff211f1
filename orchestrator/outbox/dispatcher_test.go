//go:build unit

package outbox_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/backoff"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox/memory"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/retry"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
}

// scriptedDeliverer runs one function per handler name, in order.
type scriptedDeliverer struct {
	mu       sync.Mutex
	handlers []string
	fn       func(handler string, record *outbox.OutboxRecord) error
	calls    map[string]int
	seen     []uuid.UUID
}

func newScriptedDeliverer(fn func(handler string, record *outbox.OutboxRecord) error, handlers ...string) *scriptedDeliverer {
	return &scriptedDeliverer{handlers: handlers, fn: fn, calls: make(map[string]int)}
}

func (d *scriptedDeliverer) Deliver(_ context.Context, record *outbox.OutboxRecord, completed map[string]bool) outbox.DeliveryReport {
	var report outbox.DeliveryReport

	d.mu.Lock()
	d.seen = append(d.seen, record.ID)
	d.mu.Unlock()

	for _, handler := range d.handlers {
		if completed[handler] {
			report.Outcomes = append(report.Outcomes, outbox.HandlerOutcome{Handler: handler, Skipped: true})

			continue
		}

		d.mu.Lock()
		d.calls[handler]++
		d.mu.Unlock()

		report.Outcomes = append(report.Outcomes, outbox.HandlerOutcome{Handler: handler, Err: d.fn(handler, record)})
	}

	return report
}

func (d *scriptedDeliverer) Calls(handler string) int {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.calls[handler]
}

func deterministicRetry(clock *testClock) *retry.Manager {
	return retry.NewManager(
		retry.WithClock(clock.Now),
		retry.WithPolicy(retry.Policy{
			MaxAttempts: 5,
			Backoff:     backoff.Policy{Initial: time.Second, Multiplier: 2, Max: 5 * time.Minute},
		}),
	)
}

type fixture struct {
	clock      *testClock
	store      *memory.Store
	writer     *outbox.Writer
	dispatcher *outbox.Dispatcher
}

func newFixture(t *testing.T, deliverer outbox.Deliverer, opts ...outbox.DispatcherOption) *fixture {
	t.Helper()

	clock := newTestClock()
	store := memory.NewStore(memory.WithClock(clock.Now))

	base := []outbox.DispatcherOption{
		outbox.WithDispatcherClock(clock.Now),
		outbox.WithRetryManager(deterministicRetry(clock)),
		outbox.WithLeaseDuration(time.Minute),
	}

	dispatcher, err := outbox.NewDispatcher(store, deliverer, log.NewNop(), nil, append(base, opts...)...)
	require.NoError(t, err)

	writer, err := outbox.NewWriter(store, outbox.WithWriterClock(clock.Now), outbox.WithNotifier(dispatcher))
	require.NoError(t, err)

	return &fixture{clock: clock, store: store, writer: writer, dispatcher: dispatcher}
}

func (f *fixture) append(t *testing.T, eventType string, payload map[string]any) *outbox.EventEnvelope {
	t.Helper()

	envelope, err := f.writer.AppendInTx(context.Background(), f.store, outbox.AppendInput{
		TenantID:  "tenant-a",
		EventType: eventType,
		Payload:   payload,
		ActorID:   "user-1",
	}, nil)
	require.NoError(t, err)

	return envelope
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := outbox.NewDispatcher(nil, outbox.DelivererFunc(nil), nil, nil)
	assert.ErrorIs(t, err, outbox.ErrRepositoryRequired)

	_, err = outbox.NewDispatcher(memory.NewStore(), nil, nil, nil)
	assert.ErrorIs(t, err, outbox.ErrDelivererRequired)
}

func TestDispatchOnce_ProcessesRecord(t *testing.T) {
	deliverer := newScriptedDeliverer(func(string, *outbox.OutboxRecord) error { return nil }, "notify", "audit")
	f := newFixture(t, deliverer)

	envelope := f.append(t, "contract.signed", map[string]any{"contractId": "c-1"})

	result, err := f.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Claimed)
	assert.Equal(t, 1, result.Processed)

	record, err := f.store.GetByID(context.Background(), envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessed, record.Status)
	assert.Equal(t, 1, record.DeliveryAttempts)
	assert.NotNil(t, record.ProcessedAt)

	result, err = f.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, result.Claimed)
	assert.Equal(t, 1, deliverer.Calls("notify"))
}

func TestDispatchOnce_TransientFailureBacksOffThenDeadLetters(t *testing.T) {
	deliverer := newScriptedDeliverer(func(string, *outbox.OutboxRecord) error {
		return libOrchestrator.NewTransientError("notify", errors.New("connection refused"))
	}, "notify")
	f := newFixture(t, deliverer)
	ctx := context.Background()

	envelope := f.append(t, "contract.signed", map[string]any{"contractId": "c-1"})

	for attempt, delay := range []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second} {
		result, err := f.dispatcher.DispatchOnce(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, result.Retried, "attempt %d", attempt+1)

		record, err := f.store.GetByID(ctx, envelope.ID)
		require.NoError(t, err)
		assert.Equal(t, outbox.StatusRetry, record.Status)
		require.NotNil(t, record.NextAttemptAt)
		assert.Equal(t, f.clock.Now().Add(delay), *record.NextAttemptAt)
		assert.Contains(t, record.LastError, "connection refused")

		// not yet due
		result, err = f.dispatcher.DispatchOnce(ctx)
		require.NoError(t, err)
		assert.Zero(t, result.Claimed)

		f.clock.Advance(delay)
	}

	result, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	record, err := f.store.GetByID(ctx, envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDeadLettered, record.Status)
	assert.Equal(t, 5, record.DeliveryAttempts)
	assert.Contains(t, record.LastError, "poison record")
	assert.Equal(t, 5, deliverer.Calls("notify"))
}

func TestDispatchOnce_PermanentFailureDeadLettersImmediately(t *testing.T) {
	deliverer := newScriptedDeliverer(func(string, *outbox.OutboxRecord) error {
		return libOrchestrator.NewPermanentError("missing contractId", nil)
	}, "notify")
	f := newFixture(t, deliverer)
	ctx := context.Background()

	envelope := f.append(t, "contract.signed", map[string]any{})

	result, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	record, err := f.store.GetByID(ctx, envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDeadLettered, record.Status)
	assert.Equal(t, 1, record.DeliveryAttempts)

	dead, err := f.store.ListDeadLettered(ctx, outbox.DeadLetterFilter{TenantID: "tenant-a"})
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, envelope.ID, dead[0].ID)
}

func TestDispatchOnce_RetryOnlyReinvokesFailedHandlers(t *testing.T) {
	var failBilling sync.Map
	failBilling.Store("on", true)

	deliverer := newScriptedDeliverer(func(handler string, _ *outbox.OutboxRecord) error {
		if on, _ := failBilling.Load("on"); handler == "billing" && on == true {
			return libOrchestrator.NewTransientError("billing", errors.New("503"))
		}

		return nil
	}, "notify", "billing")
	f := newFixture(t, deliverer)
	ctx := context.Background()

	envelope := f.append(t, "contract.signed", map[string]any{"contractId": "c-1"})

	result, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Retried)

	failBilling.Store("on", false)
	f.clock.Advance(time.Second)

	result, err = f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, result.Processed)

	assert.Equal(t, 1, deliverer.Calls("notify"))
	assert.Equal(t, 2, deliverer.Calls("billing"))

	record, err := f.store.GetByID(ctx, envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusProcessed, record.Status)
	assert.Equal(t, []string{"notify"}, record.CompletedHandlers)
}

func TestDispatchOnce_ExpiredLeasesCountTowardCeiling(t *testing.T) {
	deliverer := newScriptedDeliverer(func(string, *outbox.OutboxRecord) error { return nil }, "notify")
	f := newFixture(t, deliverer)
	ctx := context.Background()

	envelope := f.append(t, "contract.signed", map[string]any{"contractId": "c-1"})

	// A consumer that kills its worker every time: the record is claimed but
	// no outcome is ever written.
	for range 5 {
		claimed, err := f.store.ClaimBatch(ctx, outbox.ClaimRequest{Limit: 10, Owner: "crashing", LeaseDuration: time.Minute})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		f.clock.Advance(2 * time.Minute)
	}

	result, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)
	assert.Zero(t, deliverer.Calls("notify"))

	record, err := f.store.GetByID(ctx, envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusDeadLettered, record.Status)
	assert.Contains(t, record.LastError, "lease expired")
}

func TestDispatchOnce_LeaseLostIsCountedNotApplied(t *testing.T) {
	clockHolder := make(chan *fixture, 1)

	deliverer := newScriptedDeliverer(func(string, *outbox.OutboxRecord) error {
		f := <-clockHolder
		// lease expires mid-delivery and another worker takes the record
		f.clock.Advance(2 * time.Minute)
		_, err := f.store.ClaimBatch(context.Background(), outbox.ClaimRequest{Limit: 1, Owner: "other", LeaseDuration: time.Minute})
		clockHolder <- f

		return err
	}, "notify")
	f := newFixture(t, deliverer)
	clockHolder <- f

	envelope := f.append(t, "contract.signed", map[string]any{"contractId": "c-1"})

	result, err := f.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.LeaseConflicts)

	record, err := f.store.GetByID(context.Background(), envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusLeased, record.Status)
	assert.Equal(t, "other", record.LeaseOwner)
}

func TestReplay_ResetsCeilingAndKeepsCompletedHandlers(t *testing.T) {
	var mode sync.Map
	mode.Store("billing", "permanent")

	deliverer := newScriptedDeliverer(func(handler string, _ *outbox.OutboxRecord) error {
		if handler != "billing" {
			return nil
		}

		if m, _ := mode.Load("billing"); m == "permanent" {
			return libOrchestrator.NewPermanentError("bad account", nil)
		}

		return nil
	}, "notify", "billing")
	f := newFixture(t, deliverer)
	ctx := context.Background()

	envelope := f.append(t, "contract.signed", map[string]any{"contractId": "c-1"})

	_, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)

	mode.Store("billing", "ok")

	replayed, err := f.store.Replay(ctx, envelope.ID)
	require.NoError(t, err)
	assert.Equal(t, outbox.StatusPending, replayed.Status)
	assert.Equal(t, 0, replayed.AttemptsSinceReplay())
	assert.Equal(t, 1, replayed.DeliveryAttempts)

	_, err = f.store.Replay(ctx, envelope.ID)
	assert.ErrorIs(t, err, outbox.ErrNotDeadLettered)

	result, err := f.dispatcher.DispatchOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, deliverer.Calls("notify"))
	assert.Equal(t, 2, deliverer.Calls("billing"))
}

func TestDispatchOnce_BacklogAboveThresholdAlerts(t *testing.T) {
	var alerts []*libOrchestrator.CapacityExceededError

	deliverer := newScriptedDeliverer(func(string, *outbox.OutboxRecord) error {
		return libOrchestrator.NewTransientError("notify", errors.New("down"))
	}, "notify")
	f := newFixture(t, deliverer,
		outbox.WithBacklogAlertThreshold(2),
		outbox.WithCapacityAlert(func(_ context.Context, err *libOrchestrator.CapacityExceededError) {
			alerts = append(alerts, err)
		}),
	)

	for range 3 {
		f.append(t, "contract.signed", map[string]any{"contractId": "c"})
	}

	_, err := f.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)

	require.Len(t, alerts, 1)
	assert.Equal(t, int64(3), alerts[0].Backlog)
	assert.Equal(t, int64(2), alerts[0].Threshold)
}

func TestDispatchOnce_DeliversSameTypeInCreationOrder(t *testing.T) {
	deliverer := newScriptedDeliverer(func(string, *outbox.OutboxRecord) error { return nil }, "notify")
	f := newFixture(t, deliverer, outbox.WithWorkers(8))

	var want []uuid.UUID
	for i := range 5 {
		want = append(want, f.append(t, "contract.signed", map[string]any{"n": i}).ID)
	}

	_, err := f.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, want, deliverer.seen)
}

func TestDispatchOnce_PanickingDelivererIsRetried(t *testing.T) {
	f := newFixture(t, outbox.DelivererFunc(func(context.Context, *outbox.OutboxRecord, map[string]bool) outbox.DeliveryReport {
		panic("handler exploded")
	}))

	envelope := f.append(t, "contract.signed", map[string]any{"contractId": "c-1"})

	result, err := f.dispatcher.DispatchOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Retried)

	record, err := f.store.GetByID(context.Background(), envelope.ID)
	require.NoError(t, err)
	assert.Contains(t, record.LastError, "handler exploded")
}

type failingClaims struct {
	*memory.Store
	err error
}

func (f failingClaims) ClaimBatch(context.Context, outbox.ClaimRequest) ([]*outbox.OutboxRecord, error) {
	return nil, f.err
}

func TestRunContext_StopsAfterConsecutiveStorageFailures(t *testing.T) {
	repo := failingClaims{Store: memory.NewStore(), err: errors.New("connection reset")}

	dispatcher, err := outbox.NewDispatcher(repo, outbox.DelivererFunc(func(context.Context, *outbox.OutboxRecord, map[string]bool) outbox.DeliveryReport {
		return outbox.DeliveryReport{}
	}), log.NewNop(), nil,
		outbox.WithDispatchInterval(5*time.Millisecond),
		outbox.WithMaxConsecutiveStorageFailures(3),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = dispatcher.RunContext(ctx)
	require.ErrorIs(t, err, outbox.ErrStorageUnavailable)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRunContext_NotifyWakesLoop(t *testing.T) {
	deliverer := newScriptedDeliverer(func(string, *outbox.OutboxRecord) error { return nil }, "notify")

	store := memory.NewStore()
	dispatcher, err := outbox.NewDispatcher(store, deliverer, log.NewNop(), nil, outbox.WithDispatchInterval(time.Hour))
	require.NoError(t, err)

	writer, err := outbox.NewWriter(store, outbox.WithNotifier(dispatcher))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- dispatcher.RunContext(context.Background()) }()

	// let the initial cycle run on an empty outbox
	time.Sleep(20 * time.Millisecond)

	_, err = writer.AppendInTx(context.Background(), store, outbox.AppendInput{
		TenantID:  "tenant-a",
		EventType: "contract.signed",
		Payload:   map[string]any{"contractId": "c-1"},
		ActorID:   "user-1",
	}, nil)
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return deliverer.Calls("notify") == 1 }, 2*time.Second, 5*time.Millisecond)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, dispatcher.Shutdown(shutdownCtx))
	require.NoError(t, <-done)
}

func TestRunContext_RejectsConcurrentRun(t *testing.T) {
	dispatcher, err := outbox.NewDispatcher(memory.NewStore(), outbox.DelivererFunc(func(context.Context, *outbox.OutboxRecord, map[string]bool) outbox.DeliveryReport {
		return outbox.DeliveryReport{}
	}), log.NewNop(), nil, outbox.WithDispatchInterval(time.Hour))
	require.NoError(t, err)

	done := make(chan error, 1)

	go func() { done <- dispatcher.RunContext(context.Background()) }()

	time.Sleep(20 * time.Millisecond)

	assert.ErrorIs(t, dispatcher.RunContext(context.Background()), outbox.ErrDispatcherRunning)

	dispatcher.Stop()
	require.NoError(t, <-done)
}
