package outbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/errgroup"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/retry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/runtime"
)

const overflowTenantMetricLabel = "_other"

// Dispatcher leases outbox records and delivers them through a Deliverer.
type Dispatcher struct {
	repo      OutboxRepository
	deliverer Deliverer
	retry     *retry.Manager
	tenants   TenantDiscoverer
	logger    log.Logger
	tracer    trace.Tracer
	cfg       DispatcherConfig
	now       func() time.Time

	onCapacityExceeded func(ctx context.Context, err *libOrchestrator.CapacityExceededError)

	tenantMetricKeys map[string]struct{}
	tenantMetricMu   sync.Mutex

	wake       chan struct{}
	stop       chan struct{}
	stopOnce   sync.Once
	runStateMu sync.Mutex
	running    bool
	cancelFunc context.CancelFunc
	dispatchWg sync.WaitGroup
	tenantTurn int

	metrics dispatcherMetrics
}

var _ libOrchestrator.App = (*Dispatcher)(nil)

// DispatchResult captures one dispatch cycle outcome.
type DispatchResult struct {
	Claimed           int
	Processed         int
	Retried           int
	DeadLettered      int
	LeaseConflicts    int
	StateUpdateFailed int
}

func (result *DispatchResult) add(other DispatchResult) {
	result.Claimed += other.Claimed
	result.Processed += other.Processed
	result.Retried += other.Retried
	result.DeadLettered += other.DeadLettered
	result.LeaseConflicts += other.LeaseConflicts
	result.StateUpdateFailed += other.StateUpdateFailed
}

// NewDispatcher builds a dispatcher over repo that hands records to deliverer.
func NewDispatcher(
	repo OutboxRepository,
	deliverer Deliverer,
	logger log.Logger,
	tracer trace.Tracer,
	opts ...DispatcherOption,
) (*Dispatcher, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(deliverer) {
		return nil, ErrDelivererRequired
	}

	if nilcheck.Interface(tracer) {
		tracer = noop.NewTracerProvider().Tracer("orchestrator.noop")
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	dispatcher := &Dispatcher{
		repo:             repo,
		deliverer:        deliverer,
		logger:           logger,
		tracer:           tracer,
		cfg:              DefaultDispatcherConfig(),
		now:              time.Now,
		tenantMetricKeys: make(map[string]struct{}),
		wake:             make(chan struct{}, 1),
		stop:             make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(dispatcher)
		}
	}

	dispatcher.cfg.normalize()

	if dispatcher.retry == nil {
		dispatcher.retry = retry.NewManager(retry.WithClock(dispatcher.now))
	}

	metrics, err := newDispatcherMetrics(dispatcher.cfg.MeterProvider)
	if err != nil {
		return nil, fmt.Errorf("init outbox metrics: %w", err)
	}

	dispatcher.metrics = metrics

	return dispatcher, nil
}

// Run starts the dispatch loop under the launcher's context.
func (dispatcher *Dispatcher) Run(launcher *libOrchestrator.Launcher) error {
	ctx := context.Background()
	if launcher != nil {
		ctx = launcher.Context()
	}

	return dispatcher.RunContext(ctx)
}

// RunContext dispatches every DispatchInterval, or sooner after Notify, until
// Stop is called or ctx is cancelled. It returns ErrStorageUnavailable once
// MaxConsecutiveStorageFailures cycles in a row could not claim.
func (dispatcher *Dispatcher) RunContext(parentCtx context.Context) error {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.deliverer == nil {
		return ErrDispatcherRequired
	}

	if parentCtx == nil {
		parentCtx = context.Background()
	}

	ctx, cancel := context.WithCancel(parentCtx)
	if !dispatcher.registerRun(cancel) {
		cancel()

		return ErrDispatcherRunning
	}

	defer dispatcher.clearRun()
	defer cancel()

	dispatcher.logger.Log(ctx, log.LevelInfo, "outbox dispatcher started",
		log.String("lease_owner", dispatcher.cfg.LeaseOwner),
		log.Int("workers", dispatcher.cfg.Workers),
	)
	defer dispatcher.logger.Log(context.Background(), log.LevelInfo, "outbox dispatcher stopped")

	defer runtime.RecoverAndLogWithContext(ctx, dispatcher.logger, "outbox", "dispatcher_run")

	ticker := time.NewTicker(dispatcher.cfg.DispatchInterval)
	defer ticker.Stop()

	consecutiveFailures := 0

	for {
		if err := dispatcher.cycle(ctx); err != nil {
			consecutiveFailures++

			if consecutiveFailures >= dispatcher.cfg.MaxConsecutiveStorageFailures {
				dispatcher.logger.Log(ctx, log.LevelError, "outbox dispatcher giving up after repeated storage failures",
					log.Int("consecutive_failures", consecutiveFailures),
				)

				return fmt.Errorf("%w: %d consecutive failed cycles: %w", ErrStorageUnavailable, consecutiveFailures, err)
			}
		} else {
			consecutiveFailures = 0
		}

		select {
		case <-dispatcher.stop:
			return nil
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-dispatcher.wake:
		}
	}
}

func (dispatcher *Dispatcher) cycle(ctx context.Context) (err error) {
	dispatcher.dispatchWg.Add(1)
	defer dispatcher.dispatchWg.Done()

	defer runtime.RecoverToError(ctx, dispatcher.logger, "outbox", "dispatcher_cycle", &err)

	_, err = dispatcher.DispatchOnce(ctx)

	return err
}

// Notify requests an immediate cycle. It never blocks.
func (dispatcher *Dispatcher) Notify() {
	if dispatcher == nil || dispatcher.wake == nil {
		return
	}

	select {
	case dispatcher.wake <- struct{}{}:
	default:
	}
}

// Stop signals the dispatch loop to stop.
func (dispatcher *Dispatcher) Stop() {
	if dispatcher == nil {
		return
	}

	dispatcher.stopOnce.Do(func() {
		dispatcher.runStateMu.Lock()
		cancel := dispatcher.cancelFunc
		stop := dispatcher.stop
		if stop == nil {
			stop = make(chan struct{})
			dispatcher.stop = stop
		}
		dispatcher.runStateMu.Unlock()

		if cancel != nil {
			cancel()
		}

		close(stop)
	})
}

// Shutdown stops the loop and waits for the in-flight cycle.
func (dispatcher *Dispatcher) Shutdown(ctx context.Context) error {
	if dispatcher == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	dispatcher.Stop()

	done := make(chan struct{})

	runtime.SafeGo(dispatcher.logger, "outbox.dispatcher_shutdown_wait", runtime.KeepRunning, func() {
		dispatcher.dispatchWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("dispatcher shutdown: %w", ctx.Err())
	}
}

// DispatchOnce runs one cycle across tenants. The error is non-nil only when
// no claim in the cycle succeeded.
func (dispatcher *Dispatcher) DispatchOnce(ctx context.Context) (DispatchResult, error) {
	if dispatcher == nil || dispatcher.repo == nil || dispatcher.deliverer == nil {
		return DispatchResult{}, ErrDispatcherRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	start := time.Now()

	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.dispatch_once")
	defer span.End()

	var (
		total     DispatchResult
		claimErrs []error
		attempted int
	)

	for _, tenantID := range dispatcher.tenantsForCycle(ctx, span) {
		if ctx.Err() != nil {
			break
		}

		attempted++

		tenantCtx := ctx
		if tenantID != "" {
			tenantCtx = ContextWithTenantID(ctx, tenantID)
		}

		tenantCtx, tenantSpan := dispatcher.tracer.Start(tenantCtx, "outbox.dispatcher.tenant")
		result, err := dispatcher.dispatchTenant(tenantCtx, tenantID)
		tenantSpan.SetAttributes(
			attribute.String("tenant.id_hash", hashTenantID(tenantID)),
			attribute.Int("outbox.dispatch.claimed", result.Claimed),
			attribute.Int("outbox.dispatch.processed", result.Processed),
			attribute.Int("outbox.dispatch.retried", result.Retried),
			attribute.Int("outbox.dispatch.dead_lettered", result.DeadLettered),
		)

		if err != nil {
			libOpentelemetry.HandleSpanError(tenantSpan, "failed to claim outbox records", err)
			claimErrs = append(claimErrs, err)
		}

		tenantSpan.End()
		total.add(result)
	}

	dispatcher.checkBacklog(ctx)
	dispatcher.recordLatency(ctx, time.Since(start).Seconds())

	if attempted > 0 && len(claimErrs) == attempted {
		err := errors.Join(claimErrs...)
		libOpentelemetry.HandleSpanError(span, "outbox dispatch cycle failed", err)
		log.SafeError(dispatcher.logger, ctx, "outbox dispatch cycle failed", err, false)

		return total, err
	}

	return total, nil
}

// tenantsForCycle returns the tenants to claim for, rotating the start so a
// slow tenant does not always go first. "" means an unscoped claim.
func (dispatcher *Dispatcher) tenantsForCycle(ctx context.Context, span trace.Span) []string {
	if dispatcher.tenants == nil {
		return []string{""}
	}

	tenants, err := dispatcher.tenants.DiscoverTenants(ctx)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to discover tenants", err)
		log.SafeError(dispatcher.logger, ctx, "failed to discover tenants; claiming unscoped", err, false)

		return []string{""}
	}

	ordered := dispatcher.tenantDispatchOrder(nonEmptyTenants(tenants))
	if len(ordered) == 0 {
		return nil
	}

	return ordered
}

func (dispatcher *Dispatcher) dispatchTenant(ctx context.Context, tenantID string) (DispatchResult, error) {
	records, err := dispatcher.repo.ClaimBatch(ctx, ClaimRequest{
		Limit:         dispatcher.cfg.BatchSize,
		Owner:         dispatcher.cfg.LeaseOwner,
		LeaseDuration: dispatcher.cfg.LeaseDuration,
		TenantID:      tenantID,
		Now:           dispatcher.now().UTC(),
	})
	if err != nil {
		return DispatchResult{}, fmt.Errorf("claim batch: %w", err)
	}

	tenantKey := tenantID
	if tenantKey == "" {
		tenantKey = defaultTenantMetricFallback
	}

	if dispatcher.metrics.claimed != nil {
		dispatcher.metrics.claimed.Record(ctx, int64(len(records)), dispatcher.tenantRecordOptions(tenantKey)...)
	}

	var (
		mu     sync.Mutex
		result = DispatchResult{Claimed: len(records)}
	)

	grp, grpCtx := errgroup.WithContext(ctx)
	grp.SetLogger(dispatcher.logger)
	grp.SetLimit(dispatcher.cfg.Workers)

	// Records sharing a tenant and event type are delivered sequentially in
	// claim order; distinct groups run concurrently.
	for _, group := range groupRecords(records) {
		grp.Go(func() error {
			for _, record := range group {
				if grpCtx.Err() != nil {
					return nil
				}

				outcome := dispatcher.processRecord(grpCtx, record)

				mu.Lock()
				result.add(outcome)
				mu.Unlock()
			}

			return nil
		})
	}

	if err := grp.Wait(); err != nil {
		log.SafeError(dispatcher.logger, ctx, "outbox delivery group failed", err, false)
	}

	dispatcher.addCounter(ctx, dispatcher.metrics.recordsProcessed, tenantKey, result.Processed)
	dispatcher.addCounter(ctx, dispatcher.metrics.recordsRetried, tenantKey, result.Retried)
	dispatcher.addCounter(ctx, dispatcher.metrics.recordsDeadLettered, tenantKey, result.DeadLettered)
	dispatcher.addCounter(ctx, dispatcher.metrics.leaseConflicts, tenantKey, result.LeaseConflicts)
	dispatcher.addCounter(ctx, dispatcher.metrics.stateUpdateFailed, tenantKey, result.StateUpdateFailed)

	return result, nil
}

func groupRecords(records []*OutboxRecord) [][]*OutboxRecord {
	index := make(map[string]int)

	var groups [][]*OutboxRecord

	for _, record := range records {
		if record == nil {
			continue
		}

		key := record.TenantID + "\x00" + record.EventType

		pos, ok := index[key]
		if !ok {
			pos = len(groups)
			index[key] = pos
			groups = append(groups, nil)
		}

		groups[pos] = append(groups[pos], record)
	}

	return groups
}

func (dispatcher *Dispatcher) processRecord(ctx context.Context, record *OutboxRecord) (result DispatchResult) {
	ctx, span := dispatcher.tracer.Start(ctx, "outbox.dispatcher.deliver")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.event_id", record.ID.String()),
		attribute.String("outbox.event_type", record.EventType),
		attribute.Int("outbox.delivery_attempts", record.DeliveryAttempts),
	)

	// Outcome writes must land even when the cycle is being cancelled.
	writeCtx := context.WithoutCancel(ctx)
	id := record.ID.String()
	attempts := record.AttemptsSinceReplay()
	maxAttempts := dispatcher.retry.Policy().MaxAttempts

	// A claim above the ceiling means earlier attempts died without recording
	// an outcome, e.g. a handler that crashes the process.
	if attempts > maxAttempts {
		poison := &libOrchestrator.PoisonRecordError{
			ID:       id,
			Attempts: attempts - 1,
			Err:      errors.New("lease expired without a recorded outcome"),
		}

		return dispatcher.deadLetter(writeCtx, span, record, poison)
	}

	deliverCtx, cancel, err := libOrchestrator.WithTimeoutSafe(ctx, dispatcher.cfg.LeaseDuration)
	if err != nil {
		deliverCtx, cancel = context.WithCancel(ctx)
	}

	report := dispatcher.safeDeliver(deliverCtx, record)

	cancel()

	if report.AllSucceeded() {
		if err := dispatcher.repo.MarkProcessed(writeCtx, record.ID, record.LeaseToken); err != nil {
			return dispatcher.outcomeWriteFailed(writeCtx, span, record, "mark processed", err)
		}

		return DispatchResult{Processed: 1}
	}

	if succeeded := report.Succeeded(); len(succeeded) > 0 {
		if err := dispatcher.repo.MarkHandlerDelivered(writeCtx, record.ID, record.LeaseToken, succeeded); err != nil {
			return dispatcher.outcomeWriteFailed(writeCtx, span, record, "mark handlers delivered", err)
		}
	}

	deliveryErr := report.Err()
	libOpentelemetry.HandleSpanError(span, "outbox delivery failed", deliveryErr)

	decision := dispatcher.retry.Decide(id, attempts, deliveryErr)
	if !decision.ShouldRetry() {
		return dispatcher.deadLetter(writeCtx, span, record, decision.Err)
	}

	if err := dispatcher.repo.ScheduleRetry(writeCtx, record.ID, record.LeaseToken, decision.NextAttemptAt, SanitizeError(decision.Err)); err != nil {
		return dispatcher.outcomeWriteFailed(writeCtx, span, record, "schedule retry", err)
	}

	dispatcher.logger.Log(ctx, log.LevelWarn, "outbox delivery failed; retry scheduled",
		log.String("event_id", id),
		log.String("event_type", record.EventType),
		log.Int("attempt", attempts),
		log.Duration("delay", decision.Delay),
		log.String("error", SanitizeError(deliveryErr)),
	)

	return DispatchResult{Retried: 1}
}

func (dispatcher *Dispatcher) safeDeliver(ctx context.Context, record *OutboxRecord) (report DeliveryReport) {
	var panicErr error

	defer func() {
		if panicErr != nil {
			report = DeliveryReport{Outcomes: []HandlerOutcome{{
				Handler: "deliverer",
				Err:     libOrchestrator.NewTransientError("deliver", panicErr),
			}}}
		}
	}()

	defer runtime.RecoverToError(ctx, dispatcher.logger, "outbox", "deliver", &panicErr)

	return dispatcher.deliverer.Deliver(ctx, record, record.Completed())
}

func (dispatcher *Dispatcher) deadLetter(ctx context.Context, span trace.Span, record *OutboxRecord, cause error) DispatchResult {
	if err := dispatcher.repo.MarkDeadLettered(ctx, record.ID, record.LeaseToken, SanitizeError(cause)); err != nil {
		return dispatcher.outcomeWriteFailed(ctx, span, record, "mark dead-lettered", err)
	}

	libOpentelemetry.HandleSpanEvent(span, "outbox.dead_lettered")
	dispatcher.logger.Log(ctx, log.LevelError, "outbox record dead-lettered",
		log.String("event_id", record.ID.String()),
		log.String("event_type", record.EventType),
		log.Int("attempts", record.AttemptsSinceReplay()),
		log.String("error", SanitizeError(cause)),
	)

	return DispatchResult{DeadLettered: 1}
}

func (dispatcher *Dispatcher) outcomeWriteFailed(ctx context.Context, span trace.Span, record *OutboxRecord, op string, err error) DispatchResult {
	if errors.Is(err, ErrLeaseLost) {
		dispatcher.logger.Log(ctx, log.LevelWarn, "outbox lease lost before outcome was recorded",
			log.String("event_id", record.ID.String()),
			log.String("op", op),
		)

		return DispatchResult{LeaseConflicts: 1}
	}

	libOpentelemetry.HandleSpanError(span, "failed to "+op, err)
	dispatcher.logger.Log(ctx, log.LevelError, "failed to record outbox outcome; record will be reclaimed after lease expiry",
		log.String("event_id", record.ID.String()),
		log.String("op", op),
		log.String("error", SanitizeError(err)),
	)

	return DispatchResult{StateUpdateFailed: 1}
}

func (dispatcher *Dispatcher) checkBacklog(ctx context.Context) {
	backlog, err := dispatcher.repo.CountBacklog(ctx)
	if err != nil {
		log.SafeError(dispatcher.logger, ctx, "failed to count outbox backlog", err, false)

		return
	}

	if dispatcher.metrics.backlog != nil {
		dispatcher.metrics.backlog.Record(ctx, backlog)
	}

	if backlog <= dispatcher.cfg.BacklogAlertThreshold {
		return
	}

	capErr := &libOrchestrator.CapacityExceededError{Backlog: backlog, Threshold: dispatcher.cfg.BacklogAlertThreshold}

	dispatcher.logger.Log(ctx, log.LevelWarn, capErr.Error(),
		log.Int64("backlog", backlog),
		log.Int64("threshold", dispatcher.cfg.BacklogAlertThreshold),
	)

	if dispatcher.onCapacityExceeded != nil {
		dispatcher.onCapacityExceeded(ctx, capErr)
	}
}

func (dispatcher *Dispatcher) recordLatency(ctx context.Context, seconds float64) {
	if dispatcher.metrics.dispatchLatency == nil {
		return
	}

	dispatcher.metrics.dispatchLatency.Record(ctx, seconds)
}

func (dispatcher *Dispatcher) addCounter(ctx context.Context, counter metric.Int64Counter, tenantKey string, count int) {
	if counter == nil || count <= 0 {
		return
	}

	counter.Add(ctx, int64(count), dispatcher.tenantAddOptions(tenantKey)...)
}

func (dispatcher *Dispatcher) tenantMetricAttribute(tenantKey string) (attribute.KeyValue, bool) {
	if !dispatcher.cfg.IncludeTenantMetrics {
		return attribute.KeyValue{}, false
	}

	return attribute.String("tenant", dispatcher.boundedTenantMetricKey(tenantKey)), true
}

func (dispatcher *Dispatcher) boundedTenantMetricKey(tenantKey string) string {
	dispatcher.tenantMetricMu.Lock()
	defer dispatcher.tenantMetricMu.Unlock()

	if _, exists := dispatcher.tenantMetricKeys[tenantKey]; exists {
		return tenantKey
	}

	if len(dispatcher.tenantMetricKeys) < dispatcher.cfg.MaxTenantMetricDimensions {
		dispatcher.tenantMetricKeys[tenantKey] = struct{}{}

		return tenantKey
	}

	return overflowTenantMetricLabel
}

func (dispatcher *Dispatcher) tenantAddOptions(tenantKey string) []metric.AddOption {
	if attr, ok := dispatcher.tenantMetricAttribute(tenantKey); ok {
		return []metric.AddOption{metric.WithAttributes(attr)}
	}

	return nil
}

func (dispatcher *Dispatcher) tenantRecordOptions(tenantKey string) []metric.RecordOption {
	if attr, ok := dispatcher.tenantMetricAttribute(tenantKey); ok {
		return []metric.RecordOption{metric.WithAttributes(attr)}
	}

	return nil
}

func (dispatcher *Dispatcher) registerRun(cancel context.CancelFunc) bool {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	if dispatcher.running {
		return false
	}

	if dispatcher.stop == nil || isClosedSignal(dispatcher.stop) {
		dispatcher.stop = make(chan struct{})
		dispatcher.stopOnce = sync.Once{}
	}

	dispatcher.running = true
	dispatcher.cancelFunc = cancel

	return true
}

func (dispatcher *Dispatcher) clearRun() {
	dispatcher.runStateMu.Lock()
	defer dispatcher.runStateMu.Unlock()

	dispatcher.running = false
	dispatcher.cancelFunc = nil
}

func (dispatcher *Dispatcher) tenantDispatchOrder(tenants []string) []string {
	if len(tenants) <= 1 {
		return append([]string(nil), tenants...)
	}

	dispatcher.runStateMu.Lock()
	start := dispatcher.tenantTurn % len(tenants)
	dispatcher.tenantTurn = (dispatcher.tenantTurn + 1) % len(tenants)
	dispatcher.runStateMu.Unlock()

	ordered := make([]string, 0, len(tenants))
	ordered = append(ordered, tenants[start:]...)
	ordered = append(ordered, tenants[:start]...)

	return ordered
}

func hashTenantID(tenantID string) string {
	if tenantID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(tenantID))

	return hex.EncodeToString(sum[:8])
}

func isClosedSignal(signal <-chan struct{}) bool {
	if signal == nil {
		return false
	}

	select {
	case <-signal:
		return true
	default:
		return false
	}
}
