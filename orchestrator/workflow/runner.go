package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/invoker"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/retry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/router"
)

// HandlerName is the router consumer name of the Runner.
const HandlerName = "workflow-runner"

// DefaultRunLease is how long a claimed run stays owned without a lease
// extension. Extensions happen at every step boundary.
const DefaultRunLease = 5 * time.Minute

// ActionInvoker calls domain operations. *invoker.Invoker implements it.
type ActionInvoker interface {
	Invoke(ctx context.Context, req invoker.Request) (map[string]any, error)
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithRunnerLogger sets the runner logger.
func WithRunnerLogger(logger log.Logger) RunnerOption {
	return func(runner *Runner) {
		if !nilcheck.Interface(logger) {
			runner.logger = logger
		}
	}
}

// WithRunnerTracer sets the runner tracer.
func WithRunnerTracer(tracer trace.Tracer) RunnerOption {
	return func(runner *Runner) {
		if !nilcheck.Interface(tracer) {
			runner.tracer = tracer
		}
	}
}

// WithRunnerMeterProvider overrides the global meter provider.
func WithRunnerMeterProvider(provider metric.MeterProvider) RunnerOption {
	return func(runner *Runner) {
		if !nilcheck.Interface(provider) {
			runner.meterProvider = provider
		}
	}
}

// WithRunnerRetryManager replaces the retry manager. Each definition's
// RetryPolicy still decides the ceiling and backoff.
func WithRunnerRetryManager(manager *retry.Manager) RunnerOption {
	return func(runner *Runner) {
		if manager != nil {
			runner.retry = manager
		}
	}
}

// WithRunnerClock injects the time source.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(runner *Runner) {
		if now != nil {
			runner.now = now
		}
	}
}

// WithEventWriter enables emit-event actions. The step is finalized in the
// same transaction as the append, so txRunner must be the one the RunStore
// writes through.
func WithEventWriter(writer *outbox.Writer, txRunner outbox.TxRunner) RunnerOption {
	return func(runner *Runner) {
		if writer != nil && !nilcheck.Interface(txRunner) {
			runner.writer = writer
			runner.txRunner = txRunner
		}
	}
}

// WithStepTimeout bounds each step on top of the invoker's own call timeout.
func WithStepTimeout(timeout time.Duration) RunnerOption {
	return func(runner *Runner) {
		if timeout > 0 {
			runner.stepTimeout = timeout
		}
	}
}

// WithRunLease sets how long a run stays claimed between step boundaries.
// It is raised to twice the step timeout when shorter.
func WithRunLease(lease time.Duration) RunnerOption {
	return func(runner *Runner) {
		if lease > 0 {
			runner.runLease = lease
		}
	}
}

// Runner matches events to definitions and executes runs.
type Runner struct {
	definitions DefinitionStore
	runs        RunStore
	invoker     ActionInvoker
	writer      *outbox.Writer
	txRunner    outbox.TxRunner
	retry       *retry.Manager
	stepTimeout time.Duration
	runLease    time.Duration
	now         func() time.Time

	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider

	runsStarted   metric.Int64Counter
	runsCompleted metric.Int64Counter
	runsFailed    metric.Int64Counter
	runsEscalated metric.Int64Counter
	runsSkipped   metric.Int64Counter
	stepDuration  metric.Float64Histogram
}

var _ retry.Resumable = (*Runner)(nil)

// NewRunner wires a Runner.
func NewRunner(definitions DefinitionStore, runs RunStore, actions ActionInvoker, opts ...RunnerOption) (*Runner, error) {
	if nilcheck.Interface(definitions) {
		return nil, ErrDefinitionStoreRequired
	}

	if nilcheck.Interface(runs) {
		return nil, ErrRunStoreRequired
	}

	if nilcheck.Interface(actions) {
		return nil, ErrInvokerRequired
	}

	runner := &Runner{
		definitions: definitions,
		runs:        runs,
		invoker:     actions,
		runLease:    DefaultRunLease,
		now:         time.Now,
		logger:      log.NewNop(),
		tracer:      otel.Tracer("orchestrator.workflow.runner"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(runner)
		}
	}

	if runner.retry == nil {
		runner.retry = retry.NewManager(retry.WithClock(runner.now))
	}

	if runner.stepTimeout > 0 && runner.runLease <= runner.stepTimeout {
		runner.runLease = 2 * runner.stepTimeout
	}

	if err := runner.initMetrics(); err != nil {
		return nil, err
	}

	return runner, nil
}

func (runner *Runner) initMetrics() error {
	provider := runner.meterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("orchestrator.workflow.runner")

	counters := []struct {
		target *metric.Int64Counter
		name   string
		desc   string
	}{
		{&runner.runsStarted, "workflow.runner.runs_started", "Run executions started"},
		{&runner.runsCompleted, "workflow.runner.runs_completed", "Runs that completed every step"},
		{&runner.runsFailed, "workflow.runner.runs_failed", "Runs failed with a scheduled retry"},
		{&runner.runsEscalated, "workflow.runner.runs_escalated", "Runs failed without further automatic attempts"},
		{&runner.runsSkipped, "workflow.runner.runs_skipped", "Definitions skipped because a condition was false"},
	}

	for _, counter := range counters {
		created, err := meter.Int64Counter(counter.name, metric.WithDescription(counter.desc), metric.WithUnit("{run}"))
		if err != nil {
			return fmt.Errorf("create %s counter: %w", counter.name, err)
		}

		*counter.target = created
	}

	var err error

	if runner.stepDuration, err = meter.Float64Histogram("workflow.runner.step.duration",
		metric.WithDescription("Step execution time"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("create workflow.runner.step.duration histogram: %w", err)
	}

	return nil
}

// Register subscribes the runner to every event type on r.
func (runner *Runner) Register(r *router.Router) error {
	return r.Register(router.Wildcard, HandlerName, runner.HandleEvent)
}

// HandleEvent continues the runs record already triggered, then starts every
// enabled definition it matches that has no run yet. Existing runs continue
// even when their definition was disabled since. Step failures are recorded
// on the run; only storage errors are returned so the outbox retries the
// record.
func (runner *Runner) HandleEvent(ctx context.Context, record *outbox.OutboxRecord) error {
	if record == nil {
		return libOrchestrator.NewPermanentError("handle event", router.ErrRecordRequired)
	}

	ctx, span := runner.tracer.Start(ctx, "workflow.runner.handle_event")
	defer span.End()

	span.SetAttributes(
		attribute.String("outbox.event_id", record.ID.String()),
		attribute.String("outbox.event_type", record.EventType),
	)

	existing, err := runner.runs.ListRunsByTrigger(ctx, record.ID)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list runs", err)

		return fmt.Errorf("list runs for event %s: %w", record.ID, err)
	}

	definitions, err := runner.definitions.ListEnabled(ctx, record.EventType)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list definitions", err)

		return fmt.Errorf("list definitions for %s: %w", record.EventType, err)
	}

	var errs []error

	started := make(map[uuid.UUID]bool, len(existing))

	for _, run := range existing {
		started[run.DefinitionID] = true

		if err := runner.continueRun(ctx, run); err != nil {
			errs = append(errs, fmt.Errorf("run %s: %w", run.ID, err))
		}
	}

	for _, definition := range definitions {
		if started[definition.ID] {
			continue
		}

		if !definition.Matches(record.Payload) {
			runner.runsSkipped.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", definition.Name)))

			continue
		}

		if err := runner.startForEvent(ctx, definition, record); err != nil {
			errs = append(errs, fmt.Errorf("definition %s v%d: %w", definition.Name, definition.Version, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		libOpentelemetry.HandleSpanError(span, "workflow storage failure", err)

		return err
	}

	return nil
}

func (runner *Runner) startForEvent(ctx context.Context, definition *Definition, record *outbox.OutboxRecord) error {
	now := runner.now().UTC()

	candidate := &Run{
		ID:                uuid.New(),
		DefinitionID:      definition.ID,
		DefinitionName:    definition.Name,
		DefinitionVersion: definition.Version,
		TenantID:          record.TenantID,
		TriggerEventID:    record.ID,
		TriggerEventType:  record.EventType,
		TriggerPayload:    record.Payload,
		TriggerMeta:       record.Meta(),
		CorrelationID:     record.CorrelationID,
		Status:            RunPending,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	run := candidate

	err := runner.runs.CreateRun(ctx, candidate)

	switch {
	case errors.Is(err, ErrRunExists):
		run, err = runner.runs.GetRunByTrigger(ctx, definition.ID, record.ID)
		if err != nil {
			return fmt.Errorf("load existing run: %w", err)
		}
	case err != nil:
		return fmt.Errorf("create run: %w", err)
	}

	if run.ID != candidate.ID {
		return runner.continueRun(ctx, run)
	}

	return runner.execute(ctx, definition, run)
}

// continueRun executes a redelivered event's run unless it is terminal or
// waiting for a scheduled retry, which belongs to the sweeper. A run whose
// lease is still held elsewhere is left to its executor by StartRun.
func (runner *Runner) continueRun(ctx context.Context, run *Run) error {
	if run.Terminal() || run.Status == RunFailed {
		return nil
	}

	if run.AwaitingRetry() && run.NextAttemptAt.After(runner.now()) {
		return nil
	}

	definition, err := runner.definitions.Get(ctx, run.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}

	return runner.execute(ctx, definition, run)
}

// Resume continues a run at its first step that has not succeeded. The
// definition is loaded by ID, so disabling it does not stop existing runs.
// A run claimed by a live executor is left alone.
func (runner *Runner) Resume(ctx context.Context, runID uuid.UUID) error {
	run, err := runner.runs.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}

	if run.Terminal() {
		return nil
	}

	definition, err := runner.definitions.Get(ctx, run.DefinitionID)
	if err != nil {
		return fmt.Errorf("load definition %s: %w", run.DefinitionID, err)
	}

	return runner.execute(ctx, definition, run)
}

// DueRuns lists runs whose retry or replay is due and runs abandoned by a
// crashed executor.
func (runner *Runner) DueRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return runner.runs.DueRuns(ctx, now, limit)
}

func (runner *Runner) execute(ctx context.Context, definition *Definition, run *Run) error {
	ctx, span := runner.tracer.Start(ctx, "workflow.runner.execute")
	defer span.End()

	span.SetAttributes(
		attribute.String("workflow.run_id", run.ID.String()),
		attribute.String("workflow.definition", definition.Name),
		attribute.Int("workflow.definition_version", definition.Version),
	)

	logger := runner.logger.With(
		log.String("run_id", run.ID.String()),
		log.String("definition", definition.Name),
		log.String("tenant_id", run.TenantID),
	)

	claimedAt := runner.now().UTC()
	claim := RunClaim{Token: uuid.New(), ExpiresAt: claimedAt.Add(runner.runLease)}

	started, err := runner.runs.StartRun(ctx, run.ID, claim, claimedAt)
	if errors.Is(err, ErrRunTransitionConflict) {
		logger.Log(ctx, log.LevelDebug, "run not startable or claimed elsewhere, skipping")

		return nil
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to start run", err)

		return fmt.Errorf("start run: %w", err)
	}

	run = started
	runner.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", definition.Name)))

	steps, err := runner.runs.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}

	existing := make(map[int]*RunStep, len(steps))
	for _, step := range steps {
		existing[step.ActionIndex] = step
	}

	results := make([]any, len(definition.Actions))
	resumeAt := len(definition.Actions)

	for i := range definition.Actions {
		step, ok := existing[i]
		if !ok || step.Status != StepSucceeded {
			resumeAt = i
			break
		}

		results[i] = step.Result
	}

	if resumeAt > 0 {
		logger.Log(ctx, log.LevelInfo, "resuming run", log.Int("step", resumeAt), log.Int("attempt", run.Attempts))
	}

	for i := resumeAt; i < len(definition.Actions); i++ {
		if err := ctx.Err(); err != nil {
			// The run stays running and is resumed once its lease expires.
			return fmt.Errorf("run %s interrupted before step %d: %w", run.ID, i, err)
		}

		now := runner.now().UTC()
		claim.ExpiresAt = now.Add(runner.runLease)

		if err := runner.runs.ExtendRunLease(ctx, run.ID, claim, now); err != nil {
			return runner.leaseLost(ctx, logger, i, err)
		}

		result, stepErr, err := runner.runStep(ctx, definition, run, i, existing[i], results)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "step storage failure", err)

			return runner.leaseLost(ctx, logger, i, err)
		}

		if stepErr != nil {
			return runner.fail(ctx, logger, definition, run, claim.Token, i, stepErr)
		}

		results[i] = result
	}

	if err := runner.runs.CompleteRun(ctx, run.ID, claim.Token, runner.now().UTC()); err != nil {
		return runner.leaseLost(ctx, logger, len(definition.Actions), fmt.Errorf("complete run: %w", err))
	}

	runner.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("definition", definition.Name)))
	logger.Log(ctx, log.LevelInfo, "run completed", log.Int("steps", len(definition.Actions)))

	return nil
}

// runStep executes one action. stepErr is the action's failure, already
// recorded on the step; err is a storage failure.
func (runner *Runner) runStep(
	ctx context.Context,
	definition *Definition,
	run *Run,
	index int,
	previous *RunStep,
	results []any,
) (result map[string]any, stepErr error, err error) {
	action := definition.Actions[index]
	scope := runScope(run, results[:index])

	var keyErr error

	key := invoker.IdempotencyKey(run.ID, index)
	if previous != nil && previous.IdempotencyKey != "" {
		key = previous.IdempotencyKey
	} else if action.IdempotencyKeyTemplate != "" {
		var prefix string

		if prefix, keyErr = RenderString(action.IdempotencyKeyTemplate, scope); keyErr == nil {
			key = invoker.ComposeKey(prefix, key)
		}
	}

	step, err := runner.runs.BeginStep(ctx, &RunStep{
		ID:             uuid.New(),
		RunID:          run.ID,
		ActionIndex:    index,
		ActionType:     action.Type,
		Status:         StepPending,
		IdempotencyKey: key,
		StartedAt:      runner.now().UTC(),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("begin step %d: %w", index, err)
	}

	start := time.Now()

	defer func() {
		runner.stepDuration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
			attribute.String("definition", definition.Name),
			attribute.String("action_type", string(action.Type)),
			attribute.Bool("succeeded", stepErr == nil && err == nil),
		))
	}()

	if keyErr != nil {
		stepErr = libOrchestrator.NewPermanentError("render idempotency key", keyErr)

		return nil, stepErr, runner.finishStep(ctx, step, nil, stepErr)
	}

	parameters, renderErr := RenderParameters(action.Parameters, scope)
	if renderErr != nil {
		stepErr = libOrchestrator.NewPermanentError("render parameters", renderErr)

		return nil, stepErr, runner.finishStep(ctx, step, nil, stepErr)
	}

	if action.Type == ActionEmitEvent {
		return runner.emit(ctx, definition, run, step, action, parameters)
	}

	stepCtx := ctx

	if runner.stepTimeout > 0 {
		timeoutCtx, cancel, timeoutErr := libOrchestrator.WithTimeoutSafe(ctx, runner.stepTimeout)
		if timeoutErr == nil {
			defer cancel()

			stepCtx = timeoutCtx
		}
	}

	result, stepErr = runner.invoke(stepCtx, run, step, action, parameters)

	return result, stepErr, runner.finishStep(ctx, step, result, stepErr)
}

func (runner *Runner) invoke(
	ctx context.Context,
	run *Run,
	step *RunStep,
	action ActionSpec,
	parameters map[string]any,
) (map[string]any, error) {
	switch action.Type {
	case ActionCreateEntity, ActionInvokeOperation:
	default:
		return nil, libOrchestrator.NewPermanentError("dispatch action", fmt.Errorf("%w: %s", ErrUnknownActionType, action.Type))
	}

	result, err := runner.invoker.Invoke(ctx, invoker.Request{
		TenantID:       run.TenantID,
		Domain:         action.TargetDomain,
		Operation:      action.OperationName(),
		Parameters:     parameters,
		IdempotencyKey: step.IdempotencyKey,
	})
	if err != nil {
		return nil, err
	}

	if result == nil {
		result = map[string]any{}
	}

	return result, nil
}

// emit appends the follow-up event and finalizes the step in one
// transaction, so the event exists iff the step succeeded.
func (runner *Runner) emit(
	ctx context.Context,
	definition *Definition,
	run *Run,
	step *RunStep,
	action ActionSpec,
	parameters map[string]any,
) (map[string]any, error, error) {
	if runner.writer == nil {
		stepErr := libOrchestrator.NewPermanentError("emit event", ErrEventWriterRequired)

		return nil, stepErr, runner.finishStep(ctx, step, nil, stepErr)
	}

	var result map[string]any

	err := runner.txRunner.WithinTx(ctx, func(txCtx context.Context, tx outbox.Tx) error {
		envelope, err := runner.writer.Append(txCtx, tx, outbox.AppendInput{
			TenantID:      run.TenantID,
			EventType:     action.Operation,
			Payload:       parameters,
			ActorID:       "workflow:" + definition.Name,
			CorrelationID: run.CorrelationID,
		})
		if err != nil {
			return err
		}

		result = map[string]any{"eventId": envelope.ID.String(), "eventType": envelope.EventType}

		finished := *step
		finished.Status = StepSucceeded
		finished.Result = result
		finishedAt := runner.now().UTC()
		finished.FinishedAt = &finishedAt

		return runner.runs.FinishStepTx(txCtx, tx, &finished)
	})
	if err == nil {
		return result, nil, nil
	}

	var stepErr error

	switch {
	case errors.Is(err, outbox.ErrAppendStorage):
		stepErr = libOrchestrator.NewTransientError("emit event", err)
	case errors.Is(err, outbox.ErrAppendRejected):
		stepErr = libOrchestrator.NewPermanentError("emit event", err)
	case errors.Is(err, ErrStepConflict):
		return nil, nil, fmt.Errorf("finish step %d: %w", step.ActionIndex, err)
	default:
		stepErr = libOrchestrator.NewTransientError("emit event", err)
	}

	return nil, stepErr, runner.finishStep(ctx, step, nil, stepErr)
}

func (runner *Runner) finishStep(ctx context.Context, step *RunStep, result map[string]any, stepErr error) error {
	finished := *step
	finishedAt := runner.now().UTC()
	finished.FinishedAt = &finishedAt

	if stepErr != nil {
		finished.Status = StepFailed
		finished.Error = outbox.SanitizeError(stepErr)
	} else {
		finished.Status = StepSucceeded
		finished.Result = result
	}

	// Record the outcome even when the caller is shutting down.
	if err := runner.runs.FinishStep(context.WithoutCancel(ctx), &finished); err != nil {
		return fmt.Errorf("finish step %d: %w", step.ActionIndex, err)
	}

	return nil
}

// leaseLost swallows err when another executor owns the run, which happens
// when this one outlived its lease. Anything else is a storage failure.
func (runner *Runner) leaseLost(ctx context.Context, logger log.Logger, index int, err error) error {
	if errors.Is(err, ErrRunLeaseLost) || errors.Is(err, ErrRunTransitionConflict) || errors.Is(err, ErrStepConflict) {
		logger.Log(ctx, log.LevelWarn, "run claimed by another executor, stopping", log.Int("step", index), log.Err(err))

		return nil
	}

	return err
}

func (runner *Runner) fail(
	ctx context.Context,
	logger log.Logger,
	definition *Definition,
	run *Run,
	token uuid.UUID,
	index int,
	stepErr error,
) error {
	ctx = context.WithoutCancel(ctx)
	now := runner.now().UTC()
	attrs := metric.WithAttributes(attribute.String("definition", definition.Name))

	decision := runner.retry.DecideWithPolicy(definition.RetryPolicy.Policy(), run.ID.String(), run.Attempts, stepErr)

	failure := RunFailure{Error: fmt.Sprintf("step %d: %s", index, outbox.SanitizeError(decision.Err))}

	if decision.ShouldRetry() {
		next := decision.NextAttemptAt
		failure.NextAttemptAt = &next
	} else {
		failure.Escalated = true
	}

	if err := runner.runs.FailRun(ctx, run.ID, token, failure, now); err != nil {
		return runner.leaseLost(ctx, logger, index, fmt.Errorf("fail run: %w", err))
	}

	if failure.Escalated {
		runner.runsEscalated.Add(ctx, 1, attrs)
		logger.Log(ctx, log.LevelError, "run escalated",
			log.Int("step", index), log.String("reason", decision.Reason), log.Err(stepErr))

		return nil
	}

	runner.runsFailed.Add(ctx, 1, attrs)
	logger.Log(ctx, log.LevelWarn, "run failed, retry scheduled",
		log.Int("step", index),
		log.Int("attempt", run.Attempts),
		log.Duration("backoff", decision.Delay),
		log.Err(stepErr),
	)

	return nil
}

func runScope(run *Run, results []any) map[string]any {
	steps := make([]any, len(results))
	copy(steps, results)

	return map[string]any{
		scopeTrigger: run.TriggerPayload,
		scopeEvent:   run.TriggerMeta,
		scopeSteps:   steps,
		scopeRun: map[string]any{
			"id":            run.ID.String(),
			"tenantId":      run.TenantID,
			"definitionId":  run.DefinitionID.String(),
			"correlationId": run.CorrelationID,
			"attempt":       run.Attempts,
		},
	}
}
