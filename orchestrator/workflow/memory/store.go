// Package memory is an in-process workflow store for tests and single-node
// embedding. Staged step writes join transactions opened by the outbox
// memory runner.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	outboxmemory "github.com/LerianStudio/lib-orchestrator/orchestrator/outbox/memory"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type triggerKey struct {
	definitionID   uuid.UUID
	triggerEventID uuid.UUID
}

// Store implements workflow.DefinitionStore and workflow.RunStore.
type Store struct {
	mu          sync.Mutex
	definitions map[uuid.UUID]*workflow.Definition
	defOrder    []uuid.UUID
	runs        map[uuid.UUID]*workflow.Run
	byTrigger   map[triggerKey]uuid.UUID
	steps       map[uuid.UUID]map[int]*workflow.RunStep
	now         func() time.Time
}

var (
	_ workflow.DefinitionStore = (*Store)(nil)
	_ workflow.RunStore        = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for CreatedAt stamps.
func WithClock(now func() time.Time) Option {
	return func(store *Store) {
		if now != nil {
			store.now = now
		}
	}
}

// NewStore returns an empty store.
func NewStore(opts ...Option) *Store {
	store := &Store{
		definitions: make(map[uuid.UUID]*workflow.Definition),
		runs:        make(map[uuid.UUID]*workflow.Run),
		byTrigger:   make(map[triggerKey]uuid.UUID),
		steps:       make(map[uuid.UUID]map[int]*workflow.RunStep),
		now:         time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

// Publish validates and stores definition as the next version of its name.
func (store *Store) Publish(_ context.Context, definition *workflow.Definition) (*workflow.Definition, error) {
	if definition == nil {
		return nil, workflow.ErrDefinitionRequired
	}

	published := cloneDefinition(definition)
	published.Normalize()

	if err := published.Validate(); err != nil {
		return nil, err
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	latest := 0

	for _, existing := range store.definitions {
		if existing.Name == published.Name && existing.Version > latest {
			latest = existing.Version
		}
	}

	published.ID = uuid.New()
	published.Version = latest + 1
	published.CreatedAt = store.now().UTC()

	store.definitions[published.ID] = published
	store.defOrder = append(store.defOrder, published.ID)

	return cloneDefinition(published), nil
}

// Get returns the definition with id.
func (store *Store) Get(_ context.Context, id uuid.UUID) (*workflow.Definition, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	definition, ok := store.definitions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, id)
	}

	return cloneDefinition(definition), nil
}

// ListEnabled returns enabled definitions for eventType in publication order.
func (store *Store) ListEnabled(_ context.Context, eventType string) ([]*workflow.Definition, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var out []*workflow.Definition

	for _, id := range store.defOrder {
		definition := store.definitions[id]
		if definition.Enabled && definition.TriggerEventType == eventType {
			out = append(out, cloneDefinition(definition))
		}
	}

	return out, nil
}

// List returns every definition in publication order.
func (store *Store) List(_ context.Context) ([]*workflow.Definition, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	out := make([]*workflow.Definition, 0, len(store.defOrder))
	for _, id := range store.defOrder {
		out = append(out, cloneDefinition(store.definitions[id]))
	}

	return out, nil
}

// SetEnabled toggles a definition.
func (store *Store) SetEnabled(_ context.Context, id uuid.UUID, enabled bool) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	definition, ok := store.definitions[id]
	if !ok {
		return fmt.Errorf("%w: %s", workflow.ErrDefinitionNotFound, id)
	}

	definition.Enabled = enabled

	return nil
}

// CreateRun inserts run unless one exists for its definition and trigger.
func (store *Store) CreateRun(_ context.Context, run *workflow.Run) error {
	if run == nil {
		return workflow.ErrRunNotFound
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	key := triggerKey{definitionID: run.DefinitionID, triggerEventID: run.TriggerEventID}
	if _, exists := store.byTrigger[key]; exists {
		return workflow.ErrRunExists
	}

	stored := cloneRun(run)
	stored.Status = workflow.RunPending

	store.runs[stored.ID] = stored
	store.byTrigger[key] = stored.ID

	return nil
}

// GetRun returns the run with id.
func (store *Store) GetRun(_ context.Context, id uuid.UUID) (*workflow.Run, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	run, ok := store.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrRunNotFound, id)
	}

	return cloneRun(run), nil
}

// GetRunByTrigger returns the run created for definitionID by triggerEventID.
func (store *Store) GetRunByTrigger(_ context.Context, definitionID, triggerEventID uuid.UUID) (*workflow.Run, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	id, ok := store.byTrigger[triggerKey{definitionID: definitionID, triggerEventID: triggerEventID}]
	if !ok {
		return nil, workflow.ErrRunNotFound
	}

	return cloneRun(store.runs[id]), nil
}

// ListRunsByTrigger returns the runs created for triggerEventID, oldest
// first.
func (store *Store) ListRunsByTrigger(_ context.Context, triggerEventID uuid.UUID) ([]*workflow.Run, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var runs []*workflow.Run

	for _, run := range store.runs {
		if run.TriggerEventID == triggerEventID {
			runs = append(runs, cloneRun(run))
		}
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.Before(runs[j].CreatedAt) })

	return runs, nil
}

// StartRun claims the run and moves it to running.
func (store *Store) StartRun(_ context.Context, id uuid.UUID, claim workflow.RunClaim, now time.Time) (*workflow.Run, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	run, err := store.runLocked(id)
	if err != nil {
		return nil, err
	}

	switch {
	case run.Status == workflow.RunPending:
	case run.Status == workflow.RunFailed && !run.Escalated:
	case run.LeaseExpired(now):
	default:
		return nil, fmt.Errorf("%w: start %s run", workflow.ErrRunTransitionConflict, run.Status)
	}

	expiresAt := claim.ExpiresAt

	run.Status = workflow.RunRunning
	run.Attempts++
	run.NextAttemptAt = nil
	run.LeaseToken = claim.Token
	run.LeaseExpiresAt = &expiresAt
	run.UpdatedAt = now

	if run.StartedAt == nil {
		startedAt := now
		run.StartedAt = &startedAt
	}

	return cloneRun(run), nil
}

// ExtendRunLease moves the expiry of the lease held under claim.Token.
func (store *Store) ExtendRunLease(_ context.Context, id uuid.UUID, claim workflow.RunClaim, now time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	run, err := store.leasedRunLocked(id, claim.Token, "extend")
	if err != nil {
		return err
	}

	expiresAt := claim.ExpiresAt
	run.LeaseExpiresAt = &expiresAt
	run.UpdatedAt = now

	return nil
}

// CompleteRun finishes a running run held under token.
func (store *Store) CompleteRun(_ context.Context, id, token uuid.UUID, now time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	run, err := store.leasedRunLocked(id, token, "complete")
	if err != nil {
		return err
	}

	releaseLease(run)

	run.Status = workflow.RunCompleted
	run.Error = ""
	run.CompletedAt = &now
	run.UpdatedAt = now

	return nil
}

// FailRun records a failure on a running run held under token.
func (store *Store) FailRun(_ context.Context, id, token uuid.UUID, failure workflow.RunFailure, now time.Time) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	run, err := store.leasedRunLocked(id, token, "fail")
	if err != nil {
		return err
	}

	releaseLease(run)

	run.Status = workflow.RunFailed
	run.Error = failure.Error
	run.Escalated = failure.Escalated
	run.NextAttemptAt = nil
	run.UpdatedAt = now

	if failure.NextAttemptAt != nil && !failure.Escalated {
		next := *failure.NextAttemptAt
		run.NextAttemptAt = &next
	}

	return nil
}

// ReplayRun returns an escalated run to pending, due immediately.
func (store *Store) ReplayRun(_ context.Context, id uuid.UUID, now time.Time) (*workflow.Run, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	run, err := store.runLocked(id)
	if err != nil {
		return nil, err
	}

	if run.Status != workflow.RunFailed || !run.Escalated {
		return nil, fmt.Errorf("%w: %s", workflow.ErrRunNotDeadLettered, id)
	}

	run.Status = workflow.RunPending
	run.Escalated = false
	run.Attempts = 0
	run.NextAttemptAt = &now
	run.UpdatedAt = now

	return cloneRun(run), nil
}

// DueRuns lists retries and replays whose time has come and running runs
// whose lease expired.
func (store *Store) DueRuns(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var due []*workflow.Run

	for _, run := range store.runs {
		if run.Due(now) {
			due = append(due, run)
		}
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := dueAt(due[i]), dueAt(due[j])
		if a.Equal(b) {
			return due[i].CreatedAt.Before(due[j].CreatedAt)
		}

		return a.Before(b)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	ids := make([]uuid.UUID, 0, len(due))
	for _, run := range due {
		ids = append(ids, run.ID)
	}

	return ids, nil
}

// ListEscalated pages through escalated runs, most recently updated first.
func (store *Store) ListEscalated(_ context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var matched []*workflow.Run

	for _, run := range store.runs {
		if run.Status != workflow.RunFailed || !run.Escalated {
			continue
		}

		if filter.TenantID != "" && run.TenantID != filter.TenantID {
			continue
		}

		if filter.DefinitionID != uuid.Nil && run.DefinitionID != filter.DefinitionID {
			continue
		}

		matched = append(matched, run)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].UpdatedAt.After(matched[j].UpdatedAt)
	})

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	limit = min(limit, maxListLimit)
	offset := max(filter.Offset, 0)

	if offset >= len(matched) {
		return []*workflow.Run{}, nil
	}

	matched = matched[offset:min(offset+limit, len(matched))]

	out := make([]*workflow.Run, 0, len(matched))
	for _, run := range matched {
		out = append(out, cloneRun(run))
	}

	return out, nil
}

// ListSteps returns the steps of runID ordered by action index.
func (store *Store) ListSteps(_ context.Context, runID uuid.UUID) ([]*workflow.RunStep, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	steps := make([]*workflow.RunStep, 0, len(store.steps[runID]))
	for _, step := range store.steps[runID] {
		steps = append(steps, cloneStep(step))
	}

	sort.Slice(steps, func(i, j int) bool { return steps[i].ActionIndex < steps[j].ActionIndex })

	return steps, nil
}

// BeginStep upserts the step as pending with one more attempt.
func (store *Store) BeginStep(_ context.Context, step *workflow.RunStep) (*workflow.RunStep, error) {
	if step == nil {
		return nil, workflow.ErrStepConflict
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if _, err := store.runLocked(step.RunID); err != nil {
		return nil, err
	}

	byIndex, ok := store.steps[step.RunID]
	if !ok {
		byIndex = make(map[int]*workflow.RunStep)
		store.steps[step.RunID] = byIndex
	}

	existing, ok := byIndex[step.ActionIndex]
	if !ok {
		stored := cloneStep(step)
		stored.Status = workflow.StepPending
		stored.AttemptCount = 1
		byIndex[step.ActionIndex] = stored

		return cloneStep(stored), nil
	}

	if existing.Status == workflow.StepSucceeded {
		return nil, fmt.Errorf("%w: step %d already succeeded", workflow.ErrStepConflict, step.ActionIndex)
	}

	existing.Status = workflow.StepPending
	existing.AttemptCount++
	existing.Error = ""
	existing.Result = nil
	existing.FinishedAt = nil
	existing.StartedAt = step.StartedAt

	if existing.IdempotencyKey == "" {
		existing.IdempotencyKey = step.IdempotencyKey
	}

	return cloneStep(existing), nil
}

// FinishStep finalizes a pending step.
func (store *Store) FinishStep(_ context.Context, step *workflow.RunStep) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	target, err := store.pendingStepLocked(step)
	if err != nil {
		return err
	}

	applyFinish(target, step)

	return nil
}

// FinishStepTx stages FinishStep on a memory transaction.
func (store *Store) FinishStepTx(_ context.Context, tx outbox.Tx, step *workflow.RunStep) error {
	memTx, err := outboxmemory.AsTx(tx)
	if err != nil {
		return err
	}

	store.mu.Lock()
	_, err = store.pendingStepLocked(step)
	store.mu.Unlock()

	if err != nil {
		return err
	}

	staged := cloneStep(step)

	return memTx.OnCommit(func() {
		store.mu.Lock()
		defer store.mu.Unlock()

		if target, err := store.pendingStepLocked(staged); err == nil {
			applyFinish(target, staged)
		}
	})
}

func (store *Store) runLocked(id uuid.UUID) (*workflow.Run, error) {
	run, ok := store.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", workflow.ErrRunNotFound, id)
	}

	return run, nil
}

func (store *Store) leasedRunLocked(id, token uuid.UUID, op string) (*workflow.Run, error) {
	run, err := store.runLocked(id)
	if err != nil {
		return nil, err
	}

	if run.Status != workflow.RunRunning {
		return nil, fmt.Errorf("%w: %s %s run", workflow.ErrRunTransitionConflict, op, run.Status)
	}

	if run.LeaseToken != token {
		return nil, fmt.Errorf("%w: %s run %s", workflow.ErrRunLeaseLost, op, id)
	}

	return run, nil
}

func releaseLease(run *workflow.Run) {
	run.LeaseToken = uuid.Nil
	run.LeaseExpiresAt = nil
}

func dueAt(run *workflow.Run) time.Time {
	if run.NextAttemptAt != nil {
		return *run.NextAttemptAt
	}

	if run.LeaseExpiresAt != nil {
		return *run.LeaseExpiresAt
	}

	return run.UpdatedAt
}

func (store *Store) pendingStepLocked(step *workflow.RunStep) (*workflow.RunStep, error) {
	if step == nil {
		return nil, workflow.ErrStepConflict
	}

	target, ok := store.steps[step.RunID][step.ActionIndex]
	if !ok || target.Status != workflow.StepPending || target.AttemptCount != step.AttemptCount {
		return nil, fmt.Errorf("%w: step %d attempt %d", workflow.ErrStepConflict, step.ActionIndex, step.AttemptCount)
	}

	return target, nil
}

func applyFinish(target, step *workflow.RunStep) {
	target.Status = step.Status
	target.Error = step.Error
	target.Result = cloneMap(step.Result)

	if step.FinishedAt != nil {
		finishedAt := *step.FinishedAt
		target.FinishedAt = &finishedAt
	}
}

// cloneMap deep-copies JSON-shaped data so callers cannot mutate the store.
func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}

	encoded, err := json.Marshal(in)
	if err != nil {
		return in
	}

	var out map[string]any
	if err := json.Unmarshal(encoded, &out); err != nil {
		return in
	}

	return out
}

func cloneDefinition(in *workflow.Definition) *workflow.Definition {
	out := *in
	out.Conditions = append([]workflow.Condition(nil), in.Conditions...)
	out.Actions = make([]workflow.ActionSpec, len(in.Actions))

	for i, action := range in.Actions {
		action.Parameters = cloneMap(action.Parameters)
		out.Actions[i] = action
	}

	return &out
}

func cloneRun(in *workflow.Run) *workflow.Run {
	out := *in
	out.TriggerPayload = cloneMap(in.TriggerPayload)
	out.TriggerMeta = cloneMap(in.TriggerMeta)

	return &out
}

func cloneStep(in *workflow.RunStep) *workflow.RunStep {
	out := *in
	out.Result = cloneMap(in.Result)

	return &out
}
