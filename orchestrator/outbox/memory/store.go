package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

type entry struct {
	record  outbox.OutboxRecord
	payload []byte
}

// Store implements outbox.OutboxRepository, outbox.TenantDiscoverer and
// outbox.TxRunner.
type Store struct {
	mu         sync.Mutex
	entries    map[uuid.UUID]*entry
	order      []uuid.UUID
	deliveries map[uuid.UUID]map[string]time.Time
	now        func() time.Time
	runner     TxRunner
}

var (
	_ outbox.OutboxRepository = (*Store)(nil)
	_ outbox.TenantDiscoverer = (*Store)(nil)
	_ outbox.TxRunner         = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
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
		entries:    make(map[uuid.UUID]*entry),
		deliveries: make(map[uuid.UUID]map[string]time.Time),
		now:        time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(store)
		}
	}

	return store
}

// WithinTx runs fn in a staged transaction and commits when it returns nil.
// A panic in fn rolls back and is re-raised.
func (store *Store) WithinTx(ctx context.Context, fn func(ctx context.Context, tx outbox.Tx) error) error {
	return WithinTx(ctx, &store.runner, fn)
}

// WithinTx runs fn in a transaction opened by runner.
func WithinTx(ctx context.Context, runner *TxRunner, fn func(ctx context.Context, tx outbox.Tx) error) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}

	tx := runner.Begin()
	committed := false

	defer func() {
		if !committed {
			runner.Rollback(tx)
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	runner.Commit(tx)
	committed = true

	return nil
}

// CreateWithTx stages record for insertion when tx commits.
func (store *Store) CreateWithTx(_ context.Context, tx outbox.Tx, record *outbox.OutboxRecord) error {
	memTx, err := AsTx(tx)
	if err != nil {
		return err
	}

	if record == nil {
		return fmt.Errorf("%w: nil record", outbox.ErrAppendRejected)
	}

	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrPayloadNotEncodable, err)
	}

	staged := entry{record: *record, payload: payload}
	staged.record.Payload = nil
	staged.record.CompletedHandlers = nil

	return memTx.OnCommit(func() {
		store.mu.Lock()
		defer store.mu.Unlock()

		if _, exists := store.entries[staged.record.ID]; exists {
			return
		}

		copied := staged
		store.entries[copied.record.ID] = &copied
		store.order = append(store.order, copied.record.ID)
	})
}

// GetByID returns a copy of the record.
func (store *Store) GetByID(_ context.Context, id uuid.UUID) (*outbox.OutboxRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.entries[id]
	if !ok {
		return nil, outbox.ErrRecordNotFound
	}

	return store.snapshot(stored), nil
}

// All returns every record in creation order.
func (store *Store) All() []*outbox.OutboxRecord {
	store.mu.Lock()
	defer store.mu.Unlock()

	records := make([]*outbox.OutboxRecord, 0, len(store.order))
	for _, id := range store.order {
		records = append(records, store.snapshot(store.entries[id]))
	}

	return records
}

// ClaimBatch leases claimable records in creation order.
func (store *Store) ClaimBatch(_ context.Context, req outbox.ClaimRequest) ([]*outbox.OutboxRecord, error) {
	if req.Limit <= 0 {
		return nil, nil
	}

	now := req.Now
	if now.IsZero() {
		now = store.now().UTC()
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	var claimed []*outbox.OutboxRecord

	for _, id := range store.order {
		if len(claimed) >= req.Limit {
			break
		}

		stored := store.entries[id]
		if req.TenantID != "" && stored.record.TenantID != req.TenantID {
			continue
		}

		if !claimable(&stored.record, now) {
			continue
		}

		if err := outbox.ValidateRecordTransition(stored.record.Status, outbox.StatusLeased); err != nil {
			return nil, err
		}

		expires := now.Add(req.LeaseDuration)
		stored.record.Status = outbox.StatusLeased
		stored.record.LeaseToken = uuid.New()
		stored.record.LeaseOwner = req.Owner
		stored.record.LeaseExpiresAt = &expires
		stored.record.NextAttemptAt = nil
		stored.record.DeliveryAttempts++
		stored.record.UpdatedAt = now

		claimed = append(claimed, store.snapshot(stored))
	}

	return claimed, nil
}

func claimable(record *outbox.OutboxRecord, now time.Time) bool {
	switch record.Status {
	case outbox.StatusPending:
		return true
	case outbox.StatusRetry:
		return record.NextAttemptAt == nil || !record.NextAttemptAt.After(now)
	case outbox.StatusLeased:
		return record.LeaseExpiresAt != nil && !record.LeaseExpiresAt.After(now)
	default:
		return false
	}
}

// MarkHandlerDelivered records handler completions under the lease.
func (store *Store) MarkHandlerDelivered(_ context.Context, id, leaseToken uuid.UUID, handlers []string) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	if _, err := store.leased(id, leaseToken); err != nil {
		return err
	}

	completed := store.deliveries[id]
	if completed == nil {
		completed = make(map[string]time.Time)
		store.deliveries[id] = completed
	}

	now := store.now().UTC()
	for _, handler := range handlers {
		if _, done := completed[handler]; !done {
			completed[handler] = now
		}
	}

	return nil
}

// MarkProcessed finalizes a delivered record.
func (store *Store) MarkProcessed(_ context.Context, id, leaseToken uuid.UUID) error {
	return store.finish(id, leaseToken, outbox.StatusProcessed, func(record *outbox.OutboxRecord, now time.Time) {
		record.ProcessedAt = &now
	})
}

// ScheduleRetry releases the lease until nextAttemptAt.
func (store *Store) ScheduleRetry(_ context.Context, id, leaseToken uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	return store.finish(id, leaseToken, outbox.StatusRetry, func(record *outbox.OutboxRecord, _ time.Time) {
		next := nextAttemptAt.UTC()
		record.NextAttemptAt = &next
		record.LastError = lastError
	})
}

// MarkDeadLettered parks the record for manual remediation.
func (store *Store) MarkDeadLettered(_ context.Context, id, leaseToken uuid.UUID, lastError string) error {
	return store.finish(id, leaseToken, outbox.StatusDeadLettered, func(record *outbox.OutboxRecord, now time.Time) {
		record.DeadLetteredAt = &now
		record.LastError = lastError
	})
}

func (store *Store) finish(id, leaseToken uuid.UUID, next outbox.RecordStatus, apply func(*outbox.OutboxRecord, time.Time)) error {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, err := store.leased(id, leaseToken)
	if err != nil {
		return err
	}

	if err := outbox.ValidateRecordTransition(stored.record.Status, next); err != nil {
		return err
	}

	now := store.now().UTC()
	stored.record.Status = next
	stored.record.LeaseToken = uuid.Nil
	stored.record.LeaseOwner = ""
	stored.record.LeaseExpiresAt = nil
	stored.record.UpdatedAt = now
	apply(&stored.record, now)

	return nil
}

func (store *Store) leased(id, leaseToken uuid.UUID) (*entry, error) {
	stored, ok := store.entries[id]
	if !ok {
		return nil, outbox.ErrRecordNotFound
	}

	if stored.record.Status != outbox.StatusLeased || stored.record.LeaseToken != leaseToken {
		return nil, outbox.ErrLeaseLost
	}

	return stored, nil
}

// ListDeadLettered returns dead-lettered records, newest first.
func (store *Store) ListDeadLettered(_ context.Context, filter outbox.DeadLetterFilter) ([]*outbox.OutboxRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	limit = min(limit, maxListLimit)

	store.mu.Lock()
	defer store.mu.Unlock()

	var matched []*entry

	for _, id := range store.order {
		stored := store.entries[id]
		if stored.record.Status != outbox.StatusDeadLettered {
			continue
		}

		if filter.TenantID != "" && stored.record.TenantID != filter.TenantID {
			continue
		}

		if filter.EventType != "" && stored.record.EventType != filter.EventType {
			continue
		}

		matched = append(matched, stored)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return deadLetteredAt(matched[i]).After(deadLetteredAt(matched[j]))
	})

	if filter.Offset >= len(matched) {
		return []*outbox.OutboxRecord{}, nil
	}

	matched = matched[max(filter.Offset, 0):]
	if len(matched) > limit {
		matched = matched[:limit]
	}

	records := make([]*outbox.OutboxRecord, 0, len(matched))
	for _, stored := range matched {
		records = append(records, store.snapshot(stored))
	}

	return records, nil
}

func deadLetteredAt(stored *entry) time.Time {
	if stored.record.DeadLetteredAt == nil {
		return time.Time{}
	}

	return *stored.record.DeadLetteredAt
}

// Replay returns a dead-lettered record to PENDING.
func (store *Store) Replay(_ context.Context, id uuid.UUID) (*outbox.OutboxRecord, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	stored, ok := store.entries[id]
	if !ok {
		return nil, outbox.ErrRecordNotFound
	}

	if stored.record.Status != outbox.StatusDeadLettered {
		return nil, fmt.Errorf("%w: status %s", outbox.ErrNotDeadLettered, stored.record.Status)
	}

	stored.record.Status = outbox.StatusPending
	stored.record.ReplayBaseAttempts = stored.record.DeliveryAttempts
	stored.record.DeadLetteredAt = nil
	stored.record.NextAttemptAt = nil
	stored.record.UpdatedAt = store.now().UTC()

	return store.snapshot(stored), nil
}

// CountBacklog counts records still awaiting an outcome.
func (store *Store) CountBacklog(_ context.Context) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	var backlog int64

	for _, stored := range store.entries {
		switch stored.record.Status {
		case outbox.StatusPending, outbox.StatusLeased, outbox.StatusRetry:
			backlog++
		}
	}

	return backlog, nil
}

// DiscoverTenants lists tenants with backlog, sorted.
func (store *Store) DiscoverTenants(_ context.Context) ([]string, error) {
	store.mu.Lock()
	defer store.mu.Unlock()

	seen := make(map[string]struct{})

	for _, stored := range store.entries {
		switch stored.record.Status {
		case outbox.StatusPending, outbox.StatusLeased, outbox.StatusRetry:
			seen[stored.record.TenantID] = struct{}{}
		}
	}

	tenants := make([]string, 0, len(seen))
	for tenant := range seen {
		tenants = append(tenants, tenant)
	}

	slices.SortFunc(tenants, strings.Compare)

	return tenants, nil
}

// snapshot copies stored and decodes its payload. Caller holds mu.
func (store *Store) snapshot(stored *entry) *outbox.OutboxRecord {
	record := stored.record

	// payload was produced by json.Marshal in CreateWithTx
	var payload map[string]any
	_ = json.Unmarshal(stored.payload, &payload)

	record.Payload = payload

	if completed := store.deliveries[record.ID]; len(completed) > 0 {
		record.CompletedHandlers = make([]string, 0, len(completed))
		for handler := range completed {
			record.CompletedHandlers = append(record.CompletedHandlers, handler)
		}

		slices.SortFunc(record.CompletedHandlers, strings.Compare)
	}

	record.LeaseExpiresAt = copyTime(record.LeaseExpiresAt)
	record.NextAttemptAt = copyTime(record.NextAttemptAt)
	record.ProcessedAt = copyTime(record.ProcessedAt)
	record.DeadLetteredAt = copyTime(record.DeadLetteredAt)

	return &record
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	copied := *t

	return &copied
}
