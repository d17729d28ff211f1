package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	libPostgres "github.com/LerianStudio/lib-orchestrator/orchestrator/postgres"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500

	recordColumns = "id, tenant_id, event_type, schema_version, payload, actor_id, correlation_id, occurred_at, " +
		"status, delivery_attempts, replay_base_attempts, last_error, lease_token, lease_owner, lease_expires_at, " +
		"next_attempt_at, processed_at, dead_lettered_at, created_at, updated_at"
)

var (
	ErrConnectionRequired       = errors.New("postgres connection is required")
	ErrRepositoryNotInitialized = errors.New("outbox repository not initialized")
	ErrIDRequired               = errors.New("id is required")
	ErrLeaseTokenRequired       = errors.New("lease token is required")
)

// Option configures a Repository.
type Option func(*Repository)

// WithLogger sets the repository logger.
func WithLogger(logger log.Logger) Option {
	return func(repo *Repository) {
		if !nilcheck.Interface(logger) {
			repo.logger = logger
		}
	}
}

// WithClock overrides time.Now for timestamps the repository writes.
func WithClock(now func() time.Time) Option {
	return func(repo *Repository) {
		if now != nil {
			repo.now = now
		}
	}
}

// Repository implements outbox.OutboxRepository and outbox.TenantDiscoverer.
type Repository struct {
	client *libPostgres.Client
	logger log.Logger
	now    func() time.Time
}

var (
	_ outbox.OutboxRepository = (*Repository)(nil)
	_ outbox.TenantDiscoverer = (*Repository)(nil)
)

// NewRepository builds a repository over client.
func NewRepository(client *libPostgres.Client, opts ...Option) (*Repository, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	repo := &Repository{client: client, logger: log.NewNop(), now: time.Now}

	for _, opt := range opts {
		if opt != nil {
			opt(repo)
		}
	}

	return repo, nil
}

func (repo *Repository) initialized() bool {
	return repo != nil && repo.client != nil
}

// CreateWithTx inserts record through tx.
func (repo *Repository) CreateWithTx(ctx context.Context, tx outbox.Tx, record *outbox.OutboxRecord) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if nilcheck.Interface(tx) {
		return outbox.ErrTxRequired
	}

	if record == nil || record.ID == uuid.Nil {
		return ErrIDRequired
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.create_outbox_record")
	defer span.End()

	payload, err := json.Marshal(record.Payload)
	if err != nil {
		return fmt.Errorf("%w: %w", outbox.ErrPayloadNotEncodable, err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO outbox_records (id, tenant_id, event_type, schema_version, payload, actor_id, correlation_id, "+
			"occurred_at, status, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)",
		record.ID,
		record.TenantID,
		record.EventType,
		record.SchemaVersion,
		payload,
		record.ActorID,
		record.CorrelationID,
		record.OccurredAt,
		outbox.StatusPending.String(),
		record.CreatedAt,
	)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to create outbox record", err)
		log.SafeError(logger, ctx, "failed to create outbox record", err, false)

		return fmt.Errorf("creating outbox record: %w", err)
	}

	return nil
}

// GetByID reads one record from the primary.
func (repo *Repository) GetByID(ctx context.Context, id uuid.UUID) (*outbox.OutboxRecord, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return nil, ErrIDRequired
	}

	primary, err := repo.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	record, err := scanRecord(primary.QueryRowContext(ctx, "SELECT "+recordColumns+" FROM outbox_records WHERE id = $1", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, outbox.ErrRecordNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("get outbox record: %w", err)
	}

	if err := repo.loadCompleted(ctx, primary, []*outbox.OutboxRecord{record}); err != nil {
		return nil, err
	}

	return record, nil
}

// ClaimBatch leases claimable records in one statement. Rows locked by
// another claimer are skipped, not waited on.
func (repo *Repository) ClaimBatch(ctx context.Context, req outbox.ClaimRequest) ([]*outbox.OutboxRecord, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	if req.Limit <= 0 {
		return nil, nil
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.claim_outbox_records")
	defer span.End()

	now := req.Now
	if now.IsZero() {
		now = repo.now().UTC()
	}

	primary, err := repo.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	query := `WITH claimable AS (
	SELECT id FROM outbox_records
	WHERE (status = 'PENDING'
		OR (status = 'RETRY' AND (next_attempt_at IS NULL OR next_attempt_at <= $1))
		OR (status = 'LEASED' AND lease_expires_at <= $1))
	AND ($4::text = '' OR tenant_id = $4)
	ORDER BY created_at, id
	LIMIT $2
	FOR UPDATE SKIP LOCKED
)
UPDATE outbox_records r SET
	status = 'LEASED',
	lease_token = gen_random_uuid(),
	lease_owner = $3,
	lease_expires_at = $5,
	next_attempt_at = NULL,
	delivery_attempts = r.delivery_attempts + 1,
	updated_at = $1
FROM claimable c
WHERE r.id = c.id
RETURNING ` + prefixed("r.", recordColumns)

	rows, err := primary.QueryContext(ctx, query, now, req.Limit, req.Owner, req.TenantID, now.Add(req.LeaseDuration))
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to claim outbox records", err)
		log.SafeError(logger, ctx, "failed to claim outbox records", err, false)

		return nil, fmt.Errorf("claiming outbox records: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	// RETURNING does not preserve the CTE order.
	slices.SortFunc(records, func(a, b *outbox.OutboxRecord) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}

		return strings.Compare(a.ID.String(), b.ID.String())
	})

	if err := repo.loadCompleted(ctx, primary, records); err != nil {
		return nil, err
	}

	return records, nil
}

// MarkHandlerDelivered records handler completions after confirming the lease.
func (repo *Repository) MarkHandlerDelivered(ctx context.Context, id, leaseToken uuid.UUID, handlers []string) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if len(handlers) == 0 {
		return nil
	}

	now := repo.now().UTC()

	return repo.client.WithinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var locked uuid.UUID

		err := tx.QueryRowContext(ctx,
			"SELECT id FROM outbox_records WHERE id = $1 AND lease_token = $2 AND status = 'LEASED' FOR UPDATE",
			id, leaseToken,
		).Scan(&locked)
		if errors.Is(err, sql.ErrNoRows) {
			return repo.leaseMiss(ctx, tx, id)
		}

		if err != nil {
			return fmt.Errorf("lock outbox record: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO outbox_deliveries (record_id, handler, completed_at) "+
				"SELECT $1, h, $3 FROM unnest($2::text[]) AS h ON CONFLICT (record_id, handler) DO NOTHING",
			id, handlers, now,
		)
		if err != nil {
			return fmt.Errorf("insert outbox deliveries: %w", err)
		}

		return nil
	})
}

// MarkProcessed finalizes a delivered record.
func (repo *Repository) MarkProcessed(ctx context.Context, id, leaseToken uuid.UUID) error {
	now := repo.now().UTC()

	return repo.finishLease(ctx, "postgres.mark_outbox_processed", id, leaseToken,
		"status = 'PROCESSED', processed_at = $3, updated_at = $3", now)
}

// ScheduleRetry releases the lease until nextAttemptAt.
func (repo *Repository) ScheduleRetry(ctx context.Context, id, leaseToken uuid.UUID, nextAttemptAt time.Time, lastError string) error {
	return repo.finishLease(ctx, "postgres.schedule_outbox_retry", id, leaseToken,
		"status = 'RETRY', next_attempt_at = $3, last_error = $4, updated_at = $5",
		nextAttemptAt.UTC(), lastError, repo.now().UTC())
}

// MarkDeadLettered parks the record for manual remediation.
func (repo *Repository) MarkDeadLettered(ctx context.Context, id, leaseToken uuid.UUID, lastError string) error {
	return repo.finishLease(ctx, "postgres.mark_outbox_dead_lettered", id, leaseToken,
		"status = 'DEAD_LETTERED', dead_lettered_at = $3, last_error = $4, updated_at = $3",
		repo.now().UTC(), lastError)
}

func (repo *Repository) finishLease(ctx context.Context, spanName string, id, leaseToken uuid.UUID, set string, args ...any) error {
	if !repo.initialized() {
		return ErrRepositoryNotInitialized
	}

	if id == uuid.Nil {
		return ErrIDRequired
	}

	if leaseToken == uuid.Nil {
		return ErrLeaseTokenRequired
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, spanName)
	defer span.End()

	primary, err := repo.client.Primary(ctx)
	if err != nil {
		return err
	}

	query := "UPDATE outbox_records SET " + set +
		", lease_token = NULL, lease_owner = NULL, lease_expires_at = NULL" +
		" WHERE id = $1 AND lease_token = $2 AND status = 'LEASED'"

	result, err := primary.ExecContext(ctx, query, append([]any{id, leaseToken}, args...)...)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to update outbox record", err)
		log.SafeError(logger, ctx, "failed to update outbox record", err, false)

		return fmt.Errorf("updating outbox record: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}

	if affected == 0 {
		return repo.leaseMiss(ctx, primary, id)
	}

	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (repo *Repository) leaseMiss(ctx context.Context, db queryRower, id uuid.UUID) error {
	var exists bool

	if err := db.QueryRowContext(ctx, "SELECT EXISTS (SELECT 1 FROM outbox_records WHERE id = $1)", id).Scan(&exists); err != nil {
		return fmt.Errorf("check outbox record: %w", err)
	}

	if !exists {
		return outbox.ErrRecordNotFound
	}

	return outbox.ErrLeaseLost
}

// ListDeadLettered pages through dead-lettered records, newest first.
func (repo *Repository) ListDeadLettered(ctx context.Context, filter outbox.DeadLetterFilter) ([]*outbox.OutboxRecord, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	limit = min(limit, maxListLimit)

	resolver, err := repo.client.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := resolver.QueryContext(ctx,
		"SELECT "+recordColumns+" FROM outbox_records WHERE status = 'DEAD_LETTERED'"+
			" AND ($1::text = '' OR tenant_id = $1) AND ($2::text = '' OR event_type = $2)"+
			" ORDER BY dead_lettered_at DESC, id LIMIT $3 OFFSET $4",
		filter.TenantID, filter.EventType, limit, max(filter.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("listing dead-lettered records: %w", err)
	}

	records, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}

	if records == nil {
		records = []*outbox.OutboxRecord{}
	}

	return records, nil
}

// Replay returns a dead-lettered record to PENDING and moves its attempt
// ceiling base to the current attempt count.
func (repo *Repository) Replay(ctx context.Context, id uuid.UUID) (*outbox.OutboxRecord, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	logger, tracer, _, _ := libOrchestrator.NewTrackingFromContext(ctx)

	ctx, span := tracer.Start(ctx, "postgres.replay_outbox_record")
	defer span.End()

	primary, err := repo.client.Primary(ctx)
	if err != nil {
		return nil, err
	}

	record, err := scanRecord(primary.QueryRowContext(ctx,
		"UPDATE outbox_records SET status = 'PENDING', replay_base_attempts = delivery_attempts,"+
			" dead_lettered_at = NULL, next_attempt_at = NULL, updated_at = $2"+
			" WHERE id = $1 AND status = 'DEAD_LETTERED' RETURNING "+recordColumns,
		id, repo.now().UTC(),
	))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := repo.GetByID(ctx, id)
		if getErr != nil {
			return nil, getErr
		}

		return nil, fmt.Errorf("%w: status %s", outbox.ErrNotDeadLettered, current.Status)
	}

	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to replay outbox record", err)
		log.SafeError(logger, ctx, "failed to replay outbox record", err, false)

		return nil, fmt.Errorf("replaying outbox record: %w", err)
	}

	if err := repo.loadCompleted(ctx, primary, []*outbox.OutboxRecord{record}); err != nil {
		return nil, err
	}

	return record, nil
}

// CountBacklog counts records still awaiting an outcome.
func (repo *Repository) CountBacklog(ctx context.Context) (int64, error) {
	if !repo.initialized() {
		return 0, ErrRepositoryNotInitialized
	}

	resolver, err := repo.client.Resolver(ctx)
	if err != nil {
		return 0, err
	}

	var backlog int64

	err = resolver.QueryRowContext(ctx,
		"SELECT count(*) FROM outbox_records WHERE status IN ('PENDING', 'LEASED', 'RETRY')",
	).Scan(&backlog)
	if err != nil {
		return 0, fmt.Errorf("counting outbox backlog: %w", err)
	}

	return backlog, nil
}

// DiscoverTenants lists tenants with backlog.
func (repo *Repository) DiscoverTenants(ctx context.Context) ([]string, error) {
	if !repo.initialized() {
		return nil, ErrRepositoryNotInitialized
	}

	resolver, err := repo.client.Resolver(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := resolver.QueryContext(ctx,
		"SELECT DISTINCT tenant_id FROM outbox_records WHERE status IN ('PENDING', 'LEASED', 'RETRY') ORDER BY tenant_id",
	)
	if err != nil {
		return nil, fmt.Errorf("discovering outbox tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string

	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, fmt.Errorf("scanning tenant: %w", err)
		}

		tenants = append(tenants, tenant)
	}

	return tenants, rows.Err()
}

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (repo *Repository) loadCompleted(ctx context.Context, db querier, records []*outbox.OutboxRecord) error {
	if len(records) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(records))
	byID := make(map[uuid.UUID]*outbox.OutboxRecord, len(records))

	for _, record := range records {
		ids = append(ids, record.ID)
		byID[record.ID] = record
	}

	rows, err := db.QueryContext(ctx,
		"SELECT record_id, handler FROM outbox_deliveries WHERE record_id = ANY($1::uuid[]) ORDER BY record_id, handler",
		ids,
	)
	if err != nil {
		return fmt.Errorf("loading outbox deliveries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			recordID uuid.UUID
			handler  string
		)

		if err := rows.Scan(&recordID, &handler); err != nil {
			return fmt.Errorf("scanning outbox delivery: %w", err)
		}

		if record := byID[recordID]; record != nil {
			record.CompletedHandlers = append(record.CompletedHandlers, handler)
		}
	}

	return rows.Err()
}

func scanRecords(rows *sql.Rows) ([]*outbox.OutboxRecord, error) {
	defer rows.Close()

	var records []*outbox.OutboxRecord

	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox records: %w", err)
	}

	return records, nil
}

func scanRecord(scanner interface{ Scan(dest ...any) error }) (*outbox.OutboxRecord, error) {
	var (
		record         outbox.OutboxRecord
		payload        []byte
		status         string
		lastError      sql.NullString
		leaseToken     uuid.NullUUID
		leaseOwner     sql.NullString
		leaseExpiresAt sql.NullTime
		nextAttemptAt  sql.NullTime
		processedAt    sql.NullTime
		deadLettered   sql.NullTime
	)

	if err := scanner.Scan(
		&record.ID,
		&record.TenantID,
		&record.EventType,
		&record.SchemaVersion,
		&payload,
		&record.ActorID,
		&record.CorrelationID,
		&record.OccurredAt,
		&status,
		&record.DeliveryAttempts,
		&record.ReplayBaseAttempts,
		&lastError,
		&leaseToken,
		&leaseOwner,
		&leaseExpiresAt,
		&nextAttemptAt,
		&processedAt,
		&deadLettered,
		&record.CreatedAt,
		&record.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("scanning outbox record: %w", err)
	}

	parsed, err := outbox.ParseRecordStatus(status)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(payload, &record.Payload); err != nil {
		return nil, fmt.Errorf("decoding outbox payload: %w", err)
	}

	record.Status = parsed
	record.LastError = lastError.String
	record.LeaseOwner = leaseOwner.String

	if leaseToken.Valid {
		record.LeaseToken = leaseToken.UUID
	}

	record.LeaseExpiresAt = nullTime(leaseExpiresAt)
	record.NextAttemptAt = nullTime(nextAttemptAt)
	record.ProcessedAt = nullTime(processedAt)
	record.DeadLetteredAt = nullTime(deadLettered)
	record.OccurredAt = record.OccurredAt.UTC()
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()

	return &record, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}

	t := value.Time.UTC()

	return &t
}

func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ", ")
	for i, part := range parts {
		parts[i] = prefix + part
	}

	return strings.Join(parts, ", ")
}

// TxRunner adapts a postgres client to outbox.TxRunner.
type TxRunner struct {
	client *libPostgres.Client
}

var _ outbox.TxRunner = (*TxRunner)(nil)

// NewTxRunner wraps client.
func NewTxRunner(client *libPostgres.Client) (*TxRunner, error) {
	if client == nil {
		return nil, ErrConnectionRequired
	}

	return &TxRunner{client: client}, nil
}

// WithinTx runs fn in a primary transaction.
func (runner *TxRunner) WithinTx(ctx context.Context, fn func(ctx context.Context, tx outbox.Tx) error) error {
	if fn == nil {
		return libPostgres.ErrNilTxFunc
	}

	return runner.client.WithinTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		return fn(ctx, tx)
	})
}
