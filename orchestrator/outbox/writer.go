package outbox

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
)

// Notifier is woken after a committed append. *Dispatcher implements it.
type Notifier interface {
	Notify()
}

// Writer appends events to the outbox.
type Writer struct {
	repo            OutboxRepository
	logger          log.Logger
	tracer          trace.Tracer
	notifier        Notifier
	now             func() time.Time
	maxPayloadBytes int
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithWriterLogger sets the writer logger.
func WithWriterLogger(logger log.Logger) WriterOption {
	return func(writer *Writer) {
		if !nilcheck.Interface(logger) {
			writer.logger = logger
		}
	}
}

// WithWriterTracer sets the writer tracer.
func WithWriterTracer(tracer trace.Tracer) WriterOption {
	return func(writer *Writer) {
		if !nilcheck.Interface(tracer) {
			writer.tracer = tracer
		}
	}
}

// WithNotifier wakes notifier after AppendInTx commits.
func WithNotifier(notifier Notifier) WriterOption {
	return func(writer *Writer) {
		if !nilcheck.Interface(notifier) {
			writer.notifier = notifier
		}
	}
}

// WithMaxPayloadBytes overrides DefaultMaxPayloadBytes.
func WithMaxPayloadBytes(limit int) WriterOption {
	return func(writer *Writer) {
		if limit > 0 {
			writer.maxPayloadBytes = limit
		}
	}
}

// WithWriterClock overrides time.Now.
func WithWriterClock(now func() time.Time) WriterOption {
	return func(writer *Writer) {
		if now != nil {
			writer.now = now
		}
	}
}

// NewWriter builds a Writer over repo.
func NewWriter(repo OutboxRepository, opts ...WriterOption) (*Writer, error) {
	if nilcheck.Interface(repo) {
		return nil, ErrRepositoryRequired
	}

	writer := &Writer{
		repo:            repo,
		logger:          log.NewNop(),
		tracer:          noop.NewTracerProvider().Tracer("orchestrator.noop"),
		now:             time.Now,
		maxPayloadBytes: DefaultMaxPayloadBytes,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(writer)
		}
	}

	return writer, nil
}

// Append validates input and inserts a PENDING record through tx. The record
// becomes visible only if the caller commits tx; a rollback discards it with
// the rest of the caller's changes. Every failure wraps ErrAppendRejected;
// insert failures also wrap ErrAppendStorage.
func (writer *Writer) Append(ctx context.Context, tx Tx, input AppendInput) (*EventEnvelope, error) {
	if writer == nil {
		return nil, ErrRepositoryRequired
	}

	if ctx == nil {
		ctx = context.Background()
	}

	if nilcheck.Interface(tx) {
		return nil, fmt.Errorf("%w: %w", ErrAppendRejected, ErrTxRequired)
	}

	ctx, span := writer.tracer.Start(ctx, "outbox.writer.append")
	defer span.End()

	now := writer.now().UTC()

	envelope, _, err := NewEventEnvelope(ctx, input, writer.maxPayloadBytes, now)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "outbox append rejected", err)

		return nil, err
	}

	span.SetAttributes(
		attribute.String("outbox.event_id", envelope.ID.String()),
		attribute.String("outbox.event_type", envelope.EventType),
	)

	if err := writer.repo.CreateWithTx(ctx, tx, NewPendingRecord(envelope, now)); err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to insert outbox record", err)

		return nil, fmt.Errorf("%w: %w: insert outbox record: %w", ErrAppendRejected, ErrAppendStorage, err)
	}

	return envelope, nil
}

// AppendInTx runs mutation and the append in one transaction opened by
// runner, then wakes the notifier once the transaction has committed.
// mutation may be nil when the event is the only write.
func (writer *Writer) AppendInTx(
	ctx context.Context,
	runner TxRunner,
	input AppendInput,
	mutation func(ctx context.Context, tx Tx) error,
) (*EventEnvelope, error) {
	if writer == nil {
		return nil, ErrRepositoryRequired
	}

	if nilcheck.Interface(runner) {
		return nil, ErrTxRunnerRequired
	}

	var envelope *EventEnvelope

	err := runner.WithinTx(ctx, func(txCtx context.Context, tx Tx) error {
		if mutation != nil {
			if err := mutation(txCtx, tx); err != nil {
				return err
			}
		}

		appended, err := writer.Append(txCtx, tx, input)
		if err != nil {
			return err
		}

		envelope = appended

		return nil
	})
	if err != nil {
		return nil, err
	}

	if writer.notifier != nil {
		writer.notifier.Notify()
	}

	logger, _, _, _ := libOrchestrator.NewTrackingFromContext(ctx)
	logger.Log(ctx, log.LevelDebug, "outbox event appended",
		log.String("event_id", envelope.ID.String()),
		log.String("event_type", envelope.EventType),
	)

	return envelope, nil
}
