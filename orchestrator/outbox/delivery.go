package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// HandlerOutcome is the result of one handler for one record.
type HandlerOutcome struct {
	Handler  string
	Err      error
	Skipped  bool
	Duration time.Duration
}

// DeliveryReport collects the outcomes of every handler matching a record.
type DeliveryReport struct {
	Outcomes []HandlerOutcome
}

// AllSucceeded reports whether no handler failed. A record without matching
// handlers counts as delivered.
func (report DeliveryReport) AllSucceeded() bool {
	for _, outcome := range report.Outcomes {
		if outcome.Err != nil {
			return false
		}
	}

	return true
}

// Succeeded lists the handlers that ran and succeeded in this delivery.
func (report DeliveryReport) Succeeded() []string {
	var names []string

	for _, outcome := range report.Outcomes {
		if outcome.Err == nil && !outcome.Skipped {
			names = append(names, outcome.Handler)
		}
	}

	return names
}

// Err joins the handler failures, or returns nil.
func (report DeliveryReport) Err() error {
	var errs []error

	for _, outcome := range report.Outcomes {
		if outcome.Err != nil {
			errs = append(errs, fmt.Errorf("handler %s: %w", outcome.Handler, outcome.Err))
		}
	}

	return errors.Join(errs...)
}

// Deliverer invokes the handlers registered for a record, skipping those in
// completed.
type Deliverer interface {
	Deliver(ctx context.Context, record *OutboxRecord, completed map[string]bool) DeliveryReport
}

// DelivererFunc adapts a function to Deliverer.
type DelivererFunc func(ctx context.Context, record *OutboxRecord, completed map[string]bool) DeliveryReport

// Deliver calls fn.
func (fn DelivererFunc) Deliver(ctx context.Context, record *OutboxRecord, completed map[string]bool) DeliveryReport {
	return fn(ctx, record, completed)
}
