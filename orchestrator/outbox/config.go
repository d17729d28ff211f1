package outbox

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/retry"
)

const (
	defaultDispatchInterval              = time.Second
	defaultBatchSize                     = 100
	defaultWorkers                       = 4
	defaultLeaseDuration                 = 5 * time.Minute
	defaultBacklogAlertThreshold         = 10000
	defaultMaxConsecutiveStorageFailures = 5
	defaultMaxTenantMetricDimensions     = 1000
	defaultTenantMetricFallback          = "_default"
)

// DispatcherConfig controls polling, leasing and metric behavior.
type DispatcherConfig struct {
	// DispatchInterval is the poll period; Notify triggers an earlier cycle.
	DispatchInterval time.Duration
	// BatchSize bounds the records claimed per tenant per cycle.
	BatchSize int
	// Workers bounds the delivery groups processed concurrently.
	Workers int
	// LeaseDuration is the visibility timeout of a claim.
	LeaseDuration time.Duration
	// LeaseOwner identifies this dispatcher instance on claimed rows.
	LeaseOwner string
	// BacklogAlertThreshold raises CapacityExceededError when exceeded.
	BacklogAlertThreshold int64
	// MaxConsecutiveStorageFailures stops RunContext with ErrStorageUnavailable.
	MaxConsecutiveStorageFailures int
	// IncludeTenantMetrics adds a bounded tenant attribute to metrics.
	IncludeTenantMetrics      bool
	MaxTenantMetricDimensions int
	MeterProvider             metric.MeterProvider
}

// DefaultDispatcherConfig returns the baseline dispatcher configuration.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		DispatchInterval:              defaultDispatchInterval,
		BatchSize:                     defaultBatchSize,
		Workers:                       defaultWorkers,
		LeaseDuration:                 defaultLeaseDuration,
		BacklogAlertThreshold:         defaultBacklogAlertThreshold,
		MaxConsecutiveStorageFailures: defaultMaxConsecutiveStorageFailures,
		MaxTenantMetricDimensions:     defaultMaxTenantMetricDimensions,
	}
}

func (cfg *DispatcherConfig) normalize() {
	defaults := DefaultDispatcherConfig()

	if cfg.DispatchInterval <= 0 {
		cfg.DispatchInterval = defaults.DispatchInterval
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.Workers <= 0 {
		cfg.Workers = defaults.Workers
	}

	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = defaults.LeaseDuration
	}

	if cfg.LeaseOwner == "" {
		cfg.LeaseOwner = defaultLeaseOwner()
	}

	if cfg.BacklogAlertThreshold <= 0 {
		cfg.BacklogAlertThreshold = defaults.BacklogAlertThreshold
	}

	if cfg.MaxConsecutiveStorageFailures <= 0 {
		cfg.MaxConsecutiveStorageFailures = defaults.MaxConsecutiveStorageFailures
	}

	if cfg.MaxTenantMetricDimensions <= 0 {
		cfg.MaxTenantMetricDimensions = defaults.MaxTenantMetricDimensions
	}
}

func defaultLeaseOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "dispatcher"
	}

	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

// DispatcherOption mutates dispatcher configuration at construction.
type DispatcherOption func(*Dispatcher)

// WithDispatcherConfig replaces the whole configuration.
func WithDispatcherConfig(cfg DispatcherConfig) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg = cfg
	}
}

// WithBatchSize sets the records claimed per tenant per cycle.
func WithBatchSize(size int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if size > 0 {
			dispatcher.cfg.BatchSize = size
		}
	}
}

// WithDispatchInterval sets the poll period.
func WithDispatchInterval(interval time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if interval > 0 {
			dispatcher.cfg.DispatchInterval = interval
		}
	}
}

// WithWorkers sets the delivery concurrency.
func WithWorkers(workers int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if workers > 0 {
			dispatcher.cfg.Workers = workers
		}
	}
}

// WithLeaseDuration sets the claim visibility timeout.
func WithLeaseDuration(lease time.Duration) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if lease > 0 {
			dispatcher.cfg.LeaseDuration = lease
		}
	}
}

// WithLeaseOwner names this instance on claimed rows.
func WithLeaseOwner(owner string) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if owner != "" {
			dispatcher.cfg.LeaseOwner = owner
		}
	}
}

// WithBacklogAlertThreshold sets the backlog size that raises CapacityExceededError.
func WithBacklogAlertThreshold(threshold int64) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if threshold > 0 {
			dispatcher.cfg.BacklogAlertThreshold = threshold
		}
	}
}

// WithMaxConsecutiveStorageFailures sets how many failed claims stop the loop.
func WithMaxConsecutiveStorageFailures(limit int) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if limit > 0 {
			dispatcher.cfg.MaxConsecutiveStorageFailures = limit
		}
	}
}

// WithRetryManager sets the retry decision maker. Its policy's MaxAttempts is
// the attempt ceiling.
func WithRetryManager(manager *retry.Manager) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if manager != nil {
			dispatcher.retry = manager
		}
	}
}

// WithTenantDiscoverer enables per-tenant fair dispatch.
func WithTenantDiscoverer(discoverer TenantDiscoverer) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if !nilcheck.Interface(discoverer) {
			dispatcher.tenants = discoverer
		}
	}
}

// WithCapacityAlert registers fn for backlog threshold breaches.
func WithCapacityAlert(fn func(ctx context.Context, err *libOrchestrator.CapacityExceededError)) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.onCapacityExceeded = fn
	}
}

// WithDispatcherClock overrides time.Now.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if now != nil {
			dispatcher.now = now
		}
	}
}

// WithTenantMetricAttributes toggles tenant attributes on dispatcher metrics.
func WithTenantMetricAttributes(enabled bool) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		dispatcher.cfg.IncludeTenantMetrics = enabled
	}
}

// WithMeterProvider injects a meter provider. nil keeps the global one.
func WithMeterProvider(provider metric.MeterProvider) DispatcherOption {
	return func(dispatcher *Dispatcher) {
		if nilcheck.Interface(provider) {
			dispatcher.cfg.MeterProvider = nil

			return
		}

		dispatcher.cfg.MeterProvider = provider
	}
}
