package retry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/cron"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/redis"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/runtime"
)

const (
	defaultSweepSchedule = "@every 5s"
	defaultSweepBatch    = 100
	defaultSweepLockKey  = "orchestrator:retry-sweeper"
	defaultSweepLockTTL  = 30 * time.Second
)

var (
	ErrSweeperTargetRequired = errors.New("retry sweeper target is required")
	ErrSweeperRunning        = errors.New("retry sweeper is already running")
)

// Resumable is the run store side the sweeper drives. The workflow runner
// implements it.
type Resumable interface {
	// DueRuns lists runs awaiting a retry or replay whose next attempt is at
	// or before now, plus running runs whose lease has expired, oldest first.
	DueRuns(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
	Resume(ctx context.Context, runID uuid.UUID) error
}

// SweeperConfig controls the sweep cadence and the cluster lock.
type SweeperConfig struct {
	// Schedule is a cron expression or "@every <duration>".
	Schedule  string
	BatchSize int
	LockKey   string
	// LockTTL must exceed the longest expected sweep.
	LockTTL time.Duration
}

// DefaultSweeperConfig sweeps every 5s, 100 runs at a time.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Schedule:  defaultSweepSchedule,
		BatchSize: defaultSweepBatch,
		LockKey:   defaultSweepLockKey,
		LockTTL:   defaultSweepLockTTL,
	}
}

func (cfg *SweeperConfig) normalize() {
	defaults := DefaultSweeperConfig()

	if cfg.Schedule == "" {
		cfg.Schedule = defaults.Schedule
	}

	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}

	if cfg.LockKey == "" {
		cfg.LockKey = defaults.LockKey
	}

	if cfg.LockTTL <= 0 {
		cfg.LockTTL = defaults.LockTTL
	}
}

// SweeperOption configures a Sweeper.
type SweeperOption func(*Sweeper)

// WithSweeperConfig replaces the configuration.
func WithSweeperConfig(cfg SweeperConfig) SweeperOption {
	return func(s *Sweeper) {
		s.cfg = cfg
	}
}

// WithLockManager makes each sweep hold a cluster-wide lock. Without it every
// instance sweeps and concurrent Resume calls race for the run lease; the
// loser skips the run.
func WithLockManager(locker redis.LockManager) SweeperOption {
	return func(s *Sweeper) {
		if !nilcheck.Interface(locker) {
			s.locker = locker
		}
	}
}

// WithSweeperClock injects the time source.
func WithSweeperClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

// WithSweeperMeterProvider overrides the global meter provider.
func WithSweeperMeterProvider(provider metric.MeterProvider) SweeperOption {
	return func(s *Sweeper) {
		if !nilcheck.Interface(provider) {
			s.meterProvider = provider
		}
	}
}

// SweepResult counts one sweep.
type SweepResult struct {
	Due     int
	Resumed int
	Failed  int
	// Skipped is set when another instance held the lock.
	Skipped bool
}

// Sweeper resumes failed runs whose backoff has elapsed and running runs
// abandoned by a crashed executor.
type Sweeper struct {
	target        Resumable
	locker        redis.LockManager
	schedule      cron.Schedule
	cfg           SweeperConfig
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	now           func() time.Time

	resumed metric.Int64Counter
	failed  metric.Int64Counter
	skipped metric.Int64Counter

	mu       sync.Mutex
	running  bool
	stop     chan struct{}
	stopOnce sync.Once
	sweepWg  sync.WaitGroup
}

var _ libOrchestrator.App = (*Sweeper)(nil)

// NewSweeper validates the schedule and creates the sweeper.
func NewSweeper(target Resumable, logger log.Logger, opts ...SweeperOption) (*Sweeper, error) {
	if nilcheck.Interface(target) {
		return nil, ErrSweeperTargetRequired
	}

	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	sweeper := &Sweeper{
		target: target,
		cfg:    DefaultSweeperConfig(),
		logger: logger,
		tracer: otel.Tracer("orchestrator.retry.sweeper"),
		now:    time.Now,
		stop:   make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(sweeper)
		}
	}

	sweeper.cfg.normalize()

	schedule, err := cron.Parse(sweeper.cfg.Schedule)
	if err != nil {
		return nil, fmt.Errorf("retry sweeper schedule: %w", err)
	}

	sweeper.schedule = schedule

	if err := sweeper.initMetrics(); err != nil {
		return nil, err
	}

	return sweeper, nil
}

func (s *Sweeper) initMetrics() error {
	provider := s.meterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("orchestrator.retry.sweeper")

	var err error

	if s.resumed, err = meter.Int64Counter("retry.sweeper.resumed",
		metric.WithDescription("Runs resumed by the retry sweeper"), metric.WithUnit("{run}")); err != nil {
		return fmt.Errorf("create retry.sweeper.resumed counter: %w", err)
	}

	if s.failed, err = meter.Int64Counter("retry.sweeper.resume_failed",
		metric.WithDescription("Runs the retry sweeper failed to resume"), metric.WithUnit("{run}")); err != nil {
		return fmt.Errorf("create retry.sweeper.resume_failed counter: %w", err)
	}

	if s.skipped, err = meter.Int64Counter("retry.sweeper.skipped",
		metric.WithDescription("Sweeps skipped because another instance held the lock"), metric.WithUnit("{sweep}")); err != nil {
		return fmt.Errorf("create retry.sweeper.skipped counter: %w", err)
	}

	return nil
}

// Run starts the sweep loop under the launcher's context.
func (s *Sweeper) Run(launcher *libOrchestrator.Launcher) error {
	ctx := context.Background()
	if launcher != nil {
		ctx = launcher.Context()
	}

	return s.RunContext(ctx)
}

// RunContext sweeps on every schedule activation until ctx ends or Stop is called.
func (s *Sweeper) RunContext(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	stop, err := s.register()
	if err != nil {
		return err
	}

	defer s.unregister()

	s.logger.Log(ctx, log.LevelInfo, "retry sweeper started", log.String("schedule", s.cfg.Schedule))
	defer s.logger.Log(ctx, log.LevelInfo, "retry sweeper stopped")

	for {
		next, err := s.schedule.Next(s.now())
		if err != nil {
			return fmt.Errorf("retry sweeper schedule: %w", err)
		}

		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}

		func() {
			s.sweepWg.Add(1)
			defer s.sweepWg.Done()
			defer runtime.RecoverAndLogWithContext(ctx, s.logger, "retry", "sweeper_tick")

			if _, err := s.SweepOnce(ctx); err != nil {
				log.SafeError(s.logger, ctx, "retry sweep failed", err, false)
			}
		}()
	}
}

// SweepOnce resumes up to BatchSize due runs.
func (s *Sweeper) SweepOnce(ctx context.Context) (SweepResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, span := s.tracer.Start(ctx, "retry.sweeper.sweep")
	defer span.End()

	if s.locker != nil {
		handle, acquired, err := s.locker.TryLock(ctx, s.cfg.LockKey, s.cfg.LockTTL)
		if err != nil {
			libOpentelemetry.HandleSpanError(span, "failed to acquire sweeper lock", err)
			return SweepResult{}, fmt.Errorf("acquire sweeper lock: %w", err)
		}

		if !acquired {
			s.skipped.Add(ctx, 1)
			span.SetAttributes(attribute.Bool("retry.sweep.skipped", true))

			return SweepResult{Skipped: true}, nil
		}

		defer func() {
			if err := handle.Unlock(ctx); err != nil {
				s.logger.Log(ctx, log.LevelWarn, "failed to release sweeper lock", log.Err(err))
			}
		}()
	}

	due, err := s.target.DueRuns(ctx, s.now().UTC(), s.cfg.BatchSize)
	if err != nil {
		libOpentelemetry.HandleSpanError(span, "failed to list due runs", err)
		return SweepResult{}, fmt.Errorf("list due runs: %w", err)
	}

	result := SweepResult{Due: len(due)}

	for _, runID := range due {
		if ctx.Err() != nil {
			break
		}

		if err := s.target.Resume(ctx, runID); err != nil {
			result.Failed++

			s.logger.Log(ctx, log.LevelWarn, "failed to resume run",
				log.String("run_id", runID.String()), log.Err(err))

			continue
		}

		result.Resumed++
	}

	s.resumed.Add(ctx, int64(result.Resumed))
	s.failed.Add(ctx, int64(result.Failed))

	span.SetAttributes(
		attribute.Int("retry.sweep.due", result.Due),
		attribute.Int("retry.sweep.resumed", result.Resumed),
		attribute.Int("retry.sweep.failed", result.Failed),
	)

	return result, nil
}

// Stop ends RunContext.
func (s *Sweeper) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		close(s.stop)
		s.mu.Unlock()
	})
}

// Shutdown stops the loop and waits for an in-flight sweep.
func (s *Sweeper) Shutdown(ctx context.Context) error {
	s.Stop()

	done := make(chan struct{})

	runtime.SafeGo(s.logger, "retry.sweeper_shutdown_wait", runtime.KeepRunning, func() {
		s.sweepWg.Wait()
		close(done)
	})

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("retry sweeper shutdown: %w", ctx.Err())
	}
}

func (s *Sweeper) register() (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil, ErrSweeperRunning
	}

	s.running = true

	return s.stop, nil
}

func (s *Sweeper) unregister() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
}
