package invoker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/circuitbreaker"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	libOpentelemetry "github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/runtime"
)

const (
	DefaultCallTimeout = 30 * time.Second
	DefaultResultTTL   = 24 * time.Hour
)

const (
	outcomeSuccess  = "success"
	outcomeFailure  = "failure"
	outcomeTimeout  = "timeout"
	outcomeRejected = "rejected"
	outcomeCached   = "cached"
)

// Config bounds each call.
type Config struct {
	CallTimeout time.Duration
	// ResultTTL is how long a successful result stays in the result cache.
	ResultTTL time.Duration
}

// DefaultConfig returns a 30s call timeout and a 24h result TTL.
func DefaultConfig() Config {
	return Config{CallTimeout: DefaultCallTimeout, ResultTTL: DefaultResultTTL}
}

func (cfg *Config) normalize() {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}

	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = DefaultResultTTL
	}
}

// BreakerConfig is the breaker configuration used when none is supplied.
// Permanent errors are the caller's fault and do not count against a domain.
func BreakerConfig() circuitbreaker.Config {
	cfg := circuitbreaker.DefaultConfig()
	cfg.IsSuccessful = func(err error) bool {
		return err == nil || libOrchestrator.IsPermanent(err)
	}

	return cfg
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithConfig replaces the configuration.
func WithConfig(cfg Config) Option {
	return func(inv *Invoker) {
		inv.cfg = cfg
	}
}

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(timeout time.Duration) Option {
	return func(inv *Invoker) {
		inv.cfg.CallTimeout = timeout
	}
}

// WithBreakers shares a breaker manager. Breakers are keyed by domain.
func WithBreakers(breakers *circuitbreaker.Manager) Option {
	return func(inv *Invoker) {
		if breakers != nil {
			inv.breakers = breakers
		}
	}
}

// WithResultCache enables result caching by idempotency key.
func WithResultCache(cache ResultCache) Option {
	return func(inv *Invoker) {
		if !nilcheck.Interface(cache) {
			inv.cache = cache
		}
	}
}

// WithLogger sets the invoker logger.
func WithLogger(logger log.Logger) Option {
	return func(inv *Invoker) {
		if !nilcheck.Interface(logger) {
			inv.logger = logger
		}
	}
}

// WithTracer sets the invoker tracer.
func WithTracer(tracer trace.Tracer) Option {
	return func(inv *Invoker) {
		if !nilcheck.Interface(tracer) {
			inv.tracer = tracer
		}
	}
}

// WithMeterProvider overrides the global meter provider.
func WithMeterProvider(provider metric.MeterProvider) Option {
	return func(inv *Invoker) {
		if !nilcheck.Interface(provider) {
			inv.meterProvider = provider
		}
	}
}

// Invoker calls registered domain operations.
type Invoker struct {
	registry      *Registry
	breakers      *circuitbreaker.Manager
	cache         ResultCache
	cfg           Config
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider

	calls     metric.Int64Counter
	duration  metric.Float64Histogram
	cacheHits metric.Int64Counter
}

// New builds an Invoker over registry.
func New(registry *Registry, opts ...Option) (*Invoker, error) {
	if registry == nil {
		return nil, ErrRegistryRequired
	}

	inv := &Invoker{
		registry: registry,
		cfg:      DefaultConfig(),
		logger:   log.NewNop(),
		tracer:   otel.Tracer("orchestrator.invoker"),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(inv)
		}
	}

	inv.cfg.normalize()

	if inv.breakers == nil {
		inv.breakers = circuitbreaker.NewManager(inv.logger, BreakerConfig())
	}

	if err := inv.initMetrics(); err != nil {
		return nil, err
	}

	return inv, nil
}

func (inv *Invoker) initMetrics() error {
	provider := inv.meterProvider
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter("orchestrator.invoker")

	var err error

	if inv.calls, err = meter.Int64Counter("invoker.calls",
		metric.WithDescription("Domain operation calls by outcome"), metric.WithUnit("{call}")); err != nil {
		return fmt.Errorf("create invoker.calls counter: %w", err)
	}

	if inv.duration, err = meter.Float64Histogram("invoker.duration",
		metric.WithDescription("Domain operation call time"), metric.WithUnit("s")); err != nil {
		return fmt.Errorf("create invoker.duration histogram: %w", err)
	}

	if inv.cacheHits, err = meter.Int64Counter("invoker.cache_hits",
		metric.WithDescription("Calls answered from the result cache"), metric.WithUnit("{call}")); err != nil {
		return fmt.Errorf("create invoker.cache_hits counter: %w", err)
	}

	return nil
}

// Breakers exposes the breaker manager, e.g. for health reporting.
func (inv *Invoker) Breakers() *circuitbreaker.Manager {
	return inv.breakers
}

// Registry returns the operation registry.
func (inv *Invoker) Registry() *Registry {
	return inv.registry
}

// Invoke calls req.Domain's req.Operation. Unknown operations and a missing
// key are permanent; timeouts and open circuits are transient. Handler errors
// are returned as-is so domains can mark them permanent.
func (inv *Invoker) Invoke(ctx context.Context, req Request) (map[string]any, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	handler, err := inv.registry.Lookup(req.Domain, req.Operation)
	if err != nil {
		return nil, libOrchestrator.NewPermanentError("invoke", err)
	}

	if req.IdempotencyKey == "" {
		return nil, libOrchestrator.NewPermanentError("invoke", ErrIdempotencyKeyRequired)
	}

	ctx, span := inv.tracer.Start(ctx, "invoker.invoke")
	defer span.End()

	span.SetAttributes(
		attribute.String("invoker.domain", req.Domain),
		attribute.String("invoker.operation", req.Operation),
		attribute.String("invoker.idempotency_key", req.IdempotencyKey),
	)

	if result, ok := inv.cached(ctx, req); ok {
		inv.record(ctx, req, outcomeCached, 0)
		libOpentelemetry.HandleSpanEvent(span, "invoker.cache_hit")

		return result, nil
	}

	start := time.Now()

	value, err := inv.breakers.Execute(req.Domain, func() (any, error) {
		return inv.call(ctx, handler, req)
	})

	elapsed := time.Since(start)

	if err != nil {
		outcome := outcomeFailure

		switch {
		case circuitbreaker.IsRejected(err):
			outcome = outcomeRejected
			err = libOrchestrator.NewTransientError("invoke", err)
		case errors.Is(err, context.DeadlineExceeded):
			outcome = outcomeTimeout
		}

		inv.record(ctx, req, outcome, elapsed)
		libOpentelemetry.HandleSpanError(span, "domain operation failed", err)

		return nil, err
	}

	result, _ := value.(map[string]any)
	if result == nil {
		result = map[string]any{}
	}

	inv.record(ctx, req, outcomeSuccess, elapsed)
	inv.store(ctx, req, result)

	return result, nil
}

// call runs handler under the call timeout. The handler keeps running after
// the timeout fires; its result is discarded.
func (inv *Invoker) call(ctx context.Context, handler OperationHandler, req Request) (map[string]any, error) {
	callCtx, cancel, err := libOrchestrator.WithTimeoutSafe(ctx, inv.cfg.CallTimeout)
	if err != nil {
		return nil, libOrchestrator.NewTransientError("invoke", err)
	}
	defer cancel()

	type response struct {
		result map[string]any
		err    error
	}

	done := make(chan response, 1)

	runtime.SafeGo(inv.logger, "invoker."+req.Domain+"."+req.Operation, runtime.KeepRunning, func() {
		var resp response

		defer func() { done <- resp }()
		defer func() {
			var panicErr *runtime.PanicError
			if errors.As(resp.err, &panicErr) {
				resp.err = libOrchestrator.NewTransientError("invoke", resp.err)
			}
		}()
		defer runtime.RecoverToError(callCtx, inv.logger, "invoker", req.Domain+"."+req.Operation, &resp.err)

		resp.result, resp.err = handler(callCtx, req)
	})

	select {
	case resp := <-done:
		return resp.result, resp.err
	case <-callCtx.Done():
		select {
		case resp := <-done:
			return resp.result, resp.err
		default:
		}

		cause := callCtx.Err()
		if errors.Is(cause, context.DeadlineExceeded) {
			return nil, libOrchestrator.NewTransientError("invoke",
				fmt.Errorf("%s.%s exceeded %s: %w", req.Domain, req.Operation, inv.cfg.CallTimeout, cause))
		}

		return nil, libOrchestrator.NewTransientError("invoke", cause)
	}
}

func (inv *Invoker) cached(ctx context.Context, req Request) (map[string]any, bool) {
	if inv.cache == nil {
		return nil, false
	}

	result, ok, err := inv.cache.Get(ctx, req.IdempotencyKey)
	if err != nil {
		inv.logger.Log(ctx, log.LevelWarn, "result cache lookup failed",
			log.String("domain", req.Domain), log.String("operation", req.Operation), log.Err(err))

		return nil, false
	}

	if ok {
		inv.cacheHits.Add(ctx, 1, metric.WithAttributes(attribute.String("domain", req.Domain)))
	}

	return result, ok
}

func (inv *Invoker) store(ctx context.Context, req Request, result map[string]any) {
	if inv.cache == nil {
		return
	}

	if err := inv.cache.Set(context.WithoutCancel(ctx), req.IdempotencyKey, result, inv.cfg.ResultTTL); err != nil {
		inv.logger.Log(ctx, log.LevelWarn, "result cache store failed",
			log.String("domain", req.Domain), log.String("operation", req.Operation), log.Err(err))
	}
}

func (inv *Invoker) record(ctx context.Context, req Request, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("domain", req.Domain),
		attribute.String("operation", req.Operation),
		attribute.String("outcome", outcome),
	)

	inv.calls.Add(ctx, 1, attrs)

	if outcome != outcomeCached {
		inv.duration.Record(ctx, elapsed.Seconds(), attrs)
	}
}
