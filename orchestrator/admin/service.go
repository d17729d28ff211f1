package admin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/circuitbreaker"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/outbox"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/workflow"
)

const (
	StatusAvailable = "available"
	StatusDegraded  = "degraded"

	defaultHealthTimeout = 5 * time.Second
)

var (
	ErrOutboxRequired      = errors.New("admin: outbox repository is required")
	ErrDefinitionsRequired = errors.New("admin: definition store is required")
	ErrRunsRequired        = errors.New("admin: run store is required")
)

// OutboxAdmin is the slice of the outbox repository the admin surface uses.
type OutboxAdmin interface {
	ListDeadLettered(ctx context.Context, filter outbox.DeadLetterFilter) ([]*outbox.OutboxRecord, error)
	Replay(ctx context.Context, id uuid.UUID) (*outbox.OutboxRecord, error)
	CountBacklog(ctx context.Context) (int64, error)
}

// Notifier wakes the dispatcher after a replay.
type Notifier interface {
	Notify()
}

// RunResumer executes a replayed run.
type RunResumer interface {
	Resume(ctx context.Context, runID uuid.UUID) error
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Service) {
		if !nilcheck.Interface(logger) {
			s.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// WithNotifier wakes notifier after every outbox replay.
func WithNotifier(notifier Notifier) Option {
	return func(s *Service) {
		if !nilcheck.Interface(notifier) {
			s.notifier = notifier
		}
	}
}

// WithRunResumer executes runs right after they are replayed. Without it,
// replayed runs wait for the retry sweeper.
func WithRunResumer(resumer RunResumer) Option {
	return func(s *Service) {
		if !nilcheck.Interface(resumer) {
			s.resumer = resumer
		}
	}
}

// WithHealthCheck registers a named dependency probe.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Service) {
		if name != "" && check != nil {
			s.checks[name] = check
		}
	}
}

// WithBreakers reports open domain circuits in Health.
func WithBreakers(breakers *circuitbreaker.Manager) Option {
	return func(s *Service) {
		s.breakers = breakers
	}
}

// Service implements the administrative operations.
type Service struct {
	outbox      OutboxAdmin
	definitions workflow.DefinitionStore
	runs        workflow.RunStore
	notifier    Notifier
	resumer     RunResumer
	breakers    *circuitbreaker.Manager
	checks      map[string]HealthCheck
	logger      log.Logger
	now         func() time.Time
}

// NewService builds a Service.
func NewService(
	outboxRepo OutboxAdmin,
	definitions workflow.DefinitionStore,
	runs workflow.RunStore,
	opts ...Option,
) (*Service, error) {
	if nilcheck.Interface(outboxRepo) {
		return nil, ErrOutboxRequired
	}

	if nilcheck.Interface(definitions) {
		return nil, ErrDefinitionsRequired
	}

	if nilcheck.Interface(runs) {
		return nil, ErrRunsRequired
	}

	s := &Service{
		outbox:      outboxRepo,
		definitions: definitions,
		runs:        runs,
		checks:      make(map[string]HealthCheck),
		logger:      log.NewNop(),
		now:         time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// OutboxDeadLetters pages through dead-lettered outbox records.
func (s *Service) OutboxDeadLetters(ctx context.Context, filter outbox.DeadLetterFilter) ([]*outbox.OutboxRecord, error) {
	records, err := s.outbox.ListDeadLettered(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing outbox dead letters: %w", err)
	}

	if records == nil {
		records = []*outbox.OutboxRecord{}
	}

	return records, nil
}

// ReplayOutbox returns a dead-lettered record to PENDING. Handlers that
// already completed are not invoked again.
func (s *Service) ReplayOutbox(ctx context.Context, id uuid.UUID) (*outbox.OutboxRecord, error) {
	record, err := s.outbox.Replay(ctx, id)
	if err != nil {
		return nil, err
	}

	s.logger.Log(ctx, log.LevelInfo, "outbox record replayed",
		log.String("record_id", id.String()),
		log.String("event_type", record.EventType),
	)

	if s.notifier != nil {
		s.notifier.Notify()
	}

	return record, nil
}

// RunDeadLetters pages through escalated runs.
func (s *Service) RunDeadLetters(ctx context.Context, filter workflow.RunFilter) ([]*workflow.Run, error) {
	runs, err := s.runs.ListEscalated(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("listing escalated runs: %w", err)
	}

	if runs == nil {
		runs = []*workflow.Run{}
	}

	return runs, nil
}

// ReplayRun returns an escalated run to pending with a fresh attempt budget
// and, when a resumer is configured, executes it before returning. Steps
// that already succeeded are skipped. A failed execution is recorded on the
// run itself, so the returned run reflects its latest state.
func (s *Service) ReplayRun(ctx context.Context, id uuid.UUID) (*workflow.Run, error) {
	run, err := s.runs.ReplayRun(ctx, id, s.now().UTC())
	if err != nil {
		return nil, err
	}

	s.logger.Log(ctx, log.LevelInfo, "workflow run replayed",
		log.String("run_id", id.String()),
		log.String("definition", run.DefinitionName),
	)

	if s.resumer == nil {
		return run, nil
	}

	if err := s.resumer.Resume(ctx, id); err != nil {
		s.logger.Log(ctx, log.LevelWarn, "replayed run did not finish; the sweeper will pick it up",
			log.String("run_id", id.String()),
			log.Err(err),
		)
	}

	latest, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	return latest, nil
}

// Definitions lists every definition version.
func (s *Service) Definitions(ctx context.Context) ([]*workflow.Definition, error) {
	definitions, err := s.definitions.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing definitions: %w", err)
	}

	if definitions == nil {
		definitions = []*workflow.Definition{}
	}

	return definitions, nil
}

// SetDefinitionEnabled toggles a definition. A disabled definition matches no
// new events; runs already created keep executing.
func (s *Service) SetDefinitionEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	if err := s.definitions.SetEnabled(ctx, id, enabled); err != nil {
		return err
	}

	s.logger.Log(ctx, log.LevelInfo, "workflow definition toggled",
		log.String("definition_id", id.String()),
		log.Bool("enabled", enabled),
	)

	return nil
}

// RunDetail is a run with its step history.
type RunDetail struct {
	Run   *workflow.Run       `json:"run"`
	Steps []*workflow.RunStep `json:"steps"`
}

// Run loads a run and its steps.
func (s *Service) Run(ctx context.Context, id uuid.UUID) (*RunDetail, error) {
	run, err := s.runs.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}

	steps, err := s.runs.ListSteps(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("listing steps: %w", err)
	}

	if steps == nil {
		steps = []*workflow.RunStep{}
	}

	return &RunDetail{Run: run, Steps: steps}, nil
}

// HealthReport summarizes dependency health.
type HealthReport struct {
	Status        string            `json:"status"`
	Checks        map[string]string `json:"checks"`
	OutboxBacklog int64             `json:"outboxBacklog"`
	OpenCircuits  []string          `json:"openCircuits,omitempty"`
}

// Healthy reports whether every check passed.
func (r HealthReport) Healthy() bool {
	return r.Status == StatusAvailable
}

// Health runs every probe concurrently under a shared deadline. Open domain
// circuits are reported but do not degrade the status: the orchestrator
// itself keeps working and retries later.
func (s *Service) Health(ctx context.Context) HealthReport {
	ctx, cancel := context.WithTimeout(ctx, defaultHealthTimeout)
	defer cancel()

	report := HealthReport{Status: StatusAvailable, Checks: make(map[string]string, len(s.checks)+1)}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)

	record := func(name string, err error) {
		mu.Lock()
		defer mu.Unlock()

		if err != nil {
			report.Status = StatusDegraded
			report.Checks[name] = "unavailable"

			log.SafeError(s.logger, ctx, "health check failed: "+name, err, false)

			return
		}

		report.Checks[name] = "ok"
	}

	for name, check := range s.checks {
		wg.Add(1)

		go func() {
			defer wg.Done()

			record(name, check(ctx))
		}()
	}

	backlog, err := s.outbox.CountBacklog(ctx)
	record("outbox", err)

	wg.Wait()

	report.OutboxBacklog = backlog

	if s.breakers != nil {
		for name, state := range s.breakers.States() {
			if state == circuitbreaker.StateOpen {
				report.OpenCircuits = append(report.OpenCircuits, name)
			}
		}

		sort.Strings(report.OpenCircuits)
	}

	return report
}
