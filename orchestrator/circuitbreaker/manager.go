package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sony/gobreaker"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/runtime"
)

// Manager owns named breakers created lazily from a default Config.
type Manager struct {
	mu        sync.RWMutex
	breakers  map[string]*gobreaker.CircuitBreaker
	configs   map[string]Config
	defaults  Config
	listeners []StateChangeListener
	logger    log.Logger
}

// NewManager creates a Manager whose lazily created breakers use defaults.
func NewManager(logger log.Logger, defaults Config) *Manager {
	if nilcheck.Interface(logger) {
		logger = log.NewNop()
	}

	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		configs:  make(map[string]Config),
		defaults: defaults,
		logger:   logger,
	}
}

// Configure sets the Config for name, replacing any existing breaker.
func (m *Manager) Configure(name string, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.configs[name] = cfg
	m.breakers[name] = m.newBreaker(name, cfg)
}

// Execute runs fn through the breaker for name, creating it on first use.
// Rejections wrap gobreaker.ErrOpenState or gobreaker.ErrTooManyRequests.
func (m *Manager) Execute(name string, fn func() (any, error)) (any, error) {
	breaker := m.breaker(name)

	result, err := breaker.Execute(fn)

	switch {
	case errors.Is(err, gobreaker.ErrOpenState):
		return nil, fmt.Errorf("%s unavailable, circuit open: %w", name, err)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return nil, fmt.Errorf("%s recovering, half-open limit reached: %w", name, err)
	}

	return result, err
}

// State returns the state of the breaker for name.
func (m *Manager) State(name string) State {
	m.mu.RLock()
	breaker, ok := m.breakers[name]
	m.mu.RUnlock()

	if !ok {
		return StateUnknown
	}

	return convertState(breaker.State())
}

// Counts returns the counters of the breaker for name.
func (m *Manager) Counts(name string) Counts {
	m.mu.RLock()
	breaker, ok := m.breakers[name]
	m.mu.RUnlock()

	if !ok {
		return Counts{}
	}

	counts := breaker.Counts()

	return Counts{
		Requests:             counts.Requests,
		TotalSuccesses:       counts.TotalSuccesses,
		TotalFailures:        counts.TotalFailures,
		ConsecutiveSuccesses: counts.ConsecutiveSuccesses,
		ConsecutiveFailures:  counts.ConsecutiveFailures,
	}
}

// States snapshots every known breaker.
func (m *Manager) States() map[string]State {
	m.mu.RLock()
	breakers := make(map[string]*gobreaker.CircuitBreaker, len(m.breakers))
	for name, breaker := range m.breakers {
		breakers[name] = breaker
	}
	m.mu.RUnlock()

	// gobreaker may fire OnStateChange from State(), which takes mu.
	states := make(map[string]State, len(breakers))
	for name, breaker := range breakers {
		states[name] = convertState(breaker.State())
	}

	return states
}

// Reset recreates the breaker for name in the closed state.
func (m *Manager) Reset(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.breakers[name]; !ok {
		return
	}

	m.breakers[name] = m.newBreaker(name, m.configFor(name))
	m.logger.Log(context.Background(), log.LevelInfo, "circuit breaker reset", log.String("breaker", name))
}

// RegisterStateChangeListener adds a listener. Nil listeners are ignored.
func (m *Manager) RegisterStateChangeListener(listener StateChangeListener) {
	if nilcheck.Interface(listener) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.listeners = append(m.listeners, listener)
}

func (m *Manager) breaker(name string) *gobreaker.CircuitBreaker {
	m.mu.RLock()
	breaker, ok := m.breakers[name]
	m.mu.RUnlock()

	if ok {
		return breaker
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if breaker, ok = m.breakers[name]; ok {
		return breaker
	}

	breaker = m.newBreaker(name, m.configFor(name))
	m.breakers[name] = breaker

	return breaker
}

// configFor must be called with mu held.
func (m *Manager) configFor(name string) Config {
	if cfg, ok := m.configs[name]; ok {
		return cfg
	}

	return m.defaults
}

func (m *Manager) newBreaker(name string, cfg Config) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:         name,
		MaxRequests:  cfg.MaxRequests,
		Interval:     cfg.Interval,
		Timeout:      cfg.Timeout,
		ReadyToTrip:  cfg.readyToTrip,
		IsSuccessful: cfg.IsSuccessful,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			m.handleStateChange(name, convertState(from), convertState(to))
		},
	})
}

func (m *Manager) handleStateChange(name string, from, to State) {
	level := log.LevelInfo
	if to == StateOpen {
		level = log.LevelWarn
	}

	m.logger.Log(context.Background(), level, "circuit breaker state changed",
		log.String("breaker", name),
		log.String("from", string(from)),
		log.String("to", string(to)),
	)

	m.mu.RLock()
	listeners := append([]StateChangeListener(nil), m.listeners...)
	m.mu.RUnlock()

	for _, listener := range listeners {
		runtime.SafeGo(m.logger, "circuitbreaker.state_listener", runtime.KeepRunning, func() {
			listener.OnStateChange(name, from, to)
		})
	}
}
