package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"

	libOrchestrator "github.com/LerianStudio/lib-orchestrator/orchestrator"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/internal/nilcheck"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/opentelemetry"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/runtime"
)

const defaultShutdownTimeout = 30 * time.Second

var (
	// ErrAppRequired indicates the manager was built without a fiber app.
	ErrAppRequired = errors.New("server: fiber app is required")
	// ErrAddressRequired indicates an empty listen address.
	ErrAddressRequired = errors.New("server: listen address is required")
	// ErrAlreadyRunning indicates Run was called twice.
	ErrAlreadyRunning = errors.New("server: already running")
)

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		if !nilcheck.Interface(logger) {
			m.logger = logger
		}
	}
}

// WithTelemetry flushes and stops telemetry after the HTTP server stops.
func WithTelemetry(telemetry *opentelemetry.Telemetry) Option {
	return func(m *Manager) {
		m.telemetry = telemetry
	}
}

// WithShutdownTimeout bounds the graceful shutdown. Defaults to 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(m *Manager) {
		if timeout > 0 {
			m.shutdownTimeout = timeout
		}
	}
}

// Manager owns the lifecycle of one fiber app.
type Manager struct {
	app             *fiber.App
	address         string
	telemetry       *opentelemetry.Telemetry
	logger          log.Logger
	shutdownTimeout time.Duration

	mu      sync.Mutex
	running bool
	started chan struct{}
}

// NewManager builds a manager serving app on address.
func NewManager(app *fiber.App, address string, opts ...Option) (*Manager, error) {
	if app == nil {
		return nil, ErrAppRequired
	}

	if strings.TrimSpace(address) == "" {
		return nil, ErrAddressRequired
	}

	m := &Manager{
		app:             app,
		address:         address,
		logger:          log.NewNop(),
		shutdownTimeout: defaultShutdownTimeout,
		started:         make(chan struct{}),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// Started is closed once the listener goroutine has been launched. It does
// not mean the socket is bound.
func (m *Manager) Started() <-chan struct{} {
	return m.started
}

// Run serves until the launcher context is cancelled.
func (m *Manager) Run(launcher *libOrchestrator.Launcher) error {
	ctx := context.Background()
	if launcher != nil {
		ctx = launcher.Context()
	}

	return m.RunContext(ctx)
}

// RunContext serves until ctx is cancelled or the listener fails, then shuts
// down the app, telemetry and logger in that order.
func (m *Manager) RunContext(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()

		return ErrAlreadyRunning
	}

	m.running = true
	m.mu.Unlock()

	if ctx == nil {
		ctx = context.Background()
	}

	listenErr := make(chan error, 1)

	runtime.SafeGoWithContextAndComponent(ctx, m.logger, "server", "listen_http", runtime.KeepRunning,
		func(ctx context.Context) {
			m.logger.Log(ctx, log.LevelInfo, "starting HTTP server", log.String("address", m.address))

			if err := m.app.Listen(m.address); err != nil {
				listenErr <- fmt.Errorf("HTTP server: %w", err)
			}
		})

	close(m.started)

	var runErr error

	select {
	case <-ctx.Done():
	case runErr = <-listenErr:
		m.logger.Log(ctx, log.LevelError, "HTTP server failed", log.Err(runErr))
	}

	m.logger.Log(context.Background(), log.LevelInfo, "gracefully shutting down HTTP server")

	return errors.Join(runErr, m.shutdown())
}

func (m *Manager) shutdown() error {
	var errs []error

	if err := m.app.ShutdownWithTimeout(m.shutdownTimeout); err != nil {
		errs = append(errs, fmt.Errorf("HTTP shutdown: %w", err))
	}

	if m.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), m.shutdownTimeout)
		defer cancel()

		if err := m.telemetry.ShutdownTelemetry(ctx); err != nil {
			errs = append(errs, fmt.Errorf("telemetry shutdown: %w", err))
		}
	}

	if err := m.logger.Sync(context.Background()); err != nil {
		m.logger.Log(context.Background(), log.LevelWarn, "failed to sync logger", log.Err(err))
	}

	m.logger.Log(context.Background(), log.LevelInfo, "graceful shutdown completed")

	return errors.Join(errs...)
}
