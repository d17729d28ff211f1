package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/runtime"
)

var (
	// ErrLoggerNil is returned when the launcher has no logger.
	ErrLoggerNil = errors.New("logger is nil")
	// ErrNilLauncher is returned when a launcher method is called on a nil receiver.
	ErrNilLauncher = errors.New("launcher is nil")
	// ErrEmptyApp is returned when an app name is empty or whitespace.
	ErrEmptyApp = errors.New("app name is empty")
	// ErrNilApp is returned when a nil app instance is provided.
	ErrNilApp = errors.New("app is nil")
	// ErrConfigFailed is returned when launcher option application collected errors.
	ErrConfigFailed = errors.New("launcher configuration failed")
)

// App is a long-running component started by the Launcher, such as the
// outbox dispatcher, the retry sweeper or the admin HTTP server.
type App interface {
	Run(launcher *Launcher) error
}

// LauncherOption defines a function option for Launcher.
type LauncherOption func(l *Launcher)

// WithLogger sets the launcher logger.
func WithLogger(logger log.Logger) LauncherOption {
	return func(l *Launcher) {
		l.Logger = logger
	}
}

// WithContext sets the context handed to apps through Launcher.Context.
// Cancelling it is the shutdown signal for every app.
func WithContext(ctx context.Context) LauncherOption {
	return func(l *Launcher) {
		if ctx != nil {
			l.ctx = ctx
		}
	}
}

// RunApp registers an application with the launcher. Registration errors are
// collected and surfaced by RunWithError.
func RunApp(name string, app App) LauncherOption {
	return func(l *Launcher) {
		if err := l.Add(name, app); err != nil {
			l.configErrors = append(l.configErrors, fmt.Errorf("add app %q: %w", name, err))
		}
	}
}

// Launcher runs a set of apps concurrently and waits for all of them.
type Launcher struct {
	Logger       log.Logger
	ctx          context.Context
	apps         map[string]App
	order        []string
	wg           *sync.WaitGroup
	mu           sync.Mutex
	errs         []error
	configErrors []error
}

// NewLauncher creates a Launcher.
func NewLauncher(opts ...LauncherOption) *Launcher {
	l := &Launcher{
		ctx:  context.Background(),
		apps: make(map[string]App),
		wg:   new(sync.WaitGroup),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}

	return l
}

// Context returns the launcher lifetime context.
func (l *Launcher) Context() context.Context {
	if l == nil || l.ctx == nil {
		return context.Background()
	}

	return l.ctx
}

// Add registers an application under appName.
func (l *Launcher) Add(appName string, a App) error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.apps == nil {
		l.apps = make(map[string]App)
	}

	if strings.TrimSpace(appName) == "" {
		return ErrEmptyApp
	}

	if a == nil {
		return ErrNilApp
	}

	if _, exists := l.apps[appName]; !exists {
		l.order = append(l.order, appName)
	}

	l.apps[appName] = a

	return nil
}

// RunWithError starts every registered app and blocks until all return.
// App errors are logged and joined into the returned error.
func (l *Launcher) RunWithError() error {
	if l == nil {
		return ErrNilLauncher
	}

	if l.Logger == nil {
		return ErrLoggerNil
	}

	if len(l.configErrors) > 0 {
		return errors.Join(append([]error{ErrConfigFailed}, l.configErrors...)...)
	}

	if l.wg == nil {
		l.wg = new(sync.WaitGroup)
	}

	ctx := l.Context()

	l.Logger.Log(ctx, log.LevelInfo, "starting apps", log.Int("count", len(l.order)))

	for _, name := range l.order {
		appName := name
		app := l.apps[name]

		l.wg.Add(1)

		runtime.SafeGoWithContextAndComponent(ctx, l.Logger, "launcher", "run_app_"+appName, runtime.KeepRunning,
			func(ctx context.Context) {
				defer l.wg.Done()

				l.Logger.Log(ctx, log.LevelInfo, "app starting", log.String("app", appName))

				if err := app.Run(l); err != nil {
					l.Logger.Log(ctx, log.LevelError, "app error", log.String("app", appName), log.Err(err))
					l.recordError(fmt.Errorf("app %q: %w", appName, err))
				}

				l.Logger.Log(ctx, log.LevelInfo, "app finished", log.String("app", appName))
			})
	}

	l.wg.Wait()

	l.Logger.Log(ctx, log.LevelInfo, "launcher terminated")

	l.mu.Lock()
	defer l.mu.Unlock()

	return errors.Join(l.errs...)
}

func (l *Launcher) recordError(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.errs = append(l.errs, err)
}
