package errgroup

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
	"github.com/LerianStudio/lib-orchestrator/orchestrator/runtime"
)

// ErrPanicRecovered is returned by Wait when a goroutine in the group panicked.
var ErrPanicRecovered = errors.New("errgroup: panic recovered")

// Group runs goroutines that share a context. The first error cancels the
// context and is returned by Wait; later errors are dropped.
type Group struct {
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	sem     chan struct{}
	errOnce sync.Once
	err     error
	logger  log.Logger
}

// WithContext returns a Group and the derived context it cancels.
func WithContext(ctx context.Context) (*Group, context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Group{ctx: ctx, cancel: cancel}, ctx
}

// SetLogger sets the logger used when a goroutine panics.
func (grp *Group) SetLogger(logger log.Logger) {
	if grp == nil {
		return
	}

	grp.logger = logger
}

// SetLimit bounds the number of goroutines running at once. Go blocks while
// the limit is reached. It must be called before the first Go.
func (grp *Group) SetLimit(n int) {
	if grp == nil {
		return
	}

	if n <= 0 {
		grp.sem = nil
		return
	}

	grp.sem = make(chan struct{}, n)
}

// Go runs fn in a new goroutine, waiting for a free slot when a limit is set.
func (grp *Group) Go(fn func() error) {
	if grp == nil || fn == nil {
		return
	}

	if grp.sem != nil {
		grp.sem <- struct{}{}
	}

	grp.wg.Add(1)

	go func() {
		defer grp.done()
		defer func() {
			if recovered := recover(); recovered != nil {
				runtime.HandlePanicValue(grp.context(), grp.logger, recovered, "errgroup", "group.Go")
				grp.fail(fmt.Errorf("%w: %v", ErrPanicRecovered, recovered))
			}
		}()

		if err := fn(); err != nil {
			grp.fail(err)
		}
	}()
}

// Wait blocks until every goroutine returns and reports the first error.
func (grp *Group) Wait() error {
	if grp == nil {
		return nil
	}

	grp.wg.Wait()

	if grp.cancel != nil {
		grp.cancel()
	}

	return grp.err
}

func (grp *Group) done() {
	if grp.sem != nil {
		<-grp.sem
	}

	grp.wg.Done()
}

func (grp *Group) fail(err error) {
	grp.errOnce.Do(func() {
		grp.err = err
		if grp.cancel != nil {
			grp.cancel()
		}
	})
}

func (grp *Group) context() context.Context {
	if grp.ctx != nil {
		return grp.ctx
	}

	return context.Background()
}
