package runtime

import (
	"context"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/log"
)

// SafeGo launches fn in a goroutine guarded by panic recovery.
func SafeGo(logger log.Logger, name string, policy PanicPolicy, fn func()) {
	SafeGoWithContextAndComponent(context.Background(), logger, "orchestrator", name, policy, func(context.Context) {
		fn()
	})
}

// SafeGoWithContextAndComponent launches fn in a goroutine guarded by panic
// recovery. The context is passed through to fn and used for observability.
func SafeGoWithContextAndComponent(
	ctx context.Context,
	logger log.Logger,
	component, name string,
	policy PanicPolicy,
	fn func(context.Context),
) {
	if fn == nil {
		return
	}

	if ctx == nil {
		ctx = context.Background()
	}

	go func() {
		defer RecoverWithPolicyAndContext(ctx, logger, component, name, policy)

		fn(ctx)
	}()
}
