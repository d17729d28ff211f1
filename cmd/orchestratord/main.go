// Command orchestratord runs the outbox dispatcher, workflow runner, retry
// sweeper and admin API against the configured Postgres database.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/LerianStudio/lib-orchestrator/orchestrator/bootstrap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "orchestratord:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := bootstrap.LoadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Domain actions are registered by services embedding the bootstrap
	// package; the standalone daemon routes, forwards and audits events.
	orch, err := bootstrap.New(ctx, cfg, nil)
	if err != nil {
		return err
	}

	return orch.Run()
}
