// Package orchestrator holds the cross-cutting primitives shared by the outbox,
// router, workflow and invoker subpackages: request-scoped tracking in context,
// the delivery error taxonomy, env-driven configuration and the App launcher.
//
// Typical usage at a worker or request ingress:
//
//	ctx = orchestrator.ContextWithLogger(ctx, logger)
//	ctx = orchestrator.ContextWithTracer(ctx, tracer)
//	ctx = orchestrator.ContextWithHeaderID(ctx, correlationID)
package orchestrator
