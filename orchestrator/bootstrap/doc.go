// Package bootstrap assembles a complete orchestrator process from
// environment configuration: storage, dispatcher, router, workflow runner,
// retry sweeper, forwarders, audit sink and the admin server. Services that
// own domain operations pass their invoker.Registry to New.
package bootstrap
