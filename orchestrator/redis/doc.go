// Package redis wraps go-redis for the orchestrator: a lazily connected
// client used by the action result cache and a redsync lock manager that
// keeps background sweepers single-instance across a cluster.
package redis
