// Package circuitbreaker keeps one sony/gobreaker breaker per downstream name
// (the action invoker keys them by target domain) and reports their states
// to the health endpoint.
package circuitbreaker
