// Package log defines the structured logging contract used across lib-orchestrator.
//
// Components accept a Logger and fall back to NewNop when none is configured,
// so every code path can log unconditionally.
package log
