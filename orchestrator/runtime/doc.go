// Package runtime provides panic recovery for goroutines and handlers.
//
// Background workers use SafeGo / SafeGoWithContextAndComponent with the
// KeepRunning policy so a panicking handler is logged, recorded on the active
// span and counted, without taking down the dispatcher or runner loop.
package runtime
