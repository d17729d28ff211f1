// Package errgroup runs a bounded set of goroutines that share a cancellation
// context, recovering panics into errors.
package errgroup
