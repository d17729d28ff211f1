// Package memory is an in-process outbox store for tests and single-node
// development. Transactions stage writes and apply them on commit, so the
// atomicity of an append with the producer's own writes can be observed.
package memory
