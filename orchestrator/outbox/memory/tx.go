package memory

import (
	"context"
	"database/sql"
	"errors"
	"sync"
)

var (
	// ErrExecUnsupported is returned by Tx.ExecContext; the memory Tx carries
	// staged writes, not SQL.
	ErrExecUnsupported = errors.New("memory tx does not execute SQL")
	// ErrTxDone is returned when staging into a committed or rolled back Tx.
	ErrTxDone = errors.New("memory tx already finished")
	// ErrForeignTx is returned when a Tx from another runner is passed in.
	ErrForeignTx = errors.New("tx was not opened by a memory runner")
)

// Tx stages writes that apply only when the enclosing WithinTx commits.
type Tx struct {
	mu       sync.Mutex
	done     bool
	onCommit []func()
}

// ExecContext always fails with ErrExecUnsupported.
func (tx *Tx) ExecContext(context.Context, string, ...any) (sql.Result, error) {
	return nil, ErrExecUnsupported
}

// OnCommit stages fn to run if the transaction commits.
func (tx *Tx) OnCommit(fn func()) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.done {
		return ErrTxDone
	}

	tx.onCommit = append(tx.onCommit, fn)

	return nil
}

func (tx *Tx) finish(commit bool) {
	tx.mu.Lock()
	staged := tx.onCommit
	tx.onCommit = nil
	tx.done = true
	tx.mu.Unlock()

	if !commit {
		return
	}

	for _, fn := range staged {
		fn()
	}
}

// TxRunner opens memory transactions. The zero value is ready to use.
type TxRunner struct {
	// serializes commits so staged writes from one tx apply together
	mu sync.Mutex
}

// Begin opens a transaction the caller finishes with Commit or Rollback.
func (runner *TxRunner) Begin() *Tx {
	return &Tx{}
}

// Commit applies the staged writes of tx.
func (runner *TxRunner) Commit(tx *Tx) {
	runner.mu.Lock()
	defer runner.mu.Unlock()

	tx.finish(true)
}

// Rollback discards the staged writes of tx.
func (runner *TxRunner) Rollback(tx *Tx) {
	tx.finish(false)
}

// AsTx unwraps a tx passed through the outbox.Tx interface.
func AsTx(tx any) (*Tx, error) {
	memTx, ok := tx.(*Tx)
	if !ok || memTx == nil {
		return nil, ErrForeignTx
	}

	return memTx, nil
}
