package session

import (
	"context"
	"log/slog"
	"runtime"
	"sync"

	"github.com/google/uuid"
)

// CompensatingAction is one step pushed onto a Transaction, e.g.
// "delete file X", run in LIFO order on rollback.
type CompensatingAction func(ctx context.Context) error

// Transaction is a scoped pseudo-transaction: since the device has no
// true transactional storage, it records compensating actions and runs
// them in LIFO order on Rollback. Commit discards them. Modeled after
// database/sql's Tx: callers must call exactly one of Commit/Rollback;
// a Transaction dropped without either is rolled back automatically by
// a best-effort finalizer: one left active and unreferenced rolls back
// on its own rather than leaking a half-applied change.
type Transaction struct {
	id      string
	log     *slog.Logger
	session *Session

	mu       sync.Mutex
	actions  []CompensatingAction
	resolved bool // true once Commit or Rollback has run
}

// BeginTransaction starts a new compensating-action scope, owned by the
// operation that calls it (ownership).
func (s *Session) BeginTransaction() *Transaction {
	tx := &Transaction{
		id:      uuid.NewString(),
		log:     s.log,
		session: s,
	}
	runtime.SetFinalizer(tx, func(t *Transaction) {
		t.mu.Lock()
		resolved := t.resolved
		t.mu.Unlock()
		if !resolved {
			t.log.Warn("transaction dropped without commit or rollback, rolling back", "tx", t.id)
			_ = t.Rollback(context.Background())
		}
	})
	return tx
}

// Push records a compensating action to run if the transaction rolls back.
func (t *Transaction) Push(action CompensatingAction) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.actions = append(t.actions, action)
}

// Commit discards the compensating actions. Committing (or rolling
// back) a transaction a second time is a programming error and is
// detected here rather than silently accepted.
func (t *Transaction) Commit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.resolved {
		return errTransactionAlreadyResolved
	}
	t.resolved = true
	t.actions = nil
	runtime.SetFinalizer(t, nil)
	return nil
}

// Rollback runs every pushed compensating action in LIFO order.
func (t *Transaction) Rollback(ctx context.Context) error {
	t.mu.Lock()
	if t.resolved {
		t.mu.Unlock()
		return errTransactionAlreadyResolved
	}
	t.resolved = true
	actions := t.actions
	t.actions = nil
	t.mu.Unlock()
	runtime.SetFinalizer(t, nil)

	var firstErr error
	for i := len(actions) - 1; i >= 0; i-- {
		if err := actions[i](ctx); err != nil {
			t.log.Error("compensating action failed", "tx", t.id, "err", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

var errTransactionAlreadyResolved = &transactionError{"transaction already committed or rolled back"}

type transactionError struct{ msg string }

func (e *transactionError) Error() string { return e.msg }
