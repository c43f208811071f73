package session

import (
	"context"
	"errors"
	"testing"

	"github.com/wybiral/pymote/pkg/transport/faketransport"
)

func newTestSession() *Session {
	return New(faketransport.New())
}

func TestTransactionCommitDiscardsActions(t *testing.T) {
	s := newTestSession()
	tx := s.BeginTransaction()
	ran := false
	tx.Push(func(ctx context.Context) error { ran = true; return nil })
	if err := tx.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	if ran {
		t.Fatal("compensating action ran after Commit")
	}
}

func TestTransactionRollbackRunsActionsLIFO(t *testing.T) {
	s := newTestSession()
	tx := s.BeginTransaction()
	var order []int
	tx.Push(func(ctx context.Context) error { order = append(order, 1); return nil })
	tx.Push(func(ctx context.Context) error { order = append(order, 2); return nil })
	tx.Push(func(ctx context.Context) error { order = append(order, 3); return nil })
	if err := tx.Rollback(context.Background()); err != nil {
		t.Fatalf("Rollback: %v", err)
	}
	want := []int{3, 2, 1}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestTransactionDoubleResolveDetected(t *testing.T) {
	s := newTestSession()
	tx := s.BeginTransaction()
	if err := tx.Commit(); err != nil {
		t.Fatalf("first Commit: %v", err)
	}
	if err := tx.Commit(); !errors.Is(err, errTransactionAlreadyResolved) {
		t.Fatalf("second Commit err = %v, want errTransactionAlreadyResolved", err)
	}
	if err := tx.Rollback(context.Background()); !errors.Is(err, errTransactionAlreadyResolved) {
		t.Fatalf("Rollback after Commit err = %v, want errTransactionAlreadyResolved", err)
	}
}

func TestTransactionRollbackContinuesAfterActionError(t *testing.T) {
	s := newTestSession()
	tx := s.BeginTransaction()
	var secondRan bool
	tx.Push(func(ctx context.Context) error { secondRan = true; return nil })
	tx.Push(func(ctx context.Context) error { return errors.New("boom") })
	err := tx.Rollback(context.Background())
	if err == nil {
		t.Fatal("expected first error to surface from Rollback")
	}
	if !secondRan {
		t.Fatal("expected earlier-pushed action to still run despite a later one failing")
	}
}
