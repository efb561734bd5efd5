package repositories

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
)

func TestInMemoryStreamRepositoryContract(t *testing.T) {
	exerciseStreamRepository(t, NewInMemoryStreamRepository())
}

func TestInMemoryStreamRepositoryConcurrentUpdates(t *testing.T) {
	exerciseConcurrentGuardedUpdates(t, NewInMemoryStreamRepository())
}

func TestInMemoryStreamRepositoryReturnsCopies(t *testing.T) {
	repo := NewInMemoryStreamRepository()
	ctx := context.Background()
	stream := newTestStream("s1", "host-1", contractBase)
	if err := repo.Insert(ctx, stream); err != nil {
		t.Fatalf("insert: %v", err)
	}

	fetched, err := repo.FindByID(ctx, "s1")
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	started := contractBase
	fetched.ActualStart = &started
	fetched.Title = "mutated"

	again, err := repo.FindByID(ctx, "s1")
	if err != nil {
		t.Fatalf("find again: %v", err)
	}
	if again.ActualStart != nil || again.Title != stream.Title {
		t.Fatalf("expected stored stream to be isolated from callers %+v", again)
	}
}

func TestConstraintErrorMapping(t *testing.T) {
	cases := map[string]error{
		pgUniqueViolation:     ErrConflict,
		pgForeignKeyViolation: ErrNotFound,
	}
	for code, want := range cases {
		err := fmt.Errorf("exec: %w", &pgconn.PgError{Code: code})
		if got := constraintError(err); got != want {
			t.Fatalf("code %s: expected %v got %v", code, want, got)
		}
	}
	if got := constraintError(&pgconn.PgError{Code: "40001"}); got != nil {
		t.Fatalf("expected unrelated code to pass through got %v", got)
	}
	if got := constraintError(errors.New("boom")); got != nil {
		t.Fatalf("expected plain error to pass through got %v", got)
	}
}
