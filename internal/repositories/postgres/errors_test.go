package postgres

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestWrapErrorClassification(t *testing.T) {
	cases := []struct {
		name        string
		err         error
		notFound    bool
		conflict    bool
		unavailable bool
	}{
		{name: "no rows", err: pgx.ErrNoRows, notFound: true},
		{name: "unique violation", err: &pgconn.PgError{Code: "23505"}, conflict: true},
		{name: "connection failure", err: &pgconn.PgError{Code: "08006"}, unavailable: true},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, unavailable: true},
		{name: "syntax error", err: &pgconn.PgError{Code: "42601"}},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), conflict: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var repoErr *Error
			if !errors.As(wrapError("op", tc.err), &repoErr) {
				t.Fatalf("expected *Error")
			}
			if repoErr.IsNotFound() != tc.notFound || repoErr.IsConflict() != tc.conflict || repoErr.IsUnavailable() != tc.unavailable {
				t.Fatalf("unexpected classification for %v: notFound=%v conflict=%v unavailable=%v",
					tc.err, repoErr.IsNotFound(), repoErr.IsConflict(), repoErr.IsUnavailable())
			}
		})
	}
}

func TestWrapErrorPassesThroughContextErrors(t *testing.T) {
	if err := wrapError("op", context.Canceled); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if wrapError("op", nil) != nil {
		t.Fatal("expected nil for nil error")
	}
	original := conflict("orders.create", "dup")
	if got := wrapError("other", original); got != original {
		t.Fatalf("expected repository error unchanged, got %v", got)
	}
}
