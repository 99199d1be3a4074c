package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type errorKind int

const (
	kindUnknown errorKind = iota
	kindNotFound
	kindConflict
	kindUnavailable
)

// Error implements repositories.RepositoryError for Postgres backed repositories.
type Error struct {
	op   string
	err  error
	kind errorKind
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %v", e.op, e.err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsNotFound reports whether no row matched.
func (e *Error) IsNotFound() bool { return e != nil && e.kind == kindNotFound }

// IsConflict reports a unique violation or a failed compare-and-set.
func (e *Error) IsConflict() bool { return e != nil && e.kind == kindConflict }

// IsUnavailable reports connection level failures.
func (e *Error) IsUnavailable() bool { return e != nil && e.kind == kindUnavailable }

func notFound(op, message string) error {
	return &Error{op: op, err: errors.New(message), kind: kindNotFound}
}

func conflict(op, message string) error {
	return &Error{op: op, err: errors.New(message), kind: kindConflict}
}

// wrapError classifies pgx errors. Context cancellations pass through.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var repoErr *Error
	if errors.As(err, &repoErr) {
		return repoErr
	}
	kind := kindUnknown
	var pgErr *pgconn.PgError
	var connErr *pgconn.ConnectError
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		kind = kindNotFound
	case isUniqueViolation(err):
		kind = kindConflict
	case errors.As(err, &pgErr):
		// class 08 is connection exceptions, 57P0x is operator shutdown
		if len(pgErr.Code) >= 2 && (pgErr.Code[:2] == "08" || pgErr.Code[:2] == "57") {
			kind = kindUnavailable
		}
	case errors.As(err, &connErr), pgconn.SafeToRetry(err), pgconn.Timeout(err):
		kind = kindUnavailable
	}
	return &Error{op: op, err: err, kind: kind}
}
