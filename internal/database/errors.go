package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"
)

// ErrNotMember is returned when a membership row that should exist does not.
var ErrNotMember = errors.New("membership not found")

type PersistErrorKind int

const (
	// Unavailable covers connectivity, timeouts and an open circuit.
	Unavailable PersistErrorKind = iota + 1
	// Constraint covers integrity violations (class 23).
	Constraint
)

func (k PersistErrorKind) String() string {
	switch k {
	case Unavailable:
		return "unavailable"
	case Constraint:
		return "constraint"
	default:
		return "unknown"
	}
}

type PersistError struct {
	Kind PersistErrorKind
	Op   string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *PersistError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a PersistError of the given kind.
func IsKind(err error, kind PersistErrorKind) bool {
	var pe *PersistError
	return errors.As(err, &pe) && pe.Kind == kind
}

// classify wraps driver errors into a PersistError. Lookup misses, caller
// cancellation and the package's own sentinels pass through untouched.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}

	var pe *PersistError
	if errors.As(err, &pe) ||
		errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, ErrNotMember) ||
		errors.Is(err, context.Canceled) {
		return err
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code.Class() == "23" {
		return &PersistError{Kind: Constraint, Op: op, Err: err}
	}

	// everything else (network, timeouts, open circuit) is transient
	return &PersistError{Kind: Unavailable, Op: op, Err: err}
}
