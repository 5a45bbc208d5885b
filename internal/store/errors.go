package store

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// The storage layer returns one of the typed errors below instead of letting
// callers pattern-match on Postgres error text. Classification happens once,
// here, from SQLSTATE codes.

// SchemaMissingError reports that a required table or function is absent from
// the store. Non-retryable until provisioning has run.
type SchemaMissingError struct {
	Missing string
	Err     error
}

func (e *SchemaMissingError) Error() string {
	return fmt.Sprintf("schema missing: %s", e.Missing)
}

func (e *SchemaMissingError) Unwrap() error { return e.Err }

// AuthorizationError reports a tenant-scope violation: the operation touched
// or targeted rows outside the authenticated tenant.
type AuthorizationError struct {
	TenantID string
	Op       string
}

func (e *AuthorizationError) Error() string {
	return fmt.Sprintf("tenant %s not authorized for %s", e.TenantID, e.Op)
}

// TransientError wraps connection, timeout and serialization failures that
// are safe to retry with the identical call.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient store failure: %v", e.Err) }

func (e *TransientError) Unwrap() error { return e.Err }

// ConflictError wraps constraint violations not explained by tenant-scoped
// natural ids. Surfaced, never swallowed.
type ConflictError struct {
	Constraint string
	Err        error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("constraint violation: %s", e.Constraint)
}

func (e *ConflictError) Unwrap() error { return e.Err }

// ErrNotFound is returned by single-row reads when no tenant-visible row
// matches.
var ErrNotFound = errors.New("not found")

// classify maps a driver-level error onto the typed taxonomy. The op string
// is kept in the wrap chain for diagnostics.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return &TransientError{Err: fmt.Errorf("%s: %w", op, err)}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TransientError{Err: fmt.Errorf("%s: %w", op, err)}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "42P01": // undefined_table
			return &SchemaMissingError{Missing: missingRelation(pgErr), Err: fmt.Errorf("%s: %w", op, err)}
		case pgErr.Code == "42883": // undefined_function
			return &SchemaMissingError{Missing: missingRelation(pgErr), Err: fmt.Errorf("%s: %w", op, err)}
		case pgErr.Code == "3F000": // invalid_schema_name
			return &SchemaMissingError{Missing: missingRelation(pgErr), Err: fmt.Errorf("%s: %w", op, err)}
		case pgErr.Code == "42501" || strings.HasPrefix(pgErr.Code, "28"): // privilege / auth
			return &AuthorizationError{Op: op}
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization / deadlock
			return &TransientError{Err: fmt.Errorf("%s: %w", op, err)}
		case strings.HasPrefix(pgErr.Code, "08"), // connection
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			pgErr.Code == "57014":               // query_canceled
			return &TransientError{Err: fmt.Errorf("%s: %w", op, err)}
		case strings.HasPrefix(pgErr.Code, "23"): // integrity constraint
			return &ConflictError{Constraint: pgErr.ConstraintName, Err: fmt.Errorf("%s: %w", op, err)}
		}
	}

	return fmt.Errorf("%s: %w", op, err)
}

// missingRelation pulls the best available identifier out of a
// schema-related error so provisioning can report what to create.
func missingRelation(pgErr *pgconn.PgError) string {
	if pgErr.TableName != "" {
		return pgErr.TableName
	}
	if pgErr.Routine != "" {
		return pgErr.Routine
	}
	// 42P01 messages read `relation "documents" does not exist`; the quoted
	// identifier is the only place the name appears.
	if start := strings.Index(pgErr.Message, `"`); start >= 0 {
		rest := pgErr.Message[start+1:]
		if end := strings.Index(rest, `"`); end >= 0 {
			return rest[:end]
		}
	}
	return pgErr.Message
}

// RequiredRelations lists every relation the synchronization engine writes.
// Surfaced with SchemaMissingError so an external provisioning step knows
// what to create.
var RequiredRelations = []string{
	"tenants",
	"document_groups",
	"documents",
	"text_sections",
	"ai_commentary",
	"group_analysis_results",
	"sync_runs",
}
