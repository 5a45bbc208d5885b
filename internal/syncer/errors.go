package syncer

import (
	"errors"

	"docsync/api/internal/store"
)

// Wire error codes. Callers branch on these to choose retry, re-auth or
// provisioning without parsing message text.
const (
	CodeValidation    = "VALIDATION_ERROR"
	CodeSchemaMissing = "SCHEMA_MISSING"
	CodeAuthorization = "AUTHORIZATION_ERROR"
	CodeTransient     = "TRANSIENT_ERROR"
	CodeConflict      = "CONFLICT_ERROR"
	CodeInternal      = "INTERNAL_ERROR"
)

// ErrorCode maps a synchronization failure onto its wire code and reports
// whether an external provisioning step is needed before a retry can
// succeed.
func ErrorCode(err error) (code string, needsProvisioning bool) {
	var validationErr *ValidationError
	if errors.As(err, &validationErr) {
		return CodeValidation, false
	}
	var schemaErr *store.SchemaMissingError
	if errors.As(err, &schemaErr) {
		return CodeSchemaMissing, true
	}
	var authErr *store.AuthorizationError
	if errors.As(err, &authErr) {
		return CodeAuthorization, false
	}
	var transientErr *store.TransientError
	if errors.As(err, &transientErr) {
		return CodeTransient, false
	}
	var conflictErr *store.ConflictError
	if errors.As(err, &conflictErr) {
		return CodeConflict, false
	}
	return CodeInternal, false
}

// Retryable reports whether re-running the identical Synchronize call can
// succeed without operator or user intervention.
func Retryable(err error) bool {
	code, _ := ErrorCode(err)
	return code == CodeTransient
}
