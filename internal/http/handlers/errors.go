// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// This file centralizes symbolic error code constants that are mapped to HTTP
// responses (via the `fail()` helper in this package). These codes mirror the
// failure taxonomy the sync client classifies into retry-vs-fail decisions,
// so their stability is part of the wire contract.
//
// Conventions:
//   - Codes are lowercase snake_case.
//   - invalid_argument / permission_denied / failed_precondition / not_found
//     are permanent: the client must never retry them automatically.
//   - resource_exhausted is transient-but-throttled: retried after backoff.
//   - internal_error is transient: retried with exponential backoff.
package handlers

const (
	ErrCodeInvalidArgument    = "invalid_argument"
	ErrCodePermissionDenied   = "permission_denied"
	ErrCodeFailedPrecondition = "failed_precondition"
	ErrCodeNotFound           = "not_found"
	ErrCodeResourceExhausted  = "resource_exhausted"
	ErrCodeInternal           = "internal_error"
	ErrCodeMethodNotAllowed   = "method_not_allowed"
)
