// Package services implements the ingestion service: idempotent message
// creation, edits, delete-for-all, and reaction toggles. This file
// centralizes the service-level error values so that they can be consistently
// returned by service methods and checked by callers.
//
// These errors form the taxonomy the HTTP layer translates into stable error
// codes, and the sync client classifies into retry-vs-fail decisions.
package services

import "errors"

var (
	// ErrInvalidArgument indicates a request failed field validation. Never
	// retried.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrPermissionDenied indicates the caller is not a member, is blocked,
	// or is not the message sender. Permanent; never retried.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrRateLimited indicates the per-user budget for the operation class is
	// exhausted. Retried only after backoff.
	ErrRateLimited = errors.New("rate limited")

	// ErrFailedPrecondition indicates the operation is structurally valid but
	// the message state forbids it: edit window expired, wrong kind, or the
	// message is already deleted.
	ErrFailedPrecondition = errors.New("failed precondition")

	// ErrNotFound indicates the message or conversation does not exist.
	ErrNotFound = errors.New("not found")
)
