// Package services defines the business logic for identity reconciliation.
// This file centralizes service-level error values so that they can be
// returned consistently by service methods and checked by callers.
//
// Translation into user-facing messages or HTTP status codes is performed at
// the handler layer.
package services

import "errors"

var (
	// ErrInvalidIdentity is returned when a request carries neither an email
	// nor a phone number after trimming. No store access happens.
	ErrInvalidIdentity = errors.New("email or phoneNumber is required")

	// ErrContactNotFound indicates that the requested contact does not exist.
	ErrContactNotFound = errors.New("contact not found")

	// ErrInvariantViolation signals that the store holds a cluster shape the
	// merge protocol can never produce, for example a secondary that still
	// points at another secondary after resolution. It is logged and never
	// repaired.
	ErrInvariantViolation = errors.New("identity invariant violated")

	// ErrClusterTooLarge is returned when discovery exceeds the configured
	// node or query budget.
	ErrClusterTooLarge = errors.New("identity cluster exceeds discovery limits")

	// ErrConflictRetriesExhausted is returned when every attempt to insert a
	// contact lost a race against a concurrent duplicate.
	ErrConflictRetriesExhausted = errors.New("insert conflict retries exhausted")
)
