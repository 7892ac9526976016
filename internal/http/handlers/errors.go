// Package handlers defines HTTP-layer error codes used across all API endpoints.
//
// Codes are lowercase snake_case and stable: clients branch on them, while
// the accompanying message is for humans. Reconciliation failures that are
// not the caller's fault (store errors, invariant violations, oversized
// clusters) all surface as internal_error so no cluster details leak.
//
// Example response:
//
//	{
//	  "request_id": "e1b9be03-4999-4289-9f03-999b042d65d6",
//	  "code": "bad_request",
//	  "message": "email or phoneNumber is required"
//	}
package handlers

const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeRateLimited      = "too_many_requests"
	ErrCodeInternal         = "internal_error"

	// ErrCodeUnavailable is returned while the identity lock for a request's
	// keys is held by another request for longer than LOCK_WAIT.
	ErrCodeUnavailable = "unavailable"
)
