package domain

import "errors"

var (
	// ErrRebillInFlight means an open record already exists for the
	// subscription; the caller must not create another.
	ErrRebillInFlight = errors.New("rebill_in_flight")

	ErrRebillNotFound = errors.New("rebill_not_found")

	// ErrNotRetryable means the record is not in FAILED state or its
	// next_retry_at has not passed yet.
	ErrNotRetryable = errors.New("rebill_not_retryable")

	// ErrNotChargeable means the subscription cannot be charged at all:
	// missing vault token or a redirect-only payment provider.
	ErrNotChargeable = errors.New("subscription_not_chargeable")
)
