package domain

import "errors"

var (
	ErrSubscriptionNotFound = errors.New("subscription_not_found")
	ErrInvalidSubscription  = errors.New("invalid_subscription")
	ErrInvalidStatus        = errors.New("invalid_subscription_status")
	ErrInvalidInterval      = errors.New("invalid_billing_interval")
	ErrInvalidPageToken     = errors.New("invalid_page_token")
)
