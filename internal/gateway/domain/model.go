// Package domain defines the payment gateway boundary: a tokenized charge
// capability plus the structured outcomes the billing engine reasons about.
package domain

import (
	"context"
	"errors"
	"time"
)

var (
	ErrProviderNotFound = errors.New("payment_provider_not_found")
	ErrInvalidConfig    = errors.New("invalid_provider_config")
	ErrNotChargeable    = errors.New("provider_not_chargeable")
)

// ProviderKind distinguishes providers that can charge a stored token from
// providers that run their own redirect-based recurring billing.
type ProviderKind string

const (
	ProviderKindToken    ProviderKind = "TOKEN"
	ProviderKindRedirect ProviderKind = "REDIRECT"
)

// FailureCode is the closed set of charge failure classifications. Keeping
// this an enum (rather than raw provider strings) makes the retry-vs-fatal
// decision exhaustively checkable.
type FailureCode string

const (
	FailureCodeInsufficientFunds FailureCode = "INSUFFICIENT_FUNDS"
	FailureCodeCardDeclined      FailureCode = "CARD_DECLINED"
	FailureCodeCardExpired       FailureCode = "CARD_EXPIRED"
	FailureCodeInvalidToken      FailureCode = "INVALID_TOKEN"
	FailureCodeProcessingError   FailureCode = "PROCESSING_ERROR"
	FailureCodeTimeout           FailureCode = "TIMEOUT"
	FailureCodeSystemError       FailureCode = "SYSTEM_ERROR"
)

// ChargeRequest describes one idempotent charge against a stored credential.
// Token is an opaque vault reference and must never be logged or persisted.
type ChargeRequest struct {
	IdempotencyKey string
	Token          string
	Amount         int64
	Currency       string
	Metadata       map[string]string
}

// ChargeResult is the structured outcome of a gateway charge call.
type ChargeResult struct {
	Success       bool
	TransactionID string
	FailureCode   FailureCode
	FailureReason string
	RawResponse   []byte
}

// Client executes charges against one configured provider. Implementations
// must honor the request's idempotency key: re-sending the same key must not
// produce a second charge.
type Client interface {
	Provider() string
	Charge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
}

// AdapterConfig carries provider credentials and tunables.
type AdapterConfig struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

// Factory builds a Client for one provider.
type Factory interface {
	Provider() string
	Kind() ProviderKind
	NewClient(cfg AdapterConfig) (Client, error)
}
