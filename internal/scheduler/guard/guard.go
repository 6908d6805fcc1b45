// Package guard holds the pure eligibility checks the coordinator applies
// before handing an item to the processor, plus the single-flight run guard.
package guard

import (
	"errors"
	"sync/atomic"
	"time"

	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
)

var (
	ErrSubscriptionNotActive = errors.New("subscription_not_active")
	ErrMissingVaultToken     = errors.New("subscription_missing_vault_token")
	ErrProviderNotChargeable = errors.New("provider_not_chargeable")
	ErrNotDueYet             = errors.New("subscription_not_due")
	ErrRetryNotDue           = errors.New("retry_not_due")
	ErrRetriesDepleted       = errors.New("retries_depleted")
)

// SingleFlight prevents two batch runs from overlapping within one process.
// The claim is a compare-and-swap, so a run that is still in flight when the
// next tick fires simply defers that tick.
type SingleFlight struct {
	running atomic.Bool
}

func (g *SingleFlight) TryAcquire() bool {
	return g.running.CompareAndSwap(false, true)
}

func (g *SingleFlight) Release() {
	g.running.Store(false)
}

func EnsureSubscriptionChargeable(status subscriptiondomain.SubscriptionStatus, vaultID *string, tokenProvider bool) error {
	if status != subscriptiondomain.SubscriptionStatusActive {
		return ErrSubscriptionNotActive
	}
	if vaultID == nil || *vaultID == "" {
		return ErrMissingVaultToken
	}
	if !tokenProvider {
		return ErrProviderNotChargeable
	}
	return nil
}

func EnsureDue(nextBillingDate, now time.Time) error {
	if now.Before(nextBillingDate) {
		return ErrNotDueYet
	}
	return nil
}

func EnsureRetryDue(status rebilldomain.RebillStatus, retriesRemaining int, nextRetryAt *time.Time, now time.Time) error {
	if status != rebilldomain.RebillStatusFailed {
		return rebilldomain.ErrNotRetryable
	}
	if retriesRemaining <= 0 {
		return ErrRetriesDepleted
	}
	if nextRetryAt == nil || now.Before(*nextRetryAt) {
		return ErrRetryNotDue
	}
	return nil
}
