package scheduler

import (
	"context"
	"time"

	obsmetrics "github.com/billingworks/rebill/internal/observability/metrics"
	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type WorkSubscription struct {
	ID                snowflake.ID
	Status            subscriptiondomain.SubscriptionStatus
	NextBillingDate   time.Time
	PaymentVaultID    *string
	PaymentProviderID *string
}

type WorkRebill struct {
	ID               snowflake.ID
	SubscriptionID   snowflake.ID
	Status           rebilldomain.RebillStatus
	AttemptNumber    int
	RetriesRemaining int
	NextRetryAt      *time.Time
}

// fetchSubscriptionsDueForCharge claims ACTIVE subscriptions whose billing
// date has arrived, carry a vault token on a token-capable provider, and have
// no rebill cycle outstanding. FAILED counts as outstanding here: a
// subscription mid-dunning belongs to the retry query, not this one. SKIP
// LOCKED keeps concurrent claimers from blocking on each other's rows.
func (s *Scheduler) fetchSubscriptionsDueForCharge(ctx context.Context, tx *gorm.DB, now time.Time, providers []string, limit int) ([]WorkSubscription, error) {
	if limit <= 0 {
		limit = s.cfg.BatchSize
	}
	if len(providers) == 0 {
		return nil, nil
	}
	var subscriptions []WorkSubscription
	rebillMetrics := obsmetrics.Rebill()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT s.id, s.status, s.next_billing_date, s.payment_vault_id, s.payment_provider_id
		 FROM subscriptions s
		 WHERE s.status = ?
		   AND s.next_billing_date <= ?
		   AND s.payment_vault_id IS NOT NULL
		   AND LOWER(s.payment_provider_id) IN (?)
		   AND NOT EXISTS (
		     SELECT 1 FROM rebill_records r
		     WHERE r.subscription_id = s.id AND r.status IN (?, ?, ?)
		   )
		 ORDER BY s.next_billing_date ASC, s.id ASC
		 FOR UPDATE OF s SKIP LOCKED
		 LIMIT ?`,
		subscriptiondomain.SubscriptionStatusActive,
		now,
		providers,
		rebilldomain.RebillStatusPending,
		rebilldomain.RebillStatusProcessing,
		rebilldomain.RebillStatusFailed,
		limit,
	).Scan(&subscriptions).Error
	rebillMetrics.ObserveDBLockWait(obsmetrics.LockResourceNewCandidates, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return subscriptions, nil
}

// fetchRebillsDueForRetry claims FAILED records whose retry slot has passed
// and that still have retries left.
func (s *Scheduler) fetchRebillsDueForRetry(ctx context.Context, tx *gorm.DB, now time.Time, limit int) ([]WorkRebill, error) {
	if limit <= 0 {
		limit = s.cfg.RetryBatchSize
	}
	var rebills []WorkRebill
	rebillMetrics := obsmetrics.Rebill()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT id, subscription_id, status, attempt_number, retries_remaining, next_retry_at
		 FROM rebill_records
		 WHERE status = ?
		   AND retries_remaining > 0
		   AND next_retry_at <= ?
		 ORDER BY next_retry_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		rebilldomain.RebillStatusFailed,
		now,
		limit,
	).Scan(&rebills).Error
	rebillMetrics.ObserveDBLockWait(obsmetrics.LockResourceRetryCandidates, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return rebills, nil
}

// fetchRebillsStuckInProcessing claims PROCESSING records whose attempt
// started before the cutoff. These replay at their current attempt number so
// the crashed attempt's idempotency key is reused.
func (s *Scheduler) fetchRebillsStuckInProcessing(ctx context.Context, tx *gorm.DB, cutoff time.Time, limit int) ([]WorkRebill, error) {
	if limit <= 0 {
		limit = s.cfg.RetryBatchSize
	}
	var rebills []WorkRebill
	rebillMetrics := obsmetrics.Rebill()
	lockStart := time.Now()
	err := tx.WithContext(ctx).Raw(
		`SELECT id, subscription_id, status, attempt_number, retries_remaining, next_retry_at
		 FROM rebill_records
		 WHERE status = ?
		   AND processing_started_at < ?
		 ORDER BY processing_started_at ASC, id ASC
		 FOR UPDATE SKIP LOCKED
		 LIMIT ?`,
		rebilldomain.RebillStatusProcessing,
		cutoff,
		limit,
	).Scan(&rebills).Error
	rebillMetrics.ObserveDBLockWait(obsmetrics.LockResourceStuckCandidates, time.Since(lockStart))
	if err != nil {
		return nil, err
	}
	return rebills, nil
}
