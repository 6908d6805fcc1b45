package service

import (
	"context"
	"errors"
	"time"

	"github.com/billingworks/rebill/internal/clock"
	"github.com/billingworks/rebill/internal/event"
	"github.com/billingworks/rebill/internal/gateway"
	gatewaydomain "github.com/billingworks/rebill/internal/gateway/domain"
	"github.com/billingworks/rebill/internal/observability/metrics"
	"github.com/billingworks/rebill/internal/rebill/calendar"
	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	"github.com/billingworks/rebill/internal/rebill/dunning"
	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB            *gorm.DB
	Log           *zap.Logger
	Clock         clock.Clock
	Node          *snowflake.Node
	Repository    rebilldomain.Repository
	Subscriptions subscriptiondomain.Repository
	Policy        *dunning.Policy
	Clients       *gateway.Clients
	Publisher     event.Publisher
}

type rebillService struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	node    *snowflake.Node
	repo    rebilldomain.Repository
	subs    subscriptiondomain.Repository
	policy  *dunning.Policy
	clients *gateway.Clients
	events  event.Publisher
}

func NewService(p Params) rebilldomain.Service {
	return &rebillService{
		db:      p.DB,
		log:     p.Log.Named("rebill.service"),
		clock:   p.Clock,
		node:    p.Node,
		repo:    p.Repository,
		subs:    p.Subscriptions,
		policy:  p.Policy,
		clients: p.Clients,
		events:  p.Publisher,
	}
}

// ProcessNew creates the period's rebill record and runs the first charge.
// The record insert is the cross-worker exclusion point: losing the
// check-and-insert race returns ErrRebillInFlight and nothing is charged.
func (s *rebillService) ProcessNew(ctx context.Context, subscriptionID snowflake.ID) (rebilldomain.Outcome, error) {
	now := s.clock.Now()

	subscription, err := s.subs.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if subscription == nil {
		return rebilldomain.Outcome{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	if subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		return rebilldomain.Outcome{
			SubscriptionID: subscriptionID,
			Status:         rebilldomain.RebillStatusSkipped,
		}, nil
	}
	if subscription.PaymentVaultID == nil || *subscription.PaymentVaultID == "" {
		return rebilldomain.Outcome{}, rebilldomain.ErrNotChargeable
	}
	provider := ""
	if subscription.PaymentProviderID != nil {
		provider = *subscription.PaymentProviderID
	}
	if !s.clients.Registry().IsTokenProvider(provider) {
		return rebilldomain.Outcome{}, rebilldomain.ErrNotChargeable
	}

	// The record bills the period that starts where the current one ends;
	// on success the subscription advances to exactly these boundaries.
	periodStart, periodEnd, err := calendar.NextPeriod(subscription.CurrentPeriodEnd, subscription.Interval)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}

	record := &rebilldomain.RebillRecord{
		ID:               s.node.Generate(),
		SubscriptionID:   subscriptionID,
		Status:           rebilldomain.RebillStatusPending,
		AttemptNumber:    1,
		RetriesRemaining: s.policy.MaxRetries(),
		Amount:           subscription.PlanAmount,
		Currency:         subscription.Currency,
		Provider:         provider,
		PeriodStart:      periodStart,
		PeriodEnd:        periodEnd,
		ScheduledAt:      subscription.NextBillingDate,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	inserted, err := s.repo.InsertPending(ctx, s.db, record)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if !inserted {
		return rebilldomain.Outcome{}, rebilldomain.ErrRebillInFlight
	}

	claimed, err := s.repo.MarkProcessing(ctx, s.db, record.ID, now)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if !claimed {
		return rebilldomain.Outcome{}, rebilldomain.ErrNotRetryable
	}
	metrics.Rebill().IncRebillTransition(string(rebilldomain.RebillStatusPending), string(rebilldomain.RebillStatusProcessing))

	return s.attempt(ctx, subscription, record, 1)
}

// ProcessRetry runs the next dunning attempt for a FAILED record. A
// subscription that left ACTIVE since the failure short-circuits to SKIPPED
// without a gateway call.
func (s *rebillService) ProcessRetry(ctx context.Context, rebillID snowflake.ID) (rebilldomain.Outcome, error) {
	now := s.clock.Now()

	record, err := s.repo.FindByID(ctx, s.db, rebillID)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if record == nil {
		return rebilldomain.Outcome{}, rebilldomain.ErrRebillNotFound
	}
	if record.Status != rebilldomain.RebillStatusFailed {
		return rebilldomain.Outcome{}, rebilldomain.ErrNotRetryable
	}

	subscription, err := s.subs.FindByID(ctx, s.db, record.SubscriptionID)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if subscription == nil || subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		return s.skip(ctx, record, "subscription no longer active")
	}
	if subscription.PaymentVaultID == nil || *subscription.PaymentVaultID == "" {
		return s.skip(ctx, record, "payment credential removed")
	}
	if !s.tokenProvider(subscription) {
		return s.skip(ctx, record, "provider cannot charge stored tokens")
	}

	claimed, err := s.repo.MarkProcessing(ctx, s.db, record.ID, now)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if !claimed {
		return rebilldomain.Outcome{}, rebilldomain.ErrNotRetryable
	}
	attempt := record.AttemptNumber + 1
	metrics.Rebill().IncRebillTransition(string(rebilldomain.RebillStatusFailed), string(rebilldomain.RebillStatusProcessing))

	return s.attempt(ctx, subscription, record, attempt)
}

// ReplayStuck finishes a PROCESSING attempt whose worker died between
// charging and recording the outcome. The record stays on its current attempt
// number, so the gateway sees the crashed attempt's idempotency key and
// dedupes a charge that already went through.
func (s *rebillService) ReplayStuck(ctx context.Context, rebillID snowflake.ID, cutoff time.Time) (rebilldomain.Outcome, error) {
	now := s.clock.Now()

	record, err := s.repo.FindByID(ctx, s.db, rebillID)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if record == nil {
		return rebilldomain.Outcome{}, rebilldomain.ErrRebillNotFound
	}
	if record.Status != rebilldomain.RebillStatusProcessing {
		return rebilldomain.Outcome{}, rebilldomain.ErrNotRetryable
	}

	subscription, err := s.subs.FindByID(ctx, s.db, record.SubscriptionID)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if subscription == nil || subscription.Status != subscriptiondomain.SubscriptionStatusActive {
		return s.skip(ctx, record, "subscription no longer active")
	}
	if subscription.PaymentVaultID == nil || *subscription.PaymentVaultID == "" {
		return s.skip(ctx, record, "payment credential removed")
	}
	if !s.tokenProvider(subscription) {
		return s.skip(ctx, record, "provider cannot charge stored tokens")
	}

	claimed, err := s.repo.ReclaimStuck(ctx, s.db, record.ID, cutoff, now)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if !claimed {
		return rebilldomain.Outcome{}, rebilldomain.ErrNotRetryable
	}

	return s.attempt(ctx, subscription, record, record.AttemptNumber)
}

// TriggerSubscription forces an immediate attempt outside the batch cycle.
// An existing FAILED record has its retry slot expedited; otherwise a fresh
// cycle starts.
func (s *rebillService) TriggerSubscription(ctx context.Context, subscriptionID string) (rebilldomain.Outcome, error) {
	id, err := snowflake.ParseString(subscriptionID)
	if err != nil {
		return rebilldomain.Outcome{}, subscriptiondomain.ErrSubscriptionNotFound
	}

	open, err := s.repo.FindOpenBySubscription(ctx, s.db, id)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if open != nil {
		return rebilldomain.Outcome{}, rebilldomain.ErrRebillInFlight
	}

	records, err := s.repo.ListBySubscription(ctx, s.db, id, 1)
	if err != nil {
		return rebilldomain.Outcome{}, err
	}
	if len(records) > 0 && records[0].Status == rebilldomain.RebillStatusFailed {
		latest := records[0]
		if _, err := s.repo.ExpediteRetry(ctx, s.db, latest.ID, s.clock.Now()); err != nil {
			return rebilldomain.Outcome{}, err
		}
		return s.ProcessRetry(ctx, latest.ID)
	}
	return s.ProcessNew(ctx, id)
}

func (s *rebillService) History(ctx context.Context, subscriptionID string, limit int) ([]rebilldomain.RebillRecord, error) {
	id, err := snowflake.ParseString(subscriptionID)
	if err != nil {
		return nil, subscriptiondomain.ErrSubscriptionNotFound
	}
	return s.repo.ListBySubscription(ctx, s.db, id, limit)
}

func (s *rebillService) StatsWindow(ctx context.Context, window time.Duration) (rebilldomain.Stats, error) {
	if window <= 0 {
		window = 24 * time.Hour
	}
	stats, err := s.repo.Stats(ctx, s.db, s.clock.Now().Add(-window))
	if err != nil {
		return rebilldomain.Stats{}, err
	}
	stats.Window = window
	return stats, nil
}

// attempt runs one gateway charge for a PROCESSING record and applies the
// outcome. The charge itself happens outside any DB transaction; only the
// result application is transactional.
func (s *rebillService) attempt(ctx context.Context, subscription *subscriptiondomain.Subscription, record *rebilldomain.RebillRecord, attemptNumber int) (rebilldomain.Outcome, error) {
	client, err := s.clients.ClientFor(record.Provider)
	if err != nil {
		return s.applyFailure(ctx, subscription, record, attemptNumber, gatewaydomain.FailureCodeSystemError, err.Error(), nil)
	}

	req := gatewaydomain.ChargeRequest{
		IdempotencyKey: record.IdempotencyKey(attemptNumber),
		Token:          *subscription.PaymentVaultID,
		Amount:         record.Amount,
		Currency:       record.Currency,
		Metadata: map[string]string{
			"subscription_id": subscription.ID.String(),
			"rebill_id":       record.ID.String(),
		},
	}

	start := time.Now()
	result, chargeErr := client.Charge(ctx, req)
	metrics.Rebill().ObserveChargeDuration(record.Provider, time.Since(start))

	if chargeErr != nil {
		code := gatewaydomain.FailureCodeSystemError
		outcome := metrics.ChargeOutcomeError
		if errors.Is(chargeErr, context.DeadlineExceeded) {
			code = gatewaydomain.FailureCodeTimeout
			outcome = metrics.ChargeOutcomeTimeout
		}
		metrics.Rebill().IncChargeOutcome(record.Provider, outcome, string(code))
		s.log.Warn("rebill.charge_errored",
			zap.String("rebill_id", record.ID.String()),
			zap.String("subscription_id", subscription.ID.String()),
			zap.Int("attempt", attemptNumber),
			zap.Error(chargeErr),
		)
		return s.applyFailure(ctx, subscription, record, attemptNumber, code, chargeErr.Error(), nil)
	}

	if result.Success {
		metrics.Rebill().IncChargeOutcome(record.Provider, metrics.ChargeOutcomeSuccess, "")
		return s.applySuccess(ctx, subscription, record, attemptNumber, result)
	}

	metrics.Rebill().IncChargeOutcome(record.Provider, metrics.ChargeOutcomeDeclined, string(result.FailureCode))
	return s.applyFailure(ctx, subscription, record, attemptNumber, result.FailureCode, result.FailureReason, result.RawResponse)
}

// applySuccess marks the record SUCCESS and rolls the subscription's billing
// period forward in one transaction, so a crash cannot strand a paid record
// against stale billing dates.
func (s *rebillService) applySuccess(ctx context.Context, subscription *subscriptiondomain.Subscription, record *rebilldomain.RebillRecord, attemptNumber int, result *gatewaydomain.ChargeResult) (rebilldomain.Outcome, error) {
	now := s.clock.Now()

	// The boundaries were fixed when the record was created, so a retry that
	// succeeds days later still advances to the originally computed period.
	periodStart, periodEnd := record.PeriodStart, record.PeriodEnd

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.MarkSuccess(ctx, tx, record.ID, result.TransactionID, datatypes.JSON(result.RawResponse), now)
		if err != nil {
			return err
		}
		if !updated {
			return rebilldomain.ErrNotRetryable
		}
		advanced, err := s.subs.AdvancePeriod(ctx, tx, subscription.ID, periodStart, periodEnd, periodEnd, now)
		if err != nil {
			return err
		}
		if !advanced {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		return s.events.Publish(ctx, tx, event.TypeRebillSuccess, &subscription.ID, &record.ID, map[string]any{
			"transaction_id": result.TransactionID,
			"amount":         record.Amount,
			"currency":       record.Currency,
			"attempt_number": attemptNumber,
		})
	})
	if err != nil {
		return rebilldomain.Outcome{}, err
	}

	metrics.Rebill().IncRebillTransition(string(rebilldomain.RebillStatusProcessing), string(rebilldomain.RebillStatusSuccess))
	s.log.Info("rebill.succeeded",
		zap.String("rebill_id", record.ID.String()),
		zap.String("subscription_id", subscription.ID.String()),
		zap.Int("attempt", attemptNumber),
		zap.Int64("amount", record.Amount),
		zap.String("currency", record.Currency),
	)
	return rebilldomain.Outcome{
		RebillID:       record.ID,
		SubscriptionID: subscription.ID,
		Status:         rebilldomain.RebillStatusSuccess,
		AttemptNumber:  attemptNumber,
	}, nil
}

// applyFailure records a decline or system fault. Exhaustion of the dunning
// schedule marks the record EXHAUSTED and the subscription PAST_DUE in the
// same transaction.
func (s *rebillService) applyFailure(ctx context.Context, subscription *subscriptiondomain.Subscription, record *rebilldomain.RebillRecord, attemptNumber int, code gatewaydomain.FailureCode, reason string, raw []byte) (rebilldomain.Outcome, error) {
	now := s.clock.Now()

	if s.policy.Exhausted(attemptNumber) {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			updated, err := s.repo.MarkExhausted(ctx, tx, record.ID, string(code), reason, datatypes.JSON(raw), now)
			if err != nil {
				return err
			}
			if !updated {
				return rebilldomain.ErrNotRetryable
			}
			if _, err := s.subs.MarkPastDue(ctx, tx, subscription.ID, string(code), now); err != nil {
				return err
			}
			return s.events.Publish(ctx, tx, event.TypeRebillExhausted, &subscription.ID, &record.ID, map[string]any{
				"failure_code":   string(code),
				"attempt_number": attemptNumber,
			})
		})
		if err != nil {
			return rebilldomain.Outcome{}, err
		}

		metrics.Rebill().IncRebillTransition(string(rebilldomain.RebillStatusProcessing), string(rebilldomain.RebillStatusExhausted))
		s.log.Warn("rebill.exhausted",
			zap.String("rebill_id", record.ID.String()),
			zap.String("subscription_id", subscription.ID.String()),
			zap.Int("attempt", attemptNumber),
			zap.String("failure_code", string(code)),
		)
		return rebilldomain.Outcome{
			RebillID:       record.ID,
			SubscriptionID: subscription.ID,
			Status:         rebilldomain.RebillStatusExhausted,
			AttemptNumber:  attemptNumber,
			FailureCode:    string(code),
		}, nil
	}

	nextRetryAt, _ := s.policy.NextRetryAt(now, attemptNumber)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.MarkFailed(ctx, tx, record.ID, string(code), reason, datatypes.JSON(raw), nextRetryAt, now)
		if err != nil {
			return err
		}
		if !updated {
			return rebilldomain.ErrNotRetryable
		}
		return s.events.Publish(ctx, tx, event.TypeRebillFailed, &subscription.ID, &record.ID, map[string]any{
			"failure_code":   string(code),
			"attempt_number": attemptNumber,
			"next_retry_at":  nextRetryAt.Format(time.RFC3339),
		})
	})
	if err != nil {
		return rebilldomain.Outcome{}, err
	}

	metrics.Rebill().IncRebillTransition(string(rebilldomain.RebillStatusProcessing), string(rebilldomain.RebillStatusFailed))
	s.log.Info("rebill.failed",
		zap.String("rebill_id", record.ID.String()),
		zap.String("subscription_id", subscription.ID.String()),
		zap.Int("attempt", attemptNumber),
		zap.String("failure_code", string(code)),
		zap.Time("next_retry_at", nextRetryAt),
	)
	return rebilldomain.Outcome{
		RebillID:       record.ID,
		SubscriptionID: subscription.ID,
		Status:         rebilldomain.RebillStatusFailed,
		AttemptNumber:  attemptNumber,
		FailureCode:    string(code),
		NextRetryAt:    &nextRetryAt,
	}, nil
}

func (s *rebillService) tokenProvider(subscription *subscriptiondomain.Subscription) bool {
	provider := ""
	if subscription.PaymentProviderID != nil {
		provider = *subscription.PaymentProviderID
	}
	return s.clients.Registry().IsTokenProvider(provider)
}

func (s *rebillService) skip(ctx context.Context, record *rebilldomain.RebillRecord, reason string) (rebilldomain.Outcome, error) {
	now := s.clock.Now()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updated, err := s.repo.MarkSkipped(ctx, tx, record.ID, reason, now)
		if err != nil {
			return err
		}
		if !updated {
			return rebilldomain.ErrNotRetryable
		}
		return s.events.Publish(ctx, tx, event.TypeRebillSkipped, &record.SubscriptionID, &record.ID, map[string]any{
			"reason": reason,
		})
	})
	if err != nil {
		return rebilldomain.Outcome{}, err
	}

	metrics.Rebill().IncRebillTransition(string(record.Status), string(rebilldomain.RebillStatusSkipped))
	metrics.Rebill().IncChargeOutcome(record.Provider, metrics.ChargeOutcomeSkipped, "")
	s.log.Info("rebill.skipped",
		zap.String("rebill_id", record.ID.String()),
		zap.String("subscription_id", record.SubscriptionID.String()),
		zap.String("reason", reason),
	)
	return rebilldomain.Outcome{
		RebillID:       record.ID,
		SubscriptionID: record.SubscriptionID,
		Status:         rebilldomain.RebillStatusSkipped,
		AttemptNumber:  record.AttemptNumber,
	}, nil
}
