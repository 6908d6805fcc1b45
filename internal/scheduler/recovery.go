package scheduler

import (
	"context"
	"errors"

	obsmetrics "github.com/billingworks/rebill/internal/observability/metrics"
	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	"go.uber.org/zap"
)

// RecoverySweepJob replays PROCESSING records abandoned by a crashed worker.
// Each replay charges under the crashed attempt's original idempotency key,
// so a charge that actually went through before the crash is deduped by the
// gateway rather than billed twice.
func (s *Scheduler) RecoverySweepJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "recovery_sweep", s.cfg.RetryBatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		cutoff := s.clock.Now().Add(-s.cfg.RecoveryThreshold)

		candidates, err := s.fetchRebillsStuckInProcessing(ctx, s.db, cutoff, s.cfg.RetryBatchSize)
		if err != nil {
			s.logSchedulerError(run, "scheduler.claim.failed", "recovery_sweep", err)
			return errors.Join(jobErr, err)
		}
		if len(candidates) == 0 {
			break
		}

		processed := 0
		for _, candidate := range candidates {
			s.logItemClaimed("recovery_sweep", candidate.SubscriptionID, candidate.ID)

			outcome, err := s.rebillSvc.ReplayStuck(ctx, candidate.ID, cutoff)
			if err != nil {
				if errors.Is(err, rebilldomain.ErrNotRetryable) {
					continue
				}
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "scheduler.item.process.failed", "recovery_sweep", err,
					zap.String("subscription_id", idString(candidate.SubscriptionID)),
					zap.String("rebill_id", idString(candidate.ID)),
				)
				continue
			}
			processed++
			run.AddProcessed(1)
			s.log.Warn("scheduler.recovery.replayed",
				zap.String("subscription_id", idString(candidate.SubscriptionID)),
				zap.String("rebill_id", idString(outcome.RebillID)),
				zap.Int("attempt", outcome.AttemptNumber),
				zap.String("status", string(outcome.Status)),
				zap.Duration("threshold", s.cfg.RecoveryThreshold),
			)
		}
		obsmetrics.Rebill().AddBatchProcessed("recovery_sweep", processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}
