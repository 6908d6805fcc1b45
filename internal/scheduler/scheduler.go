package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/billingworks/rebill/internal/clock"
	"github.com/billingworks/rebill/internal/event"
	"github.com/billingworks/rebill/internal/gateway"
	obsmetrics "github.com/billingworks/rebill/internal/observability/metrics"
	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	"github.com/billingworks/rebill/internal/scheduler/guard"
	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrInvalidConfig = errors.New("scheduler: invalid configuration")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	RebillSvc rebilldomain.Service
	Rebills   rebilldomain.Repository
	Clients   *gateway.Clients
	Publisher event.Publisher
	GenID     *snowflake.Node
	Clock     clock.Clock
	Lease     *Lease                  `optional:"true"`
	Config    Config                  `optional:"true"`
}

// Scheduler is the batch coordinator: on each tick it claims due work and
// drives the rebill service over it, isolating per-item failures.
type Scheduler struct {
	db        *gorm.DB
	log       *zap.Logger
	cfg       Config
	genID     *snowflake.Node
	clock     clock.Clock
	rebillSvc rebilldomain.Service
	rebills   rebilldomain.Repository
	clients   *gateway.Clients
	events    event.Publisher
	lease     *Lease

	guard guard.SingleFlight
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.RebillSvc == nil || p.Rebills == nil || p.Clients == nil || p.Publisher == nil || p.GenID == nil || p.Clock == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:        p.DB,
		log:       p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:       p.Config.withDefaults(),
		genID:     p.GenID,
		clock:     p.Clock,
		rebillSvc: p.RebillSvc,
		rebills:   p.Rebills,
		clients:   p.Clients,
		events:    p.Publisher,
		lease:     p.Lease,
	}, nil
}

func (s *Scheduler) runID() string {
	return ulid.Make().String()
}

func (s *Scheduler) runJob(
	parent context.Context,
	name string,
	batchSize int,
	timeout time.Duration,
	fn func(ctx context.Context) error,
) (*jobRun, error) {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	ctx, run, owner := s.ensureJobRun(ctx, name, batchSize)
	if owner {
		s.logJobStart(run)
	}
	rebillMetrics := obsmetrics.Rebill()
	rebillMetrics.IncJobRun(name)

	err := fn(ctx)
	rebillMetrics.ObserveJobDuration(name, time.Since(start))
	if owner {
		if err != nil && run != nil && run.errorCount == 0 {
			run.IncError()
		}
		s.logJobFinish(run)
	}
	if err == nil {
		return run, nil
	}

	isTimeout := errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
	if isTimeout {
		rebillMetrics.IncJobTimeout(name)
	}
	rebillMetrics.IncJobError(name, err)
	if isTimeout {
		s.log.Warn("scheduler.job.timed_out",
			zap.String("job", name),
			zap.Duration("timeout", timeout),
			zap.Error(err),
		)
		return run, nil
	}

	return run, fmt.Errorf("%s: %w", name, err)
}

// RunOnce executes one coordinated batch cycle. The single-flight guard
// defers a tick that fires while the previous cycle is still running; the
// optional Redis lease does the same across instances.
func (s *Scheduler) RunOnce(parent context.Context) error {
	rebillMetrics := obsmetrics.Rebill()

	if !s.guard.TryAcquire() {
		rebillMetrics.IncGuardConflict()
		rebillMetrics.IncBatchDeferred("batch", obsmetrics.BatchDeferredReasonGuardHeld)
		s.log.Debug("scheduler.batch.deferred", zap.String("reason", obsmetrics.BatchDeferredReasonGuardHeld))
		return nil
	}
	defer s.guard.Release()

	if s.lease != nil {
		token, acquired, err := s.lease.TryAcquire(parent)
		if err != nil {
			s.log.Warn("scheduler.lease.error", zap.Error(err))
		}
		if err == nil && !acquired {
			rebillMetrics.IncBatchDeferred("batch", obsmetrics.BatchDeferredReasonLeaseUnavailable)
			s.log.Debug("scheduler.batch.deferred", zap.String("reason", obsmetrics.BatchDeferredReasonLeaseUnavailable))
			return nil
		}
		if err == nil {
			defer s.lease.Release(parent, token)
		}
	}

	var err error
	start := time.Now()
	summary := map[string]any{"run_id": s.runID()}
	var processedCount, errorCount int

	jobs := []struct {
		Name    string
		Enabled bool
		Run     func(context.Context) (*jobRun, error)
	}{
		{"new_charges", s.isJobEnabled("new_charges"), func(ctx context.Context) (*jobRun, error) {
			return s.runJob(ctx, "new_charges", s.cfg.BatchSize, s.cfg.JobTimeout, s.NewChargesJob)
		}},
		{"retries", s.isJobEnabled("retries"), func(ctx context.Context) (*jobRun, error) {
			return s.runJob(ctx, "retries", s.cfg.RetryBatchSize, s.cfg.JobTimeout, s.RetriesJob)
		}},
		{"recovery_sweep", s.isJobEnabled("recovery_sweep"), func(ctx context.Context) (*jobRun, error) {
			return s.runJob(ctx, "recovery_sweep", s.cfg.RetryBatchSize, s.cfg.JobTimeout, s.RecoverySweepJob)
		}},
	}

	for _, job := range jobs {
		if !job.Enabled {
			continue
		}
		run, jobErr := job.Run(parent)
		if run != nil {
			processedCount += run.processedCount
			errorCount += run.errorCount
		}
		err = errors.Join(err, jobErr)
	}

	summary["processed_count"] = processedCount
	summary["error_count"] = errorCount
	summary["duration_ms"] = time.Since(start).Milliseconds()

	if err != nil {
		summary["error"] = err.Error()
		event.PublishBestEffort(parent, s.db, s.events, event.TypeBatchError, summary)
		return err
	}
	event.PublishBestEffort(parent, s.db, s.events, event.TypeBatchComplete, summary)
	return nil
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)
	rebillMetrics := obsmetrics.Rebill()

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			rebillMetrics.ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("scheduler.run.failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) isJobEnabled(jobName string) bool {
	if len(s.cfg.EnabledJobs) == 0 {
		return true
	}
	for _, enabled := range s.cfg.EnabledJobs {
		if strings.EqualFold(enabled, jobName) {
			return true
		}
	}
	return false
}

// NewChargesJob discovers subscriptions due for a first attempt and runs each
// through the processor. A lost creation race (another worker already opened
// a record) is benign and skipped without counting as an error.
func (s *Scheduler) NewChargesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "new_charges", s.cfg.BatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	providers := s.clients.Registry().TokenProviders()
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		now := s.clock.Now()

		candidates, err := s.fetchSubscriptionsDueForCharge(ctx, s.db, now, providers, s.cfg.BatchSize)
		if err != nil {
			s.logSchedulerError(run, "scheduler.claim.failed", "new_charges", err)
			return errors.Join(jobErr, err)
		}
		if len(candidates) == 0 {
			if run.processedCount == 0 {
				obsmetrics.Rebill().IncBatchDeferred("new_charges", obsmetrics.BatchDeferredReasonEmpty)
			}
			break
		}

		processed := 0
		for _, candidate := range candidates {
			s.logItemClaimed("new_charges", candidate.ID, 0)
			tokenProvider := candidate.PaymentProviderID != nil &&
				s.clients.Registry().IsTokenProvider(*candidate.PaymentProviderID)
			if err := guard.EnsureSubscriptionChargeable(candidate.Status, candidate.PaymentVaultID, tokenProvider); err != nil {
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "scheduler.item.ineligible", "new_charges", err,
					zap.String("subscription_id", idString(candidate.ID)),
				)
				continue
			}
			if err := guard.EnsureDue(candidate.NextBillingDate, now); err != nil {
				continue
			}

			outcome, err := s.rebillSvc.ProcessNew(ctx, candidate.ID)
			if err != nil {
				if errors.Is(err, rebilldomain.ErrRebillInFlight) {
					continue
				}
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "scheduler.item.process.failed", "new_charges", err,
					zap.String("subscription_id", idString(candidate.ID)),
				)
				continue
			}
			processed++
			run.AddProcessed(1)
			s.log.Debug("scheduler.item.processed",
				zap.String("job", "new_charges"),
				zap.String("subscription_id", idString(candidate.ID)),
				zap.String("rebill_id", idString(outcome.RebillID)),
				zap.String("status", string(outcome.Status)),
			)
		}
		obsmetrics.Rebill().AddBatchProcessed("new_charges", processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}

// RetriesJob drives FAILED records whose retry slot has arrived through the
// next dunning attempt.
func (s *Scheduler) RetriesJob(ctx context.Context) error {
	ctx, run, owner := s.ensureJobRun(ctx, "retries", s.cfg.RetryBatchSize)
	if owner {
		s.logJobStart(run)
		defer s.logJobFinish(run)
	}
	var jobErr error

	for {
		if ctx.Err() != nil {
			return errors.Join(jobErr, ctx.Err())
		}
		now := s.clock.Now()

		candidates, err := s.fetchRebillsDueForRetry(ctx, s.db, now, s.cfg.RetryBatchSize)
		if err != nil {
			s.logSchedulerError(run, "scheduler.claim.failed", "retries", err)
			return errors.Join(jobErr, err)
		}
		if len(candidates) == 0 {
			if run.processedCount == 0 {
				obsmetrics.Rebill().IncBatchDeferred("retries", obsmetrics.BatchDeferredReasonEmpty)
			}
			break
		}

		processed := 0
		for _, candidate := range candidates {
			s.logItemClaimed("retries", candidate.SubscriptionID, candidate.ID)
			if err := guard.EnsureRetryDue(candidate.Status, candidate.RetriesRemaining, candidate.NextRetryAt, now); err != nil {
				continue
			}

			outcome, err := s.rebillSvc.ProcessRetry(ctx, candidate.ID)
			if err != nil {
				if errors.Is(err, rebilldomain.ErrNotRetryable) {
					continue
				}
				jobErr = errors.Join(jobErr, err)
				s.logSchedulerError(run, "scheduler.item.process.failed", "retries", err,
					zap.String("subscription_id", idString(candidate.SubscriptionID)),
					zap.String("rebill_id", idString(candidate.ID)),
				)
				continue
			}
			processed++
			run.AddProcessed(1)
			s.log.Debug("scheduler.item.processed",
				zap.String("job", "retries"),
				zap.String("subscription_id", idString(candidate.SubscriptionID)),
				zap.String("rebill_id", idString(outcome.RebillID)),
				zap.String("status", string(outcome.Status)),
			)
		}
		obsmetrics.Rebill().AddBatchProcessed("retries", processed)
		if processed == 0 {
			break
		}
	}

	return jobErr
}
