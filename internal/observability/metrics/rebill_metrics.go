package metrics

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/gorm"
)

// Config carries the constant labels attached to every rebill metric.
type Config struct {
	ServiceName string
	Environment string
}

const (
	RebillErrorTypeDeadlineExceeded = "deadline_exceeded"
	RebillErrorTypeBusinessRule     = "business_rule"
	RebillErrorTypeDB               = "db"
	RebillErrorTypeGateway          = "gateway"
	RebillErrorTypeUnknown          = "unknown"
)

const (
	BatchDeferredReasonEmpty            = "no_candidates"
	BatchDeferredReasonGuardHeld        = "guard_held"
	BatchDeferredReasonLeaseUnavailable = "lease_unavailable"
)

const (
	LockResourceNewCandidates   = "subscriptions_due_for_charge"
	LockResourceRetryCandidates = "rebills_due_for_retry"
	LockResourceStuckCandidates = "rebills_stuck_in_processing"
	LockResourceRebillByID      = "rebill_by_id"
)

const (
	ChargeOutcomeSuccess   = "success"
	ChargeOutcomeDeclined  = "declined"
	ChargeOutcomeError     = "error"
	ChargeOutcomeTimeout   = "timeout"
	ChargeOutcomeSkipped   = "skipped"
	ChargeOutcomeExhausted = "exhausted"
)

// RebillMetrics captures billing engine health signals.
type RebillMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	batchProcessed *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	guardConflicts prometheus.Counter
	runLoopLag     prometheus.Observer

	chargeOutcomes *prometheus.CounterVec
	chargeDuration *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	dbLockWait     *prometheus.HistogramVec
}

var (
	rebillMetricsOnce sync.Once
	rebillMetrics     *RebillMetrics
)

// Rebill returns the singleton rebill metrics registry.
func Rebill() *RebillMetrics {
	return RebillWithConfig(Config{})
}

// RebillWithConfig returns the singleton rebill metrics registry using config labels.
func RebillWithConfig(cfg Config) *RebillMetrics {
	rebillMetricsOnce.Do(func() {
		rebillMetrics = newRebillMetrics(prometheus.DefaultRegisterer, cfg)
	})
	return rebillMetrics
}

// ResetRebillMetricsForTest resets the rebill metrics singleton for tests.
func ResetRebillMetricsForTest() {
	rebillMetricsOnce = sync.Once{}
	rebillMetrics = nil
}

func newRebillMetrics(registerer prometheus.Registerer, cfg Config) *RebillMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "rebill"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	factory := promauto(registerer)

	m := &RebillMetrics{
		jobRuns: factory.counterVec(prometheus.CounterOpts{
			Name:        "rebill_job_runs_total",
			Help:        "Number of rebill job executions by job name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: factory.histogramVec(prometheus.HistogramOpts{
			Name:        "rebill_job_duration_seconds",
			Help:        "Duration of rebill job executions.",
			Buckets:     prometheus.ExponentialBuckets(0.01, 2, 14),
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: factory.counterVec(prometheus.CounterOpts{
			Name:        "rebill_job_timeouts_total",
			Help:        "Number of rebill jobs that hit their soft timeout.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: factory.counterVec(prometheus.CounterOpts{
			Name:        "rebill_job_errors_total",
			Help:        "Number of rebill job errors by classified type.",
			ConstLabels: constLabels,
		}, []string{"job", "error_type"}),
		batchProcessed: factory.counterVec(prometheus.CounterOpts{
			Name:        "rebill_batch_items_processed_total",
			Help:        "Number of batch items processed by job name.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		batchDeferred: factory.counterVec(prometheus.CounterOpts{
			Name:        "rebill_batch_deferred_total",
			Help:        "Number of batch runs deferred and why.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		guardConflicts: factory.counter(prometheus.CounterOpts{
			Name:        "rebill_guard_conflicts_total",
			Help:        "Timer fires skipped because a batch run was already in flight.",
			ConstLabels: constLabels,
		}),
		runLoopLag: factory.histogram(prometheus.HistogramOpts{
			Name:        "rebill_run_loop_lag_seconds",
			Help:        "Lag between the scheduled and actual start of a batch run.",
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
			ConstLabels: constLabels,
		}),
		chargeOutcomes: factory.counterVec(prometheus.CounterOpts{
			Name:        "rebill_charge_outcomes_total",
			Help:        "Gateway charge outcomes by provider, outcome and failure code.",
			ConstLabels: constLabels,
		}, []string{"provider", "outcome", "failure_code"}),
		chargeDuration: factory.histogramVec(prometheus.HistogramOpts{
			Name:        "rebill_charge_duration_seconds",
			Help:        "Duration of gateway charge calls.",
			Buckets:     prometheus.ExponentialBuckets(0.05, 2, 10),
			ConstLabels: constLabels,
		}, []string{"provider"}),
		transitions: factory.counterVec(prometheus.CounterOpts{
			Name:        "rebill_record_transitions_total",
			Help:        "Rebill record state transitions.",
			ConstLabels: constLabels,
		}, []string{"from", "to"}),
		dbLockWait: factory.histogramVec(prometheus.HistogramOpts{
			Name:        "rebill_db_lock_wait_seconds",
			Help:        "Time spent acquiring row locks for batch work.",
			Buckets:     prometheus.ExponentialBuckets(0.001, 2, 14),
			ConstLabels: constLabels,
		}, []string{"resource"}),
	}

	return m
}

func (m *RebillMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *RebillMetrics) ObserveJobDuration(job string, d time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(d.Seconds())
}

func (m *RebillMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

func (m *RebillMetrics) IncJobError(job string, err error) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyRebillErrorType(err)).Inc()
}

func (m *RebillMetrics) AddBatchProcessed(job string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.batchProcessed.WithLabelValues(job).Add(float64(count))
}

func (m *RebillMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

func (m *RebillMetrics) IncGuardConflict() {
	if m == nil {
		return
	}
	m.guardConflicts.Inc()
}

func (m *RebillMetrics) ObserveRunLoopLag(d time.Duration) {
	if m == nil || d < 0 {
		return
	}
	m.runLoopLag.Observe(d.Seconds())
}

func (m *RebillMetrics) IncChargeOutcome(provider, outcome, failureCode string) {
	if m == nil {
		return
	}
	if failureCode == "" {
		failureCode = "none"
	}
	m.chargeOutcomes.WithLabelValues(provider, outcome, failureCode).Inc()
}

func (m *RebillMetrics) ObserveChargeDuration(provider string, d time.Duration) {
	if m == nil {
		return
	}
	m.chargeDuration.WithLabelValues(provider).Observe(d.Seconds())
}

func (m *RebillMetrics) IncRebillTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(from, to).Inc()
}

func (m *RebillMetrics) ObserveDBLockWait(resource string, d time.Duration) {
	if m == nil {
		return
	}
	m.dbLockWait.WithLabelValues(resource).Observe(d.Seconds())
}

// ClassifyRebillErrorType buckets an error for the job error counter.
func ClassifyRebillErrorType(err error) string {
	if err == nil {
		return RebillErrorTypeUnknown
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return RebillErrorTypeDeadlineExceeded
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return RebillErrorTypeDB
	}
	if errors.Is(err, gorm.ErrRecordNotFound) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return RebillErrorTypeDB
	}
	return RebillErrorTypeBusinessRule
}

// IsRebillErrorRetryable reports whether a classified error is worth retrying
// on a later batch run.
func IsRebillErrorRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization, deadlock, lock not available
			return true
		}
	}
	return false
}

// small promauto-style helper keeping registration idempotent across tests

type factory struct {
	registerer prometheus.Registerer
}

func promauto(registerer prometheus.Registerer) factory {
	return factory{registerer: registerer}
}

func (f factory) counter(opts prometheus.CounterOpts) prometheus.Counter {
	c := prometheus.NewCounter(opts)
	f.register(c)
	return c
}

func (f factory) counterVec(opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(opts, labels)
	f.register(c)
	return c
}

func (f factory) histogram(opts prometheus.HistogramOpts) prometheus.Histogram {
	h := prometheus.NewHistogram(opts)
	f.register(h)
	return h
}

func (f factory) histogramVec(opts prometheus.HistogramOpts, labels []string) *prometheus.HistogramVec {
	h := prometheus.NewHistogramVec(opts, labels)
	f.register(h)
	return h
}

func (f factory) register(collector prometheus.Collector) {
	if err := f.registerer.Register(collector); err != nil {
		var already prometheus.AlreadyRegisteredError
		if errors.As(err, &already) {
			return
		}
		panic(err)
	}
}
