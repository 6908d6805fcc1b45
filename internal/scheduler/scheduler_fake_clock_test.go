package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/billingworks/rebill/internal/clock"
	"github.com/billingworks/rebill/internal/config"
	"github.com/billingworks/rebill/internal/event"
	"github.com/billingworks/rebill/internal/gateway"
	"github.com/billingworks/rebill/internal/gateway/adapters"
	gatewaydomain "github.com/billingworks/rebill/internal/gateway/domain"
	obsmetrics "github.com/billingworks/rebill/internal/observability/metrics"
	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	"github.com/billingworks/rebill/internal/rebill/dunning"
	rebillrepo "github.com/billingworks/rebill/internal/rebill/repository"
	rebillservice "github.com/billingworks/rebill/internal/rebill/service"
	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
	subscriptionrepo "github.com/billingworks/rebill/internal/subscription/repository"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// fakeChargeClient returns scripted results in order; when the script runs
// out it succeeds.
type fakeChargeClient struct {
	mu     sync.Mutex
	script []scriptedCharge
	calls  []gatewaydomain.ChargeRequest
}

type scriptedCharge struct {
	result *gatewaydomain.ChargeResult
	err    error
}

func (f *fakeChargeClient) Provider() string { return "testpay" }

func (f *fakeChargeClient) Charge(ctx context.Context, req gatewaydomain.ChargeRequest) (*gatewaydomain.ChargeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.script) == 0 {
		return &gatewaydomain.ChargeResult{Success: true, TransactionID: "txn_ok"}, nil
	}
	next := f.script[0]
	f.script = f.script[1:]
	return next.result, next.err
}

func (f *fakeChargeClient) Calls() []gatewaydomain.ChargeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]gatewaydomain.ChargeRequest, len(f.calls))
	copy(out, f.calls)
	return out
}

type fakeFactory struct {
	client *fakeChargeClient
}

func (f *fakeFactory) Provider() string                 { return "testpay" }
func (f *fakeFactory) Kind() gatewaydomain.ProviderKind { return gatewaydomain.ProviderKindToken }
func (f *fakeFactory) NewClient(gatewaydomain.AdapterConfig) (gatewaydomain.Client, error) {
	return f.client, nil
}

func decline(code gatewaydomain.FailureCode) scriptedCharge {
	return scriptedCharge{result: &gatewaydomain.ChargeResult{
		Success:       false,
		FailureCode:   code,
		FailureReason: "declined",
	}}
}

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}

	// SQLite support hack: remove FOR UPDATE clauses
	stripLocks := func(d *gorm.DB) {
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE OF s SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	db.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", stripLocks)
	db.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", stripLocks)

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.Exec(`
		CREATE TABLE subscriptions (
			id INTEGER PRIMARY KEY,
			customer_id INTEGER,
			status TEXT,
			billing_interval TEXT,
			plan_amount INTEGER,
			currency TEXT,
			current_period_start DATETIME,
			current_period_end DATETIME,
			next_billing_date DATETIME,
			payment_vault_id TEXT,
			payment_provider_id TEXT,
			last_failure_code TEXT,
			last_failure_at DATETIME,
			metadata TEXT,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error; err != nil {
		t.Fatalf("create subscriptions table: %v", err)
	}
	if err := db.Exec(`
		CREATE TABLE rebill_records (
			id INTEGER PRIMARY KEY,
			subscription_id INTEGER,
			status TEXT,
			attempt_number INTEGER,
			retries_remaining INTEGER,
			amount INTEGER,
			currency TEXT,
			provider TEXT,
			period_start DATETIME,
			period_end DATETIME,
			scheduled_at DATETIME,
			next_retry_at DATETIME,
			transaction_id TEXT,
			failure_code TEXT,
			failure_reason TEXT,
			raw_response TEXT,
			processing_started_at DATETIME,
			completed_at DATETIME,
			created_at DATETIME,
			updated_at DATETIME
		)
	`).Error; err != nil {
		t.Fatalf("create rebill_records table: %v", err)
	}
	if err := db.Exec(`
		CREATE TABLE rebill_events (
			id INTEGER PRIMARY KEY,
			event_type TEXT,
			subscription_id INTEGER,
			rebill_id INTEGER,
			payload TEXT,
			created_at DATETIME
		)
	`).Error; err != nil {
		t.Fatalf("create rebill_events table: %v", err)
	}
	return db
}

type testHarness struct {
	db        *gorm.DB
	node      *snowflake.Node
	clock     *clock.FakeClock
	client    *fakeChargeClient
	scheduler *Scheduler
	rebillSvc rebilldomain.Service
}

func newTestHarness(t *testing.T, start time.Time, script ...scriptedCharge) *testHarness {
	t.Helper()

	registry := prometheus.NewRegistry()
	restore := swapPrometheusRegistry(registry)
	t.Cleanup(restore)
	obsmetrics.ResetRebillMetricsForTest()
	obsmetrics.RebillWithConfig(obsmetrics.Config{ServiceName: "rebill", Environment: "test"})

	db := setupTestDB(t)
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("snowflake node: %v", err)
	}
	fakeClock := clock.NewFakeClock(start)
	client := &fakeChargeClient{script: script}
	clients := gateway.NewClients(adapters.NewRegistry(&fakeFactory{client: client}))

	publisher := event.NewPublisher(event.Params{
		Log:   zap.NewNop(),
		Clock: fakeClock,
		Node:  node,
	})
	policy := dunning.NewPolicy(config.NewStaticDunningConfigHolder(config.DefaultDunningConfig()))

	rebillSvc := rebillservice.NewService(rebillservice.Params{
		DB:            db,
		Log:           zap.NewNop(),
		Clock:         fakeClock,
		Node:          node,
		Repository:    rebillrepo.Provide(),
		Subscriptions: subscriptionrepo.Provide(),
		Policy:        policy,
		Clients:       clients,
		Publisher:     publisher,
	})

	sched, err := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		RebillSvc: rebillSvc,
		Rebills:   rebillrepo.Provide(),
		Clients:   clients,
		Publisher: publisher,
		GenID:     node,
		Clock:     fakeClock,
		Config: Config{
			BatchSize:      10,
			RetryBatchSize: 10,
		},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}

	return &testHarness{
		db:        db,
		node:      node,
		clock:     fakeClock,
		client:    client,
		scheduler: sched,
		rebillSvc: rebillSvc,
	}
}

func (h *testHarness) seedSubscription(t *testing.T, dueAt time.Time) snowflake.ID {
	t.Helper()
	id := h.node.Generate()
	vault := "vlt_token_1"
	provider := "testpay"
	err := h.db.Exec(`
		INSERT INTO subscriptions (
			id, customer_id, status, billing_interval, plan_amount, currency,
			current_period_start, current_period_end, next_billing_date,
			payment_vault_id, payment_provider_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, h.node.Generate(),
		subscriptiondomain.SubscriptionStatusActive,
		subscriptiondomain.IntervalMonthly,
		int64(2999), "USD",
		dueAt.AddDate(0, -1, 0), dueAt, dueAt,
		vault, provider,
		dueAt.AddDate(0, -1, 0), dueAt.AddDate(0, -1, 0),
	).Error
	if err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
	return id
}

func (h *testHarness) fetchRecord(t *testing.T, subscriptionID snowflake.ID) rebilldomain.RebillRecord {
	t.Helper()
	var record rebilldomain.RebillRecord
	if err := h.db.Raw(`SELECT * FROM rebill_records WHERE subscription_id = ? ORDER BY id DESC LIMIT 1`, subscriptionID).Scan(&record).Error; err != nil {
		t.Fatalf("fetch record: %v", err)
	}
	return record
}

func (h *testHarness) fetchSubscription(t *testing.T, id snowflake.ID) subscriptiondomain.Subscription {
	t.Helper()
	var sub subscriptiondomain.Subscription
	if err := h.db.Raw(`SELECT * FROM subscriptions WHERE id = ?`, id).Scan(&sub).Error; err != nil {
		t.Fatalf("fetch subscription: %v", err)
	}
	return sub
}

func TestRunOnceChargesDueSubscription(t *testing.T) {
	start := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHarness(t, start)
	subID := h.seedSubscription(t, start)

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	record := h.fetchRecord(t, subID)
	if record.ID == 0 {
		t.Fatal("expected a rebill record to be created")
	}
	if record.Status != rebilldomain.RebillStatusSuccess {
		t.Fatalf("expected SUCCESS, got %s", record.Status)
	}
	if record.AttemptNumber != 1 {
		t.Fatalf("expected attempt 1, got %d", record.AttemptNumber)
	}
	if record.TransactionID == nil || *record.TransactionID != "txn_ok" {
		t.Fatalf("expected transaction id to be recorded, got %v", record.TransactionID)
	}

	// Success rolls the billing period forward by one month in the same
	// transaction.
	sub := h.fetchSubscription(t, subID)
	expectedNext := start.AddDate(0, 1, 0)
	if !sub.NextBillingDate.Equal(expectedNext) {
		t.Fatalf("expected next billing date %v, got %v", expectedNext, sub.NextBillingDate)
	}
	if !sub.CurrentPeriodStart.Equal(start) {
		t.Fatalf("expected period start %v, got %v", start, sub.CurrentPeriodStart)
	}

	// A second run finds no due work and must not charge again.
	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("second RunOnce: %v", err)
	}
	if calls := h.client.Calls(); len(calls) != 1 {
		t.Fatalf("expected exactly 1 gateway call, got %d", len(calls))
	}

	var eventCount int64
	h.db.Raw(`SELECT COUNT(*) FROM rebill_events WHERE event_type = ?`, event.TypeRebillSuccess).Scan(&eventCount)
	if eventCount != 1 {
		t.Fatalf("expected 1 success event, got %d", eventCount)
	}
}

func TestDunningExhaustionAfterThreeDeclines(t *testing.T) {
	start := time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHarness(t, start,
		decline(gatewaydomain.FailureCodeInsufficientFunds),
		decline(gatewaydomain.FailureCodeInsufficientFunds),
		decline(gatewaydomain.FailureCodeCardDeclined),
	)
	subID := h.seedSubscription(t, start)
	ctx := context.Background()

	// Attempt 1 declines: FAILED, two retries left, retry slot in 1 day.
	if err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce attempt 1: %v", err)
	}
	record := h.fetchRecord(t, subID)
	if record.Status != rebilldomain.RebillStatusFailed {
		t.Fatalf("expected FAILED, got %s", record.Status)
	}
	if record.RetriesRemaining != 2 {
		t.Fatalf("expected retries_remaining 2, got %d", record.RetriesRemaining)
	}
	wantRetry := start.Add(24 * time.Hour)
	if record.NextRetryAt == nil || !record.NextRetryAt.Equal(wantRetry) {
		t.Fatalf("expected next retry at %v, got %v", wantRetry, record.NextRetryAt)
	}

	// A run before the retry slot takes no action.
	if err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce before retry due: %v", err)
	}
	if calls := h.client.Calls(); len(calls) != 1 {
		t.Fatalf("expected 1 gateway call before retry slot, got %d", len(calls))
	}

	// Attempt 2 after 1 day: still FAILED, one retry left, slot in 3 days.
	h.clock.Advance(24 * time.Hour)
	if err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce attempt 2: %v", err)
	}
	record = h.fetchRecord(t, subID)
	if record.AttemptNumber != 2 || record.RetriesRemaining != 1 {
		t.Fatalf("expected attempt 2 with 1 retry left, got attempt %d retries %d", record.AttemptNumber, record.RetriesRemaining)
	}

	// Attempt 3 after 3 more days exhausts the schedule.
	h.clock.Advance(72 * time.Hour)
	if err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce attempt 3: %v", err)
	}
	record = h.fetchRecord(t, subID)
	if record.Status != rebilldomain.RebillStatusExhausted {
		t.Fatalf("expected EXHAUSTED, got %s", record.Status)
	}
	if record.RetriesRemaining != 0 {
		t.Fatalf("expected retries_remaining 0, got %d", record.RetriesRemaining)
	}

	// Exhaustion and PAST_DUE land together.
	sub := h.fetchSubscription(t, subID)
	if sub.Status != subscriptiondomain.SubscriptionStatusPastDue {
		t.Fatalf("expected PAST_DUE, got %s", sub.Status)
	}
	if sub.LastFailureCode == nil || *sub.LastFailureCode != string(gatewaydomain.FailureCodeCardDeclined) {
		t.Fatalf("expected last failure code recorded, got %v", sub.LastFailureCode)
	}

	if calls := h.client.Calls(); len(calls) != 3 {
		t.Fatalf("expected 3 gateway calls, got %d", len(calls))
	}

	var eventCount int64
	h.db.Raw(`SELECT COUNT(*) FROM rebill_events WHERE event_type = ?`, event.TypeRebillExhausted).Scan(&eventCount)
	if eventCount != 1 {
		t.Fatalf("expected 1 exhausted event, got %d", eventCount)
	}
}

func TestRetrySkippedWhenSubscriptionPaused(t *testing.T) {
	start := time.Date(2025, time.May, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHarness(t, start, decline(gatewaydomain.FailureCodeCardDeclined))
	subID := h.seedSubscription(t, start)
	ctx := context.Background()

	if err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce attempt 1: %v", err)
	}
	record := h.fetchRecord(t, subID)
	if record.Status != rebilldomain.RebillStatusFailed {
		t.Fatalf("expected FAILED, got %s", record.Status)
	}

	// Pause between the failure and the scheduled retry.
	if err := h.db.Exec(`UPDATE subscriptions SET status = ? WHERE id = ?`,
		subscriptiondomain.SubscriptionStatusPaused, subID).Error; err != nil {
		t.Fatalf("pause subscription: %v", err)
	}

	h.clock.Advance(24 * time.Hour)
	if err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce retry: %v", err)
	}

	record = h.fetchRecord(t, subID)
	if record.Status != rebilldomain.RebillStatusSkipped {
		t.Fatalf("expected SKIPPED, got %s", record.Status)
	}
	// A skip is not a dunning attempt.
	if record.RetriesRemaining != 2 {
		t.Fatalf("expected retries_remaining unchanged at 2, got %d", record.RetriesRemaining)
	}
	if calls := h.client.Calls(); len(calls) != 1 {
		t.Fatalf("expected no gateway call for skipped retry, got %d", len(calls))
	}
}

func TestRunOnceDeferredWhileGuardHeld(t *testing.T) {
	start := time.Date(2025, time.June, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHarness(t, start)
	h.seedSubscription(t, start)

	if !h.scheduler.guard.TryAcquire() {
		t.Fatal("expected to acquire guard")
	}
	defer h.scheduler.guard.Release()

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if calls := h.client.Calls(); len(calls) != 0 {
		t.Fatalf("expected no gateway calls while guard held, got %d", len(calls))
	}
}

func TestIdempotencyKeysDifferAcrossAttempts(t *testing.T) {
	start := time.Date(2025, time.July, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHarness(t, start,
		decline(gatewaydomain.FailureCodeCardDeclined),
		decline(gatewaydomain.FailureCodeCardDeclined),
	)
	h.seedSubscription(t, start)
	ctx := context.Background()

	if err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce attempt 1: %v", err)
	}
	h.clock.Advance(24 * time.Hour)
	if err := h.scheduler.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce attempt 2: %v", err)
	}

	calls := h.client.Calls()
	if len(calls) != 2 {
		t.Fatalf("expected 2 gateway calls, got %d", len(calls))
	}
	if calls[0].IdempotencyKey == calls[1].IdempotencyKey {
		t.Fatalf("expected distinct idempotency keys across attempts, both were %q", calls[0].IdempotencyKey)
	}
	for _, call := range calls {
		if call.IdempotencyKey == "" {
			t.Fatal("expected a deterministic idempotency key on every charge")
		}
		if call.Token != "vlt_token_1" {
			t.Fatalf("expected vault token to be passed through, got %q", call.Token)
		}
	}
}

func (h *testHarness) seedStuckRecord(t *testing.T, subID snowflake.ID, attempt int, stuckSince time.Time) snowflake.ID {
	t.Helper()
	recordID := h.node.Generate()
	if err := h.db.Exec(`
		INSERT INTO rebill_records (
			id, subscription_id, status, attempt_number, retries_remaining,
			amount, currency, provider, period_start, period_end,
			scheduled_at, processing_started_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, 3, 2999, 'USD', 'testpay', ?, ?, ?, ?, ?, ?)`,
		recordID, subID,
		rebilldomain.RebillStatusProcessing, attempt,
		stuckSince.AddDate(0, -1, 0), stuckSince, stuckSince,
		stuckSince, stuckSince, stuckSince,
	).Error; err != nil {
		t.Fatalf("seed stuck record: %v", err)
	}
	return recordID
}

func TestRecoverySweepReplaysCrashedAttemptWithSameKey(t *testing.T) {
	start := time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHarness(t, start)
	subID := h.seedSubscription(t, start)

	// Simulate a worker that died mid-attempt half an hour ago, after the
	// charge may already have reached the gateway.
	recordID := h.seedStuckRecord(t, subID, 1, start.Add(-30*time.Minute))

	if err := h.scheduler.RecoverySweepJob(context.Background()); err != nil {
		t.Fatalf("RecoverySweepJob: %v", err)
	}

	calls := h.client.Calls()
	if len(calls) != 1 {
		t.Fatalf("expected 1 gateway call, got %d", len(calls))
	}
	wantKey := fmt.Sprintf("rebill-%s-%s-1", subID, recordID)
	if calls[0].IdempotencyKey != wantKey {
		t.Fatalf("expected replay under the crashed attempt's key %q, got %q", wantKey, calls[0].IdempotencyKey)
	}

	record := h.fetchRecord(t, subID)
	if record.ID != recordID {
		t.Fatalf("expected the stuck record to be finished, found %s", record.ID)
	}
	if record.Status != rebilldomain.RebillStatusSuccess {
		t.Fatalf("expected replayed record SUCCESS, got %s", record.Status)
	}
	if record.AttemptNumber != 1 {
		t.Fatalf("expected attempt number unchanged at 1, got %d", record.AttemptNumber)
	}
}

func TestRecoverySweepLeavesFreshProcessingAlone(t *testing.T) {
	start := time.Date(2025, time.August, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHarness(t, start)
	subID := h.seedSubscription(t, start)

	// In flight for one minute; well inside the recovery threshold.
	h.seedStuckRecord(t, subID, 1, start.Add(-time.Minute))

	if err := h.scheduler.RecoverySweepJob(context.Background()); err != nil {
		t.Fatalf("RecoverySweepJob: %v", err)
	}

	if calls := h.client.Calls(); len(calls) != 0 {
		t.Fatalf("expected no gateway calls for a live attempt, got %d", len(calls))
	}
	record := h.fetchRecord(t, subID)
	if record.Status != rebilldomain.RebillStatusProcessing {
		t.Fatalf("expected record left in PROCESSING, got %s", record.Status)
	}
}

func TestRunOnceBatchSummaryCounts(t *testing.T) {
	start := time.Date(2025, time.September, 1, 0, 0, 0, 0, time.UTC)
	h := newTestHarness(t, start)
	h.seedSubscription(t, start)

	if err := h.scheduler.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce: %v", err)
	}

	var payload string
	if err := h.db.Raw(
		`SELECT payload FROM rebill_events WHERE event_type = ? ORDER BY id DESC LIMIT 1`,
		event.TypeBatchComplete,
	).Scan(&payload).Error; err != nil {
		t.Fatalf("fetch batch summary: %v", err)
	}
	if payload == "" {
		t.Fatal("expected a batch_complete event")
	}

	var summary map[string]any
	if err := json.Unmarshal([]byte(payload), &summary); err != nil {
		t.Fatalf("decode batch summary: %v", err)
	}
	if got, ok := summary["processed_count"].(float64); !ok || got != 1 {
		t.Fatalf("expected processed_count 1, got %v", summary["processed_count"])
	}
	if got, ok := summary["error_count"].(float64); !ok || got != 0 {
		t.Fatalf("expected error_count 0, got %v", summary["error_count"])
	}
	if _, ok := summary["duration_ms"]; !ok {
		t.Fatal("expected duration_ms in batch summary")
	}
	if id, ok := summary["run_id"].(string); !ok || id == "" {
		t.Fatal("expected run_id in batch summary")
	}
}
