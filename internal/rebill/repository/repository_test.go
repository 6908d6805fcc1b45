package repository

import (
	"context"
	"testing"
	"time"

	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func setupDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open("file::memory:"), &gorm.Config{})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.Exec(`
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
	`).Error)
	return db
}

func newRecord(node *snowflake.Node, subID snowflake.ID, now time.Time) *rebilldomain.RebillRecord {
	return &rebilldomain.RebillRecord{
		ID:               node.Generate(),
		SubscriptionID:   subID,
		Status:           rebilldomain.RebillStatusPending,
		AttemptNumber:    1,
		RetriesRemaining: 3,
		Amount:           1999,
		Currency:         "USD",
		Provider:         "stripe",
		PeriodStart:      now,
		PeriodEnd:        now.AddDate(0, 1, 0),
		ScheduledAt:      now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func TestInsertPendingIsExclusivePerSubscription(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	subID := node.Generate()

	inserted, err := repo.InsertPending(ctx, db, newRecord(node, subID, now))
	require.NoError(t, err)
	require.True(t, inserted)

	// A second open record for the same subscription must lose the
	// check-and-insert.
	inserted, err = repo.InsertPending(ctx, db, newRecord(node, subID, now))
	require.NoError(t, err)
	require.False(t, inserted)

	// A different subscription is unaffected.
	inserted, err = repo.InsertPending(ctx, db, newRecord(node, node.Generate(), now))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestInsertPendingAllowsNewCycleAfterTerminalState(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	subID := node.Generate()

	first := newRecord(node, subID, now)
	inserted, err := repo.InsertPending(ctx, db, first)
	require.NoError(t, err)
	require.True(t, inserted)

	ok, err := repo.MarkProcessing(ctx, db, first.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.MarkSuccess(ctx, db, first.ID, "txn_1", nil, now)
	require.NoError(t, err)
	require.True(t, ok)

	inserted, err = repo.InsertPending(ctx, db, newRecord(node, subID, now.AddDate(0, 1, 0)))
	require.NoError(t, err)
	require.True(t, inserted)
}

func TestMarkProcessingGuards(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

	record := newRecord(node, node.Generate(), now)
	_, err = repo.InsertPending(ctx, db, record)
	require.NoError(t, err)

	// PENDING -> PROCESSING keeps the attempt counter.
	ok, err := repo.MarkProcessing(ctx, db, record.ID, now)
	require.NoError(t, err)
	require.True(t, ok)
	got, err := repo.FindByID(ctx, db, record.ID)
	require.NoError(t, err)
	require.Equal(t, rebilldomain.RebillStatusProcessing, got.Status)
	require.Equal(t, 1, got.AttemptNumber)

	// Already PROCESSING: the transition guard rejects a second claim.
	ok, err = repo.MarkProcessing(ctx, db, record.ID, now)
	require.NoError(t, err)
	require.False(t, ok)

	// FAILED with a future retry slot is not claimable yet.
	ok, err = repo.MarkFailed(ctx, db, record.ID, "CARD_DECLINED", "declined", nil, now.Add(24*time.Hour), now)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = repo.MarkProcessing(ctx, db, record.ID, now)
	require.NoError(t, err)
	require.False(t, ok)

	// Once the slot passes, FAILED -> PROCESSING increments the attempt.
	later := now.Add(25 * time.Hour)
	ok, err = repo.MarkProcessing(ctx, db, record.ID, later)
	require.NoError(t, err)
	require.True(t, ok)
	got, err = repo.FindByID(ctx, db, record.ID)
	require.NoError(t, err)
	require.Equal(t, 2, got.AttemptNumber)
	require.Nil(t, got.NextRetryAt)
}

func TestMarkFailedDecrementsRetries(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

	record := newRecord(node, node.Generate(), now)
	_, err = repo.InsertPending(ctx, db, record)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, db, record.ID, now)
	require.NoError(t, err)

	ok, err := repo.MarkFailed(ctx, db, record.ID, "INSUFFICIENT_FUNDS", "declined", nil, now.Add(24*time.Hour), now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.FindByID(ctx, db, record.ID)
	require.NoError(t, err)
	require.Equal(t, rebilldomain.RebillStatusFailed, got.Status)
	require.Equal(t, 2, got.RetriesRemaining)
	require.NotNil(t, got.NextRetryAt)
	require.NotNil(t, got.FailureCode)
	require.Equal(t, "INSUFFICIENT_FUNDS", *got.FailureCode)
}

func TestMarkSkippedPreservesRetries(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

	record := newRecord(node, node.Generate(), now)
	_, err = repo.InsertPending(ctx, db, record)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, db, record.ID, now)
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, db, record.ID, "CARD_DECLINED", "declined", nil, now.Add(24*time.Hour), now)
	require.NoError(t, err)

	ok, err := repo.MarkSkipped(ctx, db, record.ID, "subscription no longer active", now)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := repo.FindByID(ctx, db, record.ID)
	require.NoError(t, err)
	require.Equal(t, rebilldomain.RebillStatusSkipped, got.Status)
	require.Equal(t, 2, got.RetriesRemaining)
	require.NotNil(t, got.CompletedAt)
}

func TestListBySubscriptionMostRecentFirst(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	subID := node.Generate()

	var ids []snowflake.ID
	for i := 0; i < 3; i++ {
		record := newRecord(node, subID, now.AddDate(0, i, 0))
		_, err = repo.InsertPending(ctx, db, record)
		require.NoError(t, err)
		_, err = repo.MarkProcessing(ctx, db, record.ID, now)
		require.NoError(t, err)
		_, err = repo.MarkSuccess(ctx, db, record.ID, "txn", nil, now)
		require.NoError(t, err)
		ids = append(ids, record.ID)
	}

	records, err := repo.ListBySubscription(ctx, db, subID, 2)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, ids[2], records[0].ID)
	require.Equal(t, ids[1], records[1].ID)
}

func TestStatsAggregatesWindow(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, time.April, 10, 0, 0, 0, 0, time.UTC)

	// Recovered: success on attempt 2.
	recovered := newRecord(node, node.Generate(), now)
	_, err = repo.InsertPending(ctx, db, recovered)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, db, recovered.ID, now)
	require.NoError(t, err)
	_, err = repo.MarkFailed(ctx, db, recovered.ID, "CARD_DECLINED", "declined", nil, now, now)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, db, recovered.ID, now)
	require.NoError(t, err)
	_, err = repo.MarkSuccess(ctx, db, recovered.ID, "txn_recovered", nil, now)
	require.NoError(t, err)

	// First-attempt success does not count as recovered revenue.
	clean := newRecord(node, node.Generate(), now)
	_, err = repo.InsertPending(ctx, db, clean)
	require.NoError(t, err)
	_, err = repo.MarkProcessing(ctx, db, clean.ID, now)
	require.NoError(t, err)
	_, err = repo.MarkSuccess(ctx, db, clean.ID, "txn_clean", nil, now)
	require.NoError(t, err)

	// Outside the window.
	old := newRecord(node, node.Generate(), now.AddDate(0, 0, -10))
	_, err = repo.InsertPending(ctx, db, old)
	require.NoError(t, err)

	stats, err := repo.Stats(ctx, db, now.AddDate(0, 0, -1))
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.Success)
	require.Equal(t, int64(0), stats.Failed)
	require.Equal(t, int64(1999), stats.RecoveredRevenue)
}

func TestReclaimStuckKeepsAttemptNumber(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	startedAt := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)
	now := startedAt.Add(30 * time.Minute)
	cutoff := now.Add(-15 * time.Minute)

	record := newRecord(node, node.Generate(), startedAt)
	inserted, err := repo.InsertPending(ctx, db, record)
	require.NoError(t, err)
	require.True(t, inserted)
	ok, err := repo.MarkProcessing(ctx, db, record.ID, startedAt)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = repo.ReclaimStuck(ctx, db, record.ID, cutoff, now)
	require.NoError(t, err)
	require.True(t, ok)

	reclaimed, err := repo.FindByID(ctx, db, record.ID)
	require.NoError(t, err)
	require.Equal(t, rebilldomain.RebillStatusProcessing, reclaimed.Status)
	// The replay must present the crashed attempt's idempotency key, so the
	// counter stays put.
	require.Equal(t, 1, reclaimed.AttemptNumber)
	require.NotNil(t, reclaimed.ProcessingStartedAt)
	require.True(t, reclaimed.ProcessingStartedAt.Equal(now))

	// A claim refreshed just now is no longer stuck.
	ok, err = repo.ReclaimStuck(ctx, db, record.ID, cutoff, now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestReclaimStuckIgnoresNonProcessing(t *testing.T) {
	db := setupDB(t)
	repo := Provide()
	node, err := snowflake.NewNode(1)
	require.NoError(t, err)
	ctx := context.Background()
	now := time.Date(2025, time.April, 1, 0, 0, 0, 0, time.UTC)

	record := newRecord(node, node.Generate(), now)
	inserted, err := repo.InsertPending(ctx, db, record)
	require.NoError(t, err)
	require.True(t, inserted)

	ok, err := repo.ReclaimStuck(ctx, db, record.ID, now.Add(time.Hour), now)
	require.NoError(t, err)
	require.False(t, ok)
}
