package repository

import (
	"context"
	"time"

	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	pkgdb "github.com/billingworks/rebill/pkg/db"
	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() rebilldomain.Repository {
	return &repo{}
}

// InsertPending is the cross-worker exclusion point: the existence check and
// the insert run as one statement, so two workers racing on the same
// subscription produce exactly one open record.
func (r *repo) InsertPending(ctx context.Context, db *gorm.DB, record *rebilldomain.RebillRecord) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`INSERT INTO rebill_records (
			id, subscription_id, status, attempt_number, retries_remaining,
			amount, currency, provider, period_start, period_end,
			scheduled_at, created_at, updated_at
		)
		SELECT ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?
		WHERE NOT EXISTS (
			SELECT 1 FROM rebill_records
			WHERE subscription_id = ? AND status IN (?, ?)
		)`,
		record.ID,
		record.SubscriptionID,
		rebilldomain.RebillStatusPending,
		record.AttemptNumber,
		record.RetriesRemaining,
		record.Amount,
		record.Currency,
		record.Provider,
		record.PeriodStart,
		record.PeriodEnd,
		record.ScheduledAt,
		record.CreatedAt,
		record.UpdatedAt,
		record.SubscriptionID,
		rebilldomain.RebillStatusPending,
		rebilldomain.RebillStatusProcessing,
	)
	if result.Error != nil {
		// Two workers can both pass the NOT EXISTS check under concurrent
		// inserts; the partial unique index on open records catches the
		// loser, which reports a lost race rather than an error.
		if pkgdb.IsDuplicateKeyErr(result.Error) {
			return false, nil
		}
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE rebill_records
		 SET status = ?,
		     attempt_number = CASE WHEN status = ? THEN attempt_number + 1 ELSE attempt_number END,
		     next_retry_at = NULL,
		     processing_started_at = ?,
		     updated_at = ?
		 WHERE id = ?
		   AND (status = ? OR (status = ? AND next_retry_at <= ?))`,
		rebilldomain.RebillStatusProcessing,
		rebilldomain.RebillStatusFailed,
		now,
		now,
		id,
		rebilldomain.RebillStatusPending,
		rebilldomain.RebillStatusFailed,
		now,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkSuccess(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID string, raw datatypes.JSON, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE rebill_records
		 SET status = ?,
		     transaction_id = ?,
		     failure_code = NULL,
		     failure_reason = NULL,
		     raw_response = ?,
		     next_retry_at = NULL,
		     completed_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		rebilldomain.RebillStatusSuccess,
		transactionID,
		raw,
		now,
		now,
		id,
		rebilldomain.RebillStatusProcessing,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, failureCode, failureReason string, raw datatypes.JSON, nextRetryAt time.Time, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE rebill_records
		 SET status = ?,
		     retries_remaining = retries_remaining - 1,
		     failure_code = ?,
		     failure_reason = ?,
		     raw_response = ?,
		     next_retry_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND retries_remaining > 0`,
		rebilldomain.RebillStatusFailed,
		failureCode,
		failureReason,
		raw,
		nextRetryAt,
		now,
		id,
		rebilldomain.RebillStatusProcessing,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) MarkExhausted(ctx context.Context, db *gorm.DB, id snowflake.ID, failureCode, failureReason string, raw datatypes.JSON, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE rebill_records
		 SET status = ?,
		     retries_remaining = 0,
		     failure_code = ?,
		     failure_reason = ?,
		     raw_response = ?,
		     next_retry_at = NULL,
		     completed_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ?`,
		rebilldomain.RebillStatusExhausted,
		failureCode,
		failureReason,
		raw,
		now,
		now,
		id,
		rebilldomain.RebillStatusProcessing,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// MarkSkipped leaves retries_remaining untouched: a skip is a precondition
// failure, not a dunning attempt.
func (r *repo) MarkSkipped(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE rebill_records
		 SET status = ?,
		     failure_reason = ?,
		     next_retry_at = NULL,
		     completed_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status IN (?, ?, ?)`,
		rebilldomain.RebillStatusSkipped,
		reason,
		now,
		now,
		id,
		rebilldomain.RebillStatusPending,
		rebilldomain.RebillStatusProcessing,
		rebilldomain.RebillStatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ExpediteRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE rebill_records
		 SET next_retry_at = ?, updated_at = ?
		 WHERE id = ? AND status = ? AND retries_remaining > 0`,
		now,
		now,
		id,
		rebilldomain.RebillStatusFailed,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

// ReclaimStuck keeps the record in PROCESSING and only refreshes the claim
// timestamp. The attempt number must not move: the replayed charge has to
// present the crashed attempt's idempotency key.
func (r *repo) ReclaimStuck(ctx context.Context, db *gorm.DB, id snowflake.ID, cutoff time.Time, now time.Time) (bool, error) {
	result := db.WithContext(ctx).Exec(
		`UPDATE rebill_records
		 SET processing_started_at = ?,
		     updated_at = ?
		 WHERE id = ? AND status = ? AND processing_started_at < ?`,
		now,
		now,
		id,
		rebilldomain.RebillStatusProcessing,
		cutoff,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*rebilldomain.RebillRecord, error) {
	var record rebilldomain.RebillRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM rebill_records WHERE id = ? LIMIT 1`,
		id,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) FindOpenBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*rebilldomain.RebillRecord, error) {
	var record rebilldomain.RebillRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM rebill_records
		 WHERE subscription_id = ? AND status IN (?, ?)
		 LIMIT 1`,
		subscriptionID,
		rebilldomain.RebillStatusPending,
		rebilldomain.RebillStatusProcessing,
	).Scan(&record).Error
	if err != nil {
		return nil, err
	}
	if record.ID == 0 {
		return nil, nil
	}
	return &record, nil
}

func (r *repo) ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]rebilldomain.RebillRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	var records []rebilldomain.RebillRecord
	err := db.WithContext(ctx).Raw(
		`SELECT * FROM rebill_records
		 WHERE subscription_id = ?
		 ORDER BY id DESC
		 LIMIT ?`,
		subscriptionID,
		limit,
	).Scan(&records).Error
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (r *repo) Stats(ctx context.Context, db *gorm.DB, since time.Time) (rebilldomain.Stats, error) {
	rows := []struct {
		Status rebilldomain.RebillStatus
		Count  int64
	}{}
	err := db.WithContext(ctx).Raw(
		`SELECT status, COUNT(*) AS count
		 FROM rebill_records
		 WHERE created_at >= ?
		 GROUP BY status`,
		since,
	).Scan(&rows).Error
	if err != nil {
		return rebilldomain.Stats{}, err
	}

	var stats rebilldomain.Stats
	for _, row := range rows {
		switch row.Status {
		case rebilldomain.RebillStatusPending:
			stats.Pending = row.Count
		case rebilldomain.RebillStatusProcessing:
			stats.Processing = row.Count
		case rebilldomain.RebillStatusSuccess:
			stats.Success = row.Count
		case rebilldomain.RebillStatusFailed:
			stats.Failed = row.Count
		case rebilldomain.RebillStatusExhausted:
			stats.Exhausted = row.Count
		case rebilldomain.RebillStatusSkipped:
			stats.Skipped = row.Count
		}
	}
	var recovered struct {
		Total int64
	}
	err = db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(amount), 0) AS total
		 FROM rebill_records
		 WHERE created_at >= ? AND status = ? AND attempt_number > 1`,
		since,
		rebilldomain.RebillStatusSuccess,
	).Scan(&recovered).Error
	if err != nil {
		return rebilldomain.Stats{}, err
	}
	stats.RecoveredRevenue = recovered.Total
	return stats, nil
}
