package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Repository persists rebill records. All writes are conditional on the
// current status so concurrent workers cannot double-apply a transition;
// writers report whether the guarded update actually landed.
type Repository interface {
	// InsertPending creates a PENDING record unless the subscription
	// already has an open one. The check and the insert are a single
	// statement, so two concurrent callers produce exactly one record.
	InsertPending(ctx context.Context, db *gorm.DB, record *RebillRecord) (bool, error)

	// MarkProcessing moves PENDING or FAILED to PROCESSING and increments
	// the attempt counter. FAILED records are only eligible once
	// next_retry_at has passed.
	MarkProcessing(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)

	MarkSuccess(ctx context.Context, db *gorm.DB, id snowflake.ID, transactionID string, raw datatypes.JSON, now time.Time) (bool, error)
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, failureCode, failureReason string, raw datatypes.JSON, nextRetryAt time.Time, now time.Time) (bool, error)
	MarkExhausted(ctx context.Context, db *gorm.DB, id snowflake.ID, failureCode, failureReason string, raw datatypes.JSON, now time.Time) (bool, error)
	MarkSkipped(ctx context.Context, db *gorm.DB, id snowflake.ID, reason string, now time.Time) (bool, error)

	// ExpediteRetry pulls a FAILED record's retry slot forward to now, for
	// operator-forced retries.
	ExpediteRetry(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)

	// ReclaimStuck refreshes the claim on a PROCESSING record whose attempt
	// started before the cutoff, so the recovery sweep can replay the
	// crashed attempt. The attempt counter is left untouched: the replay
	// must present the same idempotency key the crashed worker sent.
	ReclaimStuck(ctx context.Context, db *gorm.DB, id snowflake.ID, cutoff time.Time, now time.Time) (bool, error)

	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*RebillRecord, error)
	FindOpenBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID) (*RebillRecord, error)

	// ListBySubscription returns records most recent first.
	ListBySubscription(ctx context.Context, db *gorm.DB, subscriptionID snowflake.ID, limit int) ([]RebillRecord, error)

	// Stats aggregates record counts by status for records created since
	// the given instant.
	Stats(ctx context.Context, db *gorm.DB, since time.Time) (Stats, error)
}
