package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
)

// Outcome summarizes what a single processing pass did to a rebill record.
type Outcome struct {
	RebillID       snowflake.ID
	SubscriptionID snowflake.ID
	Status         RebillStatus
	AttemptNumber  int
	FailureCode    string
	NextRetryAt    *time.Time
}

// Service drives individual rebill records through their lifecycle. The
// scheduler claims due work and hands each item here; the admin API uses
// TriggerSubscription, History and StatsWindow.
type Service interface {
	// ProcessNew creates the billing-period record for a due subscription
	// and runs the first charge attempt.
	ProcessNew(ctx context.Context, subscriptionID snowflake.ID) (Outcome, error)

	// ProcessRetry runs the next dunning attempt for a FAILED record whose
	// retry slot has arrived.
	ProcessRetry(ctx context.Context, rebillID snowflake.ID) (Outcome, error)

	// ReplayStuck re-runs a PROCESSING record abandoned before the cutoff
	// by a crashed worker. The charge goes out under the original attempt's
	// idempotency key, so a charge that landed before the crash is deduped
	// by the gateway instead of billed twice.
	ReplayStuck(ctx context.Context, rebillID snowflake.ID, cutoff time.Time) (Outcome, error)

	// TriggerSubscription forces an immediate attempt for one subscription,
	// outside the batch schedule. Operator use.
	TriggerSubscription(ctx context.Context, subscriptionID string) (Outcome, error)

	History(ctx context.Context, subscriptionID string, limit int) ([]RebillRecord, error)
	StatsWindow(ctx context.Context, window time.Duration) (Stats, error)
}
