// Package domain contains the rebill record model and the contracts the
// charge engine is built around.
package domain

import (
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// RebillStatus is the lifecycle state of a single rebill record.
//
// A record starts PENDING when a subscription comes due, moves to PROCESSING
// while a charge attempt is in flight, and lands in one of the terminal
// states. FAILED is the only non-terminal failure state: the retry scheduler
// moves it back to PROCESSING when next_retry_at passes.
type RebillStatus string

const (
	RebillStatusPending    RebillStatus = "PENDING"
	RebillStatusProcessing RebillStatus = "PROCESSING"
	RebillStatusSuccess    RebillStatus = "SUCCESS"
	RebillStatusFailed     RebillStatus = "FAILED"
	RebillStatusExhausted  RebillStatus = "EXHAUSTED"
	RebillStatusSkipped    RebillStatus = "SKIPPED"
)

// Terminal reports whether the status admits no further attempts.
func (s RebillStatus) Terminal() bool {
	switch s {
	case RebillStatusSuccess, RebillStatusExhausted, RebillStatusSkipped:
		return true
	}
	return false
}

// Open reports whether the record still occupies the per-subscription
// in-flight slot. At most one open record may exist per subscription.
func (s RebillStatus) Open() bool {
	return s == RebillStatusPending || s == RebillStatusProcessing
}

// RebillRecord is one billing-period charge obligation for a subscription.
// Each gateway attempt increments attempt_number; the idempotency key sent to
// the gateway is derived from (subscription, rebill, attempt) so a crashed
// attempt replays with the same key while a fresh retry gets a new one.
type RebillRecord struct {
	ID             snowflake.ID `gorm:"primaryKey"`
	SubscriptionID snowflake.ID `gorm:"not null;index"`
	Status         RebillStatus `gorm:"type:text;not null;index"`

	// AttemptNumber starts at 1; RetriesRemaining starts at the dunning
	// policy's max and decrements on each decline. SKIPPED outcomes leave
	// it untouched.
	AttemptNumber    int `gorm:"not null;default:1"`
	RetriesRemaining int `gorm:"not null"`

	Amount   int64  `gorm:"not null"`
	Currency string `gorm:"type:text;not null"`
	Provider string `gorm:"type:text;not null"`

	PeriodStart time.Time `gorm:"not null"`
	PeriodEnd   time.Time `gorm:"not null"`

	ScheduledAt time.Time  `gorm:"not null;index"`
	NextRetryAt *time.Time `gorm:"index"`

	TransactionID *string `gorm:"type:text"`
	FailureCode   *string `gorm:"type:text"`
	FailureReason *string `gorm:"type:text"`

	// RawResponse keeps the gateway's last response body for support
	// investigations. Vault tokens never appear here.
	RawResponse datatypes.JSON `gorm:"type:jsonb"`

	ProcessingStartedAt *time.Time `gorm:""`
	CompletedAt         *time.Time `gorm:""`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (RebillRecord) TableName() string { return "rebill_records" }

// IdempotencyKey is deterministic per attempt: a crash between charging and
// recording replays the same key, while a scheduled retry (new attempt
// number) presents a fresh one.
func (r *RebillRecord) IdempotencyKey(attempt int) string {
	return fmt.Sprintf("rebill-%s-%s-%d", r.SubscriptionID, r.ID, attempt)
}

// Stats is an aggregate over rebill records within a time window.
// RecoveredRevenue sums successful charges that needed more than one
// attempt, in minor units.
type Stats struct {
	Window           time.Duration `json:"-"`
	Pending          int64         `json:"pending"`
	Processing       int64         `json:"processing"`
	Success          int64         `json:"success"`
	Failed           int64         `json:"failed"`
	Exhausted        int64         `json:"exhausted"`
	Skipped          int64         `json:"skipped"`
	RecoveredRevenue int64         `json:"recovered_revenue"`
}

// Total returns the number of records covered by the window.
func (s Stats) Total() int64 {
	return s.Pending + s.Processing + s.Success + s.Failed + s.Exhausted + s.Skipped
}
