// Package domain contains persistence models for subscriptions.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

// SubscriptionStatus represents lifecycle states for a subscription.
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "ACTIVE"
	SubscriptionStatusPaused   SubscriptionStatus = "PAUSED"
	SubscriptionStatusCanceled SubscriptionStatus = "CANCELED"
	SubscriptionStatusPastDue  SubscriptionStatus = "PAST_DUE"
	SubscriptionStatusTrialing SubscriptionStatus = "TRIALING"
)

// BillingInterval is the recurrence unit for a subscription's billing period.
type BillingInterval string

const (
	IntervalDaily     BillingInterval = "DAILY"
	IntervalWeekly    BillingInterval = "WEEKLY"
	IntervalBiweekly  BillingInterval = "BIWEEKLY"
	IntervalMonthly   BillingInterval = "MONTHLY"
	IntervalQuarterly BillingInterval = "QUARTERLY"
	IntervalYearly    BillingInterval = "YEARLY"
)

// Subscription captures a customer's recurring billing agreement. The charge
// engine reads status, period boundaries and the payment references; amounts
// are minor units in the subscription's currency.
type Subscription struct {
	ID         snowflake.ID       `gorm:"primaryKey"`
	CustomerID snowflake.ID       `gorm:"not null;index"`
	Status     SubscriptionStatus `gorm:"type:text;not null"`
	Interval   BillingInterval    `gorm:"column:billing_interval;type:text;not null"`

	PlanAmount int64  `gorm:"not null"`
	Currency   string `gorm:"type:text;not null"`

	CurrentPeriodStart time.Time `gorm:"not null"`
	CurrentPeriodEnd   time.Time `gorm:"not null"`
	NextBillingDate    time.Time `gorm:"not null;index"`

	// PaymentVaultID is the opaque stored-credential reference; it is passed
	// through to the gateway and never logged.
	PaymentVaultID    *string `gorm:"type:text"`
	PaymentProviderID *string `gorm:"type:text"`

	LastFailureCode *string    `gorm:"type:text"`
	LastFailureAt   *time.Time `gorm:""`

	Metadata  datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (Subscription) TableName() string { return "subscriptions" }

// TransitionReason records who or what drove a status transition.
type TransitionReason string

const (
	TransitionReasonDunningExhausted TransitionReason = "dunning_exhausted"
	TransitionReasonOperator         TransitionReason = "operator"
)
