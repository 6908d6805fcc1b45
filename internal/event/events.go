// Package event records billing events in a transactional outbox. Downstream
// consumers (notifications, analytics) drain the table; this engine only
// writes it.
package event

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Type string

const (
	TypeRebillSuccess   Type = "rebill.success"
	TypeRebillFailed    Type = "rebill.failed"
	TypeRebillExhausted Type = "rebill.exhausted"
	TypeRebillSkipped   Type = "rebill.skipped"
	TypeBatchComplete   Type = "rebill.batch_complete"
	TypeBatchError      Type = "rebill.batch_error"
)

// BillingEvent is one outbox row. Payload carries event-specific fields;
// vault tokens and raw card data never appear in it.
type BillingEvent struct {
	ID             snowflake.ID      `gorm:"primaryKey"`
	EventType      Type              `gorm:"type:text;not null;index"`
	SubscriptionID *snowflake.ID     `gorm:"index"`
	RebillID       *snowflake.ID     `gorm:"index"`
	Payload        datatypes.JSONMap `gorm:"type:jsonb"`
	CreatedAt      time.Time         `gorm:"not null;default:CURRENT_TIMESTAMP;index"`
}

func (BillingEvent) TableName() string { return "rebill_events" }
