package event

import (
	"context"
	"time"

	"github.com/billingworks/rebill/internal/clock"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Publisher appends billing events. Callers pass the transaction the state
// change rides on, so an event is only visible when its state change commits.
type Publisher interface {
	Publish(ctx context.Context, db *gorm.DB, eventType Type, subscriptionID, rebillID *snowflake.ID, payload map[string]any) error
}

type Params struct {
	fx.In

	Log   *zap.Logger
	Clock clock.Clock
	Node  *snowflake.Node
}

type outboxPublisher struct {
	log   *zap.Logger
	clock clock.Clock
	node  *snowflake.Node
}

func NewPublisher(p Params) Publisher {
	return &outboxPublisher{
		log:   p.Log.Named("event.publisher"),
		clock: p.Clock,
		node:  p.Node,
	}
}

func (o *outboxPublisher) Publish(ctx context.Context, db *gorm.DB, eventType Type, subscriptionID, rebillID *snowflake.ID, payload map[string]any) error {
	evt := BillingEvent{
		ID:             o.node.Generate(),
		EventType:      eventType,
		SubscriptionID: subscriptionID,
		RebillID:       rebillID,
		Payload:        datatypes.JSONMap(payload),
		CreatedAt:      o.clock.Now(),
	}
	err := db.WithContext(ctx).Exec(
		`INSERT INTO rebill_events (id, event_type, subscription_id, rebill_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		evt.ID,
		evt.EventType,
		evt.SubscriptionID,
		evt.RebillID,
		evt.Payload,
		evt.CreatedAt,
	).Error
	if err != nil {
		o.log.Error("event.publish_failed", zap.String("event_type", string(eventType)), zap.Error(err))
		return err
	}
	return nil
}

// PublishBestEffort is for events with no owning transaction, like batch
// summaries. Failures are logged and swallowed.
func PublishBestEffort(ctx context.Context, db *gorm.DB, p Publisher, eventType Type, payload map[string]any) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_ = p.Publish(ctx, db, eventType, nil, nil, payload)
}
