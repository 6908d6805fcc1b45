package domain

import (
	"context"

	"github.com/billingworks/rebill/pkg/db/pagination"
)

// Service is the thin subscription surface the billing engine and admin API
// consume. Lifecycle operations (pause/resume/cancel, plan changes) live in a
// separate system and are out of scope here.
type Service interface {
	GetByID(ctx context.Context, id string) (Subscription, error)
	List(ctx context.Context, req ListSubscriptionRequest) (ListSubscriptionResponse, error)
	TransitionStatus(ctx context.Context, id string, status SubscriptionStatus, reason TransitionReason) error
}

type ListSubscriptionRequest struct {
	Status    string
	PageToken string
	PageSize  int
}

type ListSubscriptionResponse struct {
	Subscriptions []Subscription
	pagination.PageInfo
}
