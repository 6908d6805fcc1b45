package service

import (
	"context"
	"time"

	"github.com/billingworks/rebill/internal/clock"
	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
	"github.com/billingworks/rebill/pkg/db/pagination"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Repository subscriptiondomain.Repository
}

type subscriptionService struct {
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	repo  subscriptiondomain.Repository
}

func NewService(p Params) subscriptiondomain.Service {
	return &subscriptionService{
		db:    p.DB,
		log:   p.Log.Named("subscription.service"),
		clock: p.Clock,
		repo:  p.Repository,
	}
}

var validStatuses = map[subscriptiondomain.SubscriptionStatus]struct{}{
	subscriptiondomain.SubscriptionStatusActive:   {},
	subscriptiondomain.SubscriptionStatusPaused:   {},
	subscriptiondomain.SubscriptionStatusCanceled: {},
	subscriptiondomain.SubscriptionStatusPastDue:  {},
	subscriptiondomain.SubscriptionStatusTrialing: {},
}

func parseID(raw string) (snowflake.ID, error) {
	id, err := snowflake.ParseString(raw)
	if err != nil {
		return 0, subscriptiondomain.ErrSubscriptionNotFound
	}
	return id, nil
}

func (s *subscriptionService) GetByID(ctx context.Context, id string) (subscriptiondomain.Subscription, error) {
	subscriptionID, err := parseID(id)
	if err != nil {
		return subscriptiondomain.Subscription{}, err
	}

	subscription, err := s.repo.FindByID(ctx, s.db, subscriptionID)
	if err != nil {
		s.log.Error("subscription.lookup_failed", zap.String("subscription_id", id), zap.Error(err))
		return subscriptiondomain.Subscription{}, err
	}
	if subscription == nil {
		return subscriptiondomain.Subscription{}, subscriptiondomain.ErrSubscriptionNotFound
	}
	return *subscription, nil
}

func (s *subscriptionService) List(ctx context.Context, req subscriptiondomain.ListSubscriptionRequest) (subscriptiondomain.ListSubscriptionResponse, error) {
	status := subscriptiondomain.SubscriptionStatus(req.Status)
	if req.Status != "" {
		if _, ok := validStatuses[status]; !ok {
			return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidStatus
		}
	}

	pageSize := req.PageSize
	if pageSize <= 0 {
		pageSize = 50
	}

	var afterID snowflake.ID
	if req.PageToken != "" {
		cursor, err := pagination.DecodeCursor(req.PageToken)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidPageToken
		}
		afterID, err = snowflake.ParseString(cursor.ID)
		if err != nil {
			return subscriptiondomain.ListSubscriptionResponse{}, subscriptiondomain.ErrInvalidPageToken
		}
	}

	subscriptions, err := s.repo.List(ctx, s.db, status, afterID, pageSize)
	if err != nil {
		return subscriptiondomain.ListSubscriptionResponse{}, err
	}

	pageInfo := pagination.BuildCursorPageInfo(subscriptions, pageSize, func(sub subscriptiondomain.Subscription) string {
		token, err := pagination.EncodeCursor(pagination.Cursor{
			ID:        sub.ID.String(),
			CreatedAt: sub.CreatedAt.Format(time.RFC3339),
		})
		if err != nil {
			return ""
		}
		return token
	})
	if pageInfo.HasMore && len(subscriptions) > pageSize {
		subscriptions = subscriptions[:pageSize]
	}

	return subscriptiondomain.ListSubscriptionResponse{
		Subscriptions: subscriptions,
		PageInfo:      *pageInfo,
	}, nil
}

func (s *subscriptionService) TransitionStatus(ctx context.Context, id string, status subscriptiondomain.SubscriptionStatus, reason subscriptiondomain.TransitionReason) error {
	subscriptionID, err := parseID(id)
	if err != nil {
		return err
	}
	if _, ok := validStatuses[status]; !ok {
		return subscriptiondomain.ErrInvalidStatus
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		subscription, err := s.repo.FindByIDForUpdate(ctx, tx, subscriptionID)
		if err != nil {
			return err
		}
		if subscription == nil {
			return subscriptiondomain.ErrSubscriptionNotFound
		}
		if subscription.Status == status {
			return nil
		}

		updated, err := s.repo.UpdateStatus(ctx, tx, subscriptionID, status, s.clock.Now())
		if err != nil {
			return err
		}
		if !updated {
			return subscriptiondomain.ErrSubscriptionNotFound
		}

		s.log.Info("subscription.status_transitioned",
			zap.String("subscription_id", id),
			zap.String("from", string(subscription.Status)),
			zap.String("to", string(status)),
			zap.String("reason", string(reason)),
		)
		return nil
	})
}
