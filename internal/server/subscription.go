package server

import (
	"net/http"
	"strconv"
	"time"

	subscriptiondomain "github.com/billingworks/rebill/internal/subscription/domain"
	"github.com/gin-gonic/gin"
)

type subscriptionResponse struct {
	ID                 string     `json:"id"`
	CustomerID         string     `json:"customer_id"`
	Status             string     `json:"status"`
	Interval           string     `json:"interval"`
	PlanAmount         int64      `json:"plan_amount"`
	Currency           string     `json:"currency"`
	CurrentPeriodStart time.Time  `json:"current_period_start"`
	CurrentPeriodEnd   time.Time  `json:"current_period_end"`
	NextBillingDate    time.Time  `json:"next_billing_date"`
	PaymentProviderID  *string    `json:"payment_provider_id,omitempty"`
	LastFailureCode    *string    `json:"last_failure_code,omitempty"`
	LastFailureAt      *time.Time `json:"last_failure_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// toSubscriptionResponse deliberately omits the vault token.
func toSubscriptionResponse(sub subscriptiondomain.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:                 sub.ID.String(),
		CustomerID:         sub.CustomerID.String(),
		Status:             string(sub.Status),
		Interval:           string(sub.Interval),
		PlanAmount:         sub.PlanAmount,
		Currency:           sub.Currency,
		CurrentPeriodStart: sub.CurrentPeriodStart,
		CurrentPeriodEnd:   sub.CurrentPeriodEnd,
		NextBillingDate:    sub.NextBillingDate,
		PaymentProviderID:  sub.PaymentProviderID,
		LastFailureCode:    sub.LastFailureCode,
		LastFailureAt:      sub.LastFailureAt,
		CreatedAt:          sub.CreatedAt,
		UpdatedAt:          sub.UpdatedAt,
	}
}

func (s *Server) getSubscription(c *gin.Context) {
	sub, err := s.subSvc.GetByID(c.Request.Context(), c.Param("id"))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSubscriptionResponse(sub))
}

func (s *Server) listSubscriptions(c *gin.Context) {
	resp, err := s.subSvc.List(c.Request.Context(), subscriptiondomain.ListSubscriptionRequest{
		Status:    c.Query("status"),
		PageToken: c.Query("page_token"),
		PageSize:  parseLimit(c.Query("page_size"), 50, 200),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]subscriptionResponse, 0, len(resp.Subscriptions))
	for _, sub := range resp.Subscriptions {
		out = append(out, toSubscriptionResponse(sub))
	}
	c.JSON(http.StatusOK, gin.H{"subscriptions": out, "page_info": resp.PageInfo})
}

type transitionRequest struct {
	Status string `json:"status" binding:"required"`
}

func (s *Server) transitionSubscription(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	err := s.subSvc.TransitionStatus(
		c.Request.Context(),
		c.Param("id"),
		subscriptiondomain.SubscriptionStatus(req.Status),
		subscriptiondomain.TransitionReasonOperator,
	)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": req.Status})
}

func parseLimit(raw string, fallback, max int) int {
	if raw == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}
	if parsed > max {
		return max
	}
	return parsed
}
