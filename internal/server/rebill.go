package server

import (
	"net/http"
	"time"

	rebilldomain "github.com/billingworks/rebill/internal/rebill/domain"
	"github.com/gin-gonic/gin"
)

type triggerRebillRequest struct {
	SubscriptionID string `json:"subscription_id" binding:"required"`
}

type rebillOutcomeResponse struct {
	RebillID       string     `json:"rebill_id,omitempty"`
	SubscriptionID string     `json:"subscription_id"`
	Status         string     `json:"status"`
	AttemptNumber  int        `json:"attempt_number"`
	FailureCode    string     `json:"failure_code,omitempty"`
	NextRetryAt    *time.Time `json:"next_retry_at,omitempty"`
}

func (s *Server) triggerRebill(c *gin.Context) {
	var req triggerRebillRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	outcome, err := s.rebillSvc.TriggerSubscription(c.Request.Context(), req.SubscriptionID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, outcomeResponse(outcome))
}

func outcomeResponse(outcome rebilldomain.Outcome) rebillOutcomeResponse {
	resp := rebillOutcomeResponse{
		SubscriptionID: outcome.SubscriptionID.String(),
		Status:         string(outcome.Status),
		AttemptNumber:  outcome.AttemptNumber,
		FailureCode:    outcome.FailureCode,
		NextRetryAt:    outcome.NextRetryAt,
	}
	if outcome.RebillID != 0 {
		resp.RebillID = outcome.RebillID.String()
	}
	return resp
}

type rebillRecordResponse struct {
	ID               string     `json:"id"`
	SubscriptionID   string     `json:"subscription_id"`
	Status           string     `json:"status"`
	AttemptNumber    int        `json:"attempt_number"`
	RetriesRemaining int        `json:"retries_remaining"`
	Amount           int64      `json:"amount"`
	Currency         string     `json:"currency"`
	Provider         string     `json:"provider"`
	PeriodStart      time.Time  `json:"period_start"`
	PeriodEnd        time.Time  `json:"period_end"`
	ScheduledAt      time.Time  `json:"scheduled_at"`
	NextRetryAt      *time.Time `json:"next_retry_at,omitempty"`
	TransactionID    *string    `json:"transaction_id,omitempty"`
	FailureCode      *string    `json:"failure_code,omitempty"`
	FailureReason    *string    `json:"failure_reason,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (s *Server) subscriptionRebills(c *gin.Context) {
	limit := parseLimit(c.Query("limit"), 20, 100)

	records, err := s.rebillSvc.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	out := make([]rebillRecordResponse, 0, len(records))
	for _, record := range records {
		out = append(out, rebillRecordResponse{
			ID:               record.ID.String(),
			SubscriptionID:   record.SubscriptionID.String(),
			Status:           string(record.Status),
			AttemptNumber:    record.AttemptNumber,
			RetriesRemaining: record.RetriesRemaining,
			Amount:           record.Amount,
			Currency:         record.Currency,
			Provider:         record.Provider,
			PeriodStart:      record.PeriodStart,
			PeriodEnd:        record.PeriodEnd,
			ScheduledAt:      record.ScheduledAt,
			NextRetryAt:      record.NextRetryAt,
			TransactionID:    record.TransactionID,
			FailureCode:      record.FailureCode,
			FailureReason:    record.FailureReason,
			CreatedAt:        record.CreatedAt,
			UpdatedAt:        record.UpdatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"rebills": out})
}

func (s *Server) rebillStats(c *gin.Context) {
	window := 24 * time.Hour
	if raw := c.Query("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
		window = parsed
	}

	stats, err := s.rebillSvc.StatsWindow(c.Request.Context(), window)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"window": window.String(),
		"stats":  stats,
	})
}
