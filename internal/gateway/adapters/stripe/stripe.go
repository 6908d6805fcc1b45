package stripe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/billingworks/rebill/internal/gateway/domain"
)

const defaultEndpoint = "https://api.stripe.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "stripe"
}

func (f *Factory) Kind() domain.ProviderKind {
	return domain.ProviderKindToken
}

func (f *Factory) NewClient(cfg domain.AdapterConfig) (domain.Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, domain.ErrInvalidConfig
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = defaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		apiKey:   apiKey,
		endpoint: strings.TrimRight(endpoint, "/"),
		httpc:    &http.Client{Timeout: timeout},
	}, nil
}

type Client struct {
	apiKey   string
	endpoint string
	httpc    *http.Client
}

func (c *Client) Provider() string {
	return "stripe"
}

// Charge creates an off-session payment intent against a stored payment
// method. The idempotency key rides the Idempotency-Key header, which Stripe
// dedupes server-side.
func (c *Client) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", strings.ToLower(req.Currency))
	form.Set("payment_method", req.Token)
	form.Set("confirm", "true")
	form.Set("off_session", "true")
	for key, value := range req.Metadata {
		form.Set(fmt.Sprintf("metadata[%s]", key), value)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("stripe: unexpected status %d", resp.StatusCode)
	}

	if resp.StatusCode == http.StatusOK {
		var intent paymentIntent
		if err := json.Unmarshal(body, &intent); err != nil {
			return nil, fmt.Errorf("stripe: decode response: %w", err)
		}
		if intent.Status == "succeeded" {
			return &domain.ChargeResult{
				Success:       true,
				TransactionID: intent.ID,
				RawResponse:   body,
			}, nil
		}
		return declineResult(intent.LastPaymentError.Code, intent.LastPaymentError.DeclineCode, intent.LastPaymentError.Message, body), nil
	}

	var failure errorEnvelope
	if err := json.Unmarshal(body, &failure); err != nil {
		return nil, fmt.Errorf("stripe: decode error response: %w", err)
	}
	return declineResult(failure.Error.Code, failure.Error.DeclineCode, failure.Error.Message, body), nil
}

func declineResult(code, declineCode, message string, raw []byte) *domain.ChargeResult {
	reason := strings.TrimSpace(message)
	if reason == "" {
		reason = "payment declined"
	}
	return &domain.ChargeResult{
		Success:       false,
		FailureCode:   mapDecline(code, declineCode),
		FailureReason: reason,
		RawResponse:   raw,
	}
}

func mapDecline(code, declineCode string) domain.FailureCode {
	switch strings.TrimSpace(declineCode) {
	case "insufficient_funds":
		return domain.FailureCodeInsufficientFunds
	case "expired_card":
		return domain.FailureCodeCardExpired
	}
	switch strings.TrimSpace(code) {
	case "expired_card":
		return domain.FailureCodeCardExpired
	case "card_declined":
		return domain.FailureCodeCardDeclined
	case "payment_method_unactivated", "payment_method_invalid", "resource_missing":
		return domain.FailureCodeInvalidToken
	case "processing_error", "rate_limit":
		return domain.FailureCodeProcessingError
	default:
		return domain.FailureCodeCardDeclined
	}
}

type paymentIntent struct {
	ID               string `json:"id"`
	Status           string `json:"status"`
	LastPaymentError struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"last_payment_error"`
}

type errorEnvelope struct {
	Error struct {
		Code        string `json:"code"`
		DeclineCode string `json:"decline_code"`
		Message     string `json:"message"`
	} `json:"error"`
}
