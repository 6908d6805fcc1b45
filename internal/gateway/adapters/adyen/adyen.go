package adyen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/billingworks/rebill/internal/gateway/domain"
)

const defaultEndpoint = "https://checkout-test.adyen.com/v71"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "adyen"
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
	return "adyen"
}

type paymentRequest struct {
	Amount struct {
		Value    int64  `json:"value"`
		Currency string `json:"currency"`
	} `json:"amount"`
	Reference     string `json:"reference"`
	PaymentMethod struct {
		Type                  string `json:"type"`
		StoredPaymentMethodID string `json:"storedPaymentMethodId"`
	} `json:"paymentMethod"`
	ShopperInteraction     string            `json:"shopperInteraction"`
	RecurringProcessingModel string          `json:"recurringProcessingModel"`
	Metadata               map[string]string `json:"metadata,omitempty"`
}

type paymentResponse struct {
	PspReference  string `json:"pspReference"`
	ResultCode    string `json:"resultCode"`
	RefusalReason string `json:"refusalReason"`
	RefusalReasonCode string `json:"refusalReasonCode"`
}

// Charge submits a merchant-initiated payment against a stored payment
// method. The idempotency key is sent on Adyen's Idempotency-Key header and
// doubles as the payment reference.
func (c *Client) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	var body paymentRequest
	body.Amount.Value = req.Amount
	body.Amount.Currency = strings.ToUpper(req.Currency)
	body.Reference = req.IdempotencyKey
	body.PaymentMethod.Type = "scheme"
	body.PaymentMethod.StoredPaymentMethodID = req.Token
	body.ShopperInteraction = "ContAuth"
	body.RecurringProcessingModel = "Subscription"
	body.Metadata = req.Metadata

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/payments", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("X-API-Key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	resp, err := c.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= http.StatusInternalServerError {
		return nil, fmt.Errorf("adyen: unexpected status %d", resp.StatusCode)
	}

	var payment paymentResponse
	if err := json.Unmarshal(raw, &payment); err != nil {
		return nil, fmt.Errorf("adyen: decode response: %w", err)
	}

	switch payment.ResultCode {
	case "Authorised", "Received":
		return &domain.ChargeResult{
			Success:       true,
			TransactionID: payment.PspReference,
			RawResponse:   raw,
		}, nil
	}

	reason := strings.TrimSpace(payment.RefusalReason)
	if reason == "" {
		reason = "payment refused"
	}
	return &domain.ChargeResult{
		Success:       false,
		FailureCode:   mapRefusal(payment.RefusalReasonCode, payment.RefusalReason),
		FailureReason: reason,
		RawResponse:   raw,
	}, nil
}

func mapRefusal(code, reason string) domain.FailureCode {
	switch strings.TrimSpace(code) {
	case "12":
		return domain.FailureCodeInsufficientFunds
	case "6":
		return domain.FailureCodeCardExpired
	case "8", "15":
		return domain.FailureCodeInvalidToken
	case "10", "14":
		return domain.FailureCodeProcessingError
	}
	if strings.EqualFold(strings.TrimSpace(reason), "Not enough balance") {
		return domain.FailureCodeInsufficientFunds
	}
	return domain.FailureCodeCardDeclined
}
