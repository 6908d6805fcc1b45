package braintree

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

const defaultEndpoint = "https://payments.braintree-api.com"

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return "braintree"
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
	return "braintree"
}

type transactionRequest struct {
	PaymentMethodToken string            `json:"payment_method_token"`
	Amount             int64             `json:"amount"`
	CurrencyISOCode    string            `json:"currency_iso_code"`
	IdempotencyKey     string            `json:"idempotency_key"`
	CustomFields       map[string]string `json:"custom_fields,omitempty"`
}

type transactionResponse struct {
	ID                     string `json:"id"`
	Status                 string `json:"status"`
	ProcessorResponseCode  string `json:"processor_response_code"`
	ProcessorResponseText  string `json:"processor_response_text"`
	GatewayRejectionReason string `json:"gateway_rejection_reason"`
}

// Charge submits a transaction sale for a vaulted payment method. Braintree
// dedupes on the idempotency key carried in the request body.
func (c *Client) Charge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	payload, err := json.Marshal(transactionRequest{
		PaymentMethodToken: req.Token,
		Amount:             req.Amount,
		CurrencyISOCode:    strings.ToUpper(req.Currency),
		IdempotencyKey:     req.IdempotencyKey,
		CustomFields:       req.Metadata,
	})
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/transactions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

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
		return nil, fmt.Errorf("braintree: unexpected status %d", resp.StatusCode)
	}

	var txn transactionResponse
	if err := json.Unmarshal(body, &txn); err != nil {
		return nil, fmt.Errorf("braintree: decode response: %w", err)
	}

	switch txn.Status {
	case "submitted_for_settlement", "settled", "settling", "authorized":
		return &domain.ChargeResult{
			Success:       true,
			TransactionID: txn.ID,
			RawResponse:   body,
		}, nil
	}

	reason := strings.TrimSpace(txn.ProcessorResponseText)
	if reason == "" {
		reason = strings.TrimSpace(txn.GatewayRejectionReason)
	}
	if reason == "" {
		reason = "payment declined"
	}
	return &domain.ChargeResult{
		Success:       false,
		FailureCode:   mapProcessorCode(txn.ProcessorResponseCode),
		FailureReason: reason,
		RawResponse:   body,
	}, nil
}

// Processor response codes per Braintree's decline table: 2xxx are soft or
// hard declines, 2001 is insufficient funds, 2004 expired card.
func mapProcessorCode(code string) domain.FailureCode {
	switch strings.TrimSpace(code) {
	case "2001":
		return domain.FailureCodeInsufficientFunds
	case "2004":
		return domain.FailureCodeCardExpired
	case "2007", "2008":
		return domain.FailureCodeInvalidToken
	case "3000":
		return domain.FailureCodeProcessingError
	default:
		return domain.FailureCodeCardDeclined
	}
}
