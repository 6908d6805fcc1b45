package stripe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/billingworks/rebill/internal/gateway/domain"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) domain.Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client, err := NewFactory().NewClient(domain.AdapterConfig{
		APIKey:   "sk_test_123",
		Endpoint: srv.URL,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestChargeSendsIdempotencyKeyHeader(t *testing.T) {
	var gotKey, gotAuth, gotMethod string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotMethod = r.PostForm.Get("payment_method")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"pi_123","status":"succeeded"}`))
	})

	result, err := client.Charge(context.Background(), domain.ChargeRequest{
		IdempotencyKey: "rebill-1-2-1",
		Token:          "pm_stored",
		Amount:         1999,
		Currency:       "USD",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected success, got failure %s", result.FailureCode)
	}
	if result.TransactionID != "pi_123" {
		t.Fatalf("expected transaction pi_123, got %s", result.TransactionID)
	}
	if gotKey != "rebill-1-2-1" {
		t.Fatalf("expected idempotency key on header, got %q", gotKey)
	}
	if gotAuth != "Bearer sk_test_123" {
		t.Fatalf("expected bearer auth, got %q", gotAuth)
	}
	if gotMethod != "pm_stored" {
		t.Fatalf("expected stored payment method, got %q", gotMethod)
	}
}

func TestChargeMapsDeclineResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":{"code":"card_declined","decline_code":"insufficient_funds","message":"Your card has insufficient funds."}}`))
	})

	result, err := client.Charge(context.Background(), domain.ChargeRequest{
		IdempotencyKey: "rebill-1-2-1",
		Token:          "pm_stored",
		Amount:         1999,
		Currency:       "USD",
	})
	if err != nil {
		t.Fatalf("charge: %v", err)
	}
	if result.Success {
		t.Fatal("expected decline")
	}
	if result.FailureCode != domain.FailureCodeInsufficientFunds {
		t.Fatalf("expected INSUFFICIENT_FUNDS, got %s", result.FailureCode)
	}
	if result.FailureReason != "Your card has insufficient funds." {
		t.Fatalf("unexpected reason %q", result.FailureReason)
	}
}

func TestChargeServerErrorIsNotADecline(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := client.Charge(context.Background(), domain.ChargeRequest{
		IdempotencyKey: "rebill-1-2-1",
		Token:          "pm_stored",
		Amount:         1999,
		Currency:       "USD",
	})
	if err == nil {
		t.Fatal("expected error for 5xx response")
	}
}

func TestMapDecline(t *testing.T) {
	tests := []struct {
		code        string
		declineCode string
		want        domain.FailureCode
	}{
		{"card_declined", "insufficient_funds", domain.FailureCodeInsufficientFunds},
		{"card_declined", "expired_card", domain.FailureCodeCardExpired},
		{"expired_card", "", domain.FailureCodeCardExpired},
		{"card_declined", "", domain.FailureCodeCardDeclined},
		{"payment_method_invalid", "", domain.FailureCodeInvalidToken},
		{"resource_missing", "", domain.FailureCodeInvalidToken},
		{"processing_error", "", domain.FailureCodeProcessingError},
		{"rate_limit", "", domain.FailureCodeProcessingError},
		{"something_new", "", domain.FailureCodeCardDeclined},
	}
	for _, tt := range tests {
		if got := mapDecline(tt.code, tt.declineCode); got != tt.want {
			t.Fatalf("mapDecline(%q, %q) = %s, want %s", tt.code, tt.declineCode, got, tt.want)
		}
	}
}
