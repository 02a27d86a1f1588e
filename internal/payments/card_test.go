package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
)

func signedCardWebhook(secret string, signedAt time.Time, body string) (string, string) {
	ts := signedAt.Unix()
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts, body)
	header := fmt.Sprintf("t=%d,v1=%s", ts, hex.EncodeToString(mac.Sum(nil)))
	return body, header
}

func newTestCardGateway(webhookSecret string, now time.Time) *CardGateway {
	gateway := NewCardGateway("sk_test_key", webhookSecret)
	gateway.now = func() time.Time { return now }
	return gateway
}

func TestCardVerifyConfirmation(t *testing.T) {
	const secret = "whsec_test"
	now := time.Date(2031, 1, 10, 12, 0, 0, 0, time.UTC)
	gateway := newTestCardGateway(secret, now)

	payload := `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_abc123","amount":5000,"currency":"usd"}}}`
	body, header := signedCardWebhook(secret, now, payload)

	event, err := gateway.VerifyConfirmation([]byte(body), header)
	if err != nil {
		t.Fatalf("VerifyConfirmation: %v", err)
	}
	if event == nil {
		t.Fatal("expected a confirmation event")
	}
	if event.Processor != models.ProcessorCard {
		t.Fatalf("expected card processor, got %q", event.Processor)
	}
	if event.PaymentReference != "pi_abc123" || event.ExternalPaymentID != "pi_abc123" {
		t.Fatalf("unexpected references: %+v", event)
	}
	if !event.Amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected amount 50 from 5000 minor units, got %s", event.Amount)
	}
	if event.Currency != "USD" {
		t.Fatalf("expected USD, got %q", event.Currency)
	}
}

func TestCardVerifyConfirmationRejectsTamperedBody(t *testing.T) {
	const secret = "whsec_test"
	now := time.Date(2031, 1, 10, 12, 0, 0, 0, time.UTC)
	gateway := newTestCardGateway(secret, now)

	payload := `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_abc123","amount":5000,"currency":"usd"}}}`
	_, header := signedCardWebhook(secret, now, payload)

	tampered := `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_evil","amount":1,"currency":"usd"}}}`
	if _, err := gateway.VerifyConfirmation([]byte(tampered), header); !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification for tampered body, got %v", err)
	}
}

func TestCardVerifyConfirmationRejectsWrongSecret(t *testing.T) {
	now := time.Date(2031, 1, 10, 12, 0, 0, 0, time.UTC)
	gateway := newTestCardGateway("whsec_real", now)

	payload := `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_abc123","amount":5000,"currency":"usd"}}}`
	body, header := signedCardWebhook("whsec_wrong", now, payload)

	if _, err := gateway.VerifyConfirmation([]byte(body), header); !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification for wrong secret, got %v", err)
	}
}

func TestCardVerifyConfirmationRejectsStaleTimestamp(t *testing.T) {
	const secret = "whsec_test"
	now := time.Date(2031, 1, 10, 12, 0, 0, 0, time.UTC)
	gateway := newTestCardGateway(secret, now)

	payload := `{"type":"payment_intent.succeeded","data":{"object":{"id":"pi_abc123","amount":5000,"currency":"usd"}}}`
	body, header := signedCardWebhook(secret, now.Add(-10*time.Minute), payload)

	if _, err := gateway.VerifyConfirmation([]byte(body), header); !errors.Is(err, ErrVerification) {
		t.Fatalf("expected ErrVerification for stale timestamp, got %v", err)
	}
}

func TestCardVerifyConfirmationRejectsMalformedHeader(t *testing.T) {
	gateway := newTestCardGateway("whsec_test", time.Now())

	for _, header := range []string{"", "t=abc,v1=00", "v1=00", "t=12345"} {
		if _, err := gateway.VerifyConfirmation([]byte("{}"), header); !errors.Is(err, ErrVerification) {
			t.Fatalf("header %q: expected ErrVerification, got %v", header, err)
		}
	}
}

func TestCardVerifyConfirmationIgnoresOtherEventTypes(t *testing.T) {
	const secret = "whsec_test"
	now := time.Date(2031, 1, 10, 12, 0, 0, 0, time.UTC)
	gateway := newTestCardGateway(secret, now)

	payload := `{"type":"payment_intent.created","data":{"object":{"id":"pi_abc123","amount":5000,"currency":"usd"}}}`
	body, header := signedCardWebhook(secret, now, payload)

	event, err := gateway.VerifyConfirmation([]byte(body), header)
	if err != nil {
		t.Fatalf("VerifyConfirmation: %v", err)
	}
	if event != nil {
		t.Fatalf("expected ignored event to yield nil, got %+v", event)
	}
}

func TestCardCreateCharge(t *testing.T) {
	var gotPath, gotAuth, gotAmount, gotCurrency string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotAmount = r.PostForm.Get("amount")
		gotCurrency = r.PostForm.Get("currency")
		fmt.Fprint(w, `{"id":"pi_server_1","client_secret":"pi_server_1_secret_x"}`)
	}))
	defer server.Close()

	gateway := NewCardGateway("sk_test_key", "whsec_test")
	gateway.baseURL = server.URL
	gateway.httpClient = server.Client()

	charge, err := gateway.CreateCharge(context.Background(), 42, decimal.NewFromFloat(49.50), "USD")
	if err != nil {
		t.Fatalf("CreateCharge: %v", err)
	}
	if charge.OrderID != "pi_server_1" || charge.ClientSecret != "pi_server_1_secret_x" {
		t.Fatalf("unexpected charge: %+v", charge)
	}
	if gotPath != "/v1/payment_intents" {
		t.Fatalf("expected payment intents path, got %q", gotPath)
	}
	if gotAuth != "Bearer sk_test_key" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if gotAmount != "4950" {
		t.Fatalf("expected 4950 minor units, got %q", gotAmount)
	}
	if gotCurrency != "usd" {
		t.Fatalf("expected lowercased currency, got %q", gotCurrency)
	}
}

func TestCardCreateChargeSurfacesAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"invalid key"}}`, http.StatusUnauthorized)
	}))
	defer server.Close()

	gateway := NewCardGateway("sk_bad_key", "whsec_test")
	gateway.baseURL = server.URL
	gateway.httpClient = server.Client()

	if _, err := gateway.CreateCharge(context.Background(), 42, decimal.NewFromInt(10), "USD"); err == nil {
		t.Fatal("expected an error for a non-2xx response")
	}
}
