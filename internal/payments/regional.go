package payments

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
)

const regionalAPIBaseURL = "https://api.razorpay.com"

// RegionalGateway talks the Razorpay wire format: orders for charges and a
// client-posted HMAC over "order_id|payment_id" for confirmations.
type RegionalGateway struct {
	keyID      string
	keySecret  string
	baseURL    string
	httpClient *http.Client
}

func NewRegionalGateway(keyID, keySecret string) *RegionalGateway {
	return &RegionalGateway{
		keyID:      keyID,
		keySecret:  keySecret,
		baseURL:    regionalAPIBaseURL,
		httpClient: http.DefaultClient,
	}
}

func (g *RegionalGateway) Processor() string { return models.ProcessorRegional }

func (g *RegionalGateway) CreateCharge(
	ctx context.Context,
	sessionID int64,
	amount decimal.Decimal,
	currency string,
) (*Charge, error) {
	payload, err := json.Marshal(map[string]any{
		"amount":   minorUnits(amount),
		"currency": strings.ToUpper(currency),
		"receipt":  fmt.Sprintf("session_%d_%d", sessionID, time.Now().UnixMilli()),
		"notes":    map[string]string{"session_id": fmt.Sprintf("%d", sessionID)},
	})
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		g.baseURL+"/v1/orders",
		bytes.NewReader(payload),
	)
	if err != nil {
		return nil, fmt.Errorf("build order request: %w", err)
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("create order: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var order struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("decode order response: %w", err)
	}

	// The client-side checkout needs the order id and the public key id.
	return &Charge{OrderID: order.ID, ClientSecret: order.ID + ":" + g.keyID}, nil
}

// VerifyConfirmation authenticates a client-posted verification body. The
// signature is hex HMAC-SHA256 over "order_id|payment_id" with the shared key
// secret, so the ids must be lifted out of the payload before the MAC can be
// recomputed; the compare is constant-time.
func (g *RegionalGateway) VerifyConfirmation(rawBody []byte, signatureHeader string) (*ConfirmationEvent, error) {
	var confirmation struct {
		OrderID   string          `json:"order_id"`
		PaymentID string          `json:"payment_id"`
		Signature string          `json:"signature"`
		SessionID int64           `json:"session_id"`
		Amount    decimal.Decimal `json:"amount"`
	}
	if err := json.Unmarshal(rawBody, &confirmation); err != nil {
		return nil, ErrVerification
	}

	signature := confirmation.Signature
	if signatureHeader != "" {
		signature = signatureHeader
	}
	if confirmation.OrderID == "" || confirmation.PaymentID == "" || signature == "" {
		return nil, ErrVerification
	}

	mac := hmac.New(sha256.New, []byte(g.keySecret))
	mac.Write([]byte(confirmation.OrderID))
	mac.Write([]byte("|"))
	mac.Write([]byte(confirmation.PaymentID))
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(signature)
	if err != nil || !hmac.Equal(expected, provided) {
		return nil, ErrVerification
	}

	return &ConfirmationEvent{
		Processor:         models.ProcessorRegional,
		PaymentReference:  confirmation.OrderID,
		ExternalPaymentID: confirmation.PaymentID,
		Amount:            confirmation.Amount,
		Currency:          "INR",
	}, nil
}

func (g *RegionalGateway) RequestRefund(ctx context.Context, paymentReference string) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		fmt.Sprintf("%s/v1/payments/%s/refund", g.baseURL, paymentReference),
		strings.NewReader("{}"),
	)
	if err != nil {
		return fmt.Errorf("build refund request: %w", err)
	}
	req.SetBasicAuth(g.keyID, g.keySecret)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request refund: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("request refund: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}
