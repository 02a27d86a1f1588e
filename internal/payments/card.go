package payments

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
)

const (
	cardAPIBaseURL         = "https://api.stripe.com"
	webhookSignatureScheme = "v1"
	webhookTolerance       = 5 * time.Minute
)

// CardGateway talks the Stripe wire format: payment intents for charges and
// signed webhooks for confirmations.
type CardGateway struct {
	secretKey     string
	webhookSecret string
	baseURL       string
	httpClient    *http.Client
	now           func() time.Time
}

func NewCardGateway(secretKey, webhookSecret string) *CardGateway {
	return &CardGateway{
		secretKey:     secretKey,
		webhookSecret: webhookSecret,
		baseURL:       cardAPIBaseURL,
		httpClient:    http.DefaultClient,
		now:           time.Now,
	}
}

func (g *CardGateway) Processor() string { return models.ProcessorCard }

func (g *CardGateway) CreateCharge(
	ctx context.Context,
	sessionID int64,
	amount decimal.Decimal,
	currency string,
) (*Charge, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(minorUnits(amount), 10))
	form.Set("currency", strings.ToLower(currency))
	form.Set("metadata[session_id]", strconv.FormatInt(sessionID, 10))

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		g.baseURL+"/v1/payment_intents",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("build charge request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("create charge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("create charge: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var intent struct {
		ID           string `json:"id"`
		ClientSecret string `json:"client_secret"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&intent); err != nil {
		return nil, fmt.Errorf("decode charge response: %w", err)
	}

	return &Charge{OrderID: intent.ID, ClientSecret: intent.ClientSecret}, nil
}

// VerifyConfirmation checks the webhook signature header against the raw
// payload bytes before any structural decoding. The header carries
// "t=<unix>,v1=<hex hmac>" elements; the MAC covers "<t>.<raw body>".
func (g *CardGateway) VerifyConfirmation(rawBody []byte, signatureHeader string) (*ConfirmationEvent, error) {
	timestamp, candidates, err := parseSignatureHeader(signatureHeader)
	if err != nil {
		return nil, ErrVerification
	}

	mac := hmac.New(sha256.New, []byte(g.webhookSecret))
	mac.Write([]byte(strconv.FormatInt(timestamp, 10)))
	mac.Write([]byte("."))
	mac.Write(rawBody)
	expected := mac.Sum(nil)

	verified := false
	for _, candidate := range candidates {
		decoded, err := hex.DecodeString(candidate)
		if err != nil {
			continue
		}
		if hmac.Equal(expected, decoded) {
			verified = true
			break
		}
	}
	if !verified {
		return nil, ErrVerification
	}

	age := g.now().Sub(time.Unix(timestamp, 0))
	if age > webhookTolerance || age < -webhookTolerance {
		return nil, ErrVerification
	}

	var event struct {
		Type string `json:"type"`
		Data struct {
			Object struct {
				ID       string `json:"id"`
				Amount   int64  `json:"amount"`
				Currency string `json:"currency"`
			} `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}

	if event.Type != "payment_intent.succeeded" {
		return nil, nil
	}

	return &ConfirmationEvent{
		Processor:         models.ProcessorCard,
		PaymentReference:  event.Data.Object.ID,
		ExternalPaymentID: event.Data.Object.ID,
		Amount:            decimal.New(event.Data.Object.Amount, -2),
		Currency:          strings.ToUpper(event.Data.Object.Currency),
	}, nil
}

func (g *CardGateway) RequestRefund(ctx context.Context, paymentReference string) error {
	form := url.Values{}
	form.Set("payment_intent", paymentReference)

	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodPost,
		g.baseURL+"/v1/refunds",
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return fmt.Errorf("build refund request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

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

func parseSignatureHeader(header string) (int64, []string, error) {
	var (
		timestamp  int64
		candidates []string
		haveTS     bool
	)
	for _, element := range strings.Split(header, ",") {
		parts := strings.SplitN(strings.TrimSpace(element), "=", 2)
		if len(parts) != 2 {
			continue
		}
		switch parts[0] {
		case "t":
			ts, err := strconv.ParseInt(parts[1], 10, 64)
			if err != nil {
				return 0, nil, err
			}
			timestamp = ts
			haveTS = true
		case webhookSignatureScheme:
			candidates = append(candidates, parts[1])
		}
	}
	if !haveTS || len(candidates) == 0 {
		return 0, nil, fmt.Errorf("malformed signature header")
	}
	return timestamp, candidates, nil
}
