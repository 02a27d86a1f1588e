package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
)

var (
	// ErrVerification means the confirmation payload failed authenticity
	// checks; callers must reject it without touching any session state.
	ErrVerification = errors.New("signature verification failed")
)

// Charge is the handle returned when a gateway opens a pending charge. The
// client finishes payment out-of-band with ClientSecret (card) or the order
// token (regional).
type Charge struct {
	OrderID      string
	ClientSecret string
}

// ConfirmationEvent is a verified, parsed notification that a charge
// succeeded. PaymentReference matches sessions.payment_reference.
type ConfirmationEvent struct {
	Processor         string
	PaymentReference  string
	ExternalPaymentID string
	Amount            decimal.Decimal
	Currency          string
}

type Gateway interface {
	Processor() string
	CreateCharge(ctx context.Context, sessionID int64, amount decimal.Decimal, currency string) (*Charge, error)
	// VerifyConfirmation authenticates the untransformed payload bytes and
	// only then parses them. A nil event with a nil error is a verified
	// notification the caller should acknowledge but ignore.
	VerifyConfirmation(rawBody []byte, signatureHeader string) (*ConfirmationEvent, error)
	RequestRefund(ctx context.Context, paymentReference string) error
}

type Registry struct {
	gateways map[string]Gateway
}

func NewRegistry(gateways ...Gateway) *Registry {
	byName := make(map[string]Gateway, len(gateways))
	for _, gw := range gateways {
		byName[gw.Processor()] = gw
	}
	return &Registry{gateways: byName}
}

func (r *Registry) ForProcessor(processor string) (Gateway, error) {
	if gw, ok := r.gateways[processor]; ok {
		return gw, nil
	}
	return nil, fmt.Errorf("unknown payment processor %q", processor)
}

func (r *Registry) Card() (Gateway, error)     { return r.ForProcessor(models.ProcessorCard) }
func (r *Registry) Regional() (Gateway, error) { return r.ForProcessor(models.ProcessorRegional) }

// minorUnits converts a decimal amount to the integer minor-unit
// representation both processors expect on the wire.
func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
