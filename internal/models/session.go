package models

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	SessionPendingPayment = "pending_payment"
	SessionConfirmed      = "confirmed"
	SessionInProgress     = "in_progress"
	SessionCompleted      = "completed"
	SessionCancelled      = "cancelled"
	SessionNoShow         = "no_show"
)

const (
	PaymentPending  = "pending"
	PaymentPaid     = "paid"
	PaymentRefunded = "refunded"
)

const (
	ProcessorCard     = "card"
	ProcessorRegional = "regional"
)

type Session struct {
	ID               int64           `json:"id"`
	StudentID        int64           `json:"student_id"`
	TeacherID        int64           `json:"teacher_id"`
	Subject          string          `json:"subject"`
	ScheduledAt      time.Time       `json:"scheduled_at"`
	DurationMinutes  int             `json:"duration_minutes"`
	Status           string          `json:"status"`
	Amount           decimal.Decimal `json:"amount"`
	Currency         string          `json:"currency"`
	PaymentStatus    string          `json:"payment_status"`
	PaymentReference *string         `json:"payment_reference,omitempty"`
	RoomID           string          `json:"room_id"`
	EarningsSettled  bool            `json:"-"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// PaymentRecord is the audit trail of one charge attempt against a session.
// Rows are created when a charge is opened and mutated only by a verified
// confirmation or a refund outcome; they are never deleted.
type PaymentRecord struct {
	ID                int64           `json:"id"`
	SessionID         int64           `json:"session_id"`
	Processor         string          `json:"processor"`
	ExternalOrderID   string          `json:"external_order_id"`
	ExternalPaymentID *string         `json:"external_payment_id,omitempty"`
	Amount            decimal.Decimal `json:"amount"`
	Currency          string          `json:"currency"`
	Status            string          `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
}

const (
	ChargePending   = "pending"
	ChargeSucceeded = "succeeded"
	ChargeFailed    = "failed"
	ChargeRefunded  = "refunded"
)

type SessionDetail struct {
	Session
	Payment *PaymentRecord `json:"payment,omitempty"`
}
