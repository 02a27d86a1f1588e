package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TeacherProfile carries the marketplace state of a teacher account.
// PendingEarnings is credited when a session's payment is confirmed;
// the amount settles into Earnings when the session completes.
type TeacherProfile struct {
	UserID          int64            `json:"user_id"`
	Verified        bool             `json:"verified"`
	HourlyRate      *decimal.Decimal `json:"hourly_rate"`
	PendingEarnings decimal.Decimal  `json:"pending_earnings"`
	Earnings        decimal.Decimal  `json:"earnings"`
	TotalSessions   int              `json:"total_sessions"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}
