package repository

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
)

const paymentColumns = `id, session_id, processor, external_order_id, external_payment_id,
	amount, currency, status, created_at`

type CreatePaymentInput struct {
	SessionID       int64
	Processor       string
	ExternalOrderID string
	Amount          decimal.Decimal
	Currency        string
}

type PaymentRepository struct {
	db DBTX
}

func NewPaymentRepository(db DBTX) *PaymentRepository {
	return &PaymentRepository{db: db}
}

func scanPayment(row interface{ Scan(dest ...any) error }) (*models.PaymentRecord, error) {
	var payment models.PaymentRecord
	err := row.Scan(
		&payment.ID,
		&payment.SessionID,
		&payment.Processor,
		&payment.ExternalOrderID,
		&payment.ExternalPaymentID,
		&payment.Amount,
		&payment.Currency,
		&payment.Status,
		&payment.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *PaymentRepository) Create(ctx context.Context, input CreatePaymentInput) (*models.PaymentRecord, error) {
	query := `
		INSERT INTO payments (session_id, processor, external_order_id, amount, currency, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		RETURNING ` + paymentColumns
	return scanPayment(r.db.QueryRow(
		ctx,
		query,
		input.SessionID,
		input.Processor,
		input.ExternalOrderID,
		input.Amount,
		input.Currency,
	))
}

func (r *PaymentRepository) GetBySessionID(ctx context.Context, sessionID int64) (*models.PaymentRecord, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT 1
	`
	return scanPayment(r.db.QueryRow(ctx, query, sessionID))
}

func (r *PaymentRepository) GetBySessionIDForUpdate(ctx context.Context, sessionID int64) (*models.PaymentRecord, error) {
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE session_id = $1
		ORDER BY id DESC
		LIMIT 1
		FOR UPDATE
	`
	return scanPayment(r.db.QueryRow(ctx, query, sessionID))
}

func (r *PaymentRepository) ListBySessionIDs(ctx context.Context, sessionIDs []int64) (map[int64]models.PaymentRecord, error) {
	payments := make(map[int64]models.PaymentRecord, len(sessionIDs))
	if len(sessionIDs) == 0 {
		return payments, nil
	}

	query := `
		SELECT DISTINCT ON (session_id) ` + paymentColumns + `
		FROM payments
		WHERE session_id = ANY($1)
		ORDER BY session_id, id DESC
	`

	rows, err := r.db.Query(ctx, query, sessionIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		payment, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments[payment.SessionID] = *payment
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return payments, nil
}

func (r *PaymentRepository) UpdateStatusIfCurrent(
	ctx context.Context,
	paymentID int64,
	currentStatus string,
	nextStatus string,
) (*models.PaymentRecord, error) {
	query := `
		UPDATE payments
		SET status = $3
		WHERE id = $1 AND status = $2
		RETURNING ` + paymentColumns
	return scanPayment(r.db.QueryRow(ctx, query, paymentID, currentStatus, nextStatus))
}

func (r *PaymentRepository) SetExternalPaymentID(
	ctx context.Context,
	paymentID int64,
	externalPaymentID string,
) error {
	query := `
		UPDATE payments
		SET external_payment_id = $2
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, paymentID, externalPaymentID)
	return err
}

// EnqueueRefundFailure records a refund the gateway could not execute so an
// operator can pick it up; cancellation itself is never rolled back for this.
func (r *PaymentRepository) EnqueueRefundFailure(
	ctx context.Context,
	sessionID int64,
	paymentReference string,
	lastError string,
) error {
	query := `
		INSERT INTO refund_requests (session_id, payment_reference, last_error, status)
		VALUES ($1, $2, $3, 'queued')
	`
	_, err := r.db.Exec(ctx, query, sessionID, paymentReference, lastError)
	return err
}
