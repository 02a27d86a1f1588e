package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
)

type TeacherProfileRepository struct {
	db DBTX
}

func NewTeacherProfileRepository(db DBTX) *TeacherProfileRepository {
	return &TeacherProfileRepository{db: db}
}

func (r *TeacherProfileRepository) Create(ctx context.Context, profile *models.TeacherProfile) error {
	query := `
		INSERT INTO teacher_profiles (user_id, verified, hourly_rate)
		VALUES ($1, $2, $3)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query, profile.UserID, profile.Verified, profile.HourlyRate).
		Scan(&profile.CreatedAt, &profile.UpdatedAt)
}

func (r *TeacherProfileRepository) GetByUserID(ctx context.Context, userID int64) (*models.TeacherProfile, error) {
	query := `
		SELECT user_id, verified, hourly_rate, pending_earnings, earnings, total_sessions, created_at, updated_at
		FROM teacher_profiles
		WHERE user_id = $1
	`
	var profile models.TeacherProfile
	err := r.db.QueryRow(ctx, query, userID).Scan(
		&profile.UserID,
		&profile.Verified,
		&profile.HourlyRate,
		&profile.PendingEarnings,
		&profile.Earnings,
		&profile.TotalSessions,
		&profile.CreatedAt,
		&profile.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// CreditPendingEarnings adds a confirmed payment's amount to the teacher's
// pending balance. Idempotence is the caller's responsibility: it must run in
// the same transaction as the payment-status check-and-set.
func (r *TeacherProfileRepository) CreditPendingEarnings(
	ctx context.Context,
	userID int64,
	amount decimal.Decimal,
) error {
	query := `
		UPDATE teacher_profiles
		SET pending_earnings = pending_earnings + $2, updated_at = NOW()
		WHERE user_id = $1
	`
	tag, err := r.db.Exec(ctx, query, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// SettleEarnings moves a completed session's amount from pending to settled
// earnings and bumps the session counter.
func (r *TeacherProfileRepository) SettleEarnings(
	ctx context.Context,
	userID int64,
	amount decimal.Decimal,
) error {
	query := `
		UPDATE teacher_profiles
		SET pending_earnings = pending_earnings - $2,
			earnings = earnings + $2,
			total_sessions = total_sessions + 1,
			updated_at = NOW()
		WHERE user_id = $1
	`
	tag, err := r.db.Exec(ctx, query, userID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
