package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
)

const sessionColumns = `id, student_id, teacher_id, subject, scheduled_at, duration_min, status,
	amount, currency, payment_status, payment_reference, room_id, earnings_settled, created_at, updated_at`

type CreateSessionInput struct {
	StudentID       int64
	TeacherID       int64
	Subject         string
	ScheduledAt     time.Time
	DurationMinutes int
	Amount          decimal.Decimal
	Currency        string
	RoomID          string
}

type SessionListFilter struct {
	ActorID   int64
	Role      string
	Status    string
	Timeframe string
}

type SessionRepository struct {
	db DBTX
}

func NewSessionRepository(db DBTX) *SessionRepository {
	return &SessionRepository{db: db}
}

func scanSession(row interface{ Scan(dest ...any) error }) (*models.Session, error) {
	var session models.Session
	err := row.Scan(
		&session.ID,
		&session.StudentID,
		&session.TeacherID,
		&session.Subject,
		&session.ScheduledAt,
		&session.DurationMinutes,
		&session.Status,
		&session.Amount,
		&session.Currency,
		&session.PaymentStatus,
		&session.PaymentReference,
		&session.RoomID,
		&session.EarningsSettled,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &session, nil
}

func (r *SessionRepository) Create(
	ctx context.Context,
	input CreateSessionInput,
) (*models.Session, error) {
	query := fmt.Sprintf(`
		INSERT INTO sessions (student_id, teacher_id, subject, scheduled_at, duration_min,
			status, amount, currency, payment_status, room_id)
		VALUES ($1, $2, $3, $4, $5, 'pending_payment', $6, $7, 'pending', $8)
		RETURNING %s
	`, sessionColumns)

	return scanSession(r.db.QueryRow(
		ctx,
		query,
		input.StudentID,
		input.TeacherID,
		input.Subject,
		input.ScheduledAt,
		input.DurationMinutes,
		input.Amount,
		input.Currency,
		input.RoomID,
	))
}

func (r *SessionRepository) GetByID(ctx context.Context, sessionID int64) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID))
}

func (r *SessionRepository) GetByIDForUpdate(
	ctx context.Context,
	sessionID int64,
) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE id = $1 FOR UPDATE`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID))
}

func (r *SessionRepository) GetByPaymentReferenceForUpdate(
	ctx context.Context,
	paymentReference string,
) (*models.Session, error) {
	query := fmt.Sprintf(`SELECT %s FROM sessions WHERE payment_reference = $1 FOR UPDATE`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, paymentReference))
}

func (r *SessionRepository) List(
	ctx context.Context,
	filter SessionListFilter,
) ([]models.Session, error) {
	actorColumn := "student_id"
	if filter.Role == models.RoleTeacher {
		actorColumn = "teacher_id"
	}

	args := []any{filter.ActorID}
	whereParts := []string{fmt.Sprintf("%s = $1", actorColumn)}

	if status := strings.TrimSpace(filter.Status); status != "" {
		args = append(args, status)
		whereParts = append(whereParts, fmt.Sprintf("status = $%d", len(args)))
	}

	switch strings.TrimSpace(filter.Timeframe) {
	case "upcoming":
		whereParts = append(
			whereParts,
			"(scheduled_at + (duration_min * INTERVAL '1 minute')) > NOW()",
		)
	case "past":
		whereParts = append(
			whereParts,
			"(scheduled_at + (duration_min * INTERVAL '1 minute')) <= NOW()",
		)
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM sessions
		WHERE %s
		ORDER BY scheduled_at ASC, id ASC
	`, sessionColumns, strings.Join(whereParts, " AND "))

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := make([]models.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return sessions, nil
}

// UpdateStatusIfCurrent is the check-and-set every transition goes through:
// the update applies only when the row still holds the expected status, so two
// interleaved requests cannot both win the same transition.
func (r *SessionRepository) UpdateStatusIfCurrent(
	ctx context.Context,
	sessionID int64,
	currentStatus string,
	nextStatus string,
) (*models.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
		RETURNING %s
	`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID, currentStatus, nextStatus))
}

func (r *SessionRepository) SetPaymentReference(
	ctx context.Context,
	sessionID int64,
	paymentReference string,
) error {
	query := `
		UPDATE sessions
		SET payment_reference = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, sessionID, paymentReference)
	return err
}

// ConfirmPaymentIfPending flips both the session status and the payment status
// in a single check-and-set.
func (r *SessionRepository) ConfirmPaymentIfPending(
	ctx context.Context,
	sessionID int64,
) (*models.Session, error) {
	query := fmt.Sprintf(`
		UPDATE sessions
		SET status = 'confirmed', payment_status = 'paid', updated_at = NOW()
		WHERE id = $1 AND status = 'pending_payment' AND payment_status = 'pending'
		RETURNING %s
	`, sessionColumns)
	return scanSession(r.db.QueryRow(ctx, query, sessionID))
}

func (r *SessionRepository) SetPaymentStatus(
	ctx context.Context,
	sessionID int64,
	paymentStatus string,
) error {
	query := `
		UPDATE sessions
		SET payment_status = $2, updated_at = NOW()
		WHERE id = $1
	`
	_, err := r.db.Exec(ctx, query, sessionID, paymentStatus)
	return err
}

// MarkEarningsSettled returns true exactly once per session; duplicate
// completion deliveries find the flag already set and skip the credit.
func (r *SessionRepository) MarkEarningsSettled(ctx context.Context, sessionID int64) (bool, error) {
	query := `
		UPDATE sessions
		SET earnings_settled = TRUE, updated_at = NOW()
		WHERE id = $1 AND earnings_settled = FALSE
	`
	tag, err := r.db.Exec(ctx, query, sessionID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *SessionRepository) HasConflict(
	ctx context.Context,
	teacherID int64,
	requestedTime time.Time,
	durationMinutes int,
) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1
			FROM sessions
			WHERE teacher_id = $1
			  AND status NOT IN ('cancelled', 'no_show')
			  AND scheduled_at < ($2::timestamptz + ($3::int * INTERVAL '1 minute'))
			  AND (scheduled_at + (duration_min * INTERVAL '1 minute')) > $2::timestamptz
		)
	`
	var hasConflict bool
	if err := r.db.QueryRow(ctx, query, teacherID, requestedTime, durationMinutes).Scan(&hasConflict); err != nil {
		return false, err
	}
	return hasConflict, nil
}

// ExpireStalePending cancels pending_payment sessions that never received a
// confirmation within the TTL. Returns the cancelled ids.
func (r *SessionRepository) ExpireStalePending(
	ctx context.Context,
	olderThan time.Duration,
) ([]int64, error) {
	query := `
		UPDATE sessions
		SET status = 'cancelled', updated_at = NOW()
		WHERE status = 'pending_payment'
		  AND created_at < NOW() - make_interval(secs => $1)
		RETURNING id
	`
	return r.collectIDs(ctx, query, olderThan.Seconds())
}

// MarkNoShows flags confirmed sessions whose grace window after the scheduled
// start elapsed without anyone joining.
func (r *SessionRepository) MarkNoShows(
	ctx context.Context,
	grace time.Duration,
) ([]int64, error) {
	query := `
		UPDATE sessions
		SET status = 'no_show', updated_at = NOW()
		WHERE status = 'confirmed'
		  AND scheduled_at < NOW() - make_interval(secs => $1)
		RETURNING id
	`
	return r.collectIDs(ctx, query, grace.Seconds())
}

// ListAbandonedInProgressIDs finds in_progress sessions past their scheduled
// end plus the inactivity cutoff; completion itself goes through the service
// so earnings settle correctly.
func (r *SessionRepository) ListAbandonedInProgressIDs(
	ctx context.Context,
	cutoff time.Duration,
) ([]int64, error) {
	query := `
		SELECT id
		FROM sessions
		WHERE status = 'in_progress'
		  AND (scheduled_at + (duration_min * INTERVAL '1 minute')) < NOW() - make_interval(secs => $1)
	`
	return r.collectIDs(ctx, query, cutoff.Seconds())
}

func (r *SessionRepository) collectIDs(ctx context.Context, query string, args ...any) ([]int64, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
