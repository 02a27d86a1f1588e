package services

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
	"github.com/Shuvikm/batman-ai-mentor/internal/payments"
	"github.com/Shuvikm/batman-ai-mentor/internal/repository"
)

var (
	ErrInvalidInput           = errors.New("invalid input")
	ErrInvalidParticipant     = errors.New("invalid participant")
	ErrTeacherNotFound        = errors.New("teacher not found")
	ErrConflict               = errors.New("scheduling conflict")
	ErrNotAuthorized          = errors.New("not authorized")
	ErrSessionNotReady        = errors.New("session not ready")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrOrphanConfirmation     = errors.New("confirmation references no known session")
)

type accountReader interface {
	GetByID(ctx context.Context, id int64) (*models.Account, error)
}

type teacherProfileReader interface {
	GetByUserID(ctx context.Context, userID int64) (*models.TeacherProfile, error)
}

type SessionService struct {
	db                 *pgxpool.Pool
	sessionRepo        *repository.SessionRepository
	paymentRepo        *repository.PaymentRepository
	accountRepo        accountReader
	teacherProfileRepo teacherProfileReader
	gateways           *payments.Registry
}

func NewSessionService(
	db *pgxpool.Pool,
	sessionRepo *repository.SessionRepository,
	paymentRepo *repository.PaymentRepository,
	accountRepo accountReader,
	teacherProfileRepo teacherProfileReader,
	gateways *payments.Registry,
) *SessionService {
	return &SessionService{
		db:                 db,
		sessionRepo:        sessionRepo,
		paymentRepo:        paymentRepo,
		accountRepo:        accountRepo,
		teacherProfileRepo: teacherProfileRepo,
		gateways:           gateways,
	}
}

type BookSessionInput struct {
	TeacherID       int64
	Subject         string
	ScheduledAt     time.Time
	DurationMinutes int
	Processor       string
}

// BookedSession pairs the created session with the handle the client needs to
// finish payment out-of-band.
type BookedSession struct {
	models.SessionDetail
	ClientSecret string `json:"client_secret"`
}

// JoinInfo is what an admitted participant gets back from a join call.
type JoinInfo struct {
	SessionID       int64  `json:"session_id"`
	RoomID          string `json:"room_id"`
	Role            string `json:"role"`
	PeerDisplayName string `json:"peer_display_name"`
	Subject         string `json:"subject"`
	DurationMinutes int    `json:"duration_minutes"`
}

func (s *SessionService) BookSession(
	ctx context.Context,
	studentID int64,
	input BookSessionInput,
) (*BookedSession, error) {
	if input.TeacherID <= 0 || input.DurationMinutes <= 0 || strings.TrimSpace(input.Subject) == "" {
		return nil, ErrInvalidInput
	}
	if input.ScheduledAt.Before(time.Now().Add(-1 * time.Minute)) {
		return nil, ErrInvalidInput
	}
	if studentID == input.TeacherID {
		return nil, ErrInvalidParticipant
	}

	teacher, err := s.accountRepo.GetByID(ctx, input.TeacherID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTeacherNotFound
		}
		return nil, err
	}
	if teacher.Role != models.RoleTeacher {
		return nil, ErrInvalidParticipant
	}

	profile, err := s.teacherProfileRepo.GetByUserID(ctx, input.TeacherID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrTeacherNotFound
		}
		return nil, err
	}
	if !profile.Verified || profile.HourlyRate == nil || !profile.HourlyRate.IsPositive() {
		return nil, ErrInvalidParticipant
	}

	processor := input.Processor
	if processor == "" {
		processor = models.ProcessorCard
	}
	gateway, err := s.gateways.ForProcessor(processor)
	if err != nil {
		return nil, ErrInvalidInput
	}

	amount := profile.HourlyRate.
		Mul(decimal.NewFromInt(int64(input.DurationMinutes))).
		Div(decimal.NewFromInt(60)).
		Round(2)
	currency := currencyForProcessor(processor)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txSessionRepo := repository.NewSessionRepository(tx)
	txPaymentRepo := repository.NewPaymentRepository(tx)

	// Serializes bookings per teacher so two overlap checks cannot both pass.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", input.TeacherID); err != nil {
		return nil, err
	}

	hasConflict, err := txSessionRepo.HasConflict(
		ctx,
		input.TeacherID,
		input.ScheduledAt.UTC(),
		input.DurationMinutes,
	)
	if err != nil {
		return nil, err
	}
	if hasConflict {
		return nil, ErrConflict
	}

	session, err := txSessionRepo.Create(ctx, repository.CreateSessionInput{
		StudentID:       studentID,
		TeacherID:       input.TeacherID,
		Subject:         strings.TrimSpace(input.Subject),
		ScheduledAt:     input.ScheduledAt.UTC(),
		DurationMinutes: input.DurationMinutes,
		Amount:          amount,
		Currency:        currency,
		RoomID:          uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	charge, err := gateway.CreateCharge(ctx, session.ID, amount, currency)
	if err != nil {
		return nil, err
	}
	if err := txSessionRepo.SetPaymentReference(ctx, session.ID, charge.OrderID); err != nil {
		return nil, err
	}
	session.PaymentReference = &charge.OrderID

	payment, err := txPaymentRepo.Create(ctx, repository.CreatePaymentInput{
		SessionID:       session.ID,
		Processor:       processor,
		ExternalOrderID: charge.OrderID,
		Amount:          amount,
		Currency:        currency,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &BookedSession{
		SessionDetail: models.SessionDetail{Session: *session, Payment: payment},
		ClientSecret:  charge.ClientSecret,
	}, nil
}

// OpenRegionalCharge re-opens payment for an existing pending_payment session
// on the regional processor, replacing the session's payment reference. Each
// attempt leaves its own audit row.
func (s *SessionService) OpenRegionalCharge(
	ctx context.Context,
	actorID int64,
	sessionID int64,
) (*BookedSession, error) {
	gateway, err := s.gateways.Regional()
	if err != nil {
		return nil, ErrInvalidInput
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txSessionRepo := repository.NewSessionRepository(tx)
	txPaymentRepo := repository.NewPaymentRepository(tx)

	session, err := txSessionRepo.GetByIDForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.StudentID != actorID {
		return nil, ErrNotAuthorized
	}
	if session.Status != models.SessionPendingPayment {
		return nil, ErrInvalidStateTransition
	}

	currency := currencyForProcessor(models.ProcessorRegional)
	charge, err := gateway.CreateCharge(ctx, session.ID, session.Amount, currency)
	if err != nil {
		return nil, err
	}
	if err := txSessionRepo.SetPaymentReference(ctx, session.ID, charge.OrderID); err != nil {
		return nil, err
	}
	session.PaymentReference = &charge.OrderID
	session.Currency = currency

	payment, err := txPaymentRepo.Create(ctx, repository.CreatePaymentInput{
		SessionID:       session.ID,
		Processor:       models.ProcessorRegional,
		ExternalOrderID: charge.OrderID,
		Amount:          session.Amount,
		Currency:        currency,
	})
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &BookedSession{
		SessionDetail: models.SessionDetail{Session: *session, Payment: payment},
		ClientSecret:  charge.ClientSecret,
	}, nil
}

// ConfirmPayment applies a verified confirmation event. Re-delivery of a
// confirmation for an already-paid session is a no-op, never a double credit:
// the row lock plus the paid check make the whole transition idempotent.
func (s *SessionService) ConfirmPayment(ctx context.Context, event *payments.ConfirmationEvent) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txSessionRepo := repository.NewSessionRepository(tx)
	txPaymentRepo := repository.NewPaymentRepository(tx)
	txProfileRepo := repository.NewTeacherProfileRepository(tx)

	session, err := txSessionRepo.GetByPaymentReferenceForUpdate(ctx, event.PaymentReference)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOrphanConfirmation
		}
		return err
	}
	if session.PaymentStatus == models.PaymentPaid {
		return nil
	}
	if session.Status != models.SessionPendingPayment {
		return ErrInvalidStateTransition
	}

	if _, err := txSessionRepo.ConfirmPaymentIfPending(ctx, session.ID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidStateTransition
		}
		return err
	}

	payment, err := txPaymentRepo.GetBySessionIDForUpdate(ctx, session.ID)
	if err != nil {
		return err
	}
	if _, err := txPaymentRepo.UpdateStatusIfCurrent(ctx, payment.ID, models.ChargePending, models.ChargeSucceeded); err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
	}
	if event.ExternalPaymentID != "" {
		if err := txPaymentRepo.SetExternalPaymentID(ctx, payment.ID, event.ExternalPaymentID); err != nil {
			return err
		}
	}

	if err := txProfileRepo.CreditPendingEarnings(ctx, session.TeacherID, session.Amount); err != nil {
		return err
	}

	return tx.Commit(ctx)
}

// JoinSession admits one of the session's two participants to the call. The
// paid check runs on the locked row, so a join racing the payment webhook can
// never observe in_progress without payment_status=paid.
func (s *SessionService) JoinSession(
	ctx context.Context,
	actorID int64,
	sessionID int64,
) (*JoinInfo, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txSessionRepo := repository.NewSessionRepository(tx)

	session, err := txSessionRepo.GetByIDForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	role, err := AuthorizeJoin(session, actorID)
	if err != nil {
		return nil, err
	}

	if session.PaymentStatus != models.PaymentPaid {
		return nil, ErrSessionNotReady
	}

	switch session.Status {
	case models.SessionConfirmed:
		if _, err := txSessionRepo.UpdateStatusIfCurrent(
			ctx,
			session.ID,
			models.SessionConfirmed,
			models.SessionInProgress,
		); err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, ErrInvalidStateTransition
			}
			return nil, err
		}
	case models.SessionInProgress:
		// Second participant or a reconnect; nothing to transition.
	default:
		return nil, ErrInvalidStateTransition
	}

	peerID := session.TeacherID
	if role == models.RoleTeacher {
		peerID = session.StudentID
	}
	peer, err := s.accountRepo.GetByID(ctx, peerID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	return &JoinInfo{
		SessionID:       session.ID,
		RoomID:          session.RoomID,
		Role:            role,
		PeerDisplayName: peer.DisplayName,
		Subject:         session.Subject,
		DurationMinutes: session.DurationMinutes,
	}, nil
}

// CompleteSession finishes an in_progress session and settles the teacher's
// earnings exactly once, guarded by the per-session settlement flag. Safe to
// call repeatedly; completion of an already-completed session is a no-op.
func (s *SessionService) CompleteSession(ctx context.Context, sessionID int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txSessionRepo := repository.NewSessionRepository(tx)
	txProfileRepo := repository.NewTeacherProfileRepository(tx)

	session, err := txSessionRepo.GetByIDForUpdate(ctx, sessionID)
	if err != nil {
		return err
	}
	if session.Status == models.SessionCompleted {
		return nil
	}
	if session.Status != models.SessionInProgress {
		return ErrInvalidStateTransition
	}

	if _, err := txSessionRepo.UpdateStatusIfCurrent(
		ctx,
		session.ID,
		models.SessionInProgress,
		models.SessionCompleted,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrInvalidStateTransition
		}
		return err
	}

	settled, err := txSessionRepo.MarkEarningsSettled(ctx, session.ID)
	if err != nil {
		return err
	}
	if settled {
		if err := txProfileRepo.SettleEarnings(ctx, session.TeacherID, session.Amount); err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// CancelSession cancels from pending_payment or confirmed. A paid session gets
// a best-effort refund after commit: refund failure is logged and queued for
// an operator, it never resurrects the session.
func (s *SessionService) CancelSession(ctx context.Context, actorID int64, sessionID int64) (*models.SessionDetail, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	txSessionRepo := repository.NewSessionRepository(tx)

	session, err := txSessionRepo.GetByIDForUpdate(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := AuthorizeJoin(session, actorID); err != nil {
		return nil, err
	}
	if session.Status != models.SessionPendingPayment && session.Status != models.SessionConfirmed {
		return nil, ErrInvalidStateTransition
	}

	cancelled, err := txSessionRepo.UpdateStatusIfCurrent(
		ctx,
		session.ID,
		session.Status,
		models.SessionCancelled,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrInvalidStateTransition
		}
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}

	if cancelled.PaymentStatus == models.PaymentPaid {
		s.refundCancelled(ctx, cancelled)
	}

	return s.sessionDetail(ctx, cancelled.ID)
}

func (s *SessionService) refundCancelled(ctx context.Context, session *models.Session) {
	payment, err := s.paymentRepo.GetBySessionID(ctx, session.ID)
	if err != nil {
		log.Printf("refund session %d: load payment: %v", session.ID, err)
		return
	}

	gateway, err := s.gateways.ForProcessor(payment.Processor)
	if err != nil {
		log.Printf("refund session %d: %v", session.ID, err)
		return
	}

	reference := payment.ExternalOrderID
	if payment.ExternalPaymentID != nil && *payment.ExternalPaymentID != "" {
		reference = *payment.ExternalPaymentID
	}

	if err := gateway.RequestRefund(ctx, reference); err != nil {
		log.Printf("refund session %d failed, queued for operator: %v", session.ID, err)
		if qErr := s.paymentRepo.EnqueueRefundFailure(ctx, session.ID, reference, err.Error()); qErr != nil {
			log.Printf("refund session %d: enqueue failure: %v", session.ID, qErr)
		}
		return
	}

	if err := s.sessionRepo.SetPaymentStatus(ctx, session.ID, models.PaymentRefunded); err != nil {
		log.Printf("refund session %d: mark refunded: %v", session.ID, err)
	}
	if _, err := s.paymentRepo.UpdateStatusIfCurrent(ctx, payment.ID, models.ChargeSucceeded, models.ChargeRefunded); err != nil &&
		!errors.Is(err, pgx.ErrNoRows) {
		log.Printf("refund session %d: mark payment refunded: %v", session.ID, err)
	}
}

func (s *SessionService) ListSessions(
	ctx context.Context,
	actorID int64,
	role string,
	filter repository.SessionListFilter,
) ([]models.SessionDetail, error) {
	sessions, err := s.sessionRepo.List(ctx, repository.SessionListFilter{
		ActorID:   actorID,
		Role:      role,
		Status:    filter.Status,
		Timeframe: filter.Timeframe,
	})
	if err != nil {
		return nil, err
	}

	sessionIDs := make([]int64, 0, len(sessions))
	for _, session := range sessions {
		sessionIDs = append(sessionIDs, session.ID)
	}

	paymentsBySession, err := s.paymentRepo.ListBySessionIDs(ctx, sessionIDs)
	if err != nil {
		return nil, err
	}

	details := make([]models.SessionDetail, 0, len(sessions))
	for _, session := range sessions {
		detail := models.SessionDetail{Session: session}
		if payment, ok := paymentsBySession[session.ID]; ok {
			paymentCopy := payment
			detail.Payment = &paymentCopy
		}
		details = append(details, detail)
	}

	return details, nil
}

func (s *SessionService) GetSession(
	ctx context.Context,
	actorID int64,
	sessionID int64,
) (*models.SessionDetail, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if _, err := AuthorizeJoin(session, actorID); err != nil {
		return nil, err
	}
	return s.sessionDetail(ctx, sessionID)
}

func (s *SessionService) sessionDetail(ctx context.Context, sessionID int64) (*models.SessionDetail, error) {
	session, err := s.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	detail := &models.SessionDetail{Session: *session}
	payment, err := s.paymentRepo.GetBySessionID(ctx, sessionID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err == nil {
		detail.Payment = payment
	}
	return detail, nil
}

func currencyForProcessor(processor string) string {
	if processor == models.ProcessorRegional {
		return "INR"
	}
	return "USD"
}
