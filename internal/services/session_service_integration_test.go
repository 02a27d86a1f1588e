package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/Shuvikm/batman-ai-mentor/internal/models"
	"github.com/Shuvikm/batman-ai-mentor/internal/payments"
	"github.com/Shuvikm/batman-ai-mentor/internal/repository"
)

var (
	testDBOnce sync.Once
	testDBPool *pgxpool.Pool
	testDBErr  error
)

type stubGateway struct {
	processor string
	charges   int
	refunds   []string
	refundErr error
}

func (g *stubGateway) Processor() string { return g.processor }

func (g *stubGateway) CreateCharge(
	_ context.Context,
	sessionID int64,
	_ decimal.Decimal,
	_ string,
) (*payments.Charge, error) {
	g.charges++
	orderID := fmt.Sprintf("%s_order_%d_%d_%d", g.processor, sessionID, g.charges, time.Now().UnixNano())
	return &payments.Charge{OrderID: orderID, ClientSecret: orderID + "_secret"}, nil
}

func (g *stubGateway) VerifyConfirmation(_ []byte, _ string) (*payments.ConfirmationEvent, error) {
	return nil, nil
}

func (g *stubGateway) RequestRefund(_ context.Context, paymentReference string) error {
	if g.refundErr != nil {
		return g.refundErr
	}
	g.refunds = append(g.refunds, paymentReference)
	return nil
}

func TestSessionLifecycleEndToEnd(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _ := newIntegrationSessionService(pool)

	studentID := createTestAccount(t, ctx, pool, models.RoleStudent, 0)
	teacherID := createTestAccount(t, ctx, pool, models.RoleTeacher, 50)
	t.Cleanup(func() { cleanupTestAccounts(t, ctx, pool, studentID, teacherID) })

	scheduledAt := time.Date(2031, 3, 15, 9, 0, 0, 0, time.UTC)
	booked, err := service.BookSession(ctx, studentID, BookSessionInput{
		TeacherID:       teacherID,
		Subject:         "Algebra",
		ScheduledAt:     scheduledAt,
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("BookSession: %v", err)
	}

	if booked.Status != models.SessionPendingPayment {
		t.Fatalf("expected pending_payment, got %q", booked.Status)
	}
	if booked.PaymentStatus != models.PaymentPending {
		t.Fatalf("expected pending payment status, got %q", booked.PaymentStatus)
	}
	if booked.ClientSecret == "" {
		t.Fatal("expected a client secret for completing payment")
	}
	if booked.RoomID == "" {
		t.Fatal("expected a room id at creation")
	}
	if !booked.Amount.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected amount 50, got %s", booked.Amount)
	}
	if booked.Payment == nil || booked.Payment.Status != models.ChargePending {
		t.Fatalf("expected pending payment record, got %+v", booked.Payment)
	}

	event := &payments.ConfirmationEvent{
		Processor:         models.ProcessorCard,
		PaymentReference:  *booked.PaymentReference,
		ExternalPaymentID: "pi_test_123",
	}
	if err := service.ConfirmPayment(ctx, event); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}

	confirmed, err := service.GetSession(ctx, studentID, booked.ID)
	if err != nil {
		t.Fatalf("GetSession after confirmation: %v", err)
	}
	if confirmed.Status != models.SessionConfirmed || confirmed.PaymentStatus != models.PaymentPaid {
		t.Fatalf("expected confirmed/paid, got %q/%q", confirmed.Status, confirmed.PaymentStatus)
	}

	// Duplicate delivery must be a no-op, not a double credit.
	if err := service.ConfirmPayment(ctx, event); err != nil {
		t.Fatalf("duplicate ConfirmPayment: %v", err)
	}
	profile := loadTeacherProfile(t, ctx, pool, teacherID)
	if !profile.PendingEarnings.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected pending earnings 50 after duplicate confirmation, got %s", profile.PendingEarnings)
	}

	studentJoin, err := service.JoinSession(ctx, studentID, booked.ID)
	if err != nil {
		t.Fatalf("student JoinSession: %v", err)
	}
	if studentJoin.Role != models.RoleStudent {
		t.Fatalf("expected student role, got %q", studentJoin.Role)
	}
	if studentJoin.RoomID != booked.RoomID {
		t.Fatalf("expected room %s, got %s", booked.RoomID, studentJoin.RoomID)
	}

	inProgress, err := service.GetSession(ctx, studentID, booked.ID)
	if err != nil {
		t.Fatalf("GetSession after join: %v", err)
	}
	if inProgress.Status != models.SessionInProgress {
		t.Fatalf("expected in_progress after first join, got %q", inProgress.Status)
	}
	if inProgress.PaymentStatus != models.PaymentPaid {
		t.Fatalf("in_progress session must be paid, got %q", inProgress.PaymentStatus)
	}

	teacherJoin, err := service.JoinSession(ctx, teacherID, booked.ID)
	if err != nil {
		t.Fatalf("teacher JoinSession: %v", err)
	}
	if teacherJoin.Role != models.RoleTeacher || teacherJoin.RoomID != studentJoin.RoomID {
		t.Fatalf("expected teacher admitted to same room, got %+v", teacherJoin)
	}

	if err := service.CompleteSession(ctx, booked.ID); err != nil {
		t.Fatalf("CompleteSession: %v", err)
	}
	if err := service.CompleteSession(ctx, booked.ID); err != nil {
		t.Fatalf("repeat CompleteSession: %v", err)
	}

	completed, err := service.GetSession(ctx, teacherID, booked.ID)
	if err != nil {
		t.Fatalf("GetSession after completion: %v", err)
	}
	if completed.Status != models.SessionCompleted {
		t.Fatalf("expected completed, got %q", completed.Status)
	}

	profile = loadTeacherProfile(t, ctx, pool, teacherID)
	if !profile.Earnings.Equal(decimal.NewFromInt(50)) {
		t.Fatalf("expected settled earnings 50, got %s", profile.Earnings)
	}
	if !profile.PendingEarnings.Equal(decimal.Zero) {
		t.Fatalf("expected pending earnings back to 0, got %s", profile.PendingEarnings)
	}
	if profile.TotalSessions != 1 {
		t.Fatalf("expected total sessions 1, got %d", profile.TotalSessions)
	}
}

func TestJoinBeforePaymentConfirmation(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _ := newIntegrationSessionService(pool)

	studentID := createTestAccount(t, ctx, pool, models.RoleStudent, 0)
	teacherID := createTestAccount(t, ctx, pool, models.RoleTeacher, 80)
	t.Cleanup(func() { cleanupTestAccounts(t, ctx, pool, studentID, teacherID) })

	booked, err := service.BookSession(ctx, studentID, BookSessionInput{
		TeacherID:       teacherID,
		Subject:         "Physics",
		ScheduledAt:     time.Date(2031, 4, 1, 12, 0, 0, 0, time.UTC),
		DurationMinutes: 45,
	})
	if err != nil {
		t.Fatalf("BookSession: %v", err)
	}

	if _, err := service.JoinSession(ctx, studentID, booked.ID); err != ErrSessionNotReady {
		t.Fatalf("expected ErrSessionNotReady before confirmation, got %v", err)
	}
}

func TestJoinRejectsOutsider(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _ := newIntegrationSessionService(pool)

	studentID := createTestAccount(t, ctx, pool, models.RoleStudent, 0)
	teacherID := createTestAccount(t, ctx, pool, models.RoleTeacher, 70)
	outsiderID := createTestAccount(t, ctx, pool, models.RoleStudent, 0)
	t.Cleanup(func() { cleanupTestAccounts(t, ctx, pool, studentID, teacherID, outsiderID) })

	booked, err := service.BookSession(ctx, studentID, BookSessionInput{
		TeacherID:       teacherID,
		Subject:         "Chemistry",
		ScheduledAt:     time.Date(2031, 5, 2, 10, 0, 0, 0, time.UTC),
		DurationMinutes: 30,
	})
	if err != nil {
		t.Fatalf("BookSession: %v", err)
	}

	if err := service.ConfirmPayment(ctx, &payments.ConfirmationEvent{
		PaymentReference: *booked.PaymentReference,
	}); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}

	if _, err := service.JoinSession(ctx, outsiderID, booked.ID); err != ErrNotAuthorized {
		t.Fatalf("expected ErrNotAuthorized for outsider, got %v", err)
	}
}

func TestConfirmPaymentUnknownReference(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _ := newIntegrationSessionService(pool)

	err := service.ConfirmPayment(ctx, &payments.ConfirmationEvent{
		PaymentReference: fmt.Sprintf("unknown_ref_%d", time.Now().UnixNano()),
	})
	if err != ErrOrphanConfirmation {
		t.Fatalf("expected ErrOrphanConfirmation, got %v", err)
	}
}

func TestCancelPaidSessionQueuesFailedRefund(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, cardGateway := newIntegrationSessionService(pool)
	cardGateway.refundErr = fmt.Errorf("gateway unavailable")

	studentID := createTestAccount(t, ctx, pool, models.RoleStudent, 0)
	teacherID := createTestAccount(t, ctx, pool, models.RoleTeacher, 90)
	t.Cleanup(func() { cleanupTestAccounts(t, ctx, pool, studentID, teacherID) })

	booked, err := service.BookSession(ctx, studentID, BookSessionInput{
		TeacherID:       teacherID,
		Subject:         "History",
		ScheduledAt:     time.Date(2031, 6, 3, 15, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	})
	if err != nil {
		t.Fatalf("BookSession: %v", err)
	}
	if err := service.ConfirmPayment(ctx, &payments.ConfirmationEvent{
		PaymentReference: *booked.PaymentReference,
	}); err != nil {
		t.Fatalf("ConfirmPayment: %v", err)
	}

	cancelled, err := service.CancelSession(ctx, studentID, booked.ID)
	if err != nil {
		t.Fatalf("CancelSession: %v", err)
	}
	if cancelled.Status != models.SessionCancelled {
		t.Fatalf("expected cancelled, got %q", cancelled.Status)
	}

	var queued int
	if err := pool.QueryRow(
		ctx,
		"SELECT COUNT(*) FROM refund_requests WHERE session_id = $1 AND status = 'queued'",
		booked.ID,
	).Scan(&queued); err != nil {
		t.Fatalf("count refund requests: %v", err)
	}
	if queued != 1 {
		t.Fatalf("expected 1 queued refund request, got %d", queued)
	}
}

func TestBookSessionRejectsOverlap(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _ := newIntegrationSessionService(pool)

	firstStudent := createTestAccount(t, ctx, pool, models.RoleStudent, 0)
	secondStudent := createTestAccount(t, ctx, pool, models.RoleStudent, 0)
	teacherID := createTestAccount(t, ctx, pool, models.RoleTeacher, 60)
	t.Cleanup(func() { cleanupTestAccounts(t, ctx, pool, firstStudent, secondStudent, teacherID) })

	scheduledAt := time.Date(2031, 7, 1, 12, 0, 0, 0, time.UTC)
	if _, err := service.BookSession(ctx, firstStudent, BookSessionInput{
		TeacherID:       teacherID,
		Subject:         "Biology",
		ScheduledAt:     scheduledAt,
		DurationMinutes: 60,
	}); err != nil {
		t.Fatalf("first BookSession: %v", err)
	}

	if _, err := service.BookSession(ctx, secondStudent, BookSessionInput{
		TeacherID:       teacherID,
		Subject:         "Biology",
		ScheduledAt:     scheduledAt.Add(30 * time.Minute),
		DurationMinutes: 60,
	}); err != ErrConflict {
		t.Fatalf("expected ErrConflict for overlapping booking, got %v", err)
	}
}

func TestBookSessionRejectsUnverifiedTeacher(t *testing.T) {
	ctx := context.Background()
	pool := integrationTestPool(t)
	service, _ := newIntegrationSessionService(pool)

	studentID := createTestAccount(t, ctx, pool, models.RoleStudent, 0)
	teacherID := createUnverifiedTeacher(t, ctx, pool)
	t.Cleanup(func() { cleanupTestAccounts(t, ctx, pool, studentID, teacherID) })

	_, err := service.BookSession(ctx, studentID, BookSessionInput{
		TeacherID:       teacherID,
		Subject:         "Geometry",
		ScheduledAt:     time.Date(2031, 8, 1, 9, 0, 0, 0, time.UTC),
		DurationMinutes: 60,
	})
	if err != ErrInvalidParticipant {
		t.Fatalf("expected ErrInvalidParticipant for unverified teacher, got %v", err)
	}
}

func integrationTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	testDBOnce.Do(func() {
		_ = godotenv.Load(".env")
		_ = godotenv.Load(filepath.Join("..", "..", ".env"))

		dbURL := os.Getenv("DB_URL")
		if dbURL == "" {
			testDBErr = fmt.Errorf("DB_URL is not set")
			return
		}

		cfg, err := pgxpool.ParseConfig(dbURL)
		if err != nil {
			testDBErr = err
			return
		}

		testDBPool, testDBErr = pgxpool.NewWithConfig(context.Background(), cfg)
		if testDBErr != nil {
			return
		}
		testDBErr = testDBPool.Ping(context.Background())
	})

	if testDBErr != nil {
		t.Skipf("skipping integration test: %v", testDBErr)
	}
	return testDBPool
}

func newIntegrationSessionService(pool *pgxpool.Pool) (*SessionService, *stubGateway) {
	cardGateway := &stubGateway{processor: models.ProcessorCard}
	regionalGateway := &stubGateway{processor: models.ProcessorRegional}
	service := NewSessionService(
		pool,
		repository.NewSessionRepository(pool),
		repository.NewPaymentRepository(pool),
		repository.NewAccountRepository(pool),
		repository.NewTeacherProfileRepository(pool),
		payments.NewRegistry(cardGateway, regionalGateway),
	)
	return service, cardGateway
}

func createTestAccount(t *testing.T, ctx context.Context, pool *pgxpool.Pool, role string, hourlyRate float64) int64 {
	t.Helper()

	accountRepo := repository.NewAccountRepository(pool)
	account := &models.Account{
		Email:       fmt.Sprintf("session-test-%s-%d@example.com", role, time.Now().UnixNano()),
		DisplayName: fmt.Sprintf("Test %s", role),
		Role:        role,
	}
	if err := accountRepo.Create(ctx, account); err != nil {
		t.Fatalf("create account(%s): %v", role, err)
	}

	if role == models.RoleTeacher {
		rate := decimal.NewFromFloat(hourlyRate)
		profileRepo := repository.NewTeacherProfileRepository(pool)
		if err := profileRepo.Create(ctx, &models.TeacherProfile{
			UserID:     account.ID,
			Verified:   true,
			HourlyRate: &rate,
		}); err != nil {
			t.Fatalf("create teacher profile: %v", err)
		}
	}

	return account.ID
}

func createUnverifiedTeacher(t *testing.T, ctx context.Context, pool *pgxpool.Pool) int64 {
	t.Helper()

	accountRepo := repository.NewAccountRepository(pool)
	account := &models.Account{
		Email:       fmt.Sprintf("session-test-unverified-%d@example.com", time.Now().UnixNano()),
		DisplayName: "Unverified Teacher",
		Role:        models.RoleTeacher,
	}
	if err := accountRepo.Create(ctx, account); err != nil {
		t.Fatalf("create account: %v", err)
	}

	rate := decimal.NewFromInt(40)
	profileRepo := repository.NewTeacherProfileRepository(pool)
	if err := profileRepo.Create(ctx, &models.TeacherProfile{
		UserID:     account.ID,
		Verified:   false,
		HourlyRate: &rate,
	}); err != nil {
		t.Fatalf("create teacher profile: %v", err)
	}

	return account.ID
}

func loadTeacherProfile(t *testing.T, ctx context.Context, pool *pgxpool.Pool, teacherID int64) *models.TeacherProfile {
	t.Helper()

	profile, err := repository.NewTeacherProfileRepository(pool).GetByUserID(ctx, teacherID)
	if err != nil {
		t.Fatalf("load teacher profile: %v", err)
	}
	return profile
}

func cleanupTestAccounts(t *testing.T, ctx context.Context, pool *pgxpool.Pool, accountIDs ...int64) {
	t.Helper()

	if len(accountIDs) == 0 {
		return
	}

	if _, err := pool.Exec(ctx, "DELETE FROM refund_requests WHERE session_id IN (SELECT id FROM sessions WHERE student_id = ANY($1) OR teacher_id = ANY($1))", accountIDs); err != nil {
		t.Fatalf("cleanup refund requests: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM payments WHERE session_id IN (SELECT id FROM sessions WHERE student_id = ANY($1) OR teacher_id = ANY($1))", accountIDs); err != nil {
		t.Fatalf("cleanup payments: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM sessions WHERE student_id = ANY($1) OR teacher_id = ANY($1)", accountIDs); err != nil {
		t.Fatalf("cleanup sessions: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM teacher_profiles WHERE user_id = ANY($1)", accountIDs); err != nil {
		t.Fatalf("cleanup teacher profiles: %v", err)
	}
	if _, err := pool.Exec(ctx, "DELETE FROM accounts WHERE id = ANY($1)", accountIDs); err != nil {
		t.Fatalf("cleanup accounts: %v", err)
	}
}
