package routes

import (
	"context"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Shuvikm/batman-ai-mentor/internal/config"
	"github.com/Shuvikm/batman-ai-mentor/internal/handlers"
	"github.com/Shuvikm/batman-ai-mentor/internal/middleware"
	"github.com/Shuvikm/batman-ai-mentor/internal/payments"
	"github.com/Shuvikm/batman-ai-mentor/internal/repository"
	"github.com/Shuvikm/batman-ai-mentor/internal/services"
	callws "github.com/Shuvikm/batman-ai-mentor/internal/websocket"
)

func RegisterRoutes(ctx context.Context, app *fiber.App, cfg *config.Config, db *pgxpool.Pool) {
	accountRepo := repository.NewAccountRepository(db)
	teacherProfileRepo := repository.NewTeacherProfileRepository(db)
	sessionRepo := repository.NewSessionRepository(db)
	paymentRepo := repository.NewPaymentRepository(db)

	cardGateway := payments.NewCardGateway(cfg.CardSecretKey, cfg.CardWebhookSecret)
	regionalGateway := payments.NewRegionalGateway(cfg.RegionalKeyID, cfg.RegionalKeySecret)
	gateways := payments.NewRegistry(cardGateway, regionalGateway)

	sessionService := services.NewSessionService(
		db,
		sessionRepo,
		paymentRepo,
		accountRepo,
		teacherProfileRepo,
		gateways,
	)
	sessionHandler := handlers.NewSessionHandler(sessionService)
	paymentHandler := handlers.NewPaymentHandler(cardGateway, regionalGateway, sessionService)

	relay := callws.NewRelay(sessionService)
	go relay.Run()
	signalingHandler := handlers.NewSignalingHandler(sessionService, relay, cfg.JWTSecret)

	sweeper := services.NewSweepService(
		sessionRepo,
		sessionService,
		cfg.SweepInterval,
		cfg.PendingPaymentTTL,
		cfg.NoShowGrace,
		cfg.InProgressInactivity,
	)
	go sweeper.Run(ctx)

	api := app.Group("/api")

	// Processor callbacks authenticate by signature, not bearer token.
	api.Post("/payments/webhook", paymentHandler.Webhook)

	authProtected := api.Group("/v1", middleware.AuthRequired(cfg.JWTSecret))

	sessions := authProtected.Group("/sessions")
	sessions.Post("/book", sessionHandler.BookSession)
	sessions.Get("", sessionHandler.ListSessions)
	sessions.Get("/:id", sessionHandler.GetSession)
	sessions.Get("/:id/join", sessionHandler.JoinSession)
	sessions.Post("/:id/cancel", sessionHandler.CancelSession)

	regional := authProtected.Group("/payments/regional")
	regional.Post("/order", paymentHandler.OpenRegionalCharge)
	regional.Post("/verify", paymentHandler.VerifyRegional)

	api.Use("/v1/ws", signalingHandler.WebSocketAuth)
	api.Get("/v1/ws", websocket.New(signalingHandler.HandleWebSocket))
}
