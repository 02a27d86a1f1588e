package handlers

import (
	"context"
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"

	"github.com/Shuvikm/batman-ai-mentor/internal/payments"
	"github.com/Shuvikm/batman-ai-mentor/internal/services"
)

type confirmationVerifier interface {
	VerifyConfirmation(rawBody []byte, signatureHeader string) (*payments.ConfirmationEvent, error)
}

type paymentApplicationService interface {
	ConfirmPayment(ctx context.Context, event *payments.ConfirmationEvent) error
	OpenRegionalCharge(ctx context.Context, actorID int64, sessionID int64) (*services.BookedSession, error)
}

type PaymentHandler struct {
	cardGateway     confirmationVerifier
	regionalGateway confirmationVerifier
	service         paymentApplicationService
}

func NewPaymentHandler(
	cardGateway confirmationVerifier,
	regionalGateway confirmationVerifier,
	service paymentApplicationService,
) *PaymentHandler {
	return &PaymentHandler{
		cardGateway:     cardGateway,
		regionalGateway: regionalGateway,
		service:         service,
	}
}

// Webhook handles asynchronous card-processor confirmations. The signature is
// checked against the raw body before anything is decoded, and every verified
// delivery is answered 200 so the processor stops retrying; only an
// authenticity failure earns a 400.
func (h *PaymentHandler) Webhook(c *fiber.Ctx) error {
	rawBody := c.Body()
	signature := c.Get("Stripe-Signature")

	event, err := h.cardGateway.VerifyConfirmation(rawBody, signature)
	if err != nil {
		if errors.Is(err, payments.ErrVerification) {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid webhook signature"})
		}
		log.Printf("webhook: parse confirmation: %v", err)
		return c.JSON(fiber.Map{"received": true})
	}
	if event == nil {
		// Verified but not a confirmation we act on.
		return c.JSON(fiber.Map{"received": true})
	}

	if err := h.service.ConfirmPayment(c.Context(), event); err != nil {
		switch {
		case errors.Is(err, services.ErrOrphanConfirmation):
			log.Printf("webhook: orphan confirmation for reference %s", event.PaymentReference)
		case errors.Is(err, services.ErrInvalidStateTransition):
			log.Printf("webhook: confirmation for reference %s in unexpected state", event.PaymentReference)
		default:
			log.Printf("webhook: confirm payment: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to process confirmation"})
		}
	}

	return c.JSON(fiber.Map{"received": true})
}

type openRegionalChargeRequest struct {
	SessionID int64 `json:"session_id"`
}

func (h *PaymentHandler) OpenRegionalCharge(c *fiber.Ctx) error {
	actorID, err := parseActorID(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid token"})
	}

	var req openRegionalChargeRequest
	if err := c.BodyParser(&req); err != nil || req.SessionID <= 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid request body"})
	}

	booked, err := h.service.OpenRegionalCharge(c.Context(), actorID, req.SessionID)
	if err != nil {
		return mapSessionError(c, err)
	}

	return c.JSON(fiber.Map{
		"session":     booked.SessionDetail,
		"order_token": booked.ClientSecret,
	})
}

// VerifyRegional handles the regional processor's client-posted confirmation:
// HMAC over the order and payment ids with the shared secret.
func (h *PaymentHandler) VerifyRegional(c *fiber.Ctx) error {
	rawBody := c.Body()

	event, err := h.regionalGateway.VerifyConfirmation(rawBody, "")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "Invalid payment signature"})
	}

	if err := h.service.ConfirmPayment(c.Context(), event); err != nil {
		switch {
		case errors.Is(err, services.ErrOrphanConfirmation):
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Session not found"})
		case errors.Is(err, services.ErrInvalidStateTransition):
			return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": "Session is not awaiting payment"})
		default:
			log.Printf("regional verify: confirm payment: %v", err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "Failed to verify payment"})
		}
	}

	return c.JSON(fiber.Map{
		"payment_reference": event.PaymentReference,
		"payment_id":        event.ExternalPaymentID,
		"status":            "paid",
	})
}
