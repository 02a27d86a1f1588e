package handlers

import (
	"context"
	"errors"
	"strconv"
	"strings"

	websocket "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/Shuvikm/batman-ai-mentor/internal/services"
	callws "github.com/Shuvikm/batman-ai-mentor/internal/websocket"
	"github.com/Shuvikm/batman-ai-mentor/pkg/utils"
)

type signalingJoiner interface {
	JoinSession(ctx context.Context, actorID int64, sessionID int64) (*services.JoinInfo, error)
}

type SignalingHandler struct {
	service   signalingJoiner
	relay     *callws.Relay
	jwtSecret string
}

func NewSignalingHandler(service signalingJoiner, relay *callws.Relay, jwtSecret string) *SignalingHandler {
	return &SignalingHandler{
		service:   service,
		relay:     relay,
		jwtSecret: jwtSecret,
	}
}

func (h *SignalingHandler) WebSocketAuth(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return c.Status(fiber.StatusUpgradeRequired).JSON(fiber.Map{"error": "WebSocket upgrade required"})
	}

	claims, err := h.parseWSClaims(c)
	if err != nil {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Invalid or expired token"})
	}

	c.Locals("user_id", claims.UserID)
	c.Locals("role", claims.Role)
	return c.Next()
}

func (h *SignalingHandler) HandleWebSocket(conn *websocket.Conn) {
	rawUserID, _ := conn.Locals("user_id").(string)
	userID, err := strconv.ParseInt(rawUserID, 10, 64)
	if err != nil || userID <= 0 {
		_ = conn.Close()
		return
	}

	participant := callws.NewParticipant(h.relay, conn, userID)
	go participant.WritePump()
	participant.ReadPump(h.service)
}

func (h *SignalingHandler) parseWSClaims(c *fiber.Ctx) (*utils.Claims, error) {
	tokenString := strings.TrimSpace(c.Query("token"))
	if tokenString == "" {
		authHeader := strings.TrimSpace(c.Get("Authorization"))
		if authHeader != "" {
			parts := strings.Split(authHeader, " ")
			if len(parts) == 2 && parts[0] == "Bearer" {
				tokenString = parts[1]
			}
		}
	}

	if tokenString == "" {
		return nil, errors.New("missing token")
	}

	return utils.ValidateToken(tokenString, h.jwtSecret)
}
