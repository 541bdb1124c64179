package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/gateway/cryptomus"
	"github.com/spec-kit/support-relay/internal/service"
)

// WebhookHandler receives gateway callbacks.
type WebhookHandler struct {
	crypto    *cryptomus.Client
	reconcile *service.ReconcileService
	logger    *zap.Logger
}

// NewWebhookHandler constructs handler.
func NewWebhookHandler(crypto *cryptomus.Client, reconcile *service.ReconcileService, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{crypto: crypto, reconcile: reconcile, logger: logger}
}

// Cryptomus handles POST /webhooks/cryptomus. The signature is checked
// before anything in the body is trusted; reconciliation then re-queries the
// gateway rather than believing the webhook's status field.
func (h *WebhookHandler) Cryptomus(c *fiber.Ctx) error {
	payload, err := h.crypto.VerifyWebhook(c.Body())
	if err != nil {
		h.logger.Warn("webhook rejected", zap.Error(err))
		return fiber.NewError(http.StatusBadRequest, "invalid signature")
	}

	orderID, _ := payload["order_id"].(string)
	if orderID == "" {
		return fiber.NewError(http.StatusBadRequest, "missing order_id")
	}

	result, err := h.reconcile.Reconcile(c.UserContext(), orderID, 0)
	if err != nil {
		return err
	}
	h.logger.Info("webhook reconciled",
		zap.String("order_id", orderID),
		zap.String("outcome", string(result.Outcome)))
	return c.JSON(fiber.Map{"data": fiber.Map{"outcome": result.Outcome}})
}
