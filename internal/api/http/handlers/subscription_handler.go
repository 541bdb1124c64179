package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-relay/internal/api/dto"
	"github.com/spec-kit/support-relay/internal/auth"
	"github.com/spec-kit/support-relay/internal/service"
	apperrors "github.com/spec-kit/support-relay/pkg/util"
)

// SubscriptionHandler exposes the caller's linked subscription.
type SubscriptionHandler struct {
	accounts *service.AccountService
	sessions *service.SessionService
}

// NewSubscriptionHandler constructs handler.
func NewSubscriptionHandler(accounts *service.AccountService, sessions *service.SessionService) *SubscriptionHandler {
	return &SubscriptionHandler{accounts: accounts, sessions: sessions}
}

// Get handles GET /subscription.
func (h *SubscriptionHandler) Get(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("not authenticated")
	}

	subject, err := h.accounts.LinkedSubject(c.UserContext(), principal.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": dto.NewSubscriptionResponse(subject)})
}

// RatingStats handles GET /ratings/stats.
func (h *SubscriptionHandler) RatingStats(c *fiber.Ctx) error {
	stats, err := h.sessions.RatingStats(c.UserContext())
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"total":        stats.Total,
		"average":      stats.Average,
		"distribution": stats.Distribution,
	}})
}
