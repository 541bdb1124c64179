package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-relay/internal/api/dto"
	"github.com/spec-kit/support-relay/internal/service"
)

// AuthHandler exposes the email verification flow for the mini app.
type AuthHandler struct {
	accounts *service.AccountService
}

// NewAuthHandler constructs handler.
func NewAuthHandler(accounts *service.AccountService) *AuthHandler {
	return &AuthHandler{accounts: accounts}
}

// RequestOTP handles POST /auth/otp/request.
func (h *AuthHandler) RequestOTP(c *fiber.Ctx) error {
	var req dto.OTPRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if req.UserID == 0 || req.Email == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id and email required")
	}

	if err := h.accounts.RequestOTP(c.UserContext(), req.UserID, req.Email); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"sent": true}})
}

// VerifyOTP handles POST /auth/otp/verify.
func (h *AuthHandler) VerifyOTP(c *fiber.Ctx) error {
	var req dto.OTPVerifyRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}
	if req.UserID == 0 || req.Code == "" {
		return fiber.NewError(http.StatusBadRequest, "user_id and code required")
	}

	token, expiresAt, err := h.accounts.VerifyOTP(c.UserContext(), req.UserID, req.Code)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": dto.AuthResponse{Token: token, ExpiresAt: expiresAt},
	})
}
