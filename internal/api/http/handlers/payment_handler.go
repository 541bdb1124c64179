package handlers

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/spec-kit/support-relay/internal/api/dto"
	"github.com/spec-kit/support-relay/internal/auth"
	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/service"
	apperrors "github.com/spec-kit/support-relay/pkg/util"
)

// PaymentHandler exposes order creation and status polling.
type PaymentHandler struct {
	payments  *service.PaymentService
	reconcile *service.ReconcileService
}

// NewPaymentHandler constructs handler.
func NewPaymentHandler(payments *service.PaymentService, reconcile *service.ReconcileService) *PaymentHandler {
	return &PaymentHandler{payments: payments, reconcile: reconcile}
}

// Create handles POST /payments.
func (h *PaymentHandler) Create(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("not authenticated")
	}

	var req dto.CreateOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid payload")
	}

	order, payURL, err := h.payments.CreateOrder(c.UserContext(), service.OrderInput{
		UserID:      principal.UserID,
		SubjectUUID: principal.SubjectUUID,
		AmountMinor: req.AmountMinor,
		Currency:    req.Currency,
		PlanDays:    req.PlanDays,
		Gateway:     domain.Gateway(req.Gateway),
		Description: req.Description,
	})
	if err != nil {
		return err
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"data": dto.NewOrderResponse(order, payURL, nil),
	})
}

// Status handles GET /payments/:order_id. Polling the status drives
// reconciliation; a settled order applies entitlement before responding.
func (h *PaymentHandler) Status(c *fiber.Ctx) error {
	principal, ok := auth.PrincipalFromContext(c)
	if !ok {
		return apperrors.NewUnauthorized("not authenticated")
	}

	result, err := h.reconcile.Reconcile(c.UserContext(), c.Params("order_id"), principal.UserID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{
		"data": dto.NewOrderResponse(result.Order, "", result.ExpireAt),
	})
}

// Return handles GET /payments/:order_id/return, the gateway redirect after
// a hosted payment page. Unauthenticated: the payer lands here from the bank.
func (h *PaymentHandler) Return(c *fiber.Ctx) error {
	result, err := h.reconcile.Reconcile(c.UserContext(), c.Params("order_id"), 0)
	if err != nil {
		return err
	}
	if result.Order.Status == domain.OrderStatusPaid {
		return c.Redirect("/app/?payment=success", http.StatusFound)
	}
	return c.Redirect("/app/?payment=pending", http.StatusFound)
}
