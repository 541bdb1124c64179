package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/gateway"
	"github.com/spec-kit/support-relay/internal/repository"
	apperrors "github.com/spec-kit/support-relay/pkg/util"
)

// InvoiceLinker creates platform invoice URLs for in-chat payments.
type InvoiceLinker interface {
	CreateInvoiceLink(ctx context.Context, title, description, payload string, amount int64) (string, error)
}

// PaymentService registers orders with gateways and records them in the
// ledger before the payer ever sees a payment page.
type PaymentService struct {
	orders   repository.OrderRepository
	gateways gateway.Registry
	invoices InvoiceLinker
	logger   *zap.Logger

	publicBaseURL string
}

// PaymentDependencies bundles collaborators for the payment service.
type PaymentDependencies struct {
	OrderRepo     repository.OrderRepository
	Gateways      gateway.Registry
	Invoices      InvoiceLinker
	Logger        *zap.Logger
	PublicBaseURL string
}

// NewPaymentService wires the payment service.
func NewPaymentService(deps PaymentDependencies) *PaymentService {
	return &PaymentService{
		orders:        deps.OrderRepo,
		gateways:      deps.Gateways,
		invoices:      deps.Invoices,
		logger:        deps.Logger,
		publicBaseURL: deps.PublicBaseURL,
	}
}

// OrderInput describes a new payment order.
type OrderInput struct {
	UserID      int64
	SubjectUUID string
	AmountMinor int64
	Currency    string
	PlanDays    int
	Gateway     domain.Gateway
	Description string
}

// CreateOrder registers the payment with its gateway and persists the ledger
// row. The returned URL is where the payer completes the payment.
func (s *PaymentService) CreateOrder(ctx context.Context, input OrderInput) (*domain.PaymentOrder, string, error) {
	if err := validateOrderInput(input); err != nil {
		return nil, "", err
	}

	order := &domain.PaymentOrder{
		OrderID:     uuid.NewString(),
		UserID:      input.UserID,
		SubjectUUID: input.SubjectUUID,
		AmountMinor: input.AmountMinor,
		Currency:    strings.ToUpper(input.Currency),
		PlanDays:    input.PlanDays,
		Gateway:     input.Gateway,
		Status:      domain.OrderStatusPending,
	}

	var payURL string
	switch input.Gateway {
	case domain.GatewayStars:
		if s.invoices == nil {
			return nil, "", apperrors.NewPermanentRejection("platform invoices unavailable", nil)
		}
		link, err := s.invoices.CreateInvoiceLink(ctx,
			input.Description,
			fmt.Sprintf("%d day subscription", input.PlanDays),
			order.OrderID,
			input.AmountMinor,
		)
		if err != nil {
			return nil, "", apperrors.NewTransient("invoice creation failed", err)
		}
		order.Currency = "XTR"
		order.GatewayRef = order.OrderID
		payURL = link
	default:
		gw := s.gateways.Get(input.Gateway)
		if gw == nil {
			return nil, "", apperrors.NewValidationError("unknown gateway", map[string]any{"gateway": input.Gateway})
		}
		result, err := gw.Register(ctx, gateway.RegisterRequest{
			OrderID:     order.OrderID,
			AmountMinor: order.AmountMinor,
			Currency:    order.Currency,
			ReturnURL:   s.returnURL(order.OrderID),
			Description: input.Description,
		})
		if err != nil {
			return nil, "", apperrors.NewTransient("gateway registration failed", err)
		}
		order.GatewayRef = result.OrderRef
		payURL = result.RedirectURL
	}

	if err := s.orders.Create(ctx, order); err != nil {
		return nil, "", err
	}
	s.logger.Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("gateway", string(order.Gateway)),
		zap.Int64("amount_minor", order.AmountMinor))
	return order, payURL, nil
}

// GetOwnedOrder loads an order enforcing requester ownership.
func (s *PaymentService) GetOwnedOrder(ctx context.Context, orderID string, requesterUserID int64) (*domain.PaymentOrder, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// Same rejection for unknown and foreign orders, as in reconciliation.
	if order == nil {
		return nil, errOrderNotAccessible()
	}
	if requesterUserID != 0 && order.UserID != requesterUserID {
		return nil, errOrderNotAccessible()
	}
	return order, nil
}

func (s *PaymentService) returnURL(orderID string) string {
	if s.publicBaseURL == "" {
		return ""
	}
	return fmt.Sprintf("%s/api/v1/payments/%s/return", strings.TrimRight(s.publicBaseURL, "/"), orderID)
}

func validateOrderInput(input OrderInput) error {
	details := map[string]any{}
	if input.UserID == 0 {
		details["user_id"] = "required"
	}
	if input.SubjectUUID == "" {
		details["subject_uuid"] = "required"
	}
	if input.AmountMinor <= 0 {
		details["amount_minor"] = "must be positive"
	}
	if input.PlanDays <= 0 {
		details["plan_days"] = "must be positive"
	}
	if input.Gateway != domain.GatewayStars && strings.TrimSpace(input.Currency) == "" {
		details["currency"] = "required"
	}
	if len(details) > 0 {
		return apperrors.NewValidationError("invalid order", details)
	}
	return nil
}
