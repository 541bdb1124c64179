package dto

import (
	"time"

	"github.com/spec-kit/support-relay/internal/domain"
)

// CreateOrderRequest payload for a new payment order.
type CreateOrderRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Currency    string `json:"currency"`
	PlanDays    int    `json:"plan_days"`
	Gateway     string `json:"gateway"`
	Description string `json:"description"`
}

// OrderResponse describes one payment order.
type OrderResponse struct {
	OrderID   string     `json:"order_id"`
	Gateway   string     `json:"gateway"`
	Status    string     `json:"status"`
	Applied   bool       `json:"applied"`
	PayURL    string     `json:"pay_url,omitempty"`
	ExpireAt  *time.Time `json:"expire_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// NewOrderResponse maps a ledger row to its API shape.
func NewOrderResponse(order *domain.PaymentOrder, payURL string, expireAt *time.Time) OrderResponse {
	return OrderResponse{
		OrderID:   order.OrderID,
		Gateway:   string(order.Gateway),
		Status:    string(order.Status),
		Applied:   order.SubscriptionUpdated,
		PayURL:    payURL,
		ExpireAt:  expireAt,
		CreatedAt: order.CreatedAt,
	}
}
