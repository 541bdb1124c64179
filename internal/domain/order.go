package domain

import "time"

// Gateway identifies the payment provider an order was registered with.
type Gateway string

const (
	GatewayBereke    Gateway = "bereke"
	GatewayCryptomus Gateway = "cryptomus"
	GatewayStars     Gateway = "stars"
)

// OrderStatus is the ledger-level status of a payment order.
type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "PENDING"
	OrderStatusPaid     OrderStatus = "PAID"
	OrderStatusFailed   OrderStatus = "FAILED"
	OrderStatusDeclined OrderStatus = "DECLINED"
)

// PaymentOrder records a single payment attempt. SubscriptionUpdated flips
// false to true exactly once; entitlement is applied iff that flip happens.
type PaymentOrder struct {
	OrderID             string
	UserID              int64
	SubjectUUID         string
	AmountMinor         int64
	Currency            string
	PlanDays            int
	Gateway             Gateway
	GatewayRef          string
	Status              OrderStatus
	SubscriptionUpdated bool
	RawStatus           []byte
	CreatedAt           time.Time
	UpdatedAt           time.Time
}
