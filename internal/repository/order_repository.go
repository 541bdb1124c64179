package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-relay/internal/domain"
)

// OrderRepository is the payment order ledger.
type OrderRepository interface {
	Create(ctx context.Context, order *domain.PaymentOrder) error
	Get(ctx context.Context, orderID string) (*domain.PaymentOrder, error)
	UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, rawPayload []byte) error
	// MarkSubscriptionUpdated flips subscription_updated false -> true.
	// Exactly one concurrent caller per order observes true; everyone else
	// gets false. This is the reconciliation idempotency gate.
	MarkSubscriptionUpdated(ctx context.Context, orderID string) (bool, error)
}

type orderRepository struct {
	pool *pgxpool.Pool
}

// NewOrderRepository instantiates the ledger.
func NewOrderRepository(pool *pgxpool.Pool) OrderRepository {
	return &orderRepository{pool: pool}
}

func (r *orderRepository) Create(ctx context.Context, order *domain.PaymentOrder) error {
	const query = `
        INSERT INTO payment_orders (order_id, user_id, subject_uuid, amount_minor, currency, plan_days, gateway, gateway_ref, status, raw_status)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
        RETURNING created_at, updated_at`
	return r.pool.QueryRow(ctx, query,
		order.OrderID,
		order.UserID,
		order.SubjectUUID,
		order.AmountMinor,
		order.Currency,
		order.PlanDays,
		order.Gateway,
		order.GatewayRef,
		order.Status,
		order.RawStatus,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
}

func (r *orderRepository) Get(ctx context.Context, orderID string) (*domain.PaymentOrder, error) {
	const query = `
        SELECT order_id, user_id, subject_uuid, amount_minor, currency, plan_days, gateway,
               gateway_ref, status, subscription_updated, raw_status, created_at, updated_at
        FROM payment_orders WHERE order_id=$1`
	var order domain.PaymentOrder
	if err := r.pool.QueryRow(ctx, query, orderID).Scan(
		&order.OrderID,
		&order.UserID,
		&order.SubjectUUID,
		&order.AmountMinor,
		&order.Currency,
		&order.PlanDays,
		&order.Gateway,
		&order.GatewayRef,
		&order.Status,
		&order.SubscriptionUpdated,
		&order.RawStatus,
		&order.CreatedAt,
		&order.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (r *orderRepository) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, rawPayload []byte) error {
	const query = `
        UPDATE payment_orders SET status=$1, raw_status=$2, updated_at=NOW()
        WHERE order_id=$3`
	cmd, err := r.pool.Exec(ctx, query, status, rawPayload, orderID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func (r *orderRepository) MarkSubscriptionUpdated(ctx context.Context, orderID string) (bool, error) {
	const query = `
        UPDATE payment_orders SET subscription_updated=TRUE, updated_at=NOW()
        WHERE order_id=$1 AND subscription_updated=FALSE`
	cmd, err := r.pool.Exec(ctx, query, orderID)
	if err != nil {
		return false, err
	}
	return cmd.RowsAffected() > 0, nil
}
