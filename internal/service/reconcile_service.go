package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/directory"
	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/events"
	"github.com/spec-kit/support-relay/internal/gateway"
	"github.com/spec-kit/support-relay/internal/keylock"
	"github.com/spec-kit/support-relay/internal/observability"
	"github.com/spec-kit/support-relay/internal/repository"
	apperrors "github.com/spec-kit/support-relay/pkg/util"
)

// Outcome classifies a reconciliation attempt.
type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeSkipped  Outcome = "skipped"
	OutcomeRejected Outcome = "rejected"
)

// ReconcileResult reports what a reconciliation attempt did.
type ReconcileResult struct {
	Outcome  Outcome
	Order    *domain.PaymentOrder
	ExpireAt *time.Time
}

// SubjectDirectory is the slice of the backend directory reconciliation needs.
type SubjectDirectory interface {
	GetSubject(ctx context.Context, uuid string) (*directory.Subject, error)
	UpdateSubject(ctx context.Context, uuid string, update directory.UpdateRequest) error
}

// ReconcileService drives orders from gateway status to applied entitlement
// exactly once. The ledger flag is the idempotency gate; the per-subject lock
// makes concurrent orders for one subject stack expiry instead of racing.
type ReconcileService struct {
	orders     repository.OrderRepository
	gateways   gateway.Registry
	directory  SubjectDirectory
	locks      *keylock.KeyLock
	dispatcher events.Dispatcher
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

// ReconcileDependencies bundles collaborators for the reconcile service.
type ReconcileDependencies struct {
	OrderRepo  repository.OrderRepository
	Gateways   gateway.Registry
	Directory  SubjectDirectory
	Dispatcher events.Dispatcher
	Metrics    *observability.Metrics
	Logger     *zap.Logger
}

// NewReconcileService wires the reconciliation engine.
func NewReconcileService(deps ReconcileDependencies) *ReconcileService {
	return &ReconcileService{
		orders:     deps.OrderRepo,
		gateways:   deps.Gateways,
		directory:  deps.Directory,
		locks:      keylock.New(),
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     deps.Logger,
		now:        time.Now,
	}
}

// Reconcile polls the order's gateway and applies entitlement if settled.
// requesterUserID zero means a trusted caller (webhook, sweep); non-zero
// callers must own the order or the attempt aborts with no side effects.
func (s *ReconcileService) Reconcile(ctx context.Context, orderID string, requesterUserID int64) (*ReconcileResult, error) {
	order, err := s.loadOwned(ctx, orderID, requesterUserID)
	if err != nil {
		return nil, err
	}

	gw := s.gateways.Get(order.Gateway)
	if gw == nil {
		return nil, apperrors.NewPermanentRejection("unknown gateway", map[string]any{"gateway": order.Gateway})
	}

	s.locks.Lock(s.lockKey(order))
	defer s.locks.Unlock(s.lockKey(order))

	status, err := gw.GetStatus(ctx, order.GatewayRef)
	if err != nil {
		return nil, apperrors.NewTransient("gateway status query failed", err)
	}

	// Held funds need an explicit capture before they count as settled. A
	// failed capture leaves the order pending for the next poll.
	if status.Class == gateway.StatusAuthorized {
		if err := gw.Capture(ctx, order.GatewayRef); err != nil {
			s.logger.Warn("capture failed",
				zap.String("order_id", order.OrderID),
				zap.Error(err))
			return s.finish(ctx, order, domain.OrderStatusPending, status.Raw, OutcomeSkipped, nil)
		}
		status, err = gw.GetStatus(ctx, order.GatewayRef)
		if err != nil {
			return nil, apperrors.NewTransient("gateway status query failed", err)
		}
	}

	mapped := mapStatus(status.Class)
	if mapped != domain.OrderStatusPaid {
		return s.finish(ctx, order, mapped, status.Raw, OutcomeSkipped, nil)
	}
	return s.applySettled(ctx, order, status.Raw)
}

// ReconcileSettled applies entitlement for an order the platform already
// confirmed settled (in-chat payments deliver settlement, not a query API).
func (s *ReconcileService) ReconcileSettled(ctx context.Context, orderID string, requesterUserID int64, raw []byte) (*ReconcileResult, error) {
	order, err := s.loadOwned(ctx, orderID, requesterUserID)
	if err != nil {
		return nil, err
	}

	s.locks.Lock(s.lockKey(order))
	defer s.locks.Unlock(s.lockKey(order))

	return s.applySettled(ctx, order, raw)
}

func (s *ReconcileService) loadOwned(ctx context.Context, orderID string, requesterUserID int64) (*domain.PaymentOrder, error) {
	order, err := s.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	// Unknown and foreign orders get one identical rejection so callers
	// probing order ids cannot tell which ones exist.
	if order == nil {
		s.record(domain.Gateway("unknown"), OutcomeRejected)
		return nil, errOrderNotAccessible()
	}
	if requesterUserID != 0 && order.UserID != requesterUserID {
		s.record(order.Gateway, OutcomeRejected)
		return nil, errOrderNotAccessible()
	}
	return order, nil
}

func errOrderNotAccessible() error {
	return apperrors.NewIntegrityViolation("order not accessible")
}

func (s *ReconcileService) applySettled(ctx context.Context, order *domain.PaymentOrder, raw []byte) (*ReconcileResult, error) {
	// The caller loaded its copy before queueing on the subject lock, so it
	// may predate a concurrent apply. Re-read the gate under the lock; the
	// conditional flip below stays the cross-process backstop.
	fresh, err := s.orders.Get(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	if fresh != nil {
		order.SubscriptionUpdated = fresh.SubscriptionUpdated
	}

	if err := s.orders.UpdateStatus(ctx, order.OrderID, domain.OrderStatusPaid, raw); err != nil {
		return nil, err
	}
	order.Status = domain.OrderStatusPaid
	order.RawStatus = raw

	if order.SubscriptionUpdated {
		return s.finish(ctx, order, domain.OrderStatusPaid, raw, OutcomeSkipped, nil)
	}

	subject, err := s.directory.GetSubject(ctx, order.SubjectUUID)
	if err != nil {
		return nil, apperrors.NewTransient("directory lookup failed", err)
	}
	expireAt := ComputeExpiry(s.now(), subject.Status, subject.ExpireAt, order.PlanDays)
	if err := s.directory.UpdateSubject(ctx, order.SubjectUUID, directory.EntitlementUpdate(expireAt)); err != nil {
		return nil, apperrors.NewTransient("directory update failed", err)
	}

	flipped, err := s.orders.MarkSubscriptionUpdated(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	if !flipped {
		// Another process applied this order between our read and the flip.
		return s.finish(ctx, order, domain.OrderStatusPaid, raw, OutcomeSkipped, &expireAt)
	}
	order.SubscriptionUpdated = true

	s.publish(ctx, order, OutcomeApplied)
	return s.finish(ctx, order, domain.OrderStatusPaid, raw, OutcomeApplied, &expireAt)
}

func (s *ReconcileService) finish(ctx context.Context, order *domain.PaymentOrder, status domain.OrderStatus, raw []byte, outcome Outcome, expireAt *time.Time) (*ReconcileResult, error) {
	if order.Status != status || outcome == OutcomeSkipped {
		if err := s.orders.UpdateStatus(ctx, order.OrderID, status, raw); err != nil {
			return nil, err
		}
		order.Status = status
		order.RawStatus = raw
	}
	s.record(order.Gateway, outcome)
	return &ReconcileResult{Outcome: outcome, Order: order, ExpireAt: expireAt}, nil
}

func (s *ReconcileService) lockKey(order *domain.PaymentOrder) string {
	if order.SubjectUUID != "" {
		return order.SubjectUUID
	}
	return order.OrderID
}

func (s *ReconcileService) record(gw domain.Gateway, outcome Outcome) {
	s.metrics.RecordReconcile(string(gw), string(outcome))
}

func (s *ReconcileService) publish(ctx context.Context, order *domain.PaymentOrder, outcome Outcome) {
	if s.dispatcher == nil {
		return
	}
	_ = s.dispatcher.Publish(ctx, events.Event{
		ID:        uuid.NewString(),
		Type:      events.EventPaymentReconciled,
		UserID:    order.UserID,
		Timestamp: time.Now(),
		Payload: events.PaymentReconciledPayload{
			OrderID:     order.OrderID,
			Gateway:     order.Gateway,
			Outcome:     string(outcome),
			SubjectUUID: order.SubjectUUID,
			PlanDays:    order.PlanDays,
			AmountMinor: order.AmountMinor,
			Currency:    order.Currency,
		},
	})
}

// ComputeExpiry returns the fresh absolute expiry for a plan purchase. An
// active subscription with time remaining stacks the plan on top of its
// current expiry; everything else starts counting from now.
func ComputeExpiry(now time.Time, subjectStatus string, currentExpiry *time.Time, planDays int) time.Time {
	base := now
	if subjectStatus == directory.SubjectStatusActive && currentExpiry != nil && currentExpiry.After(now) {
		base = *currentExpiry
	}
	return base.AddDate(0, 0, planDays)
}

func mapStatus(class gateway.StatusClass) domain.OrderStatus {
	switch class {
	case gateway.StatusSettled:
		return domain.OrderStatusPaid
	case gateway.StatusFailed:
		return domain.OrderStatusDeclined
	default:
		return domain.OrderStatusPending
	}
}
