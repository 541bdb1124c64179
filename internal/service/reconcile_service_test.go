package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/directory"
	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/gateway"
	"github.com/spec-kit/support-relay/internal/observability"
	apperrors "github.com/spec-kit/support-relay/pkg/util"
)

type fakeOrderRepo struct {
	mu      sync.Mutex
	orders  map[string]*domain.PaymentOrder
	getGate func()
}

func newFakeOrderRepo(orders ...*domain.PaymentOrder) *fakeOrderRepo {
	repo := &fakeOrderRepo{orders: make(map[string]*domain.PaymentOrder)}
	for _, order := range orders {
		copied := *order
		repo.orders[order.OrderID] = &copied
	}
	return repo
}

func (f *fakeOrderRepo) Create(ctx context.Context, order *domain.PaymentOrder) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *order
	copied.CreatedAt = time.Now()
	copied.UpdatedAt = copied.CreatedAt
	f.orders[order.OrderID] = &copied
	order.CreatedAt = copied.CreatedAt
	order.UpdatedAt = copied.UpdatedAt
	return nil
}

func (f *fakeOrderRepo) Get(ctx context.Context, orderID string) (*domain.PaymentOrder, error) {
	if f.getGate != nil {
		f.getGate()
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return nil, nil
	}
	copied := *order
	return &copied, nil
}

func (f *fakeOrderRepo) UpdateStatus(ctx context.Context, orderID string, status domain.OrderStatus, rawPayload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok {
		return errors.New("no rows")
	}
	order.Status = status
	order.RawStatus = rawPayload
	order.UpdatedAt = time.Now()
	return nil
}

func (f *fakeOrderRepo) MarkSubscriptionUpdated(ctx context.Context, orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	order, ok := f.orders[orderID]
	if !ok || order.SubscriptionUpdated {
		return false, nil
	}
	order.SubscriptionUpdated = true
	return true, nil
}

type fakeGateway struct {
	mu           sync.Mutex
	name         domain.Gateway
	status       gateway.Status
	statusErr    error
	captureErr   error
	captured     int
	afterCapture *gateway.Status
}

func (f *fakeGateway) Name() domain.Gateway { return f.name }

func (f *fakeGateway) Register(ctx context.Context, req gateway.RegisterRequest) (*gateway.RegisterResult, error) {
	return &gateway.RegisterResult{OrderRef: "ref-" + req.OrderID, RedirectURL: "https://pay.example/" + req.OrderID}, nil
}

func (f *fakeGateway) GetStatus(ctx context.Context, orderRef string) (*gateway.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statusErr != nil {
		return nil, f.statusErr
	}
	status := f.status
	return &status, nil
}

func (f *fakeGateway) Capture(ctx context.Context, orderRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captured++
	if f.captureErr != nil {
		return f.captureErr
	}
	if f.afterCapture != nil {
		f.status = *f.afterCapture
	}
	return nil
}

type fakeDirectory struct {
	mu       sync.Mutex
	subjects map[string]*directory.Subject
	updates  []directory.UpdateRequest
	getErr   error
	updErr   error
}

func newFakeDirectory(subjects ...*directory.Subject) *fakeDirectory {
	dir := &fakeDirectory{subjects: make(map[string]*directory.Subject)}
	for _, subject := range subjects {
		dir.subjects[subject.UUID] = subject
	}
	return dir
}

func (f *fakeDirectory) GetSubject(ctx context.Context, uuid string) (*directory.Subject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return nil, f.getErr
	}
	subject, ok := f.subjects[uuid]
	if !ok {
		return nil, directory.ErrSubjectNotFound
	}
	copied := *subject
	return &copied, nil
}

func (f *fakeDirectory) UpdateSubject(ctx context.Context, uuid string, update directory.UpdateRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updErr != nil {
		return f.updErr
	}
	f.updates = append(f.updates, update)
	if subject, ok := f.subjects[uuid]; ok {
		subject.Status = update.Status
		expireAt := update.ExpireAt
		subject.ExpireAt = &expireAt
	}
	return nil
}

func pendingOrder(gw domain.Gateway) *domain.PaymentOrder {
	return &domain.PaymentOrder{
		OrderID:     "ord-1",
		UserID:      42,
		SubjectUUID: "subj-1",
		AmountMinor: 150000,
		Currency:    "KZT",
		PlanDays:    30,
		Gateway:     gw,
		GatewayRef:  "ref-ord-1",
		Status:      domain.OrderStatusPending,
	}
}

func newReconcileFixture(orders *fakeOrderRepo, gw *fakeGateway, dir *fakeDirectory) *ReconcileService {
	return NewReconcileService(ReconcileDependencies{
		OrderRepo: orders,
		Gateways:  gateway.Registry{gw.name: gw},
		Directory: dir,
		Metrics:   observability.NewMetrics(),
		Logger:    zap.NewNop(),
	})
}

func activeSubject(uuid string, expireAt time.Time) *directory.Subject {
	return &directory.Subject{
		UUID:     uuid,
		Status:   directory.SubjectStatusActive,
		ExpireAt: &expireAt,
	}
}

func TestReconcileSettledAppliesOnce(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusSettled, Code: "2", Raw: []byte(`{"orderStatus":2}`)}}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1", Status: "EXPIRED"})
	svc := newReconcileFixture(orders, gw, dir)

	first, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)
	require.NotNil(t, first.ExpireAt)

	second, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second.Outcome)

	assert.Len(t, dir.updates, 1, "entitlement applied exactly once")

	stored, err := orders.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPaid, stored.Status)
	assert.True(t, stored.SubscriptionUpdated)
	assert.JSONEq(t, `{"orderStatus":2}`, string(stored.RawStatus))
}

func TestReconcileConcurrentSingleApply(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusSettled, Code: "2"}}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1", Status: "EXPIRED"})
	svc := newReconcileFixture(orders, gw, dir)

	const workers = 12
	outcomes := make([]Outcome, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := svc.Reconcile(context.Background(), "ord-1", 42)
			if err != nil {
				errs[i] = err
				return
			}
			outcomes[i] = result.Outcome
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}

	applied := 0
	for _, outcome := range outcomes {
		if outcome == OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "exactly one caller applies")
	assert.Len(t, dir.updates, 1)
}

func TestReconcileRereadsGateUnderSubjectLock(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusSettled, Code: "2"}}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1", Status: "EXPIRED"})
	svc := newReconcileFixture(orders, gw, dir)

	// Hold both callers until each has loaded the order, so both queue on
	// the subject lock carrying a pre-apply copy. A poll and a settlement
	// push arriving in the same second do exactly this.
	var gateMu sync.Mutex
	loads := 0
	bothLoaded := make(chan struct{})
	orders.getGate = func() {
		gateMu.Lock()
		loads++
		n := loads
		gateMu.Unlock()
		if n == 2 {
			close(bothLoaded)
		}
		if n <= 2 {
			<-bothLoaded
		}
	}

	outcomes := make([]Outcome, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		result, err := svc.Reconcile(context.Background(), "ord-1", 42)
		if err != nil {
			errs[0] = err
			return
		}
		outcomes[0] = result.Outcome
	}()
	go func() {
		defer wg.Done()
		result, err := svc.ReconcileSettled(context.Background(), "ord-1", 42, []byte(`{"orderStatus":2}`))
		if err != nil {
			errs[1] = err
			return
		}
		outcomes[1] = result.Outcome
	}()
	wg.Wait()

	for _, err := range errs {
		require.NoError(t, err)
	}
	applied := 0
	for _, outcome := range outcomes {
		if outcome == OutcomeApplied {
			applied++
		}
	}
	assert.Equal(t, 1, applied, "the second caller skips")
	assert.Len(t, dir.updates, 1, "entitlement applied exactly once")
}

func TestReconcileRejectionsAreIndistinguishable(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusSettled, Code: "2"}}
	svc := newReconcileFixture(orders, gw, newFakeDirectory())

	_, unknownErr := svc.Reconcile(context.Background(), "missing", 999)
	require.Error(t, unknownErr)
	_, foreignErr := svc.Reconcile(context.Background(), "ord-1", 999)
	require.Error(t, foreignErr)

	unknown := apperrors.ToDomainError(unknownErr)
	foreign := apperrors.ToDomainError(foreignErr)
	assert.Equal(t, unknown.Code, foreign.Code)
	assert.Equal(t, unknown.Message, foreign.Message)
	assert.Equal(t, unknown.HTTPStatus, foreign.HTTPStatus)
	assert.Equal(t, unknown.Details, foreign.Details)
}

func TestReconcileStacksExpiryOnActiveSubscription(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusSettled, Code: "2"}}
	currentExpiry := time.Now().Add(10 * 24 * time.Hour).Truncate(time.Second)
	dir := newFakeDirectory(activeSubject("subj-1", currentExpiry))
	svc := newReconcileFixture(orders, gw, dir)

	result, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.NoError(t, err)
	require.Equal(t, OutcomeApplied, result.Outcome)

	want := currentExpiry.AddDate(0, 0, 30)
	assert.True(t, result.ExpireAt.Equal(want), "plan stacks on the remaining time")

	require.Len(t, dir.updates, 1)
	update := dir.updates[0]
	assert.Equal(t, directory.SubjectStatusActive, update.Status)
	assert.Equal(t, int64(214748364800), update.TrafficLimitBytes)
	assert.Equal(t, "MONTH", update.TrafficLimitStrategy)
	assert.Equal(t, int64(0), update.UsedTrafficBytes)
}

func TestReconcileOwnershipMismatchNoSideEffects(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusSettled, Code: "2"}}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1", Status: "EXPIRED"})
	svc := newReconcileFixture(orders, gw, dir)

	_, err := svc.Reconcile(context.Background(), "ord-1", 999)
	require.Error(t, err)
	domainErr := apperrors.ToDomainError(err)
	assert.Equal(t, "INTEGRITY_VIOLATION", domainErr.Code)

	assert.Empty(t, dir.updates)
	stored, getErr := orders.Get(context.Background(), "ord-1")
	require.NoError(t, getErr)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.False(t, stored.SubscriptionUpdated)
}

func TestReconcileUnknownOrder(t *testing.T) {
	orders := newFakeOrderRepo()
	gw := &fakeGateway{name: domain.GatewayBereke}
	svc := newReconcileFixture(orders, gw, newFakeDirectory())

	_, err := svc.Reconcile(context.Background(), "missing", 42)
	require.Error(t, err)
	assert.Equal(t, "INTEGRITY_VIOLATION", apperrors.ToDomainError(err).Code)
}

func TestReconcilePendingSkipsButPersistsStatus(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusPending, Code: "0", Raw: []byte(`{"orderStatus":0}`)}}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1"})
	svc := newReconcileFixture(orders, gw, dir)

	result, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Empty(t, dir.updates)

	stored, err := orders.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
	assert.JSONEq(t, `{"orderStatus":0}`, string(stored.RawStatus))
}

func TestReconcileDeclinedSkips(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusFailed, Code: "6"}}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1"})
	svc := newReconcileFixture(orders, gw, dir)

	result, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Empty(t, dir.updates)

	stored, err := orders.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusDeclined, stored.Status)
}

func TestReconcileCapturesAuthorizedFunds(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{
		name:         domain.GatewayBereke,
		status:       gateway.Status{Class: gateway.StatusAuthorized, Code: "1"},
		afterCapture: &gateway.Status{Class: gateway.StatusSettled, Code: "2"},
	}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1", Status: "EXPIRED"})
	svc := newReconcileFixture(orders, gw, dir)

	result, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
	assert.Equal(t, 1, gw.captured)
	assert.Len(t, dir.updates, 1)
}

func TestReconcileCaptureFailureStaysPending(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{
		name:       domain.GatewayBereke,
		status:     gateway.Status{Class: gateway.StatusAuthorized, Code: "1"},
		captureErr: errors.New("deposit rejected"),
	}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1"})
	svc := newReconcileFixture(orders, gw, dir)

	result, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Empty(t, dir.updates)

	stored, err := orders.Get(context.Background(), "ord-1")
	require.NoError(t, err)
	assert.Equal(t, domain.OrderStatusPending, stored.Status)
}

func TestReconcileGatewayErrorIsTransient(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, statusErr: errors.New("timeout")}
	svc := newReconcileFixture(orders, gw, newFakeDirectory())

	_, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.Error(t, err)
	assert.Equal(t, "TRANSIENT", apperrors.ToDomainError(err).Code)
}

func TestReconcileDirectoryFailureLeavesFlagUnset(t *testing.T) {
	orders := newFakeOrderRepo(pendingOrder(domain.GatewayBereke))
	gw := &fakeGateway{name: domain.GatewayBereke, status: gateway.Status{Class: gateway.StatusSettled, Code: "2"}}
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1", Status: "EXPIRED"})
	dir.updErr = errors.New("backend down")
	svc := newReconcileFixture(orders, gw, dir)

	_, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.Error(t, err)

	stored, getErr := orders.Get(context.Background(), "ord-1")
	require.NoError(t, getErr)
	assert.False(t, stored.SubscriptionUpdated, "a later retry can still apply")

	// The retry succeeds once the backend recovers.
	dir.updErr = nil
	result, err := svc.Reconcile(context.Background(), "ord-1", 42)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, result.Outcome)
}

func TestReconcileSettledPlatformPayment(t *testing.T) {
	order := pendingOrder(domain.GatewayStars)
	order.Gateway = domain.GatewayStars
	order.Currency = "XTR"
	orders := newFakeOrderRepo(order)
	dir := newFakeDirectory(&directory.Subject{UUID: "subj-1", Status: "EXPIRED"})
	svc := NewReconcileService(ReconcileDependencies{
		OrderRepo: orders,
		Gateways:  gateway.Registry{},
		Directory: dir,
		Metrics:   observability.NewMetrics(),
		Logger:    zap.NewNop(),
	})

	raw := []byte(`{"invoice_payload":"ord-1"}`)
	first, err := svc.ReconcileSettled(context.Background(), "ord-1", 42, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeApplied, first.Outcome)

	second, err := svc.ReconcileSettled(context.Background(), "ord-1", 42, raw)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, second.Outcome)
	assert.Len(t, dir.updates, 1)
}

func TestComputeExpiry(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	future := now.Add(5 * 24 * time.Hour)
	past := now.Add(-24 * time.Hour)

	t.Run("active with remaining time stacks", func(t *testing.T) {
		got := ComputeExpiry(now, directory.SubjectStatusActive, &future, 30)
		assert.Equal(t, future.AddDate(0, 0, 30), got)
	})
	t.Run("active but lapsed starts from now", func(t *testing.T) {
		got := ComputeExpiry(now, directory.SubjectStatusActive, &past, 30)
		assert.Equal(t, now.AddDate(0, 0, 30), got)
	})
	t.Run("inactive starts from now", func(t *testing.T) {
		got := ComputeExpiry(now, "EXPIRED", &future, 30)
		assert.Equal(t, now.AddDate(0, 0, 30), got)
	})
	t.Run("no expiry starts from now", func(t *testing.T) {
		got := ComputeExpiry(now, directory.SubjectStatusActive, nil, 30)
		assert.Equal(t, now.AddDate(0, 0, 30), got)
	})
}
