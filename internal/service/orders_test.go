package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obezeq/AntiPanel-sub001/internal/provider"
	"github.com/obezeq/AntiPanel-sub001/internal/storage"
)

// memStore mirrors the store's money semantics in memory: debit once at hold
// creation, capture finalizes without touching balance, release credits back
// exactly once, terminal states no-op.
type memStore struct {
	mu         sync.Mutex
	users      map[uuid.UUID]*storage.User
	services   map[int64]*storage.Service
	holds      map[uuid.UUID]*storage.BalanceHold
	holdsByKey map[string]uuid.UUID
	orders     map[uuid.UUID]*storage.Order
	txns       []storage.Transaction
}

func newMemStore() *memStore {
	return &memStore{
		users:      map[uuid.UUID]*storage.User{},
		services:   map[int64]*storage.Service{},
		holds:      map[uuid.UUID]*storage.BalanceHold{},
		holdsByKey: map[string]uuid.UUID{},
		orders:     map[uuid.UUID]*storage.Order{},
	}
}

func (m *memStore) GetActiveService(_ context.Context, serviceID int64) (*storage.Service, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	svc, ok := m.services[serviceID]
	if !ok || !svc.Active {
		return nil, storage.ErrNotFound
	}
	copied := *svc
	return &copied, nil
}

func (m *memStore) CreateHold(_ context.Context, userID uuid.UUID, amount decimal.Decimal, key string, duration time.Duration) (*storage.BalanceHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createHoldLocked(userID, amount, key, duration)
}

func (m *memStore) createHoldLocked(userID uuid.UUID, amount decimal.Decimal, key string, duration time.Duration) (*storage.BalanceHold, error) {
	if id, ok := m.holdsByKey[key]; ok {
		copied := *m.holds[id]
		return &copied, nil
	}
	user, ok := m.users[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if user.Balance.LessThan(amount) {
		return nil, storage.ErrInsufficientBalance
	}
	user.Balance = user.Balance.Sub(amount)
	now := time.Now().UTC()
	hold := &storage.BalanceHold{
		ID:             uuid.New(),
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: key,
		Status:         storage.HoldStatusHeld,
		ExpiresAt:      now.Add(duration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	m.holds[hold.ID] = hold
	m.holdsByKey[key] = hold.ID
	copied := *hold
	return &copied, nil
}

func (m *memStore) CaptureHold(_ context.Context, holdID, orderID uuid.UUID) (*storage.BalanceHold, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.captureHoldLocked(holdID, orderID)
}

func (m *memStore) captureHoldLocked(holdID, orderID uuid.UUID) (*storage.BalanceHold, bool, error) {
	hold, ok := m.holds[holdID]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	if hold.Status != storage.HoldStatusHeld {
		copied := *hold
		return &copied, false, nil
	}
	hold.Status = storage.HoldStatusCaptured
	if hold.ReferenceID == nil && orderID != uuid.Nil {
		refType := storage.ReferenceTypeOrder
		refID := orderID
		hold.ReferenceType = &refType
		hold.ReferenceID = &refID
	}
	user := m.users[hold.UserID]
	refType := storage.ReferenceTypeOrder
	refID := orderID
	m.txns = append(m.txns, storage.Transaction{
		ID:            uuid.New(),
		UserID:        hold.UserID,
		Type:          storage.TransactionTypeOrder,
		Amount:        hold.Amount.Neg(),
		BalanceBefore: user.Balance.Add(hold.Amount),
		BalanceAfter:  user.Balance,
		ReferenceType: &refType,
		ReferenceID:   &refID,
	})
	copied := *hold
	return &copied, true, nil
}

func (m *memStore) ReleaseHold(_ context.Context, holdID uuid.UUID, _ string) (*storage.BalanceHold, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.releaseHoldLocked(holdID)
}

func (m *memStore) releaseHoldLocked(holdID uuid.UUID) (*storage.BalanceHold, bool, error) {
	hold, ok := m.holds[holdID]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	if hold.Status != storage.HoldStatusHeld {
		copied := *hold
		return &copied, false, nil
	}
	hold.Status = storage.HoldStatusReleased
	m.users[hold.UserID].Balance = m.users[hold.UserID].Balance.Add(hold.Amount)
	copied := *hold
	return &copied, true, nil
}

func (m *memStore) ReleaseExpiredHolds(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, hold := range m.holds {
		if hold.Status == storage.HoldStatusHeld && hold.ExpiresAt.Before(now) {
			if _, released, _ := m.releaseHoldLocked(hold.ID); released {
				count++
			}
		}
	}
	return count, nil
}

func (m *memStore) GetHoldByIdempotencyKey(_ context.Context, key string) (*storage.BalanceHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.holdsByKey[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *m.holds[id]
	return &copied, nil
}

func (m *memStore) CreateOrderWithHold(_ context.Context, params storage.CreateOrderParams) (*storage.Order, *storage.BalanceHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.UserID == params.UserID && order.ClientRef == params.ClientRef {
			copied := *order
			var hold *storage.BalanceHold
			if id, ok := m.holdsByKey[params.IdempotencyKey]; ok {
				h := *m.holds[id]
				hold = &h
			}
			return &copied, hold, nil
		}
	}
	hold, err := m.createHoldLocked(params.UserID, params.Charge, params.IdempotencyKey, params.HoldDuration)
	if err != nil {
		return nil, nil, err
	}
	now := time.Now().UTC()
	order := &storage.Order{
		ID:        uuid.New(),
		UserID:    params.UserID,
		ServiceID: params.ServiceID,
		ClientRef: params.ClientRef,
		Link:      params.Link,
		Quantity:  params.Quantity,
		Remains:   params.Quantity,
		Status:    storage.OrderStatusPending,
		Charge:    params.Charge,
		Cost:      params.Cost,
		Profit:    params.Profit,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.orders[order.ID] = order
	refType := storage.ReferenceTypeOrder
	refID := order.ID
	m.holds[hold.ID].ReferenceType = &refType
	m.holds[hold.ID].ReferenceID = &refID
	copied := *order
	return &copied, hold, nil
}

func (m *memStore) CompleteSubmission(_ context.Context, orderID uuid.UUID, providerOrderID string) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if order.Status != storage.OrderStatusPending {
		copied := *order
		return &copied, nil
	}
	for _, hold := range m.holds {
		if hold.ReferenceID != nil && *hold.ReferenceID == orderID {
			if hold.Status == storage.HoldStatusReleased {
				return nil, storage.ErrHoldReleased
			}
			m.captureHoldLocked(hold.ID, orderID)
			break
		}
	}
	order.Status = storage.OrderStatusProcessing
	order.ProviderOrderID = &providerOrderID
	order.UpdatedAt = time.Now().UTC()
	copied := *order
	return &copied, nil
}

func (m *memStore) CompensateOrder(_ context.Context, orderID uuid.UUID, _ string) (*storage.Order, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, false, storage.ErrNotFound
	}
	if storage.OrderStatusTerminal(order.Status) {
		copied := *order
		return &copied, false, nil
	}
	for _, hold := range m.holds {
		if hold.ReferenceID != nil && *hold.ReferenceID == orderID {
			if hold.Status == storage.HoldStatusCaptured {
				copied := *order
				return &copied, false, nil
			}
			m.releaseHoldLocked(hold.ID)
			break
		}
	}
	order.Status = storage.OrderStatusFailed
	order.UpdatedAt = time.Now().UTC()
	copied := *order
	return &copied, true, nil
}

func (m *memStore) GetOrderByID(_ context.Context, orderID uuid.UUID) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	copied := *order
	return &copied, nil
}

func (m *memStore) GetOrderByClientRef(_ context.Context, userID uuid.UUID, clientRef string) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.orders {
		if order.UserID == userID && order.ClientRef == clientRef {
			copied := *order
			return &copied, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (m *memStore) ListOrders(_ context.Context, userID uuid.UUID, _ storage.OrderFilter) ([]storage.Order, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []storage.Order
	for _, order := range m.orders {
		if order.UserID == userID {
			orders = append(orders, *order)
		}
	}
	return orders, "", nil
}

func (m *memStore) UpdateOrderProgress(_ context.Context, orderID uuid.UUID, status string, remains, startCount int) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if status != order.Status && !storage.CanTransitionOrder(order.Status, status) {
		return nil, storage.ErrInvalidStatus
	}
	order.Status = status
	order.Remains = remains
	order.StartCount = startCount
	order.UpdatedAt = time.Now().UTC()
	copied := *order
	return &copied, nil
}

func (m *memStore) RefundCancelledOrder(_ context.Context, orderID uuid.UUID, remains int) (*storage.Order, decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, decimal.Zero, storage.ErrNotFound
	}
	if storage.OrderStatusTerminal(order.Status) {
		copied := *order
		return &copied, decimal.Zero, nil
	}
	target := storage.OrderStatusCancelled
	if remains == order.Quantity {
		target = storage.OrderStatusRefunded
	}
	refund := order.Charge.
		Mul(decimal.NewFromInt(int64(remains))).
		Div(decimal.NewFromInt(int64(order.Quantity))).
		RoundBank(4)
	if refund.GreaterThan(decimal.Zero) {
		user := m.users[order.UserID]
		refType := storage.ReferenceTypeOrder
		refID := orderID
		m.txns = append(m.txns, storage.Transaction{
			ID:            uuid.New(),
			UserID:        order.UserID,
			Type:          storage.TransactionTypeRefund,
			Amount:        refund,
			BalanceBefore: user.Balance,
			BalanceAfter:  user.Balance.Add(refund),
			ReferenceType: &refType,
			ReferenceID:   &refID,
		})
		user.Balance = user.Balance.Add(refund)
	}
	order.Status = target
	order.Remains = remains
	order.UpdatedAt = time.Now().UTC()
	copied := *order
	return &copied, refund, nil
}

func (m *memStore) SetOrderRefill(_ context.Context, orderID uuid.UUID, refillID string) (*storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	now := time.Now().UTC()
	order.RefillID = &refillID
	order.RefillRequestedAt = &now
	copied := *order
	return &copied, nil
}

func (m *memStore) ListOrdersForSync(_ context.Context, limit int) ([]storage.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var orders []storage.Order
	for _, order := range m.orders {
		if (order.Status == storage.OrderStatusProcessing || order.Status == storage.OrderStatusInProgress) && order.ProviderOrderID != nil {
			orders = append(orders, *order)
		}
		if len(orders) == limit {
			break
		}
	}
	return orders, nil
}

func (m *memStore) ListStalePendingOrders(_ context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []uuid.UUID
	for _, order := range m.orders {
		if order.Status == storage.OrderStatusPending && order.CreatedAt.Before(olderThan) {
			ids = append(ids, order.ID)
		}
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (m *memStore) balance(userID uuid.UUID) decimal.Decimal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.users[userID].Balance
}

func (m *memStore) hold(holdID uuid.UUID) storage.BalanceHold {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.holds[holdID]
}

type fakeGateway struct {
	mu          sync.Mutex
	addErr      error
	orderID     string
	addCalls    int
	onAdd       func()
	cancelled   []string
	refillID    string
	refillErr   error
	statusState *provider.OrderState
	statusErr   error
	states      map[string]*provider.OrderState
}

func (g *fakeGateway) AddOrder(_ context.Context, _ int64, _ string, _ int) (string, error) {
	g.mu.Lock()
	g.addCalls++
	hook := g.onAdd
	addErr := g.addErr
	g.mu.Unlock()
	if addErr != nil {
		return "", addErr
	}
	if hook != nil {
		hook()
	}
	return g.orderID, nil
}

func (g *fakeGateway) OrderStatus(_ context.Context, _ string) (*provider.OrderState, error) {
	if g.statusErr != nil {
		return nil, g.statusErr
	}
	return g.statusState, nil
}

func (g *fakeGateway) OrderStatuses(_ context.Context, ids []string) (map[string]*provider.OrderState, error) {
	out := map[string]*provider.OrderState{}
	for _, id := range ids {
		if state, ok := g.states[id]; ok {
			out[id] = state
		}
	}
	return out, nil
}

func (g *fakeGateway) Refill(_ context.Context, _ string) (string, error) {
	if g.refillErr != nil {
		return "", g.refillErr
	}
	return g.refillID, nil
}

func (g *fakeGateway) Cancel(_ context.Context, providerOrderID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancelled = append(g.cancelled, providerOrderID)
	return nil
}

func (g *fakeGateway) cancelCalls() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.cancelled...)
}

type recordProducer struct {
	mu        sync.Mutex
	published []string
}

func (r *recordProducer) PublishJSON(_ context.Context, topic, _ string, _ any) (int32, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, topic)
	return 0, 0, nil
}

func (r *recordProducer) Close() error { return nil }

func (r *recordProducer) topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.published...)
}

type testEnv struct {
	store    *memStore
	gateway  *fakeGateway
	producer *recordProducer
	orders   *OrderService
	comp     *CompensationService
	userID   uuid.UUID
}

func newTestEnv(t *testing.T, balance string) *testEnv {
	t.Helper()
	store := newMemStore()
	userID := uuid.New()
	store.users[userID] = &storage.User{ID: userID, Balance: mustDecimal(t, balance)}
	store.services[7] = &storage.Service{
		ID:                7,
		Name:              "followers",
		Rate:              mustDecimal(t, "25"),
		Cost:              mustDecimal(t, "10"),
		MinQuantity:       100,
		MaxQuantity:       10000,
		ProviderServiceID: 42,
		Refillable:        true,
		Active:            true,
	}

	gateway := &fakeGateway{orderID: "555"}
	producer := &recordProducer{}
	comp := NewCompensationService(store, producer, "orders.failed", nil, nil)
	orders := NewOrderService(store, gateway, comp, producer, nil, nil, Topics{
		OrdersAccepted:  "orders.accepted",
		OrdersFailed:    "orders.failed",
		OrdersCompleted: "orders.completed",
	}, 3*time.Minute, time.Minute)

	return &testEnv{
		store:    store,
		gateway:  gateway,
		producer: producer,
		orders:   orders,
		comp:     comp,
		userID:   userID,
	}
}

func mustDecimal(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("parse decimal %q: %v", s, err)
	}
	return d
}

func TestCreateOrderProviderSuccess(t *testing.T) {
	env := newTestEnv(t, "100")

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Link:      "https://example.com/p/1",
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != storage.OrderStatusProcessing {
		t.Fatalf("expected processing, got %s", order.Status)
	}
	if order.ProviderOrderID == nil || *order.ProviderOrderID != "555" {
		t.Fatalf("expected provider order id 555, got %v", order.ProviderOrderID)
	}
	if !order.Charge.Equal(mustDecimal(t, "25")) {
		t.Fatalf("expected charge 25, got %s", order.Charge.String())
	}
	if !order.Profit.Equal(mustDecimal(t, "15")) {
		t.Fatalf("expected profit 15, got %s", order.Profit.String())
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "75")) {
		t.Fatalf("expected balance 75, got %s", got.String())
	}

	hold, err := env.store.GetHoldByIdempotencyKey(context.Background(), holdIdempotencyKey(env.userID, 7, 1000, "ref-1"))
	if err != nil {
		t.Fatalf("hold lookup: %v", err)
	}
	if hold.Status != storage.HoldStatusCaptured {
		t.Fatalf("expected captured hold, got %s", hold.Status)
	}

	if len(env.store.txns) != 1 {
		t.Fatalf("expected exactly one ledger transaction, got %d", len(env.store.txns))
	}
	txn := env.store.txns[0]
	if txn.Type != storage.TransactionTypeOrder {
		t.Fatalf("expected order transaction, got %s", txn.Type)
	}
	if !txn.BalanceBefore.Equal(mustDecimal(t, "100")) || !txn.BalanceAfter.Equal(mustDecimal(t, "75")) {
		t.Fatalf("expected before 100 / after 75, got %s / %s", txn.BalanceBefore.String(), txn.BalanceAfter.String())
	}
	if !txn.Amount.Equal(mustDecimal(t, "-25")) {
		t.Fatalf("expected amount -25, got %s", txn.Amount.String())
	}

	topics := env.producer.topics()
	if len(topics) != 1 || topics[0] != "orders.accepted" {
		t.Fatalf("expected orders.accepted publish, got %v", topics)
	}
}

func TestCreateOrderProviderFailure(t *testing.T) {
	env := newTestEnv(t, "100")
	env.gateway.addErr = errors.New("provider down")

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Link:      "https://example.com/p/1",
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != storage.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", order.Status)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "100")) {
		t.Fatalf("expected balance restored to 100, got %s", got.String())
	}

	hold, err := env.store.GetHoldByIdempotencyKey(context.Background(), holdIdempotencyKey(env.userID, 7, 1000, "ref-1"))
	if err != nil {
		t.Fatalf("hold lookup: %v", err)
	}
	if hold.Status != storage.HoldStatusReleased {
		t.Fatalf("expected released hold, got %s", hold.Status)
	}
	if len(env.store.txns) != 0 {
		t.Fatalf("provisional debit must leave no ledger rows, got %d", len(env.store.txns))
	}

	topics := env.producer.topics()
	if len(topics) != 1 || topics[0] != "orders.failed" {
		t.Fatalf("expected orders.failed publish, got %v", topics)
	}
}

func TestCreateOrderFailsWhenReleaseWinsRace(t *testing.T) {
	env := newTestEnv(t, "100")
	key := holdIdempotencyKey(env.userID, 7, 1000, "ref-race")
	// The hold is reaped while the provider call is still in flight.
	env.gateway.onAdd = func() {
		env.store.mu.Lock()
		defer env.store.mu.Unlock()
		env.store.releaseHoldLocked(env.store.holdsByKey[key])
	}

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Link:      "https://example.com/p/1",
		Quantity:  1000,
		ClientRef: "ref-race",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != storage.OrderStatusFailed {
		t.Fatalf("an order whose hold was already released must fail, got %s", order.Status)
	}
	if order.ProviderOrderID != nil {
		t.Fatalf("refused submission must not record a provider order id, got %s", *order.ProviderOrderID)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "100")) {
		t.Fatalf("expected balance to stay 100, got %s", got.String())
	}
	if len(env.store.txns) != 0 {
		t.Fatalf("released hold must leave no ledger rows, got %d", len(env.store.txns))
	}
	if cancels := env.gateway.cancelCalls(); len(cancels) != 1 || cancels[0] != "555" {
		t.Fatalf("expected provider cancel for order 555, got %v", cancels)
	}

	topics := env.producer.topics()
	if len(topics) != 1 || topics[0] != "orders.failed" {
		t.Fatalf("expected orders.failed publish, got %v", topics)
	}
}

type flakyCompletionStore struct {
	*memStore
	failures int
}

func (s *flakyCompletionStore) CompleteSubmission(ctx context.Context, orderID uuid.UUID, providerOrderID string) (*storage.Order, error) {
	if s.failures > 0 {
		s.failures--
		return nil, errors.New("connection reset")
	}
	return s.memStore.CompleteSubmission(ctx, orderID, providerOrderID)
}

func TestCreateOrderRetriesCaptureAfterProviderAccept(t *testing.T) {
	env := newTestEnv(t, "100")
	flaky := &flakyCompletionStore{memStore: env.store, failures: 1}
	orders := NewOrderService(flaky, env.gateway, env.comp, env.producer, nil, nil, Topics{
		OrdersAccepted:  "orders.accepted",
		OrdersFailed:    "orders.failed",
		OrdersCompleted: "orders.completed",
	}, 3*time.Minute, time.Minute)

	order, err := orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Link:      "https://example.com/p/1",
		Quantity:  1000,
		ClientRef: "ref-retry",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != storage.OrderStatusProcessing {
		t.Fatalf("one transient capture failure must still resolve to processing, got %s", order.Status)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "75")) {
		t.Fatalf("expected balance 75 after capture, got %s", got.String())
	}
	if len(env.store.txns) != 1 {
		t.Fatalf("expected exactly one ledger row, got %d", len(env.store.txns))
	}
	if cancels := env.gateway.cancelCalls(); len(cancels) != 0 {
		t.Fatalf("successful retry must not cancel the provider order, got %v", cancels)
	}
}

func TestCreateOrderCompensatesWhenCaptureKeepsFailing(t *testing.T) {
	env := newTestEnv(t, "100")
	flaky := &flakyCompletionStore{memStore: env.store, failures: captureAttempts}
	orders := NewOrderService(flaky, env.gateway, env.comp, env.producer, nil, nil, Topics{
		OrdersAccepted:  "orders.accepted",
		OrdersFailed:    "orders.failed",
		OrdersCompleted: "orders.completed",
	}, 3*time.Minute, time.Minute)

	order, err := orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Link:      "https://example.com/p/1",
		Quantity:  1000,
		ClientRef: "ref-flaky",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status == storage.OrderStatusPending {
		t.Fatal("caller must never see a pending order")
	}
	if order.Status != storage.OrderStatusFailed {
		t.Fatalf("exhausted capture retries must compensate, got %s", order.Status)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "100")) {
		t.Fatalf("expected balance restored to 100, got %s", got.String())
	}
	if len(env.store.txns) != 0 {
		t.Fatalf("compensated order must leave no ledger rows, got %d", len(env.store.txns))
	}
	if cancels := env.gateway.cancelCalls(); len(cancels) != 1 || cancels[0] != "555" {
		t.Fatalf("expected provider cancel for order 555, got %v", cancels)
	}
}

func TestCreateOrderInsufficientBalance(t *testing.T) {
	env := newTestEnv(t, "10")

	_, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "10")) {
		t.Fatalf("balance must be untouched, got %s", got.String())
	}
	if env.gateway.addCalls != 0 {
		t.Fatalf("provider must not be called, got %d calls", env.gateway.addCalls)
	}
}

func TestCreateOrderQuantityOutOfRange(t *testing.T) {
	env := newTestEnv(t, "100")

	_, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  50,
		ClientRef: "ref-1",
	})
	if !errors.Is(err, ErrQuantityOutOfRange) {
		t.Fatalf("expected ErrQuantityOutOfRange, got %v", err)
	}
}

func TestCreateOrderIdempotentReplay(t *testing.T) {
	env := newTestEnv(t, "100")

	input := CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Link:      "https://example.com/p/1",
		Quantity:  1000,
		ClientRef: "ref-1",
	}
	first, err := env.orders.CreateOrder(context.Background(), input)
	if err != nil {
		t.Fatalf("first CreateOrder: %v", err)
	}
	second, err := env.orders.CreateOrder(context.Background(), input)
	if err != nil {
		t.Fatalf("second CreateOrder: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same order on replay")
	}
	if env.gateway.addCalls != 1 {
		t.Fatalf("expected one provider call, got %d", env.gateway.addCalls)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "75")) {
		t.Fatalf("expected single debit, balance %s", got.String())
	}
	if len(env.store.txns) != 1 {
		t.Fatalf("expected single ledger transaction, got %d", len(env.store.txns))
	}
}

func TestCreateOrderResumesPendingReplay(t *testing.T) {
	env := newTestEnv(t, "100")

	// First attempt dies between the two units of work: hold and PENDING
	// order are durable, the provider was never reached.
	_, _, err := env.store.CreateOrderWithHold(context.Background(), storage.CreateOrderParams{
		UserID:         env.userID,
		ServiceID:      7,
		ClientRef:      "ref-1",
		Link:           "https://example.com/p/1",
		Quantity:       1000,
		Charge:         mustDecimal(t, "25"),
		Cost:           mustDecimal(t, "10"),
		Profit:         mustDecimal(t, "15"),
		IdempotencyKey: holdIdempotencyKey(env.userID, 7, 1000, "ref-1"),
		HoldDuration:   3 * time.Minute,
	})
	if err != nil {
		t.Fatalf("seed pending order: %v", err)
	}

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Link:      "https://example.com/p/1",
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if order.Status != storage.OrderStatusProcessing {
		t.Fatalf("replay must resume the saga, got %s", order.Status)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "75")) {
		t.Fatalf("expected single debit, balance %s", got.String())
	}
}

func TestCompensateFailedOrderIdempotent(t *testing.T) {
	env := newTestEnv(t, "100")
	env.gateway.addErr = errors.New("provider down")

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	again, err := env.comp.CompensateFailedOrder(context.Background(), order.ID, "sweep")
	if err != nil {
		t.Fatalf("second compensation: %v", err)
	}
	if again.Status != storage.OrderStatusFailed {
		t.Fatalf("expected failed, got %s", again.Status)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "100")) {
		t.Fatalf("second compensation must not refund again, balance %s", got.String())
	}
}

func TestRequestRefill(t *testing.T) {
	env := newTestEnv(t, "100")
	env.gateway.refillID = "777"

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	if _, err := env.store.UpdateOrderProgress(context.Background(), order.ID, storage.OrderStatusCompleted, 0, 100); err != nil {
		t.Fatalf("complete order: %v", err)
	}

	updated, err := env.orders.RequestRefill(context.Background(), env.userID, order.ID)
	if err != nil {
		t.Fatalf("RequestRefill: %v", err)
	}
	if updated.RefillID == nil || *updated.RefillID != "777" {
		t.Fatalf("expected refill id 777, got %v", updated.RefillID)
	}
}

func TestRequestRefillRequiresCompletedOrder(t *testing.T) {
	env := newTestEnv(t, "100")

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	_, err = env.orders.RequestRefill(context.Background(), env.userID, order.ID)
	if !errors.Is(err, storage.ErrInvalidStatus) {
		t.Fatalf("expected ErrInvalidStatus for processing order, got %v", err)
	}
}

func TestSyncOrderStatusCompleted(t *testing.T) {
	env := newTestEnv(t, "100")

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	env.gateway.statusState = &provider.OrderState{Status: "completed", Remains: 0, StartCount: 120}
	updated, err := env.orders.SyncOrderStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("SyncOrderStatus: %v", err)
	}
	if updated.Status != storage.OrderStatusCompleted {
		t.Fatalf("expected completed, got %s", updated.Status)
	}
	found := false
	for _, topic := range env.producer.topics() {
		if topic == "orders.completed" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected orders.completed publish")
	}
}

func TestSyncOrderStatusPartialRefund(t *testing.T) {
	env := newTestEnv(t, "100")

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	// 200 of 1000 undelivered: a fifth of the 25.00 charge comes back.
	env.gateway.statusState = &provider.OrderState{Status: "partial", Remains: 200}
	updated, err := env.orders.SyncOrderStatus(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("SyncOrderStatus: %v", err)
	}
	if updated.Status != storage.OrderStatusCancelled {
		t.Fatalf("expected cancelled, got %s", updated.Status)
	}
	if got := env.store.balance(env.userID); !got.Equal(mustDecimal(t, "80")) {
		t.Fatalf("expected balance 80 after partial refund, got %s", got.String())
	}

	// The ledger now shows the matched pair: the ORDER charge and the
	// partial REFUND.
	if len(env.store.txns) != 2 {
		t.Fatalf("expected order + refund transactions, got %d", len(env.store.txns))
	}
	if env.store.txns[1].Type != storage.TransactionTypeRefund || !env.store.txns[1].Amount.Equal(mustDecimal(t, "5")) {
		t.Fatalf("expected refund of 5, got %s %s", env.store.txns[1].Type, env.store.txns[1].Amount.String())
	}
}

func TestSyncOrderStatusesBatch(t *testing.T) {
	env := newTestEnv(t, "100")

	first, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	env.gateway.orderID = "556"
	second, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-2",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	env.gateway.states = map[string]*provider.OrderState{
		"555": {Status: "completed", Remains: 0},
		"556": {Status: "in progress", Remains: 400},
	}
	changed, err := env.orders.SyncOrderStatuses(context.Background(), 50)
	if err != nil {
		t.Fatalf("SyncOrderStatuses: %v", err)
	}
	if changed != 2 {
		t.Fatalf("expected 2 changed orders, got %d", changed)
	}

	got, _ := env.store.GetOrderByID(context.Background(), first.ID)
	if got.Status != storage.OrderStatusCompleted {
		t.Fatalf("expected first completed, got %s", got.Status)
	}
	got, _ = env.store.GetOrderByID(context.Background(), second.ID)
	if got.Status != storage.OrderStatusInProgress {
		t.Fatalf("expected second in progress, got %s", got.Status)
	}
}

func TestGetOrderChecksOwnership(t *testing.T) {
	env := newTestEnv(t, "100")

	order, err := env.orders.CreateOrder(context.Background(), CreateOrderInput{
		UserID:    env.userID,
		ServiceID: 7,
		Quantity:  1000,
		ClientRef: "ref-1",
	})
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	_, err = env.orders.GetOrder(context.Background(), uuid.New(), order.ID)
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("foreign order must read as not found, got %v", err)
	}
}
