package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obezeq/AntiPanel-sub001/internal/provider"
	"github.com/obezeq/AntiPanel-sub001/internal/storage"
	"github.com/obezeq/AntiPanel-sub001/libs/kafka"
)

var (
	ErrQuantityOutOfRange = errors.New("quantity out of range")
	ErrNotRefillable      = errors.New("service not refillable")
)

type Topics struct {
	OrdersAccepted  string
	OrdersFailed    string
	OrdersCompleted string
}

type OrderStore interface {
	GetActiveService(ctx context.Context, serviceID int64) (*storage.Service, error)
	GetOrderByID(ctx context.Context, orderID uuid.UUID) (*storage.Order, error)
	GetOrderByClientRef(ctx context.Context, userID uuid.UUID, clientRef string) (*storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error)
	CreateOrderWithHold(ctx context.Context, params storage.CreateOrderParams) (*storage.Order, *storage.BalanceHold, error)
	CompleteSubmission(ctx context.Context, orderID uuid.UUID, providerOrderID string) (*storage.Order, error)
	UpdateOrderProgress(ctx context.Context, orderID uuid.UUID, status string, remains, startCount int) (*storage.Order, error)
	RefundCancelledOrder(ctx context.Context, orderID uuid.UUID, remains int) (*storage.Order, decimal.Decimal, error)
	SetOrderRefill(ctx context.Context, orderID uuid.UUID, refillID string) (*storage.Order, error)
	ListOrdersForSync(ctx context.Context, limit int) ([]storage.Order, error)
}

type Gateway interface {
	AddOrder(ctx context.Context, providerServiceID int64, link string, quantity int) (string, error)
	OrderStatus(ctx context.Context, providerOrderID string) (*provider.OrderState, error)
	OrderStatuses(ctx context.Context, providerOrderIDs []string) (map[string]*provider.OrderState, error)
	Refill(ctx context.Context, providerOrderID string) (string, error)
	Cancel(ctx context.Context, providerOrderID string) error
}

// OrderService orchestrates order creation as two independent units of work:
// the hold and PENDING order commit first, then the provider submission
// resolves to a captured charge or a compensated failure. The caller always
// sees a PROCESSING or FAILED order, never a dangling PENDING one.
type OrderService struct {
	store           OrderStore
	gateway         Gateway
	compensator     *CompensationService
	producer        kafka.Publisher
	logger          *slog.Logger
	metrics         *Metrics
	topics          Topics
	holdDuration    time.Duration
	providerTimeout time.Duration
}

type CreateOrderInput struct {
	UserID        uuid.UUID
	ServiceID     int64
	Link          string
	Quantity      int
	ClientRef     string
	CorrelationID string
}

func NewOrderService(store OrderStore, gateway Gateway, compensator *CompensationService, producer kafka.Publisher, logger *slog.Logger, metrics *Metrics, topics Topics, holdDuration, providerTimeout time.Duration) *OrderService {
	if logger == nil {
		logger = slog.Default()
	}
	if holdDuration <= 0 {
		holdDuration = 3 * time.Minute
	}
	if providerTimeout <= 0 {
		providerTimeout = 2 * time.Minute
	}
	return &OrderService{
		store:           store,
		gateway:         gateway,
		compensator:     compensator,
		producer:        producer,
		logger:          logger,
		metrics:         metrics,
		topics:          topics,
		holdDuration:    holdDuration,
		providerTimeout: providerTimeout,
	}
}

func (s *OrderService) CreateOrder(ctx context.Context, input CreateOrderInput) (*storage.Order, error) {
	start := time.Now()

	svc, err := s.store.GetActiveService(ctx, input.ServiceID)
	if err != nil {
		s.observeCreation("error", start)
		return nil, err
	}
	if input.Quantity < svc.MinQuantity || input.Quantity > svc.MaxQuantity {
		s.observeCreation("rejected", start)
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", ErrQuantityOutOfRange, input.Quantity, svc.MinQuantity, svc.MaxQuantity)
	}

	clientRef := strings.TrimSpace(input.ClientRef)
	if clientRef == "" {
		clientRef = uuid.NewString()
	}

	existing, err := s.store.GetOrderByClientRef(ctx, input.UserID, clientRef)
	if err == nil {
		if existing.Status != storage.OrderStatusPending {
			s.observeCreation("replay", start)
			return existing, nil
		}
		// A PENDING replay means a previous attempt crashed between the two
		// units of work. Resume the submission instead of handing the caller
		// an unresolved order.
		order := s.submitOrder(ctx, existing, svc, input.CorrelationID)
		s.observeCreation(order.Status, start)
		return order, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		s.observeCreation("error", start)
		return nil, err
	}

	charge := amountPerK(svc.Rate, input.Quantity)
	cost := amountPerK(svc.Cost, input.Quantity)

	params := storage.CreateOrderParams{
		UserID:         input.UserID,
		ServiceID:      svc.ID,
		ClientRef:      clientRef,
		Link:           input.Link,
		Quantity:       input.Quantity,
		Charge:         charge,
		Cost:           cost,
		Profit:         charge.Sub(cost),
		IdempotencyKey: holdIdempotencyKey(input.UserID, svc.ID, input.Quantity, clientRef),
		HoldDuration:   s.holdDuration,
	}

	order, hold, err := s.store.CreateOrderWithHold(ctx, params)
	if err != nil {
		label := "error"
		if errors.Is(err, storage.ErrInsufficientBalance) {
			label = "insufficient_balance"
		}
		s.observeCreation(label, start)
		return nil, err
	}
	if s.metrics != nil && hold != nil {
		s.metrics.HoldsCreated.Inc()
	}
	if order.Status != storage.OrderStatusPending {
		s.observeCreation("replay", start)
		return order, nil
	}

	order = s.submitOrder(ctx, order, svc, input.CorrelationID)
	s.observeCreation(order.Status, start)
	return order, nil
}

const (
	captureAttempts   = 3
	captureRetryDelay = 100 * time.Millisecond
)

// submitOrder runs the second unit of work: the provider call under its own
// timeout, then capture on success or compensation on any error. The whole
// step is detached from the caller's context so a client disconnect cannot
// strand a PENDING order, and every exit resolves the order to PROCESSING or
// FAILED.
func (s *OrderService) submitOrder(ctx context.Context, order *storage.Order, svc *storage.Service, correlationID string) *storage.Order {
	ctx = context.WithoutCancel(ctx)

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	callStart := time.Now()
	providerOrderID, err := s.gateway.AddOrder(callCtx, svc.ProviderServiceID, order.Link, order.Quantity)
	s.observeProviderCall("add", err, callStart)
	if err != nil {
		s.logger.Warn("provider submission failed", "order_id", order.ID, "error", err)
		return s.compensateSubmission(ctx, order, "provider submission failed")
	}

	completed, err := s.completeSubmission(ctx, order.ID, providerOrderID)
	if errors.Is(err, storage.ErrHoldReleased) {
		// The hold expired and was reaped during the provider call, so the
		// user already has the charge back. Undo the provider side and fail
		// the order instead of letting it run unpaid.
		s.logger.Warn("hold released during submission", "order_id", order.ID, "provider_order_id", providerOrderID)
		s.cancelProviderOrder(ctx, providerOrderID)
		return s.compensateSubmission(ctx, order, "hold released during submission")
	}
	if err != nil {
		// Provider accepted but the capture would not commit even retried.
		// Refund and cancel rather than hand the caller an unresolved order.
		s.logger.Error("complete submission failed", "order_id", order.ID, "provider_order_id", providerOrderID, "error", err)
		s.cancelProviderOrder(ctx, providerOrderID)
		return s.compensateSubmission(ctx, order, "capture failed after provider accepted")
	}
	if completed.Status == storage.OrderStatusProcessing {
		if s.metrics != nil {
			s.metrics.HoldsCaptured.Inc()
		}
		s.publishOrderAccepted(ctx, correlationID, completed)
	}
	return completed
}

// completeSubmission retries the capture step; a transient failure here is
// the difference between a resolved order and a dangling PENDING one.
func (s *OrderService) completeSubmission(ctx context.Context, orderID uuid.UUID, providerOrderID string) (*storage.Order, error) {
	var completed *storage.Order
	var err error
	for attempt := 0; attempt < captureAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(captureRetryDelay)
		}
		completed, err = s.store.CompleteSubmission(ctx, orderID, providerOrderID)
		if err == nil || errors.Is(err, storage.ErrHoldReleased) {
			return completed, err
		}
	}
	return nil, err
}

func (s *OrderService) compensateSubmission(ctx context.Context, order *storage.Order, note string) *storage.Order {
	compensated, err := s.compensator.CompensateFailedOrder(ctx, order.ID, note)
	if err != nil {
		s.logger.Error("compensation failed, reaper will retry", "order_id", order.ID, "error", err)
		return order
	}
	return compensated
}

func (s *OrderService) cancelProviderOrder(ctx context.Context, providerOrderID string) {
	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	callStart := time.Now()
	err := s.gateway.Cancel(callCtx, providerOrderID)
	s.observeProviderCall("cancel", err, callStart)
	if err != nil {
		s.logger.Warn("provider cancel failed", "provider_order_id", providerOrderID, "error", err)
	}
}

// RequestRefill asks the provider to top up a completed, refillable order.
func (s *OrderService) RequestRefill(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, storage.ErrNotFound
	}
	if order.Status != storage.OrderStatusCompleted || order.ProviderOrderID == nil {
		return nil, fmt.Errorf("%w: refill requires a completed order", storage.ErrInvalidStatus)
	}

	svc, err := s.store.GetActiveService(ctx, order.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Refillable {
		return nil, ErrNotRefillable
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	callStart := time.Now()
	refillID, err := s.gateway.Refill(callCtx, *order.ProviderOrderID)
	s.observeProviderCall("refill", err, callStart)
	if err != nil {
		return nil, err
	}

	return s.store.SetOrderRefill(ctx, orderID, refillID)
}

// SyncOrderStatus reconciles one order against the provider's reported state.
func (s *OrderService) SyncOrderStatus(ctx context.Context, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.ProviderOrderID == nil {
		return order, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	callStart := time.Now()
	state, err := s.gateway.OrderStatus(callCtx, *order.ProviderOrderID)
	s.observeProviderCall("status", err, callStart)
	if err != nil {
		return nil, err
	}

	return s.applyProviderState(ctx, order, state)
}

// SyncOrderStatuses is the reconciliation sweep: batch-poll in-flight orders
// and apply whatever the provider reports. Returns how many orders changed.
func (s *OrderService) SyncOrderStatuses(ctx context.Context, limit int) (int, error) {
	orders, err := s.store.ListOrdersForSync(ctx, limit)
	if err != nil {
		return 0, err
	}
	if len(orders) == 0 {
		return 0, nil
	}

	byProviderID := make(map[string]*storage.Order, len(orders))
	ids := make([]string, 0, len(orders))
	for i := range orders {
		order := &orders[i]
		if order.ProviderOrderID == nil {
			continue
		}
		byProviderID[*order.ProviderOrderID] = order
		ids = append(ids, *order.ProviderOrderID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.providerTimeout)
	defer cancel()

	callStart := time.Now()
	states, err := s.gateway.OrderStatuses(callCtx, ids)
	s.observeProviderCall("batch_status", err, callStart)
	if err != nil {
		return 0, err
	}

	changed := 0
	for providerID, state := range states {
		order, ok := byProviderID[providerID]
		if !ok {
			continue
		}
		updated, err := s.applyProviderState(ctx, order, state)
		if err != nil {
			s.logger.Error("apply provider state failed", "order_id", order.ID, "error", err)
			continue
		}
		if updated.Status != order.Status || updated.Remains != order.Remains {
			changed++
		}
	}
	return changed, nil
}

func (s *OrderService) applyProviderState(ctx context.Context, order *storage.Order, state *provider.OrderState) (*storage.Order, error) {
	switch state.Status {
	case "pending", "processing":
		return s.store.UpdateOrderProgress(ctx, order.ID, order.Status, state.Remains, state.StartCount)
	case "in progress", "in_progress":
		return s.store.UpdateOrderProgress(ctx, order.ID, storage.OrderStatusInProgress, state.Remains, state.StartCount)
	case "completed":
		updated, err := s.store.UpdateOrderProgress(ctx, order.ID, storage.OrderStatusCompleted, state.Remains, state.StartCount)
		if err != nil {
			return nil, err
		}
		s.publishOrderCompleted(ctx, updated)
		return updated, nil
	case "partial", "canceled", "cancelled":
		updated, refund, err := s.store.RefundCancelledOrder(ctx, order.ID, state.Remains)
		if err != nil {
			return nil, err
		}
		if refund.GreaterThan(decimal.Zero) {
			if s.metrics != nil {
				s.metrics.HoldsReleased.WithLabelValues("provider_cancel").Inc()
			}
			s.logger.Info("provider cancel refunded", "order_id", order.ID, "refund", refund.String())
		}
		return updated, nil
	default:
		s.logger.Warn("unknown provider status", "order_id", order.ID, "status", state.Status)
		return order, nil
	}
}

func (s *OrderService) GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error) {
	order, err := s.store.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, storage.ErrNotFound
	}
	return order, nil
}

func (s *OrderService) ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error) {
	return s.store.ListOrders(ctx, userID, filter)
}

func (s *OrderService) publishOrderAccepted(ctx context.Context, correlationID string, order *storage.Order) {
	if s.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID("orders.accepted", order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "orders.accepted", 1, correlationID)
	if err != nil {
		s.logger.Error("build order accepted envelope failed", "error", err)
		return
	}
	payload := OrderAcceptedEvent{
		Envelope:        env,
		OrderID:         order.ID.String(),
		ClientRef:       order.ClientRef,
		UserID:          order.UserID.String(),
		ServiceID:       order.ServiceID,
		Quantity:        order.Quantity,
		Charge:          order.Charge.String(),
		ProviderOrderID: stringOrEmpty(order.ProviderOrderID),
		Status:          order.Status,
		CreatedAt:       order.CreatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OrdersAccepted, order.UserID.String(), payload); err != nil {
		s.logger.Error("publish order accepted failed", "error", err)
	}
}

func (s *OrderService) publishOrderCompleted(ctx context.Context, order *storage.Order) {
	if s.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID("orders.completed", order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "orders.completed", 1, "")
	if err != nil {
		s.logger.Error("build order completed envelope failed", "error", err)
		return
	}
	payload := OrderCompletedEvent{
		Envelope:    env,
		OrderID:     order.ID.String(),
		ClientRef:   order.ClientRef,
		UserID:      order.UserID.String(),
		ServiceID:   order.ServiceID,
		Quantity:    order.Quantity,
		Remains:     order.Remains,
		CompletedAt: order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := s.producer.PublishJSON(ctx, s.topics.OrdersCompleted, order.UserID.String(), payload); err != nil {
		s.logger.Error("publish order completed failed", "error", err)
	}
}

func (s *OrderService) observeCreation(status string, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.OrderCreations.WithLabelValues(status).Inc()
	s.metrics.OrderCreationLatency.WithLabelValues(status).Observe(time.Since(start).Seconds())
}

func (s *OrderService) observeProviderCall(action string, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	s.metrics.ProviderCalls.WithLabelValues(action, status).Observe(time.Since(start).Seconds())
}

// amountPerK prices a quantity against a per-thousand rate, rounded half-even
// to 4 decimal places. The same rounding applies everywhere money is derived.
func amountPerK(ratePerK decimal.Decimal, quantity int) decimal.Decimal {
	return ratePerK.
		Mul(decimal.NewFromInt(int64(quantity))).
		Div(decimal.NewFromInt(1000)).
		RoundBank(4)
}

// holdIdempotencyKey derives the hold key deterministically from the order
// coordinates, so duplicate submissions of the same client reference map to
// the same hold.
func holdIdempotencyKey(userID uuid.UUID, serviceID int64, quantity int, clientRef string) string {
	seed := fmt.Sprintf("order-hold|%s|%d|%d|%s", userID, serviceID, quantity, clientRef)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(seed)).String()
}

func stringOrEmpty(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

type OrderAcceptedEvent struct {
	kafka.Envelope
	OrderID         string `json:"order_id"`
	ClientRef       string `json:"client_ref"`
	UserID          string `json:"user_id"`
	ServiceID       int64  `json:"service_id"`
	Quantity        int    `json:"quantity"`
	Charge          string `json:"charge"`
	ProviderOrderID string `json:"provider_order_id"`
	Status          string `json:"status"`
	CreatedAt       string `json:"created_at"`
}

type OrderCompletedEvent struct {
	kafka.Envelope
	OrderID     string `json:"order_id"`
	ClientRef   string `json:"client_ref"`
	UserID      string `json:"user_id"`
	ServiceID   int64  `json:"service_id"`
	Quantity    int    `json:"quantity"`
	Remains     int    `json:"remains"`
	CompletedAt string `json:"completed_at"`
}
