package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/obezeq/AntiPanel-sub001/internal/storage"
	"github.com/obezeq/AntiPanel-sub001/libs/kafka"
)

type CompensationStore interface {
	CompensateOrder(ctx context.Context, orderID uuid.UUID, note string) (*storage.Order, bool, error)
}

// CompensationService is the rollback path of order creation: refund the hold
// and mark the order FAILED. It is invoked from the saga's failure branch and
// from the reaper's stale-order sweep, possibly for the same order, so every
// step degrades to a no-op once applied.
type CompensationService struct {
	store    CompensationStore
	producer kafka.Publisher
	topic    string
	logger   *slog.Logger
	metrics  *Metrics
}

func NewCompensationService(store CompensationStore, producer kafka.Publisher, failedTopic string, logger *slog.Logger, metrics *Metrics) *CompensationService {
	if logger == nil {
		logger = slog.Default()
	}
	return &CompensationService{
		store:    store,
		producer: producer,
		topic:    failedTopic,
		logger:   logger,
		metrics:  metrics,
	}
}

func (c *CompensationService) CompensateFailedOrder(ctx context.Context, orderID uuid.UUID, reason string) (*storage.Order, error) {
	order, compensated, err := c.store.CompensateOrder(ctx, orderID, reason)
	if err != nil {
		if c.metrics != nil {
			c.metrics.Compensations.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	if !compensated {
		if c.metrics != nil {
			c.metrics.Compensations.WithLabelValues("noop").Inc()
		}
		return order, nil
	}

	if c.metrics != nil {
		c.metrics.Compensations.WithLabelValues("compensated").Inc()
	}
	c.logger.Info("order compensated", "order_id", orderID, "reason", reason)
	c.publishOrderFailed(ctx, order, reason)
	return order, nil
}

func (c *CompensationService) publishOrderFailed(ctx context.Context, order *storage.Order, reason string) {
	if c.producer == nil || order == nil {
		return
	}
	eventID := kafka.DeterministicEventID("orders.failed", order.ID.String())
	env, err := kafka.NewEnvelopeWithID(eventID, "orders.failed", 1, "")
	if err != nil {
		c.logger.Error("build order failed envelope failed", "error", err)
		return
	}
	payload := OrderFailedEvent{
		Envelope:  env,
		OrderID:   order.ID.String(),
		ClientRef: order.ClientRef,
		UserID:    order.UserID.String(),
		ServiceID: order.ServiceID,
		Charge:    order.Charge.String(),
		Reason:    reason,
		FailedAt:  order.UpdatedAt.UTC().Format(time.RFC3339),
	}
	if _, _, err := c.producer.PublishJSON(ctx, c.topic, order.UserID.String(), payload); err != nil {
		c.logger.Error("publish order failed event failed", "error", err)
	}
}

type OrderFailedEvent struct {
	kafka.Envelope
	OrderID   string `json:"order_id"`
	ClientRef string `json:"client_ref"`
	UserID    string `json:"user_id"`
	ServiceID int64  `json:"service_id"`
	Charge    string `json:"charge"`
	Reason    string `json:"reason"`
	FailedAt  string `json:"failed_at"`
}
