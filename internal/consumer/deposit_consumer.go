// Package consumer turns confirmed payment events into balance credits.
package consumer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obezeq/AntiPanel-sub001/internal/service"
	"github.com/obezeq/AntiPanel-sub001/internal/storage"
	"github.com/obezeq/AntiPanel-sub001/libs/kafka"
)

type DepositStore interface {
	CreditDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, eventID string, paymentID uuid.UUID) (*storage.Transaction, bool, error)
}

// PaymentConfirmedEvent is the payload on the payments.confirmed topic.
type PaymentConfirmedEvent struct {
	kafka.Envelope
	PaymentID uuid.UUID `json:"payment_id"`
	UserID    uuid.UUID `json:"user_id"`
	Amount    string    `json:"amount"`
	Currency  string    `json:"currency,omitempty"`
}

// DepositConsumer credits user balances from confirmed payments. Dedup is
// keyed on the event id through processed_events, so redelivered messages
// credit nothing. Malformed messages are dead-lettered rather than retried.
type DepositConsumer struct {
	store   DepositStore
	logger  *slog.Logger
	metrics *service.Metrics
}

func NewDepositConsumer(store DepositStore, logger *slog.Logger, metrics *service.Metrics) *DepositConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &DepositConsumer{store: store, logger: logger, metrics: metrics}
}

func (c *DepositConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var event PaymentConfirmedEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return kafka.DLQ(err, "malformed payment event")
	}
	if err := event.Validate(); err != nil {
		return kafka.DLQ(err, "invalid event envelope")
	}
	if event.UserID == uuid.Nil || event.PaymentID == uuid.Nil {
		return kafka.DLQ(fmt.Errorf("user_id and payment_id are required"), "invalid payment event")
	}

	amount, err := decimal.NewFromString(event.Amount)
	if err != nil {
		return kafka.DLQ(fmt.Errorf("parse amount %q: %w", event.Amount, err), "invalid payment amount")
	}
	if amount.LessThanOrEqual(decimal.Zero) {
		return kafka.DLQ(fmt.Errorf("amount %s must be positive", amount.String()), "invalid payment amount")
	}

	txn, credited, err := c.store.CreditDeposit(ctx, event.UserID, amount, event.EventID, event.PaymentID)
	if err != nil {
		// Transient store errors stay uncommitted for redelivery.
		return fmt.Errorf("credit deposit: %w", err)
	}
	if !credited {
		if c.metrics != nil {
			c.metrics.DepositsCredited.WithLabelValues("duplicate").Inc()
		}
		c.logger.Info("deposit already processed",
			"event_id", event.EventID,
			"payment_id", event.PaymentID,
		)
		return nil
	}

	if c.metrics != nil {
		c.metrics.DepositsCredited.WithLabelValues("credited").Inc()
	}
	c.logger.Info("deposit credited",
		"event_id", event.EventID,
		"payment_id", event.PaymentID,
		"user_id", event.UserID,
		"amount", amount.String(),
		"balance_after", txn.BalanceAfter.String(),
	)
	return nil
}
