package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/obezeq/AntiPanel-sub001/internal/storage"
)

type HoldStore interface {
	CreateHold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, idempotencyKey string, holdDuration time.Duration) (*storage.BalanceHold, error)
	CaptureHold(ctx context.Context, holdID, orderID uuid.UUID) (*storage.BalanceHold, bool, error)
	ReleaseHold(ctx context.Context, holdID uuid.UUID, note string) (*storage.BalanceHold, bool, error)
	ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error)
	GetHoldByIdempotencyKey(ctx context.Context, key string) (*storage.BalanceHold, error)
}

// HoldManager owns the hold lifecycle. All money movement lives in the store;
// this layer adds defaults, metrics, and logs.
type HoldManager struct {
	store        HoldStore
	logger       *slog.Logger
	metrics      *Metrics
	holdDuration time.Duration
}

func NewHoldManager(store HoldStore, logger *slog.Logger, metrics *Metrics, holdDuration time.Duration) *HoldManager {
	if logger == nil {
		logger = slog.Default()
	}
	if holdDuration <= 0 {
		holdDuration = 3 * time.Minute
	}
	return &HoldManager{
		store:        store,
		logger:       logger,
		metrics:      metrics,
		holdDuration: holdDuration,
	}
}

func (m *HoldManager) CreateHold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, idempotencyKey string) (*storage.BalanceHold, error) {
	hold, err := m.store.CreateHold(ctx, userID, amount, idempotencyKey, m.holdDuration)
	if err != nil {
		return nil, err
	}
	if m.metrics != nil {
		m.metrics.HoldsCreated.Inc()
	}
	m.logger.Info("hold created", "hold_id", hold.ID, "user_id", userID, "amount", amount.String())
	return hold, nil
}

func (m *HoldManager) CaptureHold(ctx context.Context, holdID, orderID uuid.UUID) (*storage.BalanceHold, error) {
	hold, captured, err := m.store.CaptureHold(ctx, holdID, orderID)
	if err != nil {
		return nil, err
	}
	if captured {
		if m.metrics != nil {
			m.metrics.HoldsCaptured.Inc()
		}
		m.logger.Info("hold captured", "hold_id", holdID, "order_id", orderID)
	}
	return hold, nil
}

func (m *HoldManager) ReleaseHold(ctx context.Context, holdID uuid.UUID, reason string) (*storage.BalanceHold, error) {
	hold, released, err := m.store.ReleaseHold(ctx, holdID, reason)
	if err != nil {
		return nil, err
	}
	if released {
		if m.metrics != nil {
			m.metrics.HoldsReleased.WithLabelValues(reason).Inc()
		}
		m.logger.Info("hold released", "hold_id", holdID, "reason", reason)
	}
	return hold, nil
}

func (m *HoldManager) ReleaseExpiredHolds(ctx context.Context) (int, error) {
	count, err := m.store.ReleaseExpiredHolds(ctx, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	if count > 0 {
		if m.metrics != nil {
			m.metrics.ExpiredHoldsReaped.Add(float64(count))
		}
		m.logger.Info("expired holds released", "count", count)
	}
	return count, nil
}

func (m *HoldManager) FindByIdempotencyKey(ctx context.Context, key string) (*storage.BalanceHold, error) {
	return m.store.GetHoldByIdempotencyKey(ctx, key)
}
