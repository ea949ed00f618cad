package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type ReaperStore interface {
	ListStalePendingOrders(ctx context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error)
}

// Reaper guarantees forward progress when a saga dies mid-flight: expired
// holds are refunded, and orders left PENDING past the grace period are
// compensated. It runs independently of the saga instances against the same
// rows; the storage locks and idempotent no-ops make that safe.
type Reaper struct {
	holds        *HoldManager
	compensator  *CompensationService
	store        ReaperStore
	logger       *slog.Logger
	interval     time.Duration
	pendingGrace time.Duration
}

func NewReaper(holds *HoldManager, compensator *CompensationService, store ReaperStore, logger *slog.Logger, interval, pendingGrace time.Duration) *Reaper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Minute
	}
	if pendingGrace <= 0 {
		pendingGrace = 10 * time.Minute
	}
	return &Reaper{
		holds:        holds,
		compensator:  compensator,
		store:        store,
		logger:       logger,
		interval:     interval,
		pendingGrace: pendingGrace,
	}
}

// Run loops until the context is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reaper pass failed", "error", err)
			}
		}
	}
}

// RunOnce performs a single pass: release expired holds, then reconcile
// stale PENDING orders to FAILED.
func (r *Reaper) RunOnce(ctx context.Context) error {
	released, err := r.holds.ReleaseExpiredHolds(ctx)
	if err != nil {
		return err
	}
	if released > 0 {
		r.logger.Info("reaper released expired holds", "count", released)
	}

	cutoff := time.Now().UTC().Add(-r.pendingGrace)
	stale, err := r.store.ListStalePendingOrders(ctx, cutoff, 100)
	if err != nil {
		return err
	}
	for _, orderID := range stale {
		if _, err := r.compensator.CompensateFailedOrder(ctx, orderID, "stale pending order"); err != nil {
			r.logger.Error("compensate stale order failed", "order_id", orderID, "error", err)
		}
	}
	return nil
}
