package storage

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

var ErrInvalidCursor = errors.New("invalid cursor")

type CreateOrderParams struct {
	UserID         uuid.UUID
	ServiceID      int64
	ClientRef      string
	Link           string
	Quantity       int
	Charge         decimal.Decimal
	Cost           decimal.Decimal
	Profit         decimal.Decimal
	IdempotencyKey string
	HoldDuration   time.Duration
}

// CreateOrderWithHold is the first unit of work of order creation: reserve
// the charge, insert the PENDING order, and link the hold to it, all in one
// transaction. It commits before the provider is contacted, so the
// reservation survives a crash in the submission step. Replays with the same
// client reference return the existing order and hold without re-debiting.
func (s *Store) CreateOrderWithHold(ctx context.Context, params CreateOrderParams) (*Order, *BalanceHold, error) {
	if params.Quantity <= 0 {
		return nil, nil, fmt.Errorf("quantity must be positive")
	}
	if params.ClientRef == "" {
		return nil, nil, fmt.Errorf("client ref is required")
	}

	var order *Order
	var hold *BalanceHold
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.getOrderByClientRef(ctx, tx, params.UserID, params.ClientRef)
		if err == nil {
			order = existing
			hold, err = s.getHoldByOrderForUpdate(ctx, tx, existing.ID)
			if err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		hold, err = s.getHoldByKey(ctx, tx, params.IdempotencyKey)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return err
			}
			hold, err = s.insertHold(ctx, tx, params.UserID, params.Charge, params.IdempotencyKey, params.HoldDuration)
			if err != nil {
				return err
			}
		}

		now := time.Now().UTC()
		order = &Order{
			ID:        uuid.New(),
			UserID:    params.UserID,
			ServiceID: params.ServiceID,
			ClientRef: params.ClientRef,
			Link:      params.Link,
			Quantity:  params.Quantity,
			Remains:   params.Quantity,
			Status:    OrderStatusPending,
			Charge:    params.Charge,
			Cost:      params.Cost,
			Profit:    params.Profit,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO orders (id, user_id, service_id, client_ref, link, quantity, remains, status, charge, cost, profit, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
		`, order.ID, order.UserID, order.ServiceID, order.ClientRef, order.Link, order.Quantity, order.Remains,
			order.Status, order.Charge.String(), order.Cost.String(), order.Profit.String(), now); err != nil {
			return err
		}

		refType := ReferenceTypeOrder
		refID := order.ID
		if _, err := tx.Exec(ctx, `
			UPDATE balance_holds SET reference_type = $1, reference_id = $2, updated_at = $3 WHERE id = $4
		`, refType, refID, now, hold.ID); err != nil {
			return err
		}
		hold.ReferenceType = &refType
		hold.ReferenceID = &refID
		hold.UpdatedAt = now
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost a concurrent race on client_ref or the hold key: re-read
			// the winner's rows.
			order, rerr := s.GetOrderByClientRef(ctx, params.UserID, params.ClientRef)
			if rerr != nil {
				return nil, nil, rerr
			}
			hold, rerr := s.GetHoldByOrder(ctx, order.ID)
			if rerr != nil && !errors.Is(rerr, ErrNotFound) {
				return nil, nil, rerr
			}
			return order, hold, nil
		}
		return nil, nil, err
	}
	return order, hold, nil
}

// CompleteSubmission is the success branch of the second unit of work: the
// provider accepted the order, so capture the hold, record the provider order
// id, and move the order to PROCESSING, atomically. An order no longer
// PENDING is returned unchanged. A RELEASED hold fails with ErrHoldReleased
// and leaves the order PENDING: the reservation is gone and the charge back
// with the user, so the order must not proceed.
func (s *Store) CompleteSubmission(ctx context.Context, orderID uuid.UUID, providerOrderID string) (*Order, error) {
	if providerOrderID == "" {
		return nil, fmt.Errorf("provider order id is required")
	}

	var order *Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		order, err = s.getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != OrderStatusPending {
			return nil
		}
		if !CanTransitionOrder(order.Status, OrderStatusProcessing) {
			return fmt.Errorf("%w: order %s to %s", ErrInvalidStatus, order.Status, OrderStatusProcessing)
		}

		hold, err := s.getHoldByOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: hold for order %s", ErrNotFound, orderID)
			}
			return err
		}
		// The reaper got here first: the hold was released and the charge
		// refunded while the provider call was in flight.
		if hold.Status == HoldStatusReleased {
			return fmt.Errorf("%w: order %s", ErrHoldReleased, orderID)
		}

		now := time.Now().UTC()
		if hold.Status == HoldStatusHeld {
			user, err := s.getUserForUpdate(ctx, tx, hold.UserID)
			if err != nil {
				return err
			}
			if err := s.updateHoldStatus(ctx, tx, hold, HoldStatusCaptured, orderID, now); err != nil {
				return err
			}
			refType := ReferenceTypeOrder
			refID := orderID
			txn := &Transaction{
				ID:            uuid.New(),
				UserID:        hold.UserID,
				Type:          TransactionTypeOrder,
				Amount:        hold.Amount.Neg(),
				BalanceBefore: user.Balance.Add(hold.Amount),
				BalanceAfter:  user.Balance,
				ReferenceType: &refType,
				ReferenceID:   &refID,
				CreatedAt:     now,
			}
			if err := s.insertTransaction(ctx, tx, txn); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = $1, provider_order_id = $2, updated_at = $3 WHERE id = $4
		`, OrderStatusProcessing, providerOrderID, now, orderID); err != nil {
			return err
		}
		order.Status = OrderStatusProcessing
		order.ProviderOrderID = &providerOrderID
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// CompensateOrder is the failure branch: release the hold if it is still
// HELD and mark the order FAILED, in one transaction. Terminal orders no-op,
// so duplicate compensation from crash recovery or a concurrent sweep is
// safe.
func (s *Store) CompensateOrder(ctx context.Context, orderID uuid.UUID, note string) (*Order, bool, error) {
	var order *Order
	compensated := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		order, err = s.getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if OrderStatusTerminal(order.Status) {
			return nil
		}
		if !CanTransitionOrder(order.Status, OrderStatusFailed) {
			return fmt.Errorf("%w: order %s to %s", ErrInvalidStatus, order.Status, OrderStatusFailed)
		}

		now := time.Now().UTC()
		hold, err := s.getHoldByOrderForUpdate(ctx, tx, orderID)
		if err != nil && !errors.Is(err, pgx.ErrNoRows) {
			return err
		}
		// A captured hold means the charge is final and the provider accepted
		// the order; compensation lost that race and backs off.
		if hold != nil && hold.Status == HoldStatusCaptured {
			return nil
		}
		// The hold's debit was provisional and unrecorded, so releasing it
		// here writes no ledger row.
		if hold != nil && hold.Status == HoldStatusHeld {
			user, err := s.getUserForUpdate(ctx, tx, hold.UserID)
			if err != nil {
				return err
			}
			newBalance := user.Balance.Add(hold.Amount)
			if err := s.updateUserBalance(ctx, tx, hold.UserID, newBalance, now); err != nil {
				return err
			}
			if err := s.updateHoldStatus(ctx, tx, hold, HoldStatusReleased, orderID, now); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = $1, updated_at = $2 WHERE id = $3
		`, OrderStatusFailed, now, orderID); err != nil {
			return err
		}
		order.Status = OrderStatusFailed
		order.UpdatedAt = now
		compensated = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return order, compensated, nil
}

// UpdateOrderProgress applies a provider-reported status under the order
// transition table. Reporting the current status again only refreshes remains
// and start count.
func (s *Store) UpdateOrderProgress(ctx context.Context, orderID uuid.UUID, status string, remains, startCount int) (*Order, error) {
	var order *Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		order, err = s.getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if status != order.Status && !CanTransitionOrder(order.Status, status) {
			return fmt.Errorf("%w: order %s to %s", ErrInvalidStatus, order.Status, status)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = $1, remains = $2, start_count = $3, updated_at = $4 WHERE id = $5
		`, status, remains, startCount, now, orderID); err != nil {
			return err
		}
		order.Status = status
		order.Remains = remains
		order.StartCount = startCount
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// RefundCancelledOrder handles a provider-side cancel after capture. The
// undelivered portion (charge scaled by remains/quantity) is credited back
// with a REFUND ledger row; a full refund marks the order REFUNDED, a partial
// one CANCELLED. Terminal orders no-op and refund nothing.
func (s *Store) RefundCancelledOrder(ctx context.Context, orderID uuid.UUID, remains int) (*Order, decimal.Decimal, error) {
	refund := decimal.Zero
	var order *Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		order, err = s.getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if OrderStatusTerminal(order.Status) {
			return nil
		}
		if remains < 0 || remains > order.Quantity {
			return fmt.Errorf("remains %d out of range for quantity %d", remains, order.Quantity)
		}

		target := OrderStatusCancelled
		if remains == order.Quantity {
			target = OrderStatusRefunded
		}
		if !CanTransitionOrder(order.Status, target) {
			return fmt.Errorf("%w: order %s to %s", ErrInvalidStatus, order.Status, target)
		}

		now := time.Now().UTC()
		amount := order.Charge.
			Mul(decimal.NewFromInt(int64(remains))).
			Div(decimal.NewFromInt(int64(order.Quantity))).
			RoundBank(4)
		if amount.GreaterThan(decimal.Zero) {
			user, err := s.getUserForUpdate(ctx, tx, order.UserID)
			if err != nil {
				return err
			}
			newBalance := user.Balance.Add(amount)
			if err := s.updateUserBalance(ctx, tx, order.UserID, newBalance, now); err != nil {
				return err
			}
			refType := ReferenceTypeOrder
			refID := orderID
			txn := &Transaction{
				ID:            uuid.New(),
				UserID:        order.UserID,
				Type:          TransactionTypeRefund,
				Amount:        amount,
				BalanceBefore: user.Balance,
				BalanceAfter:  newBalance,
				ReferenceType: &refType,
				ReferenceID:   &refID,
				Note:          "provider cancelled",
				CreatedAt:     now,
			}
			if err := s.insertTransaction(ctx, tx, txn); err != nil {
				return err
			}
		}

		if _, err := tx.Exec(ctx, `
			UPDATE orders SET status = $1, remains = $2, updated_at = $3 WHERE id = $4
		`, target, remains, now, orderID); err != nil {
			return err
		}
		order.Status = target
		order.Remains = remains
		order.UpdatedAt = now
		refund = amount
		return nil
	})
	if err != nil {
		return nil, decimal.Zero, err
	}
	return order, refund, nil
}

// SetOrderRefill records a provider refill request against a completed order.
func (s *Store) SetOrderRefill(ctx context.Context, orderID uuid.UUID, refillID string) (*Order, error) {
	var order *Order
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		order, err = s.getOrderForUpdate(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.Status != OrderStatusCompleted {
			return fmt.Errorf("%w: refill requires a completed order, got %s", ErrInvalidStatus, order.Status)
		}

		now := time.Now().UTC()
		if _, err := tx.Exec(ctx, `
			UPDATE orders SET refill_id = $1, refill_requested_at = $2, updated_at = $2 WHERE id = $3
		`, refillID, now, orderID); err != nil {
			return err
		}
		order.RefillID = &refillID
		order.RefillRequestedAt = &now
		order.UpdatedAt = now
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

func (s *Store) GetOrderByID(ctx context.Context, orderID uuid.UUID) (*Order, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, orderSelect+` WHERE id = $1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) GetOrderByClientRef(ctx context.Context, userID uuid.UUID, clientRef string) (*Order, error) {
	order, err := scanOrder(s.pool.QueryRow(ctx, orderSelect+` WHERE user_id = $1 AND client_ref = $2`, userID, clientRef))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order ref %s", ErrNotFound, clientRef)
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) ListOrders(ctx context.Context, userID uuid.UUID, filter OrderFilter) ([]Order, string, error) {
	limit := clampLimit(filter.Limit)

	query := orderSelect + ` WHERE user_id = $1`
	args := []any{userID}
	idx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, filter.Status)
		idx++
	}
	if filter.Cursor != "" {
		ts, id, err := decodeCursor(filter.Cursor)
		if err != nil {
			return nil, "", ErrInvalidCursor
		}
		query += fmt.Sprintf(" AND (created_at, id) > ($%d, $%d)", idx, idx+1)
		args = append(args, ts, id)
		idx += 2
	}

	query += fmt.Sprintf(" ORDER BY created_at, id LIMIT $%d", idx)
	args = append(args, limit+1)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", err
	}
	defer rows.Close()

	orders := make([]Order, 0, limit)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, "", err
		}
		orders = append(orders, *order)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var nextCursor string
	if len(orders) > limit {
		last := orders[limit]
		orders = orders[:limit]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return orders, nextCursor, nil
}

// ListStalePendingOrders finds orders stuck PENDING past the grace period.
// Their holds either expired and were reaped or will be shortly; the sweep
// reconciles the order itself to FAILED.
func (s *Store) ListStalePendingOrders(ctx context.Context, olderThan time.Time, limit int) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM orders
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`, OrderStatusPending, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListOrdersForSync returns in-flight orders for the provider status
// reconciliation sweep, oldest update first.
func (s *Store) ListOrdersForSync(ctx context.Context, limit int) ([]Order, error) {
	rows, err := s.pool.Query(ctx, orderSelect+`
		WHERE status IN ($1, $2) AND provider_order_id IS NOT NULL
		ORDER BY updated_at
		LIMIT $3
	`, OrderStatusProcessing, OrderStatusInProgress, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	return orders, rows.Err()
}

const orderSelect = `
	SELECT id, user_id, service_id, client_ref, link, quantity, remains, start_count, status,
	       charge::text, cost::text, profit::text, provider_order_id, refill_id, refill_requested_at,
	       created_at, updated_at
	FROM orders`

func (s *Store) getOrderByClientRef(ctx context.Context, tx pgx.Tx, userID uuid.UUID, clientRef string) (*Order, error) {
	return scanOrder(tx.QueryRow(ctx, orderSelect+` WHERE user_id = $1 AND client_ref = $2`, userID, clientRef))
}

func (s *Store) getOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*Order, error) {
	order, err := scanOrder(tx.QueryRow(ctx, orderSelect+` WHERE id = $1 FOR UPDATE`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: order %s", ErrNotFound, orderID)
		}
		return nil, err
	}
	return order, nil
}

func scanOrder(row pgx.Row) (*Order, error) {
	var order Order
	var chargeStr, costStr, profitStr string
	if err := row.Scan(&order.ID, &order.UserID, &order.ServiceID, &order.ClientRef, &order.Link,
		&order.Quantity, &order.Remains, &order.StartCount, &order.Status,
		&chargeStr, &costStr, &profitStr, &order.ProviderOrderID, &order.RefillID, &order.RefillRequestedAt,
		&order.CreatedAt, &order.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if order.Charge, err = decimal.NewFromString(chargeStr); err != nil {
		return nil, fmt.Errorf("parse order charge: %w", err)
	}
	if order.Cost, err = decimal.NewFromString(costStr); err != nil {
		return nil, fmt.Errorf("parse order cost: %w", err)
	}
	if order.Profit, err = decimal.NewFromString(profitStr); err != nil {
		return nil, fmt.Errorf("parse order profit: %w", err)
	}
	return &order, nil
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 100 {
		return 100
	}
	return limit
}

func encodeCursor(ts time.Time, id uuid.UUID) string {
	payload := fmt.Sprintf("%s|%s", ts.UTC().Format(time.RFC3339Nano), id.String())
	return base64.StdEncoding.EncodeToString([]byte(payload))
}

func decodeCursor(cursor string) (time.Time, uuid.UUID, error) {
	decoded, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	parts := strings.SplitN(string(decoded), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	ts, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	id, err := uuid.Parse(parts[1])
	if err != nil {
		return time.Time{}, uuid.Nil, ErrInvalidCursor
	}
	return ts, id, nil
}
