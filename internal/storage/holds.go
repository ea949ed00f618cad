package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// CreateHold reserves funds for a user. The debit happens exactly once, here:
// capture later finalizes the ledger without touching balance again, and
// release is the single compensating credit. A hold with the same idempotency
// key is returned unchanged without re-debiting.
func (s *Store) CreateHold(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, idempotencyKey string, holdDuration time.Duration) (*BalanceHold, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, fmt.Errorf("amount must be positive")
	}
	if idempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key is required")
	}
	if holdDuration <= 0 {
		return nil, fmt.Errorf("hold duration must be positive")
	}

	var hold *BalanceHold
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		existing, err := s.getHoldByKey(ctx, tx, idempotencyKey)
		if err == nil {
			hold = existing
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return err
		}

		created, err := s.insertHold(ctx, tx, userID, amount, idempotencyKey, holdDuration)
		if err != nil {
			return err
		}
		hold = created
		return nil
	})
	if err != nil {
		if isUniqueViolation(err) {
			// Lost the race on the idempotency key: the winner's hold is
			// the result.
			return s.GetHoldByIdempotencyKey(ctx, idempotencyKey)
		}
		return nil, err
	}
	return hold, nil
}

// insertHold debits the user's balance and writes the hold, both under the
// user row lock.
func (s *Store) insertHold(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amount decimal.Decimal, idempotencyKey string, holdDuration time.Duration) (*BalanceHold, error) {
	user, err := s.getUserForUpdate(ctx, tx, userID)
	if err != nil {
		return nil, err
	}
	if user.Banned {
		return nil, fmt.Errorf("%w: user %s", ErrUserBanned, userID)
	}
	if user.Balance.LessThan(amount) {
		return nil, fmt.Errorf("%w: balance %s, need %s", ErrInsufficientBalance, user.Balance.String(), amount.String())
	}

	now := time.Now().UTC()
	if err := s.updateUserBalance(ctx, tx, userID, user.Balance.Sub(amount), now); err != nil {
		return nil, err
	}

	hold := &BalanceHold{
		ID:             uuid.New(),
		UserID:         userID,
		Amount:         amount,
		IdempotencyKey: idempotencyKey,
		Status:         HoldStatusHeld,
		ExpiresAt:      now.Add(holdDuration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO balance_holds (id, user_id, amount, idempotency_key, status, expires_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, hold.ID, hold.UserID, hold.Amount.String(), hold.IdempotencyKey, hold.Status, hold.ExpiresAt, now); err != nil {
		return nil, err
	}
	return hold, nil
}

// CaptureHold finalizes a hold as a completed charge. The balance was already
// debited at creation, so capture only flips the status and appends the ORDER
// ledger row: balance_before is the balance as it stood before the debit,
// balance_after the current balance. A non-HELD hold is a no-op.
func (s *Store) CaptureHold(ctx context.Context, holdID, orderID uuid.UUID) (*BalanceHold, bool, error) {
	var hold *BalanceHold
	captured := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		hold, err = s.getHoldForUpdate(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != HoldStatusHeld {
			return nil
		}
		if !CanTransitionHold(hold.Status, HoldStatusCaptured) {
			return fmt.Errorf("%w: hold %s to %s", ErrInvalidStatus, hold.Status, HoldStatusCaptured)
		}

		user, err := s.getUserForUpdate(ctx, tx, hold.UserID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
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
		captured = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return hold, captured, nil
}

// ReleaseHold reverses a hold, crediting the funds back. The provisional
// debit never reached the ledger, so releasing it writes no ledger row
// either: the ledger only ever shows zero rows or a matched ORDER/REFUND
// pair for a hold, never an unmatched entry. A non-HELD hold is a no-op, so
// release racing a capture on the same row resolves to exactly one winner.
func (s *Store) ReleaseHold(ctx context.Context, holdID uuid.UUID, note string) (*BalanceHold, bool, error) {
	var hold *BalanceHold
	released := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		hold, err = s.getHoldForUpdate(ctx, tx, holdID)
		if err != nil {
			return err
		}
		if hold.Status != HoldStatusHeld {
			return nil
		}
		if !CanTransitionHold(hold.Status, HoldStatusReleased) {
			return fmt.Errorf("%w: hold %s to %s", ErrInvalidStatus, hold.Status, HoldStatusReleased)
		}

		user, err := s.getUserForUpdate(ctx, tx, hold.UserID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		newBalance := user.Balance.Add(hold.Amount)
		if err := s.updateUserBalance(ctx, tx, hold.UserID, newBalance, now); err != nil {
			return err
		}
		if err := s.updateHoldStatus(ctx, tx, hold, HoldStatusReleased, uuid.Nil, now); err != nil {
			return err
		}
		released = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return hold, released, nil
}

// ReleaseExpiredHolds releases every HELD hold past its expiry through the
// same locked path as ReleaseHold, one transaction per hold. A hold captured
// between the scan and its release no-ops and is not counted.
func (s *Store) ReleaseExpiredHolds(ctx context.Context, now time.Time) (int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id FROM balance_holds
		WHERE status = $1 AND expires_at < $2
		ORDER BY expires_at
	`, HoldStatusHeld, now)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		ids = append(ids, id)
	}
	if rows.Err() != nil {
		return 0, rows.Err()
	}

	count := 0
	for _, id := range ids {
		_, released, err := s.ReleaseHold(ctx, id, "hold expired")
		if err != nil {
			s.logger.Error("release expired hold failed", "hold_id", id, "error", err)
			continue
		}
		if released {
			count++
		}
	}
	return count, nil
}

func (s *Store) GetHold(ctx context.Context, holdID uuid.UUID) (*BalanceHold, error) {
	hold, err := scanHold(s.pool.QueryRow(ctx, holdSelect+` WHERE id = $1`, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: hold %s", ErrNotFound, holdID)
		}
		return nil, err
	}
	return hold, nil
}

func (s *Store) GetHoldByIdempotencyKey(ctx context.Context, key string) (*BalanceHold, error) {
	hold, err := scanHold(s.pool.QueryRow(ctx, holdSelect+` WHERE idempotency_key = $1`, key))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: hold key %s", ErrNotFound, key)
		}
		return nil, err
	}
	return hold, nil
}

func (s *Store) GetHoldByOrder(ctx context.Context, orderID uuid.UUID) (*BalanceHold, error) {
	hold, err := scanHold(s.pool.QueryRow(ctx, holdSelect+` WHERE reference_type = $1 AND reference_id = $2`, ReferenceTypeOrder, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: hold for order %s", ErrNotFound, orderID)
		}
		return nil, err
	}
	return hold, nil
}

const holdSelect = `
	SELECT id, user_id, amount::text, idempotency_key, status, reference_type, reference_id, expires_at, created_at, updated_at
	FROM balance_holds`

func (s *Store) getHoldByKey(ctx context.Context, tx pgx.Tx, key string) (*BalanceHold, error) {
	return scanHold(tx.QueryRow(ctx, holdSelect+` WHERE idempotency_key = $1`, key))
}

func (s *Store) getHoldForUpdate(ctx context.Context, tx pgx.Tx, holdID uuid.UUID) (*BalanceHold, error) {
	hold, err := scanHold(tx.QueryRow(ctx, holdSelect+` WHERE id = $1 FOR UPDATE`, holdID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: hold %s", ErrNotFound, holdID)
		}
		return nil, err
	}
	return hold, nil
}

func (s *Store) getHoldByOrderForUpdate(ctx context.Context, tx pgx.Tx, orderID uuid.UUID) (*BalanceHold, error) {
	return scanHold(tx.QueryRow(ctx, holdSelect+` WHERE reference_type = $1 AND reference_id = $2 FOR UPDATE`, ReferenceTypeOrder, orderID))
}

func scanHold(row pgx.Row) (*BalanceHold, error) {
	var hold BalanceHold
	var amountStr string
	if err := row.Scan(&hold.ID, &hold.UserID, &amountStr, &hold.IdempotencyKey, &hold.Status,
		&hold.ReferenceType, &hold.ReferenceID, &hold.ExpiresAt, &hold.CreatedAt, &hold.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	hold.Amount, err = decimal.NewFromString(amountStr)
	if err != nil {
		return nil, fmt.Errorf("parse hold amount: %w", err)
	}
	return &hold, nil
}

// updateHoldStatus writes the terminal status and links the order reference
// if it was not linked yet. The caller holds the row lock and has already
// validated the transition.
func (s *Store) updateHoldStatus(ctx context.Context, tx pgx.Tx, hold *BalanceHold, status string, orderID uuid.UUID, now time.Time) error {
	refType := hold.ReferenceType
	refID := hold.ReferenceID
	if refID == nil && orderID != uuid.Nil {
		rt := ReferenceTypeOrder
		refType = &rt
		refID = &orderID
	}
	_, err := tx.Exec(ctx, `
		UPDATE balance_holds
		SET status = $1, reference_type = $2, reference_id = $3, updated_at = $4
		WHERE id = $5
	`, status, refType, refID, now, hold.ID)
	if err != nil {
		return err
	}
	hold.Status = status
	hold.ReferenceType = refType
	hold.ReferenceID = refID
	hold.UpdatedAt = now
	return nil
}
