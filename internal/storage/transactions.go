package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// CreditDeposit applies a confirmed payment to the user's balance exactly
// once per event id. Replayed events hit the processed_events primary key
// and no-op.
func (s *Store) CreditDeposit(ctx context.Context, userID uuid.UUID, amount decimal.Decimal, eventID string, paymentID uuid.UUID) (*Transaction, bool, error) {
	if amount.LessThanOrEqual(decimal.Zero) {
		return nil, false, fmt.Errorf("amount must be positive")
	}
	if eventID == "" {
		return nil, false, fmt.Errorf("event id is required")
	}

	var txn *Transaction
	applied := false
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO processed_events (event_id) VALUES ($1)
			ON CONFLICT (event_id) DO NOTHING
		`, eventID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}

		user, err := s.getUserForUpdate(ctx, tx, userID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		newBalance := user.Balance.Add(amount)
		if err := s.updateUserBalance(ctx, tx, userID, newBalance, now); err != nil {
			return err
		}

		refType := ReferenceTypePayment
		refID := paymentID
		txn = &Transaction{
			ID:            uuid.New(),
			UserID:        userID,
			Type:          TransactionTypeDeposit,
			Amount:        amount,
			BalanceBefore: user.Balance,
			BalanceAfter:  newBalance,
			ReferenceType: &refType,
			ReferenceID:   &refID,
			CreatedAt:     now,
		}
		if err := s.insertTransaction(ctx, tx, txn); err != nil {
			return err
		}
		applied = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return txn, applied, nil
}

func (s *Store) ListTransactions(ctx context.Context, userID uuid.UUID, cursor string, limit int) ([]Transaction, string, error) {
	limit = clampLimit(limit)

	query := `
		SELECT id, user_id, type, amount::text, balance_before::text, balance_after::text,
		       reference_type, reference_id, note, created_at
		FROM transactions
		WHERE user_id = $1
	`
	args := []any{userID}
	idx := 2

	if cursor != "" {
		ts, id, err := decodeCursor(cursor)
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

	txns := make([]Transaction, 0, limit)
	for rows.Next() {
		var txn Transaction
		var amountStr, beforeStr, afterStr string
		if err := rows.Scan(&txn.ID, &txn.UserID, &txn.Type, &amountStr, &beforeStr, &afterStr,
			&txn.ReferenceType, &txn.ReferenceID, &txn.Note, &txn.CreatedAt); err != nil {
			return nil, "", err
		}
		if txn.Amount, err = decimal.NewFromString(amountStr); err != nil {
			return nil, "", fmt.Errorf("parse transaction amount: %w", err)
		}
		if txn.BalanceBefore, err = decimal.NewFromString(beforeStr); err != nil {
			return nil, "", fmt.Errorf("parse balance before: %w", err)
		}
		if txn.BalanceAfter, err = decimal.NewFromString(afterStr); err != nil {
			return nil, "", fmt.Errorf("parse balance after: %w", err)
		}
		txns = append(txns, txn)
	}
	if rows.Err() != nil {
		return nil, "", rows.Err()
	}

	var nextCursor string
	if len(txns) > limit {
		last := txns[limit]
		txns = txns[:limit]
		nextCursor = encodeCursor(last.CreatedAt, last.ID)
	}

	return txns, nextCursor, nil
}
