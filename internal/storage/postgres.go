package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

var (
	ErrNotFound            = errors.New("not found")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrLockTimeout         = errors.New("lock timeout")
	ErrInvalidStatus       = errors.New("invalid status transition")
	ErrUserBanned          = errors.New("user banned")
	ErrHoldReleased        = errors.New("hold already released")
)

type Store struct {
	pool        *pgxpool.Pool
	lockTimeout time.Duration
	logger      *slog.Logger
}

func New(pool *pgxpool.Pool, lockTimeout time.Duration, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if lockTimeout <= 0 {
		lockTimeout = 5 * time.Second
	}
	return &Store{
		pool:        pool,
		lockTimeout: lockTimeout,
		logger:      logger,
	}
}

// withTx is the unit-of-work boundary. Every multi-statement mutation runs
// through it: begin, bound the row-lock wait for the whole transaction, run
// fn, commit. Lock waits exceeding the bound surface as ErrLockTimeout so
// callers can retry instead of deadlocking.
func (s *Store) withTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())); err != nil {
		return err
	}

	if err := fn(tx); err != nil {
		if isLockTimeout(err) {
			return fmt.Errorf("%w: %v", ErrLockTimeout, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) GetUser(ctx context.Context, userID uuid.UUID) (*User, error) {
	return s.getUser(ctx, s.pool, userID, false)
}

func (s *Store) GetBalance(ctx context.Context, userID uuid.UUID) (decimal.Decimal, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return user.Balance, nil
}

type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *Store) getUser(ctx context.Context, q querier, userID uuid.UUID, forUpdate bool) (*User, error) {
	query := `
		SELECT id, email, balance::text, banned, created_at, updated_at
		FROM users
		WHERE id = $1
	`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var user User
	var balanceStr string
	row := q.QueryRow(ctx, query, userID)
	if err := row.Scan(&user.ID, &user.Email, &balanceStr, &user.Banned, &user.CreatedAt, &user.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: user %s", ErrNotFound, userID)
		}
		return nil, err
	}

	var err error
	user.Balance, err = decimal.NewFromString(balanceStr)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &user, nil
}

// getUserForUpdate locks the user's balance row. The lock scope is the single
// point of contention per user; all debits and credits happen under it.
func (s *Store) getUserForUpdate(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (*User, error) {
	return s.getUser(ctx, tx, userID, true)
}

func (s *Store) updateUserBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, balance decimal.Decimal, now time.Time) error {
	tag, err := tx.Exec(ctx, `
		UPDATE users SET balance = $1, updated_at = $2 WHERE id = $3
	`, balance.String(), now, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: user %s", ErrNotFound, userID)
	}
	return nil
}

func (s *Store) GetActiveService(ctx context.Context, serviceID int64) (*Service, error) {
	var svc Service
	var rateStr, costStr string
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, category, rate::text, cost::text, min_quantity, max_quantity,
		       provider_service_id, refillable, active, created_at, updated_at
		FROM services
		WHERE id = $1 AND active = true
	`, serviceID)
	if err := row.Scan(&svc.ID, &svc.Name, &svc.Category, &rateStr, &costStr, &svc.MinQuantity, &svc.MaxQuantity,
		&svc.ProviderServiceID, &svc.Refillable, &svc.Active, &svc.CreatedAt, &svc.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("%w: service %d", ErrNotFound, serviceID)
		}
		return nil, err
	}

	var err error
	svc.Rate, err = decimal.NewFromString(rateStr)
	if err != nil {
		return nil, fmt.Errorf("parse service rate: %w", err)
	}
	svc.Cost, err = decimal.NewFromString(costStr)
	if err != nil {
		return nil, fmt.Errorf("parse service cost: %w", err)
	}
	return &svc, nil
}

func (s *Store) insertTransaction(ctx context.Context, tx pgx.Tx, txn *Transaction) error {
	if !txn.BalanceAfter.Equal(txn.BalanceBefore.Add(txn.Amount)) {
		return fmt.Errorf("ledger invariant violated: %s + %s != %s",
			txn.BalanceBefore.String(), txn.Amount.String(), txn.BalanceAfter.String())
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO transactions (id, user_id, type, amount, balance_before, balance_after, reference_type, reference_id, note, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, txn.ID, txn.UserID, txn.Type, txn.Amount.String(), txn.BalanceBefore.String(), txn.BalanceAfter.String(),
		txn.ReferenceType, txn.ReferenceID, txn.Note, txn.CreatedAt)
	return err
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func isLockTimeout(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "55P03"
	}
	return false
}
