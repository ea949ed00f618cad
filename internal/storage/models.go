package storage

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	HoldStatusHeld     = "held"
	HoldStatusCaptured = "captured"
	HoldStatusReleased = "released"
)

const (
	OrderStatusPending    = "pending"
	OrderStatusProcessing = "processing"
	OrderStatusInProgress = "in_progress"
	OrderStatusCompleted  = "completed"
	OrderStatusCancelled  = "cancelled"
	OrderStatusRefunded   = "refunded"
	OrderStatusFailed     = "failed"
)

const (
	TransactionTypeDeposit    = "deposit"
	TransactionTypeOrder      = "order"
	TransactionTypeRefund     = "refund"
	TransactionTypeAdjustment = "adjustment"
)

const (
	ReferenceTypeOrder   = "order"
	ReferenceTypePayment = "payment"
)

// holdTransitions and orderTransitions are the single source of truth for
// status changes. Every mutator consults them; an absent entry means the
// transition is illegal and the write fails with ErrInvalidStatus.
var holdTransitions = map[string][]string{
	HoldStatusHeld: {HoldStatusCaptured, HoldStatusReleased},
}

var orderTransitions = map[string][]string{
	OrderStatusPending:    {OrderStatusProcessing, OrderStatusCancelled, OrderStatusRefunded, OrderStatusFailed},
	OrderStatusProcessing: {OrderStatusInProgress, OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded, OrderStatusFailed},
	OrderStatusInProgress: {OrderStatusCompleted, OrderStatusCancelled, OrderStatusRefunded, OrderStatusFailed},
}

func CanTransitionHold(from, to string) bool {
	return canTransition(holdTransitions, from, to)
}

func CanTransitionOrder(from, to string) bool {
	return canTransition(orderTransitions, from, to)
}

// OrderStatusTerminal reports whether no further transitions are allowed.
func OrderStatusTerminal(status string) bool {
	return len(orderTransitions[status]) == 0
}

func HoldStatusTerminal(status string) bool {
	return len(holdTransitions[status]) == 0
}

func canTransition(table map[string][]string, from, to string) bool {
	for _, allowed := range table[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

type User struct {
	ID        uuid.UUID
	Email     string
	Balance   decimal.Decimal
	Banned    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Service struct {
	ID                int64
	Name              string
	Category          string
	Rate              decimal.Decimal
	Cost              decimal.Decimal
	MinQuantity       int
	MaxQuantity       int
	ProviderServiceID int64
	Refillable        bool
	Active            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type BalanceHold struct {
	ID             uuid.UUID
	UserID         uuid.UUID
	Amount         decimal.Decimal
	IdempotencyKey string
	Status         string
	ReferenceType  *string
	ReferenceID    *uuid.UUID
	ExpiresAt      time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type Order struct {
	ID                uuid.UUID
	UserID            uuid.UUID
	ServiceID         int64
	ClientRef         string
	Link              string
	Quantity          int
	Remains           int
	StartCount        int
	Status            string
	Charge            decimal.Decimal
	Cost              decimal.Decimal
	Profit            decimal.Decimal
	ProviderOrderID   *string
	RefillID          *string
	RefillRequestedAt *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type Transaction struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Type          string
	Amount        decimal.Decimal
	BalanceBefore decimal.Decimal
	BalanceAfter  decimal.Decimal
	ReferenceType *string
	ReferenceID   *uuid.UUID
	Note          string
	CreatedAt     time.Time
}

type OrderFilter struct {
	Status string
	Cursor string
	Limit  int
}
