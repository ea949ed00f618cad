package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"log/slog"

	"github.com/obezeq/AntiPanel-sub001/internal/service"
	"github.com/obezeq/AntiPanel-sub001/internal/storage"
	"github.com/obezeq/AntiPanel-sub001/internal/validation"
	"github.com/obezeq/AntiPanel-sub001/libs/auth"
)

type OrderService interface {
	CreateOrder(ctx context.Context, input service.CreateOrderInput) (*storage.Order, error)
	GetOrder(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error)
	ListOrders(ctx context.Context, userID uuid.UUID, filter storage.OrderFilter) ([]storage.Order, string, error)
	RequestRefill(ctx context.Context, userID, orderID uuid.UUID) (*storage.Order, error)
}

type BalanceStore interface {
	GetUser(ctx context.Context, userID uuid.UUID) (*storage.User, error)
	ListTransactions(ctx context.Context, userID uuid.UUID, cursor string, limit int) ([]storage.Transaction, string, error)
}

type Handler struct {
	Orders  OrderService
	Balance BalanceStore
	Logger  *slog.Logger
}

func New(orders OrderService, balance BalanceStore, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{Orders: orders, Balance: balance, Logger: logger}
}

func (h *Handler) Register(r *gin.Engine, jwtSecret []byte) {
	group := r.Group("/", auth.Middleware(jwtSecret))
	group.POST("/orders", h.CreateOrder)
	group.GET("/orders", h.ListOrders)
	group.GET("/orders/:id", h.GetOrder)
	group.POST("/orders/:id/refill", h.RequestRefill)
	group.GET("/balance", h.GetBalance)
	group.GET("/transactions", h.ListTransactions)
}

type createOrderRequest struct {
	Service   int64  `json:"service"`
	Link      string `json:"link"`
	Quantity  int    `json:"quantity"`
	ClientRef string `json:"client_ref"`
}

type orderItem struct {
	OrderID         string  `json:"order_id"`
	ClientRef       string  `json:"client_ref"`
	Service         int64   `json:"service"`
	Link            string  `json:"link"`
	Quantity        int     `json:"quantity"`
	Remains         int     `json:"remains"`
	StartCount      int     `json:"start_count"`
	Status          string  `json:"status"`
	Charge          string  `json:"charge"`
	ProviderOrderID *string `json:"provider_order_id,omitempty"`
	RefillID        *string `json:"refill_id,omitempty"`
	CreatedAt       string  `json:"created_at"`
	UpdatedAt       string  `json:"updated_at"`
}

type listOrdersResponse struct {
	Orders     []orderItem `json:"orders"`
	NextCursor string      `json:"next_cursor,omitempty"`
}

type transactionItem struct {
	TransactionID string `json:"transaction_id"`
	Type          string `json:"type"`
	Amount        string `json:"amount"`
	BalanceBefore string `json:"balance_before"`
	BalanceAfter  string `json:"balance_after"`
	Note          string `json:"note,omitempty"`
	CreatedAt     string `json:"created_at"`
}

type listTransactionsResponse struct {
	Transactions []transactionItem `json:"transactions"`
	NextCursor   string            `json:"next_cursor,omitempty"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func (h *Handler) CreateOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}

	errs := validation.ValidateOrderRequest(req.Service, req.Link, req.Quantity, req.ClientRef)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	clientRef := strings.TrimSpace(req.ClientRef)
	if headerKey := strings.TrimSpace(c.GetHeader("Idempotency-Key")); headerKey != "" {
		clientRef = headerKey
	}

	order, err := h.Orders.CreateOrder(c.Request.Context(), service.CreateOrderInput{
		UserID:        userID,
		ServiceID:     req.Service,
		Link:          validation.NormalizeLink(req.Link),
		Quantity:      req.Quantity,
		ClientRef:     clientRef,
		CorrelationID: requestIDFromContext(c),
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrInsufficientBalance):
			writeError(c, http.StatusBadRequest, "INSUFFICIENT_BALANCE", "insufficient balance", nil)
		case errors.Is(err, service.ErrQuantityOutOfRange):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "quantity out of range for service", nil)
		case errors.Is(err, storage.ErrUserBanned):
			writeError(c, http.StatusForbidden, "FORBIDDEN", "account suspended", nil)
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusBadRequest, "SERVICE_NOT_FOUND", "service not found", nil)
		case errors.Is(err, storage.ErrLockTimeout):
			writeError(c, http.StatusServiceUnavailable, "TRY_AGAIN", "busy, retry shortly", nil)
		default:
			h.Logger.Error("create order failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":   order.ID.String(),
		"status":     order.Status,
		"charge":     order.Charge.String(),
		"created_at": order.CreatedAt.UTC().Format(time.RFC3339),
	})
}

func (h *Handler) ListOrders(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	filter := storage.OrderFilter{
		Status: strings.ToLower(strings.TrimSpace(c.Query("status"))),
		Cursor: strings.TrimSpace(c.Query("cursor")),
	}
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return
		}
		filter.Limit = n
	}

	orders, nextCursor, err := h.Orders.ListOrders(c.Request.Context(), userID, filter)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil)
			return
		}
		h.Logger.Error("list orders failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]orderItem, 0, len(orders))
	for _, order := range orders {
		items = append(items, orderToItem(order))
	}
	c.JSON(http.StatusOK, listOrdersResponse{Orders: items, NextCursor: nextCursor})
}

func (h *Handler) GetOrder(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return
	}

	order, err := h.Orders.GetOrder(c.Request.Context(), userID, orderID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
			return
		}
		h.Logger.Error("get order failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	c.JSON(http.StatusOK, orderToItem(*order))
}

func (h *Handler) RequestRefill(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	orderID, err := parseUUIDParam(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid order id", nil)
		return
	}

	order, err := h.Orders.RequestRefill(c.Request.Context(), userID, orderID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found", nil)
		case errors.Is(err, service.ErrNotRefillable):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "service does not support refill", nil)
		case errors.Is(err, storage.ErrInvalidStatus):
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "refill requires a completed order", nil)
		default:
			h.Logger.Error("request refill failed", "error", err)
			writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order_id":  order.ID.String(),
		"refill_id": order.RefillID,
		"status":    order.Status,
	})
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	user, err := h.Balance.GetUser(c.Request.Context(), userID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(c, http.StatusNotFound, "USER_NOT_FOUND", "user not found", nil)
			return
		}
		h.Logger.Error("get balance failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"balance":  user.Balance.String(),
		"currency": "USD",
	})
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID, ok := userIDFromContext(c)
	if !ok {
		writeError(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing user", nil)
		return
	}

	limit := 0
	if limitStr := strings.TrimSpace(c.Query("limit")); limitStr != "" {
		n, err := strconv.Atoi(limitStr)
		if err != nil {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid limit", nil)
			return
		}
		limit = n
	}

	txns, nextCursor, err := h.Balance.ListTransactions(c.Request.Context(), userID, strings.TrimSpace(c.Query("cursor")), limit)
	if err != nil {
		if errors.Is(err, storage.ErrInvalidCursor) {
			writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid cursor", nil)
			return
		}
		h.Logger.Error("list transactions failed", "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
		return
	}

	items := make([]transactionItem, 0, len(txns))
	for _, txn := range txns {
		items = append(items, transactionItem{
			TransactionID: txn.ID.String(),
			Type:          txn.Type,
			Amount:        txn.Amount.String(),
			BalanceBefore: txn.BalanceBefore.String(),
			BalanceAfter:  txn.BalanceAfter.String(),
			Note:          txn.Note,
			CreatedAt:     txn.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	c.JSON(http.StatusOK, listTransactionsResponse{Transactions: items, NextCursor: nextCursor})
}

func orderToItem(order storage.Order) orderItem {
	return orderItem{
		OrderID:         order.ID.String(),
		ClientRef:       order.ClientRef,
		Service:         order.ServiceID,
		Link:            order.Link,
		Quantity:        order.Quantity,
		Remains:         order.Remains,
		StartCount:      order.StartCount,
		Status:          order.Status,
		Charge:          order.Charge.String(),
		ProviderOrderID: order.ProviderOrderID,
		RefillID:        order.RefillID,
		CreatedAt:       order.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:       order.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func userIDFromContext(c *gin.Context) (uuid.UUID, bool) {
	val, ok := c.Get(auth.ContextUserIDKey)
	if !ok {
		return uuid.Nil, false
	}
	userID, ok := val.(string)
	if !ok {
		return uuid.Nil, false
	}
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return uuid.Nil, false
	}
	return parsed, true
}

func parseUUIDParam(value string) (uuid.UUID, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return uuid.Nil, errors.New("missing id")
	}
	return uuid.Parse(trimmed)
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{Code: code, Message: message, Fields: fields})
}

func requestIDFromContext(c *gin.Context) string {
	if val, ok := c.Get("X-Request-ID"); ok {
		if s, ok := val.(string); ok {
			return s
		}
	}
	return ""
}
