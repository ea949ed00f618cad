// Package provider talks to the upstream SMM panel API: a single endpoint
// taking form-encoded requests dispatched on the "action" field.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// APIError is an error the provider itself reported, as opposed to a
// transport failure. Both route to the same compensation path; the
// distinction only matters for logs and metrics.
type APIError struct {
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("provider api error: %s", e.Message)
}

type OrderState struct {
	Status     string
	Remains    int
	StartCount int
	Charge     string
}

type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL, apiKey string, timeout time.Duration, logger *slog.Logger) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("api key is required")
	}
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  logger,
	}, nil
}

// AddOrder submits an order and returns the provider's order id.
func (c *Client) AddOrder(ctx context.Context, providerServiceID int64, link string, quantity int) (string, error) {
	params := url.Values{}
	params.Set("action", "add")
	params.Set("service", strconv.FormatInt(providerServiceID, 10))
	params.Set("link", link)
	params.Set("quantity", strconv.Itoa(quantity))

	var resp struct {
		Order flexInt `json:"order"`
		Error string  `json:"error"`
	}
	if err := c.do(ctx, params, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", &APIError{Message: resp.Error}
	}
	if resp.Order == 0 {
		return "", &APIError{Message: "missing order id in response"}
	}
	return strconv.FormatInt(int64(resp.Order), 10), nil
}

// OrderStatus fetches the current state of one provider order.
func (c *Client) OrderStatus(ctx context.Context, providerOrderID string) (*OrderState, error) {
	params := url.Values{}
	params.Set("action", "status")
	params.Set("order", providerOrderID)

	var resp statusResponse
	if err := c.do(ctx, params, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &APIError{Message: resp.Error}
	}
	return resp.toState(), nil
}

// OrderStatuses fetches several orders in one call. Orders the provider does
// not recognize are absent from the result rather than failing the batch.
func (c *Client) OrderStatuses(ctx context.Context, providerOrderIDs []string) (map[string]*OrderState, error) {
	if len(providerOrderIDs) == 0 {
		return map[string]*OrderState{}, nil
	}

	params := url.Values{}
	params.Set("action", "status")
	params.Set("orders", strings.Join(providerOrderIDs, ","))

	var resp map[string]json.RawMessage
	if err := c.do(ctx, params, &resp); err != nil {
		return nil, err
	}

	states := make(map[string]*OrderState, len(resp))
	for id, raw := range resp {
		var entry statusResponse
		if err := json.Unmarshal(raw, &entry); err != nil {
			c.logger.Warn("provider batch status entry malformed", "provider_order_id", id, "error", err)
			continue
		}
		if entry.Error != "" {
			c.logger.Warn("provider batch status entry error", "provider_order_id", id, "error", entry.Error)
			continue
		}
		states[id] = entry.toState()
	}
	return states, nil
}

// Refill asks the provider to top an order back up to its original quantity.
func (c *Client) Refill(ctx context.Context, providerOrderID string) (string, error) {
	params := url.Values{}
	params.Set("action", "refill")
	params.Set("order", providerOrderID)

	var resp struct {
		Refill flexInt `json:"refill"`
		Error  string  `json:"error"`
	}
	if err := c.do(ctx, params, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", &APIError{Message: resp.Error}
	}
	return strconv.FormatInt(int64(resp.Refill), 10), nil
}

// Cancel requests cancellation of an in-flight provider order.
func (c *Client) Cancel(ctx context.Context, providerOrderID string) error {
	params := url.Values{}
	params.Set("action", "cancel")
	params.Set("order", providerOrderID)

	var resp struct {
		Error string `json:"error"`
	}
	if err := c.do(ctx, params, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return &APIError{Message: resp.Error}
	}
	return nil
}

func (c *Client) do(ctx context.Context, params url.Values, out any) error {
	params.Set("key", c.apiKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, strings.NewReader(params.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read provider response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &APIError{Message: fmt.Sprintf("status %d: %s", resp.StatusCode, truncate(string(body), 200))}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &APIError{Message: fmt.Sprintf("malformed response: %s", truncate(string(body), 200))}
	}
	return nil
}

type statusResponse struct {
	Status     string  `json:"status"`
	Remains    flexInt `json:"remains"`
	StartCount flexInt `json:"start_count"`
	Charge     string  `json:"charge"`
	Error      string  `json:"error"`
}

func (r statusResponse) toState() *OrderState {
	return &OrderState{
		Status:     strings.ToLower(strings.TrimSpace(r.Status)),
		Remains:    int(r.Remains),
		StartCount: int(r.StartCount),
		Charge:     r.Charge,
	}
}

// flexInt tolerates providers that return numbers as JSON strings.
type flexInt int64

func (f *flexInt) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("parse int %q: %w", s, err)
	}
	*f = flexInt(n)
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// IsAPIError reports whether the provider itself rejected the call.
func IsAPIError(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr)
}
