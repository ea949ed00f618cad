package provider

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := NewClient(server.URL, "test-key", 5*time.Second, slog.Default())
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client
}

func TestAddOrderSuccess(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		if got := r.PostFormValue("action"); got != "add" {
			t.Errorf("expected action=add, got %q", got)
		}
		if got := r.PostFormValue("key"); got != "test-key" {
			t.Errorf("expected api key, got %q", got)
		}
		if got := r.PostFormValue("service"); got != "42" {
			t.Errorf("expected service=42, got %q", got)
		}
		if got := r.PostFormValue("quantity"); got != "1000" {
			t.Errorf("expected quantity=1000, got %q", got)
		}
		w.Write([]byte(`{"order": 98765}`))
	})

	orderID, err := client.AddOrder(context.Background(), 42, "https://example.com/post/1", 1000)
	if err != nil {
		t.Fatalf("add order: %v", err)
	}
	if orderID != "98765" {
		t.Fatalf("expected order id 98765, got %q", orderID)
	}
}

func TestAddOrderStringOrderID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"order": "12345"}`))
	})

	orderID, err := client.AddOrder(context.Background(), 42, "https://example.com", 100)
	if err != nil {
		t.Fatalf("add order: %v", err)
	}
	if orderID != "12345" {
		t.Fatalf("expected order id 12345, got %q", orderID)
	}
}

func TestAddOrderAPIError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"error": "not enough funds"}`))
	})

	_, err := client.AddOrder(context.Background(), 42, "https://example.com", 100)
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsAPIError(err) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
}

func TestAddOrderMalformedResponse(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<html>maintenance</html>`))
	})

	_, err := client.AddOrder(context.Background(), 42, "https://example.com", 100)
	if !IsAPIError(err) {
		t.Fatalf("expected APIError for malformed body, got %v", err)
	}
}

func TestAddOrderHTTPError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	})

	_, err := client.AddOrder(context.Background(), 42, "https://example.com", 100)
	if !IsAPIError(err) {
		t.Fatalf("expected APIError for http 502, got %v", err)
	}
}

func TestAddOrderContextCancelled(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.Write([]byte(`{"order": 1}`))
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := client.AddOrder(ctx, 42, "https://example.com", 100)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if IsAPIError(err) {
		t.Fatalf("timeout must not look like a provider api error: %v", err)
	}
}

func TestOrderStatus(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.PostFormValue("action"); got != "status" {
			t.Errorf("expected action=status, got %q", got)
		}
		if got := r.PostFormValue("order"); got != "98765" {
			t.Errorf("expected order=98765, got %q", got)
		}
		w.Write([]byte(`{"status": "In progress", "remains": "250", "start_count": 100, "charge": "1.2500"}`))
	})

	state, err := client.OrderStatus(context.Background(), "98765")
	if err != nil {
		t.Fatalf("order status: %v", err)
	}
	if state.Status != "in progress" {
		t.Errorf("expected normalized status, got %q", state.Status)
	}
	if state.Remains != 250 {
		t.Errorf("expected remains 250, got %d", state.Remains)
	}
	if state.StartCount != 100 {
		t.Errorf("expected start count 100, got %d", state.StartCount)
	}
}

func TestOrderStatuses(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.PostFormValue("orders"); got != "1,2,3" {
			t.Errorf("expected orders=1,2,3, got %q", got)
		}
		w.Write([]byte(`{
			"1": {"status": "Completed", "remains": 0},
			"2": {"error": "Incorrect order ID"},
			"3": {"status": "Pending", "remains": 500}
		}`))
	})

	states, err := client.OrderStatuses(context.Background(), []string{"1", "2", "3"})
	if err != nil {
		t.Fatalf("order statuses: %v", err)
	}
	if len(states) != 2 {
		t.Fatalf("expected 2 states, got %d", len(states))
	}
	if states["1"].Status != "completed" {
		t.Errorf("expected completed, got %q", states["1"].Status)
	}
	if _, ok := states["2"]; ok {
		t.Error("erroneous entry must be skipped")
	}
}

func TestRefill(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.PostFormValue("action"); got != "refill" {
			t.Errorf("expected action=refill, got %q", got)
		}
		w.Write([]byte(`{"refill": "777"}`))
	})

	refillID, err := client.Refill(context.Background(), "98765")
	if err != nil {
		t.Fatalf("refill: %v", err)
	}
	if refillID != "777" {
		t.Fatalf("expected refill id 777, got %q", refillID)
	}
}

func TestCancel(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.PostFormValue("action"); got != "cancel" {
			t.Errorf("expected action=cancel, got %q", got)
		}
		w.Write([]byte(`{}`))
	})

	if err := client.Cancel(context.Background(), "98765"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}
