package tradeogre

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/pkg/types"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(config.VenueConfig{
		Kind:      "cex",
		Quote:     "BTC",
		Bridge:    "BTCUSDT",
		BaseURL:   srv.URL,
		APIKey:    "k",
		APISecret: "s",
	}, "VRSC")
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestFetchTickerBTCQuoted(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/ticker/VRSC-BTC" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "price": "0.000052",
			"volume": "1.5", "bid": "0.000051", "ask": "0.000053",
		})
	}))

	tick, err := c.FetchTicker(context.Background())
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if tick.QuoteCcy != "BTC" {
		t.Errorf("quote = %s, want BTC", tick.QuoteCcy)
	}
	if !tick.Price.Equal(dec("0.000052")) {
		t.Errorf("price = %s", tick.Price)
	}
	if !tick.VolumeQuote24h.Equal(dec("1.5")) {
		t.Errorf("volume = %s, want 1.5", tick.VolumeQuote24h)
	}
}

func TestFetchDepthSortsMapLevels(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"buy":     map[string]string{"0.000050": "100", "0.000051": "200"},
			"sell":    map[string]string{"0.000054": "300", "0.000053": "150"},
		})
	}))

	depth, err := c.FetchDepth(context.Background(), 10)
	if err != nil {
		t.Fatalf("FetchDepth: %v", err)
	}
	if !depth.Bids[0].Price.Equal(dec("0.000051")) {
		t.Errorf("best bid = %s, want highest first", depth.Bids[0].Price)
	}
	if !depth.Asks[0].Price.Equal(dec("0.000053")) {
		t.Errorf("best ask = %s, want lowest first", depth.Asks[0].Price)
	}
}

func TestPlaceOrderIdempotentRetry(t *testing.T) {
	t.Parallel()
	placements := 0
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order/buy":
			placements++
			json.NewEncoder(w).Encode(map[string]any{"success": true, "uuid": "uuid-1"})
		case "/account/order/uuid-1":
			json.NewEncoder(w).Encode(map[string]any{
				"success": true, "date": 1700000000, "type": "buy",
				"price": "0.000052", "quantity": "100", "fulfilled": "0",
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	first, err := c.PlaceOrder(context.Background(), types.BUY, dec("100"), dec("0.000052"), "exec-1-buy")
	if err != nil {
		t.Fatalf("first place: %v", err)
	}
	second, err := c.PlaceOrder(context.Background(), types.BUY, dec("100"), dec("0.000052"), "exec-1-buy")
	if err != nil {
		t.Fatalf("retry place: %v", err)
	}

	if placements != 1 {
		t.Errorf("wire placements = %d, want 1 (retry must resolve, not re-place)", placements)
	}
	if first.ID != second.ID {
		t.Errorf("ids differ: %s vs %s", first.ID, second.ID)
	}
}

func TestLookupOrderUnplacedRef(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.NewServeMux())

	_, err := c.LookupOrder(context.Background(), "never-placed")
	if !types.IsKind(err, types.ErrNotFound) {
		t.Errorf("err = %v, want not_found", err)
	}
}

func TestGetOrderMissingKnownOrderIsFilled(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order/buy":
			json.NewEncoder(w).Encode(map[string]any{"success": true, "uuid": "uuid-2"})
		case "/account/order/uuid-2":
			// Fully filled orders leave the account query.
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Order not found"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	if _, err := c.PlaceOrder(context.Background(), types.BUY, dec("100"), dec("0.000052"), "exec-2-buy"); err != nil {
		t.Fatal(err)
	}

	order, err := c.GetOrder(context.Background(), "uuid-2")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if order.State != types.OrderFilled {
		t.Errorf("state = %s, want filled (gone from open set)", order.State)
	}
	if !order.FilledBase().Equal(dec("100")) {
		t.Errorf("filled = %s, want 100", order.FilledBase())
	}
	if order.ClientRef != "exec-2-buy" {
		t.Errorf("client ref = %q", order.ClientRef)
	}
}

func TestGetOrderPartialFill(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success": true, "date": 1700000000, "type": "sell",
			"price": "0.000052", "quantity": "60", "fulfilled": "40",
		})
	}))

	order, err := c.GetOrder(context.Background(), "uuid-3")
	if err != nil {
		t.Fatal(err)
	}
	if order.State != types.OrderPartial {
		t.Errorf("state = %s, want partial", order.State)
	}
	if !order.BaseAmount.Equal(dec("100")) {
		t.Errorf("base = %s, want 100 (remaining + fulfilled)", order.BaseAmount)
	}
	if !order.FilledBase().Equal(dec("40")) {
		t.Errorf("filled = %s, want 40", order.FilledBase())
	}
}

func TestPlaceOrderInsufficientFunds(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Insufficient balance"})
	}))

	_, err := c.PlaceOrder(context.Background(), types.BUY, dec("100"), dec("0.000052"), "exec-3-buy")
	if !types.IsKind(err, types.ErrInsufficientFunds) {
		t.Errorf("err = %v, want insufficient_funds", err)
	}

	// The failed ref must be reusable.
	if _, rec := c.recordForUUID(""); rec != nil {
		t.Error("failed placement should not leave a record")
	}
}

func TestCancelOutcomes(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/order/buy":
			json.NewEncoder(w).Encode(map[string]any{"success": true, "uuid": "uuid-4"})
		case "/order/cancel":
			json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "Order not found"})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))

	// Unknown uuid: genuinely not found.
	if res, err := c.CancelOrder(context.Background(), "stranger"); err != nil || res != types.CancelNotFound {
		t.Errorf("cancel unknown = %v/%v, want not_found", res, err)
	}

	// Known uuid that left the open set: already terminal.
	if _, err := c.PlaceOrder(context.Background(), types.BUY, dec("1"), dec("0.00005"), "exec-4-buy"); err != nil {
		t.Fatal(err)
	}
	if res, err := c.CancelOrder(context.Background(), "uuid-4"); err != nil || res != types.CancelAlreadyTerminal {
		t.Errorf("cancel known = %v/%v, want already_terminal", res, err)
	}
}

func TestGetBalances(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":  true,
			"balances": map[string]string{"BTC": "0.5", "VRSC": "1200"},
		})
	}))

	balances, err := c.GetBalances(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !balances["BTC"].Equal(dec("0.5")) || !balances["VRSC"].Equal(dec("1200")) {
		t.Errorf("balances = %v", balances)
	}
}

func TestStreamUnsupported(t *testing.T) {
	t.Parallel()
	c := newTestClient(t, http.NewServeMux())
	err := c.Stream(context.Background(), nil)
	if !types.IsKind(err, types.ErrPreconditionFailed) {
		t.Errorf("err = %v, want precondition_failed", err)
	}
}
