// Package tradeogre implements the venue adapter for TradeOgre, a
// centralized order-book exchange quoting the pair in BTC.
//
// TradeOgre has no streaming feed and no client-supplied order
// reference. The adapter polls REST for prices and synthesizes the
// idempotency semantic locally: every placement is recorded against its
// client ref before the wire call, and once the venue has replied with
// its UUID a retry with the same ref resolves that order instead of
// placing twice. A placement whose reply never arrived has no UUID on
// record, and a retry of its ref places again.
package tradeogre

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/internal/venue"
	"verus-arb/pkg/types"
)

const Name = "tradeogre"

// takerFee is the venue's flat trading fee; it publishes no fee endpoint.
var takerFee = decimal.NewFromFloat(0.002)

// placement records one order sent (or being sent) to the venue,
// keyed by client ref.
type placement struct {
	uuid       string // venue order UUID, empty until the venue replied
	side       types.Side
	baseAmount decimal.Decimal
	limitPrice decimal.Decimal
	createdTs  time.Time
}

// Client is the TradeOgre adapter.
type Client struct {
	http   *resty.Client
	market string // e.g. "VRSC-BTC"
	quote  string

	mu         sync.Mutex
	placements map[string]*placement // client ref -> placement
}

// New creates the adapter from venue config.
func New(cfg config.VenueConfig, baseCcy string) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetBasicAuth(cfg.APIKey, cfg.APISecret)

	return &Client{
		http:       httpClient,
		market:     strings.ToUpper(baseCcy) + "-" + strings.ToUpper(cfg.Quote),
		quote:      cfg.Quote,
		placements: make(map[string]*placement),
	}
}

func (c *Client) Name() string     { return Name }
func (c *Client) QuoteCcy() string { return c.quote }

func (c *Client) Capabilities() []types.Capability {
	return []types.Capability{
		types.CapOrderBook,
		types.CapPlaceOrder,
		types.CapCancelOrder,
		types.CapBalance,
		types.CapFees,
	}
}

// Stream is unsupported: the venue has no push feed.
func (c *Client) Stream(ctx context.Context, sink venue.TickSink) error {
	return venue.Errf(Name, "stream", types.ErrPreconditionFailed,
		fmt.Errorf("venue has no streaming capability"))
}

// tickerResponse is the public ticker JSON shape.
type tickerResponse struct {
	Success bool   `json:"success"`
	Price   string `json:"price"`
	Volume  string `json:"volume"` // 24h volume in quote terms
	Bid     string `json:"bid"`
	Ask     string `json:"ask"`
}

// FetchTicker pulls the current ticker.
func (c *Client) FetchTicker(ctx context.Context) (types.Tick, error) {
	var result tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/ticker/" + c.market)
	if err := classify(ctx, "fetch_ticker", resp, err); err != nil {
		return types.Tick{}, err
	}
	if !result.Success {
		return types.Tick{}, venue.Errf(Name, "fetch_ticker", types.ErrInvalidResponse,
			fmt.Errorf("success=false"))
	}

	price, err := decimal.NewFromString(result.Price)
	if err != nil {
		return types.Tick{}, venue.Errf(Name, "fetch_ticker", types.ErrInvalidResponse,
			fmt.Errorf("parse price %q: %w", result.Price, err))
	}
	bid, _ := decimal.NewFromString(result.Bid)
	ask, _ := decimal.NewFromString(result.Ask)
	vol, _ := decimal.NewFromString(result.Volume)

	now := time.Now()
	return types.Tick{
		Venue:          Name,
		Price:          price,
		QuoteCcy:       c.quote,
		Bid:            bid,
		Ask:            ask,
		LastTradeTs:    now, // the venue reports no trade timestamp
		ReceivedTs:     now,
		VolumeQuote24h: vol,
		Source:         types.SourcePoll,
	}, nil
}

// bookResponse is the public order book shape: price -> size maps.
type bookResponse struct {
	Success bool              `json:"success"`
	Buy     map[string]string `json:"buy"`
	Sell    map[string]string `json:"sell"`
}

// FetchDepth returns up to levels per side, bids descending, asks ascending.
func (c *Client) FetchDepth(ctx context.Context, levels int) (types.OrderBookDepth, error) {
	var result bookResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/orders/" + c.market)
	if err := classify(ctx, "fetch_depth", resp, err); err != nil {
		return types.OrderBookDepth{}, err
	}
	if !result.Success {
		return types.OrderBookDepth{}, venue.Errf(Name, "fetch_depth", types.ErrInvalidResponse,
			fmt.Errorf("success=false"))
	}

	bids, err := sortedLevels(result.Buy, true)
	if err != nil {
		return types.OrderBookDepth{}, venue.Errf(Name, "fetch_depth", types.ErrInvalidResponse, err)
	}
	asks, err := sortedLevels(result.Sell, false)
	if err != nil {
		return types.OrderBookDepth{}, venue.Errf(Name, "fetch_depth", types.ErrInvalidResponse, err)
	}
	if levels > 0 {
		if len(bids) > levels {
			bids = bids[:levels]
		}
		if len(asks) > levels {
			asks = asks[:levels]
		}
	}
	return types.OrderBookDepth{Venue: Name, Bids: bids, Asks: asks, FetchedTs: time.Now()}, nil
}

// sortedLevels converts a price->size map into ordered levels.
func sortedLevels(side map[string]string, descending bool) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(side))
	for p, s := range side {
		price, err := decimal.NewFromString(p)
		if err != nil {
			return nil, fmt.Errorf("parse book price %q: %w", p, err)
		}
		size, err := decimal.NewFromString(s)
		if err != nil {
			return nil, fmt.Errorf("parse book size %q: %w", s, err)
		}
		out = append(out, types.PriceLevel{Price: price, Size: size})
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price.GreaterThan(out[j].Price)
		}
		return out[i].Price.LessThan(out[j].Price)
	})
	return out, nil
}

// placeResponse is the order placement JSON shape.
type placeResponse struct {
	Success bool   `json:"success"`
	UUID    string `json:"uuid"`
	Error   string `json:"error"`
}

// PlaceOrder submits a limit order. The venue assigns its own UUID and
// knows nothing of clientRef, so the ref is bound to a local placement
// record before the wire call and gets the UUID when the venue replies.
// If the call fails or times out, the record keeps no UUID and
// LookupOrder reports the ref as not_found; the venue's open-orders
// listing is not consulted.
func (c *Client) PlaceOrder(ctx context.Context, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error) {
	if !baseAmount.IsPositive() || !limitPrice.IsPositive() {
		return types.Order{}, venue.Errf(Name, "place_order", types.ErrPreconditionFailed,
			fmt.Errorf("amount and price must be > 0"))
	}

	c.mu.Lock()
	if existing, ok := c.placements[clientRef]; ok && existing.uuid != "" {
		uuid := existing.uuid
		c.mu.Unlock()
		return c.GetOrder(ctx, uuid)
	}
	rec := &placement{side: side, baseAmount: baseAmount, limitPrice: limitPrice, createdTs: time.Now()}
	c.placements[clientRef] = rec
	c.mu.Unlock()

	endpoint := "/order/buy"
	if side == types.SELL {
		endpoint = "/order/sell"
	}

	var result placeResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{
			"market":   c.market,
			"quantity": baseAmount.String(),
			"price":    limitPrice.String(),
		}).
		SetResult(&result).
		Post(endpoint)
	if cerr := classify(ctx, "place_order", resp, err); cerr != nil {
		return types.Order{}, cerr
	}
	if !result.Success {
		c.mu.Lock()
		delete(c.placements, clientRef)
		c.mu.Unlock()
		kind := types.ErrInvalidResponse
		if strings.Contains(strings.ToLower(result.Error), "balance") {
			kind = types.ErrInsufficientFunds
		}
		return types.Order{}, venue.Errf(Name, "place_order", kind, errors.New(result.Error))
	}

	c.mu.Lock()
	rec.uuid = result.UUID
	c.mu.Unlock()

	return types.Order{
		ID:         result.UUID,
		ClientRef:  clientRef,
		Venue:      Name,
		Side:       side,
		BaseAmount: baseAmount,
		LimitPrice: limitPrice,
		State:      types.OrderOpen,
		CreatedTs:  rec.createdTs,
		UpdatedTs:  time.Now(),
	}, nil
}

// cancelResponse is the cancel JSON shape.
type cancelResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// CancelOrder cancels by venue order UUID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error) {
	var result cancelResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetFormData(map[string]string{"uuid": orderID}).
		SetResult(&result).
		Post("/order/cancel")
	if cerr := classify(ctx, "cancel_order", resp, err); cerr != nil {
		return "", cerr
	}
	if !result.Success {
		if strings.Contains(strings.ToLower(result.Error), "not found") {
			// Completed orders leave the open set; if we placed it, it
			// terminated on its own.
			if c.knownUUID(orderID) {
				return types.CancelAlreadyTerminal, nil
			}
			return types.CancelNotFound, nil
		}
		return "", venue.Errf(Name, "cancel_order", types.ErrInvalidResponse, errors.New(result.Error))
	}
	return types.CancelOK, nil
}

// orderStatusResponse is the account order JSON shape.
type orderStatusResponse struct {
	Success   bool   `json:"success"`
	Date      int64  `json:"date"`
	Type      string `json:"type"` // "buy" / "sell"
	Price     string `json:"price"`
	Quantity  string `json:"quantity"`  // remaining open quantity
	Fulfilled string `json:"fulfilled"` // filled so far
	Error     string `json:"error"`
}

// GetOrder fetches by venue order UUID. The venue drops orders from the
// account query once fully filled, so a missing order that we placed is
// reported as filled for its full amount.
func (c *Client) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	var result orderStatusResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/account/order/" + orderID)
	if cerr := classify(ctx, "get_order", resp, err); cerr != nil {
		return types.Order{}, cerr
	}

	ref, rec := c.recordForUUID(orderID)
	if !result.Success {
		if rec != nil {
			return c.synthesizeFilled(ref, rec, orderID), nil
		}
		return types.Order{}, venue.Errf(Name, "get_order", types.ErrNotFound, errors.New(result.Error))
	}

	quantity, err := decimal.NewFromString(result.Quantity)
	if err != nil {
		return types.Order{}, venue.Errf(Name, "get_order", types.ErrInvalidResponse,
			fmt.Errorf("parse quantity %q: %w", result.Quantity, err))
	}
	fulfilled, _ := decimal.NewFromString(result.Fulfilled)
	price, _ := decimal.NewFromString(result.Price)

	order := types.Order{
		ID:         orderID,
		Venue:      Name,
		Side:       types.Side(strings.ToUpper(result.Type)),
		BaseAmount: quantity.Add(fulfilled),
		LimitPrice: price,
		State:      types.OrderOpen,
		CreatedTs:  time.Unix(result.Date, 0),
		UpdatedTs:  time.Now(),
	}
	if rec != nil {
		order.ClientRef = ref
		order.BaseAmount = rec.baseAmount
	}
	if fulfilled.IsPositive() {
		order.State = types.OrderPartial
		quote := fulfilled.Mul(price)
		order.Fills = []types.Fill{{
			BaseAmount:  fulfilled,
			QuoteAmount: quote,
			FeeQuote:    quote.Mul(takerFee),
			Ts:          order.UpdatedTs,
		}}
		if fulfilled.GreaterThanOrEqual(order.BaseAmount) {
			order.State = types.OrderFilled
		}
	}
	return order, nil
}

// LookupOrder resolves an order by client ref using the local placement
// record. A ref with no venue UUID means the placement call never
// reached the venue (or its reply was lost before the UUID arrived);
// that is reported as not_found so the caller can safely re-place.
func (c *Client) LookupOrder(ctx context.Context, clientRef string) (types.Order, error) {
	c.mu.Lock()
	rec, ok := c.placements[clientRef]
	var uuid string
	if ok {
		uuid = rec.uuid
	}
	c.mu.Unlock()

	if !ok || uuid == "" {
		return types.Order{}, venue.Errf(Name, "lookup_order", types.ErrNotFound,
			fmt.Errorf("no placement recorded for ref %s", clientRef))
	}
	return c.GetOrder(ctx, uuid)
}

func (c *Client) knownUUID(uuid string) bool {
	_, rec := c.recordForUUID(uuid)
	return rec != nil
}

func (c *Client) recordForUUID(uuid string) (string, *placement) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ref, rec := range c.placements {
		if rec.uuid == uuid {
			return ref, rec
		}
	}
	return "", nil
}

func (c *Client) synthesizeFilled(ref string, rec *placement, uuid string) types.Order {
	quote := rec.baseAmount.Mul(rec.limitPrice)
	now := time.Now()
	return types.Order{
		ID:         uuid,
		ClientRef:  ref,
		Venue:      Name,
		Side:       rec.side,
		BaseAmount: rec.baseAmount,
		LimitPrice: rec.limitPrice,
		State:      types.OrderFilled,
		Fills: []types.Fill{{
			BaseAmount:  rec.baseAmount,
			QuoteAmount: quote,
			FeeQuote:    quote.Mul(takerFee),
			Ts:          now,
		}},
		CreatedTs: rec.createdTs,
		UpdatedTs: now,
	}
}

// balancesResponse is the account balances JSON shape.
type balancesResponse struct {
	Success  bool              `json:"success"`
	Balances map[string]string `json:"balances"`
}

// GetBalances returns total balances per currency.
func (c *Client) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var result balancesResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/account/balances")
	if cerr := classify(ctx, "get_balances", resp, err); cerr != nil {
		return nil, cerr
	}
	if !result.Success {
		return nil, venue.Errf(Name, "get_balances", types.ErrAuth, fmt.Errorf("success=false"))
	}

	out := make(map[string]decimal.Decimal, len(result.Balances))
	for ccy, amt := range result.Balances {
		d, err := decimal.NewFromString(amt)
		if err != nil {
			return nil, venue.Errf(Name, "get_balances", types.ErrInvalidResponse,
				fmt.Errorf("parse balance %q: %w", amt, err))
		}
		out[strings.ToUpper(ccy)] = d
	}
	return out, nil
}

// GetFees returns the venue's flat fee schedule.
func (c *Client) GetFees(ctx context.Context) (types.FeeSchedule, error) {
	return types.FeeSchedule{Maker: takerFee, Taker: takerFee}, nil
}

// classify maps a resty response/error pair onto the venue error taxonomy.
func classify(ctx context.Context, op string, resp *resty.Response, err error) error {
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
			return venue.Errf(Name, op, types.ErrTimeout, err)
		}
		return venue.Errf(Name, op, types.ErrTransport, err)
	}
	if resp == nil {
		return venue.Errf(Name, op, types.ErrTransport, fmt.Errorf("no response"))
	}

	code := resp.StatusCode()
	switch {
	case code >= 200 && code < 300:
		return nil
	case code == http.StatusTooManyRequests:
		return venue.Errf(Name, op, types.ErrRateLimited, fmt.Errorf("status %d", code))
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return venue.Errf(Name, op, types.ErrAuth, fmt.Errorf("status %d", code))
	case code >= 500:
		return venue.Errf(Name, op, types.ErrVenueDown, fmt.Errorf("status %d", code))
	default:
		return venue.Errf(Name, op, types.ErrInvalidResponse, fmt.Errorf("status %d: %s", code, resp.String()))
	}
}
