// Package safetrade implements the venue adapter for SafeTrade, a
// centralized order-book exchange quoting the pair directly in USDT.
//
// The REST client covers tickers, depth, order management, balances and
// fees; stream.go adds the live WebSocket ticker feed. SafeTrade
// accepts a client-supplied UUID on placement, which doubles as the
// idempotency key: re-submitting the same UUID returns the original
// order, and LookupOrder resolves the UUID when a placement's outcome
// is unknown.
package safetrade

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/internal/venue"
	"verus-arb/pkg/types"
)

const Name = "safetrade"

// Client is the SafeTrade adapter.
type Client struct {
	http      *resty.Client
	wsURL     string
	market    string // e.g. "vrscusdt"
	base      string
	quote     string
	apiKey    string
	apiSecret string

	// conn is the live stream connection shared by Stream and Ping.
	connMu sync.Mutex
	conn   *websocket.Conn

	feeMu    sync.Mutex
	fees     types.FeeSchedule
	feesOnce bool
}

// New creates the adapter from venue config.
func New(cfg config.VenueConfig, baseCcy, quoteCcy string) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(10 * time.Second).
		SetHeader("Content-Type", "application/json")

	return &Client{
		http:      httpClient,
		wsURL:     cfg.WSURL,
		market:    strings.ToLower(baseCcy + quoteCcy),
		base:      baseCcy,
		quote:     cfg.Quote,
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
	}
}

func (c *Client) Name() string     { return Name }
func (c *Client) QuoteCcy() string { return c.quote }

func (c *Client) Capabilities() []types.Capability {
	caps := []types.Capability{
		types.CapOrderBook,
		types.CapPlaceOrder,
		types.CapCancelOrder,
		types.CapBalance,
		types.CapFees,
	}
	if c.wsURL != "" {
		caps = append(caps, types.CapStreaming)
	}
	return caps
}

// authHeaders signs the request with the exchange's HMAC scheme:
// signature = HMAC-SHA256(nonce + apikey, secret).
func (c *Client) authHeaders() map[string]string {
	nonce := fmt.Sprintf("%d", time.Now().UnixMilli())
	mac := hmac.New(sha256.New, []byte(c.apiSecret))
	mac.Write([]byte(nonce + c.apiKey))
	return map[string]string{
		"X-Auth-Apikey":    c.apiKey,
		"X-Auth-Nonce":     nonce,
		"X-Auth-Signature": hex.EncodeToString(mac.Sum(nil)),
	}
}

// tickerResponse is the public ticker JSON shape.
type tickerResponse struct {
	At     int64 `json:"at"`
	Ticker struct {
		Buy  string `json:"buy"`
		Sell string `json:"sell"`
		Last string `json:"last"`
		Vol  string `json:"vol"`
	} `json:"ticker"`
}

// FetchTicker pulls the current ticker.
func (c *Client) FetchTicker(ctx context.Context) (types.Tick, error) {
	var result tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/public/markets/" + c.market + "/tickers")
	if err := classify(ctx, "fetch_ticker", resp, err); err != nil {
		return types.Tick{}, err
	}

	tick, err := c.tickFromTicker(result)
	if err != nil {
		return types.Tick{}, venue.Errf(Name, "fetch_ticker", types.ErrInvalidResponse, err)
	}
	return tick, nil
}

// FetchBridgeTicker pulls another market's ticker from the same venue,
// used for bridge symbols like BTCUSDT that convert non-canonical
// quotes. The returned tick is tagged with the symbol, not the venue's
// trading pair.
func (c *Client) FetchBridgeTicker(ctx context.Context, symbol string) (types.Tick, error) {
	var result tickerResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/public/markets/" + strings.ToLower(symbol) + "/tickers")
	if err := classify(ctx, "fetch_bridge", resp, err); err != nil {
		return types.Tick{}, err
	}

	tick, err := c.tickFromTicker(result)
	if err != nil {
		return types.Tick{}, venue.Errf(Name, "fetch_bridge", types.ErrInvalidResponse, err)
	}
	tick.Venue = "bridge:" + symbol
	return tick, nil
}

func (c *Client) tickFromTicker(r tickerResponse) (types.Tick, error) {
	last, err := decimal.NewFromString(r.Ticker.Last)
	if err != nil {
		return types.Tick{}, fmt.Errorf("parse last %q: %w", r.Ticker.Last, err)
	}
	bid, _ := decimal.NewFromString(r.Ticker.Buy)
	ask, _ := decimal.NewFromString(r.Ticker.Sell)
	vol, _ := decimal.NewFromString(r.Ticker.Vol)

	return types.Tick{
		Venue:          Name,
		Price:          last,
		QuoteCcy:       c.quote,
		Bid:            bid,
		Ask:            ask,
		LastTradeTs:    time.Unix(r.At, 0),
		ReceivedTs:     time.Now(),
		VolumeQuote24h: vol.Mul(last),
		Source:         types.SourcePoll,
	}, nil
}

// depthResponse is the public depth JSON shape: [["price","amount"], ...].
type depthResponse struct {
	Timestamp int64       `json:"timestamp"`
	Asks      [][2]string `json:"asks"`
	Bids      [][2]string `json:"bids"`
}

// FetchDepth returns up to levels per side, bids descending, asks ascending.
func (c *Client) FetchDepth(ctx context.Context, levels int) (types.OrderBookDepth, error) {
	var result depthResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("limit", fmt.Sprintf("%d", levels)).
		SetResult(&result).
		Get("/public/markets/" + c.market + "/depth")
	if err := classify(ctx, "fetch_depth", resp, err); err != nil {
		return types.OrderBookDepth{}, err
	}

	depth := types.OrderBookDepth{Venue: Name, FetchedTs: time.Now()}
	for _, lvl := range result.Bids {
		pl, err := parseLevel(lvl)
		if err != nil {
			return types.OrderBookDepth{}, venue.Errf(Name, "fetch_depth", types.ErrInvalidResponse, err)
		}
		depth.Bids = append(depth.Bids, pl)
	}
	for _, lvl := range result.Asks {
		pl, err := parseLevel(lvl)
		if err != nil {
			return types.OrderBookDepth{}, venue.Errf(Name, "fetch_depth", types.ErrInvalidResponse, err)
		}
		depth.Asks = append(depth.Asks, pl)
	}
	return depth, nil
}

func parseLevel(lvl [2]string) (types.PriceLevel, error) {
	price, err := decimal.NewFromString(lvl[0])
	if err != nil {
		return types.PriceLevel{}, fmt.Errorf("parse level price %q: %w", lvl[0], err)
	}
	size, err := decimal.NewFromString(lvl[1])
	if err != nil {
		return types.PriceLevel{}, fmt.Errorf("parse level size %q: %w", lvl[1], err)
	}
	return types.PriceLevel{Price: price, Size: size}, nil
}

// orderResponse is the private order JSON shape.
type orderResponse struct {
	ID             int64  `json:"id"`
	UUID           string `json:"uuid"`
	Side           string `json:"side"` // "buy" / "sell"
	State          string `json:"state"`
	Price          string `json:"price"`
	OriginVolume   string `json:"origin_volume"`
	ExecutedVolume string `json:"executed_volume"`
	AvgPrice       string `json:"avg_price"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
}

// PlaceOrder submits a limit order carrying clientRef as the order UUID.
// The venue treats a duplicate UUID as the same order, so retries are safe.
func (c *Client) PlaceOrder(ctx context.Context, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error) {
	if !baseAmount.IsPositive() || !limitPrice.IsPositive() {
		return types.Order{}, venue.Errf(Name, "place_order", types.ErrPreconditionFailed,
			fmt.Errorf("amount and price must be > 0"))
	}

	body := map[string]string{
		"market":   c.market,
		"side":     strings.ToLower(string(side)),
		"volume":   baseAmount.String(),
		"price":    limitPrice.String(),
		"ord_type": "limit",
		"uuid":     clientRef,
	}

	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders()).
		SetBody(body).
		SetResult(&result).
		Post("/market/orders")
	if resp != nil && resp.StatusCode() == http.StatusConflict {
		// Duplicate UUID: the first placement won, fetch it.
		return c.LookupOrder(ctx, clientRef)
	}
	if err := classify(ctx, "place_order", resp, err); err != nil {
		return types.Order{}, err
	}

	return c.mapOrder(ctx, result)
}

// CancelOrder cancels by venue order ID.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders()).
		Post("/market/orders/" + orderID + "/cancel")
	if resp != nil {
		switch resp.StatusCode() {
		case http.StatusNotFound:
			return types.CancelNotFound, nil
		case http.StatusUnprocessableEntity:
			return types.CancelAlreadyTerminal, nil
		}
	}
	if err := classify(ctx, "cancel_order", resp, err); err != nil {
		return "", err
	}
	return types.CancelOK, nil
}

// GetOrder fetches by venue order ID.
func (c *Client) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	return c.fetchOrder(ctx, "get_order", orderID)
}

// LookupOrder resolves an order by its client UUID. The venue accepts
// either the numeric ID or the UUID in the path.
func (c *Client) LookupOrder(ctx context.Context, clientRef string) (types.Order, error) {
	return c.fetchOrder(ctx, "lookup_order", clientRef)
}

func (c *Client) fetchOrder(ctx context.Context, op, ref string) (types.Order, error) {
	var result orderResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders()).
		SetResult(&result).
		Get("/market/orders/" + ref)
	if err := classify(ctx, op, resp, err); err != nil {
		return types.Order{}, err
	}
	return c.mapOrder(ctx, result)
}

// mapOrder converts the venue order shape to the shared Order, with a
// single synthetic fill for the executed portion. The venue reports fees
// in its trade history; the adapter approximates them from the taker
// rate since arbitrage legs always cross the book.
func (c *Client) mapOrder(ctx context.Context, r orderResponse) (types.Order, error) {
	volume, err := decimal.NewFromString(r.OriginVolume)
	if err != nil {
		return types.Order{}, venue.Errf(Name, "get_order", types.ErrInvalidResponse,
			fmt.Errorf("parse origin_volume %q: %w", r.OriginVolume, err))
	}
	price, _ := decimal.NewFromString(r.Price)
	executed, _ := decimal.NewFromString(r.ExecutedVolume)
	avg, _ := decimal.NewFromString(r.AvgPrice)

	order := types.Order{
		ID:         fmt.Sprintf("%d", r.ID),
		ClientRef:  r.UUID,
		Venue:      Name,
		Side:       types.Side(strings.ToUpper(r.Side)),
		BaseAmount: volume,
		LimitPrice: price,
		UpdatedTs:  time.Now(),
	}
	if ts, err := time.Parse(time.RFC3339, r.CreatedAt); err == nil {
		order.CreatedTs = ts
	}

	switch r.State {
	case "wait":
		order.State = types.OrderOpen
		if executed.IsPositive() {
			order.State = types.OrderPartial
		}
	case "done":
		order.State = types.OrderFilled
	case "cancel":
		order.State = types.OrderCancelled
	case "reject":
		order.State = types.OrderFailed
	default:
		order.State = types.OrderPending
	}

	if executed.IsPositive() {
		if avg.IsZero() {
			avg = price
		}
		quote := executed.Mul(avg)
		fees, ferr := c.GetFees(ctx)
		fee := decimal.Zero
		if ferr == nil {
			fee = quote.Mul(fees.Taker)
		}
		order.Fills = []types.Fill{{
			BaseAmount:  executed,
			QuoteAmount: quote,
			FeeQuote:    fee,
			Ts:          order.UpdatedTs,
		}}
	}
	return order, nil
}

// balanceEntry is one row of the account balances response.
type balanceEntry struct {
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
	Locked   string `json:"locked"`
}

// GetBalances returns total balances (free + locked) per currency.
func (c *Client) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	var result []balanceEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(c.authHeaders()).
		SetResult(&result).
		Get("/account/balances")
	if err := classify(ctx, "get_balances", resp, err); err != nil {
		return nil, err
	}

	out := make(map[string]decimal.Decimal, len(result))
	for _, b := range result {
		free, err := decimal.NewFromString(b.Balance)
		if err != nil {
			return nil, venue.Errf(Name, "get_balances", types.ErrInvalidResponse,
				fmt.Errorf("parse balance %q: %w", b.Balance, err))
		}
		locked, _ := decimal.NewFromString(b.Locked)
		out[strings.ToUpper(b.Currency)] = free.Add(locked)
	}
	return out, nil
}

// feeEntry is one row of the public trading fees response.
type feeEntry struct {
	Market string `json:"market"`
	Maker  string `json:"maker"`
	Taker  string `json:"taker"`
}

// GetFees returns the market's fee schedule, cached after first fetch.
func (c *Client) GetFees(ctx context.Context) (types.FeeSchedule, error) {
	c.feeMu.Lock()
	defer c.feeMu.Unlock()
	if c.feesOnce {
		return c.fees, nil
	}

	var result []feeEntry
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&result).
		Get("/public/trading_fees")
	if err := classify(ctx, "get_fees", resp, err); err != nil {
		return types.FeeSchedule{}, err
	}

	for _, f := range result {
		if f.Market != c.market && f.Market != "any" {
			continue
		}
		maker, merr := decimal.NewFromString(f.Maker)
		taker, terr := decimal.NewFromString(f.Taker)
		if merr != nil || terr != nil {
			return types.FeeSchedule{}, venue.Errf(Name, "get_fees", types.ErrInvalidResponse,
				fmt.Errorf("parse fees %q/%q", f.Maker, f.Taker))
		}
		c.fees = types.FeeSchedule{Maker: maker, Taker: taker}
		c.feesOnce = true
		if f.Market == c.market {
			break
		}
	}
	if !c.feesOnce {
		return types.FeeSchedule{}, venue.Errf(Name, "get_fees", types.ErrInvalidResponse,
			fmt.Errorf("no fee entry for market %s", c.market))
	}
	return c.fees, nil
}
