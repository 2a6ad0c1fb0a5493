// Package ethpool implements the venue adapter for an on-chain
// constant-product liquidity pool holding the bridged pair
// (wVRSC/USDT) on an EVM chain.
//
// Prices come from the pair contract's reserves; there is no discrete
// order book, so depth is synthesized from constant-product math at
// fixed reserve fractions. A "limit order" is a swap whose implied
// average price must not be worse than the limit; it either executes
// atomically in one transaction or fails, so orders are terminal the
// moment their transaction is mined and cancellation is meaningless.
package ethpool

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/internal/venue"
	"verus-arb/pkg/types"
)

const Name = "ethpool"

const pairABIJSON = `[
	{"constant":true,"inputs":[],"name":"getReserves","outputs":[{"name":"reserve0","type":"uint112"},{"name":"reserve1","type":"uint112"},{"name":"blockTimestampLast","type":"uint32"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"token0","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"token1","outputs":[{"name":"","type":"address"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"amount0Out","type":"uint256"},{"name":"amount1Out","type":"uint256"},{"name":"to","type":"address"},{"name":"data","type":"bytes"}],"name":"swap","outputs":[],"type":"function"}
]`

const erc20ABIJSON = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"type":"function"},
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"symbol","outputs":[{"name":"","type":"string"}],"type":"function"}
]`

// depthSteps are the cumulative base-reserve fractions at which synthetic
// book levels are sampled. A request for fewer levels uses the first
// ones; zero or more levels than listed yields all of them.
var depthSteps = []float64{0.001, 0.002, 0.005, 0.01, 0.02, 0.05, 0.1}

// ethBackend is the subset of ethclient the adapter uses, extracted so
// tests can run against a fake chain.
type ethBackend interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	ChainID(ctx context.Context) (*big.Int, error)
}

// poolMeta is the immutable pool layout discovered on first use.
type poolMeta struct {
	token0        common.Address
	token1        common.Address
	baseIsToken0  bool
	baseDecimals  int32
	quoteDecimals int32
}

// Client is the liquidity-pool adapter.
type Client struct {
	eth      ethBackend
	pair     common.Address
	quote    string
	base     string
	fee      decimal.Decimal // swap fee fraction, e.g. 0.003
	key      *ecdsa.PrivateKey
	owner    common.Address
	pairABI  abi.ABI
	erc20ABI abi.ABI

	metaMu sync.Mutex
	meta   *poolMeta

	ordersMu sync.Mutex
	orders   map[string]types.Order // client ref -> terminal order
	byID     map[string]string      // tx hash -> client ref
}

// New dials the RPC node and creates the adapter. The signing key is
// optional; without it the adapter is read-only and placements fail
// with an auth error.
func New(cfg config.VenueConfig, baseCcy, quoteCcy string) (*Client, error) {
	eth, err := ethclient.Dial(cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}
	return newWithBackend(cfg, baseCcy, quoteCcy, eth)
}

func newWithBackend(cfg config.VenueConfig, baseCcy, quoteCcy string, eth ethBackend) (*Client, error) {
	pairABI, err := abi.JSON(strings.NewReader(pairABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse pair abi: %w", err)
	}
	erc20ABI, err := abi.JSON(strings.NewReader(erc20ABIJSON))
	if err != nil {
		return nil, fmt.Errorf("parse erc20 abi: %w", err)
	}

	c := &Client{
		eth:      eth,
		pair:     common.HexToAddress(cfg.PairAddress),
		quote:    cfg.Quote,
		base:     baseCcy,
		fee:      decimal.NewFromFloat(cfg.FeePct),
		pairABI:  pairABI,
		erc20ABI: erc20ABI,
		orders:   make(map[string]types.Order),
		byID:     make(map[string]string),
	}
	if cfg.APISecret != "" {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.APISecret, "0x"))
		if err != nil {
			return nil, fmt.Errorf("parse signing key: %w", err)
		}
		c.key = key
		c.owner = crypto.PubkeyToAddress(key.PublicKey)
	}
	return c, nil
}

func (c *Client) Name() string     { return Name }
func (c *Client) QuoteCcy() string { return c.quote }

func (c *Client) Capabilities() []types.Capability {
	caps := []types.Capability{types.CapOrderBook, types.CapFees}
	if c.key != nil {
		caps = append(caps, types.CapPlaceOrder, types.CapCancelOrder, types.CapBalance)
	}
	return caps
}

// Stream is unsupported: reserves are polled, not pushed.
func (c *Client) Stream(ctx context.Context, sink venue.TickSink) error {
	return venue.Errf(Name, "stream", types.ErrPreconditionFailed,
		fmt.Errorf("pool has no streaming capability"))
}

// ————————————————————————————————————————————————————————————————————————
// Reads
// ————————————————————————————————————————————————————————————————————————

// FetchTicker derives the pool's spot price from reserves. Bid and ask
// are the marginal prices after the swap fee on each direction.
func (c *Client) FetchTicker(ctx context.Context) (types.Tick, error) {
	baseRes, quoteRes, err := c.reserves(ctx)
	if err != nil {
		return types.Tick{}, err
	}
	if !baseRes.IsPositive() || !quoteRes.IsPositive() {
		return types.Tick{}, venue.Errf(Name, "fetch_ticker", types.ErrInvalidResponse,
			fmt.Errorf("empty reserves"))
	}

	price := quoteRes.Div(baseRes)
	oneMinusFee := decimal.NewFromInt(1).Sub(c.fee)

	now := time.Now()
	return types.Tick{
		Venue:       Name,
		Price:       price,
		QuoteCcy:    c.quote,
		Bid:         price.Mul(oneMinusFee), // what a seller into the pool realizes
		Ask:         price.Div(oneMinusFee), // what a buyer from the pool pays
		LastTradeTs: now,                    // reserves reflect the chain head
		ReceivedTs:  now,
		Source:      types.SourcePoll,
	}, nil
}

// FetchDepth synthesizes an order book from constant-product math:
// each level is the marginal price of consuming the next fraction of
// base reserves, with the corresponding base size.
func (c *Client) FetchDepth(ctx context.Context, levels int) (types.OrderBookDepth, error) {
	baseRes, quoteRes, err := c.reserves(ctx)
	if err != nil {
		return types.OrderBookDepth{}, err
	}
	if !baseRes.IsPositive() || !quoteRes.IsPositive() {
		return types.OrderBookDepth{}, venue.Errf(Name, "fetch_depth", types.ErrInvalidResponse,
			fmt.Errorf("empty reserves"))
	}

	steps := depthSteps
	if levels > 0 && levels < len(steps) {
		steps = steps[:levels]
	}

	depth := types.OrderBookDepth{Venue: Name, FetchedTs: time.Now()}
	oneMinusFee := decimal.NewFromInt(1).Sub(c.fee)
	prevFrac := decimal.Zero
	for _, f := range steps {
		frac := decimal.NewFromFloat(f)
		size := baseRes.Mul(frac.Sub(prevFrac))
		prevFrac = frac

		// Buying base: pool gives out `frac` of base reserves; the
		// average price over the slice approximates the marginal price
		// at its midpoint.
		remaining := decimal.NewFromInt(1).Sub(frac)
		askPrice := quoteRes.Div(baseRes.Mul(remaining)).Div(oneMinusFee)
		bidPrice := quoteRes.Mul(remaining).Div(baseRes).Mul(oneMinusFee)

		depth.Asks = append(depth.Asks, types.PriceLevel{Price: askPrice, Size: size})
		depth.Bids = append(depth.Bids, types.PriceLevel{Price: bidPrice, Size: size})
	}
	return depth, nil
}

// reserves returns (base, quote) reserves as human-unit decimals.
func (c *Client) reserves(ctx context.Context) (decimal.Decimal, decimal.Decimal, error) {
	meta, err := c.loadMeta(ctx)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}

	out, err := c.call(ctx, c.pair, c.pairABI, "getReserves")
	if err != nil {
		return decimal.Zero, decimal.Zero, venue.Errf(Name, "get_reserves", classifyRPC(ctx, err), err)
	}
	vals, err := c.pairABI.Unpack("getReserves", out)
	if err != nil || len(vals) < 2 {
		return decimal.Zero, decimal.Zero, venue.Errf(Name, "get_reserves", types.ErrInvalidResponse, err)
	}
	r0, ok0 := vals[0].(*big.Int)
	r1, ok1 := vals[1].(*big.Int)
	if !ok0 || !ok1 {
		return decimal.Zero, decimal.Zero, venue.Errf(Name, "get_reserves", types.ErrInvalidResponse,
			fmt.Errorf("unexpected reserve types"))
	}

	if meta.baseIsToken0 {
		return decimal.NewFromBigInt(r0, -meta.baseDecimals), decimal.NewFromBigInt(r1, -meta.quoteDecimals), nil
	}
	return decimal.NewFromBigInt(r1, -meta.baseDecimals), decimal.NewFromBigInt(r0, -meta.quoteDecimals), nil
}

// loadMeta discovers token ordering and decimals once.
func (c *Client) loadMeta(ctx context.Context) (*poolMeta, error) {
	c.metaMu.Lock()
	defer c.metaMu.Unlock()
	if c.meta != nil {
		return c.meta, nil
	}

	t0, err := c.callAddress(ctx, c.pair, c.pairABI, "token0")
	if err != nil {
		return nil, err
	}
	t1, err := c.callAddress(ctx, c.pair, c.pairABI, "token1")
	if err != nil {
		return nil, err
	}
	sym0, err := c.callString(ctx, t0, c.erc20ABI, "symbol")
	if err != nil {
		return nil, err
	}
	dec0, err := c.callUint8(ctx, t0, c.erc20ABI, "decimals")
	if err != nil {
		return nil, err
	}
	dec1, err := c.callUint8(ctx, t1, c.erc20ABI, "decimals")
	if err != nil {
		return nil, err
	}

	meta := &poolMeta{token0: t0, token1: t1}
	// The bridged base token carries a wrapped symbol (e.g. "wVRSC").
	if strings.EqualFold(strings.TrimPrefix(sym0, "w"), c.base) || strings.EqualFold(sym0, c.base) {
		meta.baseIsToken0 = true
		meta.baseDecimals, meta.quoteDecimals = int32(dec0), int32(dec1)
	} else {
		meta.baseDecimals, meta.quoteDecimals = int32(dec1), int32(dec0)
	}
	c.meta = meta
	return meta, nil
}

// ————————————————————————————————————————————————————————————————————————
// Trading
// ————————————————————————————————————————————————————————————————————————

// PlaceOrder executes a swap whose average price must respect the
// limit. clientRef is checked before anything hits the chain, so a
// retry of a ref whose swap already landed returns that order.
func (c *Client) PlaceOrder(ctx context.Context, side types.Side, baseAmount, limitPrice decimal.Decimal, clientRef string) (types.Order, error) {
	if c.key == nil {
		return types.Order{}, venue.Errf(Name, "place_order", types.ErrAuth,
			fmt.Errorf("no signing key configured"))
	}
	if !baseAmount.IsPositive() || !limitPrice.IsPositive() {
		return types.Order{}, venue.Errf(Name, "place_order", types.ErrPreconditionFailed,
			fmt.Errorf("amount and price must be > 0"))
	}

	c.ordersMu.Lock()
	if existing, ok := c.orders[clientRef]; ok {
		c.ordersMu.Unlock()
		return existing, nil
	}
	c.ordersMu.Unlock()

	meta, err := c.loadMeta(ctx)
	if err != nil {
		return types.Order{}, err
	}
	baseRes, quoteRes, err := c.reserves(ctx)
	if err != nil {
		return types.Order{}, err
	}

	// Constant-product quote for the swap, fee applied to input.
	oneMinusFee := decimal.NewFromInt(1).Sub(c.fee)
	var quoteAmount, avgPrice decimal.Decimal
	if side == types.BUY {
		// quoteIn = quoteRes * base / ((baseRes - base) * (1 - fee))
		if baseAmount.GreaterThanOrEqual(baseRes) {
			return types.Order{}, venue.Errf(Name, "place_order", types.ErrPreconditionFailed,
				fmt.Errorf("swap exceeds pool reserves"))
		}
		quoteAmount = quoteRes.Mul(baseAmount).Div(baseRes.Sub(baseAmount).Mul(oneMinusFee))
		avgPrice = quoteAmount.Div(baseAmount)
		if avgPrice.GreaterThan(limitPrice) {
			return types.Order{}, venue.Errf(Name, "place_order", types.ErrPreconditionFailed,
				fmt.Errorf("pool price %s above limit %s", avgPrice, limitPrice))
		}
	} else {
		// quoteOut = quoteRes * base * (1 - fee) / (baseRes + base * (1 - fee))
		effIn := baseAmount.Mul(oneMinusFee)
		quoteAmount = quoteRes.Mul(effIn).Div(baseRes.Add(effIn))
		avgPrice = quoteAmount.Div(baseAmount)
		if avgPrice.LessThan(limitPrice) {
			return types.Order{}, venue.Errf(Name, "place_order", types.ErrPreconditionFailed,
				fmt.Errorf("pool price %s below limit %s", avgPrice, limitPrice))
		}
	}

	txHash, err := c.executeSwap(ctx, meta, side, baseAmount, quoteAmount)
	if err != nil {
		return types.Order{}, err
	}

	now := time.Now()
	order := types.Order{
		ID:         txHash.Hex(),
		ClientRef:  clientRef,
		Venue:      Name,
		Side:       side,
		BaseAmount: baseAmount,
		LimitPrice: limitPrice,
		State:      types.OrderFilled,
		Fills: []types.Fill{{
			BaseAmount:  baseAmount,
			QuoteAmount: quoteAmount,
			FeeQuote:    quoteAmount.Mul(c.fee),
			Ts:          now,
		}},
		CreatedTs: now,
		UpdatedTs: now,
	}

	c.ordersMu.Lock()
	c.orders[clientRef] = order
	c.byID[order.ID] = clientRef
	c.ordersMu.Unlock()
	return order, nil
}

// executeSwap transfers the input token to the pair and calls swap in a
// second transaction, waiting for the swap receipt.
func (c *Client) executeSwap(ctx context.Context, meta *poolMeta, side types.Side, baseAmount, quoteAmount decimal.Decimal) (common.Hash, error) {
	baseToken, quoteToken := meta.token0, meta.token1
	if !meta.baseIsToken0 {
		baseToken, quoteToken = meta.token1, meta.token0
	}

	var inToken common.Address
	var inAmount *big.Int
	var out0, out1 *big.Int
	if side == types.BUY {
		inToken = quoteToken
		inAmount = toWei(quoteAmount, meta.quoteDecimals)
		baseOut := toWei(baseAmount, meta.baseDecimals)
		if meta.baseIsToken0 {
			out0, out1 = baseOut, big.NewInt(0)
		} else {
			out0, out1 = big.NewInt(0), baseOut
		}
	} else {
		inToken = baseToken
		inAmount = toWei(baseAmount, meta.baseDecimals)
		quoteOut := toWei(quoteAmount, meta.quoteDecimals)
		if meta.baseIsToken0 {
			out0, out1 = big.NewInt(0), quoteOut
		} else {
			out0, out1 = quoteOut, big.NewInt(0)
		}
	}

	transferData, err := c.erc20ABI.Pack("transfer", c.pair, inAmount)
	if err != nil {
		return common.Hash{}, venue.Errf(Name, "place_order", types.ErrInvalidResponse, err)
	}
	if _, err := c.sendTx(ctx, inToken, transferData); err != nil {
		return common.Hash{}, err
	}

	swapData, err := c.pairABI.Pack("swap", out0, out1, c.owner, []byte{})
	if err != nil {
		return common.Hash{}, venue.Errf(Name, "place_order", types.ErrInvalidResponse, err)
	}
	return c.sendTx(ctx, c.pair, swapData)
}

// sendTx signs, submits, and waits for a receipt. A receipt with a
// failed status is a precondition failure (the pool rejected the swap).
func (c *Client) sendTx(ctx context.Context, to common.Address, data []byte) (common.Hash, error) {
	chainID, err := c.eth.ChainID(ctx)
	if err != nil {
		return common.Hash{}, venue.Errf(Name, "place_order", classifyRPC(ctx, err), err)
	}
	nonce, err := c.eth.PendingNonceAt(ctx, c.owner)
	if err != nil {
		return common.Hash{}, venue.Errf(Name, "place_order", classifyRPC(ctx, err), err)
	}
	gasPrice, err := c.eth.SuggestGasPrice(ctx)
	if err != nil {
		return common.Hash{}, venue.Errf(Name, "place_order", classifyRPC(ctx, err), err)
	}

	tx := gethtypes.NewTransaction(nonce, to, big.NewInt(0), 300_000, gasPrice, data)
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), c.key)
	if err != nil {
		return common.Hash{}, venue.Errf(Name, "place_order", types.ErrAuth, err)
	}
	if err := c.eth.SendTransaction(ctx, signed); err != nil {
		return common.Hash{}, venue.Errf(Name, "place_order", classifyRPC(ctx, err), err)
	}

	hash := signed.Hash()
	for {
		receipt, err := c.eth.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			if receipt.Status != gethtypes.ReceiptStatusSuccessful {
				return hash, venue.Errf(Name, "place_order", types.ErrPreconditionFailed,
					fmt.Errorf("transaction %s reverted", hash.Hex()))
			}
			return hash, nil
		}
		select {
		case <-ctx.Done():
			return hash, venue.Errf(Name, "place_order", types.ErrTimeout, ctx.Err())
		case <-time.After(time.Second):
		}
	}
}

// CancelOrder: swaps are atomic, so every known order is already
// terminal and unknown IDs were never placed.
func (c *Client) CancelOrder(ctx context.Context, orderID string) (types.CancelResult, error) {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	if _, ok := c.byID[orderID]; ok {
		return types.CancelAlreadyTerminal, nil
	}
	return types.CancelNotFound, nil
}

// GetOrder fetches by transaction hash.
func (c *Client) GetOrder(ctx context.Context, orderID string) (types.Order, error) {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	if ref, ok := c.byID[orderID]; ok {
		return c.orders[ref], nil
	}
	return types.Order{}, venue.Errf(Name, "get_order", types.ErrNotFound,
		fmt.Errorf("unknown order %s", orderID))
}

// LookupOrder resolves by client ref.
func (c *Client) LookupOrder(ctx context.Context, clientRef string) (types.Order, error) {
	c.ordersMu.Lock()
	defer c.ordersMu.Unlock()
	if order, ok := c.orders[clientRef]; ok {
		return order, nil
	}
	return types.Order{}, venue.Errf(Name, "lookup_order", types.ErrNotFound,
		fmt.Errorf("no swap recorded for ref %s", clientRef))
}

// GetBalances reads the owner's ERC20 balances for both pool tokens.
func (c *Client) GetBalances(ctx context.Context) (map[string]decimal.Decimal, error) {
	if c.key == nil {
		return nil, venue.Errf(Name, "get_balances", types.ErrAuth,
			fmt.Errorf("no signing key configured"))
	}
	meta, err := c.loadMeta(ctx)
	if err != nil {
		return nil, err
	}

	baseToken, quoteToken := meta.token0, meta.token1
	baseDec, quoteDec := meta.baseDecimals, meta.quoteDecimals
	if !meta.baseIsToken0 {
		baseToken, quoteToken = meta.token1, meta.token0
	}

	baseBal, err := c.callBalance(ctx, baseToken, baseDec)
	if err != nil {
		return nil, err
	}
	quoteBal, err := c.callBalance(ctx, quoteToken, quoteDec)
	if err != nil {
		return nil, err
	}
	return map[string]decimal.Decimal{
		strings.ToUpper(c.base):  baseBal,
		strings.ToUpper(c.quote): quoteBal,
	}, nil
}

// GetFees returns the pool's swap fee on both sides.
func (c *Client) GetFees(ctx context.Context) (types.FeeSchedule, error) {
	return types.FeeSchedule{Maker: c.fee, Taker: c.fee}, nil
}

// ————————————————————————————————————————————————————————————————————————
// Call helpers
// ————————————————————————————————————————————————————————————————————————

func (c *Client) call(ctx context.Context, to common.Address, contractABI abi.ABI, method string, args ...any) ([]byte, error) {
	data, err := contractABI.Pack(method, args...)
	if err != nil {
		return nil, venue.Errf(Name, method, types.ErrInvalidResponse, err)
	}
	return c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
}

func (c *Client) callAddress(ctx context.Context, to common.Address, contractABI abi.ABI, method string) (common.Address, error) {
	out, err := c.call(ctx, to, contractABI, method)
	if err != nil {
		return common.Address{}, venue.Errf(Name, method, classifyRPC(ctx, err), err)
	}
	vals, err := contractABI.Unpack(method, out)
	if err != nil || len(vals) == 0 {
		return common.Address{}, venue.Errf(Name, method, types.ErrInvalidResponse, err)
	}
	addr, ok := vals[0].(common.Address)
	if !ok {
		return common.Address{}, venue.Errf(Name, method, types.ErrInvalidResponse,
			fmt.Errorf("unexpected type for %s", method))
	}
	return addr, nil
}

func (c *Client) callString(ctx context.Context, to common.Address, contractABI abi.ABI, method string) (string, error) {
	out, err := c.call(ctx, to, contractABI, method)
	if err != nil {
		return "", venue.Errf(Name, method, classifyRPC(ctx, err), err)
	}
	vals, err := contractABI.Unpack(method, out)
	if err != nil || len(vals) == 0 {
		return "", venue.Errf(Name, method, types.ErrInvalidResponse, err)
	}
	s, ok := vals[0].(string)
	if !ok {
		return "", venue.Errf(Name, method, types.ErrInvalidResponse,
			fmt.Errorf("unexpected type for %s", method))
	}
	return s, nil
}

func (c *Client) callUint8(ctx context.Context, to common.Address, contractABI abi.ABI, method string) (uint8, error) {
	out, err := c.call(ctx, to, contractABI, method)
	if err != nil {
		return 0, venue.Errf(Name, method, classifyRPC(ctx, err), err)
	}
	vals, err := contractABI.Unpack(method, out)
	if err != nil || len(vals) == 0 {
		return 0, venue.Errf(Name, method, types.ErrInvalidResponse, err)
	}
	u, ok := vals[0].(uint8)
	if !ok {
		return 0, venue.Errf(Name, method, types.ErrInvalidResponse,
			fmt.Errorf("unexpected type for %s", method))
	}
	return u, nil
}

func (c *Client) callBalance(ctx context.Context, token common.Address, decimals int32) (decimal.Decimal, error) {
	out, err := c.call(ctx, token, c.erc20ABI, "balanceOf", c.owner)
	if err != nil {
		return decimal.Zero, venue.Errf(Name, "get_balances", classifyRPC(ctx, err), err)
	}
	vals, err := c.erc20ABI.Unpack("balanceOf", out)
	if err != nil || len(vals) == 0 {
		return decimal.Zero, venue.Errf(Name, "get_balances", types.ErrInvalidResponse, err)
	}
	bal, ok := vals[0].(*big.Int)
	if !ok {
		return decimal.Zero, venue.Errf(Name, "get_balances", types.ErrInvalidResponse,
			fmt.Errorf("unexpected balance type"))
	}
	return decimal.NewFromBigInt(bal, -decimals), nil
}

// toWei converts a human-unit decimal into token base units.
func toWei(d decimal.Decimal, decimals int32) *big.Int {
	return d.Shift(decimals).Truncate(0).BigInt()
}

// classifyRPC maps RPC failures onto the venue error taxonomy.
func classifyRPC(ctx context.Context, err error) types.ErrorKind {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return types.ErrTimeout
	}
	return types.ErrTransport
}
