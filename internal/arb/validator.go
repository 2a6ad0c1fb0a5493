package arb

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"verus-arb/internal/config"
	"verus-arb/internal/ledger"
	"verus-arb/pkg/types"
)

// depthLevels is how many book levels the validator fetches per side.
const depthLevels = 20

// VenueState is what the validator needs from a venue at gate time:
// breaker state, quote currency, and a fresh depth fetch. The ingest
// worker satisfies it.
type VenueState interface {
	Healthy() bool
	QuoteCcy() string
	FetchDepth(ctx context.Context, levels int) (types.OrderBookDepth, error)
	GetFees(ctx context.Context) (types.FeeSchedule, error)
}

// DepthNormalizer re-quotes venue-native depth to the canonical
// currency. The pricing validator provides it.
type DepthNormalizer interface {
	NormalizeDepth(depth types.OrderBookDepth, quoteCcy string) (types.OrderBookDepth, error)
}

// Outcome is the validator's verdict on an opportunity.
type Outcome struct {
	Valid        bool
	Reason       string
	Kind         types.ErrorKind
	AdjustedBase decimal.Decimal // possibly reduced to respect depth/balance
	BuyAvgPrice  decimal.Decimal // depth-derived expected fills
	SellAvgPrice decimal.Decimal
}

// Validator is the pre-execution gate: everything is re-fetched, never
// trusted from the tick cache that produced the opportunity.
type Validator struct {
	arbCfg    config.ArbitrageConfig
	execCfg   config.ExecutionConfig
	book      *ledger.Ledger
	depthNorm DepthNormalizer
	baseCcy   string
	quoteCcy  string
	logger    *slog.Logger
}

// NewValidator creates the opportunity validator.
func NewValidator(arbCfg config.ArbitrageConfig, execCfg config.ExecutionConfig, book *ledger.Ledger, depthNorm DepthNormalizer, baseCcy, quoteCcy string, logger *slog.Logger) *Validator {
	return &Validator{
		arbCfg:    arbCfg,
		execCfg:   execCfg,
		book:      book,
		depthNorm: depthNorm,
		baseCcy:   baseCcy,
		quoteCcy:  quoteCcy,
		logger:    logger.With("component", "opp_validator"),
	}
}

func reject(reason string, kind types.ErrorKind) Outcome {
	return Outcome{Reason: reason, Kind: kind}
}

// Validate gates an opportunity against live venue and ledger state.
func (v *Validator) Validate(ctx context.Context, opp types.Opportunity, buy, sell VenueState) Outcome {
	now := time.Now()
	if opp.Expired(now) {
		return reject("opportunity expired", types.ErrValidationFailed)
	}
	if !buy.Healthy() {
		return reject("buy venue circuit not closed", types.ErrVenueDown)
	}
	if !sell.Healthy() {
		return reject("sell venue circuit not closed", types.ErrVenueDown)
	}

	buyDepth, err := buy.FetchDepth(ctx, depthLevels)
	if err != nil {
		return reject("buy depth unavailable: "+err.Error(), types.KindOf(err))
	}
	sellDepth, err := sell.FetchDepth(ctx, depthLevels)
	if err != nil {
		return reject("sell depth unavailable: "+err.Error(), types.KindOf(err))
	}
	if buyDepth, err = v.depthNorm.NormalizeDepth(buyDepth, buy.QuoteCcy()); err != nil {
		return reject("buy depth not normalizable: "+err.Error(), types.KindOf(err))
	}
	if sellDepth, err = v.depthNorm.NormalizeDepth(sellDepth, sell.QuoteCcy()); err != nil {
		return reject("sell depth not normalizable: "+err.Error(), types.KindOf(err))
	}

	maxSlip := decimal.NewFromFloat(v.execCfg.MaxSlippage)

	// Prices moved: reject when top-of-book shifted against us by more
	// than the slippage budget.
	if ask, ok := buyDepth.BestAsk(); ok {
		if moveAgainst(opp.BuyPrice, ask.Price, types.BUY).GreaterThan(maxSlip) {
			return reject("buy price moved", types.ErrValidationFailed)
		}
	}
	if bid, ok := sellDepth.BestBid(); ok {
		if moveAgainst(opp.SellPrice, bid.Price, types.SELL).GreaterThan(maxSlip) {
			return reject("sell price moved", types.ErrValidationFailed)
		}
	}

	// Liquidity floor in quote terms on both books.
	if !v.book.CheckLimit(ledger.LimitLiquidity, quoteDepth(buyDepth.Asks), "buy:"+opp.BuyVenue) {
		return reject("buy book below liquidity floor", types.ErrValidationFailed)
	}
	if !v.book.CheckLimit(ledger.LimitLiquidity, quoteDepth(sellDepth.Bids), "sell:"+opp.SellVenue) {
		return reject("sell book below liquidity floor", types.ErrValidationFailed)
	}

	base := opp.BaseAmount

	// Balance bounds, shrinking rather than rejecting where possible.
	feeBuffer := decimal.NewFromInt(1).Add(decimal.NewFromFloat(v.execCfg.FeeBuffer))
	quoteAvail := v.book.Available(opp.BuyVenue, v.quoteCcy)
	maxAffordable := quoteAvail.Div(opp.BuyPrice.Mul(feeBuffer))
	if maxAffordable.LessThan(base) {
		base = maxAffordable
	}
	baseAvail := v.book.Available(opp.SellVenue, v.baseCcy)
	if baseAvail.LessThan(base) {
		base = baseAvail
	}
	if !base.IsPositive() {
		return reject("insufficient available balance", types.ErrInsufficientFunds)
	}

	// Depth walk both sides, shrinking to what the books absorb.
	buyAvg, buyFill := walkSide(buyDepth.Asks, base)
	sellAvg, sellFill := walkSide(sellDepth.Bids, base)
	if buyFill.LessThan(base) {
		base = buyFill
	}
	if sellFill.LessThan(base) {
		base = sellFill
	}
	if !base.IsPositive() {
		return reject("book cannot absorb the order", types.ErrValidationFailed)
	}
	if buyFill.GreaterThan(base) || sellFill.GreaterThan(base) {
		// Re-walk at the reduced size for honest averages.
		buyAvg, _ = walkSide(buyDepth.Asks, base)
		sellAvg, _ = walkSide(sellDepth.Bids, base)
	}

	// Realized slippage against the opportunity's quoted prices.
	buySlip := moveAgainst(opp.BuyPrice, buyAvg, types.BUY)
	sellSlip := moveAgainst(opp.SellPrice, sellAvg, types.SELL)
	if buySlip.GreaterThan(maxSlip) || sellSlip.GreaterThan(maxSlip) {
		worst := buySlip
		if sellSlip.GreaterThan(worst) {
			worst = sellSlip
		}
		v.book.ReportBreach(ledger.LimitSlippage, worst, maxSlip, opp.ID)
		return reject("slippage above budget", types.ErrValidationFailed)
	}

	// Profit with depth-derived fills and live fees.
	notional := base.Mul(buyAvg)
	fees, err := legFees(ctx, buy, sell, base, buyAvg, sellAvg)
	if err != nil {
		return reject("fee schedule unavailable: "+err.Error(), types.KindOf(err))
	}
	net := base.Mul(sellAvg.Sub(buyAvg)).Sub(fees)
	if net.LessThan(decimal.NewFromFloat(v.arbCfg.MinProfitQuote)) {
		return reject("net profit below threshold at live depth", types.ErrValidationFailed)
	}

	// Exposure caps on the adjusted notional.
	if !v.book.CheckLimit(ledger.LimitPosition, notional, opp.ID) {
		return reject("per-execution size above cap", types.ErrRiskRejected)
	}
	if !v.book.CheckLimit(ledger.LimitExposure, notional, opp.ID) {
		return reject("total exposure cap", types.ErrRiskRejected)
	}
	if !v.book.DailyExposureOK(notional) {
		return reject("daily exposure cap", types.ErrRiskRejected)
	}

	return Outcome{
		Valid:        true,
		AdjustedBase: base,
		BuyAvgPrice:  buyAvg,
		SellAvgPrice: sellAvg,
	}
}

// moveAgainst returns how far price moved against the given side as a
// fraction of the reference: paying more on a buy, receiving less on a
// sell. Favorable moves return zero.
func moveAgainst(ref, current decimal.Decimal, side types.Side) decimal.Decimal {
	if !ref.IsPositive() {
		return decimal.Zero
	}
	var diff decimal.Decimal
	if side == types.BUY {
		diff = current.Sub(ref)
	} else {
		diff = ref.Sub(current)
	}
	if diff.IsNegative() {
		return decimal.Zero
	}
	return diff.Div(ref)
}

// walkSide simulates filling base against ordered levels, returning the
// average price and how much the book could absorb.
func walkSide(levels []types.PriceLevel, base decimal.Decimal) (avg, filled decimal.Decimal) {
	remaining := base
	cost := decimal.Zero
	for _, lvl := range levels {
		if !remaining.IsPositive() {
			break
		}
		take := lvl.Size
		if take.GreaterThan(remaining) {
			take = remaining
		}
		cost = cost.Add(take.Mul(lvl.Price))
		filled = filled.Add(take)
		remaining = remaining.Sub(take)
	}
	if filled.IsPositive() {
		avg = cost.Div(filled)
	}
	return avg, filled
}

// quoteDepth sums a side's quote-term liquidity.
func quoteDepth(levels []types.PriceLevel) decimal.Decimal {
	total := decimal.Zero
	for _, lvl := range levels {
		total = total.Add(lvl.Size.Mul(lvl.Price))
	}
	return total
}

// legFees prices both legs' taker fees at the expected fills.
func legFees(ctx context.Context, buy, sell VenueState, base, buyAvg, sellAvg decimal.Decimal) (decimal.Decimal, error) {
	buyFees, err := buy.GetFees(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	sellFees, err := sell.GetFees(ctx)
	if err != nil {
		return decimal.Zero, err
	}
	return base.Mul(buyAvg).Mul(buyFees.Taker).Add(base.Mul(sellAvg).Mul(sellFees.Taker)), nil
}
