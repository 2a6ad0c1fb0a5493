package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"verus-arb/internal/events"
	"verus-arb/pkg/types"
)

// LimitType names one risk bound the ledger can check.
type LimitType string

const (
	LimitPosition  LimitType = "position"  // per-execution quote notional
	LimitExposure  LimitType = "exposure"  // total committed quote notional
	LimitLoss      LimitType = "loss"      // daily realized loss
	LimitDrawdown  LimitType = "drawdown"  // worst intraday PnL excursion
	LimitSlippage  LimitType = "slippage"  // realized slippage fraction
	LimitLiquidity LimitType = "liquidity" // venue book depth in quote
)

// CheckLimit tests value against the configured bound for the limit
// type. A breach is reported on the bus and returns false. The exposure
// check folds in current ledger state, so value is the increment being
// contemplated, not the running total. Loss and drawdown are judged on
// today's recorded counters alone and ignore value.
func (l *Ledger) CheckLimit(limit LimitType, value decimal.Decimal, context string) bool {
	var bound, observed decimal.Decimal

	switch limit {
	case LimitPosition:
		bound = decimal.NewFromFloat(l.cfg.MaxPositionSize)
		observed = value
	case LimitExposure:
		bound = decimal.NewFromFloat(l.cfg.MaxTotalExposure)
		observed = l.TotalExposure().Add(value)
	case LimitLoss:
		bound = decimal.NewFromFloat(l.cfg.MaxDailyLoss)
		observed = l.DailyStats().RealizedPnL.Neg() // loss as a positive number
	case LimitDrawdown:
		bound = decimal.NewFromFloat(l.cfg.MaxDrawdown)
		observed = l.DailyStats().MaxDrawdown.Neg()
	case LimitSlippage:
		// The slippage bound lives in execution config; callers that own
		// it report through ReportBreach. Reaching here means no bound.
		return true
	case LimitLiquidity:
		// Liquidity is a floor, not a ceiling: breach when below.
		bound = decimal.NewFromFloat(l.cfg.MinLiquidity)
		if value.GreaterThanOrEqual(bound) {
			return true
		}
		l.publishBreach(limit, value, bound, context)
		return false
	}

	if bound.IsZero() {
		return true // unset bound = unlimited
	}
	if observed.LessThanOrEqual(bound) {
		return true
	}
	l.publishBreach(limit, observed, bound, context)
	return false
}

// DailyExposureOK reports whether adding notional keeps the day's
// cumulative traded volume under the daily exposure cap.
func (l *Ledger) DailyExposureOK(notional decimal.Decimal) bool {
	bound := decimal.NewFromFloat(l.cfg.MaxDailyExposure)
	if bound.IsZero() {
		return true
	}
	day := l.DailyStats()
	if day.VolumeQuote.Add(notional).LessThanOrEqual(bound) {
		return true
	}
	l.publishBreach("exposure", day.VolumeQuote.Add(notional), bound, "daily")
	return false
}

// ReportBreach publishes a limit breach whose bound is owned by the
// caller (e.g. the slippage ceiling in execution config).
func (l *Ledger) ReportBreach(limit LimitType, value, bound decimal.Decimal, context string) {
	l.publishBreach(limit, value, bound, context)
}

func (l *Ledger) publishBreach(limit LimitType, value, bound decimal.Decimal, context string) {
	l.logger.Warn("limit breached",
		"limit", string(limit),
		"value", value,
		"bound", bound,
		"context", context,
	)
	l.bus.Publish(events.Event{
		Kind: events.KindLimitBreached,
		Payload: events.LimitPayload{
			Limit:   string(limit),
			Value:   value,
			Bound:   bound,
			Context: context,
		},
	})
}

// ————————————————————————————————————————————————————————————————————————
// Daily stats
// ————————————————————————————————————————————————————————————————————————

// DailyStats returns today's counters, rolling the day over first if
// the UTC date has changed since the last mutation.
func (l *Ledger) DailyStats() types.DailyStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rolloverLocked(time.Now())
	return l.daily
}

// RecordTrade folds one settled trade into the daily counters.
func (l *Ledger) RecordTrade(volumeQuote, realizedPnL decimal.Decimal) {
	l.mu.Lock()
	l.recordTradeLocked(volumeQuote, realizedPnL)
	l.mu.Unlock()
}

func (l *Ledger) recordTradeLocked(volumeQuote, realizedPnL decimal.Decimal) {
	l.rolloverLocked(time.Now())
	l.daily.Trades++
	l.daily.VolumeQuote = l.daily.VolumeQuote.Add(volumeQuote)
	l.daily.RealizedPnL = l.daily.RealizedPnL.Add(realizedPnL)
	if l.daily.RealizedPnL.LessThan(l.daily.MaxDrawdown) {
		l.daily.MaxDrawdown = l.daily.RealizedPnL
	}
}

func (l *Ledger) rolloverLocked(now time.Time) {
	if dayStart(now).After(l.daily.DayStartTs) {
		l.daily = types.DailyStats{DayStartTs: dayStart(now)}
	}
}

func dayStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
