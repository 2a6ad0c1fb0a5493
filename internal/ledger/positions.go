package ledger

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"verus-arb/internal/events"
	"verus-arb/pkg/types"
)

// OpenPosition records directional exposure on a venue, with the
// stop-loss and take-profit ladder derived from risk config. Returns
// an error when the venue already carries its maximum position count.
func (l *Ledger) OpenPosition(venue string, side types.Side, baseAmount, entryPrice decimal.Decimal) (types.Position, error) {
	l.mu.Lock()

	if l.cfg.MaxPositionsPerVenue > 0 {
		open := 0
		for _, p := range l.positions {
			if p.Venue == venue && p.Status == types.PositionOpen {
				open++
			}
		}
		if open >= l.cfg.MaxPositionsPerVenue {
			l.mu.Unlock()
			return types.Position{}, fmt.Errorf("open position: venue %s at max positions (%d)", venue, l.cfg.MaxPositionsPerVenue)
		}
	}

	pos := types.Position{
		ID:         uuid.NewString(),
		Venue:      venue,
		Side:       side,
		BaseAmount: baseAmount,
		EntryPrice: entryPrice,
		Status:     types.PositionOpen,
		OpenedTs:   time.Now(),
	}
	if l.cfg.StopLossPercent > 0 {
		slFrac := decimal.NewFromFloat(l.cfg.StopLossPercent)
		if side == types.BUY {
			pos.StopLoss = entryPrice.Mul(decimal.NewFromInt(1).Sub(slFrac))
		} else {
			pos.StopLoss = entryPrice.Mul(decimal.NewFromInt(1).Add(slFrac))
		}
	}
	for _, tp := range l.cfg.TakeProfitTargets {
		tpFrac := decimal.NewFromFloat(tp)
		target := entryPrice.Mul(decimal.NewFromInt(1).Add(tpFrac))
		if side == types.SELL {
			target = entryPrice.Mul(decimal.NewFromInt(1).Sub(tpFrac))
		}
		pos.TakeProfits = append(pos.TakeProfits, types.TakeProfitTarget{Price: target})
	}

	l.positions[pos.ID] = &pos
	snapshot := pos
	l.mu.Unlock()

	l.logger.Info("position opened",
		"position_id", snapshot.ID,
		"venue", venue,
		"side", side,
		"base", baseAmount,
		"entry", entryPrice,
	)
	l.bus.Publish(events.Event{
		Kind:    events.KindPositionOpened,
		Venue:   venue,
		Payload: events.PositionPayload{Position: snapshot},
	})
	return snapshot, nil
}

// UpdatePosition re-marks a position at the current price: unrealized
// PnL is recomputed and the stop-loss / take-profit ladder is evaluated.
// Take-profit hits are sticky. Returns the updated snapshot and whether
// the stop-loss is breached at this price.
func (l *Ledger) UpdatePosition(positionID string, currentPrice decimal.Decimal) (types.Position, bool, error) {
	l.mu.Lock()

	pos, ok := l.positions[positionID]
	if !ok {
		l.mu.Unlock()
		return types.Position{}, false, fmt.Errorf("update position: %s not found", positionID)
	}
	if pos.Status != types.PositionOpen {
		snapshot := *pos
		l.mu.Unlock()
		return snapshot, false, nil
	}

	diff := currentPrice.Sub(pos.EntryPrice)
	if pos.Side == types.SELL {
		diff = diff.Neg()
	}
	pos.UnrealizedPnL = diff.Mul(pos.BaseAmount)

	stopHit := false
	if pos.StopLoss.IsPositive() {
		if pos.Side == types.BUY && currentPrice.LessThanOrEqual(pos.StopLoss) {
			stopHit = true
		}
		if pos.Side == types.SELL && currentPrice.GreaterThanOrEqual(pos.StopLoss) {
			stopHit = true
		}
	}
	for i := range pos.TakeProfits {
		if pos.TakeProfits[i].Hit {
			continue
		}
		crossed := pos.Side == types.BUY && currentPrice.GreaterThanOrEqual(pos.TakeProfits[i].Price) ||
			pos.Side == types.SELL && currentPrice.LessThanOrEqual(pos.TakeProfits[i].Price)
		if crossed {
			pos.TakeProfits[i].Hit = true
		}
	}

	snapshot := *pos
	l.mu.Unlock()

	l.bus.Publish(events.Event{
		Kind:    events.KindPositionUpdated,
		Venue:   snapshot.Venue,
		Payload: events.PositionPayload{Position: snapshot},
	})
	return snapshot, stopHit, nil
}

// ClosePosition marks the position closed at exitPrice, realizing its
// PnL into the daily counters.
func (l *Ledger) ClosePosition(positionID string, exitPrice decimal.Decimal) (types.Position, error) {
	l.mu.Lock()

	pos, ok := l.positions[positionID]
	if !ok {
		l.mu.Unlock()
		return types.Position{}, fmt.Errorf("close position: %s not found", positionID)
	}
	if pos.Status == types.PositionClosed {
		snapshot := *pos
		l.mu.Unlock()
		return snapshot, nil
	}

	diff := exitPrice.Sub(pos.EntryPrice)
	if pos.Side == types.SELL {
		diff = diff.Neg()
	}
	pos.RealizedPnL = diff.Mul(pos.BaseAmount)
	pos.UnrealizedPnL = decimal.Zero
	pos.Status = types.PositionClosed
	pos.ClosedTs = time.Now()

	snapshot := *pos
	l.recordTradeLocked(pos.BaseAmount.Mul(exitPrice), pos.RealizedPnL)
	l.mu.Unlock()

	l.logger.Info("position closed",
		"position_id", snapshot.ID,
		"venue", snapshot.Venue,
		"realized_pnl", snapshot.RealizedPnL,
	)
	l.bus.Publish(events.Event{
		Kind:    events.KindPositionClosed,
		Venue:   snapshot.Venue,
		Payload: events.PositionPayload{Position: snapshot},
	})
	return snapshot, nil
}

// Position returns a snapshot of one position.
func (l *Ledger) Position(positionID string) (types.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	p, ok := l.positions[positionID]
	if !ok {
		return types.Position{}, false
	}
	return *p, true
}

// OpenPositions returns snapshots of every open position.
func (l *Ledger) OpenPositions() []types.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if p.Status == types.PositionOpen {
			out = append(out, *p)
		}
	}
	return out
}
