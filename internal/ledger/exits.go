package ledger

import (
	"context"
	"fmt"
	"strings"
	"time"

	"propfirm-core/pkg/db"
	"propfirm-core/pkg/logger"
)

// Exit reasons recorded on trades.
const (
	ReasonStopLoss     = "Stop Loss"
	ReasonTakeProfit   = "Take Profit"
	ReasonTrailingStop = "Trailing Stop"
	ReasonSessionClose = "Session Close"
	ReasonManual       = "Manual"
	ReasonFlatten      = "Emergency Flatten"
)

// Tick is a price observation for one instrument. High and Low default to Price.
type Tick struct {
	Instrument string
	Price      float64
	High       float64
	Low        float64
	Time       time.Time
}

func (t Tick) high() float64 {
	if t.High > 0 {
		return t.High
	}
	return t.Price
}

func (t Tick) low() float64 {
	if t.Low > 0 {
		return t.Low
	}
	return t.Price
}

// exit is a triggered protective close.
type exit struct {
	price  float64
	reason string
}

// OnTick marks every open position in the tick's instrument and closes those
// whose stop loss, take profit, trailing stop or session has been hit, in that order.
func (l *Ledger) OnTick(ctx context.Context, t Tick) ([]Closed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	open, err := l.q.ListPositions(ctx, l.cfg.Owner, l.cfg.AccountID, db.FilterOpen)
	if err != nil {
		logger.S().Errorw("list open positions failed, skipping tick", "instrument", t.Instrument, "error", err)
		return nil, fmt.Errorf("list open positions: %w", err)
	}

	at := t.Time
	if at.IsZero() {
		at = l.now()
	}
	var closed []Closed
	for _, p := range open {
		if !strings.EqualFold(p.Instrument, t.Instrument) {
			continue
		}
		p.CurrentPrice = t.Price
		p.UnrealizedPnL = unrealized(p, t.Price)

		x, ok := l.checkExit(&p, t)
		if !ok {
			if err := l.q.UpdatePositionMarks(ctx, p); err != nil {
				logger.S().Warnw("update position marks failed", "id", p.ID, "error", err)
			}
			continue
		}
		c, err := l.apply(ctx, p, p.Quantity, x.price, x.reason, at)
		if err != nil {
			logger.S().Errorw("protective close failed", "id", p.ID, "reason", x.reason, "error", err)
			continue
		}
		if c != nil {
			closed = append(closed, *c)
		}
	}
	return closed, nil
}

// checkExit evaluates exits for p against t, ratcheting the trailing stop as a
// side effect.
func (l *Ledger) checkExit(p *db.Position, t Tick) (exit, bool) {
	long := p.Side == db.SideLong

	if p.StopLoss != nil {
		if (long && t.low() <= *p.StopLoss) || (!long && t.high() >= *p.StopLoss) {
			return exit{*p.StopLoss, ReasonStopLoss}, true
		}
	}
	if p.TakeProfit != nil {
		if (long && t.high() >= *p.TakeProfit) || (!long && t.low() <= *p.TakeProfit) {
			return exit{*p.TakeProfit, ReasonTakeProfit}, true
		}
	}
	if p.TrailingPercent > 0 {
		if trail := updateTrailingStop(p, t.Price); (long && t.Price <= trail) || (!long && t.Price >= trail) {
			return exit{trail, ReasonTrailingStop}, true
		}
	}
	if !t.Time.IsZero() && l.cfg.Session.Day(p.OpenedAt) != l.cfg.Session.Day(t.Time) {
		return exit{t.Price, ReasonSessionClose}, true
	}
	return exit{}, false
}

// updateTrailingStop moves the favorable extreme and trails it by
// TrailingPercent. The stop only ever moves in the position's favor.
func updateTrailingStop(p *db.Position, price float64) float64 {
	if p.Side == db.SideLong {
		if p.HighestPrice == nil || price > *p.HighestPrice {
			p.HighestPrice = ptr(price)
		}
		trail := *p.HighestPrice * (1 - p.TrailingPercent)
		if p.TrailingStop == nil || trail > *p.TrailingStop {
			p.TrailingStop = ptr(trail)
		}
	} else {
		if p.LowestPrice == nil || price < *p.LowestPrice {
			p.LowestPrice = ptr(price)
		}
		trail := *p.LowestPrice * (1 + p.TrailingPercent)
		if p.TrailingStop == nil || trail < *p.TrailingStop {
			p.TrailingStop = ptr(trail)
		}
	}
	return *p.TrailingStop
}
