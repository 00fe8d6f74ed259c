package engine

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"propfirm-core/internal/events"
	"propfirm-core/internal/gateway"
	"propfirm-core/internal/learning"
	"propfirm-core/internal/ledger"
	"propfirm-core/internal/market"
	"propfirm-core/internal/regime"
	"propfirm-core/internal/risk"
	"propfirm-core/internal/strategy"
	"propfirm-core/pkg/db"
	"propfirm-core/pkg/logger"
)

// OnCandle runs one closed bar through the pipeline.
func (e *Engine) OnCandle(ctx context.Context, instrument string, c market.Candle) (*BarResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst := e.cfg.Catalog.Lookup(instrument)
	sym := inst.Symbol
	res := &BarResult{Instrument: sym}
	e.appendLocked(sym, c)

	closed, err := e.ledger.OnTick(ctx, ledger.Tick{Instrument: sym, Price: c.Close, High: c.High, Low: c.Low, Time: c.Time})
	if err != nil {
		logger.S().Warnw("ledger exits skipped for bar", "instrument", sym, "error", err)
	}
	res.Closed = closed
	if needsFlat(closed) {
		if _, err := e.gateway.Flatten(ctx, sym); err != nil {
			logger.S().Errorw("flat order for protective exit failed", "instrument", sym, "error", err)
		}
	}
	e.recordClosed(ctx, closed)

	state, exp, err := e.refreshRisk(ctx, c.Time)
	if err != nil {
		logger.S().Errorw("risk update failed", "error", err)
	}
	switch {
	case !state.IsTradingAllowed:
		res.Skipped = "trading disabled"
		return res, nil
	case exp.PositionsBySymbol[sym] != 0:
		res.Skipped = "position open"
		return res, nil
	case !e.gateway.Enabled():
		res.Skipped = "gateway disabled"
		return res, nil
	}

	w := strategy.BuildWindow(e.windows[sym], e.cfg.Session.Day)
	if !w.Ind.Warm {
		res.Skipped = "warming up"
		return res, nil
	}
	r := regime.Classify(w.Ind)
	e.regimes[sym] = r
	res.Regime = r

	ranked := e.generator.Rank(w, r, e.learner.ActiveWeights())
	if len(ranked) == 0 {
		res.Skipped = "no signal"
		return res, nil
	}
	sig := ranked[0]
	res.Signal = &sig
	e.lastSignal = &sig
	e.publish(events.EventSignal, events.SignalGenerated{
		Instrument: sym, StrategyID: sig.StrategyID, Direction: string(sig.Direction), Regime: string(sig.Regime),
		Confidence: sig.Confidence, Weight: sig.Weight, Confluence: sig.Confluence, Entry: sig.Entry, StopLoss: sig.StopLoss, TakeProfit: sig.TakeProfit,
		Reason: sig.Reason, Time: c.Time,
	})

	stopPoints := math.Abs(sig.Entry - sig.StopLoss)
	qty := min(e.governor.CalculateSafePositionSize(sym, stopPoints), e.cfg.DefaultQuantity)
	if qty < 1 {
		res.Skipped = "size below one contract"
		return res, nil
	}
	decision := e.governor.ValidateTrade(risk.TradeRequest{Instrument: sym, Quantity: qty, StopPoints: stopPoints})
	if !decision.Allowed {
		res.Skipped = decision.Reason
		logger.S().Infow("signal blocked by risk rules", "instrument", sym, "strategy", sig.StrategyID, "reason", decision.Reason)
		return res, nil
	}
	if decision.Caution {
		logger.S().Warnw("trade near drawdown headroom", "instrument", sym, "worst_case_loss", decision.WorstCaseLoss)
	}

	side, action := db.SideLong, gateway.ActionBuy
	if sig.Direction == strategy.Short {
		side, action = db.SideShort, gateway.ActionSell
	}
	order, err := e.gateway.ExecuteSignal(ctx, gateway.Order{
		Symbol: sym, Action: action, Quantity: qty, Price: sig.Entry,
		StopLoss: sig.StopLoss, TakeProfit: sig.TakeProfit, StrategyID: sig.StrategyID,
	})
	res.Order = &order
	if err != nil {
		res.Skipped = order.Message
		logger.S().Warnw("signal not executed", "instrument", sym, "strategy", sig.StrategyID, "error", err)
		return res, nil
	}

	pos, err := e.open(ctx, ledger.OpenRequest{
		Instrument: sym, Side: side, Quantity: order.Quantity, Price: sig.Entry,
		StopLoss: sig.StopLoss, TakeProfit: sig.TakeProfit,
		StrategyID: sig.StrategyID, Regime: string(r), Time: c.Time,
	})
	if err != nil {
		return res, fmt.Errorf("record accepted order: %w", err)
	}
	res.Position = pos

	if _, _, err := e.refreshRisk(ctx, c.Time); err != nil {
		logger.S().Errorw("risk update after entry failed", "error", err)
	}
	return res, nil
}

func needsFlat(closed []ledger.Closed) bool {
	for _, c := range closed {
		if c.Trade.Reason == ledger.ReasonTrailingStop || c.Trade.Reason == ledger.ReasonSessionClose {
			return true
		}
	}
	return false
}

func (e *Engine) open(ctx context.Context, req ledger.OpenRequest) (*db.Position, error) {
	pos, err := e.ledger.Open(ctx, req)
	if err != nil {
		return nil, err
	}
	e.publish(events.EventPositionOpened, events.PositionOpened{
		PositionID: pos.ID, Instrument: pos.Instrument, Side: string(pos.Side), Quantity: pos.Quantity,
		Price: pos.EntryPrice, StrategyID: pos.StrategyID, Time: pos.OpenedAt,
	})
	return pos, nil
}

// recordClosed feeds committed closes to the governor, then the learner.
func (e *Engine) recordClosed(ctx context.Context, closed []ledger.Closed) {
	for _, c := range closed {
		t := c.Trade
		if err := e.governor.RecordTrade(ctx, t.RealizedPnL, t.CreatedAt); err != nil {
			logger.S().Errorw("risk trade record failed", "trade", t.ID, "error", err)
		}
		if t.StrategyID != "" {
			err := e.learner.RecordOutcome(ctx, learning.Outcome{
				TradeID:    t.ID,
				StrategyID: t.StrategyID,
				Regime:     regime.Regime(t.Regime),
				PnL:        t.RealizedPnL,
				ClosedAt:   t.CreatedAt,
				Day:        e.cfg.Session.Day(t.CreatedAt),
			})
			if err != nil {
				logger.S().Errorw("learner outcome record failed", "trade", t.ID, "error", err)
			}
		}
		e.publish(events.EventTradeClosed, events.TradeClosed{
			TradeID: t.ID, PositionID: t.PositionID, Instrument: t.Instrument, Side: string(t.Side),
			Quantity: t.Quantity, EntryPrice: t.EntryPrice, ExitPrice: t.ExitPrice, Fees: t.Fees,
			RealizedPnL: t.RealizedPnL, Reason: t.Reason, StrategyID: t.StrategyID, Regime: t.Regime, Time: t.CreatedAt,
		})
	}
}

// refreshRisk pushes the ledger's balance and exposure into the governor.
func (e *Engine) refreshRisk(ctx context.Context, now time.Time) (risk.State, ledger.Exposure, error) {
	acct, err := e.ledger.Account(ctx)
	if err != nil {
		return e.governor.State(), ledger.Exposure{}, fmt.Errorf("load account: %w", err)
	}
	exp, err := e.ledger.Exposure(ctx)
	if err != nil {
		return e.governor.State(), ledger.Exposure{}, fmt.Errorf("load exposure: %w", err)
	}
	state, err := e.governor.Update(ctx, risk.AccountUpdate{
		Balance:           acct.Balance,
		OpenPnL:           exp.OpenPnL,
		PositionsBySymbol: exp.PositionsBySymbol,
		Now:               now,
	})
	return state, exp, err
}

// flattenLocked closes everything at the broker and in the ledger. Callers hold mu.
func (e *Engine) flattenLocked(ctx context.Context, reason string) ([]ledger.Closed, error) {
	logger.S().Errorw("flattening all positions", "reason", reason)
	open, err := e.ledger.OpenPositions(ctx)
	if err != nil {
		logger.S().Errorw("list positions for flatten failed", "error", err)
	}
	for _, sym := range symbolsOf(open) {
		if sym == e.cfg.DefaultInstrument {
			continue
		}
		if _, err := e.gateway.Flatten(ctx, sym); err != nil {
			logger.S().Errorw("flat order failed", "instrument", sym, "error", err)
		}
	}
	if _, err := e.gateway.EmergencyStop(ctx, reason); err != nil {
		logger.S().Errorw("emergency stop order failed", "error", err)
	}

	closed, err := e.ledger.CloseAll(ctx, e.prices, ledger.ReasonFlatten)
	e.recordClosed(ctx, closed)
	return closed, err
}

func symbolsOf(positions []db.Position) []string {
	var out []string
	seen := map[string]bool{}
	for _, p := range positions {
		sym := strings.ToUpper(p.Instrument)
		if !seen[sym] {
			seen[sym] = true
			out = append(out, sym)
		}
	}
	return out
}

func (e *Engine) publish(ev events.Event, payload any) {
	if e.bus != nil {
		e.bus.Publish(ev, payload)
	}
}
