package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"propfirm-core/internal/gateway"
	"propfirm-core/internal/learning"
	"propfirm-core/internal/ledger"
	"propfirm-core/internal/risk"
	"propfirm-core/pkg/db"
	"propfirm-core/pkg/logger"
)

// ExecuteManual runs an operator LONG, SHORT or EXIT through the same risk
// and gateway checks as generated signals.
func (e *Engine) ExecuteManual(ctx context.Context, o ManualOrder) (*ManualResult, error) {
	action, ok := gateway.ParseAction(o.Action)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, o.Action)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	sym := e.cfg.DefaultInstrument
	if o.Instrument != "" {
		sym = e.cfg.Catalog.Lookup(o.Instrument).Symbol
	}
	price := o.Price
	if price <= 0 {
		price = e.prices[sym]
	}

	if action == gateway.ActionFlat {
		return e.exitLocked(ctx, sym, price)
	}
	if price <= 0 {
		return nil, fmt.Errorf("%s: %w", sym, ErrNoPrice)
	}

	state, exp, err := e.refreshRisk(ctx, e.now())
	if err != nil {
		return nil, err
	}
	if !state.IsTradingAllowed {
		return nil, fmt.Errorf("%w: %s", ErrTradeRejected, haltReason(state))
	}
	if exp.PositionsBySymbol[sym] != 0 {
		return nil, fmt.Errorf("%s: %w", sym, ErrPositionOpen)
	}

	qty := o.Quantity
	if qty <= 0 {
		qty = e.cfg.DefaultQuantity
	}
	var stopPoints float64
	if o.StopLoss > 0 {
		stopPoints = math.Abs(price - o.StopLoss)
	}
	decision := e.governor.ValidateTrade(risk.TradeRequest{Instrument: sym, Quantity: qty, StopPoints: stopPoints})
	res := &ManualResult{Decision: &decision}
	if !decision.Allowed {
		return res, fmt.Errorf("%w: %s", ErrTradeRejected, decision.Reason)
	}

	side := db.SideLong
	if action == gateway.ActionSell {
		side = db.SideShort
	}
	order, err := e.gateway.ExecuteSignal(ctx, gateway.Order{
		Symbol: sym, Action: action, Quantity: qty, Price: price,
		StopLoss: o.StopLoss, TakeProfit: o.TakeProfit,
	})
	res.Order = order
	if err != nil {
		return res, err
	}

	pos, err := e.open(ctx, ledger.OpenRequest{
		Instrument: sym, Side: side, Quantity: order.Quantity, Price: price,
		StopLoss: o.StopLoss, TakeProfit: o.TakeProfit, Time: e.now(),
	})
	if err != nil {
		return res, fmt.Errorf("record accepted order: %w", err)
	}
	res.Position = pos
	if _, _, err := e.refreshRisk(ctx, e.now()); err != nil {
		logger.S().Errorw("risk update after manual entry failed", "error", err)
	}
	return res, nil
}

// exitLocked sends FLAT for sym and closes its ledger positions.
func (e *Engine) exitLocked(ctx context.Context, sym string, price float64) (*ManualResult, error) {
	order, err := e.gateway.Flatten(ctx, sym)
	res := &ManualResult{Order: order}
	if err != nil {
		return res, err
	}
	open, err := e.ledger.OpenPositions(ctx)
	if err != nil {
		return res, err
	}
	var errs []error
	for _, p := range open {
		if !strings.EqualFold(p.Instrument, sym) {
			continue
		}
		px := price
		if px <= 0 {
			px = p.CurrentPrice
		}
		c, err := e.ledger.ClosePosition(ctx, p.ID, p.Quantity, px, ledger.ReasonManual)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c != nil {
			res.Closed = append(res.Closed, *c)
		}
	}
	e.recordClosed(ctx, res.Closed)
	if _, _, err := e.refreshRisk(ctx, e.now()); err != nil {
		errs = append(errs, err)
	}
	return res, errors.Join(errs...)
}

// ClosePosition closes qty contracts of one position at price, or at the last
// known price when price is zero. qty of zero or above the remainder closes
// fully and also sends FLAT for the instrument.
func (e *Engine) ClosePosition(ctx context.Context, id string, qty int, price float64) (*ledger.Closed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p, err := e.ledger.Position(ctx, id)
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, nil
	}
	remaining := int(math.Ceil(p.Quantity))
	if qty <= 0 || qty > remaining {
		qty = remaining
	}
	if price <= 0 {
		price = e.prices[strings.ToUpper(p.Instrument)]
	}
	if price <= 0 {
		price = p.CurrentPrice
	}

	if qty >= remaining {
		if _, err := e.gateway.Flatten(ctx, p.Instrument); err != nil {
			return nil, err
		}
	} else {
		action := gateway.ActionSell
		if p.Side == db.SideShort {
			action = gateway.ActionBuy
		}
		if _, err := e.gateway.ExecuteSignal(ctx, gateway.Order{
			Symbol: p.Instrument, Action: action, Quantity: qty, Price: price,
		}); err != nil {
			return nil, err
		}
	}

	c, err := e.ledger.ClosePosition(ctx, id, float64(qty), price, ledger.ReasonManual)
	if err != nil || c == nil {
		return c, err
	}
	e.recordClosed(ctx, []ledger.Closed{*c})
	if _, _, err := e.refreshRisk(ctx, e.now()); err != nil {
		logger.S().Errorw("risk update after close failed", "error", err)
	}
	return c, nil
}

// CloseAll sends FLAT for every open instrument and closes the ledger at the
// last prices. The gateway stays armed.
func (e *Engine) CloseAll(ctx context.Context) ([]ledger.Closed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.ledger.OpenPositions(ctx)
	if err != nil {
		return nil, err
	}
	var errs []error
	for _, sym := range symbolsOf(open) {
		if _, err := e.gateway.Flatten(ctx, sym); err != nil {
			errs = append(errs, fmt.Errorf("flat %s: %w", sym, err))
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	closed, err := e.ledger.CloseAll(ctx, e.prices, ledger.ReasonManual)
	e.recordClosed(ctx, closed)
	if _, _, rerr := e.refreshRisk(ctx, e.now()); rerr != nil {
		logger.S().Errorw("risk update after close all failed", "error", rerr)
	}
	return closed, err
}

// Flatten is the emergency stop: it disables the gateway, flattens at the
// broker and closes every ledger position.
func (e *Engine) Flatten(ctx context.Context, reason string) ([]ledger.Closed, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	closed, err := e.flattenLocked(ctx, reason)
	if _, _, rerr := e.refreshRisk(ctx, e.now()); rerr != nil {
		logger.S().Errorw("risk update after flatten failed", "error", rerr)
	}
	return closed, err
}

func (e *Engine) DisableTrading(ctx context.Context, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.governor.DisableTrading(ctx, reason)
}

func (e *Engine) EnableTrading(ctx context.Context) (risk.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.governor.EnableTrading(ctx)
}

func (e *Engine) EnableGateway() { e.gateway.Enable() }

// ResetEvaluation starts a fresh evaluation: ledger balance back to the
// account size and risk counters cleared. Open positions must be closed first.
func (e *Engine) ResetEvaluation(ctx context.Context) (risk.State, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	open, err := e.ledger.OpenPositions(ctx)
	if err != nil {
		return risk.State{}, err
	}
	if len(open) > 0 {
		return e.governor.State(), fmt.Errorf("reset evaluation: %w", ErrPositionOpen)
	}
	if err := e.ledger.Reset(ctx); err != nil {
		return risk.State{}, fmt.Errorf("reset ledger: %w", err)
	}
	return e.governor.ResetEvaluation(ctx)
}

// ValidateWeights runs the configured validator over the pending changes.
func (e *Engine) ValidateWeights(ctx context.Context) ([]learning.Result, error) {
	if e.validator == nil {
		return nil, ErrNoValidator
	}
	return e.learner.RunValidation(ctx, e.validator)
}

// ApplyWeights applies externally produced validation verdicts.
func (e *Engine) ApplyWeights(ctx context.Context, results []learning.Result) error {
	return e.learner.ApplyValidatedWeights(ctx, results)
}

func haltReason(s risk.State) string {
	switch {
	case s.HaltReason != "":
		return s.HaltReason
	case len(s.Violations) > 0:
		return strings.Join(s.Violations, ", ")
	}
	return "trading not allowed"
}
