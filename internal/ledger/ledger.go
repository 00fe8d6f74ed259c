// Package ledger keeps the sqlite record of positions, trades and the account
// balance, and evaluates protective exits on every tick.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"propfirm-core/internal/market"
	"propfirm-core/pkg/db"
	"propfirm-core/pkg/logger"
)

var (
	ErrPositionNotFound = errors.New("position not found")
	ErrInvalidQuantity  = errors.New("quantity must be a positive whole number of contracts")
)

// Config binds a ledger to one account.
type Config struct {
	AccountID       string
	Owner           string
	AccountSize     float64
	TakerFeeRate    float64
	TrailingPercent float64 // default trail for new positions, 0 disables
	Catalog         market.Catalog
	Session         market.Session
	Clock           func() time.Time // nil means time.Now
}

// Ledger is safe for concurrent use.
type Ledger struct {
	mu  sync.Mutex
	q   *db.Queries
	cfg Config
	now func() time.Time
}

func New(q *db.Queries, cfg Config) *Ledger {
	now := cfg.Clock
	if now == nil {
		now = time.Now
	}
	return &Ledger{q: q, cfg: cfg, now: now}
}

// OpenRequest describes a filled entry. Zero StopLoss/TakeProfit means none;
// a negative TrailingPercent disables the default trail.
type OpenRequest struct {
	Instrument      string
	Side            db.Side
	Quantity        int
	Price           float64
	StopLoss        float64
	TakeProfit      float64
	TrailingPercent float64
	StrategyID      string
	Regime          string
	Time            time.Time
}

// Closed is one committed close.
type Closed struct {
	Position db.Position
	Trade    db.Trade
}

// Exposure summarizes open positions for the risk governor.
type Exposure struct {
	PositionsBySymbol map[string]int
	OpenPnL           float64
	Prices            map[string]float64
}

// Account returns the ledger account, creating it at AccountSize on first use.
func (l *Ledger) Account(ctx context.Context) (*db.Account, error) {
	acct, err := l.q.GetAccount(ctx, l.cfg.Owner, l.cfg.AccountID)
	if err == nil {
		return acct, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	if err := l.q.CreateAccount(ctx, db.Account{ID: l.cfg.AccountID, OwnerID: l.cfg.Owner, Balance: l.cfg.AccountSize}); err != nil {
		return nil, err
	}
	logger.S().Infow("ledger account created", "account", l.cfg.AccountID, "balance", l.cfg.AccountSize)
	return l.q.GetAccount(ctx, l.cfg.Owner, l.cfg.AccountID)
}

// Reset restores the account balance to AccountSize.
func (l *Ledger) Reset(ctx context.Context) error {
	if _, err := l.Account(ctx); err != nil {
		return err
	}
	return l.q.ResetAccount(ctx, l.cfg.Owner, l.cfg.AccountID, l.cfg.AccountSize)
}

// Open records a new position at tick-rounded prices.
func (l *Ledger) Open(ctx context.Context, req OpenRequest) (*db.Position, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("open %s: %w", req.Instrument, ErrInvalidQuantity)
	}
	if req.Side != db.SideLong && req.Side != db.SideShort {
		return nil, fmt.Errorf("open %s: unknown side %q", req.Instrument, req.Side)
	}
	if _, err := l.Account(ctx); err != nil {
		return nil, err
	}

	inst := l.cfg.Catalog.Lookup(req.Instrument)
	at := req.Time
	if at.IsZero() {
		at = l.now()
	}
	entry := inst.RoundToTick(req.Price)
	trail := req.TrailingPercent
	if trail == 0 {
		trail = l.cfg.TrailingPercent
	}
	trail = max(trail, 0)

	p := db.Position{
		ID:              uuid.NewString(),
		AccountID:       l.cfg.AccountID,
		OwnerID:         l.cfg.Owner,
		Instrument:      inst.Symbol,
		Side:            req.Side,
		Quantity:        float64(req.Quantity),
		EntryPrice:      entry,
		CurrentPrice:    entry,
		TrailingPercent: trail,
		PointValue:      inst.PointValue,
		Status:          db.StatusOpen,
		StrategyID:      req.StrategyID,
		Regime:          req.Regime,
		OpenedAt:        at.UTC(),
	}
	if req.StopLoss > 0 {
		p.StopLoss = ptr(inst.RoundToTick(req.StopLoss))
	}
	if req.TakeProfit > 0 {
		p.TakeProfit = ptr(inst.RoundToTick(req.TakeProfit))
	}
	if trail > 0 {
		p.HighestPrice = ptr(entry)
		p.LowestPrice = ptr(entry)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.q.InsertPosition(ctx, p); err != nil {
		return nil, err
	}
	logger.S().Infow("position opened",
		"id", p.ID, "instrument", p.Instrument, "side", p.Side, "quantity", p.Quantity,
		"entry", p.EntryPrice, "strategy", p.StrategyID)
	return &p, nil
}

// ClosePosition closes qty of a position at price. Closing an already closed
// position is a no-op returning (nil, nil); qty above the remainder closes it fully.
func (l *Ledger) ClosePosition(ctx context.Context, id string, qty, price float64, reason string) (*Closed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closeLocked(ctx, id, qty, price, reason, l.now())
}

func (l *Ledger) closeLocked(ctx context.Context, id string, qty, price float64, reason string, at time.Time) (*Closed, error) {
	if qty <= 0 {
		return nil, fmt.Errorf("close %s: %w", id, ErrInvalidQuantity)
	}
	p, err := l.q.GetPosition(ctx, l.cfg.Owner, id)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("close %s: %w", id, ErrPositionNotFound)
	}
	if err != nil {
		return nil, err
	}
	if !p.IsOpen() {
		return nil, nil
	}
	// Partial closes are whole contracts so the broker can mirror them.
	if qty < p.Quantity && qty != math.Trunc(qty) {
		return nil, fmt.Errorf("close %s: %w", id, ErrInvalidQuantity)
	}
	return l.apply(ctx, *p, qty, price, reason, at)
}

func (l *Ledger) apply(ctx context.Context, p db.Position, qty, price float64, reason string, at time.Time) (*Closed, error) {
	inst := l.cfg.Catalog.Lookup(p.Instrument)
	price = inst.RoundToTick(price)
	qty = min(qty, p.Quantity)

	gross := pointsMoved(p.Side, p.EntryPrice, price) * qty * p.PointValue
	fees := qty * price * l.cfg.TakerFeeRate
	realized := gross - fees

	prevQty := p.Quantity
	p.Quantity -= qty
	p.CurrentPrice = price
	p.RealizedPnL += realized
	p.UnrealizedPnL = unrealized(p, price)
	if p.Quantity <= 0 {
		closedAt := at.UTC()
		p.Quantity = 0
		p.UnrealizedPnL = 0
		p.Status = db.StatusClosed
		p.CloseReason = reason
		p.ClosedAt = &closedAt
	}

	trade := db.Trade{
		ID:          uuid.NewString(),
		AccountID:   p.AccountID,
		OwnerID:     p.OwnerID,
		PositionID:  p.ID,
		Instrument:  p.Instrument,
		Side:        p.Side,
		Quantity:    qty,
		EntryPrice:  p.EntryPrice,
		ExitPrice:   price,
		Fees:        fees,
		RealizedPnL: realized,
		Reason:      reason,
		StrategyID:  p.StrategyID,
		Regime:      p.Regime,
		CreatedAt:   at.UTC(),
	}

	err := l.q.ApplyClose(ctx, db.CloseUpdate{Position: p, PrevQuantity: prevQty, Trade: trade})
	if errors.Is(err, db.ErrStaleClose) {
		logger.S().Warnw("close skipped, position changed concurrently", "id", p.ID)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	logger.S().Infow("position closed",
		"id", p.ID, "instrument", p.Instrument, "quantity", qty, "exit", price,
		"realized_pnl", realized, "fees", fees, "reason", reason, "remaining", p.Quantity)
	return &Closed{Position: p, Trade: trade}, nil
}

// CloseAll closes every open position at prices[instrument], falling back to
// the last mark. Failures do not stop the remaining closes.
func (l *Ledger) CloseAll(ctx context.Context, prices map[string]float64, reason string) ([]Closed, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	open, err := l.q.ListPositions(ctx, l.cfg.Owner, l.cfg.AccountID, db.FilterOpen)
	if err != nil {
		return nil, err
	}
	var (
		out  []Closed
		errs []error
	)
	now := l.now()
	for _, p := range open {
		price, ok := prices[strings.ToUpper(p.Instrument)]
		if !ok || price <= 0 {
			price = p.CurrentPrice
		}
		c, err := l.apply(ctx, p, p.Quantity, price, reason, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.ID, err))
			continue
		}
		if c != nil {
			out = append(out, *c)
		}
	}
	return out, errors.Join(errs...)
}

// Position loads one position of this account.
func (l *Ledger) Position(ctx context.Context, id string) (*db.Position, error) {
	p, err := l.q.GetPosition(ctx, l.cfg.Owner, id)
	if errors.Is(err, db.ErrNotFound) || (err == nil && p.AccountID != l.cfg.AccountID) {
		return nil, fmt.Errorf("position %s: %w", id, ErrPositionNotFound)
	}
	return p, err
}

// Positions lists the account's positions by status.
func (l *Ledger) Positions(ctx context.Context, filter db.StatusFilter) ([]db.Position, error) {
	switch filter {
	case db.FilterOpen, db.FilterClosed, db.FilterAll:
	case "":
		filter = db.FilterAll
	default:
		return nil, fmt.Errorf("unknown status filter %q", filter)
	}
	return l.q.ListPositions(ctx, l.cfg.Owner, l.cfg.AccountID, filter)
}

func (l *Ledger) OpenPositions(ctx context.Context) ([]db.Position, error) {
	return l.Positions(ctx, db.FilterOpen)
}

// Trades lists closes, newest first.
func (l *Ledger) Trades(ctx context.Context, limit int) ([]db.Trade, error) {
	return l.q.ListTrades(ctx, l.cfg.Owner, l.cfg.AccountID, limit)
}

// Exposure returns signed contracts per symbol and the open P&L at the last marks.
func (l *Ledger) Exposure(ctx context.Context) (Exposure, error) {
	open, err := l.OpenPositions(ctx)
	if err != nil {
		return Exposure{}, err
	}
	e := Exposure{PositionsBySymbol: map[string]int{}, Prices: map[string]float64{}}
	for _, p := range open {
		// A fractional remainder still counts as a full contract.
		qty := int(math.Ceil(p.Quantity))
		if p.Side == db.SideShort {
			qty = -qty
		}
		e.PositionsBySymbol[p.Instrument] += qty
		e.OpenPnL += p.UnrealizedPnL
		e.Prices[p.Instrument] = p.CurrentPrice
	}
	return e, nil
}

func pointsMoved(side db.Side, entry, price float64) float64 {
	if side == db.SideShort {
		return entry - price
	}
	return price - entry
}

func unrealized(p db.Position, price float64) float64 {
	return pointsMoved(p.Side, p.EntryPrice, price) * p.Quantity * p.PointValue
}

func ptr(v float64) *float64 { return &v }
