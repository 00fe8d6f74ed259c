package engine

import (
	"context"
	"errors"
	"maps"
	"strings"
	"sync"
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

var (
	ErrTradeRejected = errors.New("trade rejected by risk rules")
	ErrPositionOpen  = errors.New("position already open")
	ErrNoPrice       = errors.New("no price available")
	ErrUnknownAction = errors.New("unknown action")
	ErrNoValidator   = errors.New("no validator configured")
)

// Config tunes the pipeline.
type Config struct {
	DefaultInstrument  string
	DefaultQuantity    int
	Instruments        []string
	Catalog            market.Catalog
	Session            market.Session
	WindowSize         int
	ValidationInterval time.Duration
}

// Deps are the collaborators the engine drives.
type Deps struct {
	Ledger    *ledger.Ledger
	Governor  *risk.Governor
	Gateway   *gateway.Gateway
	Learner   *learning.Learner
	Generator *strategy.Generator
	Validator learning.Validator // optional
	Bus       *events.Bus
}

// Engine serializes every decision for one account behind mu. The risk
// governor is only ever updated with mu held, so its flattener runs under mu too.
type Engine struct {
	mu  sync.Mutex
	cfg Config

	ledger    *ledger.Ledger
	governor  *risk.Governor
	gateway   *gateway.Gateway
	learner   *learning.Learner
	generator *strategy.Generator
	validator learning.Validator
	bus       *events.Bus

	windows    map[string][]market.Candle
	prices     map[string]float64
	regimes    map[string]regime.Regime
	lastSignal *strategy.Signal
	now        func() time.Time
}

var _ Service = (*Engine)(nil)

func New(cfg Config, d Deps) *Engine {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = 500
	}
	if cfg.DefaultQuantity <= 0 {
		cfg.DefaultQuantity = 1
	}
	cfg.DefaultInstrument = strings.ToUpper(cfg.DefaultInstrument)
	e := &Engine{
		cfg:       cfg,
		ledger:    d.Ledger,
		governor:  d.Governor,
		gateway:   d.Gateway,
		learner:   d.Learner,
		generator: d.Generator,
		validator: d.Validator,
		bus:       d.Bus,
		windows:   make(map[string][]market.Candle),
		prices:    make(map[string]float64),
		regimes:   make(map[string]regime.Regime),
		now:       time.Now,
	}
	e.governor.SetFlattener(risk.FlattenerFunc(func(ctx context.Context, reason string) error {
		_, err := e.flattenLocked(ctx, reason)
		return err
	}))
	return e
}

// Hydrate loads persisted learner, risk and ledger state. Learner failures
// fall back to default weights; a risk load failure leaves trading halted.
func (e *Engine) Hydrate(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.learner.Load(ctx); err != nil {
		logger.S().Warnw("learner state unavailable, using default weights", "error", err)
	}
	var errs []error
	if err := e.governor.Load(ctx); err != nil {
		logger.S().Errorw("risk state unavailable, trading halted", "error", err)
		errs = append(errs, err)
	}
	if _, err := e.ledger.Account(ctx); err != nil {
		errs = append(errs, err)
	}
	if exp, err := e.ledger.Exposure(ctx); err == nil {
		maps.Copy(e.prices, exp.Prices)
	}
	if _, _, err := e.refreshRisk(ctx, e.now()); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Warmup backfills candle windows from src without trading. Source failures
// skip the instrument.
func (e *Engine) Warmup(ctx context.Context, src market.Source, from, to time.Time) {
	for _, sym := range e.cfg.Instruments {
		inst := e.cfg.Catalog.Lookup(sym)
		candles, err := src.Candles(ctx, inst, from, to)
		if err != nil {
			logger.S().Warnw("warmup fetch failed", "instrument", inst.Symbol, "error", err)
			continue
		}
		e.mu.Lock()
		for _, c := range candles {
			e.appendLocked(inst.Symbol, c)
		}
		n := len(e.windows[inst.Symbol])
		e.mu.Unlock()
		logger.S().Infow("warmup complete", "instrument", inst.Symbol, "bars", n)
	}
}

// Run feeds bars through OnCandle until ctx is done or bars closes, and runs
// weight validation on the configured interval.
func (e *Engine) Run(ctx context.Context, bars <-chan market.Bar) {
	var tick <-chan time.Time
	if e.validator != nil && e.cfg.ValidationInterval > 0 {
		t := time.NewTicker(e.cfg.ValidationInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case b, ok := <-bars:
			if !ok {
				return
			}
			if _, err := e.OnCandle(ctx, b.Instrument, b.Candle); err != nil {
				logger.S().Errorw("bar processing failed", "instrument", b.Instrument, "error", err)
			}
		case <-tick:
			if e.learner.State().PendingValidation {
				if _, err := e.ValidateWeights(ctx); err != nil {
					logger.S().Warnw("scheduled weight validation failed", "error", err)
				}
			}
		}
	}
}

func (e *Engine) appendLocked(sym string, c market.Candle) {
	w := e.windows[sym]
	if n := len(w); n > 0 && !c.Time.After(w[n-1].Time) {
		if c.Time.Equal(w[n-1].Time) {
			w[n-1] = c
		}
		e.prices[sym] = w[n-1].Close
		return
	}
	w = append(w, c)
	if len(w) > e.cfg.WindowSize {
		w = append(w[:0:0], w[len(w)-e.cfg.WindowSize:]...)
	}
	e.windows[sym] = w
	e.prices[sym] = c.Close
}

// Snapshot assembles the operator status view.
func (e *Engine) Snapshot(ctx context.Context) Snapshot {
	e.mu.Lock()
	s := Snapshot{
		Time:    e.now().UTC(),
		Prices:  maps.Clone(e.prices),
		Regimes: maps.Clone(e.regimes),
		Bars:    make(map[string]int, len(e.windows)),
	}
	for sym, w := range e.windows {
		s.Bars[sym] = len(w)
	}
	if e.lastSignal != nil {
		sig := *e.lastSignal
		s.LastSignal = &sig
	}
	e.mu.Unlock()

	s.Risk = e.governor.State()
	s.Gateway = e.gateway.Status()
	s.Weights = e.learner.ActiveWeights()
	s.LearnerPhase = e.learner.State().Phase
	s.Pending = e.learner.GetPendingChanges()
	if acct, err := e.ledger.Account(ctx); err == nil {
		s.Account = acct
	}
	if pos, err := e.ledger.OpenPositions(ctx); err == nil {
		s.Positions = pos
	}
	if s.Positions == nil {
		s.Positions = []db.Position{}
	}
	return s
}

func (e *Engine) RiskState() risk.State { return e.governor.State() }

func (e *Engine) Account(ctx context.Context) (*db.Account, error) { return e.ledger.Account(ctx) }

func (e *Engine) Positions(ctx context.Context, filter db.StatusFilter) ([]db.Position, error) {
	return e.ledger.Positions(ctx, filter)
}

func (e *Engine) Trades(ctx context.Context, limit int) ([]db.Trade, error) {
	return e.ledger.Trades(ctx, limit)
}

func (e *Engine) LearningState() learning.State { return e.learner.State() }

func (e *Engine) PendingChanges() []learning.Change { return e.learner.GetPendingChanges() }
