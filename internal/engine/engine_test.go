package engine

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propfirm-core/internal/events"
	"propfirm-core/internal/gateway"
	"propfirm-core/internal/learning"
	"propfirm-core/internal/ledger"
	"propfirm-core/internal/market"
	"propfirm-core/internal/regime"
	"propfirm-core/internal/risk"
	"propfirm-core/internal/store"
	"propfirm-core/internal/strategy"
	"propfirm-core/pkg/db"
)

var t0 = time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC)

// alwaysLong fires on every warm bar so the pipeline can be driven end to end.
type alwaysLong struct{}

func (alwaysLong) ID() string               { return "always_long" }
func (alwaysLong) Regimes() []regime.Regime { return regime.All }
func (alwaysLong) MinConfidence() float64   { return 0 }
func (alwaysLong) Detect(strategy.Window) *strategy.Candidate {
	return &strategy.Candidate{Direction: strategy.Long, Confidence: 0.9, Reason: "test"}
}

type webhook struct {
	mu       sync.Mutex
	payloads []gateway.Payload
}

func (w *webhook) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var p gateway.Payload
		assert.NoError(t, json.Unmarshal(raw, &p))
		w.mu.Lock()
		w.payloads = append(w.payloads, p)
		w.mu.Unlock()
		io.WriteString(rw, `{"success":true,"message":"ok"}`)
	}
}

func (w *webhook) actions() []gateway.Action {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]gateway.Action, len(w.payloads))
	for i, p := range w.payloads {
		out[i] = p.Data
	}
	return out
}

func (w *webhook) last() gateway.Payload {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.payloads[len(w.payloads)-1]
}

type fixture struct {
	engine  *Engine
	hook    *webhook
	gateway *gateway.Gateway
	learner *learning.Learner
	bus     *events.Bus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	kv, err := store.NewBadger("")
	require.NoError(t, err)
	t.Cleanup(func() { kv.Close() })

	hook := &webhook{}
	srv := httptest.NewServer(hook.handler(t))
	t.Cleanup(srv.Close)

	catalog := market.Catalog{"ES": {Symbol: "ES", Contract: "ESH5", PointValue: 50, TickSize: 0.25, PriceScale: 1}}
	bus := events.NewBus()
	reg := strategy.NewRegistry(alwaysLong{})

	gov := risk.NewGovernor(risk.Config{
		AccountID:           "eval-1",
		AccountSize:         50000,
		MaxTrailingDrawdown: 2000,
		MaxPositionSize:     5,
		RiskPercent:         0.5,
		AllowedInstruments:  []string{"ES"},
		PointValues:         map[string]float64{"ES": 50},
		AutoFlatten:         true,
	}, kv, "alice", bus)
	gw := gateway.New(gateway.Config{
		URL: srv.URL, Token: "tok", Platform: "RITHMIC",
		MaxQuantity: 5, DefaultInstrument: "ES", Catalog: catalog,
	}, bus)
	learner := learning.NewLearner(kv, "alice", reg.IDs(), learning.Config{
		LearningRate: 0.3, MinTradesForAdjustment: 5, DefaultWeight: 0.5,
	}, bus)
	l := ledger.New(database.Queries(), ledger.Config{
		AccountID: "eval-1", Owner: "alice", AccountSize: 50000, Catalog: catalog,
		Clock: func() time.Time { return t0 },
	})

	e := New(Config{
		DefaultInstrument: "ES",
		DefaultQuantity:   1,
		Instruments:       []string{"ES"},
		Catalog:           catalog,
	}, Deps{
		Ledger: l, Governor: gov, Gateway: gw, Learner: learner,
		Generator: strategy.NewGenerator(reg), Bus: bus,
	})
	e.now = func() time.Time { return t0 }
	require.NoError(t, e.Hydrate(ctx))

	return &fixture{engine: e, hook: hook, gateway: gw, learner: learner, bus: bus}
}

func bar(i int) market.Candle {
	c := 5000 + 3*math.Sin(float64(i)/5)
	return market.Candle{
		Time: t0.Add(time.Duration(i) * time.Minute), Open: c - 0.5, High: c + 2, Low: c - 2, Close: c, Volume: 100,
	}
}

// warm feeds bars until the first entry and returns the opening result.
func (f *fixture) warm(t *testing.T) (*BarResult, int) {
	t.Helper()
	for i := 0; i < 60; i++ {
		res, err := f.engine.OnCandle(context.Background(), "es", bar(i))
		require.NoError(t, err)
		if res.Position != nil {
			return res, i
		}
		require.Equal(t, "warming up", res.Skipped, "bar %d", i)
	}
	t.Fatal("no entry after warmup")
	return nil, 0
}

func TestOnCandleWarmsUpThenTrades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, i := f.warm(t)
	assert.Equal(t, 49, i, "first warm bar trades")
	require.NotNil(t, res.Signal)
	assert.Equal(t, "always_long", res.Signal.StrategyID)
	require.NotNil(t, res.Order)
	assert.True(t, res.Order.PickMyTradeAccepted)
	assert.False(t, res.Order.RithmicConfirmed)

	p := res.Position
	assert.Equal(t, db.SideLong, p.Side)
	assert.Equal(t, 1.0, p.Quantity)
	require.NotNil(t, p.StopLoss)
	assert.Less(t, *p.StopLoss, p.EntryPrice)

	assert.Equal(t, []gateway.Action{gateway.ActionBuy}, f.hook.actions())
	assert.Equal(t, "ESH5", f.hook.last().Symbol)

	next, err := f.engine.OnCandle(ctx, "ES", bar(i+1))
	require.NoError(t, err)
	assert.Equal(t, "position open", next.Skipped)
	assert.Equal(t, 1, f.engine.RiskState().TotalContracts)
}

func TestStopLossExitFeedsRiskAndLearner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	res, i := f.warm(t)
	stop := *res.Position.StopLoss

	crash := bar(i + 1)
	crash.Low = stop - 20
	crash.Close = stop - 10
	out, err := f.engine.OnCandle(ctx, "ES", crash)
	require.NoError(t, err)

	require.Len(t, out.Closed, 1)
	tr := out.Closed[0].Trade
	assert.Equal(t, ledger.ReasonStopLoss, tr.Reason)
	assert.Equal(t, stop, tr.ExitPrice)
	assert.Less(t, tr.RealizedPnL, 0.0)

	assert.Equal(t, 1, f.engine.RiskState().DailyTrades)
	totals := f.learner.State().StrategyTotals("always_long")
	assert.Equal(t, 1, totals.Trades)
	assert.Equal(t, 0, totals.Wins)

	// A protective stop is handled by the bracket, so no FLAT goes out.
	assert.NotContains(t, f.hook.actions(), gateway.ActionFlat)

	acct, err := f.engine.Account(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 50000+tr.RealizedPnL, acct.Balance, 1e-9)
}

func TestTrailingDrawdownBreachFlattensEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	violations, unsub := f.bus.Subscribe(events.EventRiskViolation, 8)
	defer unsub()

	_, err := f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Quantity: 1, Price: 5000})
	require.NoError(t, err)

	// 50 points x $50 = 2500 open loss against a 2000 trailing drawdown.
	c := market.Candle{Time: t0.Add(time.Minute), Open: 5000, High: 5000, Low: 4950, Close: 4950}
	res, err := f.engine.OnCandle(ctx, "ES", c)
	require.NoError(t, err)
	assert.Equal(t, "trading disabled", res.Skipped)

	open, err := f.engine.Positions(ctx, db.FilterOpen)
	require.NoError(t, err)
	assert.Empty(t, open)

	trades, err := f.engine.Trades(ctx, 10)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, ledger.ReasonFlatten, trades[0].Reason)
	assert.Equal(t, -2500.0, trades[0].RealizedPnL)

	s := f.engine.RiskState()
	assert.True(t, s.EvaluationBreached)
	assert.False(t, s.IsTradingAllowed)
	assert.False(t, f.gateway.Enabled())
	assert.Equal(t, []gateway.Action{gateway.ActionBuy, gateway.ActionFlat}, f.hook.actions())

	select {
	case got := <-violations:
		assert.Equal(t, risk.ViolationTrailingDrawdown, got.(events.RiskAlert).Code)
	case <-time.After(time.Second):
		t.Fatal("no violation published")
	}

	// Lifting the operator halt does not clear a breach.
	f.engine.EnableGateway()
	s, err = f.engine.EnableTrading(ctx)
	require.NoError(t, err)
	assert.False(t, s.IsTradingAllowed)
	_, err = f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Price: 4950})
	assert.ErrorIs(t, err, ErrTradeRejected)
}

func TestManualOrders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ExecuteManual(ctx, ManualOrder{Action: "HOLD"})
	assert.ErrorIs(t, err, ErrUnknownAction)

	_, err = f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG"})
	assert.ErrorIs(t, err, ErrNoPrice)

	res, err := f.engine.ExecuteManual(ctx, ManualOrder{Action: "short", Quantity: 2, Price: 5000, StopLoss: 5004})
	require.NoError(t, err)
	require.NotNil(t, res.Position)
	assert.Equal(t, db.SideShort, res.Position.Side)
	require.NotNil(t, res.Decision)
	assert.Equal(t, 400.0, res.Decision.WorstCaseLoss)

	_, err = f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Price: 5000})
	assert.ErrorIs(t, err, ErrPositionOpen)

	_, err = f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Instrument: "NQ", Price: 20000})
	assert.ErrorIs(t, err, ErrTradeRejected, "instrument outside the allowed list")

	res, err = f.engine.ExecuteManual(ctx, ManualOrder{Action: "EXIT", Price: 4990})
	require.NoError(t, err)
	require.Len(t, res.Closed, 1)
	assert.Equal(t, 1000.0, res.Closed[0].Trade.RealizedPnL)
	assert.Equal(t, ledger.ReasonManual, res.Closed[0].Trade.Reason)

	assert.Equal(t, []gateway.Action{gateway.ActionSell, gateway.ActionFlat}, f.hook.actions())
	assert.Equal(t, 0, f.learner.State().StrategyTotals("always_long").Trades, "manual trades do not train")
	assert.Equal(t, 1, f.engine.RiskState().DailyTrades)
}

func TestManualOrderBlockedByOperatorHalt(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.engine.DisableTrading(ctx, "news"))
	_, err := f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Price: 5000})
	assert.ErrorIs(t, err, ErrTradeRejected)
	assert.Empty(t, f.hook.actions())

	s, err := f.engine.EnableTrading(ctx)
	require.NoError(t, err)
	assert.True(t, s.IsTradingAllowed)
}

func TestClosePositionPartialSendsOppositeOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Quantity: 2, Price: 5000})
	require.NoError(t, err)
	id := res.Position.ID

	c, err := f.engine.ClosePosition(ctx, id, 1, 5010)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 500.0, c.Trade.RealizedPnL)
	assert.Equal(t, 1.0, c.Position.Quantity)
	p := f.hook.last()
	assert.Equal(t, gateway.ActionSell, p.Data)
	assert.Equal(t, 1, p.Quantity)

	c, err = f.engine.ClosePosition(ctx, id, 0, 5020)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, db.StatusClosed, c.Position.Status)
	assert.Equal(t, gateway.ActionFlat, f.hook.last().Data)

	c, err = f.engine.ClosePosition(ctx, id, 1, 5030)
	require.NoError(t, err)
	assert.Nil(t, c)

	_, err = f.engine.ClosePosition(ctx, "missing", 1, 5000)
	assert.ErrorIs(t, err, ledger.ErrPositionNotFound)
}

func TestPartialCloseKeepsRemainderInRisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Quantity: 2, Price: 5000})
	require.NoError(t, err)

	c, err := f.engine.ClosePosition(ctx, res.Position.ID, 1, 5000)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1.0, c.Position.Quantity)
	assert.Equal(t, 1, f.hook.last().Quantity, "broker mirrors the ledger close")

	s := f.engine.RiskState()
	assert.Equal(t, 1, s.TotalContracts)
	assert.Equal(t, 1, s.PositionsBySymbol["ES"])

	next, err := f.engine.OnCandle(ctx, "ES", bar(0))
	require.NoError(t, err)
	assert.Equal(t, "position open", next.Skipped)
	assert.Nil(t, next.Position)

	positions, err := f.engine.Positions(ctx, db.FilterOpen)
	require.NoError(t, err)
	assert.Len(t, positions, 1)
}

func TestResetEvaluationRequiresFlatBook(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Price: 5000})
	require.NoError(t, err)
	_, err = f.engine.ResetEvaluation(ctx)
	assert.ErrorIs(t, err, ErrPositionOpen)

	f.engine.prices["ES"] = 4980
	closed, err := f.engine.CloseAll(ctx)
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, -1000.0, closed[0].Trade.RealizedPnL)
	assert.True(t, f.gateway.Enabled(), "close all keeps the gateway armed")

	s, err := f.engine.ResetEvaluation(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, s.CurrentBalance)
	acct, err := f.engine.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, acct.Balance)
}

func TestFlattenDisablesGateway(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ExecuteManual(ctx, ManualOrder{Action: "LONG", Price: 5000})
	require.NoError(t, err)
	closed, err := f.engine.Flatten(ctx, "operator")
	require.NoError(t, err)
	require.Len(t, closed, 1)
	assert.Equal(t, ledger.ReasonFlatten, closed[0].Trade.Reason)
	assert.False(t, f.gateway.Enabled())

	snap := f.engine.Snapshot(ctx)
	assert.Empty(t, snap.Positions)
	assert.False(t, snap.Gateway.Enabled)
	assert.Equal(t, "emergency stop", snap.Gateway.TripReason)
}

func TestWeightValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.engine.ValidateWeights(ctx)
	assert.ErrorIs(t, err, ErrNoValidator)

	f.engine.validator = learning.SampleValidator{MinTrades: 1}
	results, err := f.engine.ValidateWeights(ctx)
	require.NoError(t, err)
	assert.Empty(t, results, "nothing pending")
	assert.Equal(t, 0.5, f.engine.LearningState().StrategyWeights["always_long"])
}

func TestAppendReplacesSameTimestamp(t *testing.T) {
	f := newFixture(t)
	e := f.engine
	e.cfg.WindowSize = 3

	for i := 0; i < 5; i++ {
		e.appendLocked("ES", bar(i))
	}
	require.Len(t, e.windows["ES"], 3)
	assert.Equal(t, bar(2).Time, e.windows["ES"][0].Time)

	again := bar(4)
	again.Close = 1
	e.appendLocked("ES", again)
	require.Len(t, e.windows["ES"], 3)
	assert.Equal(t, 1.0, e.windows["ES"][2].Close)
	assert.Equal(t, 1.0, e.prices["ES"])

	e.appendLocked("ES", bar(0))
	assert.Equal(t, bar(4).Time, e.windows["ES"][2].Time, "stale bars are ignored")
}
