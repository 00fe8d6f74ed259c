package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propfirm-core/internal/market"
	"propfirm-core/pkg/db"
)

var opened = time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)

func newTestLedger(t *testing.T, fee float64) *Ledger {
	t.Helper()
	database, err := db.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.ApplyMigrations(database))

	l := New(database.Queries(), Config{
		AccountID:    "eval-1",
		Owner:        "alice",
		AccountSize:  50000,
		TakerFeeRate: fee,
		Catalog: market.Catalog{
			"ES": {Symbol: "ES", PointValue: 50, TickSize: 0.25, PriceScale: 1},
			"NQ": {Symbol: "NQ", PointValue: 20, TickSize: 0.25, PriceScale: 1},
		},
	})
	l.now = func() time.Time { return opened.Add(time.Hour) }
	return l
}

func open(t *testing.T, l *Ledger, req OpenRequest) *db.Position {
	t.Helper()
	if req.Time.IsZero() {
		req.Time = opened
	}
	p, err := l.Open(context.Background(), req)
	require.NoError(t, err)
	return p
}

func TestOpenCloseRoundTripAndPartialClose(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()

	acct, err := l.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, acct.Balance)

	p := open(t, l, OpenRequest{Instrument: "es", Side: db.SideLong, Quantity: 2, Price: 5000.1})
	assert.Equal(t, "ES", p.Instrument)
	assert.Equal(t, 5000.0, p.EntryPrice, "entry rounds to tick")
	assert.Equal(t, 50.0, p.PointValue)

	c, err := l.ClosePosition(ctx, p.ID, 1, 5010, ReasonManual)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 500.0, c.Trade.RealizedPnL)
	assert.Equal(t, 1.0, c.Position.Quantity)
	assert.Equal(t, db.StatusOpen, c.Position.Status)

	c, err = l.ClosePosition(ctx, p.ID, 5, 5020, ReasonManual)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, 1.0, c.Trade.Quantity, "quantity above the remainder clamps")
	assert.Equal(t, 1000.0, c.Trade.RealizedPnL)
	assert.Equal(t, db.StatusClosed, c.Position.Status)

	c, err = l.ClosePosition(ctx, p.ID, 1, 5030, ReasonManual)
	require.NoError(t, err)
	assert.Nil(t, c, "closing a closed position is a no-op")

	acct, err = l.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, 51500.0, acct.Balance)
	assert.Equal(t, 2, acct.TotalTrades)
	assert.Equal(t, 2, acct.WinCount)

	trades, err := l.Trades(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, trades, 2)
}

func TestCloseErrors(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()
	p := open(t, l, OpenRequest{Instrument: "ES", Side: db.SideLong, Quantity: 1, Price: 5000})

	_, err := l.ClosePosition(ctx, p.ID, 0, 5000, ReasonManual)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
	_, err = l.ClosePosition(ctx, "missing", 1, 5000, ReasonManual)
	assert.ErrorIs(t, err, ErrPositionNotFound)
	_, err = l.Open(ctx, OpenRequest{Instrument: "ES", Side: db.SideLong, Quantity: 0, Price: 5000})
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestFractionalPartialCloseRejected(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()
	p := open(t, l, OpenRequest{Instrument: "ES", Side: db.SideLong, Quantity: 2, Price: 5000})

	_, err := l.ClosePosition(ctx, p.ID, 1.5, 5010, ReasonManual)
	require.ErrorIs(t, err, ErrInvalidQuantity)

	got, err := l.Position(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, got.Quantity)
	exp, err := l.Exposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, exp.PositionsBySymbol["ES"])

	trades, err := l.Trades(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestFractionalRemainderStillCountsAsExposure(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()
	_, err := l.Account(ctx)
	require.NoError(t, err)

	// Rows written before whole-contract closes were enforced.
	legacy := db.Position{
		ID: "legacy", AccountID: "eval-1", OwnerID: "alice", Instrument: "ES", Side: db.SideShort,
		Quantity: 0.5, EntryPrice: 5000, CurrentPrice: 5000, PointValue: 50, Status: db.StatusOpen, OpenedAt: opened,
	}
	require.NoError(t, l.q.InsertPosition(ctx, legacy))

	exp, err := l.Exposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, -1, exp.PositionsBySymbol["ES"])

	c, err := l.ClosePosition(ctx, "legacy", 1, 4990, ReasonManual)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, db.StatusClosed, c.Position.Status)
	assert.Equal(t, 0.5, c.Trade.Quantity)
}

func TestFeesUseTakerRate(t *testing.T) {
	l := newTestLedger(t, 0.0004)
	p := open(t, l, OpenRequest{Instrument: "BTCUSDT", Side: db.SideLong, Quantity: 1, Price: 100})

	c, err := l.ClosePosition(context.Background(), p.ID, 1, 110, ReasonManual)
	require.NoError(t, err)
	assert.InDelta(t, 0.044, c.Trade.Fees, 1e-9)
	assert.InDelta(t, 9.956, c.Trade.RealizedPnL, 1e-9)
}

func TestProtectiveExits(t *testing.T) {
	tests := []struct {
		name       string
		side       db.Side
		tick       Tick
		wantReason string
		wantPrice  float64
	}{
		{"stop loss before take profit", db.SideLong, Tick{Price: 5000, High: 5012, Low: 4988}, ReasonStopLoss, 4990},
		{"take profit", db.SideLong, Tick{Price: 5008, High: 5011, Low: 4995}, ReasonTakeProfit, 5010},
		{"short stop loss", db.SideShort, Tick{Price: 5000, High: 5012, Low: 4988}, ReasonStopLoss, 5010},
		{"short take profit", db.SideShort, Tick{Price: 4992, High: 5004, Low: 4989}, ReasonTakeProfit, 4990},
		{"next session", db.SideLong, Tick{Price: 5003, Time: opened.Add(24 * time.Hour)}, ReasonSessionClose, 5003},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := newTestLedger(t, 0)
			sl, tp := 4990.0, 5010.0
			if tt.side == db.SideShort {
				sl, tp = 5010, 4990
			}
			open(t, l, OpenRequest{Instrument: "ES", Side: tt.side, Quantity: 1, Price: 5000, StopLoss: sl, TakeProfit: tp, TrailingPercent: -1})

			tick := tt.tick
			tick.Instrument = "ES"
			if tick.Time.IsZero() {
				tick.Time = opened.Add(time.Minute)
			}
			closed, err := l.OnTick(context.Background(), tick)
			require.NoError(t, err)
			require.Len(t, closed, 1)
			assert.Equal(t, tt.wantReason, closed[0].Trade.Reason)
			assert.Equal(t, tt.wantPrice, closed[0].Trade.ExitPrice)
		})
	}
}

func TestTickMarksWithoutExit(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()
	open(t, l, OpenRequest{Instrument: "ES", Side: db.SideShort, Quantity: 2, Price: 5000, StopLoss: 5020})
	open(t, l, OpenRequest{Instrument: "NQ", Side: db.SideLong, Quantity: 1, Price: 18000})

	closed, err := l.OnTick(ctx, Tick{Instrument: "ES", Price: 4995, Time: opened.Add(time.Minute)})
	require.NoError(t, err)
	assert.Empty(t, closed)

	e, err := l.Exposure(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ES": -2, "NQ": 1}, e.PositionsBySymbol)
	assert.Equal(t, 500.0, e.OpenPnL)
	assert.Equal(t, 4995.0, e.Prices["ES"])
}

func TestTrailingStopRatchets(t *testing.T) {
	ctx := context.Background()

	t.Run("long", func(t *testing.T) {
		l := newTestLedger(t, 0)
		open(t, l, OpenRequest{Instrument: "BTCUSDT", Side: db.SideLong, Quantity: 1, Price: 100, TrailingPercent: 0.01})

		at := opened.Add(time.Minute)
		for _, px := range []float64{110, 109} {
			closed, err := l.OnTick(ctx, Tick{Instrument: "BTCUSDT", Price: px, Time: at})
			require.NoError(t, err)
			assert.Empty(t, closed)
		}
		pos, err := l.OpenPositions(ctx)
		require.NoError(t, err)
		require.Len(t, pos, 1)
		require.NotNil(t, pos[0].TrailingStop)
		assert.InDelta(t, 108.9, *pos[0].TrailingStop, 1e-9, "a pullback does not lower the trail")
		assert.InDelta(t, 110, *pos[0].HighestPrice, 1e-9)

		closed, err := l.OnTick(ctx, Tick{Instrument: "BTCUSDT", Price: 108, Time: at})
		require.NoError(t, err)
		require.Len(t, closed, 1)
		assert.Equal(t, ReasonTrailingStop, closed[0].Trade.Reason)
		assert.InDelta(t, 108.9, closed[0].Trade.ExitPrice, 1e-9)
		assert.InDelta(t, 8.9, closed[0].Trade.RealizedPnL, 1e-9)
	})

	t.Run("short", func(t *testing.T) {
		l := newTestLedger(t, 0)
		open(t, l, OpenRequest{Instrument: "BTCUSDT", Side: db.SideShort, Quantity: 1, Price: 100, TrailingPercent: 0.01})

		at := opened.Add(time.Minute)
		closed, err := l.OnTick(ctx, Tick{Instrument: "BTCUSDT", Price: 90, Time: at})
		require.NoError(t, err)
		assert.Empty(t, closed)

		closed, err = l.OnTick(ctx, Tick{Instrument: "BTCUSDT", Price: 91, Time: at})
		require.NoError(t, err)
		require.Len(t, closed, 1)
		assert.InDelta(t, 90.9, closed[0].Trade.ExitPrice, 1e-9)
		assert.InDelta(t, 9.1, closed[0].Trade.RealizedPnL, 1e-9)
	})
}

func TestCloseAll(t *testing.T) {
	l := newTestLedger(t, 0)
	ctx := context.Background()
	open(t, l, OpenRequest{Instrument: "ES", Side: db.SideLong, Quantity: 1, Price: 5000})
	open(t, l, OpenRequest{Instrument: "NQ", Side: db.SideShort, Quantity: 2, Price: 18000})

	closed, err := l.CloseAll(ctx, map[string]float64{"ES": 4990}, ReasonFlatten)
	require.NoError(t, err)
	require.Len(t, closed, 2)

	byInst := map[string]db.Trade{}
	for _, c := range closed {
		byInst[c.Trade.Instrument] = c.Trade
	}
	assert.Equal(t, -500.0, byInst["ES"].RealizedPnL)
	assert.Equal(t, 18000.0, byInst["NQ"].ExitPrice, "falls back to the last mark")

	pos, err := l.OpenPositions(ctx)
	require.NoError(t, err)
	assert.Empty(t, pos)

	require.NoError(t, l.Reset(ctx))
	acct, err := l.Account(ctx)
	require.NoError(t, err)
	assert.Equal(t, 50000.0, acct.Balance)
	assert.Zero(t, acct.TotalTrades)
}
