package indicators

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propfirm-core/internal/market"
)

func series(n int, f func(i int) float64) []market.Candle {
	start := time.Date(2025, 3, 4, 14, 0, 0, 0, time.UTC)
	out := make([]market.Candle, n)
	for i := range out {
		p := f(i)
		out[i] = market.Candle{Time: start.Add(time.Duration(i) * 5 * time.Minute), Open: p, High: p + 1, Low: p - 1, Close: p, Volume: 10}
	}
	return out
}

func TestEMASeededWithSMA(t *testing.T) {
	values := []float64{1, 2, 3, 4, 5}
	assert.Equal(t, 0.0, EMA(values, 6))
	assert.Equal(t, 2.0, EMA(values[:3], 3))

	// seed 2, k=0.5: 4*0.5+2*0.5 = 3, 5*0.5+3*0.5 = 4
	assert.InDelta(t, 4.0, EMA(values, 3), 1e-9)
	assert.Len(t, EMASeries(values, 3), 3)
}

func TestRSIBounds(t *testing.T) {
	up := make([]float64, 30)
	for i := range up {
		up[i] = float64(i)
	}
	assert.Equal(t, 100.0, RSI(up, 14))

	flat := make([]float64, 30)
	assert.Equal(t, 50.0, RSI(flat, 14))
	assert.Equal(t, 50.0, RSI(up[:5], 14), "short input is neutral")

	zigzag := make([]float64, 40)
	for i := range zigzag {
		zigzag[i] = 100 + float64(i%2)
	}
	assert.InDelta(t, 50.0, RSI(zigzag, 14), 5)
}

func TestATRConstantRange(t *testing.T) {
	candles := series(30, func(int) float64 { return 100 })
	assert.InDelta(t, 2.0, ATR(candles, 14), 1e-9)
	assert.Len(t, ATRSeries(candles, 14), 17)
	assert.Equal(t, 0.0, ATR(candles[:5], 14))
}

func TestBollingerWidth(t *testing.T) {
	values := []float64{1, 3, 1, 3}
	up, mid, lo := Bollinger(values, 4, 2)
	assert.Equal(t, 2.0, mid)
	assert.InDelta(t, 4.0, up, 1e-9)
	assert.InDelta(t, 0.0, lo, 1e-9)
}

func TestVWAPAnchorsToSession(t *testing.T) {
	day1 := time.Date(2025, 3, 4, 23, 0, 0, 0, time.UTC)
	candles := []market.Candle{
		{Time: day1, High: 1000, Low: 1000, Close: 1000, Volume: 100},
		{Time: day1.Add(2 * time.Hour), High: 10, Low: 10, Close: 10, Volume: 1},
		{Time: day1.Add(3 * time.Hour), High: 20, Low: 20, Close: 20, Volume: 1},
	}
	utc := func(t time.Time) string { return t.UTC().Format("2006-01-02") }
	vwap, upper, lower := VWAP(candles, utc, 2)
	assert.InDelta(t, 15.0, vwap, 1e-9)
	assert.InDelta(t, 25.0, upper, 1e-9)
	assert.InDelta(t, 5.0, lower, 1e-9)

	noVolume := []market.Candle{{Time: day1, Close: 7}}
	vwap, upper, lower = VWAP(noVolume, utc, 2)
	assert.Equal(t, []float64{7, 7, 7}, []float64{vwap, upper, lower})
}

func TestSnapshotNeutralUntilWarm(t *testing.T) {
	candles := series(60, func(i int) float64 { return 100 + float64(i) })

	cold := Snapshot(candles, MinCandles-2)
	assert.False(t, cold.Warm)
	assert.Equal(t, cold.Close, cold.EMA20)
	assert.Equal(t, 50.0, cold.RSI)
	assert.Zero(t, cold.ATR)

	warm := Snapshot(candles, 59)
	require.True(t, warm.Warm)
	assert.Greater(t, warm.EMA20, warm.EMA50)
	assert.Equal(t, 100.0, warm.RSI)
	assert.Greater(t, warm.ATR, 0.0)
	assert.Greater(t, warm.ATRAvg, 0.0)
	assert.Greater(t, warm.BBUpper, warm.BBLower)
	assert.Equal(t, 159.0, warm.Close)

	assert.False(t, Snapshot(candles, 99).Warm)
}
