package indicators

import (
	"math"

	"propfirm-core/internal/market"
)

// TrueRange of candle i given the previous close.
func TrueRange(candles []market.Candle, i int) float64 {
	c := candles[i]
	if i == 0 {
		return c.High - c.Low
	}
	prev := candles[i-1].Close
	return math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prev), math.Abs(c.Low-prev)))
}

// ATRSeries returns Wilder ATR values aligned to candles[period-1:].
func ATRSeries(candles []market.Candle, period int) []float64 {
	if period <= 0 || len(candles) < period {
		return nil
	}
	out := make([]float64, 0, len(candles)-period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += TrueRange(candles, i)
	}
	atr := sum / float64(period)
	out = append(out, atr)
	for i := period; i < len(candles); i++ {
		atr = (atr*float64(period-1) + TrueRange(candles, i)) / float64(period)
		out = append(out, atr)
	}
	return out
}

// ATR returns the latest Wilder ATR, or 0 without enough candles.
func ATR(candles []market.Candle, period int) float64 {
	series := ATRSeries(candles, period)
	if len(series) == 0 {
		return 0
	}
	return series[len(series)-1]
}
