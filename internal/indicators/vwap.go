package indicators

import (
	"math"
	"time"

	"propfirm-core/internal/market"
)

// VWAP returns the session-anchored VWAP at the last candle and its bands at
// mult volume-weighted standard deviations. The session starts at the first
// candle sharing the last candle's day key. Without volume it falls back to close.
func VWAP(candles []market.Candle, day func(time.Time) string, mult float64) (vwap, upper, lower float64) {
	if len(candles) == 0 {
		return 0, 0, 0
	}
	last := candles[len(candles)-1]
	key := day(last.Time)

	start := len(candles) - 1
	for start > 0 && day(candles[start-1].Time) == key {
		start--
	}

	pv, vol := 0.0, 0.0
	for _, c := range candles[start:] {
		pv += c.TypicalPrice() * c.Volume
		vol += c.Volume
	}
	if vol == 0 {
		return last.Close, last.Close, last.Close
	}
	vwap = pv / vol

	variance := 0.0
	for _, c := range candles[start:] {
		d := c.TypicalPrice() - vwap
		variance += c.Volume * d * d
	}
	sd := math.Sqrt(variance / vol)
	return vwap, vwap + mult*sd, vwap - mult*sd
}
