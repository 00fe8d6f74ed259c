package indicators

import (
	"time"

	"propfirm-core/internal/market"
)

const (
	EMAFast      = 20
	EMASlow      = 50
	RSIPeriod    = 14
	ATRPeriod    = 14
	ATRAvgWindow = 20
	BBPeriod     = 20
	BBMult       = 2.0
	VWAPMult     = 2.0

	// MinCandles is the window length below which snapshots are neutral.
	MinCandles = 50
)

// Indicators is the derived snapshot at one candle index.
type Indicators struct {
	EMA20     float64 `json:"ema20"`
	EMA50     float64 `json:"ema50"`
	RSI       float64 `json:"rsi"`
	ATR       float64 `json:"atr"`
	ATRAvg    float64 `json:"atr_avg"`
	VWAP      float64 `json:"vwap"`
	VWAPUpper float64 `json:"vwap_upper"`
	VWAPLower float64 `json:"vwap_lower"`
	BBUpper   float64 `json:"bb_upper"`
	BBMiddle  float64 `json:"bb_middle"`
	BBLower   float64 `json:"bb_lower"`
	Close     float64 `json:"close"`
	Warm      bool    `json:"warm"`
}

// Neutral is the flat snapshot used when history is insufficient.
func Neutral(price float64) Indicators {
	return Indicators{
		EMA20: price, EMA50: price, RSI: 50,
		VWAP: price, VWAPUpper: price, VWAPLower: price,
		BBUpper: price, BBMiddle: price, BBLower: price,
		Close: price,
	}
}

// Snapshot computes indicators for the window ending at index i, anchoring VWAP
// to the UTC calendar day.
func Snapshot(candles []market.Candle, i int) Indicators {
	return SnapshotSession(candles, i, func(t time.Time) string { return t.UTC().Format("2006-01-02") })
}

// SnapshotSession is Snapshot with a caller-supplied session day function.
func SnapshotSession(candles []market.Candle, i int, day func(time.Time) string) Indicators {
	if i < 0 || i >= len(candles) {
		return Neutral(0)
	}
	window := candles[:i+1]
	last := window[len(window)-1]
	if len(window) < MinCandles {
		return Neutral(last.Close)
	}

	closes := make([]float64, len(window))
	for j, c := range window {
		closes[j] = c.Close
	}

	atrs := ATRSeries(window, ATRPeriod)
	atr := 0.0
	if len(atrs) > 0 {
		atr = atrs[len(atrs)-1]
	}
	n := ATRAvgWindow
	if len(atrs) < n {
		n = len(atrs)
	}
	atrAvg := SMA(atrs, n)

	vwap, vu, vl := VWAP(window, day, VWAPMult)
	bu, bm, bl := Bollinger(closes, BBPeriod, BBMult)

	return Indicators{
		EMA20:     EMA(closes, EMAFast),
		EMA50:     EMA(closes, EMASlow),
		RSI:       RSI(closes, RSIPeriod),
		ATR:       atr,
		ATRAvg:    atrAvg,
		VWAP:      vwap,
		VWAPUpper: vu,
		VWAPLower: vl,
		BBUpper:   bu,
		BBMiddle:  bm,
		BBLower:   bl,
		Close:     last.Close,
		Warm:      true,
	}
}
