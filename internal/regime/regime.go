// Package regime classifies market behaviour from an indicator snapshot.
package regime

import (
	"math"

	"propfirm-core/internal/indicators"
)

// Regime is one of eight discrete market classifications.
type Regime string

const (
	TrendStrongUp   Regime = "TREND_STRONG_UP"
	TrendStrongDown Regime = "TREND_STRONG_DOWN"
	TrendWeakUp     Regime = "TREND_WEAK_UP"
	TrendWeakDown   Regime = "TREND_WEAK_DOWN"
	RangeWide       Regime = "RANGE_WIDE"
	RangeTight      Regime = "RANGE_TIGHT"
	HighVolatility  Regime = "HIGH_VOLATILITY"
	LowVolatility   Regime = "LOW_VOLATILITY"
)

// All lists every regime in declaration order.
var All = []Regime{
	TrendStrongUp, TrendStrongDown, TrendWeakUp, TrendWeakDown,
	RangeWide, RangeTight, HighVolatility, LowVolatility,
}

const (
	strongTrend   = 0.008
	weakTrend     = 0.003
	highVol       = 1.5
	lowVol        = 0.6
	wideBandwidth = 0.025
)

// Classify maps a snapshot to exactly one regime. Thresholds are checked in
// order and the first match wins; a zero close yields RANGE_TIGHT.
func Classify(ind indicators.Indicators) Regime {
	if ind.Close == 0 {
		return RangeTight
	}

	trendStrength := math.Abs(ind.EMA20-ind.EMA50) / ind.Close
	up := ind.EMA20 > ind.EMA50

	volatility := 1.0
	if ind.ATRAvg != 0 {
		volatility = ind.ATR / ind.ATRAvg
	}
	bbWidth := (ind.BBUpper - ind.BBLower) / ind.Close

	switch {
	case trendStrength > strongTrend:
		if up {
			return TrendStrongUp
		}
		return TrendStrongDown
	case trendStrength > weakTrend:
		if up {
			return TrendWeakUp
		}
		return TrendWeakDown
	case volatility > highVol:
		return HighVolatility
	case volatility < lowVol:
		return LowVolatility
	case bbWidth > wideBandwidth:
		return RangeWide
	}
	return RangeTight
}

// Bias is the directional lean of a regime: 1 long, -1 short, 0 neutral.
func Bias(r Regime) int {
	switch r {
	case TrendStrongUp, TrendWeakUp:
		return 1
	case TrendStrongDown, TrendWeakDown:
		return -1
	}
	return 0
}

// IsTrend reports whether r is one of the four trend regimes.
func IsTrend(r Regime) bool {
	return Bias(r) != 0
}

// Valid reports whether r is a known regime.
func Valid(r Regime) bool {
	for _, x := range All {
		if x == r {
			return true
		}
	}
	return false
}
