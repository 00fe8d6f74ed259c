package strategy

import (
	"time"

	"propfirm-core/internal/indicators"
	"propfirm-core/internal/market"
	"propfirm-core/internal/regime"
)

// Direction of a trade signal.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Candidate is a raw detector hit before weighting.
type Candidate struct {
	Direction  Direction
	Confidence float64
	Reason     string
}

// Signal is a fully priced trade proposal. It is consumed immediately and never stored.
type Signal struct {
	StrategyID string        `json:"strategy_id"`
	Direction  Direction     `json:"direction"`
	Confidence float64       `json:"confidence"`
	Weight     float64       `json:"weight"`
	Regime     regime.Regime `json:"regime"`
	Entry      float64       `json:"entry"`
	StopLoss   float64       `json:"stop_loss"`
	TakeProfit float64       `json:"take_profit"`
	Reason     string        `json:"reason"`
	// Confluence counts qualifying signals on the same bar sharing Direction,
	// this one included.
	Confluence int `json:"confluence"`
}

// Score is the ranking key.
func (s Signal) Score() float64 {
	return s.Confidence * s.Weight
}

// Window is the read-only view a detector evaluates.
type Window struct {
	Candles []market.Candle
	Ind     indicators.Indicators
	Prev    indicators.Indicators // snapshot one bar earlier
	Hour    int                   // UTC hour of the last candle

	// SessionStart is the index in Candles of the first bar of the current session.
	SessionStart int
}

// BuildWindow snapshots the last two bars of candles using the given session day.
func BuildWindow(candles []market.Candle, day func(time.Time) string) Window {
	w := Window{Candles: candles}
	n := len(candles)
	if n == 0 {
		return w
	}
	w.Ind = indicators.SnapshotSession(candles, n-1, day)
	w.Prev = indicators.SnapshotSession(candles, n-2, day)
	w.Hour = candles[n-1].Hour()

	key := day(candles[n-1].Time)
	start := n - 1
	for start > 0 && day(candles[start-1].Time) == key {
		start--
	}
	w.SessionStart = start
	return w
}

// Last returns the most recent candle.
func (w Window) Last() market.Candle {
	return w.Candles[len(w.Candles)-1]
}

// Back returns the candle n bars before the last one.
func (w Window) Back(n int) (market.Candle, bool) {
	i := len(w.Candles) - 1 - n
	if i < 0 {
		return market.Candle{}, false
	}
	return w.Candles[i], true
}

// Strategy is one independent detector. Implementations share no mutable state.
type Strategy interface {
	ID() string
	Regimes() []regime.Regime
	MinConfidence() float64
	Detect(w Window) *Candidate
}
