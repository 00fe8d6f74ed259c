// Package learning adapts strategy weights from trade outcomes behind a
// validation gate: per-trade learning only moves the pending table, and only
// an explicit validated promotion moves the active table.
package learning

import (
	"maps"
	"slices"
	"time"

	"propfirm-core/internal/regime"
)

// Phase is the learner's position in the propose/validate cycle.
type Phase string

const (
	PhaseIdle            Phase = "idle"
	PhaseProposed        Phase = "proposed"
	PhaseUnderValidation Phase = "under_validation"
	PhasePromoted        Phase = "promoted"
	PhaseRejected        Phase = "rejected"
)

const (
	// MaxRecentTrades bounds the recent-trade ring.
	MaxRecentTrades = 100

	// ProposalThreshold is the pending/active gap that requests validation.
	ProposalThreshold = 0.1

	// ReportThreshold is the minimum gap listed by PendingChanges.
	ReportThreshold = 0.05

	stateVersion = 1
)

// Outcome is one closed trade fed to the learner.
type Outcome struct {
	TradeID    string        `json:"trade_id"`
	StrategyID string        `json:"strategy_id"`
	Regime     regime.Regime `json:"regime"`
	PnL        float64       `json:"pnl"`
	ClosedAt   time.Time     `json:"closed_at"`
	Day        string        `json:"day,omitempty"` // trading-day key; ClosedAt's UTC date when empty
}

// Win reports whether the outcome counts as a win (P&L strictly positive).
func (o Outcome) Win() bool {
	return o.PnL > 0
}

// Bucket aggregates outcomes for one (regime, strategy) pair.
type Bucket struct {
	Trades   int     `json:"trades"`
	Wins     int     `json:"wins"`
	TotalPnL float64 `json:"total_pnl"`
}

// WinRate is wins/trades, 0 when empty.
func (b Bucket) WinRate() float64 {
	if b.Trades == 0 {
		return 0
	}
	return float64(b.Wins) / float64(b.Trades)
}

// DayStats aggregates outcomes per trading day.
type DayStats struct {
	Trades int     `json:"trades"`
	PnL    float64 `json:"pnl"`
}

// Result is an external verdict on one strategy's pending weight. Pending is
// the weight that was judged; nil means the pending weight at apply time.
type Result struct {
	StrategyID       string   `json:"strategy_id"`
	PassedValidation bool     `json:"passed_validation"`
	Pending          *float64 `json:"pending,omitempty" binding:"omitempty,gte=0,lte=1"`
	Reason           string   `json:"reason,omitempty"`
}

// Change is one pending-vs-active difference.
type Change struct {
	StrategyID string  `json:"strategy_id"`
	Active     float64 `json:"active"`
	Pending    float64 `json:"pending"`
	Delta      float64 `json:"delta"`
}

// State is the persisted learner document.
type State struct {
	Version                int                                 `json:"version"`
	LastUpdated            time.Time                           `json:"last_updated"`
	StrategyWeights        map[string]float64                  `json:"strategy_weights"`
	PendingWeights         map[string]float64                  `json:"pending_weights"`
	RegimePerformance      map[regime.Regime]map[string]Bucket `json:"regime_performance"`
	RecentTrades           []Outcome                           `json:"recent_trades"`
	DailyStats             map[string]DayStats                 `json:"daily_stats"`
	LearningRate           float64                             `json:"learning_rate"`
	MinTradesForAdjustment int                                 `json:"min_trades_for_adjustment"`
	PendingValidation      bool                                `json:"pending_validation"`
	LastValidationTime     *time.Time                          `json:"last_validation_time,omitempty"`
	Phase                  Phase                               `json:"phase"`
	LastResults            []Result                            `json:"last_results,omitempty"`
}

func newState(ids []string, defaultWeight, lr float64, minTrades int) State {
	s := State{
		Version:                stateVersion,
		StrategyWeights:        make(map[string]float64, len(ids)),
		PendingWeights:         make(map[string]float64, len(ids)),
		RegimePerformance:      make(map[regime.Regime]map[string]Bucket),
		DailyStats:             make(map[string]DayStats),
		LearningRate:           lr,
		MinTradesForAdjustment: minTrades,
		Phase:                  PhaseIdle,
	}
	for _, id := range ids {
		s.StrategyWeights[id] = defaultWeight
		s.PendingWeights[id] = defaultWeight
	}
	return s
}

// clone deep-copies s so mutations can be staged until persisted.
func (s State) clone() State {
	out := s
	out.StrategyWeights = maps.Clone(s.StrategyWeights)
	out.PendingWeights = maps.Clone(s.PendingWeights)
	out.RegimePerformance = make(map[regime.Regime]map[string]Bucket, len(s.RegimePerformance))
	for r, m := range s.RegimePerformance {
		out.RegimePerformance[r] = maps.Clone(m)
	}
	out.RecentTrades = slices.Clone(s.RecentTrades)
	out.DailyStats = maps.Clone(s.DailyStats)
	out.LastResults = slices.Clone(s.LastResults)
	if s.LastValidationTime != nil {
		t := *s.LastValidationTime
		out.LastValidationTime = &t
	}
	return out
}

// StrategyTotals sums a strategy's buckets across regimes.
func (s State) StrategyTotals(strategyID string) Bucket {
	var total Bucket
	for _, m := range s.RegimePerformance {
		b := m[strategyID]
		total.Trades += b.Trades
		total.Wins += b.Wins
		total.TotalPnL += b.TotalPnL
	}
	return total
}

// targetWeight maps a bucket win rate onto the piecewise weight ladder.
func targetWeight(winRate float64) float64 {
	switch {
	case winRate >= 0.55:
		return 1.0
	case winRate >= 0.50:
		return 0.8
	case winRate >= 0.45:
		return 0.5
	case winRate >= 0.40:
		return 0.3
	}
	return 0
}
