package risk

import (
	"context"
	"strings"
	"time"

	"propfirm-core/internal/market"
)

// Level grades how close the account is to its limits.
type Level string

const (
	LevelSafe     Level = "safe"
	LevelCaution  Level = "caution"
	LevelWarning  Level = "warning"
	LevelDanger   Level = "danger"
	LevelCritical Level = "critical"
)

// Violation codes, checked in this order.
const (
	ViolationTrailingDrawdown = "TRAILING DRAWDOWN BREACHED"
	ViolationDailyLoss        = "DAILY LOSS LIMIT REACHED"
	ViolationMaxPosition      = "MAX POSITION SIZE EXCEEDED"
	ViolationScalingPlan      = "SCALING PLAN LIMIT EXCEEDED"
)

// Warning codes, raised at WarningRatio of a limit.
const (
	WarningDrawdown  = "TRAILING DRAWDOWN WARNING"
	WarningDailyLoss = "DAILY LOSS WARNING"

	WarningRatio = 0.7
)

// ScalingTier unlocks MaxContracts once total P&L reaches ProfitLevel.
type ScalingTier struct {
	ProfitLevel  float64 `json:"profit_level"`
	MaxContracts int     `json:"max_contracts"`
}

// Config holds the firm's evaluation rules.
type Config struct {
	AccountID           string
	AccountSize         float64
	MaxTrailingDrawdown float64
	MaxDailyLoss        float64 // 0 disables the daily rule
	MaxPositionSize     int
	RiskPercent         float64
	AllowedInstruments  []string
	ScalingPlan         []ScalingTier // sorted by ProfitLevel
	PointValues         map[string]float64
	AutoFlatten         bool
	Session             market.Session
}

func (c Config) pointValue(instrument string) float64 {
	if v, ok := c.PointValues[strings.ToUpper(instrument)]; ok && v > 0 {
		return v
	}
	return 1
}

func (c Config) allowed(instrument string) bool {
	for _, s := range c.AllowedInstruments {
		if strings.EqualFold(s, instrument) {
			return true
		}
	}
	return false
}

// State is the persisted risk posture of one account.
type State struct {
	CurrentBalance      float64        `json:"current_balance"`
	OpenPnL             float64        `json:"open_pnl"`
	ClosedPnL           float64        `json:"closed_pnl"`
	TotalPnL            float64        `json:"total_pnl"`
	HighWaterMark       float64        `json:"high_water_mark"`
	TrailingDrawdown    float64        `json:"trailing_drawdown"`
	MaxDrawdownReached  float64        `json:"max_drawdown_reached"`
	DistanceToDrawdown  float64        `json:"distance_to_drawdown"`
	DrawdownPercent     float64        `json:"drawdown_percent"`
	DailyPnL            float64        `json:"daily_pnl"`
	DailyTrades         int            `json:"daily_trades"`
	TotalContracts      int            `json:"total_contracts"`
	MaxContractsAllowed int            `json:"max_contracts_allowed"`
	PositionsBySymbol   map[string]int `json:"positions_by_symbol"`
	IsTradingAllowed    bool           `json:"is_trading_allowed"`
	RiskLevel           Level          `json:"risk_level"`
	Violations          []string       `json:"violations"`
	Warnings            []string       `json:"warnings"`
	TradingDaysCount    int            `json:"trading_days_count"`

	StartingBalance    float64   `json:"starting_balance"`
	DailyClosedPnL     float64   `json:"daily_closed_pnl"`
	TradingDay         string    `json:"trading_day"`
	EvaluationBreached bool      `json:"evaluation_breached"`
	DailyLimitHit      bool      `json:"daily_limit_hit"`
	ManualHalt         bool      `json:"manual_halt"`
	HaltReason         string    `json:"halt_reason,omitempty"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// AccountUpdate is a balance/position observation fed to the governor.
type AccountUpdate struct {
	Balance           float64        // realized account balance
	OpenPnL           float64        // unrealized P&L of open positions
	PositionsBySymbol map[string]int // signed contracts per symbol
	Now               time.Time
}

// TradeRequest is a proposed order checked by ValidateTrade.
type TradeRequest struct {
	Instrument string  `json:"instrument"`
	Quantity   int     `json:"quantity"`
	StopPoints float64 `json:"stop_points,omitempty"` // stop distance in points, 0 when unknown
}

// Decision is the outcome of ValidateTrade.
type Decision struct {
	Allowed       bool    `json:"allowed"`
	Reason        string  `json:"reason,omitempty"`
	MaxQuantity   int     `json:"max_quantity"`
	Caution       bool    `json:"caution,omitempty"`
	WorstCaseLoss float64 `json:"worst_case_loss,omitempty"`
}

// Flattener closes every open position; invoked on a trailing-drawdown breach.
type Flattener interface {
	Flatten(ctx context.Context, reason string) error
}

// FlattenerFunc adapts a function to Flattener.
type FlattenerFunc func(ctx context.Context, reason string) error

func (f FlattenerFunc) Flatten(ctx context.Context, reason string) error { return f(ctx, reason) }
