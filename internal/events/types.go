package events

import "time"

// Event enumerates high-level topics inside the trading core.
type Event string

const (
	EventSignal          Event = "strategy.signal"
	EventOrderAccepted   Event = "order.accepted"
	EventOrderRejected   Event = "order.rejected"
	EventGatewayTripped  Event = "gateway.tripped"
	EventPositionOpened  Event = "position.opened"
	EventTradeClosed     Event = "trade.closed"
	EventRiskViolation   Event = "risk.violation"
	EventRiskWarning     Event = "risk.warning"
	EventRiskState       Event = "risk.state"
	EventWeightsProposed Event = "learning.proposed"
	EventWeightsApplied  Event = "learning.applied"
)

// All lists every topic, for subscribers that mirror the whole bus.
var All = []Event{
	EventSignal, EventOrderAccepted, EventOrderRejected, EventGatewayTripped,
	EventPositionOpened, EventTradeClosed,
	EventRiskViolation, EventRiskWarning, EventRiskState,
	EventWeightsProposed, EventWeightsApplied,
}

// RiskAlert is published for each new violation or warning.
type RiskAlert struct {
	Code             string    `json:"code"`
	Message          string    `json:"message"`
	RiskLevel        string    `json:"risk_level"`
	Balance          float64   `json:"balance"`
	TrailingDrawdown float64   `json:"trailing_drawdown"`
	DailyPnL         float64   `json:"daily_pnl"`
	Time             time.Time `json:"time"`
}

// RiskStateChanged summarizes the governor after each update.
type RiskStateChanged struct {
	RiskLevel          string    `json:"risk_level"`
	TradingAllowed     bool      `json:"trading_allowed"`
	Balance            float64   `json:"balance"`
	HighWaterMark      float64   `json:"high_water_mark"`
	TrailingDrawdown   float64   `json:"trailing_drawdown"`
	DistanceToDrawdown float64   `json:"distance_to_drawdown"`
	DailyPnL           float64   `json:"daily_pnl"`
	Time               time.Time `json:"time"`
}

// GatewayTripped reports the circuit breaker opening.
type GatewayTripped struct {
	Reason  string    `json:"reason"`
	Message string    `json:"message"`
	Time    time.Time `json:"time"`
}

// OrderResult reports a webhook send outcome.
type OrderResult struct {
	Symbol   string    `json:"symbol"`
	Action   string    `json:"action"`
	Quantity int       `json:"quantity"`
	OrderID  string    `json:"order_id,omitempty"`
	Success  bool      `json:"success"`
	Message  string    `json:"message"`
	Time     time.Time `json:"time"`
}

// SignalGenerated reports the signal chosen for a bar.
type SignalGenerated struct {
	Instrument string    `json:"instrument"`
	StrategyID string    `json:"strategy_id"`
	Direction  string    `json:"direction"`
	Regime     string    `json:"regime"`
	Confidence float64   `json:"confidence"`
	Weight     float64   `json:"weight"`
	Confluence int       `json:"confluence"`
	Entry      float64   `json:"entry"`
	StopLoss   float64   `json:"stop_loss"`
	TakeProfit float64   `json:"take_profit"`
	Reason     string    `json:"reason"`
	Time       time.Time `json:"time"`
}

// PositionOpened reports a new ledger position.
type PositionOpened struct {
	PositionID string    `json:"position_id"`
	Instrument string    `json:"instrument"`
	Side       string    `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	StrategyID string    `json:"strategy_id,omitempty"`
	Time       time.Time `json:"time"`
}

// TradeClosed reports a committed (partial or full) close.
type TradeClosed struct {
	TradeID     string    `json:"trade_id"`
	PositionID  string    `json:"position_id"`
	Instrument  string    `json:"instrument"`
	Side        string    `json:"side"`
	Quantity    float64   `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Fees        float64   `json:"fees"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
	StrategyID  string    `json:"strategy_id,omitempty"`
	Regime      string    `json:"regime,omitempty"`
	Time        time.Time `json:"time"`
}

// WeightsChanged reports learner phase transitions.
type WeightsChanged struct {
	Phase    string    `json:"phase"`
	Promoted []string  `json:"promoted,omitempty"`
	Rejected []string  `json:"rejected,omitempty"`
	Pending  int       `json:"pending"`
	Time     time.Time `json:"time"`
}
