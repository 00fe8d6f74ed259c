package db

import (
	"database/sql"
	"fmt"
	"time"
)

// Side is the direction of a position.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// ParseSide validates a stored side value.
func ParseSide(s string) (Side, error) {
	switch Side(s) {
	case SideLong, SideShort:
		return Side(s), nil
	}
	return "", fmt.Errorf("unknown position side %q", s)
}

// PositionStatus is the lifecycle state of a position. Positions are never deleted.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// ParseStatus validates a stored status value.
func ParseStatus(s string) (PositionStatus, error) {
	switch PositionStatus(s) {
	case StatusOpen, StatusClosed:
		return PositionStatus(s), nil
	}
	return "", fmt.Errorf("unknown position status %q", s)
}

// StatusFilter selects positions by status in list queries.
type StatusFilter string

const (
	FilterOpen   StatusFilter = "open"
	FilterClosed StatusFilter = "closed"
	FilterAll    StatusFilter = "all"
)

// Account is the owning balance of a set of positions.
type Account struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Balance     float64   `json:"balance"`
	RealizedPnL float64   `json:"realized_pnl"`
	WinCount    int       `json:"win_count"`
	LossCount   int       `json:"loss_count"`
	TotalTrades int       `json:"total_trades"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Position is an open or closed exposure in one instrument.
type Position struct {
	ID              string         `json:"id"`
	AccountID       string         `json:"account_id"`
	OwnerID         string         `json:"owner_id"`
	Instrument      string         `json:"instrument"`
	Side            Side           `json:"side"`
	Quantity        float64        `json:"quantity"`
	EntryPrice      float64        `json:"entry_price"`
	CurrentPrice    float64        `json:"current_price"`
	StopLoss        *float64       `json:"stop_loss,omitempty"`
	TakeProfit      *float64       `json:"take_profit,omitempty"`
	TrailingStop    *float64       `json:"trailing_stop,omitempty"`
	HighestPrice    *float64       `json:"highest_price,omitempty"`
	LowestPrice     *float64       `json:"lowest_price,omitempty"`
	TrailingPercent float64        `json:"trailing_percent"`
	PointValue      float64        `json:"point_value"`
	UnrealizedPnL   float64        `json:"unrealized_pnl"`
	RealizedPnL     float64        `json:"realized_pnl"`
	Status          PositionStatus `json:"status"`
	CloseReason     string         `json:"close_reason,omitempty"`
	StrategyID      string         `json:"strategy_id,omitempty"`
	Regime          string         `json:"regime,omitempty"`
	OpenedAt        time.Time      `json:"opened_at"`
	ClosedAt        *time.Time     `json:"closed_at,omitempty"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// IsOpen reports whether the position still carries quantity.
func (p *Position) IsOpen() bool {
	return p.Status == StatusOpen && p.Quantity > 0
}

// Trade is the audit record of one (partial or full) close.
type Trade struct {
	ID          string    `json:"id"`
	AccountID   string    `json:"account_id"`
	OwnerID     string    `json:"owner_id"`
	PositionID  string    `json:"position_id"`
	Instrument  string    `json:"instrument"`
	Side        Side      `json:"side"`
	Quantity    float64   `json:"quantity"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Fees        float64   `json:"fees"`
	RealizedPnL float64   `json:"realized_pnl"`
	Reason      string    `json:"reason"`
	StrategyID  string    `json:"strategy_id,omitempty"`
	Regime      string    `json:"regime,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Win reports whether the trade closed with positive net P&L.
func (t Trade) Win() bool {
	return t.RealizedPnL > 0
}

func nullFloat(p *float64) sql.NullFloat64 {
	if p == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *p, Valid: true}
}

func floatPtr(n sql.NullFloat64) *float64 {
	if !n.Valid {
		return nil
	}
	v := n.Float64
	return &v
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
