// Package engine runs the per-account decision pipeline: ledger exits, risk
// state, signal generation, sizing, execution and learning, in that order.
package engine

import (
	"context"
	"time"

	"propfirm-core/internal/gateway"
	"propfirm-core/internal/learning"
	"propfirm-core/internal/ledger"
	"propfirm-core/internal/regime"
	"propfirm-core/internal/risk"
	"propfirm-core/internal/strategy"
	"propfirm-core/pkg/db"
)

// Service is what the API layer may do with the engine.
type Service interface {
	// Trading commands
	ExecuteManual(ctx context.Context, o ManualOrder) (*ManualResult, error)
	ClosePosition(ctx context.Context, id string, qty int, price float64) (*ledger.Closed, error)
	CloseAll(ctx context.Context) ([]ledger.Closed, error)
	Flatten(ctx context.Context, reason string) ([]ledger.Closed, error)

	// Operator controls
	DisableTrading(ctx context.Context, reason string) error
	EnableTrading(ctx context.Context) (risk.State, error)
	EnableGateway()
	ResetEvaluation(ctx context.Context) (risk.State, error)

	// Learning
	LearningState() learning.State
	PendingChanges() []learning.Change
	ValidateWeights(ctx context.Context) ([]learning.Result, error)
	ApplyWeights(ctx context.Context, results []learning.Result) error

	// Queries
	Snapshot(ctx context.Context) Snapshot
	RiskState() risk.State
	Account(ctx context.Context) (*db.Account, error)
	Positions(ctx context.Context, filter db.StatusFilter) ([]db.Position, error)
	Trades(ctx context.Context, limit int) ([]db.Trade, error)
}

// ManualOrder is an operator order: LONG, SHORT or EXIT.
type ManualOrder struct {
	Instrument string  `json:"instrument"`
	Action     string  `json:"action" binding:"required"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// ManualResult reports what a manual order did.
type ManualResult struct {
	Order    gateway.Result  `json:"order"`
	Position *db.Position    `json:"position,omitempty"`
	Closed   []ledger.Closed `json:"closed,omitempty"`
	Decision *risk.Decision  `json:"decision,omitempty"`
}

// BarResult reports what one bar did, for logging and tests.
type BarResult struct {
	Instrument string           `json:"instrument"`
	Regime     regime.Regime    `json:"regime,omitempty"`
	Closed     []ledger.Closed  `json:"closed,omitempty"`
	Signal     *strategy.Signal `json:"signal,omitempty"`
	Order      *gateway.Result  `json:"order,omitempty"`
	Position   *db.Position     `json:"position,omitempty"`
	Skipped    string           `json:"skipped,omitempty"`
}

// Snapshot is the operator status view.
type Snapshot struct {
	Time         time.Time                `json:"time"`
	Risk         risk.State               `json:"risk"`
	Gateway      gateway.Status           `json:"gateway"`
	Account      *db.Account              `json:"account,omitempty"`
	Positions    []db.Position            `json:"positions"`
	Prices       map[string]float64       `json:"prices"`
	Regimes      map[string]regime.Regime `json:"regimes"`
	LastSignal   *strategy.Signal         `json:"last_signal,omitempty"`
	Weights      map[string]float64       `json:"weights"`
	LearnerPhase learning.Phase           `json:"learner_phase"`
	Pending      []learning.Change        `json:"pending_changes"`
	Bars         map[string]int           `json:"bars"`
}
