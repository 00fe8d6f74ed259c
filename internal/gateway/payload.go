package gateway

import (
	"math"
	"strings"
	"time"
)

// Action is the webhook order verb.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
	ActionFlat Action = "flat"
)

// ParseAction accepts buy/sell/flat and the LONG/SHORT/EXIT aliases.
func ParseAction(s string) (Action, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy", "long":
		return ActionBuy, true
	case "sell", "short":
		return ActionSell, true
	case "flat", "exit", "close":
		return ActionFlat, true
	}
	return "", false
}

// Order is a validated trade decision. Zero prices are omitted from the payload.
type Order struct {
	Symbol     string  `json:"symbol"`
	Action     Action  `json:"action"`
	Quantity   int     `json:"quantity"`
	Price      float64 `json:"price,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	StrategyID string  `json:"strategy_id,omitempty"`
}

// RoutedAccount is one entry of the payload's multiple_accounts list.
type RoutedAccount struct {
	Token              string  `json:"token"`
	AccountID          string  `json:"account_id"`
	RiskPercentage     float64 `json:"risk_percentage"`
	QuantityMultiplier float64 `json:"quantity_multiplier"`
}

// Payload is the broker webhook body.
type Payload struct {
	Symbol           string          `json:"symbol"`
	StrategyName     string          `json:"strategy_name,omitempty"`
	Date             string          `json:"date"`
	Data             Action          `json:"data"`
	Quantity         int             `json:"quantity"`
	RiskPercentage   float64         `json:"risk_percentage"`
	Price            float64         `json:"price"`
	TP               float64         `json:"tp"`
	PercentageTP     float64         `json:"percentage_tp"`
	DollarTP         float64         `json:"dollar_tp"`
	SL               float64         `json:"sl"`
	DollarSL         float64         `json:"dollar_sl"`
	PercentageSL     float64         `json:"percentage_sl"`
	Trail            int             `json:"trail"`
	UpdateTP         bool            `json:"update_tp"`
	UpdateSL         bool            `json:"update_sl"`
	OrderType        string          `json:"order_type"`
	Token            string          `json:"token"`
	AccountID        string          `json:"account_id,omitempty"`
	Platform         string          `json:"platform,omitempty"`
	ClientRef        string          `json:"client_ref"`
	MultipleAccounts []RoutedAccount `json:"multiple_accounts"`
}

// buildPayload serializes o for contract with one routing entry per sub-account.
func (g *Gateway) buildPayload(o Order, contract, ref string, pointValue float64, now time.Time) Payload {
	p := Payload{
		Symbol:       contract,
		StrategyName: o.StrategyID,
		Date:         now.UTC().Format(time.RFC3339),
		Data:         o.Action,
		Quantity:     o.Quantity,
		OrderType:    "MKT",
		Token:        g.cfg.Token,
		Platform:     g.cfg.Platform,
		ClientRef:    ref,
	}
	if o.Action != ActionFlat {
		p.Price = o.Price
		p.TP = o.TakeProfit
		p.SL = o.StopLoss
		if o.Price > 0 && o.TakeProfit > 0 {
			p.DollarTP = round2(math.Abs(o.TakeProfit-o.Price) * pointValue * float64(o.Quantity))
		}
		if o.Price > 0 && o.StopLoss > 0 {
			p.DollarSL = round2(math.Abs(o.Price-o.StopLoss) * pointValue * float64(o.Quantity))
		}
	}
	for _, a := range g.cfg.SubAccounts {
		mult := a.Multiplier
		if mult <= 0 {
			mult = 1
		}
		p.MultipleAccounts = append(p.MultipleAccounts, RoutedAccount{
			Token:              a.Token,
			AccountID:          a.AccountID,
			QuantityMultiplier: mult,
		})
	}
	if len(p.MultipleAccounts) > 0 {
		p.AccountID = p.MultipleAccounts[0].AccountID
	}
	return p
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
