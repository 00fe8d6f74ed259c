package risk

import (
	"context"
	"fmt"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"propfirm-core/internal/events"
	"propfirm-core/internal/store"
	"propfirm-core/pkg/logger"
)

// Governor is the prop-firm rule engine for one account. It recomputes its
// state machine on every account update and gates every proposed trade.
type Governor struct {
	mu        sync.RWMutex
	cfg       Config
	kv        store.KV
	owner     string
	state     State
	bus       *events.Bus
	flattener Flattener
	now       func() time.Time
}

// NewGovernor starts from a fresh evaluation; call Load to hydrate.
func NewGovernor(cfg Config, kv store.KV, owner string, bus *events.Bus) *Governor {
	g := &Governor{cfg: cfg, kv: kv, owner: owner, bus: bus, now: time.Now}
	g.state = g.freshState()
	return g
}

// SetFlattener installs the emergency-flatten hook.
func (g *Governor) SetFlattener(f Flattener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.flattener = f
}

func (g *Governor) key() string {
	return "risk-state:" + g.cfg.AccountID
}

func (g *Governor) freshState() State {
	s := State{
		CurrentBalance:    g.cfg.AccountSize,
		StartingBalance:   g.cfg.AccountSize,
		HighWaterMark:     g.cfg.AccountSize,
		TrailingDrawdown:  g.cfg.AccountSize - g.cfg.MaxTrailingDrawdown,
		PositionsBySymbol: map[string]int{},
		Violations:        []string{},
		Warnings:          []string{},
	}
	g.recompute(&s)
	return s
}

// Load hydrates persisted state. If the read fails the governor halts rather
// than trading on optimistic defaults.
func (g *Governor) Load(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	var loaded State
	ok, err := store.GetJSON(ctx, g.kv, g.owner, g.key(), &loaded)
	if err != nil {
		g.state = g.freshState()
		g.state.ManualHalt = true
		g.state.HaltReason = "risk state unavailable"
		g.recompute(&g.state)
		return fmt.Errorf("load risk state: %w", err)
	}
	if !ok {
		return nil
	}
	if loaded.PositionsBySymbol == nil {
		loaded.PositionsBySymbol = map[string]int{}
	}
	g.recompute(&loaded)
	g.state = loaded
	logger.S().Infow("risk state loaded",
		"balance", loaded.CurrentBalance,
		"high_water_mark", loaded.HighWaterMark,
		"trailing_drawdown", loaded.TrailingDrawdown,
		"breached", loaded.EvaluationBreached)
	return nil
}

func (g *Governor) save(ctx context.Context) error {
	if err := store.PutJSON(ctx, g.kv, g.owner, g.key(), g.state); err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

// rollDay resets daily counters when now belongs to a new trading day.
func (g *Governor) rollDay(s *State, now time.Time) {
	day := g.cfg.Session.Day(now)
	if day == s.TradingDay {
		return
	}
	if s.TradingDay != "" {
		logger.S().Infow("trading day rolled", "from", s.TradingDay, "to", day, "daily_pnl", s.DailyPnL, "daily_trades", s.DailyTrades)
	}
	s.TradingDay = day
	s.TradingDaysCount++
	s.DailyClosedPnL = 0
	s.DailyTrades = 0
	s.DailyLimitHit = false
}

// scalingLimit is the contract cap for the current total P&L.
func (g *Governor) scalingLimit(totalPnL float64) int {
	limit := g.cfg.MaxPositionSize
	if len(g.cfg.ScalingPlan) == 0 {
		return limit
	}
	tier := g.cfg.ScalingPlan[0].MaxContracts
	for _, t := range g.cfg.ScalingPlan {
		if t.ProfitLevel <= totalPnL {
			tier = t.MaxContracts
		}
	}
	return min(tier, limit)
}

// recompute derives every dependent field of s from its inputs.
func (g *Governor) recompute(s *State) {
	s.TotalPnL = s.CurrentBalance - s.StartingBalance
	s.ClosedPnL = s.TotalPnL - s.OpenPnL
	if s.CurrentBalance > s.HighWaterMark {
		s.HighWaterMark = s.CurrentBalance
	}
	if td := s.HighWaterMark - g.cfg.MaxTrailingDrawdown; td > s.TrailingDrawdown {
		s.TrailingDrawdown = td
	}
	s.MaxDrawdownReached = math.Max(s.MaxDrawdownReached, s.HighWaterMark-s.CurrentBalance)
	s.DistanceToDrawdown = s.CurrentBalance - s.TrailingDrawdown
	if g.cfg.MaxTrailingDrawdown > 0 {
		s.DrawdownPercent = math.Max(0, (g.cfg.MaxTrailingDrawdown-s.DistanceToDrawdown)/g.cfg.MaxTrailingDrawdown*100)
	}
	s.DailyPnL = s.DailyClosedPnL + s.OpenPnL

	s.TotalContracts = 0
	for _, q := range s.PositionsBySymbol {
		s.TotalContracts += abs(q)
	}
	s.MaxContractsAllowed = g.scalingLimit(s.TotalPnL)

	s.Violations = []string{}
	if s.CurrentBalance <= s.TrailingDrawdown {
		s.EvaluationBreached = true
	}
	if s.EvaluationBreached {
		s.Violations = append(s.Violations, ViolationTrailingDrawdown)
	}
	if g.cfg.MaxDailyLoss > 0 && s.DailyPnL <= -g.cfg.MaxDailyLoss {
		s.DailyLimitHit = true
	}
	if s.DailyLimitHit {
		s.Violations = append(s.Violations, ViolationDailyLoss)
	}
	if s.TotalContracts > g.cfg.MaxPositionSize {
		s.Violations = append(s.Violations, ViolationMaxPosition)
	}
	if s.TotalContracts > s.MaxContractsAllowed {
		s.Violations = append(s.Violations, ViolationScalingPlan)
	}

	s.Warnings = []string{}
	if !s.EvaluationBreached && s.DrawdownPercent >= WarningRatio*100 {
		s.Warnings = append(s.Warnings, WarningDrawdown)
	}
	if !s.DailyLimitHit && g.cfg.MaxDailyLoss > 0 && s.DailyPnL <= -WarningRatio*g.cfg.MaxDailyLoss {
		s.Warnings = append(s.Warnings, WarningDailyLoss)
	}

	switch {
	case len(s.Violations) > 0:
		s.RiskLevel = LevelCritical
	case s.DrawdownPercent >= 80:
		s.RiskLevel = LevelDanger
	case s.DrawdownPercent >= 60:
		s.RiskLevel = LevelWarning
	case s.DrawdownPercent >= 40:
		s.RiskLevel = LevelCaution
	default:
		s.RiskLevel = LevelSafe
	}

	s.IsTradingAllowed = len(s.Violations) == 0 && !s.ManualHalt
}

// Update applies a balance/position observation, persists the result and
// publishes new violations and warnings. On the transition into a trailing
// drawdown breach with AutoFlatten set, the flattener runs after the lock is released.
func (g *Governor) Update(ctx context.Context, u AccountUpdate) (State, error) {
	now := u.Now
	if now.IsZero() {
		now = g.now()
	}

	g.mu.Lock()
	prev := g.state
	next := prev
	next.PositionsBySymbol = maps.Clone(u.PositionsBySymbol)
	if next.PositionsBySymbol == nil {
		next.PositionsBySymbol = map[string]int{}
	}
	next.CurrentBalance = u.Balance + u.OpenPnL
	next.OpenPnL = u.OpenPnL
	next.UpdatedAt = now.UTC()
	g.rollDay(&next, now)
	g.recompute(&next)

	// A breach must take effect even if persistence fails.
	g.state = next
	saveErr := g.save(ctx)
	flattener := g.flattener
	autoFlatten := g.cfg.AutoFlatten
	g.mu.Unlock()

	newViolations := added(prev.Violations, next.Violations)
	newWarnings := added(prev.Warnings, next.Warnings)
	g.announce(next, newViolations, newWarnings)

	if !prev.EvaluationBreached && next.EvaluationBreached {
		logger.S().Errorw("trailing drawdown breached, trading disabled",
			"balance", next.CurrentBalance, "trailing_drawdown", next.TrailingDrawdown, "high_water_mark", next.HighWaterMark)
		if autoFlatten && flattener != nil {
			if err := flattener.Flatten(ctx, ViolationTrailingDrawdown); err != nil {
				logger.S().Errorw("emergency flatten failed", "error", err)
			}
		}
	}

	if saveErr != nil {
		return next, saveErr
	}
	return next, nil
}

// RecordTrade counts a closed trade toward the current trading day. Derived
// fields are refreshed by the Update that follows the balance change, since
// until then OpenPnL still carries the closed position.
func (g *Governor) RecordTrade(ctx context.Context, pnl float64, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if now.IsZero() {
		now = g.now()
	}
	g.rollDay(&g.state, now)
	g.state.DailyClosedPnL += pnl
	g.state.DailyTrades++
	g.state.UpdatedAt = now.UTC()
	return g.save(ctx)
}

// ValidateTrade gates a proposed opening order.
func (g *Governor) ValidateTrade(req TradeRequest) Decision {
	g.mu.RLock()
	s := g.state
	g.mu.RUnlock()

	if !s.IsTradingAllowed {
		reasons := slices.Clone(s.Violations)
		if s.ManualHalt {
			reasons = append(reasons, "manual halt: "+s.HaltReason)
		}
		return Decision{Reason: "trading disabled: " + strings.Join(reasons, ", ")}
	}
	if !g.cfg.allowed(req.Instrument) {
		return Decision{Reason: fmt.Sprintf("instrument %s not allowed", req.Instrument)}
	}
	if req.Quantity < 1 {
		return Decision{Reason: "quantity must be at least 1"}
	}

	limit := min(g.cfg.MaxPositionSize, s.MaxContractsAllowed)
	room := max(0, limit-s.TotalContracts)
	if s.TotalContracts+req.Quantity > g.cfg.MaxPositionSize {
		return Decision{MaxQuantity: room, Reason: fmt.Sprintf("would exceed max position size %d (max %d more)", g.cfg.MaxPositionSize, room)}
	}
	if s.TotalContracts+req.Quantity > s.MaxContractsAllowed {
		return Decision{MaxQuantity: room, Reason: fmt.Sprintf("would exceed scaling plan limit %d (max %d more)", s.MaxContractsAllowed, room)}
	}

	d := Decision{Allowed: true, MaxQuantity: room}
	if req.StopPoints > 0 {
		d.WorstCaseLoss = req.StopPoints * g.cfg.pointValue(req.Instrument) * float64(req.Quantity)
		headroom := s.DistanceToDrawdown
		if d.WorstCaseLoss >= headroom {
			return Decision{MaxQuantity: room, WorstCaseLoss: d.WorstCaseLoss,
				Reason: fmt.Sprintf("worst-case loss %.2f would breach drawdown headroom %.2f", d.WorstCaseLoss, headroom)}
		}
		if d.WorstCaseLoss > 0.5*headroom {
			d.Caution = true
			d.Reason = fmt.Sprintf("caution: worst-case loss %.2f exceeds half of headroom %.2f", d.WorstCaseLoss, headroom)
		}
	}
	return d
}

// CalculateSafePositionSize is the minimum of the risk-budget size, the
// scaling tier and the absolute cap. It returns 0 without a stop distance.
func (g *Governor) CalculateSafePositionSize(instrument string, stopPoints float64) int {
	g.mu.RLock()
	s := g.state
	g.mu.RUnlock()

	pv := g.cfg.pointValue(instrument)
	if stopPoints <= 0 || s.DistanceToDrawdown <= 0 {
		return 0
	}
	byRisk := int(math.Floor(s.DistanceToDrawdown * g.cfg.RiskPercent / (stopPoints * pv)))
	return max(0, min(byRisk, s.MaxContractsAllowed, g.cfg.MaxPositionSize))
}

// ResetEvaluation starts a fresh evaluation at the configured account size.
func (g *Governor) ResetEvaluation(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state = g.freshState()
	g.state.UpdatedAt = g.now().UTC()
	g.rollDay(&g.state, g.now())
	g.recompute(&g.state)
	logger.S().Warnw("evaluation reset", "account", g.cfg.AccountID, "balance", g.state.CurrentBalance)
	return g.cloneState(), g.save(ctx)
}

// DisableTrading sets the operator halt.
func (g *Governor) DisableTrading(ctx context.Context, reason string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.ManualHalt = true
	g.state.HaltReason = reason
	g.recompute(&g.state)
	logger.S().Warnw("trading disabled by operator", "reason", reason)
	return g.save(ctx)
}

// EnableTrading lifts the operator halt. Rule violations stay in force.
func (g *Governor) EnableTrading(ctx context.Context) (State, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.ManualHalt = false
	g.state.HaltReason = ""
	g.recompute(&g.state)
	logger.S().Infow("operator halt lifted", "trading_allowed", g.state.IsTradingAllowed)
	return g.cloneState(), g.save(ctx)
}

// State returns a copy of the current risk state.
func (g *Governor) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.cloneState()
}

func (g *Governor) cloneState() State {
	s := g.state
	s.PositionsBySymbol = maps.Clone(g.state.PositionsBySymbol)
	s.Violations = slices.Clone(g.state.Violations)
	s.Warnings = slices.Clone(g.state.Warnings)
	return s
}

func (g *Governor) announce(s State, violations, warnings []string) {
	if g.bus == nil {
		return
	}
	alert := func(code, msg string) events.RiskAlert {
		return events.RiskAlert{
			Code: code, Message: msg, RiskLevel: string(s.RiskLevel),
			Balance: s.CurrentBalance, TrailingDrawdown: s.TrailingDrawdown, DailyPnL: s.DailyPnL,
			Time: s.UpdatedAt,
		}
	}
	for _, v := range violations {
		g.bus.Publish(events.EventRiskViolation, alert(v, describe(v, s, g.cfg)))
	}
	for _, w := range warnings {
		g.bus.Publish(events.EventRiskWarning, alert(w, describe(w, s, g.cfg)))
	}
	g.bus.Publish(events.EventRiskState, events.RiskStateChanged{
		RiskLevel:          string(s.RiskLevel),
		TradingAllowed:     s.IsTradingAllowed,
		Balance:            s.CurrentBalance,
		HighWaterMark:      s.HighWaterMark,
		TrailingDrawdown:   s.TrailingDrawdown,
		DistanceToDrawdown: s.DistanceToDrawdown,
		DailyPnL:           s.DailyPnL,
		Time:               s.UpdatedAt,
	})
}

func describe(code string, s State, cfg Config) string {
	switch code {
	case ViolationTrailingDrawdown:
		return fmt.Sprintf("balance %.2f at or below trailing drawdown %.2f", s.CurrentBalance, s.TrailingDrawdown)
	case ViolationDailyLoss:
		return fmt.Sprintf("daily P&L %.2f reached limit -%.2f", s.DailyPnL, cfg.MaxDailyLoss)
	case ViolationMaxPosition:
		return fmt.Sprintf("%d contracts open, max %d", s.TotalContracts, cfg.MaxPositionSize)
	case ViolationScalingPlan:
		return fmt.Sprintf("%d contracts open, scaling plan allows %d", s.TotalContracts, s.MaxContractsAllowed)
	case WarningDrawdown:
		return fmt.Sprintf("%.0f%% of trailing drawdown used, %.2f left", s.DrawdownPercent, s.DistanceToDrawdown)
	case WarningDailyLoss:
		return fmt.Sprintf("daily P&L %.2f past %.0f%% of limit", s.DailyPnL, WarningRatio*100)
	}
	return code
}

func added(before, after []string) []string {
	var out []string
	for _, v := range after {
		if !slices.Contains(before, v) {
			out = append(out, v)
		}
	}
	return out
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
