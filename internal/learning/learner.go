package learning

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"propfirm-core/internal/events"
	"propfirm-core/internal/store"
	"propfirm-core/pkg/logger"
)

// StateKey is the KV key of the learner document.
const StateKey = "learning-state"

// Config tunes the learner.
type Config struct {
	LearningRate           float64
	MinTradesForAdjustment int
	DefaultWeight          float64
}

// Learner owns one trading context's weight tables. All mutations are
// persisted before they become visible.
type Learner struct {
	mu    sync.RWMutex
	kv    store.KV
	owner string
	ids   []string
	cfg   Config
	state State
	bus   *events.Bus
	now   func() time.Time
}

// NewLearner starts from default weights for ids; call Load to hydrate.
func NewLearner(kv store.KV, owner string, ids []string, cfg Config, bus *events.Bus) *Learner {
	return &Learner{
		kv:    kv,
		owner: owner,
		ids:   ids,
		cfg:   cfg,
		state: newState(ids, cfg.DefaultWeight, cfg.LearningRate, cfg.MinTradesForAdjustment),
		bus:   bus,
		now:   time.Now,
	}
}

// Load hydrates from the store. On a read error the learner keeps default
// weights and the error is returned for logging.
func (l *Learner) Load(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var loaded State
	ok, err := store.GetJSON(ctx, l.kv, l.owner, StateKey, &loaded)
	if err != nil {
		l.state = newState(l.ids, l.cfg.DefaultWeight, l.cfg.LearningRate, l.cfg.MinTradesForAdjustment)
		return fmt.Errorf("load learning state: %w", err)
	}
	if !ok {
		return nil
	}

	defaults := newState(l.ids, l.cfg.DefaultWeight, l.cfg.LearningRate, l.cfg.MinTradesForAdjustment)
	if loaded.StrategyWeights == nil {
		loaded.StrategyWeights = map[string]float64{}
	}
	if loaded.PendingWeights == nil {
		loaded.PendingWeights = map[string]float64{}
	}
	for _, id := range l.ids {
		if _, ok := loaded.StrategyWeights[id]; !ok {
			loaded.StrategyWeights[id] = defaults.StrategyWeights[id]
		}
		if _, ok := loaded.PendingWeights[id]; !ok {
			loaded.PendingWeights[id] = loaded.StrategyWeights[id]
		}
	}
	if loaded.RegimePerformance == nil {
		loaded.RegimePerformance = defaults.RegimePerformance
	}
	if loaded.DailyStats == nil {
		loaded.DailyStats = defaults.DailyStats
	}
	if loaded.Phase == "" {
		loaded.Phase = PhaseIdle
	}
	// Tunables follow configuration, not the stored document.
	loaded.LearningRate = l.cfg.LearningRate
	loaded.MinTradesForAdjustment = l.cfg.MinTradesForAdjustment
	l.state = loaded

	logger.S().Infow("learning state loaded", "version", loaded.Version, "recent_trades", len(loaded.RecentTrades), "phase", loaded.Phase)
	return nil
}

// commit persists next and swaps it in. Caller holds mu.
func (l *Learner) commit(ctx context.Context, next State) error {
	next.Version = stateVersion
	next.LastUpdated = l.now().UTC()
	if err := store.PutJSON(ctx, l.kv, l.owner, StateKey, next); err != nil {
		return fmt.Errorf("save learning state: %w", err)
	}
	l.state = next
	return nil
}

// RecordOutcome learns from one closed trade. A trade id still present in the
// recent-trade ring is ignored. Only pending weights change.
func (l *Learner) RecordOutcome(ctx context.Context, o Outcome) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, t := range l.state.RecentTrades {
		if t.TradeID == o.TradeID {
			logger.S().Infow("duplicate outcome ignored", "trade_id", o.TradeID)
			return nil
		}
	}

	next := l.state.clone()

	next.RecentTrades = append([]Outcome{o}, next.RecentTrades...)
	if len(next.RecentTrades) > MaxRecentTrades {
		next.RecentTrades = next.RecentTrades[:MaxRecentTrades]
	}

	perf := next.RegimePerformance[o.Regime]
	if perf == nil {
		perf = make(map[string]Bucket)
		next.RegimePerformance[o.Regime] = perf
	}
	b := perf[o.StrategyID]
	b.Trades++
	if o.Win() {
		b.Wins++
	}
	b.TotalPnL += o.PnL
	perf[o.StrategyID] = b

	day := o.Day
	if day == "" {
		day = o.ClosedAt.UTC().Format("2006-01-02")
	}
	ds := next.DailyStats[day]
	ds.Trades++
	ds.PnL += o.PnL
	next.DailyStats[day] = ds

	proposed := false
	if b.Trades >= next.MinTradesForAdjustment {
		active, ok := next.StrategyWeights[o.StrategyID]
		if !ok {
			active = l.cfg.DefaultWeight
		}
		pending, ok := next.PendingWeights[o.StrategyID]
		if !ok {
			pending = active
		}
		target := targetWeight(b.WinRate())
		pending = math.Max(0, math.Min(1, pending+next.LearningRate*(target-pending)))
		next.PendingWeights[o.StrategyID] = pending

		if math.Abs(pending-active) > ProposalThreshold {
			next.PendingValidation = true
			if next.Phase != PhaseUnderValidation {
				proposed = next.Phase != PhaseProposed
				next.Phase = PhaseProposed
			}
		}
	}

	if err := l.commit(ctx, next); err != nil {
		return err
	}
	if proposed {
		l.publish(PhaseProposed, nil, nil)
	}
	return nil
}

// ApplyValidatedWeights is the only writer of the active table. Passed
// strategies adopt the judged weight, and pending drift recorded after the
// verdict stays pending for the next cycle. Failed ones have pending reverted.
func (l *Learner) ApplyValidatedWeights(ctx context.Context, results []Result) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state.clone()
	var promoted, rejected []string
	for _, r := range results {
		pending, ok := next.PendingWeights[r.StrategyID]
		if !ok {
			continue
		}
		if r.Pending != nil {
			pending = *r.Pending
		}
		if r.PassedValidation {
			next.StrategyWeights[r.StrategyID] = pending
			promoted = append(promoted, r.StrategyID)
		} else {
			next.PendingWeights[r.StrategyID] = next.StrategyWeights[r.StrategyID]
			rejected = append(rejected, r.StrategyID)
		}
	}

	now := l.now().UTC()
	next.PendingValidation = false
	for id, pending := range next.PendingWeights {
		if math.Abs(pending-next.StrategyWeights[id]) > ProposalThreshold {
			next.PendingValidation = true
		}
	}
	next.LastValidationTime = &now
	next.LastResults = append([]Result(nil), results...)
	if len(promoted) > 0 {
		next.Phase = PhasePromoted
	} else {
		next.Phase = PhaseRejected
	}

	if err := l.commit(ctx, next); err != nil {
		return err
	}
	logger.S().Infow("validated weights applied", "promoted", promoted, "rejected", rejected)
	l.publish(next.Phase, promoted, rejected)
	return nil
}

// GetPendingChanges lists pending/active gaps above ReportThreshold, largest first.
func (l *Learner) GetPendingChanges() []Change {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return pendingChanges(l.state)
}

func pendingChanges(s State) []Change {
	var out []Change
	for id, pending := range s.PendingWeights {
		active := s.StrategyWeights[id]
		if d := pending - active; math.Abs(d) > ReportThreshold {
			out = append(out, Change{StrategyID: id, Active: active, Pending: pending, Delta: d})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Delta), math.Abs(out[j].Delta)
		if ai != aj {
			return ai > aj
		}
		return out[i].StrategyID < out[j].StrategyID
	})
	return out
}

// BeginValidation moves to under_validation and returns the candidate changes.
func (l *Learner) BeginValidation(ctx context.Context) ([]Change, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	changes := pendingChanges(l.state)
	next := l.state.clone()
	next.Phase = PhaseUnderValidation
	if err := l.commit(ctx, next); err != nil {
		return nil, err
	}
	return changes, nil
}

// abortValidation returns to proposed (or idle) after a validator failure.
func (l *Learner) abortValidation(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state.clone()
	next.Phase = PhaseIdle
	if next.PendingValidation {
		next.Phase = PhaseProposed
	}
	if err := l.commit(ctx, next); err != nil {
		logger.S().Warnw("learning phase rollback not persisted", "error", err)
	}
}

// RunValidation runs v over the pending changes and applies its verdicts.
func (l *Learner) RunValidation(ctx context.Context, v Validator) ([]Result, error) {
	changes, err := l.BeginValidation(ctx)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		l.abortValidation(ctx)
		return nil, nil
	}

	results, err := v.Validate(ctx, Request{Changes: changes, State: l.State()})
	if err != nil {
		l.abortValidation(ctx)
		return nil, fmt.Errorf("validate weights: %w", err)
	}
	results = pinJudged(results, changes)
	if err := l.ApplyValidatedWeights(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

// pinJudged binds each verdict to the pending weight the validator was shown.
// Verdicts for strategies outside the request are dropped.
func pinJudged(results []Result, changes []Change) []Result {
	judged := make(map[string]float64, len(changes))
	for _, c := range changes {
		judged[c.StrategyID] = c.Pending
	}
	out := make([]Result, 0, len(results))
	for _, r := range results {
		w, ok := judged[r.StrategyID]
		if !ok {
			logger.S().Warnw("verdict for unrequested strategy ignored", "strategy", r.StrategyID)
			continue
		}
		r.Pending = &w
		out = append(out, r)
	}
	return out
}

// ActiveWeights returns a copy of the live weight table.
func (l *Learner) ActiveWeights() map[string]float64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return maps.Clone(l.state.StrategyWeights)
}

// State returns a deep copy of the learner document.
func (l *Learner) State() State {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state.clone()
}

func (l *Learner) publish(phase Phase, promoted, rejected []string) {
	if l.bus == nil {
		return
	}
	evt := events.EventWeightsApplied
	if phase == PhaseProposed {
		evt = events.EventWeightsProposed
	}
	l.bus.Publish(evt, events.WeightsChanged{
		Phase:    string(phase),
		Promoted: promoted,
		Rejected: rejected,
		Pending:  len(pendingChanges(l.state)),
		Time:     l.now().UTC(),
	})
}
