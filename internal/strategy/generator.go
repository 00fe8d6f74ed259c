package strategy

import (
	"slices"
	"sort"

	"propfirm-core/internal/regime"
)

const (
	// DefaultWeight applies to strategies missing from the weight table.
	DefaultWeight = 0.5

	StopATRMultiple   = 1.5
	TargetATRMultiple = 2.5
)

// Generator ranks detector output into a single signal.
type Generator struct {
	registry *Registry
}

func NewGenerator(registry *Registry) *Generator {
	return &Generator{registry: registry}
}

// Registry exposes the strategies the generator evaluates.
func (g *Generator) Registry() *Registry {
	return g.registry
}

// Rank returns every qualifying signal ordered by confidence x weight. Equal
// scores go to the signal with more confluence, then to registry order. A
// window without ATR yields nothing.
func (g *Generator) Rank(w Window, r regime.Regime, weights map[string]float64) []Signal {
	if len(w.Candles) == 0 || w.Ind.ATR <= 0 {
		return nil
	}
	entry := w.Last().Close

	var out []Signal
	for _, s := range g.registry.strategies {
		weight, ok := weights[s.ID()]
		if !ok {
			weight = DefaultWeight
		}
		if weight <= 0 || !slices.Contains(s.Regimes(), r) {
			continue
		}
		cand := s.Detect(w)
		if cand == nil || cand.Confidence < s.MinConfidence() {
			continue
		}

		sig := Signal{
			StrategyID: s.ID(),
			Direction:  cand.Direction,
			Confidence: cand.Confidence,
			Weight:     weight,
			Regime:     r,
			Entry:      entry,
			Reason:     cand.Reason,
		}
		stop := w.Ind.ATR * StopATRMultiple
		target := w.Ind.ATR * TargetATRMultiple
		if cand.Direction == Long {
			sig.StopLoss, sig.TakeProfit = entry-stop, entry+target
		} else {
			sig.StopLoss, sig.TakeProfit = entry+stop, entry-target
		}
		out = append(out, sig)
	}

	for i := range out {
		out[i].Confluence = Confluence(out, out[i].Direction)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score() != out[j].Score() {
			return out[i].Score() > out[j].Score()
		}
		return out[i].Confluence > out[j].Confluence
	})
	return out
}

// Generate returns the best signal for the bar, or nil.
func (g *Generator) Generate(w Window, r regime.Regime, weights map[string]float64) *Signal {
	ranked := g.Rank(w, r, weights)
	if len(ranked) == 0 {
		return nil
	}
	return &ranked[0]
}

// Confluence counts ranked signals agreeing with dir.
func Confluence(ranked []Signal, dir Direction) int {
	n := 0
	for _, s := range ranked {
		if s.Direction == dir {
			n++
		}
	}
	return n
}
