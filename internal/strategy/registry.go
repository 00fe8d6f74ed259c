package strategy

import (
	"fmt"
	"slices"

	"propfirm-core/internal/regime"
)

// Registry is the ordered set of enabled strategies. Order breaks ranking ties.
type Registry struct {
	strategies []Strategy
}

// NewRegistry holds the given strategies in order.
func NewRegistry(strategies ...Strategy) *Registry {
	return &Registry{strategies: strategies}
}

// DefaultRegistry holds all eleven built-in detectors.
func DefaultRegistry() *Registry {
	return NewRegistry(builtins()...)
}

// IDs lists the enabled strategy ids in registry order.
func (r *Registry) IDs() []string {
	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.ID()
	}
	return out
}

// Strategies returns the enabled strategies in order.
func (r *Registry) Strategies() []Strategy {
	return slices.Clone(r.strategies)
}

// WithOverrides returns a registry with YAML overrides applied. Unknown ids are an error.
func (r *Registry) WithOverrides(overrides []Override) (*Registry, error) {
	byID := make(map[string]Override, len(overrides))
	for _, o := range overrides {
		byID[o.ID] = o
	}
	for id := range byID {
		if !slices.Contains(r.IDs(), id) {
			return nil, fmt.Errorf("override for unknown strategy %q", id)
		}
	}

	out := &Registry{}
	for _, s := range r.strategies {
		o, ok := byID[s.ID()]
		if !ok {
			out.strategies = append(out.strategies, s)
			continue
		}
		if o.Enabled != nil && !*o.Enabled {
			continue
		}
		out.strategies = append(out.strategies, overridden{Strategy: s, o: o})
	}
	return out, nil
}

type overridden struct {
	Strategy
	o Override
}

func (s overridden) Regimes() []regime.Regime {
	if len(s.o.Regimes) > 0 {
		return s.o.Regimes
	}
	return s.Strategy.Regimes()
}

func (s overridden) MinConfidence() float64 {
	if s.o.MinConfidence != nil {
		return *s.o.MinConfidence
	}
	return s.Strategy.MinConfidence()
}
