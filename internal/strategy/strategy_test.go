package strategy

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propfirm-core/internal/indicators"
	"propfirm-core/internal/market"
	"propfirm-core/internal/regime"
)

type fixed struct {
	id      string
	regimes []regime.Regime
	min     float64
	cand    *Candidate
}

func (f fixed) ID() string               { return f.id }
func (f fixed) Regimes() []regime.Regime { return f.regimes }
func (f fixed) MinConfidence() float64   { return f.min }
func (f fixed) Detect(Window) *Candidate { return f.cand }

func flatWindow(close, atr float64) Window {
	ind := indicators.Neutral(close)
	ind.ATR = atr
	ind.Warm = true
	return Window{Candles: []market.Candle{{Close: close}}, Ind: ind, Prev: ind}
}

func TestGeneratorRanksByWeightedConfidence(t *testing.T) {
	all := []regime.Regime{regime.RangeTight}
	reg := NewRegistry(
		fixed{"a", all, 0.5, &Candidate{Long, 0.9, "a"}},
		fixed{"b", all, 0.5, &Candidate{Short, 0.8, "b"}},
		fixed{"c", all, 0.5, &Candidate{Long, 0.8, "c"}},
		fixed{"muted", all, 0.5, &Candidate{Long, 1, "muted"}},
		fixed{"weak", all, 0.7, &Candidate{Long, 0.65, "weak"}},
		fixed{"elsewhere", []regime.Regime{regime.TrendStrongUp}, 0.5, &Candidate{Long, 1, "x"}},
		fixed{"silent", all, 0.5, nil},
	)
	gen := NewGenerator(reg)
	weights := map[string]float64{"a": 0.5, "b": 1, "c": 1, "muted": 0}

	ranked := gen.Rank(flatWindow(100, 2), regime.RangeTight, weights)
	require.Len(t, ranked, 3)
	// b and c tie on score; c has a second long agreeing with it.
	assert.Equal(t, []string{"c", "b", "a"}, []string{ranked[0].StrategyID, ranked[1].StrategyID, ranked[2].StrategyID})
	assert.Equal(t, []int{2, 1, 2}, []int{ranked[0].Confluence, ranked[1].Confluence, ranked[2].Confluence})
	assert.Equal(t, 2, Confluence(ranked, Long))

	top := gen.Generate(flatWindow(100, 2), regime.RangeTight, weights)
	require.NotNil(t, top)
	assert.Equal(t, "c", top.StrategyID)
	assert.Equal(t, Long, top.Direction)
	assert.Equal(t, 100.0, top.Entry)
	assert.Equal(t, 97.0, top.StopLoss)
	assert.Equal(t, 105.0, top.TakeProfit)
	assert.Equal(t, regime.RangeTight, top.Regime)

	again := gen.Generate(flatWindow(100, 2), regime.RangeTight, weights)
	assert.Equal(t, top, again)
}

func TestConfluenceBreaksScoreTies(t *testing.T) {
	all := []regime.Regime{regime.RangeTight}
	tests := []struct {
		name     string
		reg      *Registry
		weights  map[string]float64
		wantTop  string
		wantConf int
	}{
		{
			name: "score beats confluence",
			reg: NewRegistry(
				fixed{"l1", all, 0.5, &Candidate{Long, 0.6, "l1"}},
				fixed{"l2", all, 0.5, &Candidate{Long, 0.6, "l2"}},
				fixed{"s", all, 0.5, &Candidate{Short, 0.7, "s"}},
			),
			weights:  map[string]float64{"l1": 1, "l2": 1, "s": 1},
			wantTop:  "s",
			wantConf: 1,
		},
		{
			name: "tie goes to the agreeing side",
			reg: NewRegistry(
				fixed{"s", all, 0.5, &Candidate{Short, 0.8, "s"}},
				fixed{"l1", all, 0.5, &Candidate{Long, 0.8, "l1"}},
				fixed{"l2", all, 0.5, &Candidate{Long, 0.6, "l2"}},
			),
			weights:  map[string]float64{"s": 1, "l1": 1, "l2": 1},
			wantTop:  "l1",
			wantConf: 2,
		},
		{
			name: "equal confluence keeps registry order",
			reg: NewRegistry(
				fixed{"s", all, 0.5, &Candidate{Short, 0.8, "s"}},
				fixed{"l", all, 0.5, &Candidate{Long, 0.8, "l"}},
			),
			weights:  map[string]float64{"s": 1, "l": 1},
			wantTop:  "s",
			wantConf: 1,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			top := NewGenerator(tt.reg).Generate(flatWindow(100, 2), regime.RangeTight, tt.weights)
			require.NotNil(t, top)
			assert.Equal(t, tt.wantTop, top.StrategyID)
			assert.Equal(t, tt.wantConf, top.Confluence)
		})
	}
}

func TestGeneratorDefaultsAndGuards(t *testing.T) {
	all := []regime.Regime{regime.RangeTight}
	gen := NewGenerator(NewRegistry(fixed{"a", all, 0.5, &Candidate{Long, 0.9, "a"}}))

	sig := gen.Generate(flatWindow(100, 2), regime.RangeTight, nil)
	require.NotNil(t, sig)
	assert.Equal(t, DefaultWeight, sig.Weight)
	assert.Equal(t, 97.0, sig.StopLoss)
	assert.Equal(t, 105.0, sig.TakeProfit)

	assert.Nil(t, gen.Generate(flatWindow(100, 0), regime.RangeTight, nil), "no stop distance without ATR")
	assert.Nil(t, gen.Generate(Window{}, regime.RangeTight, nil))
}

func TestDefaultRegistry(t *testing.T) {
	ids := DefaultRegistry().IDs()
	assert.Equal(t, []string{
		"ema_trend_pullback", "momentum_continuation", "ema_cross", "vwap_trend_bounce",
		"vwap_reversion", "bollinger_reversion", "rsi_extreme", "range_breakout",
		"volatility_squeeze", "opening_range_breakout", "engulfing_reversal",
	}, ids)
	for _, s := range DefaultRegistry().Strategies() {
		assert.NotEmpty(t, s.Regimes(), s.ID())
		assert.Greater(t, s.MinConfidence(), 0.0, s.ID())
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "strategies.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
strategies:
  - id: rsi_extreme
    min_confidence: 0.9
    regimes: [HIGH_VOLATILITY]
  - id: ema_cross
    enabled: false
`), 0o644))

	overrides, err := LoadConfig(path)
	require.NoError(t, err)

	reg, err := DefaultRegistry().WithOverrides(overrides)
	require.NoError(t, err)
	assert.NotContains(t, reg.IDs(), "ema_cross")
	assert.Len(t, reg.IDs(), 10)

	for _, s := range reg.Strategies() {
		if s.ID() == "rsi_extreme" {
			assert.Equal(t, 0.9, s.MinConfidence())
			assert.Equal(t, []regime.Regime{regime.HighVolatility}, s.Regimes())
		}
	}

	_, err = DefaultRegistry().WithOverrides([]Override{{ID: "nope"}})
	assert.Error(t, err)
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	dir := t.TempDir()
	for name, body := range map[string]string{
		"regime.yaml": "strategies:\n  - id: rsi_extreme\n    regimes: [SIDEWAYS]\n",
		"conf.yaml":   "strategies:\n  - id: rsi_extreme\n    min_confidence: 1.5\n",
	} {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
		_, err := LoadConfig(path)
		assert.Error(t, err, name)
	}
}

func TestEMACrossDetector(t *testing.T) {
	w := flatWindow(100, 1)
	w.Prev.EMA20, w.Prev.EMA50 = 99.9, 100
	w.Ind.EMA20, w.Ind.EMA50 = 100.1, 100
	w.Ind.RSI = 60

	c := emaCross(w)
	require.NotNil(t, c)
	assert.Equal(t, Long, c.Direction)
	assert.InDelta(t, 0.7, c.Confidence, 1e-9)

	w.Prev.EMA20, w.Prev.EMA50 = 100.2, 100
	assert.Nil(t, emaCross(w), "no cross without a sign change")
}

func TestRSIExtremeDetector(t *testing.T) {
	w := flatWindow(100, 1)
	w.Candles = []market.Candle{{Open: 99, Close: 100}}
	w.Ind.RSI = 20
	c := rsiExtreme(w)
	require.NotNil(t, c)
	assert.Equal(t, Long, c.Direction)
	assert.InDelta(t, 0.7, c.Confidence, 1e-9)

	w.Candles = []market.Candle{{Open: 101, Close: 100}}
	assert.Nil(t, rsiExtreme(w), "needs a turn candle")
}

func TestEngulfingDetector(t *testing.T) {
	w := flatWindow(100, 1)
	w.Ind.RSI = 40
	w.Candles = []market.Candle{
		{Open: 101, Close: 100},
		{Open: 99.5, Close: 102},
	}
	c := engulfingReversal(w)
	require.NotNil(t, c)
	assert.Equal(t, Long, c.Direction)
	assert.InDelta(t, 0.75, c.Confidence, 1e-9)
}

func TestOpeningRangeBreakoutDetector(t *testing.T) {
	start := time.Date(2025, 3, 4, 14, 30, 0, 0, time.UTC)
	var candles []market.Candle
	for i := 0; i < 6; i++ {
		candles = append(candles, market.Candle{Time: start.Add(time.Duration(i) * 5 * time.Minute), Open: 100, High: 101, Low: 99, Close: 100})
	}
	candles = append(candles,
		market.Candle{Time: start.Add(30 * time.Minute), Open: 100, High: 100.8, Low: 99.5, Close: 100.5},
		market.Candle{Time: start.Add(35 * time.Minute), Open: 100.5, High: 102, Low: 100.4, Close: 101.5},
	)
	w := BuildWindow(candles, func(t time.Time) string { return t.UTC().Format("2006-01-02") })
	assert.Equal(t, 0, w.SessionStart)
	assert.Equal(t, 15, w.Hour)
	assert.False(t, w.Ind.Warm)

	c := openingRangeBreakout(w)
	require.NotNil(t, c)
	assert.Equal(t, Long, c.Direction)

	assert.Nil(t, openingRangeBreakout(BuildWindow(candles[:6], func(t time.Time) string { return "d" })))
}

func TestBuiltinsOnTrendingSeries(t *testing.T) {
	start := time.Date(2025, 3, 4, 0, 0, 0, 0, time.UTC)
	var candles []market.Candle
	for i := 0; i < 120; i++ {
		p := 100 + float64(i)*0.5
		candles = append(candles, market.Candle{Time: start.Add(time.Duration(i) * 5 * time.Minute), Open: p - 0.2, High: p + 0.3, Low: p - 0.4, Close: p, Volume: 10})
	}
	w := BuildWindow(candles, func(t time.Time) string { return t.UTC().Format("2006-01-02") })
	require.True(t, w.Ind.Warm)

	r := regime.Classify(w.Ind)
	assert.Equal(t, regime.TrendStrongUp, r)

	// Detectors must be pure: evaluating twice gives the same answer.
	for _, s := range DefaultRegistry().Strategies() {
		assert.Equal(t, s.Detect(w), s.Detect(w), s.ID())
		if c := s.Detect(w); c != nil {
			assert.Equal(t, Long, c.Direction, s.ID())
		}
	}
}
