package strategy

import (
	"fmt"
	"math"

	"propfirm-core/internal/regime"
)

// detector is a registry entry backed by a pure detect function.
type detector struct {
	id       string
	regimes  []regime.Regime
	minConf  float64
	detectFn func(Window) *Candidate
}

func (d detector) ID() string                 { return d.id }
func (d detector) Regimes() []regime.Regime   { return d.regimes }
func (d detector) MinConfidence() float64     { return d.minConf }
func (d detector) Detect(w Window) *Candidate { return d.detectFn(w) }

var (
	trendRegimes = []regime.Regime{regime.TrendStrongUp, regime.TrendWeakUp, regime.TrendStrongDown, regime.TrendWeakDown}
	rangeRegimes = []regime.Regime{regime.RangeWide, regime.RangeTight}
)

func regimes(groups ...[]regime.Regime) []regime.Regime {
	var out []regime.Regime
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// builtins returns the eleven detectors in registry order.
func builtins() []Strategy {
	return []Strategy{
		detector{"ema_trend_pullback", trendRegimes, 0.6, emaTrendPullback},
		detector{"momentum_continuation", trendRegimes, 0.6, momentumContinuation},
		detector{"ema_cross", regimes([]regime.Regime{regime.TrendWeakUp, regime.TrendWeakDown}, rangeRegimes), 0.6, emaCross},
		detector{"vwap_trend_bounce", trendRegimes, 0.6, vwapTrendBounce},
		detector{"vwap_reversion", regimes(rangeRegimes, []regime.Regime{regime.LowVolatility}), 0.6, vwapReversion},
		detector{"bollinger_reversion", rangeRegimes, 0.6, bollingerReversion},
		detector{"rsi_extreme", regimes(rangeRegimes, []regime.Regime{regime.HighVolatility}), 0.6, rsiExtreme},
		detector{"range_breakout", []regime.Regime{regime.RangeTight, regime.LowVolatility}, 0.62, rangeBreakout},
		detector{"volatility_squeeze", []regime.Regime{regime.LowVolatility, regime.RangeTight}, 0.62, volatilitySqueeze},
		detector{"opening_range_breakout", regimes(trendRegimes, rangeRegimes), 0.6, openingRangeBreakout},
		detector{"engulfing_reversal", regimes(rangeRegimes, []regime.Regime{regime.HighVolatility}), 0.6, engulfingReversal},
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func trendStrength(w Window) float64 {
	if w.Ind.Close == 0 {
		return 0
	}
	return math.Abs(w.Ind.EMA20-w.Ind.EMA50) / w.Ind.Close
}

func emaTrendPullback(w Window) *Candidate {
	c := w.Last()
	bonus := math.Min(0.3, trendStrength(w)*20)
	switch {
	case w.Ind.EMA20 > w.Ind.EMA50 && c.Low <= w.Ind.EMA20 && c.Close > w.Ind.EMA20 && c.Close > c.Open:
		return &Candidate{Long, clamp01(0.6 + bonus), "pullback to EMA20 held in uptrend"}
	case w.Ind.EMA20 < w.Ind.EMA50 && c.High >= w.Ind.EMA20 && c.Close < w.Ind.EMA20 && c.Close < c.Open:
		return &Candidate{Short, clamp01(0.6 + bonus), "pullback to EMA20 rejected in downtrend"}
	}
	return nil
}

func momentumContinuation(w Window) *Candidate {
	const lookback = 10
	if len(w.Candles) < lookback+3 {
		return nil
	}
	c := w.Last()
	hi, lo := math.Inf(-1), math.Inf(1)
	for n := 1; n <= lookback; n++ {
		b, _ := w.Back(n)
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	b1, _ := w.Back(1)
	b2, _ := w.Back(2)
	rsi := w.Ind.RSI

	if w.Ind.EMA20 > w.Ind.EMA50 && c.Close > hi && c.Close > b1.Close && b1.Close > b2.Close && rsi >= 55 && rsi <= 75 {
		return &Candidate{Long, clamp01(0.6 + (rsi-55)/100), fmt.Sprintf("new %d-bar high with RSI %.0f", lookback, rsi)}
	}
	if w.Ind.EMA20 < w.Ind.EMA50 && c.Close < lo && c.Close < b1.Close && b1.Close < b2.Close && rsi <= 45 && rsi >= 25 {
		return &Candidate{Short, clamp01(0.6 + (45-rsi)/100), fmt.Sprintf("new %d-bar low with RSI %.0f", lookback, rsi)}
	}
	return nil
}

func emaCross(w Window) *Candidate {
	if !w.Prev.Warm {
		return nil
	}
	if w.Prev.EMA20 <= w.Prev.EMA50 && w.Ind.EMA20 > w.Ind.EMA50 {
		conf := 0.62
		if w.Ind.RSI > 50 {
			conf += 0.08
		}
		return &Candidate{Long, conf, "EMA20 crossed above EMA50"}
	}
	if w.Prev.EMA20 >= w.Prev.EMA50 && w.Ind.EMA20 < w.Ind.EMA50 {
		conf := 0.62
		if w.Ind.RSI < 50 {
			conf += 0.08
		}
		return &Candidate{Short, conf, "EMA20 crossed below EMA50"}
	}
	return nil
}

func vwapTrendBounce(w Window) *Candidate {
	c := w.Last()
	bonus := math.Min(0.25, trendStrength(w)*15)
	switch {
	case w.Ind.EMA20 > w.Ind.EMA50 && c.Low <= w.Ind.VWAP && c.Close > w.Ind.VWAP:
		return &Candidate{Long, clamp01(0.62 + bonus), "bounce off session VWAP in uptrend"}
	case w.Ind.EMA20 < w.Ind.EMA50 && c.High >= w.Ind.VWAP && c.Close < w.Ind.VWAP:
		return &Candidate{Short, clamp01(0.62 + bonus), "rejection at session VWAP in downtrend"}
	}
	return nil
}

func vwapReversion(w Window) *Candidate {
	c := w.Last()
	band := w.Ind.VWAPUpper - w.Ind.VWAP
	if band <= 0 {
		return nil
	}
	switch {
	case c.Close < w.Ind.VWAPLower && w.Ind.RSI < 40:
		stretch := (w.Ind.VWAPLower - c.Close) / band
		return &Candidate{Long, clamp01(0.6 + math.Min(0.25, stretch*0.2)), "stretched below lower VWAP band"}
	case c.Close > w.Ind.VWAPUpper && w.Ind.RSI > 60:
		stretch := (c.Close - w.Ind.VWAPUpper) / band
		return &Candidate{Short, clamp01(0.6 + math.Min(0.25, stretch*0.2)), "stretched above upper VWAP band"}
	}
	return nil
}

func bollingerReversion(w Window) *Candidate {
	c := w.Last()
	switch {
	case c.Close <= w.Ind.BBLower && w.Ind.RSI < 35:
		return &Candidate{Long, clamp01(0.6 + (35-w.Ind.RSI)/50), "close at lower Bollinger band"}
	case c.Close >= w.Ind.BBUpper && w.Ind.RSI > 65:
		return &Candidate{Short, clamp01(0.6 + (w.Ind.RSI-65)/50), "close at upper Bollinger band"}
	}
	return nil
}

func rsiExtreme(w Window) *Candidate {
	c := w.Last()
	switch {
	case w.Ind.RSI < 25 && c.Close > c.Open:
		return &Candidate{Long, clamp01(0.6 + (25-w.Ind.RSI)/50), fmt.Sprintf("RSI %.0f oversold turn", w.Ind.RSI)}
	case w.Ind.RSI > 75 && c.Close < c.Open:
		return &Candidate{Short, clamp01(0.6 + (w.Ind.RSI-75)/50), fmt.Sprintf("RSI %.0f overbought turn", w.Ind.RSI)}
	}
	return nil
}

func rangeBreakout(w Window) *Candidate {
	const lookback = 20
	if len(w.Candles) < lookback+1 {
		return nil
	}
	c := w.Last()
	hi, lo, vol := math.Inf(-1), math.Inf(1), 0.0
	for n := 1; n <= lookback; n++ {
		b, _ := w.Back(n)
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
		vol += b.Volume
	}
	avgVol := vol / lookback
	if c.Close == 0 || (hi-lo)/c.Close > 0.015 || avgVol == 0 || c.Volume < avgVol*1.2 {
		return nil
	}
	bonus := math.Min(0.2, (c.Volume/avgVol-1.2)*0.1)
	switch {
	case c.Close > hi:
		return &Candidate{Long, clamp01(0.65 + bonus), "breakout above 20-bar range on volume"}
	case c.Close < lo:
		return &Candidate{Short, clamp01(0.65 + bonus), "breakdown below 20-bar range on volume"}
	}
	return nil
}

func volatilitySqueeze(w Window) *Candidate {
	if !w.Prev.Warm || w.Prev.Close == 0 || w.Ind.Close == 0 {
		return nil
	}
	prevWidth := (w.Prev.BBUpper - w.Prev.BBLower) / w.Prev.Close
	width := (w.Ind.BBUpper - w.Ind.BBLower) / w.Ind.Close
	if prevWidth >= 0.01 || width <= prevWidth {
		return nil
	}
	c := w.Last()
	switch {
	case c.Close > w.Ind.BBUpper:
		return &Candidate{Long, 0.66, "squeeze released upward"}
	case c.Close < w.Ind.BBLower:
		return &Candidate{Short, 0.66, "squeeze released downward"}
	}
	return nil
}

const (
	openingRangeBars = 6
	orbMaxBars       = 30
)

func openingRangeBreakout(w Window) *Candidate {
	n := len(w.Candles) - w.SessionStart
	if n <= openingRangeBars || n > orbMaxBars {
		return nil
	}
	hi, lo := math.Inf(-1), math.Inf(1)
	for _, b := range w.Candles[w.SessionStart : w.SessionStart+openingRangeBars] {
		hi = math.Max(hi, b.High)
		lo = math.Min(lo, b.Low)
	}
	c := w.Last()
	prev, _ := w.Back(1)
	bias := regime.Bias(regime.Classify(w.Ind))
	switch {
	case prev.Close <= hi && c.Close > hi:
		conf := 0.62
		if bias > 0 {
			conf += 0.08
		}
		return &Candidate{Long, conf, "broke opening range high"}
	case prev.Close >= lo && c.Close < lo:
		conf := 0.62
		if bias < 0 {
			conf += 0.08
		}
		return &Candidate{Short, conf, "broke opening range low"}
	}
	return nil
}

func engulfingReversal(w Window) *Candidate {
	p, ok := w.Back(1)
	if !ok {
		return nil
	}
	c := w.Last()
	prevBody := math.Abs(p.Close - p.Open)
	body := math.Abs(c.Close - c.Open)
	if prevBody == 0 || body <= prevBody {
		return nil
	}
	bonus := math.Min(0.2, (body/prevBody-1)*0.1)
	switch {
	case p.Close < p.Open && c.Close > c.Open && c.Open <= p.Close && c.Close >= p.Open && w.Ind.RSI < 45:
		return &Candidate{Long, clamp01(0.6 + bonus), "bullish engulfing"}
	case p.Close > p.Open && c.Close < c.Open && c.Open >= p.Close && c.Close <= p.Open && w.Ind.RSI > 55:
		return &Candidate{Short, clamp01(0.6 + bonus), "bearish engulfing"}
	}
	return nil
}
