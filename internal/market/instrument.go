package market

import (
	"math"
	"strings"
)

// Instrument describes how a tradable symbol maps onto data and P&L units.
type Instrument struct {
	Symbol     string  // trading symbol, e.g. ES
	Contract   string  // broker contract, e.g. ESH5
	DataSymbol string  // symbol at the data vendor
	PointValue float64 // dollars per point per contract
	TickSize   float64
	PriceScale float64 // multiplier applied to vendor prices
}

// Catalog resolves instruments by symbol.
type Catalog map[string]Instrument

// Lookup returns the instrument for symbol, falling back to unit values.
func (c Catalog) Lookup(symbol string) Instrument {
	if inst, ok := c[strings.ToUpper(symbol)]; ok {
		return inst
	}
	return Instrument{Symbol: strings.ToUpper(symbol), DataSymbol: strings.ToUpper(symbol), PointValue: 1, PriceScale: 1}
}

// VendorSymbol is the symbol to request from the data source.
func (i Instrument) VendorSymbol() string {
	if i.DataSymbol != "" {
		return i.DataSymbol
	}
	return i.Symbol
}

// Normalize rescales vendor prices into trading units.
func (i Instrument) Normalize(c Candle) Candle {
	scale := i.PriceScale
	if scale == 0 || scale == 1 {
		return c
	}
	c.Open *= scale
	c.High *= scale
	c.Low *= scale
	c.Close *= scale
	return c
}

// RoundToTick rounds a price to the nearest tick (no-op without a tick size).
func (i Instrument) RoundToTick(price float64) float64 {
	if i.TickSize <= 0 {
		return price
	}
	return math.Round(price/i.TickSize) * i.TickSize
}
