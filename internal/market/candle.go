package market

import "time"

// Candle is one OHLCV bar. Candles are immutable once produced.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Hour returns the UTC hour of day of the bar open.
func (c Candle) Hour() int {
	return c.Time.UTC().Hour()
}

// DateKey returns the UTC calendar date of the bar open.
func (c Candle) DateKey() string {
	return c.Time.UTC().Format("2006-01-02")
}

// TypicalPrice is (high + low + close) / 3.
func (c Candle) TypicalPrice() float64 {
	return (c.High + c.Low + c.Close) / 3
}

// Bar is a candle tagged with the instrument it belongs to.
type Bar struct {
	Instrument string `json:"instrument"`
	Candle
}
