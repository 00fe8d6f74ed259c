package market

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/adshao/go-binance/v2"
)

// BinanceSource pulls crypto klines from the Binance public REST API.
type BinanceSource struct {
	client   *binance.Client
	interval string
}

// NewBinanceSource builds a source for the given bar interval. Public klines
// need no credentials.
func NewBinanceSource(apiKey, secretKey string, interval time.Duration) *BinanceSource {
	return &BinanceSource{
		client:   binance.NewClient(apiKey, secretKey),
		interval: binanceInterval(interval),
	}
}

// WithBaseURL points the client at another host (testnet or a test server).
func (s *BinanceSource) WithBaseURL(u string) *BinanceSource {
	s.client.BaseURL = u
	return s
}

func (s *BinanceSource) Candles(ctx context.Context, inst Instrument, from, to time.Time) ([]Candle, error) {
	var out []Candle
	start := from.UnixMilli()
	end := to.UnixMilli()
	for start < end {
		klines, err := s.client.NewKlinesService().
			Symbol(inst.VendorSymbol()).
			Interval(s.interval).
			StartTime(start).
			EndTime(end - 1).
			Limit(1000).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s: %w", inst.VendorSymbol(), err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			c, err := klineToCandle(k)
			if err != nil {
				return nil, err
			}
			out = append(out, inst.Normalize(c))
		}
		next := klines[len(klines)-1].OpenTime + 1
		if next <= start {
			break
		}
		start = next
	}
	return out, nil
}

func klineToCandle(k *binance.Kline) (Candle, error) {
	vals := [5]float64{}
	for i, s := range []string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return Candle{}, fmt.Errorf("parse kline %d: %w", k.OpenTime, err)
		}
		vals[i] = f
	}
	return Candle{
		Time:   time.UnixMilli(k.OpenTime).UTC(),
		Open:   vals[0],
		High:   vals[1],
		Low:    vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

func binanceInterval(d time.Duration) string {
	switch {
	case d >= 24*time.Hour:
		return "1d"
	case d >= 4*time.Hour:
		return "4h"
	case d >= time.Hour:
		return "1h"
	case d >= 30*time.Minute:
		return "30m"
	case d >= 15*time.Minute:
		return "15m"
	case d >= 5*time.Minute:
		return "5m"
	case d >= 3*time.Minute:
		return "3m"
	}
	return "1m"
}
