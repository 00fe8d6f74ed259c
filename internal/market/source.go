package market

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"propfirm-core/internal/store"
	"propfirm-core/pkg/logger"
)

// Source returns OHLCV candles for an instrument over [from, to), oldest first,
// already normalized into trading units.
type Source interface {
	Candles(ctx context.Context, inst Instrument, from, to time.Time) ([]Candle, error)
}

// HTTPSource reads candles from a JSON vendor endpoint:
//
//	GET {BaseURL}?symbol=..&interval=..&from=<unix ms>&to=<unix ms>
//
// answering either a bare array of candles or {"candles": [...]}.
type HTTPSource struct {
	BaseURL  string
	Interval time.Duration
	Client   *http.Client
}

// NewHTTPSource builds a vendor source with a bounded client.
func NewHTTPSource(baseURL string, interval time.Duration) *HTTPSource {
	return &HTTPSource{
		BaseURL:  baseURL,
		Interval: interval,
		Client:   &http.Client{Timeout: 15 * time.Second},
	}
}

type vendorCandle struct {
	Time   int64   `json:"time"` // unix ms
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func (s *HTTPSource) Candles(ctx context.Context, inst Instrument, from, to time.Time) ([]Candle, error) {
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("vendor url: %w", err)
	}
	q := u.Query()
	q.Set("symbol", inst.VendorSymbol())
	q.Set("interval", s.Interval.String())
	q.Set("from", fmt.Sprint(from.UnixMilli()))
	q.Set("to", fmt.Sprint(to.UnixMilli()))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch candles %s: %w", inst.Symbol, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("read candles %s: %w", inst.Symbol, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch candles %s: status %d", inst.Symbol, resp.StatusCode)
	}

	var rows []vendorCandle
	trimmed := strings.TrimSpace(string(body))
	if strings.HasPrefix(trimmed, "{") {
		var wrapped struct {
			Candles []vendorCandle `json:"candles"`
		}
		err = json.Unmarshal(body, &wrapped)
		rows = wrapped.Candles
	} else {
		err = json.Unmarshal(body, &rows)
	}
	if err != nil {
		return nil, fmt.Errorf("decode candles %s: %w", inst.Symbol, err)
	}

	out := make([]Candle, 0, len(rows))
	for _, r := range rows {
		c := Candle{Time: time.UnixMilli(r.Time).UTC(), Open: r.Open, High: r.High, Low: r.Low, Close: r.Close, Volume: r.Volume}
		if c.Time.Before(from) || !c.Time.Before(to) {
			continue
		}
		out = append(out, inst.Normalize(c))
	}
	sortCandles(out)
	return out, nil
}

// CachedSource caches per-UTC-day candle blobs in a store.Cache.
type CachedSource struct {
	Inner Source
	Cache *store.Cache
	Owner string
	TTL   time.Duration
}

func (s *CachedSource) Candles(ctx context.Context, inst Instrument, from, to time.Time) ([]Candle, error) {
	var out []Candle
	for day := from.UTC().Truncate(24 * time.Hour); day.Before(to); day = day.Add(24 * time.Hour) {
		dayEnd := day.Add(24 * time.Hour)
		key := fmt.Sprintf("candles:%s:%s", inst.Symbol, day.Format("2006-01-02"))

		var cached []Candle
		ok, err := s.Cache.Get(ctx, s.Owner, key, &cached)
		if err != nil {
			logger.S().Warnw("candle cache read failed", "key", key, "error", err)
		}
		if !ok {
			cached, err = s.Inner.Candles(ctx, inst, day, dayEnd)
			if err != nil {
				return nil, err
			}
			// Today's blob is still growing.
			if dayEnd.Before(time.Now()) {
				if err := s.Cache.Set(ctx, s.Owner, key, cached, s.TTL); err != nil {
					logger.S().Warnw("candle cache write failed", "key", key, "error", err)
				}
			}
		}
		for _, c := range cached {
			if !c.Time.Before(from) && c.Time.Before(to) {
				out = append(out, c)
			}
		}
	}
	return out, nil
}

func sortCandles(cs []Candle) {
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Time.Before(cs[j].Time) })
}
