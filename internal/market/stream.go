package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"propfirm-core/pkg/logger"
)

// Stream consumes closed bars from a websocket feed and reconnects on failure.
// Each text frame carries one bar:
//
//	{"instrument":"ES","time":1710000000000,"open":..,"high":..,"low":..,"close":..,"volume":..}
type Stream struct {
	URL     string
	Catalog Catalog

	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
}

// NewStream builds a bar stream for url.
func NewStream(url string, catalog Catalog) *Stream {
	return &Stream{
		URL:        url,
		Catalog:    catalog,
		dialer:     websocket.DefaultDialer,
		minBackoff: time.Second,
		maxBackoff: 30 * time.Second,
	}
}

type wireBar struct {
	Instrument string  `json:"instrument"`
	Time       int64   `json:"time"`
	Open       float64 `json:"open"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
	Close      float64 `json:"close"`
	Volume     float64 `json:"volume"`
}

// Subscribe returns a channel of bars that stays open until ctx is cancelled.
func (s *Stream) Subscribe(ctx context.Context) <-chan Bar {
	out := make(chan Bar, 100)
	go func() {
		defer close(out)
		backoff := s.minBackoff
		for {
			err := s.consume(ctx, out)
			if ctx.Err() != nil {
				return
			}
			if err == nil {
				backoff = s.minBackoff
			}
			logger.S().Warnw("bar stream disconnected, reconnecting", "url", s.URL, "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > s.maxBackoff {
				backoff = s.maxBackoff
			}
		}
	}()
	return out
}

// consume reads one connection until it fails. A nil error means at least one
// bar was delivered before the connection dropped.
func (s *Stream) consume(ctx context.Context, out chan<- Bar) error {
	conn, _, err := s.dialer.DialContext(ctx, s.URL, nil)
	if err != nil {
		return fmt.Errorf("dial bar stream: %w", err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	delivered := false
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if delivered {
				return nil
			}
			return err
		}
		bar, err := s.parse(msg)
		if err != nil {
			logger.S().Warnw("bar stream parse error", "error", err)
			continue
		}
		select {
		case out <- bar:
			delivered = true
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Stream) parse(msg []byte) (Bar, error) {
	var w wireBar
	if err := json.Unmarshal(msg, &w); err != nil {
		return Bar{}, err
	}
	if w.Instrument == "" || w.Time == 0 {
		return Bar{}, fmt.Errorf("bar missing instrument or time")
	}
	inst := s.Catalog.Lookup(w.Instrument)
	c := Candle{Time: time.UnixMilli(w.Time).UTC(), Open: w.Open, High: w.High, Low: w.Low, Close: w.Close, Volume: w.Volume}
	return Bar{Instrument: strings.ToUpper(inst.Symbol), Candle: inst.Normalize(c)}, nil
}
