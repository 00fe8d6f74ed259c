package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propfirm-core/internal/events"
	"propfirm-core/internal/market"
)

type webhook struct {
	mu       sync.Mutex
	payloads []Payload
	status   int
	body     string
}

func (w *webhook) handler(t *testing.T) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		var p Payload
		assert.NoError(t, json.Unmarshal(raw, &p))

		w.mu.Lock()
		w.payloads = append(w.payloads, p)
		status, body := w.status, w.body
		w.mu.Unlock()

		if status == 0 {
			status = http.StatusOK
		}
		rw.WriteHeader(status)
		io.WriteString(rw, body)
	}
}

func (w *webhook) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.payloads)
}

var start = time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)

func newTestGateway(t *testing.T, wh *webhook, bus *events.Bus) (*Gateway, *time.Time) {
	t.Helper()
	srv := httptest.NewServer(wh.handler(t))
	t.Cleanup(srv.Close)

	g := New(Config{
		URL:               srv.URL,
		Token:             "tok",
		Platform:          "RITHMIC",
		SubAccounts:       []SubAccount{{AccountID: "APEX-1", Token: "a"}, {AccountID: "APEX-2", Token: "b", Multiplier: 2}},
		MinTradeInterval:  30 * time.Second,
		MaxQuantity:       5,
		DefaultInstrument: "ES",
		Catalog:           market.Catalog{"ES": {Symbol: "ES", Contract: "ESH5", PointValue: 50, TickSize: 0.25}},
	}, bus)
	now := start
	g.now = func() time.Time { return now }
	return g, &now
}

func TestAcceptedOrder(t *testing.T) {
	wh := &webhook{body: `{"success":true,"message":"Order received","order_id":"pmt-42"}`}
	g, _ := newTestGateway(t, wh, nil)

	res, err := g.ExecuteSignal(context.Background(), Order{
		Symbol: "ES", Action: ActionBuy, Quantity: 2, Price: 5000, StopLoss: 4990, TakeProfit: 5020, StrategyID: "ema_cross",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.PickMyTradeAccepted)
	assert.False(t, res.RithmicConfirmed)
	assert.Equal(t, "pmt-42", res.OrderID)

	require.Equal(t, 1, wh.count())
	p := wh.payloads[0]
	assert.Equal(t, "ESH5", p.Symbol)
	assert.Equal(t, ActionBuy, p.Data)
	assert.Equal(t, 2, p.Quantity)
	assert.Equal(t, 1000.0, p.DollarSL)
	assert.Equal(t, 2000.0, p.DollarTP)
	assert.Equal(t, "tok", p.Token)
	require.Len(t, p.MultipleAccounts, 2)
	assert.Equal(t, 1.0, p.MultipleAccounts[0].QuantityMultiplier)
	assert.Equal(t, 2.0, p.MultipleAccounts[1].QuantityMultiplier)
	assert.NotEmpty(t, p.ClientRef)
}

func TestClientRefWhenNoBrokerID(t *testing.T) {
	wh := &webhook{body: `{"message":"ok"}`}
	g, _ := newTestGateway(t, wh, nil)

	res, err := g.ExecuteSignal(context.Background(), Order{Symbol: "ES", Action: ActionSell, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, wh.payloads[0].ClientRef, res.OrderID)
}

func TestRejectionTripsBreaker(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"permission text in 200", http.StatusOK, `{"message":"USER HAS NO PERMISSION"}`},
		{"plain text body", http.StatusOK, `Error: account expired`},
		{"explicit failure", http.StatusOK, `{"success":false,"message":"queued"}`},
		{"http error", http.StatusBadGateway, `upstream`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := events.NewBus()
			tripped, unsub := bus.Subscribe(events.EventGatewayTripped, 1)
			defer unsub()

			wh := &webhook{status: tt.status, body: tt.body}
			g, now := newTestGateway(t, wh, bus)

			res, err := g.ExecuteSignal(context.Background(), Order{Symbol: "ES", Action: ActionBuy, Quantity: 1})
			require.ErrorIs(t, err, ErrOrderRejected)
			assert.False(t, res.Success)
			assert.False(t, res.PickMyTradeAccepted)
			assert.Empty(t, res.OrderID)
			assert.False(t, g.Enabled())

			select {
			case evt := <-tripped:
				assert.Equal(t, "webhook rejection", evt.(events.GatewayTripped).Reason)
			case <-time.After(time.Second):
				t.Fatal("no trip event")
			}

			*now = now.Add(time.Hour)
			_, err = g.ExecuteSignal(context.Background(), Order{Symbol: "ES", Action: ActionBuy, Quantity: 1})
			assert.ErrorIs(t, err, ErrGatewayDisabled)
			assert.Equal(t, 1, wh.count(), "no further orders after a trip")
		})
	}
}

func TestTransportErrorTripsBreaker(t *testing.T) {
	g := New(Config{URL: "http://127.0.0.1:1/unreachable", Timeout: time.Second}, nil)
	_, err := g.ExecuteSignal(context.Background(), Order{Symbol: "ES", Action: ActionBuy, Quantity: 1})
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrOrderRejected)
	assert.False(t, g.Enabled())
	assert.Equal(t, "webhook transport error", g.Status().TripReason)
}

func TestMinTradeInterval(t *testing.T) {
	wh := &webhook{body: `{"message":"ok"}`}
	g, now := newTestGateway(t, wh, nil)
	ctx := context.Background()

	_, err := g.ExecuteSignal(ctx, Order{Symbol: "ES", Action: ActionBuy, Quantity: 1})
	require.NoError(t, err)

	*now = now.Add(10 * time.Second)
	res, err := g.ExecuteSignal(ctx, Order{Symbol: "ES", Action: ActionSell, Quantity: 1})
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Contains(t, res.Message, "20s")
	assert.True(t, g.Enabled(), "rate limiting does not trip the breaker")

	*now = now.Add(20 * time.Second)
	_, err = g.ExecuteSignal(ctx, Order{Symbol: "ES", Action: ActionSell, Quantity: 1})
	require.NoError(t, err)
	assert.Equal(t, 2, wh.count())
}

func TestQuantityClamp(t *testing.T) {
	wh := &webhook{body: `{"message":"ok"}`}
	g, now := newTestGateway(t, wh, nil)
	ctx := context.Background()

	res, err := g.ExecuteSignal(ctx, Order{Symbol: "ES", Action: ActionBuy, Quantity: 9})
	require.NoError(t, err)
	assert.Equal(t, 5, res.Quantity)
	assert.Equal(t, 5, wh.payloads[0].Quantity)

	*now = now.Add(time.Minute)
	_, err = g.ExecuteSignal(ctx, Order{Symbol: "ES", Action: ActionBuy, Quantity: 0})
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	// A rejected quantity does not consume the interval, and FLAT is exempt.
	_, err = g.ExecuteSignal(ctx, Order{Symbol: "ES", Action: ActionFlat})
	require.NoError(t, err)
	assert.Equal(t, ActionFlat, wh.payloads[1].Data)
	assert.Zero(t, wh.payloads[1].DollarSL)
}

func TestEmergencyStopAndEnable(t *testing.T) {
	wh := &webhook{body: `{"message":"ok"}`}
	g, _ := newTestGateway(t, wh, nil)
	ctx := context.Background()

	res, err := g.EmergencyStop(ctx, "trailing drawdown")
	require.NoError(t, err)
	assert.Equal(t, ActionFlat, res.Action)
	assert.False(t, g.Enabled())
	require.Equal(t, 1, wh.count())
	assert.Equal(t, "ESH5", wh.payloads[0].Symbol)

	_, err = g.Flatten(ctx, "ES")
	assert.ErrorIs(t, err, ErrGatewayDisabled)

	g.Enable()
	assert.True(t, g.Enabled())
	_, err = g.Flatten(ctx, "ES")
	require.NoError(t, err)

	s := g.Status()
	assert.Equal(t, 2, s.Sent)
	assert.Equal(t, 2, s.Accepted)
	assert.Empty(t, s.TripReason)
}

func TestDryRunSkipsWebhook(t *testing.T) {
	wh := &webhook{}
	g, _ := newTestGateway(t, wh, nil)
	g.cfg.DryRun = true

	res, err := g.ExecuteSignal(context.Background(), Order{Symbol: "ES", Action: ActionBuy, Quantity: 1})
	require.NoError(t, err)
	assert.True(t, res.PickMyTradeAccepted)
	assert.NotEmpty(t, res.OrderID)
	assert.Zero(t, wh.count())
}

func TestRejectionMatcher(t *testing.T) {
	m := NewRejectionMatcher(nil)
	for _, text := range []string{"USER HAS NO PERMISSION", "Invalid price", "Account is disabled", "ERROR"} {
		_, hit := m.Match(text)
		assert.True(t, hit, text)
	}
	_, hit := m.Match("Order received")
	assert.False(t, hit)

	custom := NewRejectionMatcher([]string{"  Halted "})
	phrase, hit := custom.Match("market HALTED")
	assert.True(t, hit)
	assert.Equal(t, "halted", phrase)
}

func TestParseAction(t *testing.T) {
	for in, want := range map[string]Action{"LONG": ActionBuy, "short": ActionSell, "EXIT": ActionFlat, "flat": ActionFlat} {
		got, ok := ParseAction(in)
		assert.True(t, ok)
		assert.Equal(t, want, got)
	}
	_, ok := ParseAction("hold")
	assert.False(t, ok)
}
