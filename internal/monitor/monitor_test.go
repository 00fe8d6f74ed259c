package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"propfirm-core/internal/events"
)

type alertServer struct {
	mu     sync.Mutex
	alerts []map[string]any
}

func (s *alertServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	_ = json.NewDecoder(r.Body).Decode(&body)
	s.mu.Lock()
	s.alerts = append(s.alerts, body)
	s.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (s *alertServer) received() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.alerts...)
}

func TestWebhookSinkCooldownPerCode(t *testing.T) {
	srv := &alertServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	sink := NewWebhookSink(ts.URL, 5*time.Minute)
	now := time.Date(2025, 3, 4, 15, 0, 0, 0, time.UTC)
	sink.now = func() time.Time { return now }
	ctx := context.Background()

	assert.True(t, sink.Send(ctx, Alert{Text: "breach", Type: "violation", code: "TRAILING DRAWDOWN BREACHED"}))
	assert.False(t, sink.Send(ctx, Alert{Text: "breach again", Type: "violation", code: "TRAILING DRAWDOWN BREACHED"}))
	assert.True(t, sink.Send(ctx, Alert{Text: "daily", Type: "violation", code: "DAILY LOSS LIMIT REACHED"}))

	now = now.Add(6 * time.Minute)
	assert.True(t, sink.Send(ctx, Alert{Text: "breach later", Type: "violation", code: "TRAILING DRAWDOWN BREACHED"}))

	got := srv.received()
	require.Len(t, got, 3)
	assert.Equal(t, "breach", got[0]["text"])
	assert.NotEmpty(t, got[0]["timestamp"])
}

func TestWebhookSinkSwallowsFailures(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	sink := NewWebhookSink(ts.URL, time.Minute)
	assert.False(t, sink.Send(context.Background(), Alert{Text: "x", Type: "warning"}))
	assert.False(t, NewWebhookSink("", time.Minute).Send(context.Background(), Alert{Text: "x"}))
}

func TestMonitorForwardsRiskAlerts(t *testing.T) {
	srv := &alertServer{}
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	bus := events.NewBus()
	m := &Monitor{Bus: bus, Sink: NewWebhookSink(ts.URL, time.Minute)}
	m.Start(ctx)

	bus.Publish(events.EventRiskState, events.RiskStateChanged{RiskLevel: "critical", Balance: 47999})
	bus.Publish(events.EventRiskViolation, events.RiskAlert{Code: "TRAILING DRAWDOWN BREACHED", Message: "balance below floor"})
	bus.Publish(events.EventGatewayTripped, events.GatewayTripped{Reason: "webhook rejection", Message: "USER HAS NO PERMISSION"})

	require.Eventually(t, func() bool { return len(srv.received()) == 2 }, 2*time.Second, 10*time.Millisecond)
	got := srv.received()
	assert.Equal(t, "violation", got[0]["type"])
	assert.Contains(t, got[0]["text"], "TRAILING DRAWDOWN BREACHED")
	state, ok := got[0]["riskState"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "critical", state["risk_level"])
	assert.Equal(t, "gateway", got[1]["type"])
}

func TestRecorderObservesEvents(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := NewRecorder(reg)

	r.Observe(events.EventSignal, events.SignalGenerated{StrategyID: "ema_cross"})
	r.Observe(events.EventOrderAccepted, events.OrderResult{Success: true})
	r.Observe(events.EventOrderRejected, events.OrderResult{})
	r.Observe(events.EventGatewayTripped, events.GatewayTripped{})
	r.Observe(events.EventTradeClosed, events.TradeClosed{Reason: "Stop Loss"})
	r.Observe(events.EventRiskState, events.RiskStateChanged{RiskLevel: "danger", Balance: 48300, TrailingDrawdown: 48000})
	r.ObserveRequest(20 * time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(r.signals.WithLabelValues("ema_cross")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.orders.WithLabelValues("accepted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.orders.WithLabelValues("rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.gatewayTrips))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.tradesClosed.WithLabelValues("Stop Loss")))
	assert.Equal(t, 3.0, testutil.ToFloat64(r.riskLevel))
	assert.Equal(t, 48300.0, testutil.ToFloat64(r.balance))
	assert.Equal(t, 48000.0, testutil.ToFloat64(r.trailingDrawdown))

	n, err := testutil.GatherAndCount(reg, "propfirm_api_request_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
