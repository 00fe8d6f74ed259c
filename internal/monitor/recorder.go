package monitor

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"propfirm-core/internal/events"
)

// Recorder exports trading metrics to Prometheus.
type Recorder struct {
	signals          *prometheus.CounterVec
	orders           *prometheus.CounterVec
	gatewayTrips     prometheus.Counter
	riskLevel        prometheus.Gauge
	balance          prometheus.Gauge
	trailingDrawdown prometheus.Gauge
	tradesClosed     *prometheus.CounterVec
	requestDuration  prometheus.Histogram
}

// NewRecorder creates the collectors and registers them with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propfirm_signals_total",
			Help: "Signals generated, by strategy.",
		}, []string{"strategy"}),
		orders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propfirm_orders_total",
			Help: "Webhook orders, by result.",
		}, []string{"result"}),
		gatewayTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "propfirm_gateway_trips_total",
			Help: "Circuit breaker trips.",
		}),
		riskLevel: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propfirm_risk_level",
			Help: "Risk level: 0 safe, 1 caution, 2 warning, 3 danger, 4 critical.",
		}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propfirm_balance",
			Help: "Current balance including open P&L.",
		}),
		trailingDrawdown: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "propfirm_trailing_drawdown",
			Help: "Trailing drawdown floor.",
		}),
		tradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "propfirm_trades_closed_total",
			Help: "Closed trades, by exit reason.",
		}, []string{"reason"}),
		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "propfirm_api_request_duration_seconds",
			Help:    "HTTP API request latency.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(r.signals, r.orders, r.gatewayTrips, r.riskLevel, r.balance,
		r.trailingDrawdown, r.tradesClosed, r.requestDuration)
	return r
}

var riskLevels = map[string]float64{"safe": 0, "caution": 1, "warning": 2, "danger": 3, "critical": 4}

// ObserveRequest records one API request duration.
func (r *Recorder) ObserveRequest(d time.Duration) {
	r.requestDuration.Observe(d.Seconds())
}

// Observe applies one bus event to the metrics.
func (r *Recorder) Observe(e events.Event, payload any) {
	switch e {
	case events.EventSignal:
		if s, ok := payload.(events.SignalGenerated); ok {
			r.signals.WithLabelValues(s.StrategyID).Inc()
		}
	case events.EventOrderAccepted:
		r.orders.WithLabelValues("accepted").Inc()
	case events.EventOrderRejected:
		r.orders.WithLabelValues("rejected").Inc()
	case events.EventGatewayTripped:
		r.gatewayTrips.Inc()
	case events.EventTradeClosed:
		if t, ok := payload.(events.TradeClosed); ok {
			r.tradesClosed.WithLabelValues(t.Reason).Inc()
		}
	case events.EventRiskState:
		if s, ok := payload.(events.RiskStateChanged); ok {
			r.riskLevel.Set(riskLevels[s.RiskLevel])
			r.balance.Set(s.Balance)
			r.trailingDrawdown.Set(s.TrailingDrawdown)
		}
	}
}

// Start feeds bus events into the metrics until ctx is done.
func (r *Recorder) Start(ctx context.Context, bus *events.Bus) {
	stream, unsub := bus.SubscribeMany([]events.Event{
		events.EventSignal, events.EventOrderAccepted, events.EventOrderRejected,
		events.EventGatewayTripped, events.EventTradeClosed, events.EventRiskState,
	}, 256)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				r.Observe(env.Event, env.Payload)
			}
		}
	}()
}
