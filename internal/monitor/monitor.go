package monitor

import (
	"context"
	"fmt"
	"sync"

	"propfirm-core/internal/events"
	"propfirm-core/pkg/logger"
)

// Monitor turns risk and gateway events into operator alerts.
type Monitor struct {
	Bus  *events.Bus
	Sink *WebhookSink

	mu    sync.Mutex
	state *events.RiskStateChanged
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		logger.S().Infow("alert monitor not configured, skipping")
		return
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{
		events.EventRiskState, events.EventRiskViolation, events.EventRiskWarning, events.EventGatewayTripped,
	}, 50)
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
				if a, ok := m.alertFor(env.Event, env.Payload); ok {
					m.Sink.Send(ctx, a)
				}
			}
		}
	}()
}

func (m *Monitor) alertFor(e events.Event, payload any) (Alert, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch p := payload.(type) {
	case events.RiskStateChanged:
		m.state = &p
		return Alert{}, false
	case events.RiskAlert:
		kind := "violation"
		if e == events.EventRiskWarning {
			kind = "warning"
		}
		return Alert{
			Text:      fmt.Sprintf("%s: %s", p.Code, p.Message),
			Type:      kind,
			RiskState: m.riskState(),
			Timestamp: p.Time,
			code:      p.Code,
		}, true
	case events.GatewayTripped:
		return Alert{
			Text:      fmt.Sprintf("gateway disabled (%s): %s", p.Reason, p.Message),
			Type:      "gateway",
			RiskState: m.riskState(),
			Timestamp: p.Time,
			code:      "GATEWAY TRIPPED",
		}, true
	}
	return Alert{}, false
}

func (m *Monitor) riskState() any {
	if m.state == nil {
		return nil
	}
	s := *m.state
	return s
}
