package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"propfirm-core/pkg/logger"
)

// Alert is the body POSTed to the alert webhook.
type Alert struct {
	Text      string    `json:"text"`
	Type      string    `json:"type"`
	RiskState any       `json:"riskState,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	code      string
}

// WebhookSink posts alerts, dropping repeats of one code inside the cooldown.
// Delivery is best-effort: failures are logged and swallowed.
type WebhookSink struct {
	url      string
	cooldown time.Duration
	client   *http.Client

	mu   sync.Mutex
	last map[string]time.Time
	now  func() time.Time
}

func NewWebhookSink(url string, cooldown time.Duration) *WebhookSink {
	return &WebhookSink{
		url:      url,
		cooldown: cooldown,
		client:   &http.Client{Timeout: 5 * time.Second},
		last:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Send delivers a and reports whether it was posted.
func (s *WebhookSink) Send(ctx context.Context, a Alert) bool {
	if s == nil || s.url == "" {
		return false
	}
	key := a.code
	if key == "" {
		key = a.Type + ":" + a.Text
	}

	s.mu.Lock()
	now := s.now()
	if t, ok := s.last[key]; ok && now.Sub(t) < s.cooldown {
		s.mu.Unlock()
		return false
	}
	s.last[key] = now
	s.mu.Unlock()

	if a.Timestamp.IsZero() {
		a.Timestamp = now.UTC()
	}
	if err := s.post(ctx, a); err != nil {
		logger.S().Warnw("alert webhook failed", "type", a.Type, "error", err)
		return false
	}
	return true
}

func (s *WebhookSink) post(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("alert webhook status %d", resp.StatusCode)
	}
	return nil
}
