// Package gateway forwards validated orders to the broker webhook under a
// fail-closed circuit breaker.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jxskiss/base62"
	"golang.org/x/time/rate"

	"propfirm-core/internal/events"
	"propfirm-core/internal/market"
	"propfirm-core/pkg/logger"
)

var (
	ErrGatewayDisabled = errors.New("trading disabled")
	ErrRateLimited     = errors.New("minimum trade interval not elapsed")
	ErrInvalidQuantity = errors.New("resolved quantity below 1")
	ErrOrderRejected   = errors.New("order rejected by webhook")
)

// SubAccount is a routing target duplicated into every payload.
type SubAccount struct {
	AccountID  string
	Token      string
	Multiplier float64
}

// Config configures the webhook gateway.
type Config struct {
	URL               string
	Token             string
	Platform          string
	SubAccounts       []SubAccount
	Timeout           time.Duration
	MinTradeInterval  time.Duration
	MaxQuantity       int
	DefaultInstrument string
	RejectionPhrases  []string
	Catalog           market.Catalog
	// DryRun accepts orders locally without calling the webhook.
	DryRun bool
}

// Result is the outcome of one webhook send. PickMyTradeAccepted means the
// webhook took the order; broker fills are never confirmed.
type Result struct {
	Success             bool      `json:"success"`
	OrderID             string    `json:"order_id,omitempty"`
	Message             string    `json:"message"`
	PickMyTradeAccepted bool      `json:"pickMyTradeAccepted"`
	RithmicConfirmed    bool      `json:"rithmicConfirmed"`
	Symbol              string    `json:"symbol"`
	Action              Action    `json:"action"`
	Quantity            int       `json:"quantity"`
	Time                time.Time `json:"time"`
}

// Status is the operator view of the gateway.
type Status struct {
	Enabled      bool      `json:"enabled"`
	DryRun       bool      `json:"dry_run"`
	TripReason   string    `json:"trip_reason,omitempty"`
	TrippedAt    time.Time `json:"tripped_at,omitempty"`
	Sent         int       `json:"sent"`
	Accepted     int       `json:"accepted"`
	Rejected     int       `json:"rejected"`
	LastResult   *Result   `json:"last_result,omitempty"`
	NextTradeIn  string    `json:"next_trade_in,omitempty"`
	SubAccounts  int       `json:"sub_accounts"`
	WebhookHost  string    `json:"webhook_host,omitempty"`
	MaxQuantity  int       `json:"max_quantity"`
	MinInterval  string    `json:"min_interval"`
	LastTradeAt  time.Time `json:"last_trade_at,omitempty"`
	Instrument   string    `json:"default_instrument"`
	RejectPhrase string    `json:"reject_phrase,omitempty"`
}

// Gateway is safe for concurrent use; sends are serialized.
type Gateway struct {
	mu      sync.Mutex
	sendMu  sync.Mutex
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	matcher *RejectionMatcher
	bus     *events.Bus
	now     func() time.Time

	enabled      bool
	tripReason   string
	trippedAt    time.Time
	rejectPhrase string
	sent         int
	accepted     int
	rejected     int
	last         *Result
	lastTradeAt  time.Time
}

// New returns an enabled gateway.
func New(cfg Config, bus *events.Bus) *Gateway {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	limit := rate.Inf
	if cfg.MinTradeInterval > 0 {
		limit = rate.Every(cfg.MinTradeInterval)
	}
	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, 1),
		matcher: NewRejectionMatcher(cfg.RejectionPhrases),
		bus:     bus,
		now:     time.Now,
		enabled: true,
	}
}

// ExecuteSignal runs the pre-flight checks and sends o to the webhook.
// A rejection or transport failure trips the breaker.
func (g *Gateway) ExecuteSignal(ctx context.Context, o Order) (Result, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	now := g.now()
	res := Result{Symbol: o.Symbol, Action: o.Action, Time: now.UTC()}

	g.mu.Lock()
	enabled := g.enabled
	g.mu.Unlock()
	if !enabled {
		res.Message = ErrGatewayDisabled.Error()
		return res, ErrGatewayDisabled
	}

	r := g.limiter.ReserveN(now, 1)
	if wait := r.DelayFrom(now); wait > 0 {
		r.CancelAt(now)
		res.Message = fmt.Sprintf("rate limited, retry in %s", wait.Round(time.Second))
		return res, fmt.Errorf("%w: retry in %s", ErrRateLimited, wait.Round(time.Second))
	}

	qty := o.Quantity
	if g.cfg.MaxQuantity > 0 && qty > g.cfg.MaxQuantity {
		logger.S().Warnw("order quantity clamped", "symbol", o.Symbol, "requested", qty, "max", g.cfg.MaxQuantity)
		qty = g.cfg.MaxQuantity
	}
	if qty < 1 && o.Action != ActionFlat {
		r.CancelAt(now)
		res.Message = ErrInvalidQuantity.Error()
		return res, ErrInvalidQuantity
	}
	o.Quantity = qty
	res.Quantity = qty

	return g.send(ctx, o, res)
}

// Flatten sends a FLAT for symbol. It skips the rate limit but not the breaker.
func (g *Gateway) Flatten(ctx context.Context, symbol string) (Result, error) {
	g.sendMu.Lock()
	defer g.sendMu.Unlock()

	res := Result{Symbol: symbol, Action: ActionFlat, Time: g.now().UTC()}
	g.mu.Lock()
	enabled := g.enabled
	g.mu.Unlock()
	if !enabled {
		res.Message = ErrGatewayDisabled.Error()
		return res, ErrGatewayDisabled
	}
	return g.send(ctx, Order{Symbol: symbol, Action: ActionFlat}, res)
}

// EmergencyStop disables the gateway and sends FLAT for the default
// instrument, bypassing every pre-flight check.
func (g *Gateway) EmergencyStop(ctx context.Context, reason string) (Result, error) {
	now := g.now().UTC()
	if g.disable("emergency stop") && g.bus != nil {
		g.bus.Publish(events.EventGatewayTripped, events.GatewayTripped{Reason: "emergency stop", Message: reason, Time: now})
	}
	logger.S().Errorw("emergency stop", "reason", reason, "instrument", g.cfg.DefaultInstrument)
	if g.cfg.DefaultInstrument == "" {
		return Result{Action: ActionFlat, Time: now, Message: "no default instrument"}, nil
	}

	g.sendMu.Lock()
	defer g.sendMu.Unlock()
	o := Order{Symbol: g.cfg.DefaultInstrument, Action: ActionFlat}
	res, err := g.post(ctx, o, Result{Symbol: o.Symbol, Action: ActionFlat, Time: now})
	g.record(res)
	return res, err
}

// Enable re-arms the breaker after operator review.
func (g *Gateway) Enable() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		logger.S().Warnw("gateway re-enabled by operator", "previous_trip", g.tripReason)
	}
	g.enabled = true
	g.tripReason = ""
	g.rejectPhrase = ""
	g.trippedAt = time.Time{}
}

// Enabled reports whether orders may be sent.
func (g *Gateway) Enabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.enabled
}

// Status returns a snapshot for operators.
func (g *Gateway) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()

	s := Status{
		Enabled:      g.enabled,
		DryRun:       g.cfg.DryRun,
		TripReason:   g.tripReason,
		TrippedAt:    g.trippedAt,
		Sent:         g.sent,
		Accepted:     g.accepted,
		Rejected:     g.rejected,
		SubAccounts:  len(g.cfg.SubAccounts),
		MaxQuantity:  g.cfg.MaxQuantity,
		MinInterval:  g.cfg.MinTradeInterval.String(),
		LastTradeAt:  g.lastTradeAt,
		Instrument:   g.cfg.DefaultInstrument,
		RejectPhrase: g.rejectPhrase,
	}
	if g.last != nil {
		last := *g.last
		s.LastResult = &last
	}
	if g.cfg.URL != "" {
		if i := strings.Index(g.cfg.URL, "://"); i >= 0 {
			s.WebhookHost = strings.SplitN(g.cfg.URL[i+3:], "/", 2)[0]
		}
	}
	if !g.lastTradeAt.IsZero() && g.cfg.MinTradeInterval > 0 {
		if left := g.cfg.MinTradeInterval - g.now().Sub(g.lastTradeAt); left > 0 {
			s.NextTradeIn = left.Round(time.Second).String()
		}
	}
	return s
}

func (g *Gateway) send(ctx context.Context, o Order, res Result) (Result, error) {
	res, err := g.post(ctx, o, res)
	g.record(res)
	if err != nil {
		g.trip(err, res.Message)
		return res, err
	}
	return res, nil
}

// post delivers o and classifies the response. It never touches breaker state.
func (g *Gateway) post(ctx context.Context, o Order, res Result) (Result, error) {
	inst := g.cfg.Catalog.Lookup(o.Symbol)
	contract := inst.Contract
	if contract == "" {
		contract = inst.Symbol
	}
	id := uuid.New()
	ref := base62.EncodeToString(id[:])
	payload := g.buildPayload(o, contract, ref, inst.PointValue, res.Time)

	if g.cfg.DryRun {
		res.Success = true
		res.PickMyTradeAccepted = true
		res.OrderID = ref
		res.Message = "dry run: order not sent"
		logger.S().Infow("dry run order", "symbol", contract, "action", o.Action, "quantity", o.Quantity, "ref", ref)
		return res, nil
	}

	body, err := json.Marshal(payload)
	if err != nil {
		res.Message = err.Error()
		return res, fmt.Errorf("marshal payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.URL, bytes.NewReader(body))
	if err != nil {
		res.Message = err.Error()
		return res, fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		res.Message = err.Error()
		logger.S().Errorw("webhook send failed", "symbol", contract, "action", o.Action, "error", err)
		return res, fmt.Errorf("webhook send: %w", err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	msg, orderID, explicitFail := parseResponse(raw)
	res.Message = msg
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		logger.S().Errorw("webhook returned error status", "status", resp.StatusCode, "body", msg)
		return res, fmt.Errorf("%w: http %d: %s", ErrOrderRejected, resp.StatusCode, msg)
	}
	if explicitFail {
		return res, fmt.Errorf("%w: %s", ErrOrderRejected, msg)
	}
	if phrase, hit := g.matcher.Match(msg); hit {
		g.mu.Lock()
		g.rejectPhrase = phrase
		g.mu.Unlock()
		logger.S().Errorw("webhook rejected order", "symbol", contract, "action", o.Action, "phrase", phrase, "message", msg)
		return res, fmt.Errorf("%w: %s", ErrOrderRejected, msg)
	}

	res.Success = true
	res.PickMyTradeAccepted = true
	res.RithmicConfirmed = false
	res.OrderID = orderID
	if res.OrderID == "" {
		res.OrderID = ref
	}
	logger.S().Infow("order accepted by webhook",
		"symbol", contract, "action", o.Action, "quantity", o.Quantity, "order_id", res.OrderID, "sub_accounts", len(payload.MultipleAccounts))
	return res, nil
}

// parseResponse extracts the text to scan. Non-JSON bodies are scanned raw.
func parseResponse(raw []byte) (msg, orderID string, explicitFail bool) {
	var body struct {
		Success *bool  `json:"success"`
		Message string `json:"message"`
		Error   string `json:"error"`
		OrderID string `json:"order_id"`
		ID      string `json:"id"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return strings.TrimSpace(string(raw)), "", false
	}
	msg = body.Message
	if body.Error != "" {
		msg = strings.TrimSpace(msg + " " + body.Error)
	}
	orderID = body.OrderID
	if orderID == "" {
		orderID = body.ID
	}
	return msg, orderID, body.Success != nil && !*body.Success
}

func (g *Gateway) record(res Result) {
	g.mu.Lock()
	g.sent++
	if res.Success {
		g.accepted++
		g.lastTradeAt = res.Time
	} else {
		g.rejected++
	}
	r := res
	g.last = &r
	g.mu.Unlock()

	if g.bus == nil {
		return
	}
	evt := events.OrderResult{
		Symbol: res.Symbol, Action: string(res.Action), Quantity: res.Quantity,
		OrderID: res.OrderID, Success: res.Success, Message: res.Message, Time: res.Time,
	}
	if res.Success {
		g.bus.Publish(events.EventOrderAccepted, evt)
	} else {
		g.bus.Publish(events.EventOrderRejected, evt)
	}
}

func (g *Gateway) trip(cause error, msg string) {
	reason := "webhook rejection"
	if !errors.Is(cause, ErrOrderRejected) {
		reason = "webhook transport error"
	}
	if g.disable(reason) && g.bus != nil {
		g.bus.Publish(events.EventGatewayTripped, events.GatewayTripped{Reason: reason, Message: msg, Time: g.now().UTC()})
	}
}

// disable opens the breaker and reports whether it was closed before.
func (g *Gateway) disable(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.enabled {
		return false
	}
	g.enabled = false
	g.tripReason = reason
	g.trippedAt = g.now().UTC()
	logger.S().Errorw("gateway disabled, operator re-enable required", "reason", reason)
	return true
}
