package learning

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"
)

// Request is what a validator judges: the candidate changes plus the evidence.
type Request struct {
	Changes []Change
	State   State
}

// Validator decides which pending weights may be promoted.
type Validator interface {
	Validate(ctx context.Context, req Request) ([]Result, error)
}

// SampleValidator passes a change only when the strategy has enough trades
// across all regimes and its overall win rate agrees with the direction of the change.
type SampleValidator struct {
	MinTrades int
}

func (v SampleValidator) Validate(_ context.Context, req Request) ([]Result, error) {
	out := make([]Result, 0, len(req.Changes))
	for _, c := range req.Changes {
		total := req.State.StrategyTotals(c.StrategyID)
		res := Result{StrategyID: c.StrategyID}
		switch {
		case total.Trades < v.MinTrades:
			res.Reason = fmt.Sprintf("%d trades, need %d", total.Trades, v.MinTrades)
		case c.Delta > 0 && total.WinRate() < 0.5:
			res.Reason = fmt.Sprintf("win rate %.2f does not support an increase", total.WinRate())
		case c.Delta < 0 && total.WinRate() >= 0.5:
			res.Reason = fmt.Sprintf("win rate %.2f does not support a decrease", total.WinRate())
		default:
			res.PassedValidation = true
			res.Reason = fmt.Sprintf("%d trades, win rate %.2f", total.Trades, total.WinRate())
		}
		out = append(out, res)
	}
	return out, nil
}

// ValidateMethod is the unary method served by the remote Monte-Carlo validator.
const ValidateMethod = "/propfirm.validation.v1.Validator/Validate"

// GRPCValidator asks a remote Monte-Carlo service for verdicts. Request and
// response are google.protobuf.Struct documents:
//
//	request:  {changes: [{strategy_id, active, pending, delta, trades, wins, total_pnl}]}
//	response: {results: [{strategy_id, passed, reason}]}
type GRPCValidator struct {
	conn    *grpc.ClientConn
	timeout time.Duration
}

// NewGRPCValidator connects lazily to addr without transport security.
func NewGRPCValidator(addr string, timeout time.Duration) (*GRPCValidator, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("validator client %s: %w", addr, err)
	}
	return NewGRPCValidatorConn(conn, timeout), nil
}

// NewGRPCValidatorConn wraps an existing connection.
func NewGRPCValidatorConn(conn *grpc.ClientConn, timeout time.Duration) *GRPCValidator {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &GRPCValidator{conn: conn, timeout: timeout}
}

func (v *GRPCValidator) Close() error {
	if v.conn == nil {
		return nil
	}
	return v.conn.Close()
}

func (v *GRPCValidator) Validate(ctx context.Context, req Request) ([]Result, error) {
	changes := make([]any, 0, len(req.Changes))
	for _, c := range req.Changes {
		total := req.State.StrategyTotals(c.StrategyID)
		changes = append(changes, map[string]any{
			"strategy_id": c.StrategyID,
			"active":      c.Active,
			"pending":     c.Pending,
			"delta":       c.Delta,
			"trades":      total.Trades,
			"wins":        total.Wins,
			"total_pnl":   total.TotalPnL,
		})
	}
	in, err := structpb.NewStruct(map[string]any{"changes": changes})
	if err != nil {
		return nil, fmt.Errorf("encode validation request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	out := &structpb.Struct{}
	if err := v.conn.Invoke(ctx, ValidateMethod, in, out); err != nil {
		return nil, fmt.Errorf("remote validation: %w", err)
	}
	return decodeResults(out)
}

func decodeResults(s *structpb.Struct) ([]Result, error) {
	list := s.GetFields()["results"].GetListValue()
	if list == nil {
		return nil, fmt.Errorf("validation response missing results")
	}
	out := make([]Result, 0, len(list.GetValues()))
	for _, v := range list.GetValues() {
		f := v.GetStructValue().GetFields()
		id := f["strategy_id"].GetStringValue()
		if id == "" {
			return nil, fmt.Errorf("validation result without strategy_id")
		}
		out = append(out, Result{
			StrategyID:       id,
			PassedValidation: f["passed"].GetBoolValue(),
			Reason:           f["reason"].GetStringValue(),
		})
	}
	return out, nil
}
