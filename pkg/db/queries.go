// Package db provides owner-isolated persistence for accounts, positions, trades and key-value state.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrOwnerRequired = errors.New("owner_id is required for data isolation")
	ErrNotFound      = errors.New("record not found")
	// ErrStaleClose means the position changed (or closed) between read and close.
	ErrStaleClose = errors.New("position already closed or modified")
)

// Queries provides owner-isolated database queries.
type Queries struct {
	db *sql.DB
}

// Queries returns the query set bound to this database.
func (d *Database) Queries() *Queries {
	return &Queries{db: d.DB}
}

// ----------------------------------------
// Account Queries
// ----------------------------------------

// GetAccount loads one account.
func (q *Queries) GetAccount(ctx context.Context, ownerID, id string) (*Account, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	var a Account
	err := q.db.QueryRowContext(ctx, `
		SELECT id, owner_id, balance, realized_pnl, win_count, loss_count, total_trades, created_at, updated_at
		FROM accounts
		WHERE id = ? AND owner_id = ?
	`, id, ownerID).Scan(&a.ID, &a.OwnerID, &a.Balance, &a.RealizedPnL, &a.WinCount, &a.LossCount, &a.TotalTrades, &a.CreatedAt, &a.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query account: %w", err)
	}
	return &a, nil
}

// CreateAccount inserts an account if it does not exist yet.
func (q *Queries) CreateAccount(ctx context.Context, a Account) error {
	if a.OwnerID == "" {
		return ErrOwnerRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO accounts (id, owner_id, balance, realized_pnl, win_count, loss_count, total_trades, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id, owner_id) DO NOTHING
	`, a.ID, a.OwnerID, a.Balance, a.RealizedPnL, a.WinCount, a.LossCount, a.TotalTrades)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// ResetAccount restores the balance and zeroes counters for a fresh evaluation.
func (q *Queries) ResetAccount(ctx context.Context, ownerID, id string, balance float64) error {
	if ownerID == "" {
		return ErrOwnerRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE accounts
		SET balance = ?, realized_pnl = 0, win_count = 0, loss_count = 0, total_trades = 0, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_id = ?
	`, balance, id, ownerID)
	if err != nil {
		return fmt.Errorf("reset account: %w", err)
	}
	return nil
}

// ----------------------------------------
// Position Queries
// ----------------------------------------

const positionColumns = `
	id, account_id, owner_id, instrument, side, quantity, entry_price, current_price,
	stop_loss, take_profit, trailing_stop, highest_price, lowest_price, trailing_percent, point_value,
	unrealized_pnl, realized_pnl, status, COALESCE(close_reason, ''), COALESCE(strategy_id, ''), COALESCE(regime, ''),
	opened_at, closed_at, updated_at`

// InsertPosition stores a newly opened position.
func (q *Queries) InsertPosition(ctx context.Context, p Position) error {
	if p.OwnerID == "" {
		return ErrOwnerRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO positions (
			id, account_id, owner_id, instrument, side, quantity, entry_price, current_price,
			stop_loss, take_profit, trailing_stop, highest_price, lowest_price, trailing_percent, point_value,
			unrealized_pnl, realized_pnl, status, strategy_id, regime, opened_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`,
		p.ID, p.AccountID, p.OwnerID, p.Instrument, string(p.Side), p.Quantity, p.EntryPrice, p.CurrentPrice,
		nullFloat(p.StopLoss), nullFloat(p.TakeProfit), nullFloat(p.TrailingStop), nullFloat(p.HighestPrice), nullFloat(p.LowestPrice),
		p.TrailingPercent, p.PointValue, p.UnrealizedPnL, p.RealizedPnL, string(p.Status), p.StrategyID, p.Regime, p.OpenedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert position: %w", err)
	}
	return nil
}

// UpdatePositionMarks patches the mark-to-market fields of an open position.
func (q *Queries) UpdatePositionMarks(ctx context.Context, p Position) error {
	if p.OwnerID == "" {
		return ErrOwnerRequired
	}
	_, err := q.db.ExecContext(ctx, `
		UPDATE positions
		SET current_price = ?, unrealized_pnl = ?, trailing_stop = ?, highest_price = ?, lowest_price = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_id = ? AND status = 'open'
	`, p.CurrentPrice, p.UnrealizedPnL, nullFloat(p.TrailingStop), nullFloat(p.HighestPrice), nullFloat(p.LowestPrice), p.ID, p.OwnerID)
	if err != nil {
		return fmt.Errorf("update position marks: %w", err)
	}
	return nil
}

// GetPosition loads one position by id.
func (q *Queries) GetPosition(ctx context.Context, ownerID, id string) (*Position, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	row := q.db.QueryRowContext(ctx, `SELECT `+positionColumns+` FROM positions WHERE id = ? AND owner_id = ?`, id, ownerID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListPositions returns an account's positions filtered by status, oldest first.
func (q *Queries) ListPositions(ctx context.Context, ownerID, accountID string, filter StatusFilter) ([]Position, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}

	query := `SELECT ` + positionColumns + ` FROM positions WHERE owner_id = ? AND account_id = ?`
	args := []any{ownerID, accountID}
	switch filter {
	case FilterOpen, FilterClosed:
		query += ` AND status = ?`
		args = append(args, string(filter))
	case FilterAll, "":
	default:
		return nil, fmt.Errorf("unknown status filter %q", filter)
	}
	query += ` ORDER BY opened_at, id`

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query positions: %w", err)
	}
	defer rows.Close()

	var positions []Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

// scanPosition validates side and status at the persistence boundary.
func scanPosition(s scanner) (*Position, error) {
	var (
		p                                    Position
		side, status                         string
		stop, target, trail, highest, lowest sql.NullFloat64
		closedAt                             sql.NullTime
	)
	err := s.Scan(
		&p.ID, &p.AccountID, &p.OwnerID, &p.Instrument, &side, &p.Quantity, &p.EntryPrice, &p.CurrentPrice,
		&stop, &target, &trail, &highest, &lowest, &p.TrailingPercent, &p.PointValue,
		&p.UnrealizedPnL, &p.RealizedPnL, &status, &p.CloseReason, &p.StrategyID, &p.Regime,
		&p.OpenedAt, &closedAt, &p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan position: %w", err)
	}
	if p.Side, err = ParseSide(side); err != nil {
		return nil, err
	}
	if p.Status, err = ParseStatus(status); err != nil {
		return nil, err
	}
	p.StopLoss = floatPtr(stop)
	p.TakeProfit = floatPtr(target)
	p.TrailingStop = floatPtr(trail)
	p.HighestPrice = floatPtr(highest)
	p.LowestPrice = floatPtr(lowest)
	if closedAt.Valid {
		t := closedAt.Time
		p.ClosedAt = &t
	}
	return &p, nil
}

// ----------------------------------------
// Close
// ----------------------------------------

// CloseUpdate is everything a single close event writes.
type CloseUpdate struct {
	Position     Position // state after the close
	PrevQuantity float64  // quantity the close was computed against
	Trade        Trade
}

// ApplyClose writes the position patch, the trade row and the account counters in one transaction.
// It returns ErrStaleClose when the position is no longer open with PrevQuantity.
func (q *Queries) ApplyClose(ctx context.Context, u CloseUpdate) error {
	p := u.Position
	if p.OwnerID == "" {
		return ErrOwnerRequired
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin close tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE positions
		SET quantity = ?, current_price = ?, unrealized_pnl = ?, realized_pnl = ?, status = ?,
		    close_reason = ?, closed_at = ?, trailing_stop = ?, highest_price = ?, lowest_price = ?,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_id = ? AND status = 'open' AND quantity = ?
	`,
		p.Quantity, p.CurrentPrice, p.UnrealizedPnL, p.RealizedPnL, string(p.Status),
		nullString(p.CloseReason), nullTime(p.ClosedAt), nullFloat(p.TrailingStop), nullFloat(p.HighestPrice), nullFloat(p.LowestPrice),
		p.ID, p.OwnerID, u.PrevQuantity,
	)
	if err != nil {
		return fmt.Errorf("update position on close: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return fmt.Errorf("rows affected: %w", err)
	} else if n == 0 {
		return ErrStaleClose
	}

	t := u.Trade
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trades (
			id, account_id, owner_id, position_id, instrument, side, quantity, entry_price, exit_price,
			fees, realized_pnl, reason, strategy_id, regime, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.AccountID, t.OwnerID, t.PositionID, t.Instrument, string(t.Side), t.Quantity, t.EntryPrice, t.ExitPrice,
		t.Fees, t.RealizedPnL, t.Reason, t.StrategyID, t.Regime, t.CreatedAt.UTC(),
	); err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}

	win, loss := 0, 1
	if t.Win() {
		win, loss = 1, 0
	}
	res, err = tx.ExecContext(ctx, `
		UPDATE accounts
		SET balance = balance + ?, realized_pnl = realized_pnl + ?,
		    win_count = win_count + ?, loss_count = loss_count + ?, total_trades = total_trades + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND owner_id = ?
	`, t.RealizedPnL, t.RealizedPnL, win, loss, t.AccountID, t.OwnerID)
	if err != nil {
		return fmt.Errorf("update account on close: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("account %s: %w", t.AccountID, ErrNotFound)
	}

	return tx.Commit()
}

// ----------------------------------------
// Trade Queries
// ----------------------------------------

// ListTrades returns an account's trades, newest first.
func (q *Queries) ListTrades(ctx context.Context, ownerID, accountID string, limit int) ([]Trade, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	if limit <= 0 {
		limit = 100
	}

	rows, err := q.db.QueryContext(ctx, `
		SELECT id, account_id, owner_id, position_id, instrument, side, quantity, entry_price, exit_price,
		       fees, realized_pnl, COALESCE(reason, ''), COALESCE(strategy_id, ''), COALESCE(regime, ''), created_at
		FROM trades
		WHERE owner_id = ? AND account_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, ownerID, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("query trades: %w", err)
	}
	defer rows.Close()

	var trades []Trade
	for rows.Next() {
		var (
			t    Trade
			side string
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.OwnerID, &t.PositionID, &t.Instrument, &side, &t.Quantity,
			&t.EntryPrice, &t.ExitPrice, &t.Fees, &t.RealizedPnL, &t.Reason, &t.StrategyID, &t.Regime, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		if t.Side, err = ParseSide(side); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// ----------------------------------------
// Key-value Queries
// ----------------------------------------

// KVGet returns the raw value stored under (owner, key).
func (q *Queries) KVGet(ctx context.Context, ownerID, key string) ([]byte, error) {
	if ownerID == "" {
		return nil, ErrOwnerRequired
	}
	var val []byte
	err := q.db.QueryRowContext(ctx, `SELECT value FROM kv_store WHERE owner_id = ? AND key = ?`, ownerID, key).Scan(&val)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query kv %s: %w", key, err)
	}
	return val, nil
}

// KVPut upserts a value.
func (q *Queries) KVPut(ctx context.Context, ownerID, key string, value []byte) error {
	if ownerID == "" {
		return ErrOwnerRequired
	}
	_, err := q.db.ExecContext(ctx, `
		INSERT INTO kv_store (owner_id, key, value, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(owner_id, key) DO UPDATE SET
			value = excluded.value,
			updated_at = CURRENT_TIMESTAMP
	`, ownerID, key, value)
	if err != nil {
		return fmt.Errorf("upsert kv %s: %w", key, err)
	}
	return nil
}

// KVDelete removes a key; deleting a missing key is not an error.
func (q *Queries) KVDelete(ctx context.Context, ownerID, key string) error {
	if ownerID == "" {
		return ErrOwnerRequired
	}
	if _, err := q.db.ExecContext(ctx, `DELETE FROM kv_store WHERE owner_id = ? AND key = ?`, ownerID, key); err != nil {
		return fmt.Errorf("delete kv %s: %w", key, err)
	}
	return nil
}

// ----------------------------------------
// Audit
// ----------------------------------------

// InsertAuditEventQuery is the statement used by batched audit writers.
const InsertAuditEventQuery = `INSERT INTO audit_events (event, payload, created_at) VALUES (?, ?, ?)`

// CountAuditEvents returns how many audit rows exist for an event name (all when empty).
func (q *Queries) CountAuditEvents(ctx context.Context, event string) (int, error) {
	query := `SELECT COUNT(*) FROM audit_events`
	var args []any
	if event = strings.TrimSpace(event); event != "" {
		query += ` WHERE event = ?`
		args = append(args, event)
	}
	var n int
	if err := q.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audit events: %w", err)
	}
	return n, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
