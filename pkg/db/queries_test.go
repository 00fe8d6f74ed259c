package db

import (
	"context"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *Database {
	t.Helper()
	database, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("Failed to apply migrations: %v", err)
	}
	return database
}

func TestQueriesRequireOwnerID(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	t.Run("GetAccount requires ownerID", func(t *testing.T) {
		if _, err := q.GetAccount(ctx, "", "acct"); err != ErrOwnerRequired {
			t.Errorf("expected ErrOwnerRequired, got %v", err)
		}
	})

	t.Run("ListPositions requires ownerID", func(t *testing.T) {
		if _, err := q.ListPositions(ctx, "", "acct", FilterAll); err != ErrOwnerRequired {
			t.Errorf("expected ErrOwnerRequired, got %v", err)
		}
	})

	t.Run("ListTrades requires ownerID", func(t *testing.T) {
		if _, err := q.ListTrades(ctx, "", "acct", 10); err != ErrOwnerRequired {
			t.Errorf("expected ErrOwnerRequired, got %v", err)
		}
	})

	t.Run("KVGet requires ownerID", func(t *testing.T) {
		if _, err := q.KVGet(ctx, "", "k"); err != ErrOwnerRequired {
			t.Errorf("expected ErrOwnerRequired, got %v", err)
		}
	})
}

func TestPositionLifecycleAndIsolation(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	for _, owner := range []string{"alice", "bob"} {
		if err := q.CreateAccount(ctx, Account{ID: "acct", OwnerID: owner, Balance: 50000}); err != nil {
			t.Fatalf("CreateAccount(%s): %v", owner, err)
		}
	}

	stop := 95.0
	opened := time.Date(2025, 3, 3, 15, 0, 0, 0, time.UTC)
	pos := Position{
		ID: "pos-1", AccountID: "acct", OwnerID: "alice", Instrument: "ES", Side: SideLong,
		Quantity: 2, EntryPrice: 100, CurrentPrice: 100, StopLoss: &stop, PointValue: 1,
		Status: StatusOpen, StrategyID: "ema_cross", Regime: "TREND_WEAK_UP", OpenedAt: opened,
	}
	if err := q.InsertPosition(ctx, pos); err != nil {
		t.Fatalf("InsertPosition: %v", err)
	}

	if got, err := q.ListPositions(ctx, "bob", "acct", FilterAll); err != nil || len(got) != 0 {
		t.Fatalf("bob should see no positions, got %d (err=%v)", len(got), err)
	}

	open, err := q.ListPositions(ctx, "alice", "acct", FilterOpen)
	if err != nil {
		t.Fatalf("ListPositions: %v", err)
	}
	if len(open) != 1 || open[0].StopLoss == nil || *open[0].StopLoss != 95 || open[0].TakeProfit != nil {
		t.Fatalf("unexpected open positions: %+v", open)
	}

	closedAt := opened.Add(time.Hour)
	after := open[0]
	after.Quantity = 0
	after.Status = StatusClosed
	after.CloseReason = "Stop Loss"
	after.ClosedAt = &closedAt
	after.RealizedPnL = -10.5
	trade := Trade{
		ID: "tr-1", AccountID: "acct", OwnerID: "alice", PositionID: "pos-1", Instrument: "ES", Side: SideLong,
		Quantity: 2, EntryPrice: 100, ExitPrice: 95, Fees: 0.5, RealizedPnL: -10.5, Reason: "Stop Loss", CreatedAt: closedAt,
	}

	if err := q.ApplyClose(ctx, CloseUpdate{Position: after, PrevQuantity: 2, Trade: trade}); err != nil {
		t.Fatalf("ApplyClose: %v", err)
	}

	// Second close against the same snapshot must not apply twice.
	trade.ID = "tr-2"
	if err := q.ApplyClose(ctx, CloseUpdate{Position: after, PrevQuantity: 2, Trade: trade}); err != ErrStaleClose {
		t.Fatalf("expected ErrStaleClose on double close, got %v", err)
	}

	acct, err := q.GetAccount(ctx, "alice", "acct")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.Balance != 49989.5 || acct.LossCount != 1 || acct.TotalTrades != 1 || acct.WinCount != 0 {
		t.Fatalf("unexpected account after close: %+v", acct)
	}

	bobAcct, _ := q.GetAccount(ctx, "bob", "acct")
	if bobAcct.Balance != 50000 {
		t.Fatalf("bob's account must be untouched, got %.2f", bobAcct.Balance)
	}

	closed, err := q.ListPositions(ctx, "alice", "acct", FilterClosed)
	if err != nil || len(closed) != 1 {
		t.Fatalf("expected one closed position, got %d (err=%v)", len(closed), err)
	}
	if closed[0].Status != StatusClosed || closed[0].Quantity != 0 || closed[0].ClosedAt == nil {
		t.Fatalf("unexpected closed position: %+v", closed[0])
	}

	trades, err := q.ListTrades(ctx, "alice", "acct", 10)
	if err != nil || len(trades) != 1 {
		t.Fatalf("expected one trade, got %d (err=%v)", len(trades), err)
	}
}

func TestScanRejectsUnknownStatus(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	q := database.Queries()

	if err := q.CreateAccount(ctx, Account{ID: "acct", OwnerID: "alice", Balance: 1}); err != nil {
		t.Fatalf("CreateAccount: %v", err)
	}
	// The CHECK constraint blocks bad statuses on write; bypass it to simulate a legacy row.
	if _, err := database.DB.Exec(`PRAGMA ignore_check_constraints = ON`); err != nil {
		t.Fatalf("pragma: %v", err)
	}
	if _, err := database.DB.Exec(`
		INSERT INTO positions (id, account_id, owner_id, instrument, side, quantity, entry_price, current_price, status, opened_at)
		VALUES ('bad', 'acct', 'alice', 'ES', 'long', 1, 1, 1, 'pending', CURRENT_TIMESTAMP)
	`); err != nil {
		t.Fatalf("insert legacy row: %v", err)
	}

	if _, err := q.GetPosition(ctx, "alice", "bad"); err == nil {
		t.Fatal("expected unknown status to be rejected")
	}
}

func TestKVRoundTrip(t *testing.T) {
	q := newTestDB(t).Queries()
	ctx := context.Background()

	if _, err := q.KVGet(ctx, "alice", "learning-state"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := q.KVPut(ctx, "alice", "learning-state", []byte(`{"version":1}`)); err != nil {
		t.Fatalf("KVPut: %v", err)
	}
	if err := q.KVPut(ctx, "alice", "learning-state", []byte(`{"version":2}`)); err != nil {
		t.Fatalf("KVPut overwrite: %v", err)
	}
	got, err := q.KVGet(ctx, "alice", "learning-state")
	if err != nil || string(got) != `{"version":2}` {
		t.Fatalf("KVGet = %q, %v", got, err)
	}
	if _, err := q.KVGet(ctx, "bob", "learning-state"); err != ErrNotFound {
		t.Fatalf("bob must not read alice's key, got %v", err)
	}
	if err := q.KVDelete(ctx, "alice", "learning-state"); err != nil {
		t.Fatalf("KVDelete: %v", err)
	}
	if _, err := q.KVGet(ctx, "alice", "learning-state"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	database := newTestDB(t)
	if err := ApplyMigrations(database); err != nil {
		t.Fatalf("second ApplyMigrations: %v", err)
	}
	ok, err := columnExists(database.DB, "positions", "trailing_percent")
	if err != nil || !ok {
		t.Fatalf("trailing_percent column missing (err=%v)", err)
	}
}
