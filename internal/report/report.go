// Package report renders the operator summary printed by the -report flag.
package report

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"propfirm-core/internal/learning"
	"propfirm-core/internal/risk"
	"propfirm-core/pkg/db"
)

// Input is everything the report shows.
type Input struct {
	Account   *db.Account
	Risk      risk.State
	Positions []db.Position
	Trades    []db.Trade
	Learning  learning.State
}

// Render writes every section to w.
func Render(w io.Writer, in Input) error {
	sections := []table.Writer{
		accountTable(in.Account, in.Risk),
		positionsTable(in.Positions),
		tradesTable(in.Trades),
		weightsTable(in.Learning),
	}
	for _, t := range sections {
		if _, err := fmt.Fprintln(w, t.Render()); err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w); err != nil {
			return err
		}
	}
	return nil
}

func newTable(title string) table.Writer {
	t := table.NewWriter()
	t.SetTitle(title)
	t.SetStyle(table.StyleLight)
	t.Style().Title.Align = text.AlignLeft
	return t
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func accountTable(acct *db.Account, s risk.State) table.Writer {
	t := newTable("Account")
	t.AppendHeader(table.Row{"Field", "Value"})
	if acct != nil {
		t.AppendRows([]table.Row{
			{"Account", acct.ID},
			{"Ledger balance", money(acct.Balance)},
			{"Realized P&L", money(acct.RealizedPnL)},
			{"Wins / losses", fmt.Sprintf("%d / %d", acct.WinCount, acct.LossCount)},
		})
	}
	violations := "none"
	if len(s.Violations) > 0 {
		violations = strings.Join(s.Violations, ", ")
	}
	t.AppendSeparator()
	t.AppendRows([]table.Row{
		{"Balance incl. open", money(s.CurrentBalance)},
		{"High-water mark", money(s.HighWaterMark)},
		{"Trailing drawdown", money(s.TrailingDrawdown)},
		{"Distance to drawdown", money(s.DistanceToDrawdown)},
		{"Daily P&L", money(s.DailyPnL)},
		{"Contracts", fmt.Sprintf("%d / %d", s.TotalContracts, s.MaxContractsAllowed)},
		{"Risk level", strings.ToUpper(string(s.RiskLevel))},
		{"Trading allowed", s.IsTradingAllowed},
		{"Violations", violations},
		{"Trading days", s.TradingDaysCount},
	})
	return t
}

func positionsTable(positions []db.Position) table.Writer {
	t := newTable("Open positions")
	t.AppendHeader(table.Row{"Instrument", "Side", "Qty", "Entry", "Mark", "Stop", "Target", "Unrealized", "Strategy"})
	var total float64
	for _, p := range positions {
		t.AppendRow(table.Row{
			p.Instrument, p.Side, p.Quantity, p.EntryPrice, p.CurrentPrice,
			optional(p.StopLoss), optional(p.TakeProfit), money(p.UnrealizedPnL), p.StrategyID,
		})
		total += p.UnrealizedPnL
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", money(total), ""})
	return t
}

func tradesTable(trades []db.Trade) table.Writer {
	t := newTable("Recent trades")
	t.AppendHeader(table.Row{"Closed", "Instrument", "Side", "Qty", "Entry", "Exit", "Fees", "P&L", "Reason"})
	var total float64
	for _, tr := range trades {
		t.AppendRow(table.Row{
			tr.CreatedAt.Format("2006-01-02 15:04"), tr.Instrument, tr.Side, tr.Quantity,
			tr.EntryPrice, tr.ExitPrice, money(tr.Fees), money(tr.RealizedPnL), tr.Reason,
		})
		total += tr.RealizedPnL
	}
	t.AppendFooter(table.Row{"", "", "", "", "", "", "Total", money(total), ""})
	return t
}

func weightsTable(s learning.State) table.Writer {
	t := newTable(fmt.Sprintf("Strategy weights (phase %s)", s.Phase))
	t.AppendHeader(table.Row{"Strategy", "Active", "Pending", "Trades", "Win rate"})
	ids := make([]string, 0, len(s.StrategyWeights))
	for id := range s.StrategyWeights {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	for _, id := range ids {
		b := s.StrategyTotals(id)
		t.AppendRow(table.Row{
			id,
			fmt.Sprintf("%.3f", s.StrategyWeights[id]),
			fmt.Sprintf("%.3f", s.PendingWeights[id]),
			b.Trades,
			fmt.Sprintf("%.0f%%", b.WinRate()*100),
		})
	}
	return t
}

func optional(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%.2f", *v)
}
