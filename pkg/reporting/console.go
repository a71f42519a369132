// Package reporting renders bot and cycle reports for operators: console
// tables for quick inspection and Excel workbooks for bookkeeping.
package reporting

import (
	"fmt"
	"io"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"dca-engine/internal/ledger"
)

// RenderBots writes an overview table of the given bots.
func RenderBots(w io.Writer, bots []*ledger.Bot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Bot", "Symbol", "Status", "Cycle", "Entries", "Invested", "Avg Price", "Realized PnL"})

	for _, bot := range bots {
		realized := 0.0
		for _, cycle := range bot.PreviousCycles {
			realized += cycle.RealizedPnL
		}
		t.AppendRow(table.Row{
			shortID(bot.ID),
			bot.Config.Symbol,
			bot.Status,
			bot.CycleNumber,
			fmt.Sprintf("%d/%d", bot.CurrentEntryCount, bot.Config.ReEntryCount),
			money(bot.TotalInvested),
			money(bot.AverageEntryPrice),
			money(realized),
		})
	}
	t.Render()
}

// RenderCycles writes one bot's closed cycles with a totals footer.
func RenderCycles(w io.Writer, bot *ledger.Bot) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s cycles", bot.Config.Symbol))
	t.AppendHeader(table.Row{"#", "Started", "Ended", "Invested", "Recovered", "PnL", "Return"})
	t.SetColumnConfigs([]table.ColumnConfig{
		{Number: 6, Align: text.AlignRight},
		{Number: 7, Align: text.AlignRight},
	})

	var invested, recovered, pnl float64
	for _, cycle := range bot.PreviousCycles {
		invested += cycle.Invested
		recovered += cycle.Recovered
		pnl += cycle.RealizedPnL
		t.AppendRow(table.Row{
			cycle.CycleNumber,
			cycle.StartTime.Format("2006-01-02 15:04"),
			cycle.EndTime.Format("2006-01-02 15:04"),
			money(cycle.Invested),
			money(cycle.Recovered),
			money(cycle.RealizedPnL),
			percent(cycle.RealizedPnL, cycle.Invested),
		})
	}
	t.AppendFooter(table.Row{"", "", "Total", money(invested), money(recovered), money(pnl), percent(pnl, invested)})
	t.Render()
}

// RenderEntries writes the current cycle's entries.
func RenderEntries(w io.Writer, bot *ledger.Bot, entries []*ledger.Entry) {
	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.SetTitle(fmt.Sprintf("%s cycle %d entries", bot.Config.Symbol, bot.CycleNumber))
	t.AppendHeader(table.Row{"#", "Time", "Status", "Price", "Quantity", "Spent"})

	for _, entry := range entries {
		t.AppendRow(table.Row{
			entry.EntryNumber,
			entry.Timestamp.Format("2006-01-02 15:04"),
			entry.Status,
			money(entry.Price),
			fmt.Sprintf("%.8f", entry.Quantity),
			money(entry.OrderAmount),
		})
	}
	t.Render()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func money(v float64) string {
	return fmt.Sprintf("%.2f", v)
}

func percent(part, whole float64) string {
	if whole == 0 {
		return "-"
	}
	return fmt.Sprintf("%+.2f%%", part/whole*100)
}
