package reporting

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"dca-engine/internal/ledger"
)

func reportBot() *ledger.Bot {
	start := time.Date(2025, 2, 1, 10, 0, 0, 0, time.UTC)
	return &ledger.Bot{
		ID:     "7f3c2a10-bot",
		Status: ledger.BotStatusActive,
		Config: ledger.BotConfig{Symbol: "BTC/USD", ReEntryCount: 5},
		CycleNumber:       3,
		CurrentEntryCount: 1,
		TotalInvested:     50,
		AverageEntryPrice: 50000,
		PreviousCycles: []ledger.CycleSummary{
			{CycleNumber: 1, StartTime: start, EndTime: start.Add(48 * time.Hour), Invested: 100, Recovered: 104, RealizedPnL: 4},
			{CycleNumber: 2, StartTime: start.Add(72 * time.Hour), EndTime: start.Add(120 * time.Hour), Invested: 150, Recovered: 147, RealizedPnL: -3},
		},
	}
}

func TestRenderCycles(t *testing.T) {
	var buf bytes.Buffer
	RenderCycles(&buf, reportBot())

	out := buf.String()
	assert.Contains(t, out, "BTC/USD cycles")
	assert.Contains(t, out, "104.00")
	assert.Contains(t, out, "-3.00")
	assert.Contains(t, out, "Total")
	assert.Contains(t, out, "1.00") // total pnl 4 - 3
}

func TestRenderBots(t *testing.T) {
	var buf bytes.Buffer
	RenderBots(&buf, []*ledger.Bot{reportBot()})

	out := buf.String()
	assert.Contains(t, out, "7f3c2a10")
	assert.Contains(t, out, "BTC/USD")
	assert.Contains(t, out, "1/5")
	assert.Contains(t, out, "active")
}

func TestRenderEntries(t *testing.T) {
	var buf bytes.Buffer
	bot := reportBot()
	RenderEntries(&buf, bot, []*ledger.Entry{
		{EntryNumber: 1, Timestamp: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC), Status: ledger.EntryStatusFilled, Price: 50000, Quantity: 0.001, OrderAmount: 50},
	})

	out := buf.String()
	assert.Contains(t, out, "cycle 3 entries")
	assert.Contains(t, out, "0.00100000")
	assert.Contains(t, out, "filled")
}

func TestExportCyclesExcel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cycles.xlsx")
	require.NoError(t, ExportCyclesExcel(path, []*ledger.Bot{reportBot()}))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	rows, err := f.GetRows(cyclesSheet)
	require.NoError(t, err)
	require.Len(t, rows, 3) // header + two cycles
	assert.Equal(t, "Bot", rows[0][0])
	assert.Equal(t, "BTC/USD", rows[1][1])
}
