package reporting

import (
	"fmt"

	"github.com/xuri/excelize/v2"

	"dca-engine/internal/ledger"
)

const cyclesSheet = "Cycles"

// ExportCyclesExcel writes every bot's closed cycles into one workbook,
// one row per cycle, and saves it at path.
func ExportCyclesExcel(path string, bots []*ledger.Bot) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(cyclesSheet)
	if err != nil {
		return fmt.Errorf("create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return fmt.Errorf("drop default sheet: %w", err)
	}

	headers := []string{"Bot", "Symbol", "Cycle", "Started", "Ended", "Invested", "Recovered", "Realized PnL", "Return %"}
	for col, h := range headers {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(cyclesSheet, cell, h); err != nil {
			return err
		}
	}

	row := 2
	for _, bot := range bots {
		for _, cycle := range bot.PreviousCycles {
			ret := 0.0
			if cycle.Invested > 0 {
				ret = cycle.RealizedPnL / cycle.Invested * 100
			}
			values := []interface{}{
				bot.ID,
				bot.Config.Symbol,
				cycle.CycleNumber,
				cycle.StartTime.Format("2006-01-02 15:04:05"),
				cycle.EndTime.Format("2006-01-02 15:04:05"),
				cycle.Invested,
				cycle.Recovered,
				cycle.RealizedPnL,
				ret,
			}
			for col, v := range values {
				cell, err := excelize.CoordinatesToCellName(col+1, row)
				if err != nil {
					return err
				}
				if err := f.SetCellValue(cyclesSheet, cell, v); err != nil {
					return err
				}
			}
			row++
		}
	}

	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	return nil
}
