// Command report prints the bots and their closed cycles from the ledger,
// and optionally exports the cycles to an Excel workbook.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"cloud.google.com/go/firestore"
	"github.com/joho/godotenv"

	"dca-engine/internal/config"
	"dca-engine/internal/ledger"
	"dca-engine/pkg/reporting"
)

func main() {
	xlsxPath := flag.String("xlsx", "", "also export cycles to this .xlsx file")
	cyclesFor := flag.String("cycles", "", "print the cycle history of one bot id")
	flag.Parse()

	if err := run(*xlsxPath, *cyclesFor); err != nil {
		fmt.Fprintf(os.Stderr, "report: %v\n", err)
		os.Exit(1)
	}
}

func run(xlsxPath, cyclesFor string) error {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cfg.Ledger.Backend != "firestore" {
		return fmt.Errorf("reporting needs the firestore ledger backend, configured backend is %q", cfg.Ledger.Backend)
	}

	ctx := context.Background()
	client, err := firestore.NewClient(ctx, cfg.Ledger.FirestoreProject)
	if err != nil {
		return fmt.Errorf("connecting to firestore: %w", err)
	}
	defer client.Close()
	store := ledger.NewFirestoreStore(client, nil)

	var bots []*ledger.Bot
	for _, status := range []ledger.BotStatus{
		ledger.BotStatusActive,
		ledger.BotStatusPaused,
		ledger.BotStatusExiting,
		ledger.BotStatusCompleted,
		ledger.BotStatusStopped,
	} {
		batch, err := store.ListBotsByStatus(ctx, status)
		if err != nil {
			return fmt.Errorf("listing %s bots: %w", status, err)
		}
		bots = append(bots, batch...)
	}

	if cyclesFor != "" {
		bot, err := store.GetBot(ctx, cyclesFor)
		if err != nil {
			return fmt.Errorf("loading bot %s: %w", cyclesFor, err)
		}
		reporting.RenderCycles(os.Stdout, bot)

		entries, err := store.ListEntries(ctx, bot.ID, bot.CycleID)
		if err != nil {
			return fmt.Errorf("loading entries: %w", err)
		}
		reporting.RenderEntries(os.Stdout, bot, entries)
		return nil
	}

	reporting.RenderBots(os.Stdout, bots)

	if xlsxPath != "" {
		if err := reporting.ExportCyclesExcel(xlsxPath, bots); err != nil {
			return err
		}
		fmt.Printf("cycles exported to %s\n", xlsxPath)
	}
	return nil
}
