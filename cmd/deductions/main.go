/*
main.go - One-shot monthly deduction runner

PURPOSE:
  Runs the deduction batch once and exits. Intended for cron or for
  operators re-running a day by hand.

COMMAND-LINE FLAGS:
  -date    Scheduled date, YYYY-MM-DD (default: today, UTC)
  -force   Run every active rule regardless of its run day
  -driver  sqlite | postgres | memory (default: $DB_DRIVER or sqlite)
  -db      SQLite database path (default: $DB_PATH or ledger.db)

EXIT STATUS:
  0 when the run completed (individual member failures are reported in
  the summary and the outcome log), 1 when the run could not start.

EXAMPLES:
  ./deductions
  ./deductions -date=2025-03-01 -force
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/savings-ledger/config"
	"github.com/warp/savings-ledger/deduction"
	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/logging"
	"github.com/warp/savings-ledger/store"
)

func main() {
	bootLog := logging.New("info", "text")
	config.LoadEnv(bootLog)

	cfg, err := config.Load()
	if err != nil {
		bootLog.WithError(err).Fatal("Invalid configuration")
	}

	date := flag.String("date", "", "Scheduled date (YYYY-MM-DD), default today")
	force := flag.Bool("force", false, "Run all active rules regardless of run day")
	driver := flag.String("driver", cfg.DBDriver, "Store driver: sqlite, postgres or memory")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	flag.Parse()
	cfg.DBDriver, cfg.DBPath = *driver, *dbPath
	if err := cfg.Validate(); err != nil {
		bootLog.WithError(err).Fatal("Invalid configuration")
	}

	log := logging.NewWithService("savings-deductions", cfg.LogLevel, cfg.LogFormat)

	when := time.Now().UTC()
	if *date != "" {
		when, err = time.Parse(time.DateOnly, *date)
		if err != nil {
			log.WithError(err).Fatal("Invalid -date, want YYYY-MM-DD")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, closeStore, err := store.Open(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer closeStore()

	engine := ledger.NewEngine(st, ledger.WithMaxRetries(cfg.LedgerMaxRetries), ledger.WithLogger(log))
	processor := deduction.NewProcessor(engine,
		deduction.WithLogger(log),
		deduction.WithConcurrency(cfg.DeductionConcurrency),
	)

	summary, err := processor.Run(ctx, deduction.Trigger{Date: when, Force: *force})
	if err != nil {
		log.WithError(err).Error("Deduction run failed")
		closeStore()
		os.Exit(1)
	}

	printSummary(summary)
}

func printSummary(s deduction.Summary) {
	if len(s.Rules) == 0 {
		fmt.Printf("No deductions scheduled for %s\n", s.Date.Format(time.DateOnly))
		return
	}
	for _, r := range s.Rules {
		line := fmt.Sprintf("%-30s processed=%d success=%d partial=%d insufficient=%d skipped=%d failed=%d deducted=%s",
			r.Name, r.Counts.Processed, r.Counts.Success, r.Counts.Partial, r.Counts.Insufficient,
			r.Counts.Skipped, r.Counts.Failed, ledger.FormatMoney(r.Counts.Deducted))
		if r.Err != nil {
			line += " error=" + r.Err.Error()
		}
		fmt.Println(line)
	}
	t := s.Totals
	fmt.Printf("TOTAL %s forced=%t processed=%d success=%d partial=%d insufficient=%d skipped=%d failed=%d deducted=%s\n",
		s.Date.Format(time.DateOnly), s.Forced, t.Processed, t.Success, t.Partial, t.Insufficient, t.Skipped, t.Failed,
		ledger.FormatMoney(t.Deducted))
}
