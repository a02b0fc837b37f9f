/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the savings-group ledger server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env files and environment configuration
  2. Apply command-line flag overrides
  3. Open the store (sqlite, postgres or memory)
  4. Build the ledger engine, batch processor, MoPay client and saga
  5. Configure HTTP router and start the deduction scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -port       HTTP server port (default: $PORT or 8080)
  -driver     sqlite | postgres | memory (default: $DB_DRIVER or sqlite)
  -db         SQLite database path (default: $DB_PATH or ledger.db)
              Use ":memory:" for an in-memory SQLite database
  -scheduler  Run the daily deduction scheduler (default: $SCHEDULER_ENABLED)

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (waits for an in-flight batch)
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

ENVIRONMENT:
  See config/config.go for the full list of variables.

SEE ALSO:
  - api/server.go: Router configuration
  - api/scheduler.go: Deduction scheduler
  - cmd/deductions: One-shot batch runner
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/savings-ledger/api"
	"github.com/warp/savings-ledger/config"
	"github.com/warp/savings-ledger/deduction"
	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/logging"
	"github.com/warp/savings-ledger/metrics"
	"github.com/warp/savings-ledger/provider/mopay"
	"github.com/warp/savings-ledger/store"
	"github.com/warp/savings-ledger/withdrawal"
)

func main() {
	bootLog := logging.New("info", "text")
	config.LoadEnv(bootLog)

	cfg, err := config.Load()
	if err != nil {
		bootLog.WithError(err).Fatal("Invalid configuration")
	}

	// Flags
	port := flag.String("port", cfg.Port, "HTTP server port")
	driver := flag.String("driver", cfg.DBDriver, "Store driver: sqlite, postgres or memory")
	dbPath := flag.String("db", cfg.DBPath, "SQLite database path")
	scheduler := flag.Bool("scheduler", cfg.SchedulerEnabled, "Run the daily deduction scheduler")
	flag.Parse()
	cfg.Port, cfg.DBDriver, cfg.DBPath, cfg.SchedulerEnabled = *port, *driver, *dbPath, *scheduler
	if err := cfg.Validate(); err != nil {
		bootLog.WithError(err).Fatal("Invalid configuration")
	}

	log := logging.NewWithService("savings-ledger", cfg.LogLevel, cfg.LogFormat)

	// Initialize store
	st, closeStore, err := store.Open(context.Background(), cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer closeStore()

	collector := metrics.New(nil)

	engine := ledger.NewEngine(st,
		ledger.WithMaxRetries(cfg.LedgerMaxRetries),
		ledger.WithLogger(log),
		ledger.WithObserver(collector),
	)
	processor := deduction.NewProcessor(engine,
		deduction.WithLogger(log),
		deduction.WithRecorder(collector),
		deduction.WithConcurrency(cfg.DeductionConcurrency),
	)

	var saga *withdrawal.Saga
	if cfg.MoPayAPIToken == "" {
		log.Warn("MOPAY_API_TOKEN not set; mobile money withdrawals disabled")
	} else {
		client := mopay.NewClient(mopay.Config{
			BaseURL:    cfg.MoPayBaseURL,
			APIToken:   cfg.MoPayAPIToken,
			Timeout:    cfg.MoPayTimeout,
			MaxRetries: cfg.MoPayMaxRetries,
		}, mopay.WithLogger(log))
		saga = withdrawal.NewSaga(engine, client,
			withdrawal.WithLogger(log),
			withdrawal.WithRecorder(collector),
			withdrawal.WithMinAmount(cfg.WithdrawalMinAmount),
			withdrawal.WithCurrency(cfg.Currency),
			withdrawal.WithCallbackURL(cfg.CallbackURL),
			withdrawal.WithStaleAfter(cfg.StaleWithdrawalAfter),
		)
	}

	// Initialize handler
	handler := api.NewHandler(api.Handler{
		Engine:    engine,
		Processor: processor,
		Saga:      saga,
		Metrics:   collector,
		Log:       log,
		Currency:  cfg.Currency,
	})

	// Create router
	router := api.NewRouter(handler)

	// Start scheduler
	sched := api.NewDeductionScheduler(processor, saga, log)
	sched.CheckInterval = cfg.SchedulerInterval
	sched.Enabled = cfg.SchedulerEnabled
	sched.Start()

	// Create server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Infof("Server starting on http://localhost:%s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Server failed")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down server...")
	sched.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.WithError(err).Error("Server forced to shutdown")
		return
	}

	log.Info("Server stopped")
}
