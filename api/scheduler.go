/*
scheduler.go - Automated deduction scheduler

PURPOSE:
  Periodically triggers the monthly deduction batch for the current date
  and sweeps stale pending mobile money debits.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Triggers the batch at most once per calendar date; the processor only
    picks rules whose run day matches, and members already deducted for
    (rule, date) are skipped, so a restart on the same day is harmless
  - Each tick also compensates withdrawals whose provider call never
    produced a reference (see withdrawal.Saga.CompensateStale)

CONFIGURATION:
  - CheckInterval: How often to check (default: 1 hour)
  - Enabled: Whether scheduler is active (default: true)

USAGE:
  scheduler := NewDeductionScheduler(processor, saga, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: RunDeductions endpoint (manual trigger)
  - deduction/processor.go: batch semantics
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/warp/savings-ledger/deduction"
	"github.com/warp/savings-ledger/ledger"
	"github.com/warp/savings-ledger/withdrawal"
)

// DeductionScheduler handles automated monthly deductions.
type DeductionScheduler struct {
	Processor     *deduction.Processor
	Saga          *withdrawal.Saga // optional
	CheckInterval time.Duration
	Enabled       bool
	Log           logrus.FieldLogger
	Now           func() time.Time

	ticker  *time.Ticker
	stop    chan bool
	wg      sync.WaitGroup
	mu      sync.Mutex
	runMu   sync.Mutex
	lastRun time.Time
}

// NewDeductionScheduler creates a new scheduler.
func NewDeductionScheduler(processor *deduction.Processor, saga *withdrawal.Saga, log logrus.FieldLogger) *DeductionScheduler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &DeductionScheduler{
		Processor:     processor,
		Saga:          saga,
		CheckInterval: 1 * time.Hour,
		Enabled:       true,
		Log:           log.WithField("component", "scheduler"),
		Now:           time.Now,
		stop:          make(chan bool),
	}
}

// Start begins the scheduler.
func (ds *DeductionScheduler) Start() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if !ds.Enabled {
		ds.Log.Info("Scheduler disabled, not starting")
		return
	}

	ds.ticker = time.NewTicker(ds.CheckInterval)
	ds.wg.Add(1)

	go ds.run()

	ds.Log.WithField("interval", ds.CheckInterval.String()).Info("Scheduler started")
}

// Stop stops the scheduler and waits for an in-flight check to finish.
func (ds *DeductionScheduler) Stop() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	if ds.ticker != nil {
		ds.ticker.Stop()
		close(ds.stop)
		ds.wg.Wait()
		ds.ticker = nil
		ds.Log.Info("Scheduler stopped")
	}
}

func (ds *DeductionScheduler) run() {
	defer ds.wg.Done()

	// Run immediately on start
	ds.checkAndProcess()

	for {
		select {
		case <-ds.ticker.C:
			ds.checkAndProcess()
		case <-ds.stop:
			return
		}
	}
}

func (ds *DeductionScheduler) checkAndProcess() {
	ds.runMu.Lock()
	defer ds.runMu.Unlock()

	ctx := context.Background()
	today := ledger.DateOnly(ds.Now())

	if ds.Saga != nil {
		n, err := ds.Saga.CompensateStale(ctx)
		if err != nil {
			ds.Log.WithError(err).Error("Stale withdrawal sweep failed")
		} else if n > 0 {
			ds.Log.WithField("compensated", n).Warn("Compensated stale pending withdrawals")
		}
	}

	if today.Equal(ds.lastRun) {
		return
	}

	summary, err := ds.Processor.Run(ctx, deduction.Trigger{Date: today})
	if err != nil {
		ds.Log.WithError(err).Error("Scheduled deduction run failed")
		return
	}
	ds.lastRun = today

	ds.Log.WithFields(logrus.Fields{
		"date":  today.Format(time.DateOnly),
		"rules": len(summary.Rules),
	}).Debug("Scheduled deduction check done")
}

// RunNow triggers an immediate check (for testing/admin).
func (ds *DeductionScheduler) RunNow() {
	ds.checkAndProcess()
}

// GetNextRunTime returns when the next scheduled check will occur.
func (ds *DeductionScheduler) GetNextRunTime() time.Time {
	return ds.Now().Add(ds.CheckInterval)
}
