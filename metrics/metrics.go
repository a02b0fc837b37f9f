/*
Package metrics exposes Prometheus counters for the ledger, the deduction
batch and the withdrawal saga.

Collector implements ledger.Observer so the Engine reports every Apply
without importing Prometheus. All methods are safe on a nil *Collector,
which lets tests and the CLI run without metrics.
*/
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warp/savings-ledger/ledger"
)

const namespace = "savings_ledger"

type Collector struct {
	registry *prometheus.Registry

	ledgerOps        *prometheus.CounterVec
	ledgerRetries    prometheus.Counter
	deductionResults *prometheus.CounterVec
	deductionRuns    *prometheus.HistogramVec
	sagaTransitions  *prometheus.CounterVec
	compensations    *prometheus.CounterVec
	callbacks        *prometheus.CounterVec
	providerCalls    *prometheus.HistogramVec
}

var _ ledger.Observer = (*Collector)(nil)

// New registers all collectors on reg. A nil reg gets a fresh registry.
func New(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		registry: reg,
		ledgerOps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ledger_operations_total",
				Help:      "Ledger writes by type, direction and result, counted once the unit commits or rolls back",
			},
			[]string{"type", "direction", "result"},
		),
		ledgerRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_conflict_retries_total",
			Help:      "Atomic units re-run after a lost compare-and-swap",
		}),
		deductionResults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deduction_outcomes_total",
				Help:      "Deduction outcome log rows by status",
			},
			[]string{"status"},
		),
		deductionRuns: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deduction_run_duration_seconds",
				Help:      "Duration of one deduction batch run",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"forced"},
		),
		sagaTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "withdrawal_saga_transitions_total",
				Help:      "Withdrawal saga state transitions",
			},
			[]string{"state"},
		),
		compensations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "withdrawal_compensations_total",
				Help:      "Compensating credits by trigger",
			},
			[]string{"reason"},
		),
		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "provider_callbacks_total",
				Help:      "Provider callbacks by result",
			},
			[]string{"result"},
		),
		providerCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "provider_request_duration_seconds",
				Help:      "Payment provider initiate latency",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"},
		),
	}
	reg.MustRegister(
		c.ledgerOps,
		c.ledgerRetries,
		c.deductionResults,
		c.deductionRuns,
		c.sagaTransitions,
		c.compensations,
		c.callbacks,
		c.providerCalls,
	)
	return c
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// =============================================================================
// LEDGER
// =============================================================================

func (c *Collector) LedgerApplied(txType ledger.TxType, dir ledger.Direction, err error) {
	if c == nil {
		return
	}
	c.ledgerOps.WithLabelValues(string(txType), string(dir), Result(err)).Inc()
}

func (c *Collector) LedgerRetried() {
	if c == nil {
		return
	}
	c.ledgerRetries.Inc()
}

// =============================================================================
// DEDUCTIONS
// =============================================================================

func (c *Collector) DeductionOutcome(status ledger.OutcomeStatus) {
	if c == nil {
		return
	}
	c.deductionResults.WithLabelValues(string(status)).Inc()
}

func (c *Collector) DeductionRun(forced bool, took time.Duration) {
	if c == nil {
		return
	}
	label := "false"
	if forced {
		label = "true"
	}
	c.deductionRuns.WithLabelValues(label).Observe(took.Seconds())
}

// =============================================================================
// WITHDRAWAL SAGA
// =============================================================================

func (c *Collector) SagaTransition(state string) {
	if c == nil {
		return
	}
	c.sagaTransitions.WithLabelValues(state).Inc()
}

func (c *Collector) Compensated(reason string) {
	if c == nil {
		return
	}
	c.compensations.WithLabelValues(reason).Inc()
}

func (c *Collector) Callback(result string) {
	if c == nil {
		return
	}
	c.callbacks.WithLabelValues(result).Inc()
}

func (c *Collector) ProviderCall(err error, took time.Duration) {
	if c == nil {
		return
	}
	c.providerCalls.WithLabelValues(Result(err)).Observe(took.Seconds())
}

// Result maps an error to a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	case errors.Is(err, ledger.ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ledger.ErrConcurrentUpdateConflict):
		return "conflict"
	case errors.Is(err, ledger.ErrWalletInactive):
		return "wallet_inactive"
	case ledger.IsNotFound(err):
		return "not_found"
	case errors.Is(err, ledger.ErrProviderRejected):
		return "rejected"
	case errors.Is(err, ledger.ErrProviderUnavailable):
		return "unavailable"
	default:
		return "error"
	}
}
