// Package telemetry holds the Prometheus metrics surface for all components.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds every Prometheus collector the platform exports.
type Metrics struct {
	// Market data
	RatesIngested      *prometheus.CounterVec
	RatesRejected      *prometheus.CounterVec
	SnapshotsPublished prometheus.Counter
	ReconcileConflicts prometheus.Counter
	SourceHealth       *prometheus.GaugeVec

	// Detection
	OpportunitiesDetected prometheus.Counter
	OpportunitiesExpired  *prometheus.CounterVec
	UOSScore              *prometheus.HistogramVec

	// Execution
	ExecutionsTotal  *prometheus.CounterVec
	RollbacksTotal   *prometheus.CounterVec
	ExecutionLatency prometheus.Histogram

	// Positions
	PositionsOpen     prometheus.Gauge
	PositionsClosed   *prometheus.CounterVec
	OrphansAdopted    prometheus.Counter
	ReconcileActions  *prometheus.CounterVec

	// Capital and risk
	PoolBalance         *prometheus.GaugeVec
	ActiveCoins         prometheus.Gauge
	AutoUnwinds         prometheus.Counter
	CircuitBreakerState prometheus.Gauge
	TradeRejections     *prometheus.CounterVec

	// Adapters
	AdapterRequests    *prometheus.CounterVec
	AdapterErrors      *prometheus.CounterVec
	AdapterHealthy     *prometheus.GaugeVec
	AdapterReliability *prometheus.GaugeVec
}

// NewMetrics builds and registers all collectors on the given registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RatesIngested: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_funding_rates_ingested_total",
			Help: "Funding rate observations accepted, by exchange and source",
		}, []string{"exchange", "source"}),

		RatesRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_funding_rates_rejected_total",
			Help: "Funding rate observations dropped by validation, by reason",
		}, []string{"reason"}),

		SnapshotsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perparb_snapshots_published_total",
			Help: "Unified funding snapshots published",
		}),

		ReconcileConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perparb_reconciliation_conflicts_total",
			Help: "Primary vs reference disagreements above the conflict threshold",
		}),

		SourceHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perparb_source_health",
			Help: "Data source health (0=disconnected, 1=stale, 2=degraded, 3=healthy)",
		}, []string{"source"}),

		OpportunitiesDetected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perparb_opportunities_detected_total",
			Help: "New opportunities created by the detector",
		}),

		OpportunitiesExpired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_opportunities_expired_total",
			Help: "Opportunities expired, by reason",
		}, []string{"reason"}),

		UOSScore: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perparb_uos_score",
			Help:    "Distribution of computed UOS scores",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 75, 80, 90, 100},
		}, []string{"quality"}),

		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_executions_total",
			Help: "Execution attempts, by result",
		}, []string{"result"}),

		RollbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_rollbacks_total",
			Help: "Primary-leg rollbacks after hedge failure, by result",
		}, []string{"result"}),

		ExecutionLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "perparb_execution_duration_seconds",
			Help:    "End-to-end duration of two-leg executions",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60},
		}),

		PositionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perparb_positions_open",
			Help: "Currently active positions",
		}),

		PositionsClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_positions_closed_total",
			Help: "Positions closed, by exit reason",
		}, []string{"exit_reason"}),

		OrphansAdopted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perparb_orphans_adopted_total",
			Help: "Exchange positions adopted into tracked positions",
		}),

		ReconcileActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_position_reconcile_actions_total",
			Help: "Reconciliation differences found, by kind",
		}, []string{"kind"}),

		PoolBalance: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perparb_capital_pool_usd",
			Help: "Capital pool totals in USD",
		}, []string{"pool"}),

		ActiveCoins: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perparb_active_coins",
			Help: "Distinct symbols with non-terminal allocations or positions",
		}),

		AutoUnwinds: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "perparb_auto_unwinds_total",
			Help: "Positions closed by the concurrent-coin cap enforcer",
		}),

		CircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "perparb_circuit_breaker_active",
			Help: "1 when the trading circuit breaker is active",
		}),

		TradeRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_trade_rejections_total",
			Help: "Pre-trade validation rejections, by rule",
		}, []string{"rule"}),

		AdapterRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_adapter_requests_total",
			Help: "Outbound adapter operations, by exchange and operation",
		}, []string{"exchange", "operation"}),

		AdapterErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "perparb_adapter_errors_total",
			Help: "Terminal adapter errors, by exchange and kind",
		}, []string{"exchange", "kind"}),

		AdapterHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perparb_adapter_healthy",
			Help: "1 when the adapter is healthy",
		}, []string{"exchange"}),

		AdapterReliability: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perparb_adapter_reliability",
			Help: "Adapter success/total ratio",
		}, []string{"exchange"}),
	}

	reg.MustRegister(
		m.RatesIngested, m.RatesRejected, m.SnapshotsPublished, m.ReconcileConflicts,
		m.SourceHealth, m.OpportunitiesDetected, m.OpportunitiesExpired, m.UOSScore,
		m.ExecutionsTotal, m.RollbacksTotal, m.ExecutionLatency,
		m.PositionsOpen, m.PositionsClosed, m.OrphansAdopted, m.ReconcileActions,
		m.PoolBalance, m.ActiveCoins, m.AutoUnwinds, m.CircuitBreakerState,
		m.TradeRejections, m.AdapterRequests, m.AdapterErrors, m.AdapterHealthy,
		m.AdapterReliability,
	)
	return m
}

// NewTestMetrics builds metrics on a private registry for tests.
func NewTestMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
