// Package metrics exposes Prometheus counters/gauges for consumer
// throughput, reconciler summaries, and backfill gap counts, served over
// /metrics on the API's mux.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	EventsApplied = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpindexer_events_applied_total",
		Help: "Chain events applied to the state machine, by topic.",
	}, []string{"topic"})

	ConsumerRestarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpindexer_consumer_restarts_total",
		Help: "Gateway subscription restarts, by topic.",
	}, []string{"topic"})

	ReconcileRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpindexer_reconcile_runs_total",
		Help: "Reconciliation runs, by mode.",
	}, []string{"mode"})

	ReconcileCorrections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perpindexer_reconcile_corrections_total",
		Help: "Corrections applied during reconciliation, by outcome.",
	}, []string{"outcome"})

	BackfillHoles = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perpindexer_backfill_holes",
		Help: "Id gaps found by the most recent backfill scan.",
	})
)

// ReconcileCounts mirrors reconcile.Summary's correction and rpcFailed
// counters (not Scanned, Skipped or MissingDB) without importing that
// package, to avoid a metrics<->reconcile import cycle (reconcile itself
// calls ObserveReconcile after every run).
type ReconcileCounts struct {
	Created, Executed, Stops, Removed, StatePatched, RPCFailed int
}

// ObserveReconcile records one reconciliation run's summary.
func ObserveReconcile(mode string, s ReconcileCounts) {
	ReconcileRuns.WithLabelValues(mode).Inc()
	ReconcileCorrections.WithLabelValues("created").Add(float64(s.Created))
	ReconcileCorrections.WithLabelValues("executed").Add(float64(s.Executed))
	ReconcileCorrections.WithLabelValues("stops").Add(float64(s.Stops))
	ReconcileCorrections.WithLabelValues("removed").Add(float64(s.Removed))
	ReconcileCorrections.WithLabelValues("state_patched").Add(float64(s.StatePatched))
	ReconcileCorrections.WithLabelValues("rpc_failed").Add(float64(s.RPCFailed))
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
