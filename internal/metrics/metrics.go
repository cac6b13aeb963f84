// Package metrics exposes prometheus collectors for every lifecycle event
// plus the /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ScannerTicks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "scanner_ticks_total", Help: "Scanner tick invocations"},
	)
	CloserTicks = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "closer_ticks_total", Help: "Closer tick invocations"},
	)
	CandidatesEmitted = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "candidates_emitted_total", Help: "Candidates emitted by the scanner"},
	)
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reservations_total", Help: "Risk slot reservation outcomes"},
		[]string{"outcome"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orders_total", Help: "Orders submitted to the venue"},
		[]string{"side"},
	)
	ClosesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "closes_total", Help: "Position closes by exit reason"},
		[]string{"reason"},
	)
	SkippedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "skipped_trades_total", Help: "Candidates dropped before opening"},
		[]string{"reason"},
	)
	ReconciliationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "reconciliations_total", Help: "Reconciler actions"},
		[]string{"action"},
	)
	OpenPositions = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "open_positions", Help: "Positions currently open"},
	)
	ReservedRisk = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "reserved_risk_quote", Help: "Total reserved margin in quote currency"},
	)
	DailyPnL = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "daily_pnl_quote", Help: "Realized pnl for the current UTC day"},
	)
)

func init() {
	prometheus.MustRegister(
		ScannerTicks, CloserTicks, CandidatesEmitted,
		ReservationsTotal, OrdersTotal, ClosesTotal, SkippedTotal,
		ReconciliationsTotal, OpenPositions, ReservedRisk, DailyPnL,
	)
}

// Serve starts the metrics endpoint in the background.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
