// Package metrics exposes Prometheus collectors for the decision engine.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every engine collector on a private prometheus.Registry.
type Registry struct {
	reg *prometheus.Registry

	CycleDuration     *prometheus.HistogramVec
	Cycles            *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	ExecutionFailures *prometheus.CounterVec
	DegradedWrites    *prometheus.CounterVec
	UpstreamFallbacks *prometheus.CounterVec

	OpenPositions    prometheus.Gauge
	AvailableCapital prometheus.Gauge
	TotalPortfolio   prometheus.Gauge
	EfficiencyRatio  prometheus.Gauge
	RealizedPnL      prometheus.Gauge
	Regime           *prometheus.GaugeVec
}

// New creates a Registry with Go runtime and process collectors attached.
func New() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),

		CycleDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "capitalbot_cycle_duration_seconds",
				Help:    "Wall-clock duration of decision cycles",
				Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"result"},
		),
		Cycles: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capitalbot_cycles_total",
				Help: "Decision cycles by outcome",
			},
			[]string{"result"},
		),
		Decisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capitalbot_decisions_total",
				Help: "Coordinator decisions by action",
			},
			[]string{"action"},
		),
		ExecutionFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capitalbot_execution_failures_total",
				Help: "Decisions that failed to execute, by action",
			},
			[]string{"action"},
		),
		DegradedWrites: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capitalbot_degraded_writes_total",
				Help: "Ledger transitions kept in memory after a failed durable write",
			},
			[]string{"op"},
		),
		UpstreamFallbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "capitalbot_upstream_fallbacks_total",
				Help: "Upstream lookups served from the last known good value",
			},
			[]string{"source"},
		),
		OpenPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capitalbot_open_positions",
			Help: "Positions currently open in the ledger",
		}),
		AvailableCapital: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capitalbot_available_capital",
			Help: "Free balance at the start of the last cycle",
		}),
		TotalPortfolio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capitalbot_total_portfolio",
			Help: "Free balance plus marked value of open positions",
		}),
		EfficiencyRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capitalbot_efficiency_ratio",
			Help: "Expected return of approved opportunities over held positions",
		}),
		RealizedPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "capitalbot_realized_pnl",
			Help: "Cumulative realized PnL since process start",
		}),
		Regime: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "capitalbot_market_regime",
				Help: "1 for the regime detected in the last cycle, 0 otherwise",
			},
			[]string{"regime"},
		),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.CycleDuration, r.Cycles, r.Decisions, r.ExecutionFailures,
		r.DegradedWrites, r.UpstreamFallbacks,
		r.OpenPositions, r.AvailableCapital, r.TotalPortfolio,
		r.EfficiencyRatio, r.RealizedPnL, r.Regime,
	)
	return r
}

// Gatherer exposes the underlying registry, mainly for tests.
func (r *Registry) Gatherer() prometheus.Gatherer { return r.reg }

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// ObserveCycle records one cycle outcome ("ok", "error", "skipped").
func (r *Registry) ObserveCycle(d time.Duration, result string) {
	r.CycleDuration.WithLabelValues(result).Observe(d.Seconds())
	r.Cycles.WithLabelValues(result).Inc()
}

// SetRegime marks regime as current.
func (r *Registry) SetRegime(regime string) {
	r.Regime.Reset()
	r.Regime.WithLabelValues(regime).Set(1)
}

// ReportDegraded counts a ledger write that fell back to memory only.
func (r *Registry) ReportDegraded(_ context.Context, op, _ string, _ error) {
	r.DegradedWrites.WithLabelValues(op).Inc()
}
