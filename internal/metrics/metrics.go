// Package metrics exposes ingestion and budget signals to Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

// Metrics holds the ingestion instruments.
type Metrics struct {
	selections       *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
	documents        *prometheus.CounterVec
	stageFailures    *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	extractAttempts  prometheus.Histogram
	stagedRows       *prometheus.CounterVec
	spend            *prometheus.CounterVec
	budgetRemaining  prometheus.Gauge
	budgetUsageRatio prometheus.Gauge
	budgetAlerts     *prometheus.CounterVec
	jobs             *prometheus.CounterVec
}

// New creates the instruments and registers them on registerer, or on the
// default registerer when nil.
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		selections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docingest_tier_selections_total",
			Help: "Tier decisions by chosen tier.",
		}, []string{"tier"}),
		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docingest_tier_fallbacks_total",
			Help: "Decisions that degraded to the zero-cost tier, by reason.",
		}, []string{"reason"}),
		documents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docingest_documents_total",
			Help: "Processed documents by doc type and result.",
		}, []string{"doc_type", "result"}),
		stageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docingest_stage_failures_total",
			Help: "Pipeline failures by stage and error kind.",
		}, []string{"stage", "kind"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "docingest_stage_duration_seconds",
			Help:    "Pipeline stage latency.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"stage"}),
		extractAttempts: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "docingest_extract_attempts",
			Help:    "Model calls needed per extraction.",
			Buckets: []float64{1, 2},
		}),
		stagedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docingest_staged_rows_total",
			Help: "Staging rows written, by operation.",
		}, []string{"op"}),
		spend: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docingest_spend_dollars_total",
			Help: "Committed processing spend by tier.",
		}, []string{"tier"}),
		budgetRemaining: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docingest_budget_remaining_dollars",
			Help: "Remaining monthly budget.",
		}),
		budgetUsageRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "docingest_budget_usage_ratio",
			Help: "Total cost over the monthly budget.",
		}),
		budgetAlerts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docingest_budget_alerts_total",
			Help: "Budget threshold alerts by level.",
		}, []string{"level"}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "docingest_jobs_total",
			Help: "Async ingestion jobs by final status.",
		}, []string{"status"}),
	}
	registerer.MustRegister(
		m.selections,
		m.fallbacks,
		m.documents,
		m.stageFailures,
		m.stageDuration,
		m.extractAttempts,
		m.stagedRows,
		m.spend,
		m.budgetRemaining,
		m.budgetUsageRatio,
		m.budgetAlerts,
		m.jobs,
	)
	return m
}

// ObserveSelection records a tier decision.
func (m *Metrics) ObserveSelection(tier string, fallback bool, reason string) {
	if m == nil {
		return
	}
	m.selections.WithLabelValues(tier).Inc()
	if fallback {
		m.fallbacks.WithLabelValues(reason).Inc()
	}
}

// ObserveDocument records a finished document. result is "success" or an
// error kind.
func (m *Metrics) ObserveDocument(docType, result string) {
	if m == nil {
		return
	}
	m.documents.WithLabelValues(docType, result).Inc()
}

// ObserveStage records a stage duration.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveStageFailure records a failed stage.
func (m *Metrics) ObserveStageFailure(stage, kind string) {
	if m == nil {
		return
	}
	m.stageFailures.WithLabelValues(stage, kind).Inc()
}

// ObserveExtractAttempts records how many model calls an extraction made.
func (m *Metrics) ObserveExtractAttempts(n int) {
	if m == nil {
		return
	}
	m.extractAttempts.Observe(float64(n))
}

// ObserveStaged records staging upsert counts.
func (m *Metrics) ObserveStaged(inserted, updated int) {
	if m == nil {
		return
	}
	m.stagedRows.WithLabelValues("inserted").Add(float64(inserted))
	m.stagedRows.WithLabelValues("updated").Add(float64(updated))
}

// ObserveSpend records committed spend and the resulting budget position.
func (m *Metrics) ObserveSpend(tier string, cost, remaining decimal.Decimal, usageRatio float64, alert string) {
	if m == nil {
		return
	}
	if cost.IsPositive() {
		m.spend.WithLabelValues(tier).Add(cost.InexactFloat64())
	}
	m.budgetRemaining.Set(remaining.InexactFloat64())
	m.budgetUsageRatio.Set(usageRatio)
	if alert != "" {
		m.budgetAlerts.WithLabelValues(alert).Inc()
	}
}

// SetBudget publishes the budget position without any spend.
func (m *Metrics) SetBudget(remaining decimal.Decimal, usageRatio float64) {
	if m == nil {
		return
	}
	m.budgetRemaining.Set(remaining.InexactFloat64())
	m.budgetUsageRatio.Set(usageRatio)
}

// ObserveJob records an async job reaching a final status.
func (m *Metrics) ObserveJob(status string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(status).Inc()
}
