package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Records(t *testing.T) {
	registry := prometheus.NewRegistry()
	m := New(registry)

	m.ObserveSelection("local", true, "budget exhausted")
	m.ObserveSelection("vision", false, "")
	m.ObserveDocument("receipt", "success")
	m.ObserveStage("ocr", 2*time.Second)
	m.ObserveStageFailure("extract", "parse_failed")
	m.ObserveExtractAttempts(2)
	m.ObserveStaged(3, 1)
	m.ObserveSpend("vision", decimal.RequireFromString("0.01"), decimal.RequireFromString("9.99"), 0.001, "")
	m.ObserveSpend("gemini-pro", decimal.RequireFromString("0.08"), decimal.RequireFromString("0.50"), 0.95, "warning")
	m.ObserveJob("completed")

	assert.Equal(t, 1.0, testutil.ToFloat64(m.selections.WithLabelValues("local")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.fallbacks.WithLabelValues("budget exhausted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stageFailures.WithLabelValues("extract", "parse_failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.stagedRows.WithLabelValues("inserted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stagedRows.WithLabelValues("updated")))
	assert.InDelta(t, 0.08, testutil.ToFloat64(m.spend.WithLabelValues("gemini-pro")), 1e-9)
	assert.Equal(t, 0.5, testutil.ToFloat64(m.budgetRemaining))
	assert.Equal(t, 0.95, testutil.ToFloat64(m.budgetUsageRatio))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.budgetAlerts.WithLabelValues("warning")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobs.WithLabelValues("completed")))

	count, err := testutil.GatherAndCount(registry, "docingest_stage_duration_seconds")
	assert.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveSelection("local", true, "x")
		m.ObserveDocument("receipt", "success")
		m.ObserveStage("ocr", time.Second)
		m.ObserveStageFailure("ocr", "ocr_failed")
		m.ObserveExtractAttempts(1)
		m.ObserveStaged(1, 1)
		m.ObserveSpend("local", decimal.Zero, decimal.Zero, 1, "exhausted")
		m.SetBudget(decimal.Zero, 0)
		m.ObserveJob("failed")
	})
}
