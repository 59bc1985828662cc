package monitoring

import (
	"context"
	"errors"
	"testing"
	"time"

	"cpc-service/service/models"
	"cpc-service/testutil"

	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

// TestMetricsCollector 指标记录
func TestMetricsCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := NewMetricsCollector(reg)

	collector.ObserveCycle("t1", 150*time.Millisecond, nil)
	collector.ObserveCycle("t1", time.Second, errors.New("boom"))
	collector.RecordKill("t1", models.KillDecision{Reason: models.KillReasonNoConversions, WastePrevented: 120})
	collector.RecordKill("t1", models.KillDecision{Reason: models.KillReasonLowCTR, WastePrevented: 30})
	collector.RecordAction(models.ActionRecord{Action: models.ActionPause, Success: true})
	collector.RecordAction(models.ActionRecord{Action: models.ActionPause, Success: false})
	collector.RecordValidationSkip("t1")
	collector.RecordAllocation("t1")
	collector.SetAccuracy("t1", &models.AccuracyReport{MAPE7d: 0.4, MAPE30d: 0.2, DriftDetected: true})
	collector.SetWeightVersion(7)

	assert.Equal(t, 1.0, promtest.ToFloat64(collector.cycles.WithLabelValues("t1", "success")))
	assert.Equal(t, 1.0, promtest.ToFloat64(collector.cycles.WithLabelValues("t1", "failed")))
	assert.Equal(t, 1.0, promtest.ToFloat64(collector.kills.WithLabelValues("NO_CONVERSIONS")))
	assert.Equal(t, 150.0, promtest.ToFloat64(collector.wastePrevented.WithLabelValues("t1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(collector.actions.WithLabelValues("pause", "false")))
	assert.Equal(t, 1.0, promtest.ToFloat64(collector.validationSkips.WithLabelValues("t1")))
	assert.Equal(t, 1.0, promtest.ToFloat64(collector.drift.WithLabelValues("t1")))
	assert.Equal(t, 0.4, promtest.ToFloat64(collector.mape.WithLabelValues("t1", "7d")))
	assert.Equal(t, 7.0, promtest.ToFloat64(collector.weightVersion))
}

// TestMetricsCollector_Nil nil 收集器上的调用不会panic
func TestMetricsCollector_Nil(t *testing.T) {
	var collector *MetricsCollector
	assert.NotPanics(t, func() {
		collector.ObserveCycle("t1", time.Second, nil)
		collector.RecordKill("t1", models.KillDecision{})
		collector.RecordAction(models.ActionRecord{})
		collector.SetAccuracy("t1", &models.AccuracyReport{})
		collector.SetWeightVersion(1)
	})
}

// TestHealthChecker 数据库正常、控制周期状态决定整体状态
func TestHealthChecker(t *testing.T) {
	testDB := testutil.NewTestDB()
	defer testDB.Close()

	var last time.Time
	checker := NewHealthChecker(testDB.DB, nil, func() time.Time { return last }, 15*time.Minute)

	status := checker.CheckOverallHealth(context.Background())
	assert.Equal(t, "healthy", status.Components["database"].Status)
	assert.Equal(t, "warning", status.Components["controller"].Status)
	assert.Equal(t, 85, status.Score)
	assert.Equal(t, "healthy", status.Overall)
	assert.Len(t, status.Issues, 1)

	last = time.Now().Add(-time.Minute)
	status = checker.CheckOverallHealth(context.Background())
	assert.Equal(t, "healthy", status.Components["controller"].Status)
	assert.Empty(t, status.Issues)

	last = time.Now().Add(-time.Hour)
	status = checker.CheckOverallHealth(context.Background())
	assert.Equal(t, "critical", status.Components["controller"].Status)
	assert.Equal(t, "critical", status.Overall)
}
