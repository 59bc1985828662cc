/*
 * @module service/monitoring/metrics_collector
 * @description 控制器Prometheus指标：周期、止损、平台操作、校验跳过、准确度与权重版本
 * @architecture 分层架构 - 基础设施层
 * @documentReference DESIGN.md
 * @stateFlow 控制周期 -> 指标记录 -> /metrics 抓取
 * @rules 指标记录不得影响控制逻辑；nil 收集器上的调用为空操作
 * @dependencies github.com/prometheus/client_golang
 * @refs service/scheduler/controller_loop.go, main.go
 */

package monitoring

import (
	"strconv"
	"time"

	"cpc-service/service/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector 控制器指标收集器
type MetricsCollector struct {
	cycles          *prometheus.CounterVec
	cycleDuration   *prometheus.HistogramVec
	kills           *prometheus.CounterVec
	wastePrevented  *prometheus.CounterVec
	actions         *prometheus.CounterVec
	validationSkips *prometheus.CounterVec
	allocations     *prometheus.CounterVec
	drift           *prometheus.GaugeVec
	mape            *prometheus.GaugeVec
	weightVersion   prometheus.Gauge
}

// NewMetricsCollector 创建指标收集器并注册到 reg
func NewMetricsCollector(reg prometheus.Registerer) *MetricsCollector {
	factory := promauto.With(reg)
	return &MetricsCollector{
		cycles: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpc_cycles_total",
			Help: "控制周期执行次数",
		}, []string{"tenant", "status"}),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cpc_cycle_duration_seconds",
			Help:    "控制周期耗时",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"tenant"}),
		kills: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpc_kill_decisions_total",
			Help: "止损决策次数",
		}, []string{"reason"}),
		wastePrevented: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpc_waste_prevented_total",
			Help: "止损避免的浪费金额",
		}, []string{"tenant"}),
		actions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpc_platform_actions_total",
			Help: "平台操作次数",
		}, []string{"action", "success"}),
		validationSkips: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpc_validation_skips_total",
			Help: "指标校验失败被跳过的广告数",
		}, []string{"tenant"}),
		allocations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cpc_experiment_allocations_total",
			Help: "实验预算重新分配次数",
		}, []string{"tenant"}),
		drift: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cpc_prediction_drift",
			Help: "预测漂移标记，1表示检测到漂移",
		}, []string{"tenant"}),
		mape: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cpc_prediction_mape",
			Help: "预测平均绝对百分比误差",
		}, []string{"tenant", "window"}),
		weightVersion: factory.NewGauge(prometheus.GaugeOpts{
			Name: "cpc_weight_version",
			Help: "当前评分权重版本",
		}),
	}
}

// ObserveCycle 记录一次控制周期
func (c *MetricsCollector) ObserveCycle(tenantID string, duration time.Duration, err error) {
	if c == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	c.cycles.WithLabelValues(tenantID, status).Inc()
	c.cycleDuration.WithLabelValues(tenantID).Observe(duration.Seconds())
}

// RecordKill 记录止损决策
func (c *MetricsCollector) RecordKill(tenantID string, decision models.KillDecision) {
	if c == nil {
		return
	}
	c.kills.WithLabelValues(decision.Reason.String()).Inc()
	c.wastePrevented.WithLabelValues(tenantID).Add(decision.WastePrevented)
}

// RecordAction 记录平台操作结果
func (c *MetricsCollector) RecordAction(record models.ActionRecord) {
	if c == nil {
		return
	}
	c.actions.WithLabelValues(string(record.Action), strconv.FormatBool(record.Success)).Inc()
}

// RecordValidationSkip 记录被跳过的广告
func (c *MetricsCollector) RecordValidationSkip(tenantID string) {
	if c == nil {
		return
	}
	c.validationSkips.WithLabelValues(tenantID).Inc()
}

// RecordAllocation 记录实验重新分配
func (c *MetricsCollector) RecordAllocation(tenantID string) {
	if c == nil {
		return
	}
	c.allocations.WithLabelValues(tenantID).Inc()
}

// SetAccuracy 更新准确度指标
func (c *MetricsCollector) SetAccuracy(tenantID string, report *models.AccuracyReport) {
	if c == nil || report == nil {
		return
	}
	drift := 0.0
	if report.DriftDetected {
		drift = 1
	}
	c.drift.WithLabelValues(tenantID).Set(drift)
	c.mape.WithLabelValues(tenantID, "7d").Set(report.MAPE7d)
	c.mape.WithLabelValues(tenantID, "30d").Set(report.MAPE30d)
}

// SetWeightVersion 更新权重版本
func (c *MetricsCollector) SetWeightVersion(version int) {
	if c == nil {
		return
	}
	c.weightVersion.Set(float64(version))
}
