package platform

import (
	"context"
	"log/slog"
	"sync"

	"cpc-service/service/models"
)

// DryRunAction 不调用真实平台，只记录操作结果，用于演练和测试
type DryRunAction struct {
	mu      sync.Mutex
	paused  map[string]bool
	budgets map[string]float64
	calls   []ActionCall
}

// ActionCall 一次平台调用
type ActionCall struct {
	Action models.ActionType
	AdID   string
	Amount float64
}

// NewDryRunAction 创建演练平台操作
func NewDryRunAction() *DryRunAction {
	return &DryRunAction{
		paused:  make(map[string]bool),
		budgets: make(map[string]float64),
	}
}

func (d *DryRunAction) Pause(_ context.Context, adID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ActionCall{Action: models.ActionPause, AdID: adID})
	if d.paused[adID] {
		return nil
	}
	d.paused[adID] = true
	slog.Info("演练模式: 暂停广告", "ad_id", adID)
	return nil
}

func (d *DryRunAction) SetBudget(_ context.Context, adID string, amount float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, ActionCall{Action: models.ActionSetBudget, AdID: adID, Amount: amount})
	d.budgets[adID] = amount
	slog.Info("演练模式: 设置预算", "ad_id", adID, "amount", amount)
	return nil
}

// IsPaused 广告是否已暂停
func (d *DryRunAction) IsPaused(adID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.paused[adID]
}

// Budget 广告当前预算
func (d *DryRunAction) Budget(adID string) (float64, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	amount, ok := d.budgets[adID]
	return amount, ok
}

// Calls 返回全部调用记录
func (d *DryRunAction) Calls() []ActionCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ActionCall(nil), d.calls...)
}

// LogSink 将事件和准确度报告写入日志
type LogSink struct{}

func (LogSink) PublishEvents(_ context.Context, events []*models.ControllerEvent) error {
	for _, e := range events {
		slog.Info("控制器事件",
			"tenant_id", e.TenantID,
			"cycle_id", e.CycleID,
			"type", e.Type,
			"subject_id", e.SubjectID)
	}
	return nil
}

func (LogSink) PublishAccuracy(_ context.Context, tenantID string, report *models.AccuracyReport) error {
	slog.Info("准确度报告",
		"tenant_id", tenantID,
		"samples", report.SampleCount,
		"mape_7d", report.MAPE7d,
		"mape_30d", report.MAPE30d,
		"drift", report.DriftDetected)
	return nil
}
