/*
 * @module service/scheduler/controller_loop
 * @description 控制循环，按固定顺序编排一个租户的单个控制周期
 * @architecture 编排层 - 依赖通过 ControllerDeps 显式注入
 * @documentReference DESIGN.md
 * @stateFlow 拉取指标 -> 校验 -> 排除已暂停广告 -> 止损 -> 实验重新分配 -> 预算建议 -> 结算与准确度 -> 事件输出；每轮调度结束后校准一次权重
 * @rules 止损先于重新分配；已暂停且快照未增长的广告不再评估；同一租户的周期串行执行；取消只在广告/实验之间检查
 * @dependencies golang.org/x/sync/errgroup, github.com/google/uuid
 * @refs service/kill_switch, service/experiment, service/budget, service/accuracy, service/prediction
 */

package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cpc-service/service/accuracy"
	"cpc-service/service/budget"
	"cpc-service/service/config"
	"cpc-service/service/distributed_lock"
	"cpc-service/service/experiment"
	"cpc-service/service/kill_switch"
	"cpc-service/service/models"
	"cpc-service/service/monitoring"
	"cpc-service/service/platform"
	"cpc-service/service/prediction"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// publishTimeout 周期结束后输出事件的超时，不受周期取消影响
const publishTimeout = 15 * time.Second

// TenantSource 租户列表来源
type TenantSource interface {
	Tenants(ctx context.Context) ([]string, error)
}

// ControllerDeps 控制循环依赖，Metrics 和 Config 必填，其余为空时跳过对应步骤
type ControllerDeps struct {
	Config        *config.ControllerConfig
	Metrics       platform.MetricsSource
	Action        platform.PlatformAction
	Events        platform.EventSink
	Learning      platform.LearningSink
	KillEvaluator *kill_switch.Evaluator
	KillExecutor  *kill_switch.Executor
	// Pauses 已暂停广告记录，默认进程内记录
	Pauses        kill_switch.PauseLedger
	Budget        *budget.Optimizer
	Experiments   *experiment.Manager
	Tracker       *accuracy.Tracker
	Weights       *prediction.WeightAuthority
	Monitor       *monitoring.MetricsCollector
	RetryPolicy   *platform.RetryPolicy
	Tenants       TenantSource
	// TenantLocker 串行化同一租户的周期，默认进程内锁
	TenantLocker distributed_lock.KeyedLocker
}

// CycleReport 单个周期的执行摘要
type CycleReport struct {
	CycleID         string                         `json:"cycle_id"`
	TenantID        string                         `json:"tenant_id"`
	StartedAt       time.Time                      `json:"started_at"`
	FinishedAt      time.Time                      `json:"finished_at"`
	Snapshots       int                            `json:"snapshots"`
	Skipped         []string                       `json:"skipped,omitempty"` // 校验失败的广告ID
	Kills           []models.KillDecision          `json:"kills,omitempty"`
	AlreadyPaused   []string                       `json:"already_paused,omitempty"` // 已暂停且快照未增长，本周期不评估
	Actions         []models.ActionRecord          `json:"actions,omitempty"`
	Allocations     []*experiment.AllocationResult `json:"allocations,omitempty"`
	Recommendations []models.BudgetRecommendation  `json:"recommendations,omitempty"`
	Settled         int                            `json:"settled"`
	Accuracy        *models.AccuracyReport         `json:"accuracy,omitempty"`
	WeightVersion   int                            `json:"weight_version"`
	Calibrated      bool                           `json:"calibrated"` // 本轮调度结束后是否校准了权重
	Errors          []string                       `json:"errors,omitempty"`
	Cancelled       bool                           `json:"cancelled"`

	events        []*models.ControllerEvent
	killed        map[string]bool // 本周期止损或此前已暂停的广告
	experimentAds map[string]bool
	accepted      map[string]models.AdMetrics
}

// FailedActions 失败的平台操作数
func (r *CycleReport) FailedActions() int {
	n := 0
	for _, a := range r.Actions {
		if !a.Success {
			n++
		}
	}
	return n
}

func (r *CycleReport) addEvent(eventType models.ControllerEventType, subjectID string, payload interface{}) {
	r.events = append(r.events, models.NewControllerEvent(r.TenantID, r.CycleID, eventType, subjectID, payload))
}

func (r *CycleReport) addAction(record models.ActionRecord) {
	record.CycleID = r.CycleID
	r.Actions = append(r.Actions, record)
	r.addEvent(models.EventAction, record.AdID, record)
}

func (r *CycleReport) addError(step string, err error) {
	r.Errors = append(r.Errors, fmt.Sprintf("%s: %v", step, err))
}

// Controller 控制循环
type Controller struct {
	deps ControllerDeps
	now  func() time.Time

	mu            sync.RWMutex
	lastSnapshots map[string]map[string]models.AdMetrics // 租户 -> 广告ID -> 上次通过校验的快照
	lastReports   map[string]*CycleReport
	lastCycleAt   time.Time
}

// NewController 创建控制循环
func NewController(deps ControllerDeps) (*Controller, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("控制循环缺少配置")
	}
	if deps.Metrics == nil {
		return nil, fmt.Errorf("控制循环缺少指标来源")
	}
	if deps.TenantLocker == nil {
		deps.TenantLocker = distributed_lock.NewLocalKeyedLock()
	}
	if deps.RetryPolicy == nil {
		deps.RetryPolicy = platform.NewRetryPolicy(deps.Config.Retry)
	}
	if deps.Pauses == nil {
		deps.Pauses = kill_switch.NewMemoryPauseLedger()
	}
	return &Controller{
		deps:          deps,
		now:           time.Now,
		lastSnapshots: make(map[string]map[string]models.AdMetrics),
		lastReports:   make(map[string]*CycleReport),
	}, nil
}

// LastReport 返回租户最近一次周期摘要
func (c *Controller) LastReport(tenantID string) (*CycleReport, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.lastReports[tenantID]
	return r, ok
}

// LastCycleAt 最近一次周期完成时间，未运行过返回零值
func (c *Controller) LastCycleAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastCycleAt
}

// TenantIDs 返回需要运行的租户，优先使用 TenantSource
func (c *Controller) TenantIDs(ctx context.Context) ([]string, error) {
	if c.deps.Tenants != nil {
		tenants, err := c.deps.Tenants.Tenants(ctx)
		if err != nil {
			return nil, fmt.Errorf("查询租户失败: %w", err)
		}
		if len(tenants) > 0 {
			return tenants, nil
		}
	}
	return append([]string(nil), c.deps.Config.Tenants...), nil
}

// RunAll 依次运行所有租户的周期，单个租户失败不影响其他租户；全部租户结束后校准一次权重
func (c *Controller) RunAll(ctx context.Context) ([]*CycleReport, error) {
	tenants, err := c.TenantIDs(ctx)
	if err != nil {
		return nil, err
	}

	reports := make([]*CycleReport, 0, len(tenants))
	var errs []error
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		report, err := c.RunCycle(ctx, tenantID)
		if report != nil {
			reports = append(reports, report)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("租户 %s: %w", tenantID, err))
		}
	}

	if ctx.Err() == nil {
		weights, err := c.Calibrate(ctx)
		switch {
		case err == nil:
			for _, r := range reports {
				r.Calibrated = true
				r.WeightVersion = weights.Version
			}
		case errors.Is(err, models.ErrInsufficientData), errors.Is(err, models.ErrWeightCorruption):
		default:
			errs = append(errs, err)
		}
	}
	return reports, errors.Join(errs...)
}

// RunCycle 执行单个租户的一个控制周期
// 返回的错误只表示周期无法进行（拉取指标失败或被取消）；单个广告或实验的失败记录在 CycleReport.Errors
func (c *Controller) RunCycle(ctx context.Context, tenantID string) (*CycleReport, error) {
	unlock, err := c.deps.TenantLocker.Lock(ctx, "cycle:"+tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	report := &CycleReport{
		CycleID:       uuid.New().String(),
		TenantID:      tenantID,
		StartedAt:     c.now(),
		killed:        make(map[string]bool),
		experimentAds: make(map[string]bool),
		accepted:      make(map[string]models.AdMetrics),
	}
	cycleErr := c.runSteps(ctx, report)
	if errors.Is(cycleErr, context.Canceled) || errors.Is(cycleErr, context.DeadlineExceeded) {
		report.Cancelled = true
	}
	report.FinishedAt = c.now()

	c.publish(ctx, report)
	c.deps.Monitor.ObserveCycle(tenantID, report.FinishedAt.Sub(report.StartedAt), cycleErr)

	c.mu.Lock()
	c.lastReports[tenantID] = report
	c.lastCycleAt = report.FinishedAt
	c.mu.Unlock()

	logAttrs := []any{
		"tenant_id", tenantID,
		"cycle_id", report.CycleID,
		"snapshots", report.Snapshots,
		"skipped", len(report.Skipped),
		"kills", len(report.Kills),
		"allocations", len(report.Allocations),
		"recommendations", len(report.Recommendations),
		"failed_actions", report.FailedActions(),
		"duration", report.FinishedAt.Sub(report.StartedAt),
	}
	if cycleErr != nil {
		slog.Warn("控制周期未完成", append(logAttrs, "error", cycleErr)...)
	} else {
		slog.Info("控制周期完成", logAttrs...)
	}
	return report, cycleErr
}

func (c *Controller) runSteps(ctx context.Context, report *CycleReport) error {
	cfg := c.deps.Config.Clone()

	snapshots, err := c.deps.Metrics.FetchSnapshots(ctx, report.TenantID)
	if err != nil {
		return fmt.Errorf("拉取指标失败: %w", err)
	}
	report.Snapshots = len(snapshots)

	valid := c.validate(report, snapshots)
	if err := ctx.Err(); err != nil {
		return err
	}
	live := c.excludePaused(ctx, report, valid)

	if err := c.killStep(ctx, report, live); err != nil {
		return err
	}
	if err := c.experimentStep(ctx, cfg, report); err != nil {
		return err
	}
	if err := c.budgetStep(ctx, cfg, report, live); err != nil {
		return err
	}
	if err := c.accuracyStep(ctx, cfg, report, valid); err != nil {
		return err
	}
	if c.deps.Weights != nil {
		report.WeightVersion = c.deps.Weights.Current().Version
	}
	return nil
}

// excludePaused 去掉已暂停且快照未增长的广告；快照增长说明广告已被重新启用，清除暂停记录后照常评估
func (c *Controller) excludePaused(ctx context.Context, report *CycleReport, valid []models.AdMetrics) []models.AdMetrics {
	paused, err := c.deps.Pauses.PausedAds(ctx, report.TenantID)
	if err != nil {
		report.addError("paused_ads", err)
		return valid
	}
	if len(paused) == 0 {
		return valid
	}

	live := make([]models.AdMetrics, 0, len(valid))
	for _, m := range valid {
		p, ok := paused[m.AdID]
		if !ok {
			live = append(live, m)
			continue
		}
		if p.Resumed(m) {
			slog.Info("已暂停的广告重新产生展示，恢复评估",
				"tenant_id", report.TenantID, "ad_id", m.AdID,
				"paused_impressions", p.Impressions, "impressions", m.Impressions)
			if err := c.deps.Pauses.ClearPause(ctx, report.TenantID, m.AdID); err != nil {
				report.addError("paused_ads", err)
			}
			live = append(live, m)
			continue
		}
		report.killed[m.AdID] = true
		report.AlreadyPaused = append(report.AlreadyPaused, m.AdID)
	}
	return live
}

// validate 格式校验与累计值单调性检查，失败的广告本周期跳过，上次快照保持不变
func (c *Controller) validate(report *CycleReport, snapshots []models.AdMetrics) []models.AdMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.lastSnapshots[report.TenantID]
	if previous == nil {
		previous = make(map[string]models.AdMetrics)
		c.lastSnapshots[report.TenantID] = previous
	}

	valid := make([]models.AdMetrics, 0, len(snapshots))
	for _, m := range snapshots {
		err := m.Validate()
		if err == nil && m.TenantID != "" && m.TenantID != report.TenantID {
			err = fmt.Errorf("%w: 广告 %s 属于租户 %s", models.ErrValidation, m.AdID, m.TenantID)
		}
		if err == nil {
			if prev, ok := previous[m.AdID]; ok {
				err = m.CheckMonotonic(prev)
			}
		}
		if err != nil {
			slog.Warn("指标校验失败，本周期跳过", "tenant_id", report.TenantID, "ad_id", m.AdID, "error", err)
			report.Skipped = append(report.Skipped, m.AdID)
			report.addEvent(models.EventValidation, m.AdID, map[string]string{"error": err.Error()})
			c.deps.Monitor.RecordValidationSkip(report.TenantID)
			continue
		}
		previous[m.AdID] = m
		report.accepted[m.AdID] = m
		valid = append(valid, m)
	}
	return valid
}

// killStep 评估止损规则并执行暂停，暂停失败的广告同样视为本周期已止损，只有暂停成功的广告写入暂停记录
func (c *Controller) killStep(ctx context.Context, report *CycleReport, valid []models.AdMetrics) error {
	if c.deps.KillEvaluator == nil {
		return nil
	}
	decisions := c.deps.KillEvaluator.BatchEvaluate(valid)
	if len(decisions) == 0 {
		return nil
	}

	for _, d := range decisions {
		report.killed[d.AdID] = true
		report.Kills = append(report.Kills, d)
		report.addEvent(models.EventKillDecision, d.AdID, d)
		c.deps.Monitor.RecordKill(report.TenantID, d)
	}

	if c.deps.KillExecutor == nil {
		return nil
	}
	for _, result := range c.deps.KillExecutor.ExecuteBatch(ctx, decisions) {
		report.addAction(result.Record)
		c.deps.Monitor.RecordAction(result.Record)
		if result.Err != nil {
			report.addError("kill", result.Err)
			continue
		}
		paused := models.NewPausedAd(report.TenantID, report.CycleID, result.Decision, c.now())
		if err := c.deps.Pauses.RecordPause(context.WithoutCancel(ctx), paused); err != nil {
			report.addError("paused_ads", err)
		}
	}
	return ctx.Err()
}

// experimentStep 对进行中的实验做汤普森采样重新分配，并把存活变体的预算下发到平台
func (c *Controller) experimentStep(ctx context.Context, cfg *config.ControllerConfig, report *CycleReport) error {
	if c.deps.Experiments == nil {
		return nil
	}
	active, err := c.deps.Experiments.List(ctx, report.TenantID, models.ExperimentActive)
	if err != nil {
		report.addError("experiment", err)
		return ctx.Err()
	}
	for _, exp := range active {
		for _, v := range exp.Variants {
			if v.AdID != "" {
				report.experimentAds[v.AdID] = true
			}
		}
	}
	if len(active) == 0 {
		return nil
	}

	input := experiment.CycleInput{Metrics: report.accepted, Killed: report.killed}
	results := make([]*experiment.AllocationResult, len(active))
	actions := make([][]models.ActionRecord, len(active))
	errs := make([]error, len(active))

	var g errgroup.Group
	g.SetLimit(cfg.WorkerCount)
	for i, exp := range active {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			result, err := c.deps.Experiments.Allocate(ctx, exp.ID, input)
			if err != nil {
				errs[i] = fmt.Errorf("实验 %s 分配失败: %w", exp.ID, err)
				return nil
			}
			results[i] = result
			actions[i] = c.applyAllocation(ctx, exp, result, report.killed)
			return nil
		})
	}
	_ = g.Wait()

	for i := range active {
		if errs[i] != nil {
			report.addError("experiment", errs[i])
		}
		if results[i] == nil {
			continue
		}
		report.Allocations = append(report.Allocations, results[i])
		report.addEvent(models.EventAllocation, results[i].ExperimentID, results[i])
		c.deps.Monitor.RecordAllocation(report.TenantID)
		for _, a := range actions[i] {
			report.addAction(a)
			c.deps.Monitor.RecordAction(a)
		}
	}
	return ctx.Err()
}

// applyAllocation 按分配结果设置存活变体的预算，已止损或已排除的变体不再下发
func (c *Controller) applyAllocation(ctx context.Context, exp *models.Experiment, result *experiment.AllocationResult, killed map[string]bool) []models.ActionRecord {
	if c.deps.Action == nil {
		return nil
	}
	excluded := make(map[string]bool, len(result.Excluded))
	for _, id := range result.Excluded {
		excluded[id] = true
	}
	variantIDs := make([]string, 0, len(result.Allocations))
	for id := range result.Allocations {
		if !excluded[id] {
			variantIDs = append(variantIDs, id)
		}
	}
	sort.Strings(variantIDs)

	var records []models.ActionRecord
	for _, variantID := range variantIDs {
		if ctx.Err() != nil {
			break
		}
		idx := exp.VariantIndex(variantID)
		if idx < 0 {
			continue
		}
		adID := exp.Variants[idx].AdID
		if adID == "" || killed[adID] {
			continue
		}
		records = append(records, c.setBudget(ctx, exp.TenantID, adID, result.Allocations[variantID]))
	}
	return records
}

func (c *Controller) setBudget(ctx context.Context, tenantID, adID string, amount float64) models.ActionRecord {
	attempts, err := c.deps.RetryPolicy.Do(ctx, "set_budget:"+adID, func(callCtx context.Context) error {
		return c.deps.Action.SetBudget(callCtx, adID, amount)
	})
	record := models.ActionRecord{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		AdID:      adID,
		Action:    models.ActionSetBudget,
		Amount:    amount,
		Attempts:  attempts,
		Success:   err == nil,
		CreatedAt: c.now(),
	}
	if err != nil {
		record.Error = err.Error()
		slog.Error("设置广告预算失败", "ad_id", adID, "amount", amount, "attempts", attempts, "error", err)
	}
	return record
}

// budgetStep 为非实验且未止损的广告生成预算建议，开启自动应用时直接下发
func (c *Controller) budgetStep(ctx context.Context, cfg *config.ControllerConfig, report *CycleReport, valid []models.AdMetrics) error {
	if c.deps.Budget == nil {
		return nil
	}
	candidates := make([]models.AdMetrics, 0, len(valid))
	for _, m := range valid {
		if !report.killed[m.AdID] && !report.experimentAds[m.AdID] {
			candidates = append(candidates, m)
		}
	}
	recs, skipped := c.deps.Budget.RecommendBatch(candidates)
	for _, m := range candidates {
		if err, ok := skipped[m.AdID]; ok && !errors.Is(err, models.ErrInsufficientData) {
			report.addError("budget", err)
		}
	}

	for i := range recs {
		if err := ctx.Err(); err != nil {
			return err
		}
		rec := &recs[i]
		report.Recommendations = append(report.Recommendations, *rec)
		report.addEvent(models.EventRecommendation, rec.AdID, rec)

		if cfg.AutoApplyBudget && c.deps.Action != nil && rec.RecommendedBudget != rec.CurrentBudget {
			record := c.setBudget(ctx, report.TenantID, rec.AdID, rec.RecommendedBudget)
			report.addAction(record)
			c.deps.Monitor.RecordAction(record)
		}
	}
	return nil
}

// accuracyStep 用本周期指标结算租户的预测，生成该租户的准确度报告并输出到学习端
func (c *Controller) accuracyStep(ctx context.Context, cfg *config.ControllerConfig, report *CycleReport, valid []models.AdMetrics) error {
	if c.deps.Tracker == nil {
		return nil
	}
	settled, err := c.deps.Tracker.SettleFromMetrics(ctx, report.TenantID, valid, cfg.SettleMinImpressions)
	if err != nil {
		report.addError("settle", err)
	}
	report.Settled = settled

	accuracyReport, err := c.deps.Tracker.AccuracyReport(ctx, report.TenantID, c.now())
	if err != nil {
		report.addError("accuracy", err)
		return ctx.Err()
	}
	report.Accuracy = accuracyReport
	report.addEvent(models.EventAccuracyReport, report.TenantID, accuracyReport)
	c.deps.Monitor.SetAccuracy(report.TenantID, accuracyReport)

	if accuracyReport.DriftDetected {
		slog.Warn("预测准确度漂移",
			"tenant_id", report.TenantID,
			"mape_7d", accuracyReport.MAPE7d,
			"mape_30d", accuracyReport.MAPE30d)
	}
	if c.deps.Learning != nil {
		publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
		defer cancel()
		if err := c.deps.Learning.PublishAccuracy(publishCtx, report.TenantID, accuracyReport); err != nil {
			report.addError("learning_sink", err)
		}
	}
	return ctx.Err()
}

// Calibrate 用水位线之后新结算的样本校准权重，没有新样本或样本不足时返回 models.ErrInsufficientData
// 校准结果损坏时返回 models.ErrWeightCorruption 并保留原权重
func (c *Controller) Calibrate(ctx context.Context) (models.WeightVector, error) {
	if c.deps.Weights == nil || c.deps.Tracker == nil {
		return models.WeightVector{}, fmt.Errorf("%w: 未配置权重校准", models.ErrInsufficientData)
	}
	current := c.deps.Weights.Current()
	since := c.now().Add(-accuracy.LongWindow)
	if current.CalibratedThrough.After(since) {
		since = current.CalibratedThrough
	}

	samples, err := c.deps.Tracker.CalibrationSamples(ctx, since)
	if err != nil {
		return current, fmt.Errorf("权重校准: %w", err)
	}
	weights, err := c.deps.Weights.Calibrate(ctx, samples)
	switch {
	case err == nil:
		c.deps.Monitor.SetWeightVersion(weights.Version)
		slog.Info("权重校准完成", "version", weights.Version, "samples", len(samples), "calibrated_through", weights.CalibratedThrough)
		return weights, nil
	case errors.Is(err, models.ErrInsufficientData):
		return weights, err
	case errors.Is(err, models.ErrWeightCorruption):
		slog.Warn("权重校准结果损坏，本次跳过校准", "version", current.Version, "error", err)
		return weights, err
	default:
		return weights, fmt.Errorf("权重校准: %w", err)
	}
}

// publish 输出本周期事件，周期被取消时仍输出已产生的事件
func (c *Controller) publish(ctx context.Context, report *CycleReport) {
	if c.deps.Events == nil || len(report.events) == 0 {
		return
	}
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := c.deps.Events.PublishEvents(publishCtx, report.events); err != nil {
		report.addError("events", err)
		slog.Error("输出控制器事件失败", "tenant_id", report.TenantID, "cycle_id", report.CycleID, "count", len(report.events), "error", err)
	}
}

// Events 返回本周期产生的事件
func (r *CycleReport) Events() []*models.ControllerEvent {
	return r.events
}
