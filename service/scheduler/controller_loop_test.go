package scheduler

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"cpc-service/service/accuracy"
	"cpc-service/service/budget"
	"cpc-service/service/config"
	"cpc-service/service/experiment"
	"cpc-service/service/kill_switch"
	"cpc-service/service/models"
	"cpc-service/service/platform"
	"cpc-service/service/prediction"
	"cpc-service/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// fakeMetrics 按租户返回预设快照，每次调用可替换
type fakeMetrics struct {
	mu        sync.Mutex
	snapshots map[string][]models.AdMetrics
	err       error
	onFetch   func()
}

func (f *fakeMetrics) FetchSnapshots(_ context.Context, tenantID string) ([]models.AdMetrics, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onFetch != nil {
		f.onFetch()
	}
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.AdMetrics(nil), f.snapshots[tenantID]...), nil
}

func (f *fakeMetrics) set(tenantID string, snaps ...models.AdMetrics) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snapshots == nil {
		f.snapshots = make(map[string][]models.AdMetrics)
	}
	f.snapshots[tenantID] = snaps
}

// recordingSink 记录事件和准确度报告
type recordingSink struct {
	mu      sync.Mutex
	events  []*models.ControllerEvent
	reports []*models.AccuracyReport
}

func (r *recordingSink) PublishEvents(_ context.Context, events []*models.ControllerEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, events...)
	return nil
}

func (r *recordingSink) PublishAccuracy(_ context.Context, _ string, report *models.AccuracyReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	return nil
}

func (r *recordingSink) eventsOfType(t models.ControllerEventType) []*models.ControllerEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.ControllerEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// failingPauseAction 暂停总是失败
type failingPauseAction struct {
	*platform.DryRunAction
	pauseCalls int
	mu         sync.Mutex
}

func (f *failingPauseAction) Pause(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pauseCalls++
	return errors.New("platform unavailable")
}

func noSleep(context.Context, time.Duration) error { return nil }

func snapshot(tenantID, adID string, impressions, clicks, conversions int64, spend, revenue float64) models.AdMetrics {
	return models.AdMetrics{
		TenantID:    tenantID,
		AdID:        adID,
		Impressions: impressions,
		Clicks:      clicks,
		Conversions: conversions,
		Spend:       spend,
		Revenue:     revenue,
		DailyBudget: 100,
		CapturedAt:  time.Now(),
	}
}

// ControllerTestSuite 控制循环测试套件
type ControllerTestSuite struct {
	suite.Suite
	ctx         context.Context
	cfg         *config.ControllerConfig
	metrics     *fakeMetrics
	action      *platform.DryRunAction
	sink        *recordingSink
	experiments *experiment.Manager
	tracker     *accuracy.Tracker
	weights     *prediction.WeightAuthority
	policy      *platform.RetryPolicy
}

func (s *ControllerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.cfg = config.DefaultControllerConfig()
	s.cfg.Tenants = []string{"t1"}
	s.cfg.ThompsonDraws = 1000
	s.cfg.Retry.MaxAttempts = 2
	s.metrics = &fakeMetrics{}
	s.action = platform.NewDryRunAction()
	s.sink = &recordingSink{}
	s.policy = platform.NewRetryPolicy(s.cfg.Retry).WithSleep(noSleep)
	s.experiments = experiment.NewManager(s.cfg, experiment.Options{
		Store:       experiment.NewMemoryStore(),
		Action:      s.action,
		RetryPolicy: s.policy,
		RandFactory: experiment.SeededRandFactory(7, 99),
	})
	s.tracker = accuracy.NewTracker(accuracy.NewMemoryStore(), s.cfg)

	weights, err := prediction.NewWeightAuthority(s.ctx, nil,
		prediction.NewWeightCalibrator(s.cfg.CalibrationLearningRate, s.cfg.CalibrationMaxStep, s.cfg.CalibrationMinSamples))
	s.Require().NoError(err)
	s.weights = weights
}

func (s *ControllerTestSuite) newController(action platform.PlatformAction, opts ...func(*ControllerDeps)) *Controller {
	deps := ControllerDeps{
		Config:        s.cfg,
		Metrics:       s.metrics,
		Action:        action,
		Events:        s.sink,
		Learning:      s.sink,
		KillEvaluator: kill_switch.NewEvaluator(s.cfg),
		KillExecutor:  kill_switch.NewExecutor(action, s.policy, 2),
		Budget:        budget.NewOptimizer(s.cfg),
		Experiments:   s.experiments,
		Tracker:       s.tracker,
		Weights:       s.weights,
		RetryPolicy:   s.policy,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	c, err := NewController(deps)
	s.Require().NoError(err)
	return c
}

func (s *ControllerTestSuite) settle(tenantID, id, adID string, predictedCTR, actualCTR float64) {
	s.Require().NoError(s.tracker.LogPrediction(s.ctx, &models.PredictionRecord{
		ID:            id,
		TenantID:      tenantID,
		SubjectID:     adID,
		PredictedCTR:  predictedCTR,
		PredictedROAS: 2,
		SubScores:     models.FloatMap{models.SubScoreHook: 0.9, models.SubScoreNovelty: 0.1},
	}))
	s.Require().NoError(s.tracker.LogActual(s.ctx, id, models.ActualValue{CTR: actualCTR, ROAS: 2}))
}

func (s *ControllerTestSuite) startExperiment() *models.Experiment {
	exp, err := s.experiments.Create(s.ctx, &models.Experiment{
		TenantID:    "t1",
		Name:        "hook",
		Objective:   "conversions",
		TotalBudget: 100,
		Variants: []models.Variant{
			{ID: "a", AdID: "ad-a"},
			{ID: "b", AdID: "ad-b"},
		},
	})
	s.Require().NoError(err)
	exp, err = s.experiments.Start(s.ctx, exp.ID, false)
	s.Require().NoError(err)
	return exp
}

// TestKillBeforeReallocation 被止损的变体先暂停，再把预算全部分配给存活变体
func (s *ControllerTestSuite) TestKillBeforeReallocation() {
	exp := s.startExperiment()
	s.metrics.set("t1",
		snapshot("t1", "ad-a", 2000, 2, 0, 5, 0),
		snapshot("t1", "ad-b", 2000, 100, 10, 100, 300),
	)

	c := s.newController(s.action)
	report, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)

	s.Require().Len(report.Kills, 1)
	s.Equal("ad-a", report.Kills[0].AdID)
	s.Equal(models.KillReasonLowCTR, report.Kills[0].Reason)
	s.True(s.action.IsPaused("ad-a"))

	s.Require().Len(report.Allocations, 1)
	s.Equal(exp.ID, report.Allocations[0].ExperimentID)
	s.InDelta(0, report.Allocations[0].Allocations["a"], 1e-9)
	s.InDelta(100, report.Allocations[0].Allocations["b"], 1e-9)

	budgetB, ok := s.action.Budget("ad-b")
	s.True(ok)
	s.InDelta(100, budgetB, 1e-9)
	_, ok = s.action.Budget("ad-a")
	s.False(ok, "已止损的广告不应再下发预算")

	calls := s.action.Calls()
	s.Require().Len(calls, 2)
	s.Equal(models.ActionPause, calls[0].Action)
	s.Equal(models.ActionSetBudget, calls[1].Action)

	// 实验中的广告不产生预算建议
	s.Empty(report.Recommendations)

	s.Len(s.sink.eventsOfType(models.EventKillDecision), 1)
	s.Len(s.sink.eventsOfType(models.EventAllocation), 1)
	s.Len(s.sink.eventsOfType(models.EventAction), 2)
	for _, e := range s.sink.events {
		s.Equal(report.CycleID, e.CycleID)
		s.Equal("t1", e.TenantID)
	}
}

// TestMonotonicGuardSkipsAd 累计值回退的广告本周期跳过，不产生决策
func (s *ControllerTestSuite) TestMonotonicGuardSkipsAd() {
	c := s.newController(s.action)

	s.metrics.set("t1", snapshot("t1", "ad-x", 5000, 200, 10, 120, 480))
	first, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.Empty(first.Skipped)
	s.Len(first.Recommendations, 1)

	s.metrics.set("t1", snapshot("t1", "ad-x", 5000, 200, 10, 80, 480))
	second, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.Equal([]string{"ad-x"}, second.Skipped)
	s.Empty(second.Recommendations)
	s.Empty(second.Kills)
	s.Len(s.sink.eventsOfType(models.EventValidation), 1)

	// 上次通过校验的快照保持不变，恢复后的快照重新通过
	s.metrics.set("t1", snapshot("t1", "ad-x", 6000, 240, 12, 130, 520))
	third, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.Empty(third.Skipped)
}

// TestMalformedSnapshotSkipped 结构非法或属于其他租户的快照被跳过
func (s *ControllerTestSuite) TestMalformedSnapshotSkipped() {
	s.metrics.set("t1",
		snapshot("t1", "ad-bad", 10, 20, 0, 1, 0),
		snapshot("t2", "ad-foreign", 5000, 200, 10, 120, 480),
		snapshot("t1", "ad-ok", 5000, 200, 10, 120, 480),
	)
	report, err := s.newController(s.action).RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.ElementsMatch([]string{"ad-bad", "ad-foreign"}, report.Skipped)
	s.Require().Len(report.Recommendations, 1)
	s.Equal("ad-ok", report.Recommendations[0].AdID)
}

// TestBudgetRecommendationAdvisoryByDefault 默认只给建议，不下发预算
func (s *ControllerTestSuite) TestBudgetRecommendationAdvisoryByDefault() {
	s.metrics.set("t1",
		snapshot("t1", "ad-scale", 5000, 200, 10, 100, 450),
		snapshot("t1", "ad-small", 500, 20, 1, 10, 5),
	)
	report, err := s.newController(s.action).RunCycle(s.ctx, "t1")
	s.Require().NoError(err)

	s.Require().Len(report.Recommendations, 1, "花费不足的广告不产生建议")
	rec := report.Recommendations[0]
	s.Equal("ad-scale", rec.AdID)
	s.Greater(rec.RecommendedBudget, rec.CurrentBudget)
	s.Empty(s.action.Calls())
	s.Len(s.sink.eventsOfType(models.EventRecommendation), 1)
}

// TestBudgetAutoApply 开启自动应用时下发建议预算
func (s *ControllerTestSuite) TestBudgetAutoApply() {
	s.cfg.AutoApplyBudget = true
	s.metrics.set("t1", snapshot("t1", "ad-cut", 5000, 200, 10, 100, 50))

	report, err := s.newController(s.action).RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.Require().Len(report.Recommendations, 1)

	amount, ok := s.action.Budget("ad-cut")
	s.True(ok)
	s.InDelta(report.Recommendations[0].RecommendedBudget, amount, 1e-9)
	s.Less(amount, 100.0)
	s.Require().Len(report.Actions, 1)
	s.Equal(report.CycleID, report.Actions[0].CycleID)
}

// TestFailedPauseRecorded 暂停失败记录为失败操作，周期本身不失败
func (s *ControllerTestSuite) TestFailedPauseRecorded() {
	action := &failingPauseAction{DryRunAction: platform.NewDryRunAction()}
	s.metrics.set("t1", snapshot("t1", "ad-a", 2000, 2, 0, 5, 0))

	report, err := s.newController(action).RunCycle(s.ctx, "t1")
	s.Require().NoError(err)

	s.Len(report.Kills, 1)
	s.Require().Len(report.Actions, 1)
	s.False(report.Actions[0].Success)
	s.Equal(2, report.Actions[0].Attempts)
	s.Equal(1, report.FailedActions())
	s.NotEmpty(report.Errors)
	s.Equal(2, action.pauseCalls)
}

// TestFailedPauseRetriedNextCycle 暂停失败的广告不写入暂停记录，下个周期重新止损
func (s *ControllerTestSuite) TestFailedPauseRetriedNextCycle() {
	action := &failingPauseAction{DryRunAction: platform.NewDryRunAction()}
	s.metrics.set("t1", snapshot("t1", "ad-a", 2000, 2, 0, 5, 0))
	c := s.newController(action)

	_, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	second, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)

	s.Len(second.Kills, 1)
	s.Empty(second.AlreadyPaused)
	s.Equal(4, action.pauseCalls)
}

// TestPausedAdNotKilledAgain 已暂停的广告快照不变时不再重复止损，重新产生展示后恢复评估
func (s *ControllerTestSuite) TestPausedAdNotKilledAgain() {
	s.metrics.set("t1", snapshot("t1", "ad-dead", 5000, 10, 0, 150, 0))
	c := s.newController(s.action)

	for i := 0; i < 3; i++ {
		report, err := c.RunCycle(s.ctx, "t1")
		s.Require().NoError(err)
		if i == 0 {
			s.Require().Len(report.Kills, 1)
			s.Equal(models.KillReasonLowCTR, report.Kills[0].Reason)
			s.Empty(report.AlreadyPaused)
			continue
		}
		s.Empty(report.Kills, "第 %d 个周期不应重复止损", i+1)
		s.Equal([]string{"ad-dead"}, report.AlreadyPaused)
		s.Empty(report.Recommendations)
		s.Empty(report.Actions)
	}
	s.Len(s.action.Calls(), 1)
	s.Len(s.sink.eventsOfType(models.EventKillDecision), 1)
	s.Len(s.sink.eventsOfType(models.EventAction), 1)

	// 广告在平台被重新启用后继续花费，再次评估并暂停
	s.metrics.set("t1", snapshot("t1", "ad-dead", 6000, 12, 0, 180, 0))
	report, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.Len(report.Kills, 1)
	s.Empty(report.AlreadyPaused)
	s.Len(s.action.Calls(), 2)
}

// TestPauseLedgerSharedAcrossControllers 共享暂停记录的另一个实例不会重复暂停
func (s *ControllerTestSuite) TestPauseLedgerSharedAcrossControllers() {
	ledger := kill_switch.NewMemoryPauseLedger()
	withLedger := func(d *ControllerDeps) { d.Pauses = ledger }
	s.metrics.set("t1", snapshot("t1", "ad-dead", 5000, 10, 0, 150, 0))

	first, err := s.newController(s.action, withLedger).RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.Len(first.Kills, 1)

	second, err := s.newController(s.action, withLedger).RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.Empty(second.Kills)
	s.Equal([]string{"ad-dead"}, second.AlreadyPaused)
	s.Len(s.action.Calls(), 1)

	paused, err := ledger.PausedAds(s.ctx, "t1")
	s.Require().NoError(err)
	s.Equal(first.CycleID, paused["ad-dead"].CycleID)
}

// TestPausedVariantGetsNoBudget 已暂停的实验变体在后续周期被排除，不再下发预算
func (s *ControllerTestSuite) TestPausedVariantGetsNoBudget() {
	exp := s.startExperiment()
	s.metrics.set("t1",
		snapshot("t1", "ad-a", 2000, 2, 0, 5, 0),
		snapshot("t1", "ad-b", 2000, 100, 10, 100, 300),
	)
	c := s.newController(s.action)
	_, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)

	report, err := c.RunCycle(s.ctx, "t1")
	s.Require().NoError(err)
	s.Empty(report.Kills)
	s.Equal([]string{"ad-a"}, report.AlreadyPaused)
	s.Require().Len(report.Allocations, 1)
	s.Equal(exp.ID, report.Allocations[0].ExperimentID)
	s.Contains(report.Allocations[0].Excluded, "a")
	for _, a := range report.Actions {
		s.NotEqual("ad-a", a.AdID)
	}
	for _, call := range s.action.Calls() {
		if call.AdID == "ad-a" {
			s.Equal(models.ActionPause, call.Action)
		}
	}
}

// TestSettlementAndAccuracy 周期内结算预测并输出准确度报告
func (s *ControllerTestSuite) TestSettlementAndAccuracy() {
	s.Require().NoError(s.tracker.LogPrediction(s.ctx, &models.PredictionRecord{
		ID:            "p1",
		TenantID:      "t1",
		SubjectID:     "ad-x",
		PredictedCTR:  0.05,
		PredictedROAS: 4.0,
		CreatedAt:     time.Now().Add(-time.Hour),
	}))
	s.metrics.set("t1", snapshot("t1", "ad-x", 5000, 200, 10, 120, 480))

	report, err := s.newController(s.action).RunCycle(s.ctx, "t1")
	s.Require().NoError(err)

	s.Equal(1, report.Settled)
	s.Require().NotNil(report.Accuracy)
	s.Equal("t1", report.Accuracy.TenantID)
	s.Equal(1, report.Accuracy.SampleCount)
	// CTR 误差 |0.05-0.04|/0.04=0.25，ROAS 无误差
	s.InDelta(0.125, report.Accuracy.MAPE, 1e-9)
	s.Require().Len(s.sink.reports, 1)
	s.Len(s.sink.eventsOfType(models.EventAccuracyReport), 1)

	// 单个租户的周期不校准权重
	s.False(report.Calibrated)
	s.Equal(1, report.WeightVersion)
}

// TestAccuracyReportPerTenant 每个租户的报告只统计本租户的预测
func (s *ControllerTestSuite) TestAccuracyReportPerTenant() {
	s.cfg.Tenants = []string{"t1", "t2"}
	for _, p := range []struct{ tenant, id, ad string; ctr float64 }{
		{"t1", "p1", "ad-x", 0.05},
		{"t2", "p2", "ad-y", 0.02},
	} {
		s.Require().NoError(s.tracker.LogPrediction(s.ctx, &models.PredictionRecord{
			ID: p.id, TenantID: p.tenant, SubjectID: p.ad, PredictedCTR: p.ctr, PredictedROAS: 4,
		}))
	}
	s.metrics.set("t1", snapshot("t1", "ad-x", 5000, 200, 10, 120, 480))
	s.metrics.set("t2", snapshot("t2", "ad-y", 5000, 200, 10, 120, 480))

	reportFor := func(tenantID string, mape float64) interface{} {
		return mock.MatchedBy(func(r *models.AccuracyReport) bool {
			return r.TenantID == tenantID && r.SampleCount == 1 && math.Abs(r.MAPE-mape) < 1e-9
		})
	}
	learning := new(testutil.MockLearningSink)
	// CTR 误差分别为 0.25 和 0.5，ROAS 无误差
	learning.On("PublishAccuracy", mock.Anything, "t1", reportFor("t1", 0.125)).Return(nil).Once()
	learning.On("PublishAccuracy", mock.Anything, "t2", reportFor("t2", 0.25)).Return(nil).Once()

	reports, err := s.newController(s.action, func(d *ControllerDeps) { d.Learning = learning }).RunAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(reports, 2)
	learning.AssertExpectations(s.T())

	s.Equal(1, reports[0].Settled)
	s.Equal(1, reports[1].Settled)
	s.Equal("t1", reports[0].Accuracy.TenantID)
	s.Equal("t2", reports[1].Accuracy.TenantID)
}

// TestCalibrationOncePerRound 每轮调度只校准一次，没有新结果时权重版本不变
func (s *ControllerTestSuite) TestCalibrationOncePerRound() {
	s.cfg.Tenants = []string{"t1", "t2"}
	weights, err := prediction.NewWeightAuthority(s.ctx, nil, prediction.NewWeightCalibrator(0.05, 0.05, 2))
	s.Require().NoError(err)
	s.weights = weights

	s.settle("t1", "p1", "ad-1", 0.02, 0.03)
	s.settle("t2", "p2", "ad-2", 0.02, 0.03)

	c := s.newController(s.action)
	first, err := c.RunAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(first, 2)
	for _, r := range first {
		s.True(r.Calibrated)
		s.Equal(2, r.WeightVersion)
	}
	calibrated := weights.Current()
	s.Equal(2, calibrated.Version)

	for i := 0; i < 3; i++ {
		reports, err := c.RunAll(s.ctx)
		s.Require().NoError(err)
		for _, r := range reports {
			s.False(r.Calibrated)
			s.Equal(2, r.WeightVersion)
		}
	}
	s.Equal(2, weights.Current().Version)
	s.Equal(calibrated.Weights, weights.Current().Weights)

	// 新结果足够时再次校准
	s.settle("t1", "p3", "ad-1", 0.02, 0.03)
	s.settle("t2", "p4", "ad-2", 0.02, 0.03)
	reports, err := c.RunAll(s.ctx)
	s.Require().NoError(err)
	s.True(reports[0].Calibrated)
	s.Equal(3, weights.Current().Version)
}

// TestFetchFailure 拉取指标失败时周期失败
func (s *ControllerTestSuite) TestFetchFailure() {
	s.metrics.err = errors.New("source down")
	report, err := s.newController(s.action).RunCycle(s.ctx, "t1")
	s.Require().Error(err)
	s.NotNil(report)
	s.False(report.Cancelled)
	s.Empty(s.action.Calls())
}

// TestCancellationStopsBeforeActions 取消后不再执行平台操作，已产生的事件仍输出
func (s *ControllerTestSuite) TestCancellationStopsBeforeActions() {
	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	s.metrics.onFetch = cancel
	s.metrics.set("t1",
		snapshot("t1", "ad-bad", 10, 20, 0, 1, 0),
		snapshot("t1", "ad-a", 2000, 2, 0, 5, 0),
	)

	c := s.newController(s.action)
	report, err := c.RunCycle(ctx, "t1")
	s.Require().ErrorIs(err, context.Canceled)
	s.True(report.Cancelled)
	s.Empty(s.action.Calls())
	s.Len(s.sink.eventsOfType(models.EventValidation), 1)

	last, ok := c.LastReport("t1")
	s.True(ok)
	s.Equal(report.CycleID, last.CycleID)
	s.False(c.LastCycleAt().IsZero())
}

// TestRunAllUsesConfiguredTenants 依次运行配置中的租户
func (s *ControllerTestSuite) TestRunAllUsesConfiguredTenants() {
	s.cfg.Tenants = []string{"t1", "t2"}
	s.metrics.set("t1", snapshot("t1", "ad-1", 5000, 200, 10, 120, 480))
	s.metrics.set("t2", snapshot("t2", "ad-2", 5000, 200, 10, 120, 480))

	reports, err := s.newController(s.action).RunAll(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(reports, 2)
	s.Equal("t1", reports[0].TenantID)
	s.Equal("t2", reports[1].TenantID)
}

func TestControllerSuite(t *testing.T) {
	suite.Run(t, new(ControllerTestSuite))
}

type staticTenants []string

func (s staticTenants) Tenants(context.Context) ([]string, error) { return s, nil }

func TestTenantIDs_PrefersSource(t *testing.T) {
	cfg := config.DefaultControllerConfig()
	c, err := NewController(ControllerDeps{Config: cfg, Metrics: &fakeMetrics{}, Tenants: staticTenants{"x", "y"}})
	require.NoError(t, err)

	tenants, err := c.TenantIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"x", "y"}, tenants)

	c, err = NewController(ControllerDeps{Config: cfg, Metrics: &fakeMetrics{}, Tenants: staticTenants{}})
	require.NoError(t, err)
	tenants, err = c.TenantIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, cfg.Tenants, tenants)
}

func TestNewController_RequiresConfigAndMetrics(t *testing.T) {
	_, err := NewController(ControllerDeps{Metrics: &fakeMetrics{}})
	assert.Error(t, err)
	_, err = NewController(ControllerDeps{Config: config.DefaultControllerConfig()})
	assert.Error(t, err)
}
