package accuracy

import (
	"context"
	"testing"
	"time"

	"cpc-service/service/config"
	"cpc-service/service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

// TrackerTestSuite 准确度跟踪器测试套件
type TrackerTestSuite struct {
	suite.Suite
	ctx     context.Context
	store   *MemoryStore
	tracker *Tracker
	clock   time.Time
}

func (s *TrackerTestSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = NewMemoryStore()
	s.tracker = NewTracker(s.store, config.DefaultControllerConfig())
	s.clock = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	s.tracker.now = func() time.Time { return s.clock }
}

func (s *TrackerTestSuite) logPrediction(id, subject string, ctr float64) {
	s.logTenantPrediction("t1", id, subject, ctr)
}

func (s *TrackerTestSuite) logTenantPrediction(tenantID, id, subject string, ctr float64) {
	err := s.tracker.LogPrediction(s.ctx, &models.PredictionRecord{
		ID:           id,
		TenantID:     tenantID,
		SubjectID:    subject,
		PredictedCTR: ctr,
		SubScores:    models.FloatMap{models.SubScoreHook: 0.6, models.SubScoreNovelty: 0.4},
	})
	s.Require().NoError(err)
}

// TestLogActualIdempotentAndConflict 同值重复结算为空操作，不同值冲突且保留原值
func (s *TrackerTestSuite) TestLogActualIdempotentAndConflict() {
	s.logPrediction("p1", "ad-1", 0.04)

	s.NoError(s.tracker.LogActual(s.ctx, "p1", models.ActualValue{CTR: 0.038}))
	s.NoError(s.tracker.LogActual(s.ctx, "p1", models.ActualValue{CTR: 0.038}))

	err := s.tracker.LogActual(s.ctx, "p1", models.ActualValue{CTR: 0.05})
	s.ErrorIs(err, models.ErrConflictingOutcome)

	outcome, err := s.store.GetOutcome(s.ctx, "p1")
	s.Require().NoError(err)
	s.Require().NotNil(outcome)
	s.InDelta(0.038, outcome.ActualCTR, 1e-12)
}

// TestLogActualUnknownPrediction 未登记的预测
func (s *TrackerTestSuite) TestLogActualUnknownPrediction() {
	err := s.tracker.LogActual(s.ctx, "missing", models.ActualValue{CTR: 0.01})
	s.ErrorIs(err, models.ErrUnknownPrediction)
}

// TestLogActualRejectsNegative 负数实际值
func (s *TrackerTestSuite) TestLogActualRejectsNegative() {
	s.logPrediction("p1", "ad-1", 0.04)
	err := s.tracker.LogActual(s.ctx, "p1", models.ActualValue{CTR: -0.01})
	s.ErrorIs(err, models.ErrValidation)
}

// TestLogPredictionDuplicate 重复的预测ID
func (s *TrackerTestSuite) TestLogPredictionDuplicate() {
	s.logPrediction("p1", "ad-1", 0.04)
	err := s.tracker.LogPrediction(s.ctx, &models.PredictionRecord{ID: "p1", SubjectID: "ad-2"})
	s.ErrorIs(err, models.ErrDuplicateID)
}

// TestAccuracyReportDetectsDrift 近7天误差显著高于30天基线时判定漂移
func (s *TrackerTestSuite) TestAccuracyReportDetectsDrift() {
	now := s.clock

	// 20天前结算10条，误差10%
	s.clock = now.Add(-20 * 24 * time.Hour)
	for i := 0; i < 10; i++ {
		id := "old-" + string(rune('a'+i))
		s.logPrediction(id, "ad-old", 0.011)
		s.Require().NoError(s.tracker.LogActual(s.ctx, id, models.ActualValue{CTR: 0.01}))
	}

	// 1天前结算5条，误差50%
	s.clock = now.Add(-24 * time.Hour)
	for i := 0; i < 5; i++ {
		id := "new-" + string(rune('a'+i))
		s.logPrediction(id, "ad-new", 0.015)
		s.Require().NoError(s.tracker.LogActual(s.ctx, id, models.ActualValue{CTR: 0.01}))
	}

	report, err := s.tracker.AccuracyReport(s.ctx, "t1", now)
	s.Require().NoError(err)

	s.Equal("t1", report.TenantID)
	s.Equal(15, report.SampleCount)
	s.Equal(5, report.Samples7d)
	s.Equal(15, report.Samples30d)
	s.InDelta(0.5, report.MAPE7d, 1e-9)
	s.InDelta(3.5/15, report.MAPE30d, 1e-9)
	s.InDelta(0.0, report.Accuracy7d, 1e-12)
	s.InDelta(10.0/15, report.Accuracy30d, 1e-12)
	s.InDelta(0.0, report.ROASMAPE, 1e-12)
	s.True(report.DriftDetected)
}

// TestAccuracyReportNoDriftWithFewSamples 样本不足不判定漂移
func (s *TrackerTestSuite) TestAccuracyReportNoDriftWithFewSamples() {
	s.logPrediction("p1", "ad-1", 0.02)
	s.Require().NoError(s.tracker.LogActual(s.ctx, "p1", models.ActualValue{CTR: 0.01}))

	report, err := s.tracker.AccuracyReport(s.ctx, "t1", s.clock)
	s.Require().NoError(err)
	s.Equal(1, report.Samples7d)
	s.InDelta(1.0, report.MAPE7d, 1e-9)
	s.False(report.DriftDetected)
}

// TestAccuracyReportExcludesExpired 超过30天的样本只计入总体MAPE
func (s *TrackerTestSuite) TestAccuracyReportExcludesExpired() {
	now := s.clock
	s.clock = now.Add(-45 * 24 * time.Hour)
	s.logPrediction("p1", "ad-1", 0.02)
	s.Require().NoError(s.tracker.LogActual(s.ctx, "p1", models.ActualValue{CTR: 0.01}))

	report, err := s.tracker.AccuracyReport(s.ctx, "t1", now)
	s.Require().NoError(err)
	s.Equal(1, report.SampleCount)
	s.Equal(0, report.Samples30d)
	s.Equal(0, report.Samples7d)
}

// TestSettleFromMetrics 展示量达到下限的广告结算其未结算预测
func (s *TrackerTestSuite) TestSettleFromMetrics() {
	s.logPrediction("p1", "ad-1", 0.03)
	s.logPrediction("p2", "ad-2", 0.03)

	snapshots := []models.AdMetrics{
		{AdID: "ad-1", Impressions: 2000, Clicks: 40, Spend: 100, Revenue: 250},
		{AdID: "ad-2", Impressions: 500, Clicks: 10, Spend: 20},
	}
	settled, err := s.tracker.SettleFromMetrics(s.ctx, "t1", snapshots, 1000)
	s.Require().NoError(err)
	s.Equal(1, settled)

	outcome, err := s.store.GetOutcome(s.ctx, "p1")
	s.Require().NoError(err)
	s.Require().NotNil(outcome)
	s.InDelta(0.02, outcome.ActualCTR, 1e-12)
	s.InDelta(2.5, outcome.ActualROAS, 1e-12)

	pending, err := s.tracker.Pending(s.ctx, "t1", []string{"ad-1", "ad-2"})
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal("p2", pending[0].ID)
}

// TestAccuracyReportPerTenant 报告只统计本租户的预测，空租户统计全部
func (s *TrackerTestSuite) TestAccuracyReportPerTenant() {
	s.logTenantPrediction("t1", "p1", "ad-1", 0.02)
	s.Require().NoError(s.tracker.LogActual(s.ctx, "p1", models.ActualValue{CTR: 0.01}))
	s.logTenantPrediction("t2", "p2", "ad-2", 0.011)
	s.Require().NoError(s.tracker.LogActual(s.ctx, "p2", models.ActualValue{CTR: 0.01}))
	s.logTenantPrediction("t2", "p3", "ad-3", 0.011)
	s.Require().NoError(s.tracker.LogActual(s.ctx, "p3", models.ActualValue{CTR: 0.01}))

	t1, err := s.tracker.AccuracyReport(s.ctx, "t1", s.clock)
	s.Require().NoError(err)
	s.Equal("t1", t1.TenantID)
	s.Equal(1, t1.SampleCount)
	s.InDelta(1.0, t1.MAPE, 1e-9)

	t2, err := s.tracker.AccuracyReport(s.ctx, "t2", s.clock)
	s.Require().NoError(err)
	s.Equal(2, t2.SampleCount)
	s.InDelta(0.1, t2.MAPE, 1e-9)

	all, err := s.tracker.AccuracyReport(s.ctx, "", s.clock)
	s.Require().NoError(err)
	s.Equal(3, all.SampleCount)
	s.Empty(all.TenantID)
}

// TestSettleFromMetricsIgnoresOtherTenants 同名广告的其他租户预测不被结算
func (s *TrackerTestSuite) TestSettleFromMetricsIgnoresOtherTenants() {
	s.logTenantPrediction("t1", "p1", "ad-1", 0.03)
	s.logTenantPrediction("t2", "p2", "ad-1", 0.03)

	snapshots := []models.AdMetrics{{TenantID: "t1", AdID: "ad-1", Impressions: 2000, Clicks: 40, Spend: 100, Revenue: 250}}
	settled, err := s.tracker.SettleFromMetrics(s.ctx, "t1", snapshots, 1000)
	s.Require().NoError(err)
	s.Equal(1, settled)

	pending, err := s.tracker.Pending(s.ctx, "t2", []string{"ad-1"})
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal("p2", pending[0].ID)
}

// TestCalibrationSamples 校准样本携带子评分
func (s *TrackerTestSuite) TestCalibrationSamples() {
	s.logPrediction("p1", "ad-1", 0.02)
	s.logPrediction("p2", "ad-1", 0.02)
	s.Require().NoError(s.tracker.LogActual(s.ctx, "p1", models.ActualValue{CTR: 0.03}))

	samples, err := s.tracker.CalibrationSamples(s.ctx, time.Time{})
	s.Require().NoError(err)
	s.Require().Len(samples, 1)
	s.InDelta(0.02, samples[0].Predicted, 1e-12)
	s.InDelta(0.03, samples[0].Actual, 1e-12)
	s.InDelta(0.6, samples[0].SubScores[models.SubScoreHook], 1e-12)
	s.Equal(s.clock, samples[0].LoggedAt)
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerTestSuite))
}

func TestRelativeError(t *testing.T) {
	v, ok := relativeError(0.04, 0.038)
	require.True(t, ok)
	assert.InDelta(t, 0.002/0.038, v, 1e-12)

	_, ok = relativeError(0.04, 0)
	assert.False(t, ok)
}
