/*
 * @module service/accuracy/tracker
 * @description 预测准确度跟踪器，登记预测与实际结果，计算滚动窗口MAPE并检测漂移
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 预测登记 -> 实际结果结算 -> 窗口误差统计 -> 漂移判定 -> 学习通道
 * @rules 预测与结果只追加不更新；重复提交相同结果为空操作，不同结果返回冲突错误并保留原值
 * @dependencies cpc-service/service/models, cpc-service/service/config
 * @refs service/store/accuracy_store.go, service/scheduler/controller_loop.go
 */

package accuracy

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"cpc-service/service/config"
	"cpc-service/service/models"
	"cpc-service/service/prediction"
)

// 滚动窗口
const (
	ShortWindow = 7 * 24 * time.Hour
	LongWindow  = 30 * 24 * time.Hour
)

// outcomeTolerance 判定两次提交的实际值相同的容差
const outcomeTolerance = 1e-9

// SettledPrediction 已结算的预测
type SettledPrediction struct {
	Prediction models.PredictionRecord
	Outcome    models.OutcomeRecord
}

// Store 预测与结果的存储接口
type Store interface {
	// SavePrediction 保存预测，ID已存在时返回 models.ErrDuplicateID
	SavePrediction(ctx context.Context, record *models.PredictionRecord) error
	// GetPrediction 查询预测，不存在时返回 models.ErrUnknownPrediction
	GetPrediction(ctx context.Context, id string) (*models.PredictionRecord, error)
	// GetOutcome 查询结果，未结算时返回 nil, nil
	GetOutcome(ctx context.Context, predictionID string) (*models.OutcomeRecord, error)
	SaveOutcome(ctx context.Context, outcome *models.OutcomeRecord) error
	// ListSettled 返回租户下结算时间不早于 since 的预测，tenantID 为空时返回全部租户
	ListSettled(ctx context.Context, tenantID string, since time.Time) ([]SettledPrediction, error)
	// ListUnsettled 返回租户下指定对象的未结算预测，tenantID 为空时不按租户过滤
	ListUnsettled(ctx context.Context, tenantID string, subjectIDs []string) ([]models.PredictionRecord, error)
}

// Tracker 准确度跟踪器
type Tracker struct {
	mu              sync.Mutex // 串行化结果结算的检查与写入
	store           Store
	driftMultiplier float64
	tolerance       float64
	minDriftSamples int
	now             func() time.Time
}

// NewTracker 创建准确度跟踪器
func NewTracker(store Store, cfg *config.ControllerConfig) *Tracker {
	return &Tracker{
		store:           store,
		driftMultiplier: cfg.DriftMultiplier,
		tolerance:       cfg.AccuracyTolerance,
		minDriftSamples: cfg.MinDriftSamples,
		now:             time.Now,
	}
}

// LogPrediction 登记预测
func (t *Tracker) LogPrediction(ctx context.Context, record *models.PredictionRecord) error {
	if record == nil || record.ID == "" || record.SubjectID == "" {
		return fmt.Errorf("%w: 预测ID和对象ID不能为空", models.ErrValidation)
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = t.now()
	}
	if err := t.store.SavePrediction(ctx, record); err != nil {
		return fmt.Errorf("登记预测 %s 失败: %w", record.ID, err)
	}
	return nil
}

// LogActual 登记实际结果
// 首次提交写入结果；再次提交相同值为空操作；不同值返回 models.ErrConflictingOutcome 并保留原值
func (t *Tracker) LogActual(ctx context.Context, predictionID string, actual models.ActualValue) error {
	if actual.CTR < 0 || actual.ROAS < 0 || math.IsNaN(actual.CTR) || math.IsNaN(actual.ROAS) {
		return fmt.Errorf("%w: 实际值不能为负数", models.ErrValidation)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if _, err := t.store.GetPrediction(ctx, predictionID); err != nil {
		return err
	}

	existing, err := t.store.GetOutcome(ctx, predictionID)
	if err != nil {
		return fmt.Errorf("查询预测 %s 的结果失败: %w", predictionID, err)
	}
	if existing != nil {
		if sameActual(existing.Actual(), actual) {
			return nil
		}
		slog.Warn("实际结果冲突，保留原值",
			"prediction_id", predictionID,
			"original_ctr", existing.ActualCTR, "original_roas", existing.ActualROAS,
			"new_ctr", actual.CTR, "new_roas", actual.ROAS)
		return fmt.Errorf("%w: 预测 %s 已记录 ctr=%.6f roas=%.4f",
			models.ErrConflictingOutcome, predictionID, existing.ActualCTR, existing.ActualROAS)
	}

	outcome := &models.OutcomeRecord{
		PredictionID: predictionID,
		ActualCTR:    actual.CTR,
		ActualROAS:   actual.ROAS,
		LoggedAt:     t.now(),
	}
	if err := t.store.SaveOutcome(ctx, outcome); err != nil {
		return fmt.Errorf("保存预测 %s 的结果失败: %w", predictionID, err)
	}
	return nil
}

// Pending 返回租户下指定广告尚未结算的预测
func (t *Tracker) Pending(ctx context.Context, tenantID string, subjectIDs []string) ([]models.PredictionRecord, error) {
	if len(subjectIDs) == 0 {
		return nil, nil
	}
	return t.store.ListUnsettled(ctx, tenantID, subjectIDs)
}

// SettleFromMetrics 用租户的广告指标结算该租户的未结算预测，返回结算条数
// 展示量低于 minImpressions 的广告不结算
func (t *Tracker) SettleFromMetrics(ctx context.Context, tenantID string, snapshots []models.AdMetrics, minImpressions int64) (int, error) {
	byAd := make(map[string]models.AdMetrics, len(snapshots))
	ids := make([]string, 0, len(snapshots))
	for _, m := range snapshots {
		if m.Impressions < minImpressions {
			continue
		}
		byAd[m.AdID] = m
		ids = append(ids, m.AdID)
	}

	pending, err := t.Pending(ctx, tenantID, ids)
	if err != nil {
		return 0, fmt.Errorf("查询未结算预测失败: %w", err)
	}

	settled := 0
	for _, p := range pending {
		m, ok := byAd[p.SubjectID]
		if !ok {
			continue
		}
		err := t.LogActual(ctx, p.ID, models.ActualValue{CTR: m.CTR(), ROAS: m.ROAS()})
		if err != nil {
			slog.Warn("结算预测失败", "prediction_id", p.ID, "ad_id", p.SubjectID, "error", err)
			continue
		}
		settled++
	}
	return settled, nil
}

// AccuracyReport 计算租户截至 now 的准确度报告，tenantID 为空时统计全部租户
func (t *Tracker) AccuracyReport(ctx context.Context, tenantID string, now time.Time) (*models.AccuracyReport, error) {
	settled, err := t.store.ListSettled(ctx, tenantID, time.Time{})
	if err != nil {
		return nil, fmt.Errorf("查询已结算预测失败: %w", err)
	}

	var all, ctrAll, roasAll, short, long window
	for _, s := range settled {
		ape, ok := sampleAPE(s)
		if !ok {
			continue
		}
		all.add(ape, t.tolerance)
		if v, ok := relativeError(s.Prediction.PredictedCTR, s.Outcome.ActualCTR); ok {
			ctrAll.add(v, t.tolerance)
		}
		if v, ok := relativeError(s.Prediction.PredictedROAS, s.Outcome.ActualROAS); ok {
			roasAll.add(v, t.tolerance)
		}
		age := now.Sub(s.Outcome.LoggedAt)
		if age <= LongWindow {
			long.add(ape, t.tolerance)
		}
		if age <= ShortWindow {
			short.add(ape, t.tolerance)
		}
	}

	report := &models.AccuracyReport{
		TenantID:    tenantID,
		SampleCount: all.count,
		MAPE:        all.mape(),
		CTRMAPE:     ctrAll.mape(),
		ROASMAPE:    roasAll.mape(),
		MAPE7d:      short.mape(),
		MAPE30d:     long.mape(),
		Samples7d:   short.count,
		Samples30d:  long.count,
		Accuracy7d:  short.accuracy(),
		Accuracy30d: long.accuracy(),
		GeneratedAt: now,
	}
	report.DriftDetected = t.isDrift(report)
	return report, nil
}

// isDrift 7天MAPE超过30天MAPE的 driftMultiplier 倍判定为漂移，两个窗口样本都需达到下限
func (t *Tracker) isDrift(r *models.AccuracyReport) bool {
	if r.Samples7d < t.minDriftSamples || r.Samples30d < t.minDriftSamples {
		return false
	}
	if r.MAPE30d <= 0 {
		return false
	}
	return r.MAPE7d > t.driftMultiplier*r.MAPE30d
}

// CalibrationSamples 返回全部租户在 since 之后结算的CTR样本，供全局权重校准
func (t *Tracker) CalibrationSamples(ctx context.Context, since time.Time) ([]prediction.CalibrationSample, error) {
	settled, err := t.store.ListSettled(ctx, "", since)
	if err != nil {
		return nil, fmt.Errorf("查询校准样本失败: %w", err)
	}
	samples := make([]prediction.CalibrationSample, 0, len(settled))
	for _, s := range settled {
		if len(s.Prediction.SubScores) == 0 || s.Prediction.PredictedCTR <= 0 {
			continue
		}
		samples = append(samples, prediction.CalibrationSample{
			SubScores: s.Prediction.SubScores.Clone(),
			Predicted: s.Prediction.PredictedCTR,
			Actual:    s.Outcome.ActualCTR,
			LoggedAt:  s.Outcome.LoggedAt,
		})
	}
	return samples, nil
}

// window 单个窗口的误差累加
type window struct {
	count  int
	sumAPE float64
	within int
}

func (w *window) add(ape, tolerance float64) {
	w.count++
	w.sumAPE += ape
	if ape <= tolerance {
		w.within++
	}
}

func (w window) mape() float64 {
	if w.count == 0 {
		return 0
	}
	return w.sumAPE / float64(w.count)
}

func (w window) accuracy() float64 {
	if w.count == 0 {
		return 0
	}
	return float64(w.within) / float64(w.count)
}

// sampleAPE 单条样本的绝对百分比误差，取实际值为正的各指标的平均
func sampleAPE(s SettledPrediction) (float64, bool) {
	sum, n := 0.0, 0
	if v, ok := relativeError(s.Prediction.PredictedCTR, s.Outcome.ActualCTR); ok {
		sum += v
		n++
	}
	if v, ok := relativeError(s.Prediction.PredictedROAS, s.Outcome.ActualROAS); ok {
		sum += v
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

func relativeError(predicted, actual float64) (float64, bool) {
	if actual <= 0 {
		return 0, false
	}
	return math.Abs(predicted-actual) / actual, true
}

func sameActual(a, b models.ActualValue) bool {
	return math.Abs(a.CTR-b.CTR) <= outcomeTolerance && math.Abs(a.ROAS-b.ROAS) <= outcomeTolerance
}
