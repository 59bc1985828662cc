package kill_switch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"cpc-service/service/models"
	"cpc-service/service/platform"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// ActionResult 暂停操作结果，失败不会以错误形式抛出
type ActionResult struct {
	Decision models.KillDecision
	Record   models.ActionRecord
	Err      error
}

// Success 操作是否成功
func (r ActionResult) Success() bool {
	return r.Err == nil
}

// Executor 止损执行器，调用平台暂停接口并按重试策略重试
type Executor struct {
	action  platform.PlatformAction
	policy  *platform.RetryPolicy
	workers int
}

// NewExecutor 创建止损执行器
func NewExecutor(action platform.PlatformAction, policy *platform.RetryPolicy, workers int) *Executor {
	if workers < 1 {
		workers = 1
	}
	return &Executor{action: action, policy: policy, workers: workers}
}

// ExecuteKill 执行单个止损决策
func (x *Executor) ExecuteKill(ctx context.Context, decision models.KillDecision) ActionResult {
	record := models.ActionRecord{
		ID:        uuid.New().String(),
		TenantID:  decision.Metrics.TenantID,
		AdID:      decision.AdID,
		Action:    models.ActionPause,
		CreatedAt: time.Now(),
	}

	attempts, err := x.policy.Do(ctx, "pause:"+decision.AdID, func(callCtx context.Context) error {
		return x.action.Pause(callCtx, decision.AdID)
	})
	record.Attempts = attempts
	record.Success = err == nil

	result := ActionResult{Decision: decision, Record: record}
	if err != nil {
		result.Err = fmt.Errorf("%w: 暂停广告 %s: %v", models.ErrExternalAction, decision.AdID, err)
		result.Record.Error = err.Error()
		slog.Error("暂停广告失败",
			"ad_id", decision.AdID,
			"reason", decision.Reason.String(),
			"attempts", attempts,
			"error", err)
		return result
	}

	slog.Info("广告已暂停",
		"ad_id", decision.AdID,
		"reason", decision.Reason.String(),
		"confidence", decision.Confidence,
		"waste_prevented", decision.WastePrevented,
		"attempts", attempts)
	return result
}

// ExecuteBatch 并发执行止损决策，结果与输入顺序一致；单个广告失败不影响其他广告
func (x *Executor) ExecuteBatch(ctx context.Context, decisions []models.KillDecision) []ActionResult {
	results := make([]ActionResult, len(decisions))

	var g errgroup.Group
	g.SetLimit(x.workers)
	for i := range decisions {
		g.Go(func() error {
			results[i] = x.ExecuteKill(ctx, decisions[i])
			return nil
		})
	}
	_ = g.Wait()

	return results
}
