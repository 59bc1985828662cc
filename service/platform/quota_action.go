package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrQuotaExceeded 暂停配额已用尽
var ErrQuotaExceeded = errors.New("暂停配额已用尽")

// QuotaChecker 配额检查，rate_limiter.RedisActionQuota 实现该接口
type QuotaChecker interface {
	Allow(ctx context.Context, scope string) (bool, error)
}

// QuotaAction 限制窗口内的暂停次数，防止异常数据导致批量停投
type QuotaAction struct {
	next  PlatformAction
	quota QuotaChecker
	scope string
}

// NewQuotaAction 创建带暂停配额的平台操作
func NewQuotaAction(next PlatformAction, quota QuotaChecker, scope string) *QuotaAction {
	if scope == "" {
		scope = "pause"
	}
	return &QuotaAction{next: next, quota: quota, scope: scope}
}

// Pause 配额内执行暂停；配额用尽返回不可重试错误
func (q *QuotaAction) Pause(ctx context.Context, adID string) error {
	allowed, err := q.quota.Allow(ctx, q.scope)
	if err != nil {
		// 配额服务不可用时不阻断止损
		slog.Warn("暂停配额检查失败，继续执行", "ad_id", adID, "error", err)
		return q.next.Pause(ctx, adID)
	}
	if !allowed {
		return Permanent(fmt.Errorf("%w: 广告 %s 未暂停", ErrQuotaExceeded, adID))
	}
	return q.next.Pause(ctx, adID)
}

// SetBudget 预算调整不受暂停配额限制
func (q *QuotaAction) SetBudget(ctx context.Context, adID string, amount float64) error {
	return q.next.SetBudget(ctx, adID, amount)
}
