package platform

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// RateLimitedAction 对平台操作进行令牌桶限流
type RateLimitedAction struct {
	next    PlatformAction
	limiter *rate.Limiter
}

// NewRateLimitedAction 创建限流平台操作，perSecond <= 0 时不限流
func NewRateLimitedAction(next PlatformAction, perSecond float64, burst int) *RateLimitedAction {
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedAction{
		next:    next,
		limiter: rate.NewLimiter(limit, burst),
	}
}

func (r *RateLimitedAction) Pause(ctx context.Context, adID string) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("等待平台调用配额失败: %w", err)
	}
	return r.next.Pause(ctx, adID)
}

func (r *RateLimitedAction) SetBudget(ctx context.Context, adID string, amount float64) error {
	if err := r.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("等待平台调用配额失败: %w", err)
	}
	return r.next.SetBudget(ctx, adID, amount)
}
