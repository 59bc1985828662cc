/*
 * @module service/platform/retry_policy
 * @description 外部平台调用的重试策略：单次调用超时、有限次数、指数退避与随机抖动
 * @architecture 策略模式 - 可独立测试的重试策略对象
 * @documentReference DESIGN.md
 * @stateFlow 调用 -> 失败 -> 退避等待 -> 重试 -> 成功/耗尽
 * @rules 永久错误不重试；上下文取消立即停止；耗尽后返回最后一次错误
 * @dependencies cpc-service/service/config
 * @refs service/kill_switch/executor.go
 */

package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand/v2"
	"time"

	"cpc-service/service/config"
)

// permanentError 不应重试的错误
type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// Permanent 标记错误为不可重试
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent 判断错误是否为不可重试错误
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// RetryPolicy 重试策略
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
	Jitter      float64
	CallTimeout time.Duration

	random func() float64
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryPolicy 根据配置创建重试策略
func NewRetryPolicy(cfg config.RetryConfig) *RetryPolicy {
	p := &RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		BaseDelay:   cfg.BaseDelay,
		MaxDelay:    cfg.MaxDelay,
		Multiplier:  cfg.Multiplier,
		Jitter:      cfg.Jitter,
		CallTimeout: cfg.CallTimeout,
		random:      rand.Float64,
		sleep:       sleepContext,
	}
	if p.MaxAttempts < 1 {
		p.MaxAttempts = 1
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	return p
}

// WithSleep 替换等待函数，测试中用于跳过真实等待
func (p *RetryPolicy) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *RetryPolicy {
	cp := *p
	cp.sleep = sleep
	return &cp
}

// WithRandom 替换抖动随机源
func (p *RetryPolicy) WithRandom(random func() float64) *RetryPolicy {
	cp := *p
	cp.random = random
	return &cp
}

// Delay 第 attempt 次失败后的等待时间（attempt 从1开始）
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 && p.random != nil {
		d *= 1 + p.Jitter*(2*p.random()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Do 按策略执行操作，返回实际尝试次数和最终错误
func (p *RetryPolicy) Do(ctx context.Context, name string, op func(ctx context.Context) error) (int, error) {
	var lastErr error

	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, fmt.Errorf("%s 重试被取消: %w", name, err)
		}

		lastErr = p.call(ctx, op)
		if lastErr == nil {
			return attempt, nil
		}
		if IsPermanent(lastErr) {
			return attempt, lastErr
		}

		slog.Warn("外部调用失败",
			"operation", name,
			"attempt", attempt,
			"max_attempts", p.MaxAttempts,
			"error", lastErr)

		if attempt == p.MaxAttempts {
			break
		}
		if err := p.sleep(ctx, p.Delay(attempt)); err != nil {
			return attempt, fmt.Errorf("%s 重试被取消: %w", name, err)
		}
	}

	return p.MaxAttempts, fmt.Errorf("%s 重试 %d 次后仍然失败: %w", name, p.MaxAttempts, lastErr)
}

// call 单次调用，附加超时
func (p *RetryPolicy) call(ctx context.Context, op func(ctx context.Context) error) error {
	if p.CallTimeout <= 0 {
		return op(ctx)
	}
	callCtx, cancel := context.WithTimeout(ctx, p.CallTimeout)
	defer cancel()
	return op(callCtx)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
