/*
 * @module service/rate_limiter/action_quota
 * @description 基于Redis的平台操作配额，限制固定窗口内的暂停次数，多实例共享计数
 * @architecture 工具层 - 提供分布式限流能力
 * @documentReference DESIGN.md
 * @stateFlow 检查配额 -> Redis原子计数 -> 判断是否超限
 * @rules 使用Lua脚本原子执行INCR和EXPIRE，超限时不增加计数
 * @dependencies github.com/go-redis/redis/v8
 * @refs service/platform/quota_action.go, service/init.go
 */

package rate_limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// QuotaResult 配额检查结果
type QuotaResult struct {
	Allowed   bool   `json:"allowed"`
	Limit     int    `json:"limit"`
	Remaining int    `json:"remaining"`
	ResetAt   int64  `json:"reset_at"` // Unix时间戳
	Scope     string `json:"scope"`
}

// quotaScript 原子检查并计数
const quotaScript = `
	local key = KEYS[1]
	local max_requests = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])

	local current = redis.call('GET', key)
	if current == false then
		current = 0
	else
		current = tonumber(current)
	end

	if current >= max_requests then
		local ttl = redis.call('TTL', key)
		if ttl < 0 then
			ttl = window
		end
		return {0, current, ttl}
	end

	local new_count = redis.call('INCR', key)
	if new_count == 1 then
		redis.call('EXPIRE', key, window)
	end

	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		ttl = window
	end
	return {1, new_count, ttl}
`

// RedisActionQuota Redis固定窗口配额
type RedisActionQuota struct {
	client *redis.Client
	limit  int
	window time.Duration
	now    func() time.Time
}

// NewRedisActionQuota 创建配额，window 向下取整到秒
func NewRedisActionQuota(client *redis.Client, limit int, window time.Duration) *RedisActionQuota {
	if window < time.Second {
		window = time.Second
	}
	return &RedisActionQuota{
		client: client,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Check 检查并占用一次配额
func (q *RedisActionQuota) Check(ctx context.Context, scope string) (*QuotaResult, error) {
	key := q.buildKey(scope)
	windowSeconds := int64(q.window / time.Second)

	values, err := q.client.Eval(ctx, quotaScript, []string{key}, q.limit, windowSeconds).Slice()
	if err != nil {
		return nil, fmt.Errorf("配额检查失败: %w", err)
	}
	if len(values) != 3 {
		return nil, fmt.Errorf("配额检查返回值异常: %v", values)
	}

	allowed, _ := values[0].(int64)
	current, _ := values[1].(int64)
	ttl, _ := values[2].(int64)

	remaining := q.limit - int(current)
	if remaining < 0 {
		remaining = 0
	}
	return &QuotaResult{
		Allowed:   allowed == 1,
		Limit:     q.limit,
		Remaining: remaining,
		ResetAt:   q.now().Add(time.Duration(ttl) * time.Second).Unix(),
		Scope:     scope,
	}, nil
}

// Allow 是否允许执行一次操作
func (q *RedisActionQuota) Allow(ctx context.Context, scope string) (bool, error) {
	result, err := q.Check(ctx, scope)
	if err != nil {
		return false, err
	}
	return result.Allowed, nil
}

// Reset 重置当前窗口的计数（仅用于测试或管理）
func (q *RedisActionQuota) Reset(ctx context.Context, scope string) error {
	return q.client.Del(ctx, q.buildKey(scope)).Err()
}

// buildKey 构造当前窗口的计数键
func (q *RedisActionQuota) buildKey(scope string) string {
	windowSeconds := int64(q.window / time.Second)
	current := q.now().Unix() / windowSeconds
	return fmt.Sprintf("cpc:quota:%s:%d", scope, current)
}
