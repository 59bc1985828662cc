/*
 * @module RedisConnector
 * @description Redis连接器，通过发布订阅广播控制器事件，并缓存各租户最新的准确度报告
 * @architecture 适配器模式 - 封装go-redis客户端，实现 platform.EventSink 与 platform.LearningSink
 * @documentReference DESIGN.md
 * @stateFlow 复用已建立的Redis连接 -> 流水线发布 -> 统计
 * @rules 同一批事件在一个流水线内发布；准确度报告带过期时间
 * @dependencies github.com/go-redis/redis/v8, encoding/json
 * @refs service/distributed_lock/redis_lock.go
 */
package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cpc-service/service/models"

	"github.com/go-redis/redis/v8"
)

// RedisConnector Redis连接器结构体
type RedisConnector struct {
	client    redis.UniversalClient
	prefix    string
	reportTTL time.Duration
	stats     *RedisStats
}

// RedisStats Redis连接器统计信息
type RedisStats struct {
	CommandsExecuted int64  `json:"commands_executed"` // 执行命令数
	MessagesSent     int64  `json:"messages_sent"`     // 发送消息数
	BytesWritten     int64  `json:"bytes_written"`     // 写入字节数
	LastError        string `json:"last_error"`        // 最后错误信息
	mutex            sync.RWMutex
}

// NewRedisConnector 创建Redis连接器，client 由调用方管理生命周期
func NewRedisConnector(client redis.UniversalClient, prefix string, reportTTL time.Duration) *RedisConnector {
	if prefix == "" {
		prefix = "cpc"
	}
	if reportTTL <= 0 {
		reportTTL = 24 * time.Hour
	}
	return &RedisConnector{
		client:    client,
		prefix:    prefix,
		reportTTL: reportTTL,
		stats:     &RedisStats{},
	}
}

// EventChannel 租户事件频道
func (rc *RedisConnector) EventChannel(tenantID string) string {
	return fmt.Sprintf("%s:events:%s", rc.prefix, tenantID)
}

// AccuracyKey 租户最新准确度报告的键
func (rc *RedisConnector) AccuracyKey(tenantID string) string {
	return fmt.Sprintf("%s:accuracy:%s", rc.prefix, tenantID)
}

// PublishEvents 按租户频道发布事件
func (rc *RedisConnector) PublishEvents(ctx context.Context, events []*models.ControllerEvent) error {
	if len(events) == 0 {
		return nil
	}

	pipe := rc.client.Pipeline()
	var bytesWritten int64
	for _, event := range events {
		data, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("序列化事件 %s 失败: %w", event.ID, err)
		}
		bytesWritten += int64(len(data))
		pipe.Publish(ctx, rc.EventChannel(event.TenantID), data)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		rc.updateError(fmt.Sprintf("PUBLISH命令失败: %v", err))
		return fmt.Errorf("发布事件失败: %w", err)
	}
	rc.updateStats(int64(len(events)), int64(len(events)), bytesWritten)
	slog.Debug("事件已发布到Redis", "count", len(events))
	return nil
}

// PublishAccuracy 缓存租户最新报告并广播
func (rc *RedisConnector) PublishAccuracy(ctx context.Context, tenantID string, report *models.AccuracyReport) error {
	if report == nil {
		return nil
	}
	data, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化准确度报告失败: %w", err)
	}

	pipe := rc.client.TxPipeline()
	pipe.Set(ctx, rc.AccuracyKey(tenantID), data, rc.reportTTL)
	pipe.Publish(ctx, rc.prefix+":accuracy", data)
	if _, err := pipe.Exec(ctx); err != nil {
		rc.updateError(fmt.Sprintf("写入准确度报告失败: %v", err))
		return fmt.Errorf("写入准确度报告失败: %w", err)
	}
	rc.updateStats(2, 1, int64(len(data))*2)
	return nil
}

// LatestAccuracy 读取租户最新报告，不存在时返回 nil
func (rc *RedisConnector) LatestAccuracy(ctx context.Context, tenantID string) (*models.AccuracyReport, error) {
	data, err := rc.client.Get(ctx, rc.AccuracyKey(tenantID)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("读取准确度报告失败: %w", err)
	}
	var report models.AccuracyReport
	if err := json.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("解析准确度报告失败: %w", err)
	}
	return &report, nil
}

func (rc *RedisConnector) updateStats(commands, messages, bytesWritten int64) {
	rc.stats.mutex.Lock()
	defer rc.stats.mutex.Unlock()
	rc.stats.CommandsExecuted += commands
	rc.stats.MessagesSent += messages
	rc.stats.BytesWritten += bytesWritten
}

// updateError 更新错误信息
func (rc *RedisConnector) updateError(errMsg string) {
	rc.stats.mutex.Lock()
	rc.stats.LastError = errMsg
	rc.stats.mutex.Unlock()
}

// GetStatistics 获取连接器统计信息
func (rc *RedisConnector) GetStatistics() map[string]interface{} {
	rc.stats.mutex.RLock()
	defer rc.stats.mutex.RUnlock()

	poolStats := rc.client.PoolStats()
	return map[string]interface{}{
		"commands_executed": rc.stats.CommandsExecuted,
		"messages_sent":     rc.stats.MessagesSent,
		"bytes_written":     rc.stats.BytesWritten,
		"last_error":        rc.stats.LastError,
		"pool_hits":         poolStats.Hits,
		"pool_misses":       poolStats.Misses,
		"pool_total_conns":  poolStats.TotalConns,
		"pool_idle_conns":   poolStats.IdleConns,
	}
}
