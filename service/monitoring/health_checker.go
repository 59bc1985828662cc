/*
 * @module service/monitoring/health_checker
 * @description 健康检查器，检查数据库、Redis和控制周期的新鲜度并计算健康评分
 * @architecture 分层架构 - 业务服务层
 * @documentReference DESIGN.md
 * @stateFlow 组件检测 -> 评分计算 -> 状态汇总
 * @rules 单项检查失败不影响其他检查
 * @dependencies gorm.io/gorm, github.com/go-redis/redis/v8
 * @refs api/controllers/health_controller.go
 */

package monitoring

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"gorm.io/gorm"
)

// HealthChecker 健康检查器
type HealthChecker struct {
	db         *gorm.DB
	redis      *redis.Client
	lastCycle  func() time.Time
	staleAfter time.Duration
	now        func() time.Time
}

// HealthStatus 整体健康状态
type HealthStatus struct {
	Overall    string                      `json:"overall"` // healthy, warning, critical
	Score      int                         `json:"score"`   // 健康评分 0-100
	Timestamp  time.Time                   `json:"timestamp"`
	Components map[string]*ComponentHealth `json:"components"`
	Issues     []HealthIssue               `json:"issues"`
}

// ComponentHealth 组件健康状态
type ComponentHealth struct {
	Name         string                 `json:"name"`
	Status       string                 `json:"status"` // healthy, warning, critical
	Score        int                    `json:"score"`  // 0-100
	LastChecked  time.Time              `json:"last_checked"`
	ResponseTime time.Duration          `json:"response_time"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Metrics      map[string]interface{} `json:"metrics,omitempty"`
}

// HealthIssue 健康问题
type HealthIssue struct {
	Component   string    `json:"component"`
	Severity    string    `json:"severity"` // warning, critical
	Description string    `json:"description"`
	DetectedAt  time.Time `json:"detected_at"`
}

// NewHealthChecker 创建健康检查器，redis 和 lastCycle 可以为空
func NewHealthChecker(db *gorm.DB, redisClient *redis.Client, lastCycle func() time.Time, staleAfter time.Duration) *HealthChecker {
	return &HealthChecker{
		db:         db,
		redis:      redisClient,
		lastCycle:  lastCycle,
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// CheckOverallHealth 检查整体健康状态
func (h *HealthChecker) CheckOverallHealth(ctx context.Context) *HealthStatus {
	status := &HealthStatus{
		Timestamp:  h.now(),
		Components: make(map[string]*ComponentHealth),
		Issues:     []HealthIssue{},
	}

	if h.db != nil {
		status.Components["database"] = h.checkDatabaseHealth(ctx)
	}
	if h.redis != nil {
		status.Components["redis"] = h.checkRedisHealth(ctx)
	}
	if h.lastCycle != nil {
		status.Components["controller"] = h.checkControllerHealth()
	}

	h.calculateOverallHealth(status)
	return status
}

// 检查数据库健康状态
func (h *HealthChecker) checkDatabaseHealth(ctx context.Context) *ComponentHealth {
	startTime := h.now()
	health := &ComponentHealth{
		Name:        "database",
		LastChecked: startTime,
		Metrics:     make(map[string]interface{}),
	}

	if err := h.db.WithContext(ctx).Exec("SELECT 1").Error; err != nil {
		health.Status = "critical"
		health.Score = 0
		health.ErrorMessage = err.Error()
		return health
	}

	health.Status = "healthy"
	health.Score = 100
	health.ResponseTime = time.Since(startTime)

	// 获取数据库连接池信息
	if sqlDB, err := h.db.DB(); err == nil {
		stats := sqlDB.Stats()
		health.Metrics["open_connections"] = stats.OpenConnections
		health.Metrics["idle_connections"] = stats.Idle
		health.Metrics["in_use_connections"] = stats.InUse
	}
	return health
}

// 检查Redis健康状态，Redis只用于跨实例锁和配额，失败为警告
func (h *HealthChecker) checkRedisHealth(ctx context.Context) *ComponentHealth {
	startTime := h.now()
	health := &ComponentHealth{Name: "redis", LastChecked: startTime}

	if err := h.redis.Ping(ctx).Err(); err != nil {
		health.Status = "warning"
		health.Score = 60
		health.ErrorMessage = err.Error()
		return health
	}
	health.Status = "healthy"
	health.Score = 100
	health.ResponseTime = time.Since(startTime)
	return health
}

// 检查控制周期是否按时执行
func (h *HealthChecker) checkControllerHealth() *ComponentHealth {
	now := h.now()
	health := &ComponentHealth{
		Name:        "controller",
		LastChecked: now,
		Metrics:     make(map[string]interface{}),
	}

	last := h.lastCycle()
	switch {
	case last.IsZero():
		health.Status = "warning"
		health.Score = 70
		health.ErrorMessage = "控制周期尚未执行"
	case h.staleAfter > 0 && now.Sub(last) > h.staleAfter:
		health.Status = "critical"
		health.Score = 30
		health.ErrorMessage = fmt.Sprintf("最近一次控制周期在 %s 之前", now.Sub(last).Round(time.Second))
	default:
		health.Status = "healthy"
		health.Score = 100
	}
	if !last.IsZero() {
		health.Metrics["last_cycle_at"] = last
	}
	return health
}

// 根据评分获取状态
func (h *HealthChecker) getStatusFromScore(score int) string {
	if score >= 80 {
		return "healthy"
	} else if score >= 60 {
		return "warning"
	} else {
		return "critical"
	}
}

// 计算整体健康状态，任一组件为 critical 时整体为 critical
func (h *HealthChecker) calculateOverallHealth(status *HealthStatus) {
	names := make([]string, 0, len(status.Components))
	for name := range status.Components {
		names = append(names, name)
	}
	sort.Strings(names)

	totalScore := 0
	critical := false
	for _, name := range names {
		component := status.Components[name]
		totalScore += component.Score
		if component.Status == "critical" {
			critical = true
		}
		if component.Status != "healthy" {
			status.Issues = append(status.Issues, HealthIssue{
				Component:   name,
				Severity:    component.Status,
				Description: component.ErrorMessage,
				DetectedAt:  status.Timestamp,
			})
		}
	}

	if len(names) > 0 {
		status.Score = totalScore / len(names)
	} else {
		status.Score = 100
	}
	status.Overall = h.getStatusFromScore(status.Score)
	if critical {
		status.Overall = "critical"
	}
}
