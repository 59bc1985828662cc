/*
 * @module api/controllers/health_controller
 * @description 健康检查控制器，提供存活检查和依赖组件就绪检查
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow HTTP请求处理流程
 * @rules 存活检查不访问依赖；就绪检查在任一组件为critical时返回503
 * @dependencies net/http, cpc-service/service/monitoring
 * @refs service/monitoring/health_checker.go
 */

package controllers

import (
	"net/http"
	"time"

	"cpc-service/service"
	"cpc-service/service/monitoring"

	"github.com/go-chi/render"
)

// HealthController 健康检查控制器
type HealthController struct {
	checker *monitoring.HealthChecker
}

// NewHealthController 创建健康检查控制器实例
func NewHealthController() *HealthController {
	return &HealthController{checker: service.GlobalHealthChecker}
}

// HealthResponse 健康检查响应结构
type HealthResponse struct {
	Status    string                   `json:"status" example:"ok"`
	Timestamp time.Time                `json:"timestamp" example:"2024-01-01T00:00:00Z"`
	Version   string                   `json:"version" example:"1.0.0"`
	Service   string                   `json:"service" example:"cpc-service"`
	Details   *monitoring.HealthStatus `json:"details,omitempty"`
}

// Health 健康检查
// @Summary 健康检查
// @Description 检查服务健康状态
// @Tags 系统
// @Produce json
// @Success 200 {object} HealthResponse
// @Router /health [get]
func (c *HealthController) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ok",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Service:   "cpc-service",
	}

	render.JSON(w, r, response)
}

// Ready 就绪检查
// @Summary 就绪检查
// @Description 检查数据库、Redis和控制周期是否正常
// @Tags 系统
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /ready [get]
func (c *HealthController) Ready(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:    "ready",
		Timestamp: time.Now(),
		Version:   "1.0.0",
		Service:   "cpc-service",
	}

	if c.checker != nil {
		details := c.checker.CheckOverallHealth(r.Context())
		response.Details = details
		if details.Overall == "critical" {
			response.Status = "not_ready"
			render.Status(r, http.StatusServiceUnavailable)
		}
	}

	render.JSON(w, r, response)
}
