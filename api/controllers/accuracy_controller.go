package controllers

import (
	"net/http"
	"time"

	"cpc-service/client/connectors"
	"cpc-service/service"
	"cpc-service/service/accuracy"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// AccuracyController 预测准确度控制器
type AccuracyController struct {
	tracker *accuracy.Tracker
	cache   *connectors.RedisConnector
}

// NewAccuracyController 创建预测准确度控制器实例
func NewAccuracyController() *AccuracyController {
	return &AccuracyController{
		tracker: service.GlobalAccuracyTracker,
		cache:   service.GlobalRedisConnector,
	}
}

// GetReport 实时计算准确度报告
// @Summary 准确度报告
// @Description 计算租户已结算预测的MAPE、7天/30天窗口准确度和漂移标记，不传租户时统计全部租户
// @Tags 准确度
// @Produce json
// @Param tenant_id query string false "租户ID"
// @Success 200 {object} APIResponse{data=models.AccuracyReport}
// @Failure 500 {object} APIResponse
// @Router /accuracy/report [get]
func (c *AccuracyController) GetReport(w http.ResponseWriter, r *http.Request) {
	report, err := c.tracker.AccuracyReport(r.Context(), r.URL.Query().Get("tenant_id"), time.Now())
	if err != nil {
		render.Render(w, r, InternalErrorResponse("计算准确度报告失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", report))
}

// GetLatest 查询租户最近一次控制周期发布的报告
// @Summary 最近发布的准确度报告
// @Description 读取控制周期缓存到Redis的报告，需要启用Redis
// @Tags 准确度
// @Produce json
// @Param tenant_id path string true "租户ID"
// @Success 200 {object} APIResponse{data=models.AccuracyReport}
// @Failure 404 {object} APIResponse
// @Failure 503 {object} APIResponse
// @Router /accuracy/latest/{tenant_id} [get]
func (c *AccuracyController) GetLatest(w http.ResponseWriter, r *http.Request) {
	if c.cache == nil {
		render.Render(w, r, ServiceUnavailableResponse("Redis未启用"))
		return
	}
	tenantID := chi.URLParam(r, "tenant_id")
	report, err := c.cache.LatestAccuracy(r.Context(), tenantID)
	if err != nil {
		render.Render(w, r, InternalErrorResponse("读取准确度报告失败", err))
		return
	}
	if report == nil {
		render.Render(w, r, NotFoundResponse("租户 "+tenantID+" 暂无准确度报告", nil))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", report))
}
