package controllers

import (
	"context"
	"io"
	"net/http"

	"cpc-service/client/connectors"
	"cpc-service/service"
	"cpc-service/service/database"
	"cpc-service/service/models"

	"github.com/go-chi/render"
)

// MetricsController 指标快照控制器
type MetricsController struct {
	source *database.MetricsSource
	ingest func(ctx context.Context, tenantID string, snapshots []models.AdMetrics) error
}

// NewMetricsController 创建指标快照控制器实例
func NewMetricsController() *MetricsController {
	return &MetricsController{
		source: service.GlobalMetricsSource,
		ingest: service.IngestSnapshots,
	}
}

// IngestResult 快照写入结果
type IngestResult struct {
	TenantID string `json:"tenant_id"`
	Accepted int    `json:"accepted"`
}

// IngestSnapshots 写入指标快照
// @Summary 写入指标快照
// @Description 支持 {"tenant_id","snapshots"}、快照数组和单个快照三种格式；任意快照不合法时整批拒绝，写入后触发该租户的控制周期
// @Tags 指标快照
// @Accept json
// @Produce json
// @Param tenant_id query string false "租户ID，消息体未指定时使用"
// @Param request body object true "指标快照"
// @Success 200 {object} APIResponse{data=IngestResult}
// @Failure 400 {object} APIResponse
// @Failure 422 {object} APIResponse
// @Router /metrics/snapshots [post]
func (c *MetricsController) IngestSnapshots(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
	if err != nil {
		render.Render(w, r, BadRequestResponse("读取请求体失败", err))
		return
	}

	tenantID, snapshots, err := connectors.DecodeSnapshotBatch(body, r.URL.Query().Get("tenant_id"))
	if err != nil {
		render.Render(w, r, BadRequestResponse("快照格式错误", err))
		return
	}
	if err := c.ingest(r.Context(), tenantID, snapshots); err != nil {
		render.Render(w, r, DomainErrorResponse("写入快照失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("写入成功", IngestResult{TenantID: tenantID, Accepted: len(snapshots)}))
}

// GetLatestSnapshots 查询租户每个广告的最新快照
// @Summary 查询最新快照
// @Tags 指标快照
// @Produce json
// @Param tenant_id query string true "租户ID"
// @Success 200 {object} APIResponse{data=[]models.AdMetrics}
// @Failure 400 {object} APIResponse
// @Router /metrics/snapshots [get]
func (c *MetricsController) GetLatestSnapshots(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID == "" {
		render.Render(w, r, BadRequestResponse("tenant_id不能为空", nil))
		return
	}

	snapshots, err := c.source.FetchSnapshots(r.Context(), tenantID)
	if err != nil {
		render.Render(w, r, InternalErrorResponse("查询指标快照失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", snapshots))
}
