/*
 * @module api/controllers/cycle_controller
 * @description 控制周期控制器，提供手动运行周期、查询周期摘要、事件日志和连接器状态接口
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow HTTP请求 -> 控制循环/事件存储 -> 响应返回
 * @rules 手动运行与定时周期共用租户锁，不会并发执行同一租户
 * @dependencies cpc-service/service/scheduler, cpc-service/service/database
 * @refs service/scheduler/controller_loop.go
 */

package controllers

import (
	"net/http"
	"strconv"
	"time"

	"cpc-service/service"
	"cpc-service/service/database"
	"cpc-service/service/models"
	"cpc-service/service/scheduler"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// statisticsProvider 连接器统计信息
type statisticsProvider interface {
	GetStatistics() map[string]interface{}
}

// CycleController 控制周期控制器
type CycleController struct {
	controller *scheduler.Controller
	events     *database.EventStore
	connectors map[string]statisticsProvider
}

// NewCycleController 创建控制周期控制器实例
func NewCycleController() *CycleController {
	c := &CycleController{
		controller: service.GlobalController,
		events:     service.GlobalEventStore,
		connectors: make(map[string]statisticsProvider),
	}
	if service.GlobalKafkaConnector != nil {
		c.connectors["kafka"] = service.GlobalKafkaConnector
	}
	if service.GlobalMQTTConnector != nil {
		c.connectors["mqtt"] = service.GlobalMQTTConnector
	}
	if service.GlobalRedisConnector != nil {
		c.connectors["redis"] = service.GlobalRedisConnector
	}
	return c
}

// ControllerStatus 控制循环状态
type ControllerStatus struct {
	LastCycleAt *time.Time                        `json:"last_cycle_at,omitempty"`
	Connectors  map[string]map[string]interface{} `json:"connectors"`
}

// RunCycle 立即运行控制周期
// @Summary 立即运行控制周期
// @Description 指定租户时只运行该租户，否则依次运行全部租户；同步返回周期摘要
// @Tags 控制周期
// @Produce json
// @Param tenant_id query string false "租户ID"
// @Success 200 {object} APIResponse{data=[]scheduler.CycleReport}
// @Failure 500 {object} APIResponse
// @Router /controller/run [post]
func (c *CycleController) RunCycle(w http.ResponseWriter, r *http.Request) {
	if tenantID := r.URL.Query().Get("tenant_id"); tenantID != "" {
		report, err := c.controller.RunCycle(r.Context(), tenantID)
		if err != nil {
			render.Render(w, r, InternalErrorResponse("运行控制周期失败", err))
			return
		}
		render.Render(w, r, SuccessResponse("运行完成", []*scheduler.CycleReport{report}))
		return
	}

	reports, err := c.controller.RunAll(r.Context())
	if err != nil && len(reports) == 0 {
		render.Render(w, r, InternalErrorResponse("运行控制周期失败", err))
		return
	}
	msg := "运行完成"
	if err != nil {
		msg = "部分租户运行失败: " + err.Error()
	}
	render.Render(w, r, SuccessResponse(msg, reports))
}

// GetLastReport 查询租户最近一次周期摘要
// @Summary 最近一次周期摘要
// @Tags 控制周期
// @Produce json
// @Param tenant_id path string true "租户ID"
// @Success 200 {object} APIResponse{data=scheduler.CycleReport}
// @Failure 404 {object} APIResponse
// @Router /controller/reports/{tenant_id} [get]
func (c *CycleController) GetLastReport(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenant_id")
	report, ok := c.controller.LastReport(tenantID)
	if !ok {
		render.Render(w, r, NotFoundResponse("租户 "+tenantID+" 尚未运行控制周期", nil))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", report))
}

// GetStatus 查询控制循环与连接器状态
// @Summary 控制循环状态
// @Tags 控制周期
// @Produce json
// @Success 200 {object} APIResponse{data=ControllerStatus}
// @Router /controller/status [get]
func (c *CycleController) GetStatus(w http.ResponseWriter, r *http.Request) {
	status := ControllerStatus{Connectors: make(map[string]map[string]interface{}, len(c.connectors))}
	if last := c.controller.LastCycleAt(); !last.IsZero() {
		status.LastCycleAt = &last
	}
	for name, conn := range c.connectors {
		status.Connectors[name] = conn.GetStatistics()
	}
	render.Render(w, r, SuccessResponse("查询成功", status))
}

// ListEvents 分页查询控制器事件
// @Summary 查询控制器事件
// @Description 按发生时间倒序返回决策、平台操作、分配和准确度事件
// @Tags 控制周期
// @Produce json
// @Param tenant_id query string false "租户ID"
// @Param cycle_id query string false "周期ID"
// @Param type query string false "事件类型"
// @Param subject_id query string false "广告ID或实验ID"
// @Param since query string false "起始时间，RFC3339"
// @Param page query int false "页码，默认1"
// @Param size query int false "每页条数，默认50"
// @Success 200 {object} PaginatedResponse{data=[]models.ControllerEvent}
// @Failure 400 {object} APIResponse
// @Router /events [get]
func (c *CycleController) ListEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := database.EventQuery{
		TenantID:  q.Get("tenant_id"),
		CycleID:   q.Get("cycle_id"),
		Type:      models.ControllerEventType(q.Get("type")),
		SubjectID: q.Get("subject_id"),
		Page:      1,
		PageSize:  50,
	}
	if raw := q.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			render.Render(w, r, BadRequestResponse("since格式错误，需要RFC3339", err))
			return
		}
		query.Since = since
	}
	if v, err := strconv.Atoi(q.Get("page")); err == nil && v > 0 {
		query.Page = v
	}
	if v, err := strconv.Atoi(q.Get("size")); err == nil && v > 0 && v <= 500 {
		query.PageSize = v
	}

	events, total, err := c.events.ListEvents(r.Context(), query)
	if err != nil {
		render.Render(w, r, InternalErrorResponse("查询控制器事件失败", err))
		return
	}
	render.JSON(w, r, PaginatedResponse{
		Status: 0,
		Msg:    "查询成功",
		Data:   events,
		Total:  total,
		Page:   query.Page,
		Size:   query.PageSize,
	})
}
