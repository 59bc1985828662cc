/*
 * @module api/controllers/experiment_controller
 * @description 实验管理控制器，提供实验创建、生命周期迁移、预算分配、获胜判定和推广接口
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow HTTP请求 -> 实验管理器 -> 响应返回
 * @rules 状态迁移不合法返回409；实验不存在返回404
 * @dependencies cpc-service/service/experiment, github.com/go-chi/chi/v5, github.com/go-chi/render
 * @refs service/experiment/manager.go
 */

package controllers

import (
	"errors"
	"net/http"
	"strconv"

	"cpc-service/service"
	"cpc-service/service/database"
	"cpc-service/service/experiment"
	"cpc-service/service/models"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// ExperimentController 实验管理控制器
type ExperimentController struct {
	manager *experiment.Manager
	metrics *database.MetricsSource
}

// NewExperimentController 创建实验管理控制器实例
func NewExperimentController() *ExperimentController {
	return &ExperimentController{
		manager: service.GlobalExperimentManager,
		metrics: service.GlobalMetricsSource,
	}
}

// CreateExperimentRequest 创建实验请求
type CreateExperimentRequest struct {
	TenantID    string           `json:"tenant_id" example:"default"`
	Name        string           `json:"name" example:"春季素材对比"`
	Objective   string           `json:"objective" example:"conversions"`
	TotalBudget float64          `json:"total_budget" example:"300"`
	Variants    []models.Variant `json:"variants"`
}

// PromoteRequest 推广获胜变体请求
type PromoteRequest struct {
	VariantID string  `json:"variant_id"`
	NewBudget float64 `json:"new_budget" example:"500"`
}

// CreateExperiment 创建实验
// @Summary 创建实验
// @Description 创建草稿状态的A/B实验，至少两个变体
// @Tags 实验管理
// @Accept json
// @Produce json
// @Param experiment body CreateExperimentRequest true "实验信息"
// @Success 200 {object} APIResponse{data=models.Experiment}
// @Failure 400 {object} APIResponse
// @Failure 500 {object} APIResponse
// @Router /experiments [post]
func (c *ExperimentController) CreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req CreateExperimentRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}

	exp, err := c.manager.Create(r.Context(), &models.Experiment{
		TenantID:    req.TenantID,
		Name:        req.Name,
		Objective:   req.Objective,
		TotalBudget: req.TotalBudget,
		Variants:    models.VariantList(req.Variants),
	})
	if errors.Is(err, models.ErrInvalidExperiment) {
		render.Render(w, r, BadRequestResponse("创建实验失败", err))
		return
	}
	if err != nil {
		render.Render(w, r, DomainErrorResponse("创建实验失败", err))
		return
	}

	render.Render(w, r, SuccessResponse("创建成功", exp))
}

// ListExperiments 查询实验列表
// @Summary 查询实验列表
// @Description 按租户和状态过滤实验
// @Tags 实验管理
// @Produce json
// @Param tenant_id query string false "租户ID"
// @Param state query string false "实验状态" Enums(draft, active, paused, completed)
// @Success 200 {object} APIResponse{data=[]models.Experiment}
// @Failure 400 {object} APIResponse
// @Failure 500 {object} APIResponse
// @Router /experiments [get]
func (c *ExperimentController) ListExperiments(w http.ResponseWriter, r *http.Request) {
	state := models.ExperimentState(r.URL.Query().Get("state"))
	if state != "" && !state.IsValid() {
		render.Render(w, r, BadRequestResponse("实验状态不合法: "+string(state), nil))
		return
	}

	list, err := c.manager.List(r.Context(), r.URL.Query().Get("tenant_id"), state)
	if err != nil {
		render.Render(w, r, DomainErrorResponse("查询实验列表失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", list))
}

// GetExperiment 获取实验详情
// @Summary 获取实验详情
// @Tags 实验管理
// @Produce json
// @Param id path string true "实验ID"
// @Success 200 {object} APIResponse{data=models.Experiment}
// @Failure 404 {object} APIResponse
// @Router /experiments/{id} [get]
func (c *ExperimentController) GetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := c.manager.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, DomainErrorResponse("查询实验失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", exp))
}

// StartExperiment 启动实验
// @Summary 启动实验
// @Description 草稿实验进入运行状态；force=true 时跳过变体数量与预算检查
// @Tags 实验管理
// @Produce json
// @Param id path string true "实验ID"
// @Param force query bool false "强制启动"
// @Success 200 {object} APIResponse{data=models.Experiment}
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /experiments/{id}/start [post]
func (c *ExperimentController) StartExperiment(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	exp, err := c.manager.Start(r.Context(), chi.URLParam(r, "id"), force)
	if err != nil {
		render.Render(w, r, DomainErrorResponse("启动实验失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("启动成功", exp))
}

// PauseExperiment 暂停实验
// @Summary 暂停实验
// @Tags 实验管理
// @Produce json
// @Param id path string true "实验ID"
// @Success 200 {object} APIResponse{data=models.Experiment}
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /experiments/{id}/pause [post]
func (c *ExperimentController) PauseExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := c.manager.Pause(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, DomainErrorResponse("暂停实验失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("暂停成功", exp))
}

// ResumeExperiment 恢复实验
// @Summary 恢复实验
// @Tags 实验管理
// @Produce json
// @Param id path string true "实验ID"
// @Success 200 {object} APIResponse{data=models.Experiment}
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /experiments/{id}/resume [post]
func (c *ExperimentController) ResumeExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := c.manager.Resume(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, DomainErrorResponse("恢复实验失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("恢复成功", exp))
}

// StopExperiment 结束实验
// @Summary 结束实验
// @Tags 实验管理
// @Produce json
// @Param id path string true "实验ID"
// @Success 200 {object} APIResponse{data=models.Experiment}
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /experiments/{id}/stop [post]
func (c *ExperimentController) StopExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := c.manager.Stop(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		render.Render(w, r, DomainErrorResponse("结束实验失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("结束成功", exp))
}

// AllocateBudget 按最新快照重新分配实验预算
// @Summary 分配实验预算
// @Description 使用租户最新指标快照更新变体统计，并按汤普森采样分配预算；不调用广告平台
// @Tags 实验管理
// @Produce json
// @Param id path string true "实验ID"
// @Success 200 {object} APIResponse{data=experiment.AllocationResult}
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /experiments/{id}/allocate [post]
func (c *ExperimentController) AllocateBudget(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	exp, err := c.manager.Get(r.Context(), id)
	if err != nil {
		render.Render(w, r, DomainErrorResponse("查询实验失败", err))
		return
	}

	input := experiment.CycleInput{Metrics: map[string]models.AdMetrics{}}
	if c.metrics != nil {
		snapshots, err := c.metrics.FetchSnapshots(r.Context(), exp.TenantID)
		if err != nil {
			render.Render(w, r, InternalErrorResponse("查询指标快照失败", err))
			return
		}
		for _, s := range snapshots {
			input.Metrics[s.AdID] = s
		}
	}

	result, err := c.manager.Allocate(r.Context(), id, input)
	if err != nil {
		render.Render(w, r, DomainErrorResponse("分配预算失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("分配成功", result))
}

// GetWinner 判定获胜变体
// @Summary 判定获胜变体
// @Description 胜出概率达到置信水平且各变体样本量达标时为显著
// @Tags 实验管理
// @Produce json
// @Param id path string true "实验ID"
// @Param confidence query number false "置信水平，默认取配置值"
// @Success 200 {object} APIResponse{data=experiment.WinnerResult}
// @Failure 400 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Router /experiments/{id}/winner [get]
func (c *ExperimentController) GetWinner(w http.ResponseWriter, r *http.Request) {
	confidence := 0.0
	if raw := r.URL.Query().Get("confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			render.Render(w, r, BadRequestResponse("置信水平格式错误", err))
			return
		}
		confidence = v
	}

	result, err := c.manager.GetWinner(r.Context(), chi.URLParam(r, "id"), confidence)
	if err != nil {
		render.Render(w, r, DomainErrorResponse("判定获胜变体失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", result))
}

// PromoteWinner 推广获胜变体
// @Summary 推广获胜变体
// @Description 将预算集中到指定变体并结束实验；对已结束且获胜变体相同的实验重复调用不产生操作
// @Tags 实验管理
// @Accept json
// @Produce json
// @Param id path string true "实验ID"
// @Param request body PromoteRequest true "推广参数"
// @Success 200 {object} APIResponse{data=experiment.PromoteResult}
// @Failure 400 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /experiments/{id}/promote [post]
func (c *ExperimentController) PromoteWinner(w http.ResponseWriter, r *http.Request) {
	var req PromoteRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	if req.VariantID == "" {
		render.Render(w, r, BadRequestResponse("变体ID不能为空", nil))
		return
	}

	result, err := c.manager.PromoteWinner(r.Context(), chi.URLParam(r, "id"), req.VariantID, req.NewBudget)
	if err != nil {
		render.Render(w, r, DomainErrorResponse("推广获胜变体失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("推广成功", result))
}
