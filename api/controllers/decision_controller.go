/*
 * @module api/controllers/decision_controller
 * @description 决策演练控制器，对给定或最新的指标快照计算止损决策和预算建议，不调用广告平台
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow 指标快照 -> 止损评估/预算优化 -> 响应返回
 * @rules 只读演练；校验失败的广告列入skipped并附原因
 * @dependencies cpc-service/service/kill_switch, cpc-service/service/budget
 * @refs service/scheduler/controller_loop.go
 */

package controllers

import (
	"net/http"

	"cpc-service/service"
	"cpc-service/service/budget"
	"cpc-service/service/database"
	"cpc-service/service/kill_switch"
	"cpc-service/service/models"

	"github.com/go-chi/render"
)

// DecisionController 决策演练控制器
type DecisionController struct {
	evaluator *kill_switch.Evaluator
	optimizer *budget.Optimizer
	metrics   *database.MetricsSource
}

// NewDecisionController 创建决策演练控制器实例
func NewDecisionController() *DecisionController {
	return &DecisionController{
		evaluator: service.GlobalKillEvaluator,
		optimizer: service.GlobalBudgetOptimizer,
		metrics:   service.GlobalMetricsSource,
	}
}

// DecisionRequest 决策请求，snapshots 为空时使用租户最新快照
type DecisionRequest struct {
	TenantID  string             `json:"tenant_id" example:"default"`
	Snapshots []models.AdMetrics `json:"snapshots"`
}

// SkippedAd 未参与决策的广告
type SkippedAd struct {
	AdID   string `json:"ad_id"`
	Reason string `json:"reason"`
}

// KillEvaluation 止损演练结果
type KillEvaluation struct {
	Evaluated int                   `json:"evaluated"`
	Kills     []models.KillDecision `json:"kills"`
	Skipped   []SkippedAd           `json:"skipped,omitempty"`
}

// BudgetEvaluation 预算建议演练结果
type BudgetEvaluation struct {
	Evaluated       int                           `json:"evaluated"`
	Recommendations []models.BudgetRecommendation `json:"recommendations"`
	Skipped         []SkippedAd                   `json:"skipped,omitempty"`
}

// EvaluateKills 止损演练
// @Summary 止损演练
// @Description 按规则梯度评估广告，返回应暂停的广告，按预计避免浪费降序排列
// @Tags 决策演练
// @Accept json
// @Produce json
// @Param request body DecisionRequest true "指标快照"
// @Success 200 {object} APIResponse{data=KillEvaluation}
// @Failure 400 {object} APIResponse
// @Router /decisions/kill [post]
func (c *DecisionController) EvaluateKills(w http.ResponseWriter, r *http.Request) {
	snapshots, ok := c.snapshots(w, r)
	if !ok {
		return
	}

	result := KillEvaluation{Evaluated: len(snapshots)}
	valid := make([]models.AdMetrics, 0, len(snapshots))
	for _, m := range snapshots {
		if _, err := c.evaluator.Evaluate(m); err != nil {
			result.Skipped = append(result.Skipped, SkippedAd{AdID: m.AdID, Reason: err.Error()})
			continue
		}
		valid = append(valid, m)
	}
	result.Kills = c.evaluator.BatchEvaluate(valid)
	render.Render(w, r, SuccessResponse("评估完成", result))
}

// RecommendBudgets 预算建议演练
// @Summary 预算建议
// @Description 按ROAS分段计算预算调整建议，花费低于门槛的广告不产生建议
// @Tags 决策演练
// @Accept json
// @Produce json
// @Param request body DecisionRequest true "指标快照"
// @Success 200 {object} APIResponse{data=BudgetEvaluation}
// @Failure 400 {object} APIResponse
// @Router /decisions/budget [post]
func (c *DecisionController) RecommendBudgets(w http.ResponseWriter, r *http.Request) {
	snapshots, ok := c.snapshots(w, r)
	if !ok {
		return
	}

	recs, skipped := c.optimizer.RecommendBatch(snapshots)
	result := BudgetEvaluation{Evaluated: len(snapshots), Recommendations: recs}
	for _, m := range snapshots {
		if err, ok := skipped[m.AdID]; ok {
			result.Skipped = append(result.Skipped, SkippedAd{AdID: m.AdID, Reason: err.Error()})
		}
	}
	render.Render(w, r, SuccessResponse("计算完成", result))
}

func (c *DecisionController) snapshots(w http.ResponseWriter, r *http.Request) ([]models.AdMetrics, bool) {
	var req DecisionRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return nil, false
	}
	if len(req.Snapshots) > 0 {
		return req.Snapshots, true
	}
	if req.TenantID == "" {
		render.Render(w, r, BadRequestResponse("snapshots和tenant_id不能同时为空", nil))
		return nil, false
	}
	if c.metrics == nil {
		render.Render(w, r, ServiceUnavailableResponse("指标来源未启用"))
		return nil, false
	}
	snapshots, err := c.metrics.FetchSnapshots(r.Context(), req.TenantID)
	if err != nil {
		render.Render(w, r, InternalErrorResponse("查询指标快照失败", err))
		return nil, false
	}
	return snapshots, true
}
