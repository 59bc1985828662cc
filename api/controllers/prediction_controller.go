/*
 * @module api/controllers/prediction_controller
 * @description 预测控制器，提供素材评分、预测登记和实际结果回填接口
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow 子评分 -> 预测引擎 -> 准确度跟踪器
 * @rules 评分使用当前权重版本；同一预测的实际结果只能登记一次
 * @dependencies cpc-service/service/prediction, cpc-service/service/accuracy
 * @refs service/prediction/engine.go, service/accuracy/tracker.go
 */

package controllers

import (
	"net/http"
	"strings"

	"cpc-service/service"
	"cpc-service/service/accuracy"
	"cpc-service/service/models"
	"cpc-service/service/prediction"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"
)

// PredictionController 预测控制器
type PredictionController struct {
	engine  *prediction.Engine
	weights *prediction.WeightAuthority
	tracker *accuracy.Tracker
}

// NewPredictionController 创建预测控制器实例
func NewPredictionController() *PredictionController {
	return &PredictionController{
		engine:  service.GlobalPredictionEngine,
		weights: service.GlobalWeightAuthority,
		tracker: service.GlobalAccuracyTracker,
	}
}

// ScoreRequest 评分请求
type ScoreRequest struct {
	TenantID  string                  `json:"tenant_id" example:"tenant-a"`
	SubjectID string                  `json:"subject_id" example:"ad-1001"`
	Features  prediction.FeatureVector `json:"features"`
}

// ScoreCreative 素材评分
// @Summary 素材评分
// @Description 按当前权重计算综合评分与CTR/ROAS预测，不登记预测
// @Tags 预测
// @Accept json
// @Produce json
// @Param request body ScoreRequest true "子评分"
// @Success 200 {object} APIResponse{data=prediction.Score}
// @Failure 400 {object} APIResponse
// @Failure 422 {object} APIResponse
// @Router /predictions/score [post]
func (c *PredictionController) ScoreCreative(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}

	score, err := c.engine.Score(req.Features, c.weights.Current())
	if err != nil {
		render.Render(w, r, DomainErrorResponse("评分失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("评分成功", score))
}

// CreatePrediction 评分并登记预测
// @Summary 登记预测
// @Description 评分后登记预测记录，实际结果可通过回填接口或指标快照自动结算
// @Tags 预测
// @Accept json
// @Produce json
// @Param request body ScoreRequest true "子评分"
// @Success 200 {object} APIResponse{data=models.PredictionRecord}
// @Failure 400 {object} APIResponse
// @Failure 422 {object} APIResponse
// @Router /predictions [post]
func (c *PredictionController) CreatePrediction(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}
	if req.SubjectID == "" {
		render.Render(w, r, BadRequestResponse("subject_id不能为空", nil))
		return
	}

	record, err := c.engine.Predict(req.SubjectID, req.Features, c.weights.Current())
	if err != nil {
		render.Render(w, r, DomainErrorResponse("预测失败", err))
		return
	}
	record.TenantID = req.TenantID
	if err := c.tracker.LogPrediction(r.Context(), record); err != nil {
		render.Render(w, r, DomainErrorResponse("登记预测失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("登记成功", record))
}

// LogActual 回填实际结果
// @Summary 回填实际结果
// @Description 重复提交相同值为空操作；提交不同值返回409并保留原值
// @Tags 预测
// @Accept json
// @Produce json
// @Param id path string true "预测ID"
// @Param actual body models.ActualValue true "实际值"
// @Success 200 {object} APIResponse
// @Failure 400 {object} APIResponse
// @Failure 404 {object} APIResponse
// @Failure 409 {object} APIResponse
// @Router /predictions/{id}/actual [post]
func (c *PredictionController) LogActual(w http.ResponseWriter, r *http.Request) {
	var actual models.ActualValue
	if err := render.DecodeJSON(r.Body, &actual); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}

	if err := c.tracker.LogActual(r.Context(), chi.URLParam(r, "id"), actual); err != nil {
		render.Render(w, r, DomainErrorResponse("回填实际结果失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("回填成功", nil))
}

// ListPending 查询未结算预测
// @Summary 查询未结算预测
// @Tags 预测
// @Produce json
// @Param subject_ids query string true "广告ID，逗号分隔"
// @Param tenant_id query string false "租户ID"
// @Success 200 {object} APIResponse{data=[]models.PredictionRecord}
// @Failure 400 {object} APIResponse
// @Router /predictions/pending [get]
func (c *PredictionController) ListPending(w http.ResponseWriter, r *http.Request) {
	var ids []string
	for _, id := range strings.Split(r.URL.Query().Get("subject_ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		render.Render(w, r, BadRequestResponse("subject_ids不能为空", nil))
		return
	}

	pending, err := c.tracker.Pending(r.Context(), r.URL.Query().Get("tenant_id"), ids)
	if err != nil {
		render.Render(w, r, InternalErrorResponse("查询未结算预测失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", pending))
}
