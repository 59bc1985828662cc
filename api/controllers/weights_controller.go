/*
 * @module api/controllers/weights_controller
 * @description 评分权重控制器，提供权重查询、历史版本、人工设置和立即校准接口
 * @architecture MVC架构 - 控制器层
 * @documentReference DESIGN.md
 * @stateFlow HTTP请求 -> 权重持有方 -> 权重存储
 * @rules 权重只能经权重持有方修改；非法权重不替换当前版本
 * @dependencies cpc-service/service/prediction, cpc-service/service/database
 * @refs service/prediction/weight_calibrator.go
 */

package controllers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"cpc-service/service"
	"cpc-service/service/accuracy"
	"cpc-service/service/database"
	"cpc-service/service/models"
	"cpc-service/service/prediction"

	"github.com/go-chi/render"
)

// WeightsController 评分权重控制器
type WeightsController struct {
	authority *prediction.WeightAuthority
	store     *database.WeightStore
	tracker   *accuracy.Tracker
}

// NewWeightsController 创建评分权重控制器实例
func NewWeightsController() *WeightsController {
	return &WeightsController{
		authority: service.GlobalWeightAuthority,
		store:     service.GlobalWeightStore,
		tracker:   service.GlobalAccuracyTracker,
	}
}

// ReplaceWeightsRequest 人工设置权重请求
type ReplaceWeightsRequest struct {
	Weights models.FloatMap `json:"weights"`
}

// CalibrationResult 校准结果
type CalibrationResult struct {
	Calibrated bool                `json:"calibrated"`
	Samples    int                 `json:"samples"`
	Weights    models.WeightVector `json:"weights"`
	Reason     string              `json:"reason,omitempty"`
}

// GetWeights 查询当前权重
// @Summary 查询当前权重
// @Tags 权重
// @Produce json
// @Success 200 {object} APIResponse{data=models.WeightVector}
// @Router /weights [get]
func (c *WeightsController) GetWeights(w http.ResponseWriter, r *http.Request) {
	render.Render(w, r, SuccessResponse("查询成功", c.authority.Current()))
}

// GetWeightHistory 查询权重历史版本
// @Summary 查询权重历史版本
// @Tags 权重
// @Produce json
// @Param limit query int false "返回条数，默认20"
// @Success 200 {object} APIResponse{data=[]models.WeightVector}
// @Failure 503 {object} APIResponse
// @Router /weights/history [get]
func (c *WeightsController) GetWeightHistory(w http.ResponseWriter, r *http.Request) {
	if c.store == nil {
		render.Render(w, r, ServiceUnavailableResponse("权重存储未启用"))
		return
	}
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 && v <= 200 {
		limit = v
	}

	history, err := c.store.History(r.Context(), limit)
	if err != nil {
		render.Render(w, r, InternalErrorResponse("查询权重历史失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("查询成功", history))
}

// ReplaceWeights 人工设置权重
// @Summary 人工设置权重
// @Description 权重先截断负值再归一化，生成新版本
// @Tags 权重
// @Accept json
// @Produce json
// @Param request body ReplaceWeightsRequest true "权重"
// @Success 200 {object} APIResponse{data=models.WeightVector}
// @Failure 400 {object} APIResponse
// @Failure 422 {object} APIResponse
// @Router /weights [put]
func (c *WeightsController) ReplaceWeights(w http.ResponseWriter, r *http.Request) {
	var req ReplaceWeightsRequest
	if err := render.DecodeJSON(r.Body, &req); err != nil {
		render.Render(w, r, BadRequestResponse("请求参数格式错误", err))
		return
	}

	weights, err := c.authority.Replace(r.Context(), req.Weights)
	if err != nil {
		render.Render(w, r, DomainErrorResponse("设置权重失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("设置成功", weights))
}

// CalibrateWeights 立即校准权重
// @Summary 立即校准权重
// @Description 使用最近30天已结算的预测校准权重；样本不足时不修改权重
// @Tags 权重
// @Produce json
// @Success 200 {object} APIResponse{data=CalibrationResult}
// @Failure 422 {object} APIResponse
// @Router /weights/calibrate [post]
func (c *WeightsController) CalibrateWeights(w http.ResponseWriter, r *http.Request) {
	samples, err := c.tracker.CalibrationSamples(r.Context(), time.Now().Add(-accuracy.LongWindow))
	if err != nil {
		render.Render(w, r, InternalErrorResponse("查询校准样本失败", err))
		return
	}

	weights, err := c.authority.Calibrate(r.Context(), samples)
	result := CalibrationResult{Samples: len(samples), Weights: weights}
	switch {
	case err == nil:
		result.Calibrated = true
	case errors.Is(err, models.ErrInsufficientData):
		result.Reason = err.Error()
	default:
		render.Render(w, r, DomainErrorResponse("校准权重失败", err))
		return
	}
	render.Render(w, r, SuccessResponse("校准完成", result))
}
