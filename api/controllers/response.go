package controllers

import (
	"errors"
	"net/http"

	"cpc-service/service/models"

	"github.com/go-chi/render"
)

// APIResponse 统一API响应结构
type APIResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data,omitempty"`

	httpStatus int
}

// PaginatedResponse 分页响应结构
type PaginatedResponse struct {
	Status int         `json:"status" example:"0"`
	Msg    string      `json:"msg" example:"操作成功"`
	Data   interface{} `json:"data"`
	Total  int64       `json:"total" example:"100"`
	Page   int         `json:"page" example:"1"`
	Size   int         `json:"size" example:"10"`
}

// Render 实现 render.Renderer，写入HTTP状态码
func (resp *APIResponse) Render(w http.ResponseWriter, r *http.Request) error {
	if resp.httpStatus != 0 {
		render.Status(r, resp.httpStatus)
	}
	return nil
}

// SuccessResponse 成功响应
func SuccessResponse(msg string, data interface{}) *APIResponse {
	return &APIResponse{Status: 0, Msg: msg, Data: data, httpStatus: http.StatusOK}
}

// ErrorResponse 错误响应，err 非空时拼接到消息后
func ErrorResponse(status int, msg string, err error) *APIResponse {
	if err != nil {
		msg = msg + ": " + err.Error()
	}
	return &APIResponse{Status: status, Msg: msg, httpStatus: status}
}

// BadRequestResponse 参数错误响应
func BadRequestResponse(msg string, err error) *APIResponse {
	return ErrorResponse(http.StatusBadRequest, msg, err)
}

// NotFoundResponse 资源不存在响应
func NotFoundResponse(msg string, err error) *APIResponse {
	return ErrorResponse(http.StatusNotFound, msg, err)
}

// ConflictResponse 状态冲突响应
func ConflictResponse(msg string, err error) *APIResponse {
	return ErrorResponse(http.StatusConflict, msg, err)
}

// InternalErrorResponse 服务内部错误响应
func InternalErrorResponse(msg string, err error) *APIResponse {
	return ErrorResponse(http.StatusInternalServerError, msg, err)
}

// ServiceUnavailableResponse 依赖组件未启用
func ServiceUnavailableResponse(msg string) *APIResponse {
	return ErrorResponse(http.StatusServiceUnavailable, msg, nil)
}

// DomainErrorResponse 按错误分类映射HTTP状态码
func DomainErrorResponse(msg string, err error) *APIResponse {
	switch {
	case errors.Is(err, models.ErrExperimentNotFound), errors.Is(err, models.ErrUnknownPrediction):
		return NotFoundResponse(msg, err)
	case errors.Is(err, models.ErrInvalidExperiment),
		errors.Is(err, models.ErrConflictingOutcome),
		errors.Is(err, models.ErrDuplicateID):
		return ConflictResponse(msg, err)
	case errors.Is(err, models.ErrValidation),
		errors.Is(err, models.ErrInsufficientFeatures),
		errors.Is(err, models.ErrInsufficientData),
		errors.Is(err, models.ErrWeightCorruption):
		return ErrorResponse(http.StatusUnprocessableEntity, msg, err)
	case errors.Is(err, models.ErrExternalAction):
		return ErrorResponse(http.StatusBadGateway, msg, err)
	}
	return InternalErrorResponse(msg, err)
}
