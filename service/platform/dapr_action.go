/*
 * @module service/platform/dapr_action
 * @description 通过Dapr服务调用访问广告平台适配服务，执行暂停和预算调整
 * @architecture 端口适配器模式 - 适配器层
 * @documentReference DESIGN.md
 * @stateFlow 平台操作 -> Dapr sidecar -> 平台适配服务
 * @rules 请求携带幂等键；参数错误标记为不可重试
 * @dependencies github.com/dapr/go-sdk/client
 * @refs service/platform/ports.go, service/platform/retry_policy.go
 */

package platform

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"

	"cpc-service/service/models"

	dapr "github.com/dapr/go-sdk/client"
)

// daprInvoker dapr.Client 中使用到的方法
type daprInvoker interface {
	InvokeMethodWithContent(ctx context.Context, appID, methodName, verb string, content *dapr.DataContent) ([]byte, error)
}

// DaprAction 经Dapr服务调用实现 PlatformAction
type DaprAction struct {
	client daprInvoker
	appID  string
}

// NewDaprAction 创建Dapr平台操作，appID 为平台适配服务的Dapr应用ID
func NewDaprAction(client dapr.Client, appID string) *DaprAction {
	return &DaprAction{client: client, appID: appID}
}

type pauseRequest struct {
	AdID           string `json:"ad_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

type budgetRequest struct {
	AdID           string  `json:"ad_id"`
	DailyBudget    float64 `json:"daily_budget"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// Pause 暂停广告，平台对已暂停的广告应直接返回成功
func (d *DaprAction) Pause(ctx context.Context, adID string) error {
	if adID == "" {
		return Permanent(fmt.Errorf("%w: 广告ID不能为空", models.ErrValidation))
	}
	return d.invoke(ctx, "ads/"+url.PathEscape(adID)+"/pause", pauseRequest{
		AdID:           adID,
		IdempotencyKey: "pause:" + adID,
	})
}

// SetBudget 设置日预算
func (d *DaprAction) SetBudget(ctx context.Context, adID string, amount float64) error {
	if adID == "" {
		return Permanent(fmt.Errorf("%w: 广告ID不能为空", models.ErrValidation))
	}
	if amount < 0 || math.IsNaN(amount) || math.IsInf(amount, 0) {
		return Permanent(fmt.Errorf("%w: 广告 %s 预算 %.2f 不合法", models.ErrValidation, adID, amount))
	}
	return d.invoke(ctx, "ads/"+url.PathEscape(adID)+"/budget", budgetRequest{
		AdID:           adID,
		DailyBudget:    amount,
		IdempotencyKey: fmt.Sprintf("budget:%s:%.2f", adID, amount),
	})
}

func (d *DaprAction) invoke(ctx context.Context, method string, body interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return Permanent(fmt.Errorf("序列化平台请求失败: %w", err))
	}
	content := &dapr.DataContent{ContentType: "application/json", Data: data}
	if _, err := d.client.InvokeMethodWithContent(ctx, d.appID, method, "post", content); err != nil {
		return fmt.Errorf("调用平台服务 %s/%s 失败: %w", d.appID, method, err)
	}
	return nil
}
