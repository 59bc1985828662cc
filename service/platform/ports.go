/*
 * @module service/platform/ports
 * @description 控制器与外部系统的端口定义：指标输入、平台操作、事件日志和学习通道
 * @architecture 端口适配器模式 - 端口层
 * @documentReference DESIGN.md
 * @stateFlow 指标快照 -> 控制决策 -> 平台操作/事件/学习通道
 * @rules 平台操作必须幂等；端口实现不得在控制器之外持有跨周期状态
 * @dependencies cpc-service/service/models
 * @refs service/database, client/connectors, service/scheduler/controller_loop.go
 */

package platform

import (
	"context"
	"errors"

	"cpc-service/service/models"
)

// MetricsSource 指标输入端口，返回租户当前的广告指标快照
type MetricsSource interface {
	FetchSnapshots(ctx context.Context, tenantID string) ([]models.AdMetrics, error)
}

// PlatformAction 广告平台操作端口，重复暂停已暂停的广告应直接成功
type PlatformAction interface {
	Pause(ctx context.Context, adID string) error
	SetBudget(ctx context.Context, adID string, amount float64) error
}

// EventSink 决策与操作事件日志
type EventSink interface {
	PublishEvents(ctx context.Context, events []*models.ControllerEvent) error
}

// LearningSink 学习通道，接收准确度报告与漂移标记，由外部再训练流程消费
type LearningSink interface {
	PublishAccuracy(ctx context.Context, tenantID string, report *models.AccuracyReport) error
}

// MultiEventSink 事件扇出，单个通道失败不影响其他通道
type MultiEventSink []EventSink

// PublishEvents 依次发布到全部通道，返回合并后的错误
func (m MultiEventSink) PublishEvents(ctx context.Context, events []*models.ControllerEvent) error {
	var errs []error
	for _, sink := range m {
		if err := sink.PublishEvents(ctx, events); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// MultiLearningSink 学习通道扇出
type MultiLearningSink []LearningSink

// PublishAccuracy 依次发布到全部通道，返回合并后的错误
func (m MultiLearningSink) PublishAccuracy(ctx context.Context, tenantID string, report *models.AccuracyReport) error {
	var errs []error
	for _, sink := range m {
		if err := sink.PublishAccuracy(ctx, tenantID, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
