/*
 * @module service/database/migrate
 * @description 数据库迁移模块，负责创建和更新控制器相关表结构、索引和视图
 * @architecture 数据访问层 - 迁移管理
 * @documentReference DESIGN.md
 * @stateFlow 应用启动时执行数据库迁移
 * @rules 确保数据库结构与模型定义保持一致；迁移语句可重复执行
 * @dependencies cpc-service/service/models, gorm.io/gorm
 * @refs service/models, service/database/views
 */

package database

import (
	"fmt"
	"log/slog"

	"cpc-service/service/models"

	"gorm.io/gorm"
)

// AutoMigrate 自动迁移数据库表结构
func AutoMigrate(db *gorm.DB) error {
	slog.Info("开始数据库迁移...")

	// 指标快照
	if err := db.AutoMigrate(&models.AdMetrics{}); err != nil {
		return fmt.Errorf("迁移指标快照表失败: %w", err)
	}

	// 预测与结果
	if err := db.AutoMigrate(
		&models.PredictionRecord{},
		&models.OutcomeRecord{},
		&models.WeightVector{},
	); err != nil {
		return fmt.Errorf("迁移预测相关表失败: %w", err)
	}

	// 实验与事件日志
	if err := db.AutoMigrate(
		&models.Experiment{},
		&models.ControllerEvent{},
		&models.PausedAd{},
	); err != nil {
		return fmt.Errorf("迁移实验相关表失败: %w", err)
	}

	if err := CreateIndexes(db); err != nil {
		return err
	}

	slog.Info("数据库迁移完成")
	return nil
}

// controllerIndexes 模型标签之外的组合索引
var controllerIndexes = []string{
	"CREATE INDEX IF NOT EXISTS idx_snapshots_latest ON ad_metrics_snapshots (tenant_id, ad_id, captured_at DESC, id DESC)",
	"CREATE INDEX IF NOT EXISTS idx_events_tenant_time ON controller_events (tenant_id, occurred_at DESC)",
	"CREATE INDEX IF NOT EXISTS idx_predictions_subject_time ON prediction_records (subject_id, created_at)",
}

// CreateIndexes 创建组合索引
func CreateIndexes(db *gorm.DB) error {
	for _, stmt := range controllerIndexes {
		if err := db.Exec(stmt).Error; err != nil {
			return fmt.Errorf("创建索引失败: %w", err)
		}
	}
	return nil
}

// InitializeData 初始化基础数据
func InitializeData(db *gorm.DB) error {
	var count int64
	if err := db.Model(&models.WeightVector{}).Count(&count).Error; err != nil {
		return fmt.Errorf("查询权重版本失败: %w", err)
	}
	if count == 0 {
		weights := models.DefaultWeightVector()
		if err := db.Create(&weights).Error; err != nil {
			return fmt.Errorf("写入初始权重失败: %w", err)
		}
		slog.Info("已写入初始权重", "version", weights.Version)
	}

	eventTypes := []models.ControllerEventType{
		models.EventKillDecision,
		models.EventAction,
		models.EventAllocation,
		models.EventRecommendation,
		models.EventPromotion,
		models.EventAccuracyReport,
		models.EventValidation,
	}
	slog.Info("支持的控制器事件类型", "types", eventTypes)
	return nil
}
