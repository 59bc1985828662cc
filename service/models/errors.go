package models

import "errors"

// 控制器错误分类，调用方通过 errors.Is 判断
var (
	// ErrValidation 指标格式错误或累计值回退，本周期跳过该广告
	ErrValidation = errors.New("指标校验失败")
	// ErrInsufficientData 低于最小花费/展示/样本阈值，不产生决策，不算失败
	ErrInsufficientData = errors.New("数据不足")
	// ErrExternalAction 平台操作重试耗尽后仍失败
	ErrExternalAction = errors.New("外部平台操作失败")
	// ErrInvalidExperiment 实验状态迁移不合法
	ErrInvalidExperiment = errors.New("实验状态不合法")
	// ErrExperimentNotFound 实验不存在
	ErrExperimentNotFound = errors.New("实验不存在")
	// ErrConflictingOutcome 同一预测提交了不同的实际结果，保留原值
	ErrConflictingOutcome = errors.New("实际结果冲突")
	// ErrDuplicateID 预测ID已存在
	ErrDuplicateID = errors.New("预测ID重复")
	// ErrUnknownPrediction 预测ID未登记
	ErrUnknownPrediction = errors.New("预测ID不存在")
	// ErrInsufficientFeatures 可用子评分比例低于下限
	ErrInsufficientFeatures = errors.New("特征不足")
	// ErrWeightCorruption 权重向量不满足非负且和为1，本周期跳过校准
	ErrWeightCorruption = errors.New("权重向量损坏")
)
