/*
 * @module service/experiment/manager
 * @description 实验管理器，维护实验状态机并用汤普森采样在变体间重新分配预算
 * @architecture 仓储 + 键锁 - 配置存储时以存储为准，内存表只作读缓存；按实验ID串行修改
 * @documentReference DESIGN.md
 * @stateFlow draft -> active -> paused/completed; paused -> active; completed为终态
 * @rules 同一实验同一时刻只有一个修改在进行；持锁后从存储重新读取再修改，持久化成功后替换；
 *        已止损的变体不参与分配；推广获胜变体幂等
 * @dependencies github.com/shopspring/decimal, github.com/google/uuid,
 *               cpc-service/service/distributed_lock, cpc-service/service/platform
 * @refs service/scheduler/controller_loop.go, api/controllers/experiment_controller.go
 */

package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"cpc-service/service/config"
	"cpc-service/service/distributed_lock"
	"cpc-service/service/models"
	"cpc-service/service/platform"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Store 实验持久化接口
type Store interface {
	SaveExperiment(ctx context.Context, exp *models.Experiment) error
	// GetExperiment 不存在时返回 models.ErrExperimentNotFound
	GetExperiment(ctx context.Context, id string) (*models.Experiment, error)
	// ListExperiments tenantID 为空时返回全部租户
	ListExperiments(ctx context.Context, tenantID string) ([]*models.Experiment, error)
}

// Options 实验管理器依赖
type Options struct {
	Store       Store
	Locker      distributed_lock.KeyedLocker
	Action      platform.PlatformAction
	RetryPolicy *platform.RetryPolicy
	RandFactory RandFactory
}

// CycleInput 单个控制周期传入的数据
type CycleInput struct {
	Metrics map[string]models.AdMetrics // 广告ID -> 指标快照
	Killed  map[string]bool             // 本周期被止损的广告ID
}

// AllocationResult 预算分配结果
type AllocationResult struct {
	ExperimentID     string             `json:"experiment_id"`
	Round            int                `json:"round"`
	TotalBudget      float64            `json:"total_budget"`
	Allocations      map[string]float64 `json:"allocations"`       // 变体ID -> 预算
	WinProbabilities map[string]float64 `json:"win_probabilities"` // 变体ID -> 胜出次数占比
	Excluded         []string           `json:"excluded,omitempty"`
}

// WinnerResult 获胜变体判定结果
type WinnerResult struct {
	ExperimentID    string             `json:"experiment_id"`
	VariantID       string             `json:"variant_id"`
	Probability     float64            `json:"probability"`
	ConfidenceLevel float64            `json:"confidence_level"`
	Significant     bool               `json:"significant"`
	Probabilities   map[string]float64 `json:"probabilities"`
}

// PromoteResult 推广结果
type PromoteResult struct {
	Experiment *models.Experiment    `json:"experiment"`
	Actions    []models.ActionRecord `json:"actions,omitempty"`
	NoOp       bool                  `json:"no_op"`
}

// Manager 实验管理器
type Manager struct {
	mu          sync.RWMutex
	experiments map[string]*models.Experiment

	cfg         *config.ControllerConfig
	store       Store
	locker      distributed_lock.KeyedLocker
	action      platform.PlatformAction
	retryPolicy *platform.RetryPolicy
	randFactory RandFactory
	now         func() time.Time
}

// NewManager 创建实验管理器
func NewManager(cfg *config.ControllerConfig, opts Options) *Manager {
	m := &Manager{
		experiments: make(map[string]*models.Experiment),
		cfg:         cfg,
		store:       opts.Store,
		locker:      opts.Locker,
		action:      opts.Action,
		retryPolicy: opts.RetryPolicy,
		randFactory: opts.RandFactory,
		now:         time.Now,
	}
	if m.locker == nil {
		m.locker = distributed_lock.NewLocalKeyedLock()
	}
	if m.randFactory == nil {
		m.randFactory = DefaultRandFactory
	}
	if m.retryPolicy == nil {
		m.retryPolicy = platform.NewRetryPolicy(cfg.Retry)
	}
	return m
}

// Load 从存储加载全部实验到内存表
func (m *Manager) Load(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	list, err := m.store.ListExperiments(ctx, "")
	if err != nil {
		return 0, fmt.Errorf("加载实验失败: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, exp := range list {
		m.experiments[exp.ID] = exp.Clone()
	}
	return len(list), nil
}

// Create 创建草稿实验
func (m *Manager) Create(ctx context.Context, exp *models.Experiment) (*models.Experiment, error) {
	if exp == nil || exp.Name == "" || exp.TenantID == "" {
		return nil, fmt.Errorf("%w: 实验名称和租户不能为空", models.ErrInvalidExperiment)
	}
	if exp.TotalBudget < 0 {
		return nil, fmt.Errorf("%w: 总预算不能为负数", models.ErrInvalidExperiment)
	}

	created := exp.Clone()
	if created.ID == "" {
		created.ID = uuid.New().String()
	}
	seen := make(map[string]bool, len(created.Variants))
	for i := range created.Variants {
		v := &created.Variants[i]
		if v.ID == "" {
			v.ID = uuid.New().String()
		}
		if seen[v.ID] {
			return nil, fmt.Errorf("%w: 变体ID %s 重复", models.ErrInvalidExperiment, v.ID)
		}
		seen[v.ID] = true
		v.Killed = false
	}
	now := m.now()
	created.State = models.ExperimentDraft
	created.WinnerVariantID = ""
	created.Allocations = nil
	created.AllocationRound = 0
	created.CompletedAt = nil
	created.CreatedAt = now
	created.UpdatedAt = now

	unlock, err := m.locker.Lock(ctx, created.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if _, err := m.Get(ctx, created.ID); err == nil {
		return nil, fmt.Errorf("%w: 实验 %s 已存在", models.ErrInvalidExperiment, created.ID)
	} else if !errors.Is(err, models.ErrExperimentNotFound) {
		return nil, err
	}

	if err := m.persist(ctx, created); err != nil {
		return nil, err
	}
	return created.Clone(), nil
}

// Get 获取实验副本；配置存储时从存储读取，其他实例的修改立即可见
func (m *Manager) Get(ctx context.Context, id string) (*models.Experiment, error) {
	if m.store == nil {
		m.mu.RLock()
		exp, ok := m.experiments[id]
		m.mu.RUnlock()
		if !ok {
			return nil, fmt.Errorf("%w: %s", models.ErrExperimentNotFound, id)
		}
		return exp.Clone(), nil
	}

	loaded, err := m.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.experiments[id] = loaded.Clone()
	m.mu.Unlock()
	return loaded, nil
}

// List 列出租户的实验，state 为空时返回全部状态，按创建时间和ID排序
// 配置存储时从存储读取并刷新缓存，其他实例创建的实验同样参与分配
func (m *Manager) List(ctx context.Context, tenantID string, state models.ExperimentState) ([]*models.Experiment, error) {
	var source []*models.Experiment
	if m.store != nil {
		list, err := m.store.ListExperiments(ctx, tenantID)
		if err != nil {
			return nil, fmt.Errorf("查询实验列表失败: %w", err)
		}
		m.mu.Lock()
		for _, exp := range list {
			m.experiments[exp.ID] = exp.Clone()
		}
		m.mu.Unlock()
		source = list
	} else {
		m.mu.RLock()
		for _, exp := range m.experiments {
			source = append(source, exp.Clone())
		}
		m.mu.RUnlock()
	}

	out := make([]*models.Experiment, 0, len(source))
	for _, exp := range source {
		if tenantID != "" && exp.TenantID != tenantID {
			continue
		}
		if state != "" && exp.State != state {
			continue
		}
		out = append(out, exp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Start 启动实验：需要至少两个变体且总预算大于0，force 为 true 时跳过检查
func (m *Manager) Start(ctx context.Context, id string, force bool) (*models.Experiment, error) {
	return m.mutate(ctx, id, func(exp *models.Experiment) error {
		if exp.State != models.ExperimentDraft {
			return fmt.Errorf("%w: 实验 %s 状态为 %s，只有草稿可以启动", models.ErrInvalidExperiment, id, exp.State)
		}
		if !force {
			if len(exp.Variants) < 2 {
				return fmt.Errorf("%w: 实验 %s 至少需要两个变体", models.ErrInvalidExperiment, id)
			}
			if exp.TotalBudget <= 0 {
				return fmt.Errorf("%w: 实验 %s 总预算必须大于0", models.ErrInvalidExperiment, id)
			}
			if decimal.NewFromFloat(exp.TotalBudget).LessThan(minVariantBudget.Mul(decimal.NewFromInt(int64(len(exp.Variants))))) {
				return fmt.Errorf("%w: 实验 %s 总预算 %.2f 不足每个变体一分", models.ErrInvalidExperiment, id, exp.TotalBudget)
			}
		}
		exp.State = models.ExperimentActive
		return nil
	})
}

// Pause 暂停实验
func (m *Manager) Pause(ctx context.Context, id string) (*models.Experiment, error) {
	return m.mutate(ctx, id, func(exp *models.Experiment) error {
		if exp.State != models.ExperimentActive {
			return fmt.Errorf("%w: 实验 %s 状态为 %s，只有进行中的实验可以暂停", models.ErrInvalidExperiment, id, exp.State)
		}
		exp.State = models.ExperimentPaused
		return nil
	})
}

// Resume 恢复已暂停的实验
func (m *Manager) Resume(ctx context.Context, id string) (*models.Experiment, error) {
	return m.mutate(ctx, id, func(exp *models.Experiment) error {
		if exp.State != models.ExperimentPaused {
			return fmt.Errorf("%w: 实验 %s 状态为 %s，只有已暂停的实验可以恢复", models.ErrInvalidExperiment, id, exp.State)
		}
		exp.State = models.ExperimentActive
		return nil
	})
}

// Stop 不推广任何变体直接结束实验
func (m *Manager) Stop(ctx context.Context, id string) (*models.Experiment, error) {
	return m.mutate(ctx, id, func(exp *models.Experiment) error {
		if exp.State != models.ExperimentActive && exp.State != models.ExperimentPaused {
			return fmt.Errorf("%w: 实验 %s 状态为 %s，无法停止", models.ErrInvalidExperiment, id, exp.State)
		}
		now := m.now()
		exp.State = models.ExperimentCompleted
		exp.CompletedAt = &now
		return nil
	})
}

// Allocate 汤普森采样重新分配预算
// 先用本周期指标刷新变体统计，被止损的变体标记为已止损并分配0；
// 存活变体按胜出占比分配，每个变体不低于探索下限，金额精确到分且总和等于总预算
func (m *Manager) Allocate(ctx context.Context, id string, in CycleInput) (*AllocationResult, error) {
	var result *AllocationResult
	_, err := m.mutate(ctx, id, func(exp *models.Experiment) error {
		if exp.State != models.ExperimentActive {
			return fmt.Errorf("%w: 实验 %s 状态为 %s，只有进行中的实验参与分配", models.ErrInvalidExperiment, id, exp.State)
		}

		for i := range exp.Variants {
			v := &exp.Variants[i]
			if metrics, ok := in.Metrics[v.AdID]; ok && v.AdID != "" {
				v.Impressions = metrics.Impressions
				v.Clicks = metrics.Clicks
				v.Conversions = metrics.Conversions
				v.Spend = metrics.Spend
			}
			if v.AdID != "" && in.Killed[v.AdID] {
				v.Killed = true
			}
		}

		result = m.allocate(exp)
		exp.Allocations = make(models.FloatMap, len(result.Allocations))
		for variantID, amount := range result.Allocations {
			exp.Allocations[variantID] = amount
		}
		exp.AllocationRound++
		result.Round = exp.AllocationRound
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// allocate 计算分配，不修改实验
func (m *Manager) allocate(exp *models.Experiment) *AllocationResult {
	result := &AllocationResult{
		ExperimentID:     exp.ID,
		TotalBudget:      exp.TotalBudget,
		Allocations:      make(map[string]float64, len(exp.Variants)),
		WinProbabilities: make(map[string]float64, len(exp.Variants)),
	}

	survivors := make([]models.Variant, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		if v.Killed {
			result.Allocations[v.ID] = 0
			result.Excluded = append(result.Excluded, v.ID)
			continue
		}
		survivors = append(survivors, v)
	}
	if len(survivors) == 0 {
		slog.Warn("实验没有存活变体，跳过分配", "experiment_id", exp.ID)
		return result
	}

	probs := winProbabilities(m.randFactory(), survivors, m.cfg.ThompsonDraws)
	shares := applyExplorationFloor(probs, m.cfg.ExplorationFloor)
	amounts := splitBudget(decimal.NewFromFloat(exp.TotalBudget), shares)

	for i, v := range survivors {
		result.WinProbabilities[v.ID] = probs[i]
		result.Allocations[v.ID] = amounts[i].InexactFloat64()
	}
	return result
}

// GetWinner 判定获胜变体
// 每个存活变体展示量需达到最小样本量；胜出概率不低于置信水平时判定显著
func (m *Manager) GetWinner(ctx context.Context, id string, confidenceLevel float64) (*WinnerResult, error) {
	if confidenceLevel <= 0 {
		confidenceLevel = m.cfg.ConfidenceLevelDefault
	}
	if confidenceLevel >= 1 {
		return nil, fmt.Errorf("%w: 置信水平 %.4f 必须小于1", models.ErrValidation, confidenceLevel)
	}

	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	exp, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	candidates := make([]models.Variant, 0, len(exp.Variants))
	for _, v := range exp.Variants {
		if v.Killed {
			continue
		}
		if v.Impressions < m.cfg.MinSampleSize {
			return nil, fmt.Errorf("%w: 变体 %s 展示 %d 低于最小样本量 %d",
				models.ErrInsufficientData, v.ID, v.Impressions, m.cfg.MinSampleSize)
		}
		candidates = append(candidates, v)
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: 实验 %s 没有可评估的变体", models.ErrInsufficientData, id)
	}

	probs := winProbabilities(m.randFactory(), candidates, m.cfg.ThompsonDraws)
	result := &WinnerResult{
		ExperimentID:    id,
		ConfidenceLevel: confidenceLevel,
		Probabilities:   make(map[string]float64, len(candidates)),
	}
	best := 0
	for i, v := range candidates {
		result.Probabilities[v.ID] = probs[i]
		if probs[i] > probs[best] {
			best = i
		}
	}
	result.VariantID = candidates[best].ID
	result.Probability = probs[best]
	result.Significant = probs[best] >= confidenceLevel
	return result, nil
}

// PromoteWinner 推广获胜变体并结束实验
// 已以同一变体完成时为空操作；先执行平台操作（获胜广告设为新预算，其余广告暂停），全部成功后才结束实验
func (m *Manager) PromoteWinner(ctx context.Context, id, variantID string, newBudget float64) (*PromoteResult, error) {
	if newBudget < 0 {
		return nil, fmt.Errorf("%w: 新预算不能为负数", models.ErrValidation)
	}

	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if current.State == models.ExperimentCompleted {
		if current.WinnerVariantID == variantID {
			return &PromoteResult{Experiment: current, NoOp: true}, nil
		}
		return nil, fmt.Errorf("%w: 实验 %s 已结束", models.ErrInvalidExperiment, id)
	}
	if current.State != models.ExperimentActive && current.State != models.ExperimentPaused {
		return nil, fmt.Errorf("%w: 实验 %s 状态为 %s，无法推广", models.ErrInvalidExperiment, id, current.State)
	}
	idx := current.VariantIndex(variantID)
	if idx < 0 {
		return nil, fmt.Errorf("%w: 实验 %s 不存在变体 %s", models.ErrInvalidExperiment, id, variantID)
	}

	actions, err := m.collapseBudget(ctx, current, idx, newBudget)
	if err != nil {
		return &PromoteResult{Experiment: current, Actions: actions}, err
	}

	next := current.Clone()
	now := m.now()
	next.State = models.ExperimentCompleted
	next.WinnerVariantID = variantID
	next.CompletedAt = &now
	next.UpdatedAt = now
	next.Allocations = make(models.FloatMap, len(next.Variants))
	for _, v := range next.Variants {
		next.Allocations[v.ID] = 0
	}
	next.Allocations[variantID] = newBudget

	if err := m.persist(ctx, next); err != nil {
		return nil, err
	}

	slog.Info("实验获胜变体已推广",
		"experiment_id", id,
		"variant_id", variantID,
		"new_budget", newBudget)
	return &PromoteResult{Experiment: next.Clone(), Actions: actions}, nil
}

// collapseBudget 获胜广告设置新预算，其余广告暂停
func (m *Manager) collapseBudget(ctx context.Context, exp *models.Experiment, winner int, newBudget float64) ([]models.ActionRecord, error) {
	if m.action == nil {
		return nil, nil
	}

	var actions []models.ActionRecord
	run := func(adID string, action models.ActionType, amount float64, op func(context.Context) error) error {
		attempts, err := m.retryPolicy.Do(ctx, string(action)+":"+adID, op)
		record := models.ActionRecord{
			ID:        uuid.New().String(),
			TenantID:  exp.TenantID,
			AdID:      adID,
			Action:    action,
			Amount:    amount,
			Attempts:  attempts,
			Success:   err == nil,
			CreatedAt: m.now(),
		}
		if err != nil {
			record.Error = err.Error()
		}
		actions = append(actions, record)
		if err != nil {
			return fmt.Errorf("%w: %s 广告 %s: %v", models.ErrExternalAction, action, adID, err)
		}
		return nil
	}

	if adID := exp.Variants[winner].AdID; adID != "" {
		if err := run(adID, models.ActionSetBudget, newBudget, func(callCtx context.Context) error {
			return m.action.SetBudget(callCtx, adID, newBudget)
		}); err != nil {
			return actions, err
		}
	}
	for i, v := range exp.Variants {
		if i == winner || v.AdID == "" {
			continue
		}
		adID := v.AdID
		if err := run(adID, models.ActionPause, 0, func(callCtx context.Context) error {
			return m.action.Pause(callCtx, adID)
		}); err != nil {
			return actions, err
		}
	}
	return actions, nil
}

// mutate 在实验键锁内修改副本，持久化成功后替换内存表中的实验
func (m *Manager) mutate(ctx context.Context, id string, fn func(exp *models.Experiment) error) (*models.Experiment, error) {
	unlock, err := m.locker.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	current, err := m.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.UpdatedAt = m.now()

	if err := m.persist(ctx, current); err != nil {
		return nil, err
	}
	return current.Clone(), nil
}

// persist 保存到存储并更新内存表
func (m *Manager) persist(ctx context.Context, exp *models.Experiment) error {
	if m.store != nil {
		if err := m.store.SaveExperiment(ctx, exp); err != nil {
			return fmt.Errorf("保存实验 %s 失败: %w", exp.ID, err)
		}
	}
	m.mu.Lock()
	m.experiments[exp.ID] = exp.Clone()
	m.mu.Unlock()
	return nil
}
