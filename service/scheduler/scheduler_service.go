/**
 * @module SchedulerService
 * @description 控制周期调度器，按固定间隔触发所有租户的控制周期，并接受指标入库通知的即时触发
 * @architecture 基于cron的定时调度器模式
 * @documentReference DESIGN.md
 * @stateFlow 启动 -> 定时触发 -> (多实例时)抢占分布式锁 -> 运行周期 -> 停止
 * @rules 上一次触发未完成时跳过本次触发；停止时等待进行中的周期退出
 * @dependencies github.com/robfig/cron/v3, service/distributed_lock
 * @refs ./controller_loop.go, ../event/metrics_notifier.go
 */

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cpc-service/service/distributed_lock"

	"github.com/robfig/cron/v3"
)

// tickLockKey 多实例部署时同一时刻只有一个实例运行周期
const tickLockKey = "cpc:controller:tick"

// CycleRunner 周期执行方
type CycleRunner interface {
	RunAll(ctx context.Context) ([]*CycleReport, error)
	RunCycle(ctx context.Context, tenantID string) (*CycleReport, error)
}

// SchedulerService 调度器服务
type SchedulerService struct {
	runner   CycleRunner
	interval time.Duration
	locker   *distributed_lock.LockExecutor
	cron     *cron.Cron
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	mu      sync.Mutex
	pending map[string]bool // 后台运行中的租户 -> 运行结束后是否需要再跑一次
}

// NewSchedulerService 创建调度器服务，locker 为空时不做跨实例互斥
func NewSchedulerService(runner CycleRunner, interval time.Duration, locker *distributed_lock.LockExecutor) *SchedulerService {
	ctx, cancel := context.WithCancel(context.Background())

	logger := cron.PrintfLogger(slog.NewLogLogger(slog.Default().Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithSeconds(),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)

	return &SchedulerService{
		runner:   runner,
		interval: interval,
		locker:   locker,
		cron:     c,
		ctx:      ctx,
		cancel:   cancel,
		pending:  make(map[string]bool),
	}
}

// Start 启动调度器
func (s *SchedulerService) Start() error {
	if s.interval <= 0 {
		return fmt.Errorf("调度间隔必须大于0")
	}
	spec := fmt.Sprintf("@every %s", s.interval)
	if _, err := s.cron.AddFunc(spec, s.tick); err != nil {
		return fmt.Errorf("添加控制周期任务失败: %w", err)
	}
	s.cron.Start()
	slog.Info("控制周期调度器启动完成", "interval", s.interval.String())
	return nil
}

// Stop 停止调度器，等待进行中的周期退出
func (s *SchedulerService) Stop() {
	slog.Info("停止控制周期调度器")
	s.cancel()
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
	s.wg.Wait()
	slog.Info("控制周期调度器已停止")
}

// RunNow 立即运行一次所有租户的周期
func (s *SchedulerService) RunNow(ctx context.Context) ([]*CycleReport, error) {
	s.wg.Add(1)
	defer s.wg.Done()
	return s.runner.RunAll(ctx)
}

// Trigger 即时运行单个租户的周期，供指标入库通知调用
func (s *SchedulerService) Trigger(ctx context.Context, tenantID string) {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := mergeCancel(ctx, s.ctx)
	defer cancel()

	slog.Info("指标入库触发控制周期", "tenant_id", tenantID)
	if _, err := s.runner.RunCycle(ctx, tenantID); err != nil {
		slog.Warn("即时控制周期失败", "tenant_id", tenantID, "error", err)
	}
}

// TriggerAsync 在后台运行单个租户的周期并立即返回，ctx 应为进程级 context
// 该租户已有后台周期在运行时只标记结束后再运行一次，多次触发合并为一次
func (s *SchedulerService) TriggerAsync(ctx context.Context, tenantID string) {
	if s.ctx.Err() != nil || ctx.Err() != nil {
		return
	}
	s.mu.Lock()
	if _, running := s.pending[tenantID]; running {
		s.pending[tenantID] = true
		s.mu.Unlock()
		return
	}
	s.pending[tenantID] = false
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			s.Trigger(ctx, tenantID)

			s.mu.Lock()
			again := s.pending[tenantID] && s.ctx.Err() == nil && ctx.Err() == nil
			if !again {
				delete(s.pending, tenantID)
				s.mu.Unlock()
				return
			}
			s.pending[tenantID] = false
			s.mu.Unlock()
		}
	}()
}

// tick 定时触发
func (s *SchedulerService) tick() {
	if s.ctx.Err() != nil {
		return
	}
	s.wg.Add(1)
	defer s.wg.Done()

	run := func() error {
		_, err := s.runner.RunAll(s.ctx)
		return err
	}

	if s.locker == nil {
		if err := run(); err != nil {
			slog.Warn("控制周期存在失败", "error", err)
		}
		return
	}

	// 锁的有效期覆盖一个调度间隔，防止慢周期被其他实例重复执行
	acquired, err := s.locker.ExecuteWithLock(s.ctx, tickLockKey, s.interval, run)
	if !acquired && err == nil {
		slog.Debug("其他实例正在运行控制周期，跳过本次触发")
		return
	}
	if err != nil {
		slog.Warn("控制周期存在失败", "error", err)
	}
}

// mergeCancel 返回在任意一个父 context 结束时取消的 context
func mergeCancel(ctx, other context.Context) (context.Context, context.CancelFunc) {
	merged, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(other, cancel)
	return merged, func() {
		stop()
		cancel()
	}
}
