/*
 * @module service/event/metrics_notifier
 * @description 指标写入通知，监听PostgreSQL通知通道，新快照写入后提前触发对应租户的控制周期
 * @architecture 事件驱动架构 - 基础设施层
 * @documentReference DESIGN.md
 * @stateFlow 快照插入 -> 触发器 pg_notify -> 监听器 -> 按租户合并 -> 触发控制周期
 * @rules 同一租户在合并窗口内只触发一次；通知丢失不影响定时周期
 * @dependencies github.com/lib/pq, gorm.io/gorm
 * @refs service/database/metrics_source.go, service/scheduler/scheduler_service.go
 */

package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

// MetricsChannel 快照写入通知通道
const MetricsChannel = "ad_metrics_ingested"

// getEnvWithDefault 获取环境变量，如果不存在则返回默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// ConnStrFromEnv 构建监听器使用的连接字符串
func ConnStrFromEnv() string {
	if connStr := os.Getenv("DATABASE_URL"); connStr != "" {
		return connStr
	}
	host := getEnvWithDefault("DB_HOST", "localhost")
	port := getEnvWithDefault("DB_PORT", "5432")
	user := getEnvWithDefault("DB_USER", "postgres")
	password := getEnvWithDefault("DB_PASSWORD", "postgres")
	dbname := getEnvWithDefault("DB_NAME", "postgres")
	sslmode := getEnvWithDefault("DB_SSLMODE", "disable")

	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, dbname, sslmode)
}

// TriggerFunc 收到租户新快照后的回调
type TriggerFunc func(ctx context.Context, tenantID string)

// metricsNotification 通知负载
type metricsNotification struct {
	TenantID string `json:"tenant_id"`
	AdID     string `json:"ad_id"`
}

// MetricsNotifier 快照写入通知监听器
type MetricsNotifier struct {
	db       *gorm.DB
	connStr  string
	debounce time.Duration
	trigger  TriggerFunc

	mu       sync.Mutex
	pending  map[string]*time.Timer
	listener *pq.Listener
	ctx      context.Context
	cancel   context.CancelFunc
}

// NewMetricsNotifier 创建通知监听器，debounce 为同一租户的合并窗口
func NewMetricsNotifier(db *gorm.DB, connStr string, debounce time.Duration, trigger TriggerFunc) *MetricsNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &MetricsNotifier{
		db:       db,
		connStr:  connStr,
		debounce: debounce,
		trigger:  trigger,
		pending:  make(map[string]*time.Timer),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// EnsureTrigger 在快照表上创建通知触发器，非PostgreSQL数据库直接跳过
func (n *MetricsNotifier) EnsureTrigger() error {
	if n.db == nil || n.db.Dialector.Name() != "postgres" {
		return nil
	}

	createFunctionSQL := fmt.Sprintf(`
CREATE OR REPLACE FUNCTION notify_ad_metrics_ingested()
RETURNS TRIGGER AS $$
BEGIN
    PERFORM pg_notify('%s', json_build_object(
        'tenant_id', NEW.tenant_id,
        'ad_id', NEW.ad_id,
        'captured_at', NEW.captured_at
    )::text);
    RETURN NEW;
END;
$$ LANGUAGE plpgsql;`, MetricsChannel)
	if err := n.db.Exec(createFunctionSQL).Error; err != nil {
		return fmt.Errorf("创建通知函数失败: %w", err)
	}

	createTriggerSQL := `
		CREATE OR REPLACE TRIGGER ad_metrics_snapshots_notify
		AFTER INSERT ON ad_metrics_snapshots
		FOR EACH ROW
		EXECUTE FUNCTION notify_ad_metrics_ingested();`
	if err := n.db.Exec(createTriggerSQL).Error; err != nil {
		return fmt.Errorf("创建快照触发器失败: %w", err)
	}

	slog.Info("快照通知触发器已就绪", "channel", MetricsChannel)
	return nil
}

// Start 启动监听
func (n *MetricsNotifier) Start() error {
	n.listener = pq.NewListener(n.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			slog.Warn("PostgreSQL监听器事件", "event", ev, "error", err)
		}
	})
	if err := n.listener.Listen(MetricsChannel); err != nil {
		return fmt.Errorf("监听通道 %s 失败: %w", MetricsChannel, err)
	}

	go n.loop()
	slog.Info("快照通知监听器已启动", "channel", MetricsChannel)
	return nil
}

func (n *MetricsNotifier) loop() {
	for {
		select {
		case notification := <-n.listener.Notify:
			// 重连后会收到 nil
			if notification != nil {
				n.handleNotification(notification.Extra)
			}
		case <-n.ctx.Done():
			slog.Info("快照通知监听器已停止")
			return
		}
	}
}

// handleNotification 解析通知并按租户合并触发
func (n *MetricsNotifier) handleNotification(payload string) {
	var msg metricsNotification
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		slog.Warn("解析快照通知失败", "payload", payload, "error", err)
		return
	}
	if msg.TenantID == "" {
		return
	}
	n.schedule(msg.TenantID)
}

// schedule 合并窗口内已有待触发任务时忽略
func (n *MetricsNotifier) schedule(tenantID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.ctx.Err() != nil {
		return
	}
	if _, ok := n.pending[tenantID]; ok {
		return
	}
	n.pending[tenantID] = time.AfterFunc(n.debounce, func() {
		n.mu.Lock()
		delete(n.pending, tenantID)
		n.mu.Unlock()

		if n.ctx.Err() != nil {
			return
		}
		n.trigger(n.ctx, tenantID)
	})
}

// Stop 停止监听并取消未触发的任务
func (n *MetricsNotifier) Stop() {
	n.cancel()

	n.mu.Lock()
	for tenantID, timer := range n.pending {
		timer.Stop()
		delete(n.pending, tenantID)
	}
	n.mu.Unlock()

	if n.listener != nil {
		n.listener.Close()
	}
}
