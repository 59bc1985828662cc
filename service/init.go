/*
 * @module service/init
 * @description 服务初始化模块，负责数据库连接、配置加载、组件装配和后台任务启动
 * @architecture 分层架构 - 服务层
 * @documentReference DESIGN.md
 * @stateFlow 数据库 -> 迁移 -> 配置 -> Redis(可选) -> 组件 -> 连接器(可选) -> 控制循环/调度器
 * @rules 所有依赖组件装配完成后才提供API服务；可选依赖不可用时降级运行
 * @dependencies gorm.io/gorm, gorm.io/driver/postgres, gorm.io/driver/sqlite, github.com/go-redis/redis/v8
 * @refs service/scheduler, client/connectors
 */

package service

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"cpc-service/client/connectors"
	"cpc-service/service/accuracy"
	"cpc-service/service/budget"
	"cpc-service/service/config"
	"cpc-service/service/database"
	"cpc-service/service/distributed_lock"
	"cpc-service/service/event"
	"cpc-service/service/experiment"
	"cpc-service/service/kill_switch"
	"cpc-service/service/models"
	"cpc-service/service/monitoring"
	"cpc-service/service/platform"
	"cpc-service/service/prediction"
	"cpc-service/service/rate_limiter"
	"cpc-service/service/scheduler"

	dapr "github.com/dapr/go-sdk/client"
	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	DB                      *gorm.DB
	GlobalConfig            *config.ControllerConfig
	GlobalRedisClient       *redis.Client
	GlobalMetricsCollector  *monitoring.MetricsCollector
	GlobalMetricsSource     *database.MetricsSource
	GlobalEventStore        *database.EventStore
	GlobalWeightStore       *database.WeightStore
	GlobalPredictionEngine  *prediction.Engine
	GlobalWeightAuthority   *prediction.WeightAuthority
	GlobalAccuracyTracker   *accuracy.Tracker
	GlobalKillEvaluator     *kill_switch.Evaluator
	GlobalBudgetOptimizer   *budget.Optimizer
	GlobalExperimentManager *experiment.Manager
	GlobalController        *scheduler.Controller
	GlobalSchedulerService  *scheduler.SchedulerService
	GlobalMetricsNotifier   *event.MetricsNotifier
	GlobalHealthChecker     *monitoring.HealthChecker
	GlobalRedisConnector    *connectors.RedisConnector
	GlobalKafkaConnector    *connectors.KafkaConnector
	GlobalMQTTConnector     *connectors.MQTTConnector
)

// 后台任务的生命周期
var (
	backgroundCtx    context.Context
	backgroundCancel context.CancelFunc
)

// Init 初始化全部服务，由 main 在启动HTTP服务前调用
func Init(ctx context.Context) error {
	backgroundCtx, backgroundCancel = context.WithCancel(context.Background())

	if err := initDatabase(); err != nil {
		return err
	}
	if err := runMigrations(); err != nil {
		return err
	}

	cfg, err := config.LoadControllerConfig(os.Getenv("CPC_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("加载控制器配置失败: %w", err)
	}
	GlobalConfig = cfg

	initRedis(ctx)
	initConnectors()

	if err := initServices(ctx); err != nil {
		return err
	}
	startBackground()

	slog.Info("服务初始化完成",
		"tenants", cfg.Tenants,
		"tick_interval", cfg.TickInterval.String(),
		"auto_apply_budget", cfg.AutoApplyBudget)
	return nil
}

// initDatabase 初始化数据库连接，DB_DRIVER=sqlite 时使用本地文件库
func initDatabase() error {
	var dialector gorm.Dialector

	if strings.EqualFold(os.Getenv("DB_DRIVER"), "sqlite") {
		dialector = sqlite.Open(getEnvWithDefault("SQLITE_PATH", "cpc-service.db"))
	} else {
		var dsn string
		// 优先使用DATABASE_URL环境变量
		if databaseURL := os.Getenv("DATABASE_URL"); databaseURL != "" {
			dsn = databaseURL
		} else {
			// 使用分离的环境变量构建连接字符串
			host := getEnvWithDefault("DB_HOST", "localhost")
			port := getEnvWithDefault("DB_PORT", "5432")
			user := getEnvWithDefault("DB_USER", "postgres")
			password := getEnvWithDefault("DB_PASSWORD", "postgres")
			dbname := getEnvWithDefault("DB_NAME", "postgres")
			sslmode := getEnvWithDefault("DB_SSLMODE", "disable")
			schema := getEnvWithDefault("DB_SCHEMA", "public")

			dsn = fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s search_path=%s TimeZone=UTC",
				host, port, user, password, dbname, sslmode, schema)
		}
		dialector = postgres.Open(dsn)
	}

	var err error
	DB, err = gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		return fmt.Errorf("数据库连接失败: %w", err)
	}

	slog.Info("数据库连接成功", "dialect", dialector.Name())
	return nil
}

// getEnvWithDefault 获取环境变量，如果不存在则返回默认值
func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// runMigrations 运行数据库迁移
func runMigrations() error {
	slog.Info("开始运行数据库迁移...")

	if os.Getenv("DATABASE_URL") == "" {
		if err := database.EnsureSchema(DB, getEnvWithDefault("DB_SCHEMA", "public")); err != nil {
			return err
		}
	}

	if err := database.AutoMigrate(DB); err != nil {
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	slog.Info("数据库表结构迁移完成")

	if err := database.InitializeData(DB); err != nil {
		return fmt.Errorf("基础数据初始化失败: %w", err)
	}
	slog.Info("基础数据初始化完成")

	if err := database.AutoMigrateView(DB); err != nil {
		return fmt.Errorf("视图迁移失败: %w", err)
	}
	slog.Info("视图迁移完成")
	return nil
}

// initRedis 连接Redis，未配置或连接失败时以单实例模式运行
func initRedis(ctx context.Context) {
	if os.Getenv("REDIS_HOST") == "" {
		slog.Info("未配置REDIS_HOST，以单实例模式运行")
		return
	}
	client, err := distributed_lock.NewRedisClientFromEnv(ctx)
	if err != nil {
		slog.Warn("Redis不可用，以单实例模式运行", "error", err)
		return
	}
	GlobalRedisClient = client
	GlobalRedisConnector = connectors.NewRedisConnector(client, getEnvWithDefault("REDIS_KEY_PREFIX", "cpc"), 0)
}

// initConnectors 按环境变量启用Kafka与MQTT连接器，连接失败只告警
func initConnectors() {
	if kafkaCfg, ok := connectors.KafkaConfigFromEnv(); ok {
		kc := connectors.NewKafkaConnector(kafkaCfg)
		if err := kc.Connect(); err != nil {
			slog.Warn("Kafka连接器启动失败", "error", err)
		} else {
			GlobalKafkaConnector = kc
		}
	}
	if mqttCfg, ok := connectors.MQTTConfigFromEnv(); ok {
		mc := connectors.NewMQTTConnector(mqttCfg)
		if err := mc.Connect(); err != nil {
			slog.Warn("MQTT连接器启动失败", "error", err)
		} else {
			GlobalMQTTConnector = mc
		}
	}
}

// initServices 装配控制器组件
func initServices(ctx context.Context) error {
	cfg := GlobalConfig

	GlobalMetricsCollector = monitoring.NewMetricsCollector(prometheus.DefaultRegisterer)
	GlobalMetricsSource = database.NewMetricsSource(DB)
	GlobalEventStore = database.NewEventStore(DB)
	GlobalWeightStore = database.NewWeightStore(DB)

	engine, err := newPredictionEngine(cfg)
	if err != nil {
		return err
	}
	GlobalPredictionEngine = engine

	calibrator := prediction.NewWeightCalibrator(cfg.CalibrationLearningRate, cfg.CalibrationMaxStep, cfg.CalibrationMinSamples)
	GlobalWeightAuthority, err = prediction.NewWeightAuthority(ctx, GlobalWeightStore, calibrator)
	if err != nil {
		return fmt.Errorf("加载权重失败: %w", err)
	}
	GlobalMetricsCollector.SetWeightVersion(GlobalWeightAuthority.Current().Version)

	GlobalAccuracyTracker = accuracy.NewTracker(database.NewPredictionStore(DB), cfg)
	GlobalKillEvaluator = kill_switch.NewEvaluator(cfg)
	GlobalBudgetOptimizer = budget.NewOptimizer(cfg)

	policy := platform.NewRetryPolicy(cfg.Retry)
	action, err := newPlatformAction(cfg)
	if err != nil {
		return err
	}

	var keyedLocker distributed_lock.KeyedLocker = distributed_lock.NewLocalKeyedLock()
	var tickLocker *distributed_lock.LockExecutor
	if GlobalRedisClient != nil {
		redisLock := distributed_lock.NewRedisLock(GlobalRedisClient)
		keyedLocker = distributed_lock.NewDistributedKeyedLock(redisLock, 2*cfg.TickInterval, 100*time.Millisecond)
		tickLocker = distributed_lock.NewLockExecutor(redisLock)
	}

	GlobalExperimentManager = experiment.NewManager(cfg, experiment.Options{
		Store:       database.NewExperimentStore(DB),
		Locker:      keyedLocker,
		Action:      action,
		RetryPolicy: policy,
	})
	loaded, err := GlobalExperimentManager.Load(ctx)
	if err != nil {
		return fmt.Errorf("加载实验失败: %w", err)
	}
	slog.Info("实验加载完成", "count", loaded)

	events := platform.MultiEventSink{platform.LogSink{}, GlobalEventStore}
	learning := platform.MultiLearningSink{platform.LogSink{}}
	if GlobalKafkaConnector != nil {
		events = append(events, GlobalKafkaConnector)
		learning = append(learning, GlobalKafkaConnector)
	}
	if GlobalRedisConnector != nil {
		events = append(events, GlobalRedisConnector)
		learning = append(learning, GlobalRedisConnector)
	}
	if GlobalMQTTConnector != nil {
		learning = append(learning, GlobalMQTTConnector)
	}

	GlobalController, err = scheduler.NewController(scheduler.ControllerDeps{
		Config:        cfg,
		Metrics:       GlobalMetricsSource,
		Action:        action,
		Events:        events,
		Learning:      learning,
		KillEvaluator: GlobalKillEvaluator,
		KillExecutor:  kill_switch.NewExecutor(action, policy, cfg.WorkerCount),
		Pauses:        database.NewPauseStore(DB),
		Budget:        GlobalBudgetOptimizer,
		Experiments:   GlobalExperimentManager,
		Tracker:       GlobalAccuracyTracker,
		Weights:       GlobalWeightAuthority,
		Monitor:       GlobalMetricsCollector,
		RetryPolicy:   policy,
		Tenants:       GlobalMetricsSource,
		TenantLocker:  keyedLocker,
	})
	if err != nil {
		return fmt.Errorf("创建控制循环失败: %w", err)
	}
	GlobalSchedulerService = scheduler.NewSchedulerService(GlobalController, cfg.TickInterval, tickLocker)
	GlobalHealthChecker = monitoring.NewHealthChecker(DB, GlobalRedisClient, GlobalController.LastCycleAt, 3*cfg.TickInterval)

	if DB.Dialector.Name() == "postgres" {
		GlobalMetricsNotifier = event.NewMetricsNotifier(DB, event.ConnStrFromEnv(), 2*time.Second, GlobalSchedulerService.Trigger)
	}
	return nil
}

// newPredictionEngine 创建预测引擎，CPC_CTR_CURVE_FILE/CPC_ROAS_CURVE_FILE 指定曲线脚本
func newPredictionEngine(cfg *config.ControllerConfig) (*prediction.Engine, error) {
	opts := prediction.EngineOptions{MinFeatureFraction: cfg.MinFeatureFraction}
	loader := prediction.NewScriptCurveLoader()

	load := func(env string) (prediction.CalibrationCurve, error) {
		path := os.Getenv(env)
		if path == "" {
			return nil, nil
		}
		script, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取曲线脚本 %s 失败: %w", path, err)
		}
		curve, err := loader.Load(string(script))
		if err != nil {
			return nil, fmt.Errorf("加载曲线脚本 %s 失败: %w", path, err)
		}
		return curve, nil
	}

	var err error
	if opts.CTRCurve, err = load("CPC_CTR_CURVE_FILE"); err != nil {
		return nil, err
	}
	if opts.ROASCurve, err = load("CPC_ROAS_CURVE_FILE"); err != nil {
		return nil, err
	}
	return prediction.NewEngine(opts), nil
}

// newPlatformAction 组装平台操作链：Dapr或演练 -> 限速 -> 暂停配额
func newPlatformAction(cfg *config.ControllerConfig) (platform.PlatformAction, error) {
	var action platform.PlatformAction
	if appID := os.Getenv("PLATFORM_APP_ID"); appID != "" {
		client, err := dapr.NewClient()
		if err != nil {
			return nil, fmt.Errorf("创建Dapr客户端失败: %w", err)
		}
		action = platform.NewDaprAction(client, appID)
		slog.Info("平台操作经Dapr服务调用执行", "app_id", appID)
	} else {
		action = platform.NewDryRunAction()
		slog.Warn("未配置PLATFORM_APP_ID，平台操作以演练模式执行")
	}

	if cfg.PlatformRateLimit > 0 {
		action = platform.NewRateLimitedAction(action, cfg.PlatformRateLimit, cfg.PlatformBurst)
	}
	if cfg.MaxPausesPerWindow > 0 {
		if GlobalRedisClient == nil {
			slog.Warn("暂停配额需要Redis，未启用", "max_pauses", cfg.MaxPausesPerWindow)
		} else {
			quota := rate_limiter.NewRedisActionQuota(GlobalRedisClient, cfg.MaxPausesPerWindow, cfg.PauseQuotaWindow)
			action = platform.NewQuotaAction(action, quota, "pause")
		}
	}
	return action, nil
}

// startBackground 启动调度器、数据库通知监听和快照消费
func startBackground() {
	if err := GlobalSchedulerService.Start(); err != nil {
		slog.Error("启动调度器服务失败", "error", err)
	}

	if GlobalMetricsNotifier != nil {
		if err := GlobalMetricsNotifier.EnsureTrigger(); err != nil {
			slog.Warn("创建快照通知触发器失败", "error", err)
		}
		if err := GlobalMetricsNotifier.Start(); err != nil {
			slog.Warn("启动快照通知监听失败", "error", err)
			GlobalMetricsNotifier = nil
		}
	}

	if GlobalKafkaConnector != nil && os.Getenv("KAFKA_METRICS_TOPIC") != "" {
		go func() {
			if err := GlobalKafkaConnector.ConsumeSnapshots(backgroundCtx, IngestSnapshots); err != nil {
				slog.Error("Kafka快照消费退出", "error", err)
			}
		}()
	}
	if GlobalMQTTConnector != nil {
		if err := GlobalMQTTConnector.SubscribeSnapshots(IngestSnapshots); err != nil {
			slog.Warn("订阅MQTT快照失败", "error", err)
		}
	}
}

// IngestSnapshots 写入外部推送的快照；未启用数据库通知时在后台触发该租户的周期，不阻塞调用方
func IngestSnapshots(ctx context.Context, tenantID string, snapshots []models.AdMetrics) error {
	if GlobalMetricsSource == nil {
		return fmt.Errorf("指标来源未初始化")
	}
	n, err := GlobalMetricsSource.RecordSnapshots(ctx, tenantID, snapshots)
	if err != nil {
		return err
	}
	if n > 0 && GlobalMetricsNotifier == nil && GlobalSchedulerService != nil {
		GlobalSchedulerService.TriggerAsync(backgroundCtx, tenantID)
	}
	return nil
}

// Shutdown 停止后台任务并释放连接
func Shutdown() {
	if backgroundCancel != nil {
		backgroundCancel()
	}
	if GlobalSchedulerService != nil {
		GlobalSchedulerService.Stop()
	}
	if GlobalMetricsNotifier != nil {
		GlobalMetricsNotifier.Stop()
	}
	if GlobalKafkaConnector != nil {
		_ = GlobalKafkaConnector.Disconnect()
	}
	if GlobalMQTTConnector != nil {
		_ = GlobalMQTTConnector.Disconnect()
	}
	if GlobalRedisClient != nil {
		_ = GlobalRedisClient.Close()
	}
	if DB != nil {
		if sqlDB, err := DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
	slog.Info("服务已停止")
}
