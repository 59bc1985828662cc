/*
 * @module KafkaConnector
 * @description Kafka连接器，输出控制器事件日志和准确度报告，并可消费广告指标快照
 * @architecture 适配器模式 - 封装第三方Kafka客户端，实现 platform.EventSink 与 platform.LearningSink
 * @documentReference DESIGN.md
 * @stateFlow 连接建立 -> 事件/报告发送、指标消费 -> 连接断开
 * @rules 事件以广告或实验ID为key，保证同一对象的事件有序；发送失败返回错误由调用方记录
 * @dependencies github.com/segmentio/kafka-go, encoding/json
 * @refs service/platform/ports.go, service/models/events.go
 */
package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"cpc-service/service/models"

	"github.com/segmentio/kafka-go"
)

// KafkaConfig Kafka连接配置
type KafkaConfig struct {
	Brokers       []string          `json:"brokers"`
	EventTopic    string            `json:"event_topic"`    // 控制器事件日志
	AccuracyTopic string            `json:"accuracy_topic"` // 准确度报告，供学习端消费
	MetricsTopic  string            `json:"metrics_topic"`  // 指标快照输入，为空时不消费
	GroupID       string            `json:"group_id"`
	RequiredAcks  int               `json:"required_acks"`
	Async         bool              `json:"async"`
	BatchSize     int               `json:"batch_size"`
	BatchTimeout  time.Duration     `json:"batch_timeout"`
	WriteTimeout  time.Duration     `json:"write_timeout"`
	CustomHeaders map[string]string `json:"custom_headers"`
}

// KafkaConfigFromEnv 从环境变量读取配置，未配置 KAFKA_BROKERS 时返回 false
func KafkaConfigFromEnv() (*KafkaConfig, bool) {
	brokers := strings.TrimSpace(os.Getenv("KAFKA_BROKERS"))
	if brokers == "" {
		return nil, false
	}
	cfg := &KafkaConfig{
		EventTopic:    getEnvWithDefault("KAFKA_EVENT_TOPIC", "cpc.controller.events"),
		AccuracyTopic: getEnvWithDefault("KAFKA_ACCURACY_TOPIC", "cpc.prediction.accuracy"),
		MetricsTopic:  os.Getenv("KAFKA_METRICS_TOPIC"),
		GroupID:       getEnvWithDefault("KAFKA_GROUP_ID", "cpc-service"),
		RequiredAcks:  int(kafka.RequireAll),
		BatchTimeout:  100 * time.Millisecond,
		WriteTimeout:  10 * time.Second,
	}
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			cfg.Brokers = append(cfg.Brokers, b)
		}
	}
	if v, err := strconv.Atoi(os.Getenv("KAFKA_BATCH_SIZE")); err == nil && v > 0 {
		cfg.BatchSize = v
	}
	return cfg, len(cfg.Brokers) > 0
}

// messageWriter kafka.Writer 的最小接口
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// SnapshotHandler 处理一批指标快照
type SnapshotHandler func(ctx context.Context, tenantID string, snapshots []models.AdMetrics) error

// KafkaConnector Kafka连接器结构体
type KafkaConnector struct {
	config      *KafkaConfig
	writers     map[string]messageWriter // 按topic分组的生产者
	reader      *kafka.Reader
	mutex       sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
	isConnected bool

	sent   int64
	failed int64
}

// NewKafkaConnector 创建新的Kafka连接器
func NewKafkaConnector(config *KafkaConfig) *KafkaConnector {
	ctx, cancel := context.WithCancel(context.Background())
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 10 * time.Second
	}
	return &KafkaConnector{
		config:  config,
		writers: make(map[string]messageWriter),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Connect 建立Kafka连接
func (kc *KafkaConnector) Connect() error {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()

	if kc.isConnected {
		return nil
	}
	if len(kc.config.Brokers) == 0 {
		return fmt.Errorf("未配置Kafka brokers")
	}

	for _, topic := range []string{kc.config.EventTopic, kc.config.AccuracyTopic} {
		if topic == "" {
			continue
		}
		writer := &kafka.Writer{
			Addr:         kafka.TCP(kc.config.Brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequiredAcks(kc.config.RequiredAcks),
			Async:        kc.config.Async,
		}
		if kc.config.BatchSize > 0 {
			writer.BatchSize = kc.config.BatchSize
		}
		if kc.config.BatchTimeout > 0 {
			writer.BatchTimeout = kc.config.BatchTimeout
		}
		kc.writers[topic] = writer
	}

	if kc.config.MetricsTopic != "" {
		kc.reader = kafka.NewReader(kafka.ReaderConfig{
			Brokers:        kc.config.Brokers,
			Topic:          kc.config.MetricsTopic,
			GroupID:        kc.config.GroupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        time.Second,
			CommitInterval: time.Second,
		})
	}

	kc.isConnected = true
	slog.Info("Kafka连接器已连接", "brokers", kc.config.Brokers)
	return nil
}

// Disconnect 断开Kafka连接
func (kc *KafkaConnector) Disconnect() error {
	kc.mutex.Lock()
	defer kc.mutex.Unlock()

	if !kc.isConnected {
		return nil
	}
	kc.cancel()

	for topic, writer := range kc.writers {
		if err := writer.Close(); err != nil {
			slog.Error("关闭生产者失败", "topic", topic, "error", err)
		}
	}
	if kc.reader != nil {
		if err := kc.reader.Close(); err != nil {
			slog.Error("关闭消费者失败", "topic", kc.config.MetricsTopic, "error", err)
		}
	}

	kc.isConnected = false
	slog.Info("Kafka连接器已断开连接")
	return nil
}

// PublishEvents 发送控制器事件，同一对象的事件进入同一分区
func (kc *KafkaConnector) PublishEvents(ctx context.Context, events []*models.ControllerEvent) error {
	if len(events) == 0 {
		return nil
	}

	msgs := make([]kafka.Message, 0, len(events))
	for _, event := range events {
		value, err := json.Marshal(event)
		if err != nil {
			return fmt.Errorf("序列化事件 %s 失败: %w", event.ID, err)
		}
		key := event.SubjectID
		if key == "" {
			key = event.TenantID
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(key),
			Value: value,
			Time:  event.OccurredAt,
			Headers: kc.headers(map[string]string{
				"event_type": string(event.Type),
				"tenant_id":  event.TenantID,
				"cycle_id":   event.CycleID,
			}),
		})
	}
	return kc.write(ctx, kc.config.EventTopic, msgs)
}

// PublishAccuracy 发送准确度报告，以租户为key
func (kc *KafkaConnector) PublishAccuracy(ctx context.Context, tenantID string, report *models.AccuracyReport) error {
	if report == nil {
		return nil
	}
	value, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化准确度报告失败: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(tenantID),
		Value: value,
		Time:  report.GeneratedAt,
		Headers: kc.headers(map[string]string{
			"tenant_id": tenantID,
			"drift":     strconv.FormatBool(report.DriftDetected),
		}),
	}
	return kc.write(ctx, kc.config.AccuracyTopic, []kafka.Message{msg})
}

func (kc *KafkaConnector) write(ctx context.Context, topic string, msgs []kafka.Message) error {
	kc.mutex.RLock()
	writer, exists := kc.writers[topic]
	kc.mutex.RUnlock()

	if !exists {
		return fmt.Errorf("找不到topic的生产者: %s", topic)
	}

	writeCtx, cancel := context.WithTimeout(ctx, kc.config.WriteTimeout)
	defer cancel()

	if err := writer.WriteMessages(writeCtx, msgs...); err != nil {
		kc.mutex.Lock()
		kc.failed += int64(len(msgs))
		kc.mutex.Unlock()
		return fmt.Errorf("发送消息到topic %s 失败: %w", topic, err)
	}

	kc.mutex.Lock()
	kc.sent += int64(len(msgs))
	kc.mutex.Unlock()
	slog.Debug("消息已发送", "topic", topic, "count", len(msgs))
	return nil
}

func (kc *KafkaConnector) headers(values map[string]string) []kafka.Header {
	headers := make([]kafka.Header, 0, len(values)+len(kc.config.CustomHeaders))
	for key, value := range values {
		if value == "" {
			continue
		}
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	for key, value := range kc.config.CustomHeaders {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(value)})
	}
	return headers
}

// ConsumeSnapshots 消费指标快照，直到连接断开或 ctx 结束
// 单条消息解析或处理失败只记录日志，不影响后续消息
func (kc *KafkaConnector) ConsumeSnapshots(ctx context.Context, handler SnapshotHandler) error {
	kc.mutex.RLock()
	reader := kc.reader
	kc.mutex.RUnlock()

	if reader == nil {
		return fmt.Errorf("未配置指标快照topic")
	}

	slog.Info("开始消费指标快照", "topic", kc.config.MetricsTopic)
	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, io.EOF) {
				slog.Info("停止消费指标快照", "topic", kc.config.MetricsTopic)
				return nil
			}
			slog.Error("读取消息失败", "topic", kc.config.MetricsTopic, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-kc.ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		tenantID, snapshots, err := DecodeSnapshotBatch(msg.Value, string(msg.Key))
		if err != nil {
			slog.Warn("指标快照消息格式错误", "topic", msg.Topic, "offset", msg.Offset, "error", err)
			continue
		}
		if err := handler(ctx, tenantID, snapshots); err != nil {
			slog.Warn("处理指标快照失败", "topic", msg.Topic, "offset", msg.Offset, "tenant_id", tenantID, "error", err)
		}
	}
}

// IsConnected 检查连接状态
func (kc *KafkaConnector) IsConnected() bool {
	kc.mutex.RLock()
	defer kc.mutex.RUnlock()
	return kc.isConnected
}

// GetStatistics 获取连接器统计信息
func (kc *KafkaConnector) GetStatistics() map[string]interface{} {
	kc.mutex.RLock()
	defer kc.mutex.RUnlock()

	return map[string]interface{}{
		"connected":       kc.isConnected,
		"writer_count":    len(kc.writers),
		"consuming":       kc.reader != nil,
		"brokers":         kc.config.Brokers,
		"event_topic":     kc.config.EventTopic,
		"accuracy_topic":  kc.config.AccuracyTopic,
		"messages_sent":   kc.sent,
		"messages_failed": kc.failed,
	}
}

func getEnvWithDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
