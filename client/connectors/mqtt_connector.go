/*
 * @module MQTTConnector
 * @description MQTT连接器，按租户发布准确度报告，并可订阅指标快照主题
 * @architecture 适配器模式 - 封装第三方MQTT客户端，实现 platform.LearningSink
 * @documentReference DESIGN.md
 * @stateFlow 连接建立 -> 报告发布/快照订阅 -> 消息处理 -> 连接断开
 * @rules 准确度报告以保留消息发布，订阅方始终能拿到最新报告；断线后自动重连并恢复订阅
 * @dependencies github.com/eclipse/paho.mqtt.golang, encoding/json
 * @refs service/platform/ports.go
 */
package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"cpc-service/service/models"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/spf13/cast"
)

// MQTTConfig MQTT配置信息
type MQTTConfig struct {
	Broker               string        `json:"broker"`                 // MQTT broker地址
	ClientID             string        `json:"client_id"`              // 客户端ID
	Username             string        `json:"username"`               // 用户名
	Password             string        `json:"password"`               // 密码
	CleanSession         bool          `json:"clean_session"`          // 清理会话
	KeepAlive            time.Duration `json:"keep_alive"`             // 保持连接时间
	TopicPrefix          string        `json:"topic_prefix"`           // 发布主题前缀
	MetricsTopic         string        `json:"metrics_topic"`          // 指标快照订阅主题，支持 + 通配租户段
	QoS                  byte          `json:"qos"`                    // 发布和订阅的QoS级别
	AutoReconnect        bool          `json:"auto_reconnect"`         // 自动重连
	MaxReconnectInterval time.Duration `json:"max_reconnect_interval"` // 最大重连间隔
	PublishTimeout       time.Duration `json:"publish_timeout"`        // 单次发布等待确认的超时
}

// MQTTConfigFromEnv 从环境变量读取配置，未配置 MQTT_BROKER 时返回 false
func MQTTConfigFromEnv() (*MQTTConfig, bool) {
	broker := os.Getenv("MQTT_BROKER")
	if broker == "" {
		return nil, false
	}
	hostname, _ := os.Hostname()
	return &MQTTConfig{
		Broker:               broker,
		ClientID:             getEnvWithDefault("MQTT_CLIENT_ID", "cpc-service-"+hostname),
		Username:             os.Getenv("MQTT_USERNAME"),
		Password:             os.Getenv("MQTT_PASSWORD"),
		CleanSession:         true,
		KeepAlive:            30 * time.Second,
		TopicPrefix:          getEnvWithDefault("MQTT_TOPIC_PREFIX", "cpc"),
		MetricsTopic:         os.Getenv("MQTT_METRICS_TOPIC"),
		QoS:                  byte(cast.ToUint8(getEnvWithDefault("MQTT_QOS", "1"))),
		AutoReconnect:        true,
		MaxReconnectInterval: time.Minute,
		PublishTimeout:       10 * time.Second,
	}, true
}

// MQTTConnector MQTT连接器结构体
type MQTTConnector struct {
	config      *MQTTConfig
	client      mqtt.Client
	handler     SnapshotHandler
	mutex       sync.RWMutex
	isConnected bool
	stats       *MQTTStats
}

// MQTTStats MQTT连接器统计信息
type MQTTStats struct {
	ConnectedAt      time.Time `json:"connected_at"`      // 连接时间
	MessagesSent     int64     `json:"messages_sent"`     // 发送消息数
	MessagesReceived int64     `json:"messages_received"` // 接收消息数
	BytesSent        int64     `json:"bytes_sent"`        // 发送字节数
	ReconnectCount   int       `json:"reconnect_count"`   // 重连次数
	LastError        string    `json:"last_error"`        // 最后错误信息
	mutex            sync.RWMutex
}

// NewMQTTConnector 创建新的MQTT连接器
func NewMQTTConnector(config *MQTTConfig) *MQTTConnector {
	connector := newMQTTConnector(config)

	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	if config.Username != "" {
		opts.SetUsername(config.Username)
		opts.SetPassword(config.Password)
	}
	opts.SetCleanSession(config.CleanSession)
	opts.SetKeepAlive(config.KeepAlive)
	opts.SetAutoReconnect(config.AutoReconnect)
	if config.MaxReconnectInterval > 0 {
		opts.SetMaxReconnectInterval(config.MaxReconnectInterval)
	}
	// 异常断开时发布离线状态
	opts.SetWill(connector.topic("status"), "offline", config.QoS, true)
	opts.SetOnConnectHandler(connector.onConnected)
	opts.SetConnectionLostHandler(connector.onConnectionLost)

	connector.client = mqtt.NewClient(opts)
	return connector
}

func newMQTTConnector(config *MQTTConfig) *MQTTConnector {
	if config.TopicPrefix == "" {
		config.TopicPrefix = "cpc"
	}
	if config.PublishTimeout <= 0 {
		config.PublishTimeout = 10 * time.Second
	}
	return &MQTTConnector{config: config, stats: &MQTTStats{}}
}

// Connect 建立MQTT连接
func (mc *MQTTConnector) Connect() error {
	mc.mutex.Lock()
	if mc.isConnected {
		mc.mutex.Unlock()
		return nil
	}
	mc.mutex.Unlock()

	slog.Info("正在连接MQTT broker", "broker", mc.config.Broker)
	token := mc.client.Connect()
	if !token.WaitTimeout(mc.config.PublishTimeout) {
		return fmt.Errorf("MQTT连接超时")
	}
	if token.Error() != nil {
		mc.updateError(fmt.Sprintf("MQTT连接失败: %v", token.Error()))
		return fmt.Errorf("MQTT连接失败: %w", token.Error())
	}

	mc.mutex.Lock()
	mc.isConnected = true
	mc.mutex.Unlock()
	mc.stats.mutex.Lock()
	mc.stats.ConnectedAt = time.Now()
	mc.stats.mutex.Unlock()

	mc.publishStatus("online")
	slog.Info("MQTT连接器已连接", "broker", mc.config.Broker)
	return nil
}

// Disconnect 断开MQTT连接
func (mc *MQTTConnector) Disconnect() error {
	mc.mutex.Lock()
	defer mc.mutex.Unlock()

	if !mc.isConnected {
		return nil
	}
	if mc.config.MetricsTopic != "" && mc.handler != nil {
		if token := mc.client.Unsubscribe(mc.config.MetricsTopic); token.WaitTimeout(time.Second) && token.Error() != nil {
			slog.Warn("取消订阅失败", "topic", mc.config.MetricsTopic, "error", token.Error())
		}
	}
	mc.client.Disconnect(250) // 等待250ms让消息发送完成
	mc.isConnected = false
	slog.Info("MQTT连接器已断开连接")
	return nil
}

// PublishAccuracy 发布准确度报告到 <prefix>/<tenant>/accuracy
func (mc *MQTTConnector) PublishAccuracy(ctx context.Context, tenantID string, report *models.AccuracyReport) error {
	if report == nil {
		return nil
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("序列化准确度报告失败: %w", err)
	}
	return mc.publish(ctx, mc.topic(tenantID, "accuracy"), payload, true)
}

func (mc *MQTTConnector) publish(ctx context.Context, topic string, payload []byte, retained bool) error {
	mc.mutex.RLock()
	isConnected := mc.isConnected
	mc.mutex.RUnlock()
	if !isConnected {
		return fmt.Errorf("MQTT客户端未连接")
	}

	token := mc.client.Publish(topic, mc.config.QoS, retained, payload)
	timer := time.NewTimer(mc.config.PublishTimeout)
	defer timer.Stop()
	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("发布消息被取消 topic=%s: %w", topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("发布消息超时 topic=%s", topic)
	}
	if token.Error() != nil {
		mc.updateError(fmt.Sprintf("发布消息失败: %v", token.Error()))
		return fmt.Errorf("发布消息失败 topic=%s: %w", topic, token.Error())
	}

	mc.stats.mutex.Lock()
	mc.stats.MessagesSent++
	mc.stats.BytesSent += int64(len(payload))
	mc.stats.mutex.Unlock()
	slog.Debug("消息已发布", "topic", topic, "qos", mc.config.QoS, "retained", retained)
	return nil
}

func (mc *MQTTConnector) publishStatus(status string) {
	token := mc.client.Publish(mc.topic("status"), mc.config.QoS, true, status)
	if token.WaitTimeout(time.Second) && token.Error() != nil {
		slog.Warn("发布在线状态失败", "error", token.Error())
	}
}

// SubscribeSnapshots 订阅指标快照主题，重连后自动恢复订阅
func (mc *MQTTConnector) SubscribeSnapshots(handler SnapshotHandler) error {
	if mc.config.MetricsTopic == "" {
		return fmt.Errorf("未配置指标快照主题")
	}
	mc.mutex.Lock()
	mc.handler = handler
	mc.mutex.Unlock()
	return mc.subscribe()
}

func (mc *MQTTConnector) subscribe() error {
	token := mc.client.Subscribe(mc.config.MetricsTopic, mc.config.QoS, mc.messageHandler)
	if !token.WaitTimeout(mc.config.PublishTimeout) {
		return fmt.Errorf("订阅主题超时 topic=%s", mc.config.MetricsTopic)
	}
	if token.Error() != nil {
		mc.updateError(fmt.Sprintf("订阅主题失败: %v", token.Error()))
		return fmt.Errorf("订阅主题失败 topic=%s: %w", mc.config.MetricsTopic, token.Error())
	}
	slog.Info("已订阅指标快照主题", "topic", mc.config.MetricsTopic)
	return nil
}

// messageHandler 消息处理器，租户取主题中 metrics 之前的一段
func (mc *MQTTConnector) messageHandler(_ mqtt.Client, msg mqtt.Message) {
	mc.stats.mutex.Lock()
	mc.stats.MessagesReceived++
	mc.stats.mutex.Unlock()

	mc.mutex.RLock()
	handler := mc.handler
	mc.mutex.RUnlock()
	if handler == nil {
		slog.Warn("接收到消息但无处理器", "topic", msg.Topic())
		return
	}

	tenantID, snapshots, err := DecodeSnapshotBatch(msg.Payload(), tenantFromTopic(msg.Topic()))
	if err != nil {
		slog.Warn("指标快照消息格式错误", "topic", msg.Topic(), "error", err)
		return
	}
	if err := handler(context.Background(), tenantID, snapshots); err != nil {
		slog.Warn("处理指标快照失败", "topic", msg.Topic(), "tenant_id", tenantID, "error", err)
	}
}

// onConnected 连接建立处理器
func (mc *MQTTConnector) onConnected(_ mqtt.Client) {
	mc.mutex.Lock()
	mc.isConnected = true
	handler := mc.handler
	mc.mutex.Unlock()

	slog.Info("MQTT连接已建立")
	if handler != nil {
		go func() {
			if err := mc.subscribe(); err != nil {
				slog.Error("重新订阅主题失败", "topic", mc.config.MetricsTopic, "error", err)
			}
		}()
	}
}

// onConnectionLost 连接丢失处理器
func (mc *MQTTConnector) onConnectionLost(_ mqtt.Client, err error) {
	mc.mutex.Lock()
	mc.isConnected = false
	mc.mutex.Unlock()

	mc.stats.mutex.Lock()
	mc.stats.ReconnectCount++
	mc.stats.mutex.Unlock()

	mc.updateError(fmt.Sprintf("MQTT连接丢失: %v", err))
	slog.Warn("MQTT连接丢失", "error", err)
}

func (mc *MQTTConnector) topic(parts ...string) string {
	return strings.Join(append([]string{mc.config.TopicPrefix}, parts...), "/")
}

// tenantFromTopic 形如 cpc/<tenant>/metrics 的主题返回租户段
func tenantFromTopic(topic string) string {
	parts := strings.Split(topic, "/")
	if len(parts) < 2 || parts[len(parts)-1] != "metrics" {
		return ""
	}
	return parts[len(parts)-2]
}

// updateError 更新错误信息
func (mc *MQTTConnector) updateError(errMsg string) {
	mc.stats.mutex.Lock()
	mc.stats.LastError = errMsg
	mc.stats.mutex.Unlock()
}

// IsConnected 检查连接状态
func (mc *MQTTConnector) IsConnected() bool {
	mc.mutex.RLock()
	defer mc.mutex.RUnlock()
	return mc.isConnected
}

// GetStatistics 获取连接器统计信息
func (mc *MQTTConnector) GetStatistics() map[string]interface{} {
	mc.stats.mutex.RLock()
	defer mc.stats.mutex.RUnlock()

	mc.mutex.RLock()
	defer mc.mutex.RUnlock()

	return map[string]interface{}{
		"connected":         mc.isConnected,
		"broker":            mc.config.Broker,
		"client_id":         mc.config.ClientID,
		"connected_at":      mc.stats.ConnectedAt,
		"messages_sent":     mc.stats.MessagesSent,
		"messages_received": mc.stats.MessagesReceived,
		"bytes_sent":        mc.stats.BytesSent,
		"reconnect_count":   mc.stats.ReconnectCount,
		"metrics_topic":     mc.config.MetricsTopic,
		"last_error":        mc.stats.LastError,
	}
}
