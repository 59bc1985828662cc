package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ActionType 平台操作类型
type ActionType string

const (
	ActionPause     ActionType = "pause"
	ActionSetBudget ActionType = "set_budget"
)

// ActionRecord 外部平台操作记录，包括重试耗尽的失败操作
type ActionRecord struct {
	ID        string     `json:"id"`
	TenantID  string     `json:"tenant_id"`
	CycleID   string     `json:"cycle_id,omitempty"`
	AdID      string     `json:"ad_id"`
	Action    ActionType `json:"action"`
	Amount    float64    `json:"amount,omitempty"`
	Attempts  int        `json:"attempts"`
	Success   bool       `json:"success"`
	Error     string     `json:"error,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// ControllerEventType 控制器事件类型
type ControllerEventType string

const (
	EventKillDecision   ControllerEventType = "kill_decision"
	EventAction         ControllerEventType = "platform_action"
	EventAllocation     ControllerEventType = "budget_allocation"
	EventRecommendation ControllerEventType = "budget_recommendation"
	EventPromotion      ControllerEventType = "winner_promotion"
	EventAccuracyReport ControllerEventType = "accuracy_report"
	EventValidation     ControllerEventType = "validation_skipped"
)

// ControllerEvent 控制器事件日志，只追加
type ControllerEvent struct {
	ID         string              `json:"id" gorm:"primaryKey;size:64"`
	TenantID   string              `json:"tenant_id" gorm:"not null;size:64;index"`
	CycleID    string              `json:"cycle_id" gorm:"size:64;index"`
	Type       ControllerEventType `json:"type" gorm:"not null;size:40;index"`
	SubjectID  string              `json:"subject_id" gorm:"size:64;index"` // 广告ID或实验ID
	Payload    JSONB               `json:"payload" gorm:"type:jsonb"`
	OccurredAt time.Time           `json:"occurred_at" gorm:"not null;index"`
}

// TableName 指定表名
func (ControllerEvent) TableName() string {
	return "controller_events"
}

// BeforeCreate GORM钩子，创建前生成UUID
func (e *ControllerEvent) BeforeCreate(tx *gorm.DB) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	return nil
}

// NewControllerEvent 构造事件，payload 经JSON转换为JSONB
func NewControllerEvent(tenantID, cycleID string, eventType ControllerEventType, subjectID string, payload interface{}) *ControllerEvent {
	event := &ControllerEvent{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		CycleID:    cycleID,
		Type:       eventType,
		SubjectID:  subjectID,
		Payload:    JSONB{},
		OccurredAt: time.Now(),
	}
	if payload == nil {
		return event
	}
	data, err := json.Marshal(payload)
	if err != nil {
		event.Payload["marshal_error"] = err.Error()
		return event
	}
	if err := json.Unmarshal(data, &event.Payload); err != nil {
		// 非对象类型的payload包一层
		event.Payload = JSONB{"value": json.RawMessage(data)}
	}
	return event
}
