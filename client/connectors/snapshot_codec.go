package connectors

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"cpc-service/service/models"
)

// snapshotBatch 指标快照消息格式
type snapshotBatch struct {
	TenantID  string             `json:"tenant_id"`
	Snapshots []models.AdMetrics `json:"snapshots"`
}

// DecodeSnapshotBatch 解析指标快照消息
// 支持 {"tenant_id":..., "snapshots":[...]}、快照数组和单个快照三种格式；
// 租户依次取消息体、fallbackTenant、快照自身，快照之间租户必须一致
func DecodeSnapshotBatch(data []byte, fallbackTenant string) (string, []models.AdMetrics, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: 消息为空", models.ErrValidation)
	}

	var batch snapshotBatch
	switch data[0] {
	case '[':
		if err := json.Unmarshal(data, &batch.Snapshots); err != nil {
			return "", nil, fmt.Errorf("%w: 解析快照数组失败: %v", models.ErrValidation, err)
		}
	case '{':
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(data, &probe); err != nil {
			return "", nil, fmt.Errorf("%w: 解析快照消息失败: %v", models.ErrValidation, err)
		}
		if _, ok := probe["snapshots"]; ok {
			if err := json.Unmarshal(data, &batch); err != nil {
				return "", nil, fmt.Errorf("%w: 解析快照消息失败: %v", models.ErrValidation, err)
			}
		} else {
			var single models.AdMetrics
			if err := json.Unmarshal(data, &single); err != nil {
				return "", nil, fmt.Errorf("%w: 解析快照失败: %v", models.ErrValidation, err)
			}
			batch.Snapshots = []models.AdMetrics{single}
		}
	default:
		return "", nil, fmt.Errorf("%w: 不支持的消息格式", models.ErrValidation)
	}

	if len(batch.Snapshots) == 0 {
		return "", nil, fmt.Errorf("%w: 消息中没有快照", models.ErrValidation)
	}

	tenantID := batch.TenantID
	if tenantID == "" {
		tenantID = fallbackTenant
	}
	for _, s := range batch.Snapshots {
		if s.TenantID == "" {
			continue
		}
		if tenantID == "" {
			tenantID = s.TenantID
		}
		if s.TenantID != tenantID {
			return "", nil, fmt.Errorf("%w: 快照租户 %s 与消息租户 %s 不一致", models.ErrValidation, s.TenantID, tenantID)
		}
	}
	if tenantID == "" {
		return "", nil, fmt.Errorf("%w: 无法确定租户", models.ErrValidation)
	}

	now := time.Now()
	for i := range batch.Snapshots {
		batch.Snapshots[i].TenantID = tenantID
		if batch.Snapshots[i].CapturedAt.IsZero() {
			batch.Snapshots[i].CapturedAt = now
		}
	}
	return tenantID, batch.Snapshots, nil
}
