package kill_switch

import (
	"context"
	"sync"

	"cpc-service/service/models"
)

// PauseLedger 记录已成功暂停的广告
type PauseLedger interface {
	// PausedAds 返回租户下已暂停的广告，按广告ID索引
	PausedAds(ctx context.Context, tenantID string) (map[string]models.PausedAd, error)
	RecordPause(ctx context.Context, paused models.PausedAd) error
	// ClearPause 删除暂停记录，记录不存在时为空操作
	ClearPause(ctx context.Context, tenantID, adID string) error
}

// MemoryPauseLedger 进程内暂停记录，未配置数据库时使用
type MemoryPauseLedger struct {
	mu     sync.RWMutex
	paused map[string]map[string]models.PausedAd
}

// NewMemoryPauseLedger 创建进程内暂停记录
func NewMemoryPauseLedger() *MemoryPauseLedger {
	return &MemoryPauseLedger{paused: make(map[string]map[string]models.PausedAd)}
}

func (l *MemoryPauseLedger) PausedAds(_ context.Context, tenantID string) (map[string]models.PausedAd, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make(map[string]models.PausedAd, len(l.paused[tenantID]))
	for id, p := range l.paused[tenantID] {
		out[id] = p
	}
	return out, nil
}

func (l *MemoryPauseLedger) RecordPause(_ context.Context, paused models.PausedAd) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.paused[paused.TenantID] == nil {
		l.paused[paused.TenantID] = make(map[string]models.PausedAd)
	}
	l.paused[paused.TenantID][paused.AdID] = paused
	return nil
}

func (l *MemoryPauseLedger) ClearPause(_ context.Context, tenantID, adID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.paused[tenantID], adID)
	return nil
}
