package experiment

import (
	"context"
	"fmt"
	"sync"

	"cpc-service/service/models"
)

// MemoryStore 内存实验存储
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]*models.Experiment
}

// NewMemoryStore 创建内存实验存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*models.Experiment)}
}

func (s *MemoryStore) SaveExperiment(_ context.Context, exp *models.Experiment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[exp.ID] = exp.Clone()
	return nil
}

func (s *MemoryStore) GetExperiment(_ context.Context, id string) (*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exp, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrExperimentNotFound, id)
	}
	return exp.Clone(), nil
}

func (s *MemoryStore) ListExperiments(_ context.Context, tenantID string) ([]*models.Experiment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Experiment, 0, len(s.items))
	for _, exp := range s.items {
		if tenantID == "" || exp.TenantID == tenantID {
			out = append(out, exp.Clone())
		}
	}
	return out, nil
}
