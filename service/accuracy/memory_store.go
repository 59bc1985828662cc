package accuracy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cpc-service/service/models"
)

// MemoryStore 内存存储，用于测试和无数据库运行
type MemoryStore struct {
	mu          sync.RWMutex
	predictions map[string]models.PredictionRecord
	outcomes    map[string]models.OutcomeRecord
	order       []string
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		predictions: make(map[string]models.PredictionRecord),
		outcomes:    make(map[string]models.OutcomeRecord),
	}
}

func (s *MemoryStore) SavePrediction(_ context.Context, record *models.PredictionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.predictions[record.ID]; exists {
		return fmt.Errorf("%w: %s", models.ErrDuplicateID, record.ID)
	}
	rec := *record
	rec.SubScores = record.SubScores.Clone()
	s.predictions[record.ID] = rec
	s.order = append(s.order, record.ID)
	return nil
}

func (s *MemoryStore) GetPrediction(_ context.Context, id string) (*models.PredictionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.predictions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", models.ErrUnknownPrediction, id)
	}
	return &rec, nil
}

func (s *MemoryStore) GetOutcome(_ context.Context, predictionID string) (*models.OutcomeRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out, ok := s.outcomes[predictionID]
	if !ok {
		return nil, nil
	}
	return &out, nil
}

func (s *MemoryStore) SaveOutcome(_ context.Context, outcome *models.OutcomeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.outcomes[outcome.PredictionID]; exists {
		return fmt.Errorf("%w: %s", models.ErrConflictingOutcome, outcome.PredictionID)
	}
	s.outcomes[outcome.PredictionID] = *outcome
	return nil
}

func (s *MemoryStore) ListSettled(_ context.Context, tenantID string, since time.Time) ([]SettledPrediction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []SettledPrediction
	for _, id := range s.order {
		outcome, ok := s.outcomes[id]
		if !ok || outcome.LoggedAt.Before(since) {
			continue
		}
		if tenantID != "" && s.predictions[id].TenantID != tenantID {
			continue
		}
		out = append(out, SettledPrediction{Prediction: s.predictions[id], Outcome: outcome})
	}
	return out, nil
}

func (s *MemoryStore) ListUnsettled(_ context.Context, tenantID string, subjectIDs []string) ([]models.PredictionRecord, error) {
	want := make(map[string]struct{}, len(subjectIDs))
	for _, id := range subjectIDs {
		want[id] = struct{}{}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.PredictionRecord
	for _, id := range s.order {
		rec := s.predictions[id]
		if _, ok := want[rec.SubjectID]; !ok {
			continue
		}
		if tenantID != "" && rec.TenantID != tenantID {
			continue
		}
		if _, settled := s.outcomes[id]; settled {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
