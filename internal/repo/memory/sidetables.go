package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/repo"
)

// SideTableStore keeps worker-reported metric samples and field values in
// memory, ordered the same way the Postgres store returns them.
type SideTableStore struct {
	mu      sync.Mutex
	metrics map[string][]domain.MetricSample
	fields  map[string][]domain.FieldValue
}

func NewSideTableStore() *SideTableStore {
	return &SideTableStore{
		metrics: make(map[string][]domain.MetricSample),
		fields:  make(map[string][]domain.FieldValue),
	}
}

func (s *SideTableStore) AppendMetric(ctx context.Context, sample domain.MetricSample) error {
	if strings.TrimSpace(sample.ID) == "" || strings.TrimSpace(sample.RunID) == "" {
		return fmt.Errorf("sample id and run id are required")
	}
	if strings.TrimSpace(sample.Name) == "" {
		return fmt.Errorf("metric name is required")
	}
	sample.ID = strings.TrimSpace(sample.ID)
	sample.RunID = strings.TrimSpace(sample.RunID)
	sample.Name = strings.TrimSpace(sample.Name)
	sample.RecordedAt = sample.RecordedAt.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics[sample.RunID] = append(s.metrics[sample.RunID], sample)
	return nil
}

func (s *SideTableStore) ListMetrics(ctx context.Context, runID string, limit int) ([]domain.MetricSample, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	samples := make([]domain.MetricSample, len(s.metrics[runID]))
	copy(samples, s.metrics[runID])
	sort.SliceStable(samples, func(i, j int) bool {
		if !samples[i].RecordedAt.Equal(samples[j].RecordedAt) {
			return samples[i].RecordedAt.Before(samples[j].RecordedAt)
		}
		return samples[i].ID < samples[j].ID
	})
	if len(samples) > limit {
		samples = samples[:limit]
	}
	return samples, nil
}

func (s *SideTableStore) AppendFields(ctx context.Context, values []domain.FieldValue) error {
	if len(values) == 0 {
		return nil
	}
	// Validate the whole batch before touching state, matching the
	// all-or-nothing transaction in the SQL store.
	normalized := make([]domain.FieldValue, 0, len(values))
	for _, value := range values {
		if strings.TrimSpace(value.ID) == "" || strings.TrimSpace(value.RunID) == "" {
			return fmt.Errorf("field id and run id are required")
		}
		if strings.TrimSpace(value.Name) == "" {
			return fmt.Errorf("field name is required")
		}
		value.ID = strings.TrimSpace(value.ID)
		value.RunID = strings.TrimSpace(value.RunID)
		value.Name = strings.TrimSpace(value.Name)
		value.RecordedAt = value.RecordedAt.UTC()
		normalized = append(normalized, value)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, value := range normalized {
		s.fields[value.RunID] = append(s.fields[value.RunID], value)
	}
	return nil
}

func (s *SideTableStore) ListFields(ctx context.Context, runID string, limit int) ([]domain.FieldValue, error) {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 1000
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	values := make([]domain.FieldValue, len(s.fields[runID]))
	copy(values, s.fields[runID])
	sort.SliceStable(values, func(i, j int) bool {
		if values[i].RowIndex != values[j].RowIndex {
			return values[i].RowIndex < values[j].RowIndex
		}
		if values[i].Column != values[j].Column {
			return values[i].Column < values[j].Column
		}
		return values[i].ID < values[j].ID
	})
	if len(values) > limit {
		values = values[:limit]
	}
	return values, nil
}

var _ repo.RunSideTables = (*SideTableStore)(nil)
