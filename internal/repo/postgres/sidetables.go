package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/docforge-labs/docforge-go/internal/domain"
)

// SideTableStore persists worker-reported metric samples and extracted field
// values alongside a run.
type SideTableStore struct {
	db DB
}

const (
	insertMetricQuery = `INSERT INTO run_metric_samples (
		sample_id,
		run_id,
		name,
		value,
		recorded_at
	) VALUES ($1,$2,$3,$4,$5)`

	listMetricsQuery = `SELECT sample_id, run_id, name, value, recorded_at
	 FROM run_metric_samples
	 WHERE run_id = $1
	 ORDER BY recorded_at ASC, sample_id ASC
	 LIMIT $2`

	insertFieldQuery = `INSERT INTO run_field_values (
		field_id,
		run_id,
		name,
		value,
		column_name,
		row_index,
		recorded_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7)`

	listFieldsQuery = `SELECT field_id, run_id, name, value, column_name, row_index, recorded_at
	 FROM run_field_values
	 WHERE run_id = $1
	 ORDER BY row_index ASC, column_name ASC, field_id ASC
	 LIMIT $2`
)

func NewSideTableStore(db DB) *SideTableStore {
	if db == nil {
		return nil
	}
	return &SideTableStore{db: db}
}

func (s *SideTableStore) AppendMetric(ctx context.Context, sample domain.MetricSample) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("side table store not initialized")
	}
	if strings.TrimSpace(sample.ID) == "" || strings.TrimSpace(sample.RunID) == "" {
		return fmt.Errorf("sample id and run id are required")
	}
	if strings.TrimSpace(sample.Name) == "" {
		return fmt.Errorf("metric name is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		insertMetricQuery,
		strings.TrimSpace(sample.ID),
		strings.TrimSpace(sample.RunID),
		strings.TrimSpace(sample.Name),
		sample.Value,
		normalizeTime(sample.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("insert metric sample: %w", err)
	}
	return nil
}

func (s *SideTableStore) ListMetrics(ctx context.Context, runID string, limit int) ([]domain.MetricSample, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("side table store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, listMetricsQuery, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list metric samples: %w", err)
	}
	defer rows.Close()

	samples := make([]domain.MetricSample, 0)
	for rows.Next() {
		var sample domain.MetricSample
		if err := rows.Scan(&sample.ID, &sample.RunID, &sample.Name, &sample.Value, &sample.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		sample.RecordedAt = sample.RecordedAt.UTC()
		samples = append(samples, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list metric samples: %w", err)
	}
	return samples, nil
}

func (s *SideTableStore) AppendFields(ctx context.Context, values []domain.FieldValue) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("side table store not initialized")
	}
	if len(values) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert fields: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, value := range values {
		if strings.TrimSpace(value.ID) == "" || strings.TrimSpace(value.RunID) == "" {
			return fmt.Errorf("field id and run id are required")
		}
		if strings.TrimSpace(value.Name) == "" {
			return fmt.Errorf("field name is required")
		}
		if _, err := tx.ExecContext(
			ctx,
			insertFieldQuery,
			strings.TrimSpace(value.ID),
			strings.TrimSpace(value.RunID),
			strings.TrimSpace(value.Name),
			value.Value,
			nullIfEmpty(value.Column),
			value.RowIndex,
			normalizeTime(value.RecordedAt),
		); err != nil {
			return fmt.Errorf("insert field value: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert fields: %w", err)
	}
	return nil
}

func (s *SideTableStore) ListFields(ctx context.Context, runID string, limit int) ([]domain.FieldValue, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("side table store not initialized")
	}
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return nil, fmt.Errorf("run id is required")
	}
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, listFieldsQuery, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("list field values: %w", err)
	}
	defer rows.Close()

	values := make([]domain.FieldValue, 0)
	for rows.Next() {
		var value domain.FieldValue
		var column sql.NullString
		if err := rows.Scan(&value.ID, &value.RunID, &value.Name, &value.Value, &column, &value.RowIndex, &value.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan field value: %w", err)
		}
		value.Column = column.String
		value.RecordedAt = value.RecordedAt.UTC()
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list field values: %w", err)
	}
	return values, nil
}
