package lineageevent

import (
	"context"
	"log/slog"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
)

// Recorder writes the provenance edges of a finished run. Best effort and
// nil-safe like the audit recorder: lineage never blocks the run lifecycle.
type Recorder struct {
	db     QueryRower
	logger *slog.Logger
}

func NewRecorder(db QueryRower, logger *slog.Logger) *Recorder {
	if db == nil {
		return nil
	}
	return &Recorder{db: db, logger: logger}
}

// RecordRunSuccess links the run to what it consumed and what it produced.
func (rec *Recorder) RecordRunSuccess(ctx context.Context, run domain.Run) {
	if rec == nil {
		return
	}
	now := time.Now().UTC()
	actor := run.ClaimedBy
	if actor == "" {
		actor = "runservice"
	}

	edges := []Event{
		{
			OccurredAt:  now,
			Actor:       actor,
			SubjectType: SubjectRun,
			SubjectID:   run.ID,
			Predicate:   PredicateExecuted,
			ObjectType:  SubjectConfiguration,
			ObjectID:    run.ConfigurationID,
			Metadata: map[string]any{
				"workspace_id": run.WorkspaceID,
				"operation":    string(run.Operation),
				"deps_digest":  run.DepsDigest,
			},
		},
	}
	if run.InputVersionID != "" {
		edges = append(edges, Event{
			OccurredAt:  now,
			Actor:       actor,
			SubjectType: SubjectDocumentVersion,
			SubjectID:   run.InputVersionID,
			Predicate:   PredicateConsumedBy,
			ObjectType:  SubjectRun,
			ObjectID:    run.ID,
			Metadata:    map[string]any{"workspace_id": run.WorkspaceID},
		})
	}
	if run.OutputVersionID != "" {
		edges = append(edges, Event{
			OccurredAt:  now,
			Actor:       actor,
			SubjectType: SubjectRun,
			SubjectID:   run.ID,
			Predicate:   PredicateProduced,
			ObjectType:  SubjectDocumentVersion,
			ObjectID:    run.OutputVersionID,
			Metadata:    map[string]any{"workspace_id": run.WorkspaceID},
		})
	}

	for _, edge := range edges {
		if _, err := Insert(ctx, rec.db, edge); err != nil && rec.logger != nil {
			rec.logger.Warn("lineage insert failed",
				"run_id", run.ID,
				"predicate", edge.Predicate,
				"error", err,
			)
		}
	}
}
