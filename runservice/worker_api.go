package main

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/eventlog"
)

type workerClaimRequest struct {
	WorkerID string `json:"worker_id"`
}

func (api *runsAPI) handleWorkerClaim(w http.ResponseWriter, r *http.Request) {
	var req workerClaimRequest
	if !api.decodeBody(w, r, &req) {
		return
	}
	workerID := strings.TrimSpace(req.WorkerID)
	if workerID == "" {
		api.writeError(w, r, http.StatusBadRequest, "worker_id_required")
		return
	}

	run, err := api.queue.Claim(r.Context(), workerID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if run == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	api.audit.RecordRunAction(r, "run.claim", run.WorkspaceID, run.ID, workerID, map[string]any{
		"attempt": run.AttemptCount,
	})
	api.writeJSON(w, http.StatusOK, toRunResponse(*run))
}

type workerHeartbeatRequest struct {
	WorkerID string `json:"worker_id"`
}

func (api *runsAPI) handleWorkerHeartbeat(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req workerHeartbeatRequest
	if !api.decodeBody(w, r, &req) {
		return
	}
	if runID == "" || strings.TrimSpace(req.WorkerID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "worker_id_required")
		return
	}

	run, err := api.queue.Heartbeat(r.Context(), runID, strings.TrimSpace(req.WorkerID))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

type workerSucceedRequest struct {
	WorkerID        string `json:"worker_id"`
	ExitCode        int    `json:"exit_code"`
	OutputVersionID string `json:"output_version_id"`
}

func (api *runsAPI) handleWorkerSucceed(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req workerSucceedRequest
	if !api.decodeBody(w, r, &req) {
		return
	}
	if runID == "" || strings.TrimSpace(req.WorkerID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "worker_id_required")
		return
	}

	run, err := api.queue.CompleteSuccess(r.Context(), runID, strings.TrimSpace(req.WorkerID), req.ExitCode, strings.TrimSpace(req.OutputVersionID))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.finishRunLog(r, run)
	api.audit.RecordRunAction(r, "run.succeed", run.WorkspaceID, run.ID, req.WorkerID, map[string]any{
		"exit_code":         req.ExitCode,
		"output_version_id": run.OutputVersionID,
	})
	api.lineage.RecordRunSuccess(r.Context(), run)
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

type workerFailRequest struct {
	WorkerID     string `json:"worker_id"`
	ExitCode     int    `json:"exit_code"`
	ErrorMessage string `json:"error_message"`
}

func (api *runsAPI) handleWorkerFail(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req workerFailRequest
	if !api.decodeBody(w, r, &req) {
		return
	}
	if runID == "" || strings.TrimSpace(req.WorkerID) == "" {
		api.writeError(w, r, http.StatusBadRequest, "worker_id_required")
		return
	}

	run, err := api.queue.CompleteFailure(r.Context(), runID, strings.TrimSpace(req.WorkerID), req.ExitCode, strings.TrimSpace(req.ErrorMessage))
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.finishRunLog(r, run)
	api.audit.RecordRunAction(r, "run.fail", run.WorkspaceID, run.ID, req.WorkerID, map[string]any{
		"exit_code":     req.ExitCode,
		"error_message": run.ErrorMessage,
	})
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

// finishRunLog writes the completion sentinel and archives the log. Both are
// best effort: the run row is already terminal and authoritative.
func (api *runsAPI) finishRunLog(r *http.Request, run domain.Run) {
	_, err := api.log.Append(r.Context(), run.WorkspaceID, run.ID, domain.RunEvent{
		Event:     domain.EventSentinelComplete,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"status": string(run.Status)},
	})
	if err != nil {
		api.logger.Warn("append completion sentinel failed", "run_id", run.ID, "error", err)
	}
	api.archiveRunLog(r, run)
}

func (api *runsAPI) archiveRunLog(r *http.Request, run domain.Run) {
	err := api.log.Archive(r.Context(), api.store, api.runLogsBucket, run.WorkspaceID, run.ID)
	if err != nil && !errors.Is(err, eventlog.ErrLogNotFound) {
		api.logger.Warn("archive run log failed", "run_id", run.ID, "error", err)
	}
}

type workerEventsRequest struct {
	WorkerID string            `json:"worker_id"`
	Events   []domain.RunEvent `json:"events"`
}

// handleWorkerAppendEvents accepts a batch of event records from the worker
// holding the run. Appends are only fenced by the claim check below, not by
// the lease clock: a worker that lost its lease mid-batch still cannot corrupt
// the row, only pad the log.
func (api *runsAPI) handleWorkerAppendEvents(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req workerEventsRequest
	if !api.decodeBody(w, r, &req) {
		return
	}
	workerID := strings.TrimSpace(req.WorkerID)
	if runID == "" || workerID == "" {
		api.writeError(w, r, http.StatusBadRequest, "worker_id_required")
		return
	}
	if len(req.Events) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "events_required")
		return
	}

	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	if run.Status != domain.StatusRunning || run.ClaimedBy != workerID {
		api.writeServiceError(w, r, &domain.LostLeaseError{
			RunID:     run.ID,
			WorkerID:  workerID,
			ClaimedBy: run.ClaimedBy,
			Status:    run.Status,
		})
		return
	}

	var cursor int64
	for _, event := range req.Events {
		if event.Timestamp.IsZero() {
			event.Timestamp = time.Now().UTC()
		}
		cursor, err = api.log.Append(r.Context(), run.WorkspaceID, run.ID, event)
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"accepted": len(req.Events),
		"cursor":   cursor,
	})
}

type workerMetricsRequest struct {
	WorkerID string `json:"worker_id"`
	Samples  []struct {
		Name       string    `json:"name"`
		Value      float64   `json:"value"`
		RecordedAt time.Time `json:"recorded_at"`
	} `json:"samples"`
}

func (api *runsAPI) handleWorkerIngestMetrics(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req workerMetricsRequest
	if !api.decodeBody(w, r, &req) {
		return
	}
	if runID == "" || len(req.Samples) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "samples_required")
		return
	}
	if _, err := api.runs.GetRun(r.Context(), runID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	for _, sample := range req.Samples {
		name := strings.TrimSpace(sample.Name)
		if name == "" {
			api.writeError(w, r, http.StatusBadRequest, "metric_name_required")
			return
		}
		recordedAt := sample.RecordedAt
		if recordedAt.IsZero() {
			recordedAt = time.Now().UTC()
		}
		err := api.sideTables.AppendMetric(r.Context(), domain.MetricSample{
			ID:         uuid.NewString(),
			RunID:      runID,
			Name:       name,
			Value:      sample.Value,
			RecordedAt: recordedAt.UTC(),
		})
		if err != nil {
			api.writeServiceError(w, r, err)
			return
		}
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"accepted": len(req.Samples)})
}

func (api *runsAPI) handleListRunMetrics(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	samples, err := api.sideTables.ListMetrics(r.Context(), run.ID, 1000)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	type metricResponse struct {
		Name       string    `json:"name"`
		Value      float64   `json:"value"`
		RecordedAt time.Time `json:"recorded_at"`
	}
	out := make([]metricResponse, 0, len(samples))
	for _, sample := range samples {
		out = append(out, metricResponse{Name: sample.Name, Value: sample.Value, RecordedAt: sample.RecordedAt})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"metrics": out})
}

type workerFieldsRequest struct {
	WorkerID string `json:"worker_id"`
	Values   []struct {
		Name     string `json:"name"`
		Value    string `json:"value"`
		Column   string `json:"column"`
		RowIndex int64  `json:"row_index"`
	} `json:"values"`
}

func (api *runsAPI) handleWorkerIngestFields(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	var req workerFieldsRequest
	if !api.decodeBody(w, r, &req) {
		return
	}
	if runID == "" || len(req.Values) == 0 {
		api.writeError(w, r, http.StatusBadRequest, "values_required")
		return
	}
	if _, err := api.runs.GetRun(r.Context(), runID); err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	now := time.Now().UTC()
	values := make([]domain.FieldValue, 0, len(req.Values))
	for _, value := range req.Values {
		name := strings.TrimSpace(value.Name)
		if name == "" {
			api.writeError(w, r, http.StatusBadRequest, "field_name_required")
			return
		}
		values = append(values, domain.FieldValue{
			ID:         uuid.NewString(),
			RunID:      runID,
			Name:       name,
			Value:      value.Value,
			Column:     strings.TrimSpace(value.Column),
			RowIndex:   value.RowIndex,
			RecordedAt: now,
		})
	}
	if err := api.sideTables.AppendFields(r.Context(), values); err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"accepted": len(values)})
}

func (api *runsAPI) handleListRunFields(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	values, err := api.sideTables.ListFields(r.Context(), run.ID, 1000)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	type fieldResponse struct {
		Name       string    `json:"name"`
		Value      string    `json:"value"`
		Column     string    `json:"column,omitempty"`
		RowIndex   int64     `json:"row_index"`
		RecordedAt time.Time `json:"recorded_at"`
	}
	out := make([]fieldResponse, 0, len(values))
	for _, value := range values {
		out = append(out, fieldResponse{
			Name:       value.Name,
			Value:      value.Value,
			Column:     value.Column,
			RowIndex:   value.RowIndex,
			RecordedAt: value.RecordedAt,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"fields": out})
}
