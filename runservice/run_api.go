package main

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/repo"
)

type createRunRequest struct {
	ConfigurationID string            `json:"configuration_id"`
	Operation       string            `json:"operation"`
	DocumentID      string            `json:"document_id"`
	Options         domain.RunOptions `json:"options"`
}

func (api *runsAPI) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	workspaceID := strings.TrimSpace(r.PathValue("workspace_id"))
	if workspaceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "workspace_id_required")
		return
	}
	var req createRunRequest
	if !api.decodeBody(w, r, &req) {
		return
	}

	start := time.Now().UTC()
	run, err := api.orchestrator.CreateRun(
		r.Context(),
		workspaceID,
		req.ConfigurationID,
		domain.NormalizeOperation(req.Operation),
		req.DocumentID,
		req.Options,
	)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}

	// A resubmission resolves to the run already in flight; report that
	// distinctly from a fresh insert.
	status := http.StatusCreated
	if run.CreatedAt.Before(start) {
		status = http.StatusOK
	} else {
		api.audit.RecordRunAction(r, "run.create", run.WorkspaceID, run.ID, "", map[string]any{
			"operation":        string(run.Operation),
			"configuration_id": run.ConfigurationID,
			"input_version_id": run.InputVersionID,
		})
	}
	api.writeJSON(w, status, toRunResponse(run))
}

type createRunsBatchRequest struct {
	ConfigurationID string            `json:"configuration_id"`
	DocumentIDs     []string          `json:"document_ids"`
	Options         domain.RunOptions `json:"options"`
}

func (api *runsAPI) handleCreateRunsBatch(w http.ResponseWriter, r *http.Request) {
	workspaceID := strings.TrimSpace(r.PathValue("workspace_id"))
	if workspaceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "workspace_id_required")
		return
	}
	var req createRunsBatchRequest
	if !api.decodeBody(w, r, &req) {
		return
	}

	start := time.Now().UTC()
	runs, err := api.orchestrator.CreateRunsBatch(r.Context(), workspaceID, req.ConfigurationID, req.DocumentIDs, req.Options)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	for _, run := range runs {
		if run.CreatedAt.Before(start) {
			continue
		}
		api.audit.RecordRunAction(r, "run.create", run.WorkspaceID, run.ID, "", map[string]any{
			"operation":        string(run.Operation),
			"configuration_id": run.ConfigurationID,
			"input_version_id": run.InputVersionID,
			"batch":            true,
		})
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"runs": toRunResponses(runs),
	})
}

func (api *runsAPI) handleListRuns(w http.ResponseWriter, r *http.Request) {
	workspaceID := strings.TrimSpace(r.PathValue("workspace_id"))
	if workspaceID == "" {
		api.writeError(w, r, http.StatusBadRequest, "workspace_id_required")
		return
	}

	filter := repo.RunFilter{
		WorkspaceID:     workspaceID,
		ConfigurationID: strings.TrimSpace(r.URL.Query().Get("configuration_id")),
		Limit:           100,
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.NormalizeStatus(raw)
		if !status.Valid() {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Status = status
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("operation")); raw != "" {
		op := domain.NormalizeOperation(raw)
		if !op.Valid() {
			api.writeError(w, r, http.StatusBadRequest, "invalid_operation")
			return
		}
		filter.Operation = op
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			api.writeError(w, r, http.StatusBadRequest, "invalid_limit")
			return
		}
		filter.Limit = limit
	}

	runs, err := api.runs.ListRuns(r.Context(), filter)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"runs": toRunResponses(runs),
	})
}

func (api *runsAPI) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	api.writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (api *runsAPI) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	cancelled, err := api.orchestrator.CancelRun(r.Context(), run.ID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.audit.RecordRunAction(r, "run.cancel", cancelled.WorkspaceID, cancelled.ID, "", map[string]any{
		"status": string(cancelled.Status),
	})

	// The worker may never get to write the completion sentinel, so close
	// the event stream for live readers here. Best effort.
	if _, err := api.log.Append(r.Context(), cancelled.WorkspaceID, cancelled.ID, domain.RunEvent{
		Event:     domain.EventSentinelComplete,
		Timestamp: time.Now().UTC(),
		Payload:   map[string]any{"status": string(cancelled.Status)},
	}); err != nil {
		api.logger.Warn("append cancel sentinel failed", "run_id", cancelled.ID, "error", err)
	}
	api.archiveRunLog(r, cancelled)

	api.writeJSON(w, http.StatusOK, toRunResponse(cancelled))
}
