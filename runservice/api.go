package main

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/eventlog"
	"github.com/docforge-labs/docforge-go/internal/platform/auditlog"
	"github.com/docforge-labs/docforge-go/internal/platform/lineageevent"
	"github.com/docforge-labs/docforge-go/internal/repo"
	"github.com/docforge-labs/docforge-go/internal/service/orchestrator"
	"github.com/docforge-labs/docforge-go/internal/service/outputs"
	"github.com/docforge-labs/docforge-go/internal/service/workqueue"
	"github.com/docforge-labs/docforge-go/internal/storage/objectstore"
	"github.com/docforge-labs/docforge-go/internal/stream"
)

type runsAPI struct {
	logger *slog.Logger

	orchestrator *orchestrator.Service
	queue        *workqueue.Service
	runs         repo.RunRepository
	sideTables   repo.RunSideTables
	log          *eventlog.Log
	streamer     *stream.Streamer
	outputs      *outputs.Resolver

	store         objectstore.Store
	runLogsBucket string

	// audit and lineage are best-effort trails; both may be nil.
	audit   *auditlog.Recorder
	lineage *lineageevent.Recorder
}

func (api *runsAPI) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /workspaces/{workspace_id}/runs", api.handleCreateRun)
	mux.HandleFunc("POST /workspaces/{workspace_id}/runs:batch", api.handleCreateRunsBatch)
	mux.HandleFunc("GET /workspaces/{workspace_id}/runs", api.handleListRuns)
	mux.HandleFunc("GET /workspaces/{workspace_id}/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /workspaces/{workspace_id}/runs/{run_id}:cancel", api.handleCancelRun)

	mux.HandleFunc("GET /workspaces/{workspace_id}/runs/{run_id}/events", api.handleListRunEvents)
	mux.HandleFunc("GET /workspaces/{workspace_id}/runs/{run_id}/events/stream", api.handleStreamRunEvents)
	mux.HandleFunc("GET /workspaces/{workspace_id}/runs/{run_id}/output", api.handleGetRunOutput)
	mux.HandleFunc("GET /workspaces/{workspace_id}/runs/{run_id}/input", api.handleGetRunInput)
	mux.HandleFunc("GET /workspaces/{workspace_id}/runs/{run_id}/logs/archive", api.handleGetRunLogArchive)

	mux.HandleFunc("POST /worker/claim", api.handleWorkerClaim)
	mux.HandleFunc("POST /worker/runs/{run_id}/heartbeat", api.handleWorkerHeartbeat)
	mux.HandleFunc("POST /worker/runs/{run_id}:succeed", api.handleWorkerSucceed)
	mux.HandleFunc("POST /worker/runs/{run_id}:fail", api.handleWorkerFail)
	mux.HandleFunc("POST /worker/runs/{run_id}/events", api.handleWorkerAppendEvents)
	mux.HandleFunc("POST /worker/runs/{run_id}/metrics", api.handleWorkerIngestMetrics)
	mux.HandleFunc("GET /workspaces/{workspace_id}/runs/{run_id}/metrics", api.handleListRunMetrics)
	mux.HandleFunc("POST /worker/runs/{run_id}/fields", api.handleWorkerIngestFields)
	mux.HandleFunc("GET /workspaces/{workspace_id}/runs/{run_id}/fields", api.handleListRunFields)
}

type runResponse struct {
	ID              string             `json:"id"`
	WorkspaceID     string             `json:"workspace_id"`
	ConfigurationID string             `json:"configuration_id"`
	Operation       domain.Operation   `json:"operation"`
	InputVersionID  string             `json:"input_version_id,omitempty"`
	DepsDigest      string             `json:"deps_digest,omitempty"`
	Options         domain.RunOptions  `json:"options"`
	Status          domain.Status      `json:"status"`
	AvailableAt     time.Time          `json:"available_at"`
	AttemptCount    int                `json:"attempt_count"`
	MaxAttempts     int                `json:"max_attempts"`
	ClaimedBy       string             `json:"claimed_by,omitempty"`
	ClaimExpiresAt  *time.Time         `json:"claim_expires_at,omitempty"`
	CreatedAt       time.Time          `json:"created_at"`
	StartedAt       *time.Time         `json:"started_at,omitempty"`
	CompletedAt     *time.Time         `json:"completed_at,omitempty"`
	ExitCode        *int               `json:"exit_code,omitempty"`
	ErrorMessage    string             `json:"error_message,omitempty"`
	OutputVersionID string             `json:"output_version_id,omitempty"`
}

func toRunResponse(run domain.Run) runResponse {
	return runResponse{
		ID:              run.ID,
		WorkspaceID:     run.WorkspaceID,
		ConfigurationID: run.ConfigurationID,
		Operation:       run.Operation,
		InputVersionID:  run.InputVersionID,
		DepsDigest:      run.DepsDigest,
		Options:         run.Options,
		Status:          run.Status,
		AvailableAt:     run.AvailableAt,
		AttemptCount:    run.AttemptCount,
		MaxAttempts:     run.MaxAttempts,
		ClaimedBy:       run.ClaimedBy,
		ClaimExpiresAt:  run.ClaimExpiresAt,
		CreatedAt:       run.CreatedAt,
		StartedAt:       run.StartedAt,
		CompletedAt:     run.CompletedAt,
		ExitCode:        run.ExitCode,
		ErrorMessage:    run.ErrorMessage,
		OutputVersionID: run.OutputVersionID,
	}
}

func toRunResponses(runs []domain.Run) []runResponse {
	out := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		out = append(out, toRunResponse(run))
	}
	return out
}

// loadWorkspaceRun fetches a run and checks it belongs to the workspace in
// the path. Runs of other workspaces are indistinguishable from absent ones.
func (api *runsAPI) loadWorkspaceRun(w http.ResponseWriter, r *http.Request) (domain.Run, bool) {
	workspaceID := strings.TrimSpace(r.PathValue("workspace_id"))
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if workspaceID == "" || runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return domain.Run{}, false
	}
	run, err := api.runs.GetRun(r.Context(), runID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return domain.Run{}, false
	}
	if run.WorkspaceID != workspaceID {
		api.writeError(w, r, http.StatusNotFound, "not_found")
		return domain.Run{}, false
	}
	return run, true
}

func parseCursor(r *http.Request) (int64, error) {
	raw := strings.TrimSpace(r.URL.Query().Get("cursor"))
	if raw == "" {
		return 0, nil
	}
	cursor, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || cursor < 0 {
		return 0, errors.New("invalid cursor")
	}
	return cursor, nil
}

func (api *runsAPI) decodeBody(w http.ResponseWriter, r *http.Request, out any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_request_body")
		return false
	}
	return true
}

func (api *runsAPI) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *runsAPI) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

func (api *runsAPI) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var notCancellable *domain.NotCancellableError
	var lostLease *domain.LostLeaseError
	switch {
	case errors.Is(err, domain.ErrSafeModeEnabled):
		api.writeError(w, r, http.StatusServiceUnavailable, "safe_mode_enabled")
	case errors.Is(err, domain.ErrInputRequired):
		api.writeError(w, r, http.StatusBadRequest, "input_required")
	case errors.Is(err, domain.ErrConfigurationNotFound):
		api.writeError(w, r, http.StatusNotFound, "configuration_not_found")
	case errors.Is(err, domain.ErrConfigurationArchived):
		api.writeError(w, r, http.StatusConflict, "configuration_archived")
	case errors.Is(err, domain.ErrConfigurationStorageMissing):
		api.writeError(w, r, http.StatusConflict, "configuration_storage_missing")
	case errors.Is(err, domain.ErrDocumentNotFound):
		api.writeError(w, r, http.StatusNotFound, "document_not_found")
	case errors.Is(err, domain.ErrOutputNotReady):
		api.writeError(w, r, http.StatusConflict, "output_not_ready")
	case errors.Is(err, domain.ErrOutputMissing):
		api.writeError(w, r, http.StatusNotFound, "output_missing")
	case errors.Is(err, eventlog.ErrLogNotFound):
		api.writeError(w, r, http.StatusNotFound, "event_log_not_found")
	case errors.As(err, &notCancellable):
		api.writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "not_cancellable",
			"run_id":     notCancellable.RunID,
			"status":     notCancellable.From,
			"request_id": r.Header.Get("X-Request-Id"),
		})
	case errors.As(err, &lostLease):
		api.writeJSON(w, http.StatusConflict, map[string]any{
			"error":      "lease_lost",
			"run_id":     lostLease.RunID,
			"claimed_by": lostLease.ClaimedBy,
			"status":     lostLease.Status,
			"request_id": r.Header.Get("X-Request-Id"),
		})
	case errors.Is(err, repo.ErrNotFound):
		api.writeError(w, r, http.StatusNotFound, "not_found")
	default:
		api.logger.Error("request failed", "path", r.URL.Path, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
	}
}
