package main

import (
	"net/http"
	"time"

	"github.com/docforge-labs/docforge-go/internal/service/outputs"
)

type downloadResponse struct {
	URL         string    `json:"url"`
	Key         string    `json:"key"`
	SizeBytes   int64     `json:"size_bytes"`
	ContentType string    `json:"content_type,omitempty"`
	ExpiresAt   time.Time `json:"expires_at"`
}

func toDownloadResponse(dl outputs.Download) downloadResponse {
	return downloadResponse{
		URL:         dl.URL,
		Key:         dl.Key,
		SizeBytes:   dl.SizeBytes,
		ContentType: dl.ContentType,
		ExpiresAt:   dl.ExpiresAt,
	}
}

func (api *runsAPI) handleGetRunOutput(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	dl, err := api.outputs.ResolveOutput(r.Context(), run.ID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toDownloadResponse(dl))
}

func (api *runsAPI) handleGetRunInput(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	dl, err := api.outputs.ResolveInput(r.Context(), run.ID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toDownloadResponse(dl))
}

func (api *runsAPI) handleGetRunLogArchive(w http.ResponseWriter, r *http.Request) {
	run, ok := api.loadWorkspaceRun(w, r)
	if !ok {
		return
	}
	dl, err := api.outputs.ResolveEventLogArchive(r.Context(), run.ID)
	if err != nil {
		api.writeServiceError(w, r, err)
		return
	}
	api.writeJSON(w, http.StatusOK, toDownloadResponse(dl))
}
