// Package registry is the HTTP client for the workspace registry service,
// which owns configurations, their dependency closures, and document version
// snapshots. The run service only ever reads from it, plus one usage ping.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/service/orchestrator"
)

type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("registry base url is required")
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}, nil
}

type configurationDoc struct {
	ID          string `json:"id"`
	WorkspaceID string `json:"workspace_id"`
	Status      string `json:"status"`
	StoragePath string `json:"storage_path"`
}

func (d configurationDoc) toDomain() orchestrator.Configuration {
	return orchestrator.Configuration{
		ID:          d.ID,
		WorkspaceID: d.WorkspaceID,
		Status:      orchestrator.ConfigStatus(d.Status),
		StoragePath: d.StoragePath,
	}
}

func (c *Client) Resolve(ctx context.Context, configID string) (orchestrator.Configuration, error) {
	configID = strings.TrimSpace(configID)
	if configID == "" {
		return orchestrator.Configuration{}, domain.ErrConfigurationNotFound
	}
	var doc configurationDoc
	err := c.get(ctx, "/configurations/"+url.PathEscape(configID), &doc)
	if err != nil {
		return orchestrator.Configuration{}, c.mapConfigError(err)
	}
	return doc.toDomain(), nil
}

func (c *Client) ResolveActive(ctx context.Context, workspaceID string) (orchestrator.Configuration, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	if workspaceID == "" {
		return orchestrator.Configuration{}, domain.ErrConfigurationNotFound
	}
	var doc configurationDoc
	err := c.get(ctx, "/workspaces/"+url.PathEscape(workspaceID)+"/configurations:active", &doc)
	if err != nil {
		return orchestrator.Configuration{}, c.mapConfigError(err)
	}
	return doc.toDomain(), nil
}

func (c *Client) DependencyClosure(ctx context.Context, configID string) ([]orchestrator.DependencyRef, error) {
	var body struct {
		Dependencies []struct {
			Path   string `json:"path"`
			SHA256 string `json:"sha256"`
		} `json:"dependencies"`
	}
	err := c.get(ctx, "/configurations/"+url.PathEscape(strings.TrimSpace(configID))+"/closure", &body)
	if err != nil {
		return nil, c.mapConfigError(err)
	}
	out := make([]orchestrator.DependencyRef, 0, len(body.Dependencies))
	for _, dep := range body.Dependencies {
		out = append(out, orchestrator.DependencyRef{Path: dep.Path, SHA256: dep.SHA256})
	}
	return out, nil
}

func (c *Client) MarkUsed(ctx context.Context, configID string, at time.Time) error {
	payload := map[string]any{"used_at": at.UTC().Format(time.RFC3339Nano)}
	return c.post(ctx, "/configurations/"+url.PathEscape(strings.TrimSpace(configID))+":used", payload, nil)
}

func (c *Client) ResolveCurrentVersion(ctx context.Context, documentID string) (orchestrator.DocumentVersion, error) {
	documentID = strings.TrimSpace(documentID)
	if documentID == "" {
		return orchestrator.DocumentVersion{}, domain.ErrDocumentNotFound
	}
	var body struct {
		VersionID   string `json:"version_id"`
		Filename    string `json:"filename"`
		ContentType string `json:"content_type"`
		SizeBytes   int64  `json:"size_bytes"`
	}
	err := c.get(ctx, "/documents/"+url.PathEscape(documentID)+"/versions:current", &body)
	if err != nil {
		var status *statusError
		if errors.As(err, &status) && status.code == http.StatusNotFound {
			return orchestrator.DocumentVersion{}, domain.ErrDocumentNotFound
		}
		return orchestrator.DocumentVersion{}, err
	}
	return orchestrator.DocumentVersion{
		VersionID:   body.VersionID,
		Filename:    body.Filename,
		ContentType: body.ContentType,
		SizeBytes:   body.SizeBytes,
	}, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("registry responded %d: %s", e.code, e.body)
}

// errorCode extracts the machine-readable code from a registry error body.
func (e *statusError) errorCode() string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(e.body), &body) != nil {
		return ""
	}
	return body.Error
}

func (c *Client) mapConfigError(err error) error {
	var status *statusError
	if errors.As(err, &status) {
		switch status.code {
		case http.StatusNotFound:
			return domain.ErrConfigurationNotFound
		case http.StatusGone:
			return domain.ErrConfigurationArchived
		case http.StatusUnprocessableEntity:
			// The registry answers 422 with a structured code when the
			// configuration row exists but its backing files are gone.
			if status.errorCode() == "configuration_storage_missing" {
				return domain.ErrConfigurationStorageMissing
			}
		}
	}
	return err
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal registry request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return err
	}
	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated, http.StatusNoContent:
		if out == nil || len(body) == 0 {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("decode registry response: %w", err)
		}
		return nil
	default:
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
}

var (
	_ orchestrator.Configurations = (*Client)(nil)
	_ orchestrator.Documents      = (*Client)(nil)
)
