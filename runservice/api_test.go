package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/eventlog"
	"github.com/docforge-labs/docforge-go/internal/platform/httpserver"
	"github.com/docforge-labs/docforge-go/internal/repo/memory"
	"github.com/docforge-labs/docforge-go/internal/service/orchestrator"
	"github.com/docforge-labs/docforge-go/internal/service/outputs"
	"github.com/docforge-labs/docforge-go/internal/service/workqueue"
	"github.com/docforge-labs/docforge-go/internal/storage/objectstore"
	"github.com/docforge-labs/docforge-go/internal/stream"
)

type stubConfigs struct{}

func (stubConfigs) Resolve(ctx context.Context, configID string) (orchestrator.Configuration, error) {
	if configID != "cfg-1" {
		return orchestrator.Configuration{}, domain.ErrConfigurationNotFound
	}
	return orchestrator.Configuration{ID: "cfg-1", WorkspaceID: "ws-1", Status: orchestrator.ConfigActive}, nil
}

func (stubConfigs) ResolveActive(ctx context.Context, workspaceID string) (orchestrator.Configuration, error) {
	if workspaceID != "ws-1" {
		return orchestrator.Configuration{}, domain.ErrConfigurationNotFound
	}
	return orchestrator.Configuration{ID: "cfg-1", WorkspaceID: "ws-1", Status: orchestrator.ConfigActive}, nil
}

func (stubConfigs) DependencyClosure(ctx context.Context, configID string) ([]orchestrator.DependencyRef, error) {
	return []orchestrator.DependencyRef{{Path: "templates/base.tmpl", SHA256: "aa11"}}, nil
}

func (stubConfigs) MarkUsed(ctx context.Context, configID string, at time.Time) error { return nil }

type stubDocs struct{}

func (stubDocs) ResolveCurrentVersion(ctx context.Context, documentID string) (orchestrator.DocumentVersion, error) {
	if !strings.HasPrefix(documentID, "doc-") {
		return orchestrator.DocumentVersion{}, domain.ErrDocumentNotFound
	}
	return orchestrator.DocumentVersion{VersionID: "ver-" + documentID, Filename: documentID + ".pdf"}, nil
}

type memObjectStore struct {
	objects map[string][]byte
}

func newMemObjectStore() *memObjectStore {
	return &memObjectStore{objects: make(map[string][]byte)}
}

func (s *memObjectStore) Put(ctx context.Context, bucket, key string, body io.Reader, size int64, contentType string) error {
	blob, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	s.objects[bucket+"/"+key] = blob
	return nil
}

func (s *memObjectStore) Get(ctx context.Context, bucket, key string) (io.ReadCloser, objectstore.ObjectInfo, error) {
	blob, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(blob)), objectstore.ObjectInfo{Key: key, Size: int64(len(blob))}, nil
}

func (s *memObjectStore) GetRange(ctx context.Context, bucket, key string, offset, length int64) (io.ReadCloser, error) {
	body, _, err := s.Get(ctx, bucket, key)
	return body, err
}

func (s *memObjectStore) Stat(ctx context.Context, bucket, key string) (objectstore.ObjectInfo, error) {
	blob, ok := s.objects[bucket+"/"+key]
	if !ok {
		return objectstore.ObjectInfo{}, objectstore.ErrObjectNotFound
	}
	return objectstore.ObjectInfo{Key: key, Size: int64(len(blob))}, nil
}

func (s *memObjectStore) Delete(ctx context.Context, bucket, key string) error {
	delete(s.objects, bucket+"/"+key)
	return nil
}

func (s *memObjectStore) PresignGet(ctx context.Context, bucket, key string, ttl time.Duration) (string, error) {
	return "https://objects.test/" + bucket + "/" + key, nil
}

type apiFixture struct {
	server *httptest.Server
	runs   *memory.RunStore
	log    *eventlog.Log
	store  *memObjectStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	runs := memory.NewRunStore()
	log, err := eventlog.New(t.TempDir())
	if err != nil {
		t.Fatalf("event log: %v", err)
	}
	store := newMemObjectStore()

	orchestratorSvc := orchestrator.New(logger, runs, stubConfigs{}, stubDocs{}, orchestrator.Config{})
	queueSvc := workqueue.New(logger, runs, log, testTuning())
	streamer, err := stream.New(runs, log, logger, stream.Config{
		PollInterval:      5 * time.Millisecond,
		KeepaliveInterval: 50 * time.Millisecond,
		TerminalGrace:     15 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("streamer: %v", err)
	}
	resolver, err := outputs.New(runs, store, logger, outputs.Config{BucketOutputs: "outputs", BucketRunLogs: "runlogs"})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}

	api := &runsAPI{
		logger:        logger,
		orchestrator:  orchestratorSvc,
		queue:         queueSvc,
		runs:          runs,
		sideTables:    memory.NewSideTableStore(),
		log:           log,
		streamer:      streamer,
		outputs:       resolver,
		store:         store,
		runLogsBucket: "runlogs",
	}
	mux := http.NewServeMux()
	api.register(mux)
	server := httptest.NewServer(httpserver.Wrap(logger, "runservice", mux))
	t.Cleanup(server.Close)
	return &apiFixture{server: server, runs: runs, log: log, store: store}
}

func testTuning() workqueue.Tuning {
	tuning := workqueue.DefaultTuning()
	tuning.LeaseDuration = time.Minute
	return tuning
}

func (f *apiFixture) postJSON(t *testing.T, path string, payload any) (*http.Response, []byte) {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	blob, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, blob
}

func (f *apiFixture) getJSON(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.server.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	blob, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp, blob
}

func decodeRun(t *testing.T, blob []byte) runResponse {
	t.Helper()
	var run runResponse
	if err := json.Unmarshal(blob, &run); err != nil {
		t.Fatalf("decode run: %v (%s)", err, blob)
	}
	return run
}

func (f *apiFixture) createRun(t *testing.T, documentID string) runResponse {
	t.Helper()
	resp, blob := f.postJSON(t, "/workspaces/ws-1/runs", map[string]any{
		"configuration_id": "cfg-1",
		"operation":        "PROCESS",
		"document_id":      documentID,
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create run: status %d body %s", resp.StatusCode, blob)
	}
	return decodeRun(t, blob)
}

func TestCreateRunAndDeduplicate(t *testing.T) {
	f := newAPIFixture(t)

	first := f.createRun(t, "doc-1")
	if first.Status != domain.StatusQueued || first.InputVersionID != "ver-doc-1" {
		t.Fatalf("unexpected run: %+v", first)
	}

	resp, blob := f.postJSON(t, "/workspaces/ws-1/runs", map[string]any{
		"configuration_id": "cfg-1",
		"operation":        "PROCESS",
		"document_id":      "doc-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("duplicate submission: status %d body %s", resp.StatusCode, blob)
	}
	second := decodeRun(t, blob)
	if second.ID != first.ID {
		t.Fatalf("duplicate submission should return the in-flight run: %s vs %s", second.ID, first.ID)
	}
}

func TestCreateRunErrors(t *testing.T) {
	f := newAPIFixture(t)

	resp, blob := f.postJSON(t, "/workspaces/ws-1/runs", map[string]any{
		"configuration_id": "cfg-missing",
		"operation":        "PROCESS",
		"document_id":      "doc-1",
	})
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(blob), "configuration_not_found") {
		t.Fatalf("unknown configuration: status %d body %s", resp.StatusCode, blob)
	}

	resp, blob = f.postJSON(t, "/workspaces/ws-1/runs", map[string]any{
		"configuration_id": "cfg-1",
		"operation":        "PROCESS",
	})
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(blob), "input_required") {
		t.Fatalf("missing document: status %d body %s", resp.StatusCode, blob)
	}

	resp, blob = f.postJSON(t, "/workspaces/ws-1/runs", map[string]any{
		"configuration_id": "cfg-1",
		"operation":        "PROCESS",
		"document_id":      "unknown-1",
	})
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(blob), "document_not_found") {
		t.Fatalf("unknown document: status %d body %s", resp.StatusCode, blob)
	}
}

func TestBatchEndpointReturnsRunPerDocument(t *testing.T) {
	f := newAPIFixture(t)
	existing := f.createRun(t, "doc-1")

	resp, blob := f.postJSON(t, "/workspaces/ws-1/runs:batch", map[string]any{
		"configuration_id": "cfg-1",
		"document_ids":     []string{"doc-1", "doc-2", "doc-3"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("batch: status %d body %s", resp.StatusCode, blob)
	}
	var body struct {
		Runs []runResponse `json:"runs"`
	}
	if err := json.Unmarshal(blob, &body); err != nil {
		t.Fatalf("decode batch: %v", err)
	}
	if len(body.Runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(body.Runs))
	}
	if body.Runs[0].ID != existing.ID {
		t.Fatalf("in-flight run should be reused: %s vs %s", body.Runs[0].ID, existing.ID)
	}
}

func TestWorkerLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRun(t, "doc-1")

	resp, blob := f.postJSON(t, "/worker/claim", map[string]any{"worker_id": "worker-a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: status %d body %s", resp.StatusCode, blob)
	}
	claimed := decodeRun(t, blob)
	if claimed.ID != created.ID || claimed.Status != domain.StatusRunning || claimed.AttemptCount != 1 {
		t.Fatalf("unexpected claimed run: %+v", claimed)
	}

	resp, _ = f.postJSON(t, "/worker/claim", map[string]any{"worker_id": "worker-b"})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("empty queue claim should be 204, got %d", resp.StatusCode)
	}

	resp, blob = f.postJSON(t, "/worker/runs/"+claimed.ID+"/heartbeat", map[string]any{"worker_id": "worker-b"})
	if resp.StatusCode != http.StatusConflict || !strings.Contains(string(blob), "lease_lost") {
		t.Fatalf("foreign heartbeat: status %d body %s", resp.StatusCode, blob)
	}
	resp, _ = f.postJSON(t, "/worker/runs/"+claimed.ID+"/heartbeat", map[string]any{"worker_id": "worker-a"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat: status %d", resp.StatusCode)
	}

	resp, blob = f.postJSON(t, "/worker/runs/"+claimed.ID+"/events", map[string]any{
		"worker_id": "worker-a",
		"events":    []map[string]any{{"event": "page.extracted", "payload": map[string]any{"page": 1}}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("append events: status %d body %s", resp.StatusCode, blob)
	}
	var appendBody struct {
		Accepted int   `json:"accepted"`
		Cursor   int64 `json:"cursor"`
	}
	if err := json.Unmarshal(blob, &appendBody); err != nil {
		t.Fatalf("decode append response: %v", err)
	}
	if appendBody.Accepted != 1 || appendBody.Cursor <= 0 {
		t.Fatalf("unexpected append response: %+v", appendBody)
	}

	resp, blob = f.postJSON(t, "/worker/runs/"+claimed.ID+"/metrics", map[string]any{
		"worker_id": "worker-a",
		"samples":   []map[string]any{{"name": "pages_processed", "value": 12}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest metrics: status %d body %s", resp.StatusCode, blob)
	}
	resp, blob = f.postJSON(t, "/worker/runs/"+claimed.ID+"/fields", map[string]any{
		"worker_id": "worker-a",
		"values":    []map[string]any{{"name": "invoice_total", "value": "104.50", "row_index": 3}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ingest fields: status %d body %s", resp.StatusCode, blob)
	}

	resp, blob = f.postJSON(t, "/worker/runs/"+claimed.ID+":succeed", map[string]any{
		"worker_id":         "worker-a",
		"exit_code":         0,
		"output_version_id": "out-1",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("succeed: status %d body %s", resp.StatusCode, blob)
	}
	final := decodeRun(t, blob)
	if final.Status != domain.StatusSucceeded || final.OutputVersionID != "out-1" {
		t.Fatalf("unexpected final run: %+v", final)
	}

	// Completion archived the event log.
	if _, ok := f.store.objects["runlogs/"+eventlog.Key("ws-1", claimed.ID)]; !ok {
		t.Fatal("event log was not archived on completion")
	}

	resp, blob = f.getJSON(t, "/workspaces/ws-1/runs/"+claimed.ID+"/events")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list events: status %d", resp.StatusCode)
	}
	var page struct {
		Events    []eventResponse `json:"events"`
		Ended     bool            `json:"ended"`
		EndReason string          `json:"end_reason"`
	}
	if err := json.Unmarshal(blob, &page); err != nil {
		t.Fatalf("decode events: %v", err)
	}
	if !page.Ended || page.EndReason != string(stream.EndSentinel) {
		t.Fatalf("events should end on sentinel: %+v", page)
	}
	var names []string
	for _, event := range page.Events {
		names = append(names, event.Event)
	}
	joined := strings.Join(names, ",")
	if !strings.Contains(joined, domain.EventAttemptStart) ||
		!strings.Contains(joined, "page.extracted") ||
		!strings.Contains(joined, domain.EventSentinelComplete) {
		t.Fatalf("unexpected event sequence: %s", joined)
	}

	resp, blob = f.getJSON(t, "/workspaces/ws-1/runs/"+claimed.ID+"/metrics")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(blob), "pages_processed") {
		t.Fatalf("list metrics: status %d body %s", resp.StatusCode, blob)
	}
	resp, blob = f.getJSON(t, "/workspaces/ws-1/runs/"+claimed.ID+"/fields")
	if resp.StatusCode != http.StatusOK || !strings.Contains(string(blob), "invoice_total") {
		t.Fatalf("list fields: status %d body %s", resp.StatusCode, blob)
	}
}

func TestCancelEndpoint(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRun(t, "doc-1")

	resp, blob := f.postJSON(t, "/workspaces/ws-1/runs/"+created.ID+":cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("cancel: status %d body %s", resp.StatusCode, blob)
	}
	cancelled := decodeRun(t, blob)
	if cancelled.Status != domain.StatusCancelled || cancelled.ErrorMessage != domain.CancelledMessage {
		t.Fatalf("unexpected cancelled run: %+v", cancelled)
	}

	resp, _ = f.postJSON(t, "/workspaces/ws-1/runs/"+created.ID+":cancel", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("repeat cancel should be 200, got %d", resp.StatusCode)
	}

	finished := f.createRun(t, "doc-2")
	if resp, _ := f.postJSON(t, "/worker/claim", map[string]any{"worker_id": "worker-a"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("claim: status %d", resp.StatusCode)
	}
	if resp, _ := f.postJSON(t, "/worker/runs/"+finished.ID+":succeed", map[string]any{"worker_id": "worker-a", "output_version_id": "out-2"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("succeed: status %d", resp.StatusCode)
	}
	resp, blob = f.postJSON(t, "/workspaces/ws-1/runs/"+finished.ID+":cancel", nil)
	if resp.StatusCode != http.StatusConflict || !strings.Contains(string(blob), "not_cancellable") {
		t.Fatalf("cancel terminal run: status %d body %s", resp.StatusCode, blob)
	}
}

func TestListRunsFilters(t *testing.T) {
	f := newAPIFixture(t)
	f.createRun(t, "doc-1")
	f.createRun(t, "doc-2")

	resp, blob := f.getJSON(t, "/workspaces/ws-1/runs?status=QUEUED")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list: status %d", resp.StatusCode)
	}
	var body struct {
		Runs []runResponse `json:"runs"`
	}
	if err := json.Unmarshal(blob, &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Runs) != 2 {
		t.Fatalf("expected 2 queued runs, got %d", len(body.Runs))
	}

	resp, _ = f.getJSON(t, "/workspaces/ws-1/runs?status=bogus")
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid status filter should be 400, got %d", resp.StatusCode)
	}
	resp, blob = f.getJSON(t, "/workspaces/ws-2/runs")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list other workspace: status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(blob, &body); err != nil {
		t.Fatalf("decode list: %v", err)
	}
	if len(body.Runs) != 0 {
		t.Fatalf("workspace isolation broken: %d runs", len(body.Runs))
	}
}

func TestWorkspaceIsolationOnGet(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRun(t, "doc-1")

	resp, _ := f.getJSON(t, "/workspaces/ws-2/runs/"+created.ID)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cross-workspace get should be 404, got %d", resp.StatusCode)
	}
}

func TestOutputEndpointLifecycle(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRun(t, "doc-1")

	resp, blob := f.getJSON(t, "/workspaces/ws-1/runs/"+created.ID+"/output")
	if resp.StatusCode != http.StatusConflict || !strings.Contains(string(blob), "output_not_ready") {
		t.Fatalf("queued output: status %d body %s", resp.StatusCode, blob)
	}

	if resp, _ := f.postJSON(t, "/worker/claim", map[string]any{"worker_id": "worker-a"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("claim failed: %d", resp.StatusCode)
	}
	if resp, _ := f.postJSON(t, "/worker/runs/"+created.ID+":succeed", map[string]any{"worker_id": "worker-a", "output_version_id": "out-1"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("succeed failed: %d", resp.StatusCode)
	}

	resp, blob = f.getJSON(t, "/workspaces/ws-1/runs/"+created.ID+"/output")
	if resp.StatusCode != http.StatusNotFound || !strings.Contains(string(blob), "output_missing") {
		t.Fatalf("missing artifact: status %d body %s", resp.StatusCode, blob)
	}

	f.store.objects["outputs/"+outputs.OutputKey("ws-1", "out-1")] = []byte("artifact")
	resp, blob = f.getJSON(t, "/workspaces/ws-1/runs/"+created.ID+"/output")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resolved output: status %d body %s", resp.StatusCode, blob)
	}
	var dl downloadResponse
	if err := json.Unmarshal(blob, &dl); err != nil {
		t.Fatalf("decode download: %v", err)
	}
	if dl.URL == "" || dl.SizeBytes != int64(len("artifact")) {
		t.Fatalf("unexpected download: %+v", dl)
	}

	resp, _ = f.getJSON(t, "/workspaces/ws-1/runs/"+created.ID+"/logs/archive")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("archived log download: status %d", resp.StatusCode)
	}
}

func TestStreamEndpointDeliversSSE(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRun(t, "doc-1")

	if resp, _ := f.postJSON(t, "/worker/claim", map[string]any{"worker_id": "worker-a"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("claim failed: %d", resp.StatusCode)
	}
	if resp, _ := f.postJSON(t, "/worker/runs/"+created.ID+"/events", map[string]any{
		"worker_id": "worker-a",
		"events":    []map[string]any{{"event": "page.extracted"}},
	}); resp.StatusCode != http.StatusOK {
		t.Fatalf("append failed: %d", resp.StatusCode)
	}
	if resp, _ := f.postJSON(t, "/worker/runs/"+created.ID+":succeed", map[string]any{"worker_id": "worker-a", "output_version_id": "out-1"}); resp.StatusCode != http.StatusOK {
		t.Fatalf("succeed failed: %d", resp.StatusCode)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(f.server.URL + "/workspaces/ws-1/runs/" + created.ID + "/events/stream")
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	defer resp.Body.Close()
	if got := resp.Header.Get("Content-Type"); got != "text/event-stream" {
		t.Fatalf("unexpected content type %q", got)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read stream: %v", err)
	}
	text := string(body)
	for _, want := range []string{"event: ready", "page.extracted", "event: complete", "event: end", string(stream.EndSentinel)} {
		if !strings.Contains(text, want) {
			t.Fatalf("stream missing %q:\n%s", want, text)
		}
	}
}

func TestStreamEndpointRejectsBadCursor(t *testing.T) {
	f := newAPIFixture(t)
	created := f.createRun(t, "doc-1")

	resp, blob := f.getJSON(t, fmt.Sprintf("/workspaces/ws-1/runs/%s/events/stream?cursor=-2", created.ID))
	if resp.StatusCode != http.StatusBadRequest || !strings.Contains(string(blob), "invalid_cursor") {
		t.Fatalf("bad cursor: status %d body %s", resp.StatusCode, blob)
	}
}
