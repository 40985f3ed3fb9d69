// Package outputs resolves run artifacts to time-limited download URLs:
// the produced output version, the original input snapshot, and the archived
// event log of a finished run.
package outputs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/eventlog"
	"github.com/docforge-labs/docforge-go/internal/repo"
	"github.com/docforge-labs/docforge-go/internal/storage/objectstore"
)

type Config struct {
	BucketOutputs string
	BucketRunLogs string
	PresignTTL    time.Duration
}

func (c Config) withDefaults() Config {
	if c.PresignTTL <= 0 {
		c.PresignTTL = 10 * time.Minute
	}
	return c
}

type Resolver struct {
	runs   repo.RunRepository
	store  objectstore.Store
	logger *slog.Logger
	cfg    Config
}

func New(runs repo.RunRepository, store objectstore.Store, logger *slog.Logger, cfg Config) (*Resolver, error) {
	if runs == nil {
		return nil, errors.New("run repository is required")
	}
	if store == nil {
		return nil, errors.New("object store is required")
	}
	if strings.TrimSpace(cfg.BucketOutputs) == "" || strings.TrimSpace(cfg.BucketRunLogs) == "" {
		return nil, errors.New("output and run log buckets are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{runs: runs, store: store, logger: logger, cfg: cfg.withDefaults()}, nil
}

// Download describes a resolved artifact.
type Download struct {
	URL         string
	Key         string
	SizeBytes   int64
	ContentType string
	ExpiresAt   time.Time
}

// OutputKey is the deterministic object key for a run's produced artifact.
func OutputKey(workspaceID, outputVersionID string) string {
	return fmt.Sprintf("outputs/%s/%s", strings.TrimSpace(workspaceID), strings.TrimSpace(outputVersionID))
}

// InputKey is the object key of the immutable input snapshot a run consumed.
func InputKey(workspaceID, inputVersionID string) string {
	return fmt.Sprintf("inputs/%s/%s", strings.TrimSpace(workspaceID), strings.TrimSpace(inputVersionID))
}

// ResolveOutput returns a presigned URL for a run's output artifact.
// A run still QUEUED or RUNNING reports domain.ErrOutputNotReady; a terminal
// run without a stored artifact reports domain.ErrOutputMissing.
func (r *Resolver) ResolveOutput(ctx context.Context, runID string) (Download, error) {
	if r == nil {
		return Download{}, errors.New("resolver not initialized")
	}
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return Download{}, err
	}
	if !run.Status.Terminal() {
		return Download{}, domain.ErrOutputNotReady
	}
	if run.Status != domain.StatusSucceeded || strings.TrimSpace(run.OutputVersionID) == "" {
		return Download{}, domain.ErrOutputMissing
	}
	return r.presign(ctx, r.cfg.BucketOutputs, OutputKey(run.WorkspaceID, run.OutputVersionID), domain.ErrOutputMissing)
}

// ResolveInput returns a presigned URL for the input version a run was
// submitted against, at any point in the run's lifecycle.
func (r *Resolver) ResolveInput(ctx context.Context, runID string) (Download, error) {
	if r == nil {
		return Download{}, errors.New("resolver not initialized")
	}
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return Download{}, err
	}
	if strings.TrimSpace(run.InputVersionID) == "" {
		return Download{}, domain.ErrInputRequired
	}
	return r.presign(ctx, r.cfg.BucketOutputs, InputKey(run.WorkspaceID, run.InputVersionID), domain.ErrDocumentNotFound)
}

// ResolveEventLogArchive returns a presigned URL for the archived event log of
// a finished run.
func (r *Resolver) ResolveEventLogArchive(ctx context.Context, runID string) (Download, error) {
	if r == nil {
		return Download{}, errors.New("resolver not initialized")
	}
	run, err := r.runs.GetRun(ctx, runID)
	if err != nil {
		return Download{}, err
	}
	if !run.Status.Terminal() {
		return Download{}, domain.ErrOutputNotReady
	}
	return r.presign(ctx, r.cfg.BucketRunLogs, eventlog.Key(run.WorkspaceID, run.ID), eventlog.ErrLogNotFound)
}

// presign stats the object first so absence maps to the caller's sentinel
// instead of a signed URL that 404s later.
func (r *Resolver) presign(ctx context.Context, bucket, key string, missing error) (Download, error) {
	info, err := r.store.Stat(ctx, bucket, key)
	if err != nil {
		if errors.Is(err, objectstore.ErrObjectNotFound) {
			return Download{}, missing
		}
		return Download{}, fmt.Errorf("stat %s: %w", key, err)
	}
	url, err := r.store.PresignGet(ctx, bucket, key, r.cfg.PresignTTL)
	if err != nil {
		return Download{}, fmt.Errorf("presign %s: %w", key, err)
	}
	return Download{
		URL:         url,
		Key:         key,
		SizeBytes:   info.Size,
		ContentType: info.ContentType,
		ExpiresAt:   time.Now().UTC().Add(r.cfg.PresignTTL),
	}, nil
}
