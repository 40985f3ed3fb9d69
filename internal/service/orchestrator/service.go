package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/repo"
)

type Config struct {
	// SafeMode is the global kill switch: when set, every mutating call
	// fails before touching any state.
	SafeMode bool

	// DefaultMaxAttempts bounds how often a run may be claimed.
	DefaultMaxAttempts int
}

func (c Config) withDefaults() Config {
	if c.DefaultMaxAttempts < 1 {
		c.DefaultMaxAttempts = 3
	}
	return c
}

// Service owns run creation, deduplication and cancellation.
type Service struct {
	runs    repo.RunRepository
	configs Configurations
	docs    Documents
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

func New(logger *slog.Logger, runs repo.RunRepository, configs Configurations, docs Documents, cfg Config) *Service {
	if logger == nil || runs == nil || configs == nil || docs == nil {
		return nil
	}
	return &Service{
		runs:    runs,
		configs: configs,
		docs:    docs,
		logger:  logger,
		cfg:     cfg.withDefaults(),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// CreateRun submits a single run. Duplicate submissions against the same
// immutable input snapshot return the in-flight run instead of a new row.
func (s *Service) CreateRun(ctx context.Context, workspaceID, configID string, op domain.Operation, documentID string, options domain.RunOptions) (domain.Run, error) {
	if s == nil {
		return domain.Run{}, errors.New("orchestrator not initialized")
	}
	if s.cfg.SafeMode {
		return domain.Run{}, domain.ErrSafeModeEnabled
	}
	op = domain.NormalizeOperation(string(op))
	if !op.Valid() {
		return domain.Run{}, fmt.Errorf("invalid operation %q", op)
	}
	if err := options.ValidateFor(op); err != nil {
		return domain.Run{}, err
	}

	cfg, err := s.resolveConfiguration(ctx, workspaceID, configID)
	if err != nil {
		return domain.Run{}, err
	}

	inputVersionID := ""
	if op == domain.OpProcess {
		if strings.TrimSpace(documentID) == "" {
			return domain.Run{}, domain.ErrInputRequired
		}
		version, err := s.docs.ResolveCurrentVersion(ctx, strings.TrimSpace(documentID))
		if err != nil {
			return domain.Run{}, err
		}
		inputVersionID = version.VersionID
	}

	digest, err := s.computeDepsDigest(ctx, cfg.ID)
	if err != nil {
		return domain.Run{}, err
	}

	run := s.newQueuedRun(workspaceID, cfg.ID, op, inputVersionID, digest, options)
	created, err := s.insertDeduplicated(ctx, run)
	if err != nil {
		return domain.Run{}, err
	}

	if err := s.configs.MarkUsed(ctx, cfg.ID, s.now()); err != nil {
		s.logger.Warn("mark configuration used failed", "configuration_id", cfg.ID, "error", err)
	}
	return created, nil
}

// CreateRunsBatch submits PROCESS runs for a set of documents. Documents with
// an in-flight run are reused without error; the remaining inserts happen in
// one atomic unit, with a single narrowed retry when a concurrent submission
// races the batch.
func (s *Service) CreateRunsBatch(ctx context.Context, workspaceID, configID string, documentIDs []string, options domain.RunOptions) ([]domain.Run, error) {
	if s == nil {
		return nil, errors.New("orchestrator not initialized")
	}
	if s.cfg.SafeMode {
		return nil, domain.ErrSafeModeEnabled
	}
	if len(documentIDs) == 0 {
		return nil, domain.ErrInputRequired
	}
	if err := options.ValidateFor(domain.OpProcess); err != nil {
		return nil, err
	}

	cfg, err := s.resolveConfiguration(ctx, workspaceID, configID)
	if err != nil {
		return nil, err
	}
	digest, err := s.computeDepsDigest(ctx, cfg.ID)
	if err != nil {
		return nil, err
	}

	versionByDoc := make(map[string]string, len(documentIDs))
	seen := make(map[string]bool, len(documentIDs))
	ordered := make([]string, 0, len(documentIDs))
	for _, documentID := range documentIDs {
		documentID = strings.TrimSpace(documentID)
		if documentID == "" {
			return nil, domain.ErrInputRequired
		}
		if seen[documentID] {
			continue
		}
		seen[documentID] = true
		ordered = append(ordered, documentID)
		version, err := s.docs.ResolveCurrentVersion(ctx, documentID)
		if err != nil {
			return nil, err
		}
		versionByDoc[documentID] = version.VersionID
	}

	resolved, pending, err := s.splitInFlight(ctx, cfg.ID, ordered, versionByDoc, digest, workspaceID, options)
	if err != nil {
		return nil, err
	}

	if len(pending) > 0 {
		if err := s.runs.InsertRuns(ctx, runsOf(pending)); err != nil {
			if !errors.Is(err, repo.ErrDuplicateActiveRun) {
				return nil, err
			}
			// A concurrent single-run submission won the race for part of
			// the set. Recompute the in-flight subset and retry once with
			// what is left.
			remaining := docsOf(pending)
			resolved2, narrowed, err := s.splitInFlight(ctx, cfg.ID, remaining, versionByDoc, digest, workspaceID, options)
			if err != nil {
				return nil, err
			}
			for docID, run := range resolved2 {
				resolved[docID] = run
			}
			if len(narrowed) > 0 {
				if err := s.runs.InsertRuns(ctx, runsOf(narrowed)); err != nil {
					return nil, fmt.Errorf("batch insert retry: %w", err)
				}
				for _, p := range narrowed {
					resolved[p.documentID] = p.run
				}
			}
		} else {
			for _, p := range pending {
				resolved[p.documentID] = p.run
			}
		}
	}

	if err := s.configs.MarkUsed(ctx, cfg.ID, s.now()); err != nil {
		s.logger.Warn("mark configuration used failed", "configuration_id", cfg.ID, "error", err)
	}

	out := make([]domain.Run, 0, len(ordered))
	for _, documentID := range ordered {
		out = append(out, resolved[documentID])
	}
	return out, nil
}

// CancelRun transitions a QUEUED or RUNNING run to CANCELLED. Cancelling an
// already-cancelled run is a no-op returning the current row.
func (s *Service) CancelRun(ctx context.Context, runID string) (domain.Run, error) {
	if s == nil {
		return domain.Run{}, errors.New("orchestrator not initialized")
	}
	if s.cfg.SafeMode {
		return domain.Run{}, domain.ErrSafeModeEnabled
	}
	run, cancelled, err := s.runs.Cancel(ctx, runID, s.now())
	if err != nil {
		return domain.Run{}, err
	}
	if cancelled {
		return run, nil
	}
	if run.Status == domain.StatusCancelled {
		return run, nil
	}
	return domain.Run{}, &domain.NotCancellableError{RunID: run.ID, From: run.Status}
}

func (s *Service) resolveConfiguration(ctx context.Context, workspaceID, configID string) (Configuration, error) {
	workspaceID = strings.TrimSpace(workspaceID)
	configID = strings.TrimSpace(configID)
	if workspaceID == "" {
		return Configuration{}, errors.New("workspace id is required")
	}

	var cfg Configuration
	var err error
	if configID == "" {
		cfg, err = s.configs.ResolveActive(ctx, workspaceID)
	} else {
		cfg, err = s.configs.Resolve(ctx, configID)
	}
	if err != nil {
		return Configuration{}, err
	}
	if cfg.WorkspaceID != workspaceID {
		return Configuration{}, domain.ErrConfigurationNotFound
	}
	if cfg.Status == ConfigArchived {
		s.logger.Warn("run submitted against archived configuration", "configuration_id", cfg.ID)
		return Configuration{}, domain.ErrConfigurationArchived
	}
	return cfg, nil
}

// computeDepsDigest hashes the configuration's dependency closure so a run
// records exactly which configuration state it was submitted against.
func (s *Service) computeDepsDigest(ctx context.Context, configID string) (string, error) {
	closure, err := s.configs.DependencyClosure(ctx, configID)
	if err != nil {
		return "", err
	}
	entries := make([]string, 0, len(closure))
	for _, ref := range closure {
		entries = append(entries, ref.Path+":"+ref.SHA256)
	}
	sort.Strings(entries)
	h := sha256.New()
	for _, entry := range entries {
		h.Write([]byte(entry))
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (s *Service) newQueuedRun(workspaceID, configID string, op domain.Operation, inputVersionID, digest string, options domain.RunOptions) domain.Run {
	now := s.now()
	return domain.Run{
		ID:              uuid.NewString(),
		WorkspaceID:     strings.TrimSpace(workspaceID),
		ConfigurationID: configID,
		Operation:       op,
		InputVersionID:  inputVersionID,
		DepsDigest:      digest,
		Options:         options,
		Status:          domain.StatusQueued,
		AvailableAt:     now,
		AttemptCount:    0,
		MaxAttempts:     s.cfg.DefaultMaxAttempts,
		CreatedAt:       now,
	}
}

// insertDeduplicated inserts run, resolving a single-flight conflict to the
// existing in-flight row. The conflict path retries the insert exactly once
// for the window where the conflicting run completes between the violation
// and the re-query.
func (s *Service) insertDeduplicated(ctx context.Context, run domain.Run) (domain.Run, error) {
	err := s.runs.InsertRun(ctx, run)
	if err == nil {
		return run, nil
	}
	if !errors.Is(err, repo.ErrDuplicateActiveRun) {
		return domain.Run{}, err
	}
	existing, err := s.runs.FindActiveRun(ctx, run.ConfigurationID, run.InputVersionID, run.Operation)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Run{}, err
	}
	if err := s.runs.InsertRun(ctx, run); err != nil {
		return domain.Run{}, err
	}
	return run, nil
}

type pendingRun struct {
	documentID string
	run        domain.Run
}

func runsOf(pending []pendingRun) []domain.Run {
	out := make([]domain.Run, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.run)
	}
	return out
}

func docsOf(pending []pendingRun) []string {
	out := make([]string, 0, len(pending))
	for _, p := range pending {
		out = append(out, p.documentID)
	}
	return out
}

// splitInFlight partitions documents into those with an active run (reused)
// and those needing a fresh insert.
func (s *Service) splitInFlight(ctx context.Context, configID string, documentIDs []string, versionByDoc map[string]string, digest, workspaceID string, options domain.RunOptions) (map[string]domain.Run, []pendingRun, error) {
	resolved := make(map[string]domain.Run)
	pending := make([]pendingRun, 0, len(documentIDs))
	for _, documentID := range documentIDs {
		versionID := versionByDoc[documentID]
		existing, err := s.runs.FindActiveRun(ctx, configID, versionID, domain.OpProcess)
		if err == nil {
			resolved[documentID] = existing
			continue
		}
		if !errors.Is(err, repo.ErrNotFound) {
			return nil, nil, err
		}
		pending = append(pending, pendingRun{
			documentID: documentID,
			run:        s.newQueuedRun(workspaceID, configID, domain.OpProcess, versionID, digest, options),
		})
	}
	return resolved, pending, nil
}
