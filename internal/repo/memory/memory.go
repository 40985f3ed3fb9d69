// Package memory provides an in-memory RunRepository with the same guard and
// dedup semantics as the Postgres store. It backs unit tests and local
// single-process development.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/repo"
)

type RunStore struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func NewRunStore() *RunStore {
	return &RunStore{runs: make(map[string]domain.Run)}
}

func dedupKey(run domain.Run) (string, bool) {
	switch run.Operation {
	case domain.OpProcess:
		return "process|" + run.ConfigurationID + "|" + run.InputVersionID, true
	case domain.OpPublish:
		return "publish|" + run.ConfigurationID, true
	}
	return "", false
}

// hasActiveConflict reports whether a non-terminal run already occupies the
// run's single-flight slot. Callers hold s.mu.
func (s *RunStore) hasActiveConflict(run domain.Run) bool {
	key, ok := dedupKey(run)
	if !ok {
		return false
	}
	for _, other := range s.runs {
		if other.Status.Terminal() {
			continue
		}
		if otherKey, ok := dedupKey(other); ok && otherKey == key {
			return true
		}
	}
	return false
}

func (s *RunStore) InsertRun(ctx context.Context, run domain.Run) error {
	if err := run.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasActiveConflict(run) {
		return repo.ErrDuplicateActiveRun
	}
	s.runs[run.ID] = run
	return nil
}

func (s *RunStore) InsertRuns(ctx context.Context, runs []domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range runs {
		if err := run.Validate(); err != nil {
			return err
		}
		if s.hasActiveConflict(run) {
			return repo.ErrDuplicateActiveRun
		}
	}
	for _, run := range runs {
		s.runs[run.ID] = run
	}
	return nil
}

func (s *RunStore) GetRun(ctx context.Context, id string) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, repo.ErrNotFound
	}
	return run, nil
}

func (s *RunStore) ListRuns(ctx context.Context, filter repo.RunFilter) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Run, 0)
	for _, run := range s.runs {
		if filter.WorkspaceID != "" && run.WorkspaceID != filter.WorkspaceID {
			continue
		}
		if filter.ConfigurationID != "" && run.ConfigurationID != filter.ConfigurationID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		if filter.Operation != "" && run.Operation != filter.Operation {
			continue
		}
		out = append(out, run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (s *RunStore) FindActiveRun(ctx context.Context, configurationID, inputVersionID string, op domain.Operation) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := make([]domain.Run, 0, 1)
	for _, run := range s.runs {
		if run.Status.Terminal() || run.ConfigurationID != configurationID || run.Operation != op {
			continue
		}
		if op != domain.OpPublish && inputVersionID != "" && run.InputVersionID != inputVersionID {
			continue
		}
		candidates = append(candidates, run)
	}
	if len(candidates) == 0 {
		return domain.Run{}, repo.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].CreatedAt.Before(candidates[j].CreatedAt) })
	return candidates[0], nil
}

func (s *RunStore) Claim(ctx context.Context, workerID string, leaseUntil, now time.Time) (domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	eligible := make([]domain.Run, 0)
	for _, run := range s.runs {
		if run.Status == domain.StatusQueued && !run.AvailableAt.After(now) && run.AttemptCount < run.MaxAttempts {
			eligible = append(eligible, run)
		}
	}
	if len(eligible) == 0 {
		return domain.Run{}, repo.ErrNotFound
	}
	sort.Slice(eligible, func(i, j int) bool {
		if !eligible[i].AvailableAt.Equal(eligible[j].AvailableAt) {
			return eligible[i].AvailableAt.Before(eligible[j].AvailableAt)
		}
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	run := eligible[0]
	run.Status = domain.StatusRunning
	run.ClaimedBy = workerID
	lease := leaseUntil.UTC()
	run.ClaimExpiresAt = &lease
	run.AttemptCount++
	started := now.UTC()
	run.StartedAt = &started
	s.runs[run.ID] = run
	return run, nil
}

func (s *RunStore) RenewLease(ctx context.Context, id, workerID string, leaseUntil, now time.Time) (domain.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, false, repo.ErrNotFound
	}
	if run.Status != domain.StatusRunning || run.ClaimedBy != workerID ||
		run.ClaimExpiresAt == nil || !run.ClaimExpiresAt.After(now) {
		return run, false, nil
	}
	lease := leaseUntil.UTC()
	run.ClaimExpiresAt = &lease
	s.runs[id] = run
	return run, true, nil
}

func (s *RunStore) CompleteSuccess(ctx context.Context, id, workerID string, exitCode int, outputVersionID string, now time.Time) (domain.Run, bool, error) {
	return s.complete(id, workerID, now, func(run *domain.Run) {
		run.Status = domain.StatusSucceeded
		run.ExitCode = &exitCode
		run.OutputVersionID = outputVersionID
	})
}

func (s *RunStore) CompleteFailure(ctx context.Context, id, workerID string, exitCode int, errorMessage string, now time.Time) (domain.Run, bool, error) {
	return s.complete(id, workerID, now, func(run *domain.Run) {
		run.Status = domain.StatusFailed
		run.ExitCode = &exitCode
		run.ErrorMessage = errorMessage
	})
}

func (s *RunStore) complete(id, workerID string, now time.Time, apply func(*domain.Run)) (domain.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.Run{}, false, repo.ErrNotFound
	}
	if run.Status != domain.StatusRunning || run.ClaimedBy != workerID ||
		run.ClaimExpiresAt == nil || !run.ClaimExpiresAt.After(now) {
		return run, false, nil
	}
	apply(&run)
	completed := now.UTC()
	run.CompletedAt = &completed
	run.ClaimExpiresAt = nil
	s.runs[id] = run
	return run, true, nil
}

func (s *RunStore) Cancel(ctx context.Context, id string, now time.Time) (domain.Run, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[strings.TrimSpace(id)]
	if !ok {
		return domain.Run{}, false, repo.ErrNotFound
	}
	if run.Status != domain.StatusQueued && run.Status != domain.StatusRunning {
		return run, false, nil
	}
	run.Status = domain.StatusCancelled
	run.ClaimedBy = ""
	run.ClaimExpiresAt = nil
	completed := now.UTC()
	run.CompletedAt = &completed
	run.ErrorMessage = domain.CancelledMessage
	s.runs[run.ID] = run
	return run, true, nil
}

func (s *RunStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Run, 0)
	for _, run := range s.runs {
		if run.Status == domain.StatusRunning && run.ClaimExpiresAt != nil && !run.ClaimExpiresAt.After(now) {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimExpiresAt.Before(*out[j].ClaimExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *RunStore) Requeue(ctx context.Context, id string, expiredBefore, availableAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, nil
	}
	if run.Status != domain.StatusRunning || run.ClaimExpiresAt == nil || run.ClaimExpiresAt.After(expiredBefore) {
		return false, nil
	}
	run.Status = domain.StatusQueued
	run.ClaimedBy = ""
	run.ClaimExpiresAt = nil
	run.AvailableAt = availableAt.UTC()
	s.runs[id] = run
	return true, nil
}

func (s *RunStore) ForceFail(ctx context.Context, id, message string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return false, nil
	}
	if run.Status.Terminal() || run.AttemptCount < run.MaxAttempts {
		return false, nil
	}
	run.Status = domain.StatusFailed
	run.ClaimedBy = ""
	run.ClaimExpiresAt = nil
	run.ErrorMessage = message
	completed := now.UTC()
	run.CompletedAt = &completed
	s.runs[id] = run
	return true, nil
}
