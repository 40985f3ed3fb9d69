// Package workqueue implements the lease-based claim protocol workers use to
// acquire queued runs, plus the background sweep that reclaims runs whose
// worker died without heartbeating.
package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/repo"
)

// AttemptLog receives the attempt boundary record written when a run is
// claimed, so event-log readers can tell a superseded attempt's events from
// the current one.
type AttemptLog interface {
	Append(ctx context.Context, workspaceID, runID string, event domain.RunEvent) (int64, error)
}

type Service struct {
	runs   repo.RunRepository
	log    AttemptLog
	logger *slog.Logger
	tuning Tuning
	now    func() time.Time
}

func New(logger *slog.Logger, runs repo.RunRepository, log AttemptLog, tuning Tuning) *Service {
	if logger == nil || runs == nil {
		return nil
	}
	if err := tuning.Validate(); err != nil {
		return nil
	}
	return &Service{
		runs:   runs,
		log:    log,
		logger: logger,
		tuning: tuning,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Claim acquires the oldest eligible queued run for workerID under a fresh
// lease. A nil run with nil error means nothing was eligible, which is the
// normal idle-poll outcome.
func (s *Service) Claim(ctx context.Context, workerID string) (*domain.Run, error) {
	if s == nil {
		return nil, errors.New("work queue not initialized")
	}
	now := s.now()
	run, err := s.runs.Claim(ctx, workerID, now.Add(s.tuning.LeaseDuration), now)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if s.log != nil {
		_, err := s.log.Append(ctx, run.WorkspaceID, run.ID, domain.RunEvent{
			Event:     domain.EventAttemptStart,
			Timestamp: now,
			Payload: map[string]any{
				"attempt": run.AttemptCount,
				"worker":  workerID,
			},
		})
		if err != nil {
			s.logger.Warn("append attempt boundary failed", "run_id", run.ID, "error", err)
		}
	}
	return &run, nil
}

// Heartbeat extends the caller's lease. A worker whose lease was reclaimed
// gets a LostLeaseError and must abandon the run.
func (s *Service) Heartbeat(ctx context.Context, runID, workerID string) (domain.Run, error) {
	if s == nil {
		return domain.Run{}, errors.New("work queue not initialized")
	}
	now := s.now()
	run, renewed, err := s.runs.RenewLease(ctx, runID, workerID, now.Add(s.tuning.LeaseDuration), now)
	if err != nil {
		return domain.Run{}, err
	}
	if !renewed {
		return domain.Run{}, &domain.LostLeaseError{RunID: run.ID, WorkerID: workerID, ClaimedBy: run.ClaimedBy, Status: run.Status}
	}
	return run, nil
}

// CompleteSuccess finalizes a run the calling worker still owns. A mismatch
// (reclaimed lease, another worker's outcome already written, cancellation)
// fails with LostLeaseError rather than overwriting authoritative state.
func (s *Service) CompleteSuccess(ctx context.Context, runID, workerID string, exitCode int, outputVersionID string) (domain.Run, error) {
	if s == nil {
		return domain.Run{}, errors.New("work queue not initialized")
	}
	run, completed, err := s.runs.CompleteSuccess(ctx, runID, workerID, exitCode, outputVersionID, s.now())
	if err != nil {
		return domain.Run{}, err
	}
	if !completed {
		return domain.Run{}, &domain.LostLeaseError{RunID: run.ID, WorkerID: workerID, ClaimedBy: run.ClaimedBy, Status: run.Status}
	}
	return run, nil
}

func (s *Service) CompleteFailure(ctx context.Context, runID, workerID string, exitCode int, errorMessage string) (domain.Run, error) {
	if s == nil {
		return domain.Run{}, errors.New("work queue not initialized")
	}
	run, completed, err := s.runs.CompleteFailure(ctx, runID, workerID, exitCode, errorMessage, s.now())
	if err != nil {
		return domain.Run{}, err
	}
	if !completed {
		return domain.Run{}, &domain.LostLeaseError{RunID: run.ID, WorkerID: workerID, ClaimedBy: run.ClaimedBy, Status: run.Status}
	}
	return run, nil
}

// RunSweeper reclaims expired leases until ctx is cancelled.
func (s *Service) RunSweeper(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.tuning.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requeued, failed, err := s.SweepOnce(ctx)
			if err != nil {
				s.logger.Error("requeue sweep failed", "error", err)
				continue
			}
			if requeued > 0 || failed > 0 {
				s.logger.Info("requeue sweep", "requeued", requeued, "force_failed", failed)
			}
		}
	}
}

// SweepOnce requeues runs whose lease expired, or force-fails them once their
// attempt budget is spent. The per-row expiry guard makes each expiry handled
// at most once even with concurrent sweepers. Requeue leaves attempt_count
// alone: attempts are charged at claim time, so the budget counts executions,
// not expiries.
func (s *Service) SweepOnce(ctx context.Context) (requeued, failed int, err error) {
	if s == nil {
		return 0, 0, errors.New("work queue not initialized")
	}
	now := s.now()
	expired, err := s.runs.ListExpired(ctx, now, s.tuning.SweepBatch)
	if err != nil {
		return 0, 0, err
	}
	for _, run := range expired {
		if run.AttemptCount >= run.MaxAttempts {
			ok, err := s.runs.ForceFail(ctx, run.ID, domain.RetryBudgetExceededMessage, now)
			if err != nil {
				return requeued, failed, err
			}
			if ok {
				failed++
				s.logger.Warn("run exhausted retry budget", "run_id", run.ID, "attempts", run.AttemptCount)
			}
			continue
		}
		ok, err := s.runs.Requeue(ctx, run.ID, now, now.Add(s.tuning.Backoff(run.AttemptCount)))
		if err != nil {
			return requeued, failed, err
		}
		if ok {
			requeued++
			s.logger.Info("run lease expired, requeued",
				"run_id", run.ID,
				"attempt", run.AttemptCount,
				"claimed_by", run.ClaimedBy,
			)
		}
	}
	return requeued, failed, nil
}
