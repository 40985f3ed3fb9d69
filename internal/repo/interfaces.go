package repo

import (
	"context"
	"errors"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateActiveRun is returned by run inserts that hit the single-flight
// uniqueness constraint: another non-terminal run already covers the same
// (configuration, input version) pair, or the same configuration for PUBLISH.
var ErrDuplicateActiveRun = errors.New("an active run already exists for this submission")

type RunFilter struct {
	WorkspaceID     string
	ConfigurationID string
	Status          domain.Status
	Operation       domain.Operation
	Limit           int
}

// RunRepository owns the run row and every atomic transition on it. Status is
// never written through a blind field update; each mutation below is a single
// guarded statement.
type RunRepository interface {
	// InsertRun inserts a QUEUED row, failing with ErrDuplicateActiveRun when
	// the single-flight dedup constraint rejects it.
	InsertRun(ctx context.Context, run domain.Run) error

	// InsertRuns inserts a set of QUEUED rows in one atomic unit. A dedup
	// conflict on any row rolls back the whole unit with
	// ErrDuplicateActiveRun; the caller narrows the set and retries.
	InsertRuns(ctx context.Context, runs []domain.Run) error

	GetRun(ctx context.Context, id string) (domain.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]domain.Run, error)

	// FindActiveRun returns the non-terminal run for the dedup key, if any.
	// For PUBLISH the input version is ignored.
	FindActiveRun(ctx context.Context, configurationID, inputVersionID string, op domain.Operation) (domain.Run, error)

	// Claim atomically transitions the oldest eligible QUEUED row to RUNNING
	// on behalf of workerID, incrementing attempt_count and stamping the
	// lease. ErrNotFound means no eligible row, a normal poll outcome.
	Claim(ctx context.Context, workerID string, leaseUntil, now time.Time) (domain.Run, error)

	// RenewLease extends the lease of a RUNNING run still claimed by
	// workerID. The returned bool is false when the guard did not match; the
	// returned run is the current row either way.
	RenewLease(ctx context.Context, id, workerID string, leaseUntil, now time.Time) (domain.Run, bool, error)

	// CompleteSuccess and CompleteFailure finalize a RUNNING run claimed by
	// workerID with an unexpired lease. The bool is false when the guard did
	// not match (lease lost, reclaimed, or already terminal).
	CompleteSuccess(ctx context.Context, id, workerID string, exitCode int, outputVersionID string, now time.Time) (domain.Run, bool, error)
	CompleteFailure(ctx context.Context, id, workerID string, exitCode int, errorMessage string, now time.Time) (domain.Run, bool, error)

	// Cancel transitions a QUEUED or RUNNING run to CANCELLED, clearing the
	// claim. The bool is false when the run was not in a cancellable state;
	// the returned run is the current row either way.
	Cancel(ctx context.Context, id string, now time.Time) (domain.Run, bool, error)

	// ListExpired returns RUNNING rows whose lease expired before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]domain.Run, error)

	// Requeue flips one expired RUNNING row back to QUEUED with the given
	// availability. The claim-expiry guard makes the flip exactly-once per
	// expiry: a row already swept or reclaimed reports false.
	Requeue(ctx context.Context, id string, expiredBefore, availableAt time.Time) (bool, error)

	// ForceFail terminates an expired run that exhausted its attempt budget.
	ForceFail(ctx context.Context, id, message string, now time.Time) (bool, error)
}

// RunSideTables holds worker-reported observations associated with a run.
type RunSideTables interface {
	AppendMetric(ctx context.Context, sample domain.MetricSample) error
	ListMetrics(ctx context.Context, runID string, limit int) ([]domain.MetricSample, error)
	AppendFields(ctx context.Context, values []domain.FieldValue) error
	ListFields(ctx context.Context, runID string, limit int) ([]domain.FieldValue, error)
}
