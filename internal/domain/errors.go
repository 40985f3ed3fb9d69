package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for conditions that carry no payload.
var (
	ErrInputRequired               = errors.New("input document is required for PROCESS runs")
	ErrConfigurationNotFound       = errors.New("configuration not found")
	ErrConfigurationArchived       = errors.New("configuration is archived")
	ErrConfigurationStorageMissing = errors.New("configuration backing files are missing")
	ErrDocumentNotFound            = errors.New("document not found")
	ErrSafeModeEnabled             = errors.New("safe mode is enabled, mutations are disabled")
	ErrOutputNotReady              = errors.New("run output is not ready yet")
	ErrOutputMissing               = errors.New("run produced no output")
)

// NotCancellableError reports a cancel attempt against a run that already
// reached SUCCEEDED or FAILED.
type NotCancellableError struct {
	RunID string
	From  Status
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("run %s cannot be cancelled from status %s", e.RunID, e.From)
}

// LostLeaseError reports a worker-invoked transition whose lease no longer
// holds: the run was reclaimed, completed by another worker, or cancelled.
type LostLeaseError struct {
	RunID     string
	WorkerID  string
	ClaimedBy string
	Status    Status
}

func (e *LostLeaseError) Error() string {
	return fmt.Sprintf("worker %s lost lease on run %s (status %s, claimed by %q)",
		e.WorkerID, e.RunID, e.Status, e.ClaimedBy)
}
