package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the run lifecycle state.
type Status string

const (
	StatusQueued    Status = "QUEUED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusCancelled Status = "CANCELLED"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

func NormalizeStatus(raw string) Status {
	return Status(strings.ToUpper(strings.TrimSpace(raw)))
}

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusSucceeded, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Operation determines what a run does with its configuration.
type Operation string

const (
	OpProcess  Operation = "PROCESS"
	OpValidate Operation = "VALIDATE"
	OpPublish  Operation = "PUBLISH"
)

func NormalizeOperation(raw string) Operation {
	return Operation(strings.ToUpper(strings.TrimSpace(raw)))
}

func (op Operation) Valid() bool {
	switch op {
	case OpProcess, OpValidate, OpPublish:
		return true
	}
	return false
}

// CancelledMessage is the fixed error_message written on cancellation, kept
// distinct from worker-reported failures.
const CancelledMessage = "run cancelled by user request"

// RetryBudgetExceededMessage is written by the requeue sweep when a run burns
// through its attempt budget without completing.
const RetryBudgetExceededMessage = "exceeded retry budget"

// Run is one execution of a configuration against an input document snapshot
// (or a validate/publish action). Identity, scope, operation, input reference,
// deps digest and options are write-once; only status, scheduling, timing and
// result fields change after creation.
type Run struct {
	ID              string
	WorkspaceID     string
	ConfigurationID string
	Operation       Operation

	// InputVersionID pins the immutable document snapshot resolved at
	// submission time. Empty for VALIDATE and PUBLISH.
	InputVersionID string
	DepsDigest     string
	Options        RunOptions

	Status Status

	AvailableAt    time.Time
	AttemptCount   int
	MaxAttempts    int
	ClaimedBy      string
	ClaimExpiresAt *time.Time

	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time

	ExitCode        *int
	ErrorMessage    string
	OutputVersionID string
}

func (r Run) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return errors.New("run id is required")
	}
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return errors.New("workspace id is required")
	}
	if strings.TrimSpace(r.ConfigurationID) == "" {
		return errors.New("configuration id is required")
	}
	if !r.Operation.Valid() {
		return fmt.Errorf("invalid operation %q", r.Operation)
	}
	if r.Operation == OpProcess && strings.TrimSpace(r.InputVersionID) == "" {
		return errors.New("input version id is required for PROCESS runs")
	}
	if strings.TrimSpace(string(r.Status)) == "" {
		return errors.New("status is required")
	}
	if r.MaxAttempts < 1 {
		return errors.New("max attempts must be >= 1")
	}
	if r.AttemptCount < 0 || r.AttemptCount > r.MaxAttempts {
		return fmt.Errorf("attempt count %d out of range [0,%d]", r.AttemptCount, r.MaxAttempts)
	}
	return nil
}

// EventSentinelComplete marks end-of-stream in a run's event log.
const EventSentinelComplete = "run.complete"

// EventAttemptStart delimits attempt boundaries in a run's event log so
// readers can tell events of a superseded attempt from the current one.
const EventAttemptStart = "attempt.start"

// RunEvent is one structured record in a run's append-only event log.
type RunEvent struct {
	Event     string         `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

func (e RunEvent) Validate() error {
	if strings.TrimSpace(e.Event) == "" {
		return errors.New("event name is required")
	}
	return nil
}

// MetricSample is one numeric observation reported by the executing worker,
// kept in a side table next to the run row.
type MetricSample struct {
	ID         string
	RunID      string
	Name       string
	Value      float64
	RecordedAt time.Time
}

// FieldValue is one extracted document field reported by the executing
// worker, kept in a side table next to the run row.
type FieldValue struct {
	ID         string
	RunID      string
	Name       string
	Value      string
	Column     string
	RowIndex   int64
	RecordedAt time.Time
}
