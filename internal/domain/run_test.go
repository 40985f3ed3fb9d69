package domain

import (
	"testing"
	"time"
)

func validRun() Run {
	return Run{
		ID:              "run-1",
		WorkspaceID:     "ws-1",
		ConfigurationID: "cfg-1",
		Operation:       OpProcess,
		InputVersionID:  "ver-1",
		Status:          StatusQueued,
		AvailableAt:     time.Now().UTC(),
		MaxAttempts:     3,
	}
}

func TestRunValidate(t *testing.T) {
	if err := validRun().Validate(); err != nil {
		t.Fatalf("valid run rejected: %v", err)
	}

	missingInput := validRun()
	missingInput.InputVersionID = ""
	if err := missingInput.Validate(); err == nil {
		t.Fatalf("expected error for PROCESS run without input version")
	}

	validateRun := validRun()
	validateRun.Operation = OpValidate
	validateRun.InputVersionID = ""
	if err := validateRun.Validate(); err != nil {
		t.Fatalf("VALIDATE run should not require input version: %v", err)
	}

	badAttempts := validRun()
	badAttempts.AttemptCount = 4
	if err := badAttempts.Validate(); err == nil {
		t.Fatalf("expected error when attempt count exceeds max attempts")
	}

	badOp := validRun()
	badOp.Operation = Operation("EXPORT")
	if err := badOp.Validate(); err == nil {
		t.Fatalf("expected error for unknown operation")
	}
}

func TestStatusTerminal(t *testing.T) {
	for _, s := range []Status{StatusSucceeded, StatusFailed, StatusCancelled} {
		if !s.Terminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusRunning} {
		if s.Terminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestNormalizeStatusAndOperation(t *testing.T) {
	if NormalizeStatus(" queued ") != StatusQueued {
		t.Fatalf("expected normalized QUEUED")
	}
	if NormalizeOperation("process") != OpProcess {
		t.Fatalf("expected normalized PROCESS")
	}
}
