package lineageevent

import (
	"testing"
	"time"
)

func TestComputeIntegritySHA256_Deterministic(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()
	event := Event{
		OccurredAt:  occurredAt,
		Actor:       "runner-7",
		RequestID:   "req-123",
		SubjectType: SubjectDocumentVersion,
		SubjectID:   "ver-1",
		Predicate:   PredicateConsumedBy,
		ObjectType:  SubjectRun,
		ObjectID:    "run-1",
	}
	metadataJSON := []byte(`{"workspace_id":"ws-1"}`)

	a, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, metadataJSON)
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a != b {
		t.Fatalf("integrity mismatch: %q vs %q", a, b)
	}
}

func TestComputeIntegritySHA256_ChangesOnMetadata(t *testing.T) {
	occurredAt := time.Unix(1700000000, 0).UTC()
	event := Event{
		OccurredAt:  occurredAt,
		Actor:       "runner-7",
		SubjectType: SubjectRun,
		SubjectID:   "run-1",
		Predicate:   PredicateProduced,
		ObjectType:  SubjectDocumentVersion,
		ObjectID:    "out-1",
	}

	a, err := ComputeIntegritySHA256(event, []byte(`{"workspace_id":"ws-1"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	b, err := ComputeIntegritySHA256(event, []byte(`{"workspace_id":"ws-2"}`))
	if err != nil {
		t.Fatalf("ComputeIntegritySHA256() err=%v", err)
	}
	if a == b {
		t.Fatalf("expected integrity to differ")
	}
}

func TestEventValidate(t *testing.T) {
	event := Event{
		OccurredAt:  time.Unix(1700000000, 0).UTC(),
		Actor:       "runner-7",
		SubjectType: SubjectRun,
		SubjectID:   "run-1",
		Predicate:   PredicateExecuted,
		ObjectType:  SubjectConfiguration,
		ObjectID:    "cfg-1",
	}
	if err := event.Validate(); err != nil {
		t.Fatalf("valid event rejected: %v", err)
	}
	event.Predicate = " "
	if err := event.Validate(); err == nil {
		t.Fatalf("event without predicate accepted")
	}
}
