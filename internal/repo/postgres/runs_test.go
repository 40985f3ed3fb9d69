package postgres

import (
	"strings"
	"testing"
)

func TestClaimQueryIsExclusive(t *testing.T) {
	if !strings.Contains(claimRunQuery, "FOR UPDATE SKIP LOCKED") {
		t.Fatalf("expected row-locking claim query")
	}
	if !strings.Contains(claimRunQuery, "attempt_count = attempt_count + 1") {
		t.Fatalf("expected claim to increment attempt count")
	}
	if !strings.Contains(claimRunQuery, "attempt_count < max_attempts") {
		t.Fatalf("expected claim to respect the attempt budget")
	}
	if !strings.Contains(claimRunQuery, "ORDER BY available_at ASC, created_at ASC") {
		t.Fatalf("expected FIFO ordering with respect to availability")
	}
}

func TestCompletionQueriesGuardLease(t *testing.T) {
	for name, query := range map[string]string{
		"success": completeSuccessQuery,
		"failure": completeFailureQuery,
	} {
		if !strings.Contains(query, "status = 'RUNNING'") {
			t.Fatalf("%s completion must require RUNNING", name)
		}
		if !strings.Contains(query, "claimed_by = $2") {
			t.Fatalf("%s completion must check the claiming worker", name)
		}
		if !strings.Contains(query, "claim_expires_at > $5") {
			t.Fatalf("%s completion must require an unexpired lease", name)
		}
	}
}

func TestCancelQueryIsStateGuarded(t *testing.T) {
	if !strings.Contains(cancelRunQuery, "status IN ('QUEUED','RUNNING')") {
		t.Fatalf("cancel must only apply to non-terminal runs")
	}
	if !strings.Contains(cancelRunQuery, "claimed_by = NULL") {
		t.Fatalf("cancel must clear the claim")
	}
}

func TestRequeueQueryIsExactlyOnce(t *testing.T) {
	if !strings.Contains(requeueRunQuery, "claim_expires_at <= $2") {
		t.Fatalf("requeue must be guarded by the observed expiry")
	}
	if !strings.Contains(requeueRunQuery, "status = 'RUNNING'") {
		t.Fatalf("requeue must only touch RUNNING rows")
	}
	if strings.Contains(requeueRunQuery, "attempt_count") {
		t.Fatalf("requeue must not change the attempt count")
	}
}

func TestForceFailQueryRequiresExhaustedBudget(t *testing.T) {
	if !strings.Contains(forceFailRunQuery, "attempt_count >= max_attempts") {
		t.Fatalf("force fail must require an exhausted attempt budget")
	}
}

func TestFindActiveRunQueryFiltersNonTerminal(t *testing.T) {
	if !strings.Contains(findActiveRunQuery, "status IN ('QUEUED','RUNNING')") {
		t.Fatalf("active-run lookup must exclude terminal statuses")
	}
}
