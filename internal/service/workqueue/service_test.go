package workqueue

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docforge-labs/docforge-go/internal/domain"
	"github.com/docforge-labs/docforge-go/internal/repo/memory"
)

type recordingLog struct {
	events []domain.RunEvent
	runIDs []string
}

func (r *recordingLog) Append(ctx context.Context, workspaceID, runID string, event domain.RunEvent) (int64, error) {
	r.events = append(r.events, event)
	r.runIDs = append(r.runIDs, runID)
	return int64(len(r.events)), nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestService(t *testing.T, tuning Tuning) (*Service, *memory.RunStore, *recordingLog, *testClock) {
	t.Helper()
	runs := memory.NewRunStore()
	log := &recordingLog{}
	svc := New(slog.New(slog.NewTextHandler(os.Stderr, nil)), runs, log, tuning)
	if svc == nil {
		t.Fatal("service construction failed")
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	svc.now = func() time.Time { return clock.now }
	return svc, runs, log, clock
}

func queueRun(t *testing.T, runs *memory.RunStore, id string, availableAt time.Time, maxAttempts int) {
	t.Helper()
	err := runs.InsertRun(context.Background(), domain.Run{
		ID:              id,
		WorkspaceID:     "ws-1",
		ConfigurationID: "cfg-" + id,
		Operation:       domain.OpProcess,
		InputVersionID:  "ver-" + id,
		Status:          domain.StatusQueued,
		AvailableAt:     availableAt,
		MaxAttempts:     maxAttempts,
		CreatedAt:       availableAt,
	})
	if err != nil {
		t.Fatalf("insert run %s: %v", id, err)
	}
}

func TestClaimTakesOldestEligibleExactlyOnce(t *testing.T) {
	svc, runs, _, clock := newTestService(t, DefaultTuning())
	queueRun(t, runs, "run-old", clock.now.Add(-2*time.Minute), 3)
	queueRun(t, runs, "run-new", clock.now.Add(-1*time.Minute), 3)

	first, err := svc.Claim(context.Background(), "worker-a")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if first == nil || first.ID != "run-old" {
		t.Fatalf("expected oldest run first, got %+v", first)
	}
	if first.Status != domain.StatusRunning || first.AttemptCount != 1 || first.ClaimedBy != "worker-a" {
		t.Fatalf("claim did not transition row: %+v", first)
	}

	second, err := svc.Claim(context.Background(), "worker-b")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if second == nil || second.ID != "run-new" {
		t.Fatalf("second claim should get the remaining run, got %+v", second)
	}

	third, err := svc.Claim(context.Background(), "worker-c")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if third != nil {
		t.Fatalf("empty queue should return nil run, got %+v", third)
	}
}

func TestClaimWritesAttemptBoundaryRecord(t *testing.T) {
	svc, runs, log, clock := newTestService(t, DefaultTuning())
	queueRun(t, runs, "run-1", clock.now.Add(-time.Minute), 3)

	run, err := svc.Claim(context.Background(), "worker-a")
	if err != nil || run == nil {
		t.Fatalf("claim: run=%v err=%v", run, err)
	}
	if len(log.events) != 1 {
		t.Fatalf("expected one boundary record, got %d", len(log.events))
	}
	if log.events[0].Event != domain.EventAttemptStart || log.runIDs[0] != "run-1" {
		t.Fatalf("unexpected boundary record: %+v for %s", log.events[0], log.runIDs[0])
	}
	if got := log.events[0].Payload["attempt"]; got != 1 {
		t.Fatalf("boundary record should carry attempt number, got %v", got)
	}
}

func TestHeartbeatExtendsOnlyTheLeaseHolder(t *testing.T) {
	svc, runs, _, clock := newTestService(t, DefaultTuning())
	queueRun(t, runs, "run-1", clock.now.Add(-time.Minute), 3)
	if _, err := svc.Claim(context.Background(), "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.advance(time.Minute)
	run, err := svc.Heartbeat(context.Background(), "run-1", "worker-a")
	if err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	wantLease := clock.now.Add(DefaultTuning().LeaseDuration)
	if run.ClaimExpiresAt == nil || !run.ClaimExpiresAt.Equal(wantLease) {
		t.Fatalf("lease not extended: %v want %v", run.ClaimExpiresAt, wantLease)
	}

	var lost *domain.LostLeaseError
	if _, err := svc.Heartbeat(context.Background(), "run-1", "worker-b"); !errors.As(err, &lost) {
		t.Fatalf("foreign worker heartbeat: expected LostLeaseError, got %v", err)
	}
	if lost.ClaimedBy != "worker-a" {
		t.Fatalf("error should name the current holder, got %q", lost.ClaimedBy)
	}
}

func TestCompleteAfterLeaseExpiryIsRejected(t *testing.T) {
	svc, runs, _, clock := newTestService(t, DefaultTuning())
	queueRun(t, runs, "run-1", clock.now.Add(-time.Minute), 3)
	if _, err := svc.Claim(context.Background(), "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.advance(DefaultTuning().LeaseDuration + time.Second)
	var lost *domain.LostLeaseError
	if _, err := svc.CompleteSuccess(context.Background(), "run-1", "worker-a", 0, "out-1"); !errors.As(err, &lost) {
		t.Fatalf("expired lease completion: expected LostLeaseError, got %v", err)
	}

	// The row is untouched; the sweeper recovers it on its own schedule.
	current, err := runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if current.Status != domain.StatusRunning {
		t.Fatalf("rejected completion must not change status, got %s", current.Status)
	}
}

func TestSweepRequeuesExpiredLeaseWithBackoff(t *testing.T) {
	tuning := DefaultTuning()
	svc, runs, _, clock := newTestService(t, tuning)
	queueRun(t, runs, "run-1", clock.now.Add(-time.Minute), 3)
	if _, err := svc.Claim(context.Background(), "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.advance(tuning.LeaseDuration + time.Second)
	requeued, failed, err := svc.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 1 || failed != 0 {
		t.Fatalf("expected one requeue, got requeued=%d failed=%d", requeued, failed)
	}

	run, err := runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.StatusQueued || run.ClaimedBy != "" || run.ClaimExpiresAt != nil {
		t.Fatalf("requeue did not clear claim: %+v", run)
	}
	if run.AttemptCount != 1 {
		t.Fatalf("requeue must not consume an attempt, got %d", run.AttemptCount)
	}
	wantAvailable := clock.now.Add(tuning.Backoff(1))
	if !run.AvailableAt.Equal(wantAvailable) {
		t.Fatalf("backoff not applied: %v want %v", run.AvailableAt, wantAvailable)
	}

	// A second pass over the same expiry is a no-op.
	requeued, failed, err = svc.SweepOnce(context.Background())
	if err != nil || requeued != 0 || failed != 0 {
		t.Fatalf("second sweep should be idle: requeued=%d failed=%d err=%v", requeued, failed, err)
	}

	// Before the backoff elapses the run is not claimable.
	if run, err := svc.Claim(context.Background(), "worker-b"); err != nil || run != nil {
		t.Fatalf("run claimed before backoff elapsed: run=%v err=%v", run, err)
	}
	clock.advance(tuning.Backoff(1) + time.Second)
	reclaimed, err := svc.Claim(context.Background(), "worker-b")
	if err != nil || reclaimed == nil {
		t.Fatalf("reclaim after backoff: run=%v err=%v", reclaimed, err)
	}
	if reclaimed.AttemptCount != 2 {
		t.Fatalf("second claim should be attempt 2, got %d", reclaimed.AttemptCount)
	}
}

func TestSweepForceFailsExhaustedBudget(t *testing.T) {
	tuning := DefaultTuning()
	svc, runs, _, clock := newTestService(t, tuning)
	queueRun(t, runs, "run-1", clock.now.Add(-time.Minute), 1)
	if _, err := svc.Claim(context.Background(), "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.advance(tuning.LeaseDuration + time.Second)
	requeued, failed, err := svc.SweepOnce(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if requeued != 0 || failed != 1 {
		t.Fatalf("expected force-fail, got requeued=%d failed=%d", requeued, failed)
	}

	run, err := runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.StatusFailed {
		t.Fatalf("exhausted run should be FAILED, got %s", run.Status)
	}
	if run.ErrorMessage != domain.RetryBudgetExceededMessage {
		t.Fatalf("unexpected error message %q", run.ErrorMessage)
	}
	if run.CompletedAt == nil {
		t.Fatal("force-failed run should carry a completion timestamp")
	}
}

func TestStaleWorkerCannotFinishAfterReclaim(t *testing.T) {
	tuning := DefaultTuning()
	svc, runs, _, clock := newTestService(t, tuning)
	queueRun(t, runs, "run-1", clock.now.Add(-time.Minute), 3)
	if _, err := svc.Claim(context.Background(), "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}

	clock.advance(tuning.LeaseDuration + time.Second)
	if _, _, err := svc.SweepOnce(context.Background()); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	clock.advance(tuning.Backoff(1) + time.Second)
	if _, err := svc.Claim(context.Background(), "worker-b"); err != nil {
		t.Fatalf("reclaim: %v", err)
	}

	var lost *domain.LostLeaseError
	if _, err := svc.CompleteSuccess(context.Background(), "run-1", "worker-a", 0, "out-old"); !errors.As(err, &lost) {
		t.Fatalf("stale worker completion: expected LostLeaseError, got %v", err)
	}
	if lost.ClaimedBy != "worker-b" {
		t.Fatalf("error should name the new holder, got %q", lost.ClaimedBy)
	}

	run, err := svc.CompleteSuccess(context.Background(), "run-1", "worker-b", 0, "out-new")
	if err != nil {
		t.Fatalf("current holder completion: %v", err)
	}
	if run.Status != domain.StatusSucceeded || run.OutputVersionID != "out-new" {
		t.Fatalf("unexpected final row: %+v", run)
	}
}

func TestCancelledRunRejectsWorkerOutcome(t *testing.T) {
	svc, runs, _, clock := newTestService(t, DefaultTuning())
	queueRun(t, runs, "run-1", clock.now.Add(-time.Minute), 3)
	if _, err := svc.Claim(context.Background(), "worker-a"); err != nil {
		t.Fatalf("claim: %v", err)
	}
	if _, ok, err := runs.Cancel(context.Background(), "run-1", clock.now); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}

	var lost *domain.LostLeaseError
	if _, err := svc.CompleteFailure(context.Background(), "run-1", "worker-a", 1, "late failure"); !errors.As(err, &lost) {
		t.Fatalf("completion after cancel: expected LostLeaseError, got %v", err)
	}
	run, err := runs.GetRun(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if run.Status != domain.StatusCancelled || run.ErrorMessage != domain.CancelledMessage {
		t.Fatalf("cancelled row must stand: %+v", run)
	}
}
