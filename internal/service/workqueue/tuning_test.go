package workqueue

import (
	"strings"
	"testing"
	"time"
)

func TestBackoffGrowsAndCaps(t *testing.T) {
	tuning := Tuning{
		LeaseDuration: time.Minute,
		SweepInterval: time.Second,
		BackoffBase:   10 * time.Second,
		BackoffCap:    time.Minute,
		SweepBatch:    10,
	}
	if err := tuning.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 6; attempt++ {
		d := tuning.Backoff(attempt)
		if d < prev {
			t.Fatalf("backoff shrank at attempt %d: %v < %v", attempt, d, prev)
		}
		if d > tuning.BackoffCap {
			t.Fatalf("backoff exceeded cap at attempt %d: %v", attempt, d)
		}
		prev = d
	}
	if got := tuning.Backoff(1); got != 10*time.Second {
		t.Fatalf("first backoff should be the base, got %v", got)
	}
	if got := tuning.Backoff(2); got != 20*time.Second {
		t.Fatalf("second backoff should double, got %v", got)
	}
	if got := tuning.Backoff(10); got != time.Minute {
		t.Fatalf("deep attempts should hit the cap, got %v", got)
	}
	if got := tuning.Backoff(0); got != 10*time.Second {
		t.Fatalf("non-positive attempts clamp to the base, got %v", got)
	}
}

func TestParseProfileOverridesDefaults(t *testing.T) {
	doc := `
schema: docforge.queue.v1
lease_duration: 2m
backoff_base: 5s
sweep_batch: 25
`
	tuning, err := ParseProfile([]byte(doc))
	if err != nil {
		t.Fatalf("parse profile: %v", err)
	}
	if tuning.LeaseDuration != 2*time.Minute {
		t.Fatalf("lease_duration override lost: %v", tuning.LeaseDuration)
	}
	if tuning.BackoffBase != 5*time.Second {
		t.Fatalf("backoff_base override lost: %v", tuning.BackoffBase)
	}
	if tuning.SweepBatch != 25 {
		t.Fatalf("sweep_batch override lost: %d", tuning.SweepBatch)
	}
	if tuning.SweepInterval != DefaultTuning().SweepInterval {
		t.Fatalf("absent field should keep default, got %v", tuning.SweepInterval)
	}
}

func TestParseProfileRejectsBadInput(t *testing.T) {
	cases := []struct {
		name string
		doc  string
		want string
	}{
		{"wrong schema", "schema: docforge.queue.v2\n", "unsupported queue profile schema"},
		{"missing schema", "lease_duration: 2m\n", "unsupported queue profile schema"},
		{"bad duration", "schema: docforge.queue.v1\nlease_duration: soon\n", "lease_duration"},
		{"cap below base", "schema: docforge.queue.v1\nbackoff_base: 1m\nbackoff_cap: 1s\n", "backoff cap"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseProfile([]byte(tc.doc))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}
