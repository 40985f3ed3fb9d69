package domain

import "testing"

func TestRunOptionsValidateFor(t *testing.T) {
	empty := RunOptions{}
	for _, op := range []Operation{OpProcess, OpValidate, OpPublish} {
		if err := empty.ValidateFor(op); err != nil {
			t.Fatalf("empty options rejected for %s: %v", op, err)
		}
	}

	process := RunOptions{Process: &ProcessOptions{SheetNames: []string{"Sheet1"}, DryRun: true}}
	if err := process.ValidateFor(OpProcess); err != nil {
		t.Fatalf("process options rejected: %v", err)
	}
	if err := process.ValidateFor(OpPublish); err == nil {
		t.Fatalf("expected variant mismatch for PUBLISH with process options")
	}

	both := RunOptions{Process: &ProcessOptions{}, Publish: &PublishOptions{}}
	if err := both.ValidateFor(OpProcess); err == nil {
		t.Fatalf("expected rejection when two variants are set")
	}

	badChannel := RunOptions{Publish: &PublishOptions{Channel: "beta"}}
	if err := badChannel.ValidateFor(OpPublish); err == nil {
		t.Fatalf("expected rejection for unknown publish channel")
	}

	badHeader := RunOptions{Process: &ProcessOptions{HeaderRow: -1}}
	if err := badHeader.ValidateFor(OpProcess); err == nil {
		t.Fatalf("expected rejection for negative header row")
	}
}
