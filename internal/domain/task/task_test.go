package task

import (
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, true},
		{StatusCompleted, StatusRunning, false},
		{StatusError, StatusPending, false},
		{StatusCancelled, StatusRunning, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestStatusIsTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusError, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPending, StatusRunning}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestKindIsValid(t *testing.T) {
	if !KindShell.IsValid() {
		t.Error("shell should be a valid kind")
	}
	if Kind("bogus").IsValid() {
		t.Error("bogus should not be a valid kind")
	}
	if len(AllKinds) != 21 {
		t.Errorf("expected 21 known kinds, got %d", len(AllKinds))
	}
}

func TestTaskIsReady(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	pending := &Task{Status: StatusPending}
	if !pending.IsReady(true, now) {
		t.Error("pending task with satisfied deps should be ready")
	}
	if pending.IsReady(false, now) {
		t.Error("pending task with unsatisfied deps should not be ready")
	}

	running := &Task{Status: StatusRunning}
	if running.IsReady(true, now) {
		t.Error("running task should never be ready")
	}

	waiting := &Task{Status: StatusPending, NextRetryAt: &future}
	if waiting.IsReady(true, now) {
		t.Error("task waiting on a future retry time should not be ready")
	}

	elapsed := &Task{Status: StatusPending, NextRetryAt: &past}
	if !elapsed.IsReady(true, now) {
		t.Error("task whose retry delay has elapsed should be ready")
	}
}

func TestApplyTransitionOptions(t *testing.T) {
	params := ApplyTransitionOptions([]TransitionOption{
		WithResultSummary("done"),
		WithArtifactPath("/tmp/out.txt"),
		WithRetryCount(2),
	})
	if params.ResultSummary == nil || *params.ResultSummary != "done" {
		t.Errorf("expected result summary 'done', got %v", params.ResultSummary)
	}
	if params.ArtifactPath == nil || *params.ArtifactPath != "/tmp/out.txt" {
		t.Errorf("expected artifact path set")
	}
	if params.RetryCountSet == nil || *params.RetryCountSet != 2 {
		t.Errorf("expected retry count set to 2")
	}
	if params.ErrorMessage != nil {
		t.Errorf("expected no error message set")
	}
}

func TestApplyTransitionOptionsClaimedBy(t *testing.T) {
	params := ApplyTransitionOptions([]TransitionOption{WithClaimedBy("worker-123")})
	if params.ClaimedBy == nil || *params.ClaimedBy != "worker-123" {
		t.Errorf("expected claimed_by set to worker-123, got %v", params.ClaimedBy)
	}
}

func TestErrInvalidTransitionMessage(t *testing.T) {
	err := &ErrInvalidTransition{TaskID: 7, From: StatusCompleted, To: StatusRunning}
	want := "task 7: cannot transition from completed to running"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
