package resolver

import (
	"testing"

	"taskengine/internal/domain/task"
)

func notCompleted(int64) bool { return false }

func TestRegisterAndIsReady(t *testing.T) {
	r := New()
	r.Register(1, nil, notCompleted)
	if !r.IsReady(1) {
		t.Error("task with no dependencies should be ready immediately")
	}

	r.Register(2, []int64{1}, notCompleted)
	if r.IsReady(2) {
		t.Error("task 2 should not be ready until task 1 completes")
	}
}

func TestCompleteWakesDependents(t *testing.T) {
	r := New()
	r.Register(1, nil, notCompleted)
	r.Register(2, []int64{1}, notCompleted)
	r.Register(3, []int64{1}, notCompleted)

	woken := r.Complete(1)
	if len(woken) != 2 {
		t.Fatalf("expected 2 woken dependents, got %d", len(woken))
	}
	if !r.IsReady(2) || !r.IsReady(3) {
		t.Error("both dependents should be ready after task 1 completes")
	}
}

func TestCompleteOnlyWakesOnLastDependency(t *testing.T) {
	r := New()
	r.Register(1, nil, notCompleted)
	r.Register(2, nil, notCompleted)
	r.Register(3, []int64{1, 2}, notCompleted)

	woken := r.Complete(1)
	if len(woken) != 0 {
		t.Fatalf("task 3 still waits on task 2, should not wake yet, got %v", woken)
	}
	woken = r.Complete(2)
	if len(woken) != 1 || woken[0] != 3 {
		t.Fatalf("expected task 3 to wake once all deps complete, got %v", woken)
	}
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	r := New()
	r.Register(1, nil, notCompleted)
	r.Register(2, []int64{1}, notCompleted)

	err := r.AddDependency(1, 2)
	if err != task.ErrCyclicDependency {
		t.Fatalf("expected ErrCyclicDependency, got %v", err)
	}
	if r.Remaining(1) != 0 {
		t.Error("failed AddDependency must leave the graph unchanged")
	}
}

func TestAddDependencyAcceptsDAGEdge(t *testing.T) {
	r := New()
	r.Register(1, nil, notCompleted)
	r.Register(2, nil, notCompleted)

	if err := r.AddDependency(2, 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if r.IsReady(2) {
		t.Error("task 2 should now be blocked on task 1")
	}
}

func TestRegisterWithAlreadyCompletedDependency(t *testing.T) {
	r := New()
	completed := func(id int64) bool { return id == 1 }
	r.Register(2, []int64{1}, completed)
	if !r.IsReady(2) {
		t.Error("task 2 should be ready immediately if its dependency was already completed")
	}
}
