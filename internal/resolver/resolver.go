// Package resolver tracks the in-memory dependency graph the task
// loop uses to decide, in O(deg), whether a task is ready and which
// dependents wake up when it completes (§4.2). The store remains the
// durable source of truth; a Resolver is a derived view, not persisted
// itself. It is not rebuilt from the store at startup: the CLI creates
// it empty and registers no tasks, so it tracks only tasks passed to
// Register in this process, and the task loop's dispatch readiness
// comes from the store's ListReadyTasks query.
package resolver

import (
	"sync"

	"taskengine/internal/domain/task"
)

// Resolver maintains an adjacency map (task -> prerequisites) and its
// reverse (prerequisite -> dependents) so that completing one task can
// wake every blocked dependent without a full table scan.
type Resolver struct {
	mu sync.Mutex

	dependsOn  map[int64][]int64
	dependents map[int64][]int64
	remaining  map[int64]int
	completed  map[int64]bool
	known      map[int64]bool
}

// New returns an empty Resolver.
func New() *Resolver {
	return &Resolver{
		dependsOn:  make(map[int64][]int64),
		dependents: make(map[int64][]int64),
		remaining:  make(map[int64]int),
		completed:  make(map[int64]bool),
		known:      make(map[int64]bool),
	}
}

// Register adds taskID to the graph with the given prerequisite ids.
// isCompleted reports whether a given prerequisite has already reached
// the completed state (so Register can be used to rebuild the graph
// from a store snapshot at startup, not just for brand-new tasks).
//
// A freshly registered task can never close a cycle: nothing could
// already depend on an id that didn't exist in the graph before this
// call, so no cycle check runs here. AddDependency is where that
// matters.
func (r *Resolver) Register(taskID int64, dependencies []int64, isCompleted func(int64) bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.known[taskID] = true
	unmet := 0
	for _, dep := range dependencies {
		r.dependsOn[taskID] = append(r.dependsOn[taskID], dep)
		r.dependents[dep] = append(r.dependents[dep], taskID)
		if isCompleted(dep) {
			continue
		}
		unmet++
	}
	r.remaining[taskID] = unmet
}

// MarkCompleted records a prerequisite as already satisfied without
// requiring it to go through Complete (used while rebuilding from a
// store snapshot where the task finished before this process started).
func (r *Resolver) MarkCompleted(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed[taskID] = true
}

// AddDependency adds an edge after checking it would not close a
// cycle: dependsOnID must not already (transitively) depend on
// taskID. Mirrors the store's own cycle check so the in-memory view
// and the durable graph never disagree.
func (r *Resolver) AddDependency(taskID, dependsOnID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.reachesLocked(dependsOnID, taskID, map[int64]bool{}) {
		return task.ErrCyclicDependency
	}

	r.dependsOn[taskID] = append(r.dependsOn[taskID], dependsOnID)
	r.dependents[dependsOnID] = append(r.dependents[dependsOnID], taskID)
	if !r.completed[dependsOnID] {
		r.remaining[taskID]++
	}
	return nil
}

func (r *Resolver) reachesLocked(from, target int64, visited map[int64]bool) bool {
	if from == target {
		return true
	}
	if visited[from] {
		return false
	}
	visited[from] = true
	for _, dep := range r.dependsOn[from] {
		if r.reachesLocked(dep, target, visited) {
			return true
		}
	}
	return false
}

// Complete marks taskID completed and returns every dependent whose
// remaining unmet-dependency count just dropped to zero.
func (r *Resolver) Complete(taskID int64) []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.completed[taskID] = true
	var woken []int64
	for _, dependent := range r.dependents[taskID] {
		if r.remaining[dependent] <= 0 {
			continue
		}
		r.remaining[dependent]--
		if r.remaining[dependent] == 0 {
			woken = append(woken, dependent)
		}
	}
	return woken
}

// IsReady reports whether every prerequisite of taskID has completed.
func (r *Resolver) IsReady(taskID int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining[taskID] == 0
}

// Remaining returns the number of unmet prerequisites for taskID.
func (r *Resolver) Remaining(taskID int64) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remaining[taskID]
}

// Forget removes a task from the graph once it reaches a terminal
// state and no longer needs tracking (cancelled/error tasks whose
// dependents remain blocked per invariant 3 of §8, so their own entry
// can be dropped to bound memory).
func (r *Resolver) Forget(taskID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.known, taskID)
	delete(r.remaining, taskID)
	delete(r.dependsOn, taskID)
}
