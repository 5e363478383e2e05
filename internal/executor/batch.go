package executor

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"taskengine/internal/dispatcher"
	"taskengine/internal/domain/task"
)

// GeneratorFunc enumerates a batch task's subtasks dynamically (§4.7
// "Generator" mode), e.g. one subtask per file in a directory.
type GeneratorFunc func(ctx context.Context, t *task.Task) ([]task.SubtaskTemplate, error)

// BatchStore is the subset of task.Store the batch executor needs. It
// performs its own transactional insert-and-complete for the same
// reason the planner does (§9: follow-ups must land in the same
// transaction that completes the parent).
type BatchStore interface {
	InsertSubtasks(ctx context.Context, parentID int64, templates []task.SubtaskTemplate) ([]int64, error)
	UpdateTaskStatus(ctx context.Context, id int64, expectedStatus, newStatus task.Status, opts ...task.TransitionOption) error
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// BatchExecutor satisfies the batch kind (§4.7): static subtask list or
// named generator, both inserted in one transaction.
type BatchExecutor struct {
	Store BatchStore

	mu         sync.RWMutex
	generators map[string]GeneratorFunc
}

// NewBatchExecutor returns a BatchExecutor with the given store and no
// generators registered.
func NewBatchExecutor(store BatchStore) *BatchExecutor {
	return &BatchExecutor{Store: store, generators: make(map[string]GeneratorFunc)}
}

// RegisterGenerator adds or replaces the generator behind name.
func (e *BatchExecutor) RegisterGenerator(name string, fn GeneratorFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.generators[name] = fn
}

// GeneratorNames returns the registered generator names, sorted.
func (e *BatchExecutor) GeneratorNames() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.generators))
	for name := range e.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *BatchExecutor) Execute(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error) {
	var (
		templates []task.SubtaskTemplate
		err       error
	)

	switch {
	case len(t.Payload.Subtasks) > 0:
		templates = t.Payload.Subtasks
	case strings.TrimSpace(t.Payload.Generator) != "":
		name := strings.TrimSpace(t.Payload.Generator)
		e.mu.RLock()
		gen, ok := e.generators[name]
		e.mu.RUnlock()
		if !ok {
			return dispatcher.ExecutionResult{Success: false, Error: fmt.Sprintf("unregistered batch generator: %s", name)}, nil
		}
		templates, err = gen(ctx, t)
		if err != nil {
			return dispatcher.ExecutionResult{Success: false, Error: fmt.Sprintf("batch generator %s failed: %v", name, err)}, nil
		}
	default:
		return dispatcher.ExecutionResult{Success: false, Error: "batch task has neither subtasks nor generator"}, nil
	}

	var subtaskIDs []int64
	txErr := e.Store.RunInTransaction(ctx, func(ctx context.Context) error {
		ids, err := e.Store.InsertSubtasks(ctx, t.ID, templates)
		if err != nil {
			return fmt.Errorf("insert subtasks: %w", err)
		}
		subtaskIDs = ids
		if err := e.Store.UpdateTaskStatus(ctx, t.ID, task.StatusRunning, task.StatusCompleted,
			task.WithResultSummary(fmt.Sprintf("expanded into %d subtasks", len(ids))), task.WithRetryCleared()); err != nil {
			return fmt.Errorf("mark batch task completed: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return dispatcher.ExecutionResult{Success: false, Error: txErr.Error()}, nil
	}

	return dispatcher.ExecutionResult{Success: true, SubtaskIDs: subtaskIDs}, nil
}
