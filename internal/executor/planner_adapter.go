package executor

import (
	"context"

	"taskengine/internal/dispatcher"
	"taskengine/internal/domain/task"
	"taskengine/internal/planner"
)

// PlannerExecutor adapts planner.Expander to the dispatcher.Executor
// contract for the planner kind.
type PlannerExecutor struct {
	Expander *planner.Expander
}

func (e *PlannerExecutor) Execute(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error) {
	result := e.Expander.Expand(ctx, t)
	if !result.Success {
		return dispatcher.ExecutionResult{Success: false, Error: result.Error}, nil
	}
	return dispatcher.ExecutionResult{
		Success:    true,
		SubtaskIDs: result.SubtaskIDs,
		ResultText: result.RawResponse,
	}, nil
}
