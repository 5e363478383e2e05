package executor

import (
	"context"
	"fmt"
	"os"
	"strings"

	"taskengine/internal/dispatcher"
	"taskengine/internal/domain/task"
	"taskengine/internal/textgen"
)

// reviewTaskSource fetches a task's final state, used to pull a
// dependency's artifact into the review prompt.
type reviewTaskSource interface {
	GetTask(ctx context.Context, id int64) (*task.Task, error)
}

// ReviewExecutor satisfies the review kind: it reads the artifacts
// produced by the task's dependencies (typically a code task) and asks
// the text-generation service to critique them against the task's own
// description.
type ReviewExecutor struct {
	Client textgen.Client
	Model  string
	Store  reviewTaskSource
}

func (e *ReviewExecutor) Execute(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error) {
	var b strings.Builder
	b.WriteString("Review the following against this goal: ")
	b.WriteString(t.Payload.Description)

	for _, depID := range t.Dependencies {
		dep, err := e.Store.GetTask(ctx, depID)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("\n\n--- task %d (%s) ---\n", dep.ID, dep.Kind))
		if dep.ArtifactPath != "" {
			if content, err := os.ReadFile(dep.ArtifactPath); err == nil {
				b.Write(content)
				continue
			}
		}
		b.WriteString(dep.ResultSummary)
	}

	resp, err := e.Client.Generate(ctx, textgen.Request{Model: e.Model, Prompt: b.String()})
	if err != nil {
		return dispatcher.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	return dispatcher.ExecutionResult{Success: true, ResultText: resp.Response}, nil
}
