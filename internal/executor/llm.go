package executor

import (
	"context"

	"taskengine/internal/dispatcher"
	"taskengine/internal/domain/task"
	"taskengine/internal/textgen"
)

// LLMExecutor satisfies the llm kind: a single goal/prompt passed
// straight through to the text-generation service (§6).
type LLMExecutor struct {
	Client textgen.Client
	Model  string
}

func (e *LLMExecutor) Execute(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error) {
	prompt := t.Payload.Description
	if prompt == "" {
		return dispatcher.ExecutionResult{Success: false, Error: "llm task has no description"}, nil
	}

	resp, err := e.Client.Generate(ctx, textgen.Request{Model: e.Model, Prompt: prompt})
	if err != nil {
		return dispatcher.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	return dispatcher.ExecutionResult{Success: true, ResultText: resp.Response}, nil
}
