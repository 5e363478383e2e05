package executor

import (
	"context"
	"fmt"

	"taskengine/internal/dispatcher"
	"taskengine/internal/domain/task"
	"taskengine/internal/fsutil"
	"taskengine/internal/textgen"
)

// CodeExecutor satisfies the code kind: generates source text from the
// task's description and, when the payload names a file_path, writes
// it there so a downstream run_code task (dependent on this one) has
// something to execute.
type CodeExecutor struct {
	Client textgen.Client
	Model  string
}

func (e *CodeExecutor) Execute(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error) {
	prompt := t.Payload.Description
	if prompt == "" {
		return dispatcher.ExecutionResult{Success: false, Error: "code task has no description"}, nil
	}

	resp, err := e.Client.Generate(ctx, textgen.Request{Model: e.Model, Prompt: prompt})
	if err != nil {
		return dispatcher.ExecutionResult{Success: false, Error: err.Error()}, nil
	}

	if t.Payload.FilePath == "" {
		return dispatcher.ExecutionResult{Success: true, ResultText: resp.Response}, nil
	}

	if err := fsutil.AtomicWrite(t.Payload.FilePath, []byte(resp.Response), 0o644); err != nil {
		return dispatcher.ExecutionResult{Success: false, Error: fmt.Sprintf("write generated code: %v", err)}, nil
	}
	return dispatcher.ExecutionResult{
		Success:    true,
		ResultText: resp.Response,
		FilePath:   t.Payload.FilePath,
		OutputPath: t.Payload.FilePath,
	}, nil
}
