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

// ToolFunc performs one named tool invocation, mirroring the teacher's
// tools.ToolExecutor.Execute shape narrowed to this engine's plain
// args-in/text-out contract (no approval/SLA wrapping layers — those
// are agent-conversation concerns this engine's closed tool set
// doesn't need).
type ToolFunc func(ctx context.Context, args map[string]any) (string, error)

// ToolExecutor satisfies the tool kind, dispatching to a named
// function from a small registry (§6: tool + args). Unknown tool names
// are a permanent, non-retryable failure.
type ToolExecutor struct {
	mu    sync.RWMutex
	tools map[string]ToolFunc
}

// NewToolExecutor returns a ToolExecutor with no tools registered.
func NewToolExecutor() *ToolExecutor {
	return &ToolExecutor{tools: make(map[string]ToolFunc)}
}

// Register adds or replaces the function behind name.
func (e *ToolExecutor) Register(name string, fn ToolFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tools[name] = fn
}

// Names returns the registered tool names, sorted.
func (e *ToolExecutor) Names() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.tools))
	for name := range e.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *ToolExecutor) Execute(ctx context.Context, t *task.Task) (dispatcher.ExecutionResult, error) {
	name := strings.TrimSpace(t.Payload.Tool)
	if name == "" {
		return dispatcher.ExecutionResult{Success: false, Error: "tool task has no tool name"}, nil
	}

	e.mu.RLock()
	fn, ok := e.tools[name]
	e.mu.RUnlock()
	if !ok {
		return dispatcher.ExecutionResult{Success: false, Error: fmt.Sprintf("unregistered tool: %s", name)}, nil
	}

	text, err := fn(ctx, t.Payload.Args)
	if err != nil {
		return dispatcher.ExecutionResult{Success: false, Error: err.Error()}, nil
	}
	return dispatcher.ExecutionResult{Success: true, ResultText: text}, nil
}
