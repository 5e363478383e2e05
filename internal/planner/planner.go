// Package planner implements the planner subtask expansion described
// in §4.6: call an external LLM with the goal and up to N similar
// prior completed tasks, parse the structured subtask list it returns,
// and materialize it into the store under the planner task as parent.
//
// Unlike most other executors, Expand performs its own store
// transaction (subtask insert + PlannerResult + marking the planner
// task completed) rather than leaving the final status transition to
// the task loop. That resolves the dangling-open-question in spec.md
// §9: "several source executors create follow-up tasks outside the
// original transaction, risking orphans on crash" — here the follow-up
// insert and the parent's completion happen atomically. The task
// loop's own post-dispatch transition is a no-op in this case (it
// finds the task already terminal) rather than a second write.
package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"taskengine/internal/domain/task"
	"taskengine/internal/logging"
	"taskengine/internal/textgen"
)

// SimilarTask is one hit from the vector-similarity collaborator.
type SimilarTask struct {
	TaskID     int64
	Similarity float64
}

// VectorIndex retrieves prior completed tasks whose description is
// similar to a goal (§4.6 step 1's "find_similar" contract). Failure
// is non-fatal to the planner (§6): Expand proceeds without context.
type VectorIndex interface {
	FindSimilar(ctx context.Context, description string, k int) ([]SimilarTask, error)
}

// descriptionLookup fetches a task's description for the similarity
// prompt context. Satisfied by task.Store.GetTask.
type descriptionLookup interface {
	GetTask(ctx context.Context, id int64) (*task.Task, error)
}

// Store is the subset of task.Store the planner needs.
type Store interface {
	descriptionLookup
	InsertSubtasks(ctx context.Context, parentID int64, templates []task.SubtaskTemplate) ([]int64, error)
	InsertPlannerResult(ctx context.Context, result task.PlannerResult) (*task.PlannerResult, error)
	UpdateTaskStatus(ctx context.Context, id int64, expectedStatus, newStatus task.Status, opts ...task.TransitionOption) error
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// ContextSize is how many similar prior tasks to request (§4.6's "up
// to N").
const ContextSize = 5

// subtaskDescriptor is one entry of the LLM's structured response
// (§4.6: "kind + description + optional args/generator/dependencies").
type subtaskDescriptor struct {
	Kind         string         `json:"kind"`
	Description  string         `json:"description"`
	Args         map[string]any `json:"args,omitempty"`
	Generator    string         `json:"generator,omitempty"`
	Dependencies []int          `json:"dependencies,omitempty"`
	MaxRetries   *int           `json:"max_retries,omitempty"`
}

// envelope accepts either a bare JSON array of descriptors or one
// wrapped in a {"subtasks": [...]} object, since LLMs reliably produce
// either shape depending on prompting.
type envelope struct {
	Subtasks []subtaskDescriptor `json:"subtasks"`
}

// Expander performs planner expansion (§4.6).
type Expander struct {
	store   Store
	llm     textgen.Client
	index   VectorIndex
	model   string
	log     logging.Logger
}

// New returns an Expander. index may be nil, in which case Expand
// proceeds without similarity context (§6).
func New(store Store, llm textgen.Client, index VectorIndex, model string, log logging.Logger) *Expander {
	return &Expander{store: store, llm: llm, index: index, model: model, log: logging.OrNop(log)}
}

// Result is what Expand reports back to its caller (the planner
// executor), mirroring the dispatcher's ExecutionResult shape without
// importing the dispatcher package.
type Result struct {
	Success    bool
	SubtaskIDs []int64
	RawResponse string
	Error      string
}

// Expand runs the full §4.6 sequence for plannerTask.
func (e *Expander) Expand(ctx context.Context, plannerTask *task.Task) Result {
	goal := strings.TrimSpace(plannerTask.Payload.Description)
	if goal == "" {
		return Result{Error: "planner task has no goal description"}
	}

	contextIDs, prompt := e.buildPrompt(ctx, goal)

	resp, err := e.llm.Generate(ctx, textgen.Request{Model: e.model, Prompt: prompt, Stream: false})
	if err != nil {
		return Result{Error: fmt.Sprintf("planner LLM call failed: %v", err)}
	}

	descriptors, err := parseDescriptors(resp.Response)
	if err != nil {
		return Result{Error: fmt.Sprintf("planner response parse failure: %v", err)}
	}

	templates := make([]task.SubtaskTemplate, 0, len(descriptors))
	for i, d := range descriptors {
		kind := task.Kind(strings.TrimSpace(d.Kind))
		if !kind.IsValid() {
			return Result{Error: fmt.Sprintf("planner response parse failure: subtask %d has unknown kind %q", i, d.Kind)}
		}
		var deps []int
		if d.Dependencies != nil {
			deps = make([]int, len(d.Dependencies))
			copy(deps, d.Dependencies)
		}
		templates = append(templates, task.SubtaskTemplate{
			Kind:         kind,
			Description:  d.Description,
			Payload:      task.Payload{Description: d.Description, Args: d.Args, Generator: d.Generator},
			Dependencies: deps,
			MaxRetries:   d.MaxRetries,
		})
	}

	var subtaskIDs []int64
	txErr := e.store.RunInTransaction(ctx, func(ctx context.Context) error {
		ids, err := e.store.InsertSubtasks(ctx, plannerTask.ID, templates)
		if err != nil {
			return fmt.Errorf("insert subtasks: %w", err)
		}
		subtaskIDs = ids

		if _, err := e.store.InsertPlannerResult(ctx, task.PlannerResult{
			TaskID:         plannerTask.ID,
			Goal:           goal,
			Model:          e.model,
			ContextTaskIDs: contextIDs,
			SubtaskCount:   len(ids),
		}); err != nil {
			return fmt.Errorf("insert planner result: %w", err)
		}

		summary := resp.Response
		if err := e.store.UpdateTaskStatus(ctx, plannerTask.ID, task.StatusRunning, task.StatusCompleted,
			task.WithResultSummary(summary), task.WithRetryCleared()); err != nil {
			return fmt.Errorf("mark planner task completed: %w", err)
		}
		return nil
	})
	if txErr != nil {
		return Result{Error: txErr.Error()}
	}

	return Result{Success: true, SubtaskIDs: subtaskIDs, RawResponse: resp.Response}
}

// buildPrompt assembles the goal plus up to ContextSize similar prior
// completed tasks (§4.6 step (b)). A failing or nil index degrades
// gracefully to a goal-only prompt.
func (e *Expander) buildPrompt(ctx context.Context, goal string) ([]int64, string) {
	var b strings.Builder
	b.WriteString("Decompose the following goal into a JSON array of subtasks. ")
	b.WriteString(`Each subtask is an object with "kind", "description", and optional "args", "generator", "dependencies" (indices into this array). `)
	b.WriteString("Respond with JSON only.\n\nGoal: ")
	b.WriteString(goal)

	if e.index == nil {
		return nil, b.String()
	}
	similar, err := e.index.FindSimilar(ctx, goal, ContextSize)
	if err != nil {
		e.log.Warn("planner: vector similarity lookup failed, proceeding without context: %v", err)
		return nil, b.String()
	}
	if len(similar) == 0 {
		return nil, b.String()
	}

	var ids []int64
	b.WriteString("\n\nSimilar prior tasks:\n")
	for _, s := range similar {
		ids = append(ids, s.TaskID)
		prior, err := e.store.GetTask(ctx, s.TaskID)
		if err != nil {
			continue
		}
		b.WriteString(fmt.Sprintf("- (similarity %.2f) %s\n", s.Similarity, prior.Payload.Description))
	}
	return ids, b.String()
}

// parseDescriptors extracts the subtask list from raw, tolerating a
// fenced-code-block wrapper (```json ... ```) the way LLMs commonly
// produce one even when told to respond with JSON only.
func parseDescriptors(raw string) ([]subtaskDescriptor, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if trimmed == "" {
		return nil, fmt.Errorf("empty response")
	}

	var list []subtaskDescriptor
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil {
		return list, nil
	}

	var env envelope
	if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
		return nil, fmt.Errorf("not a subtask array or {subtasks:[...]} object: %w", err)
	}
	if env.Subtasks == nil {
		return nil, fmt.Errorf("missing subtasks field")
	}
	return env.Subtasks, nil
}
