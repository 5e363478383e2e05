// Package task defines the task domain model and the persistent store
// port the rest of the engine depends on. The status state machine and
// the locked CAS-style transition guard are adapted from the teacher's
// internal/domain/workflow.Node: a single mutex-guarded transition
// function that only allows a fixed set of from→to edges, rejecting
// everything else rather than silently clamping state.
package task

import (
	"context"
	"fmt"
	"time"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether the status is a final state.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether moving from `from` to `to` is a legal
// edge in the task state machine (§4.8). A failed task that still has
// retry budget re-enters pending from running; that is the one
// non-obvious back edge.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		switch to {
		case StatusCompleted, StatusError, StatusCancelled, StatusPending:
			return true
		}
		return false
	default:
		return false
	}
}

// Kind is the closed set of task kinds the dispatcher knows how to
// route. New kinds require a code change, not configuration.
type Kind string

const (
	KindShell             Kind = "shell"
	KindLLM               Kind = "llm"
	KindPlanner           Kind = "planner"
	KindCode              Kind = "code"
	KindReview            Kind = "review"
	KindRunCode           Kind = "run_code"
	KindBatch             Kind = "batch"
	KindTool              Kind = "tool"
	KindYoutube           Kind = "youtube"
	KindMediaIngest       Kind = "media_ingest"
	KindMediaOrganize     Kind = "media_organize"
	KindMediaTranscribe   Kind = "media_transcribe"
	KindMediaTag          Kind = "media_tag"
	KindIndexMeili        Kind = "index_meili"
	KindIndexChroma       Kind = "index_chroma"
	KindMediaSummarize    Kind = "media_summarize"
	KindMediaRecommend    Kind = "media_recommend"
	KindVideoSceneDetect  Kind = "video_scene_detect"
	KindVideoObjectDetect Kind = "video_object_detect"
	KindAudioAnalyze      Kind = "audio_analyze"
	KindMediaDownload     Kind = "media_download"
)

// AllKinds lists every known kind, used to seed default retry policies.
var AllKinds = []Kind{
	KindShell, KindLLM, KindPlanner, KindCode, KindReview, KindRunCode,
	KindBatch, KindTool, KindYoutube, KindMediaIngest, KindMediaOrganize,
	KindMediaTranscribe, KindMediaTag, KindIndexMeili, KindIndexChroma,
	KindMediaSummarize, KindMediaRecommend, KindVideoSceneDetect,
	KindVideoObjectDetect, KindAudioAnalyze, KindMediaDownload,
}

// IsValid reports whether k is one of the known kinds.
func (k Kind) IsValid() bool {
	for _, known := range AllKinds {
		if known == k {
			return true
		}
	}
	return false
}

// BackoffStrategy selects how RetryPolicy delays grow between attempts.
type BackoffStrategy string

const (
	BackoffExponential BackoffStrategy = "exponential"
	BackoffLinear      BackoffStrategy = "linear"
	BackoffFixed       BackoffStrategy = "fixed"
)

// OverlapPolicy controls what the scheduler does when a prior instance
// of a template is still active at the next due tick.
type OverlapPolicy string

const (
	OverlapSkip    OverlapPolicy = "skip"
	OverlapQueue   OverlapPolicy = "queue"
	OverlapReplace OverlapPolicy = "replace"
)

// Payload carries the kind-specific, free-form fields a task needs.
// Only the fields relevant to Kind are populated; the rest stay zero.
// Unrecognized keys round-trip through Extra.
type Payload struct {
	ShellCommand string            `json:"shell_command,omitempty"`
	Description  string            `json:"description,omitempty"`
	Tool         string            `json:"tool,omitempty"`
	Args         map[string]any    `json:"args,omitempty"`
	Generator    string            `json:"generator,omitempty"`
	FilePath     string            `json:"file_path,omitempty"`
	URL          string            `json:"url,omitempty"`
	MediaID      string            `json:"media_id,omitempty"`
	Style        string            `json:"style,omitempty"`
	Subtasks     []SubtaskTemplate `json:"subtasks,omitempty"`
	Extra        map[string]any    `json:"extra,omitempty"`
}

// SubtaskTemplate is one entry of a batch task's static subtask list,
// or one descriptor parsed from a planner response (§4.6, §4.7).
type SubtaskTemplate struct {
	Kind         Kind     `json:"kind"`
	Description  string   `json:"description,omitempty"`
	Payload      Payload  `json:"payload,omitempty"`
	Dependencies []int    `json:"dependencies,omitempty"` // indices into the sibling list
	MaxRetries   *int     `json:"max_retries,omitempty"`
}

// Task is the central entity: a persistent unit of work moving through
// the lifecycle described by Status.
type Task struct {
	ID         int64
	Kind       Kind
	Status     Status
	ParentID   *int64
	ScheduleID *int64
	TemplateID *int64
	IsTemplate bool

	Dependencies []int64

	Payload Payload

	ResultSummary string
	ArtifactPath  string
	ErrorMessage  string

	RetryCount     int
	MaxRetries     int
	RetryPolicyID  *int64
	NextRetryAt    *time.Time
	LastRetryError string

	// ClaimedBy is the lease ID (a UUID) of the task loop worker
	// currently holding this task in StatusRunning, cleared on every
	// terminal or re-queued transition. It is observability only: the
	// CAS transition itself, not this column, is what prevents two
	// workers from both believing they claimed the task.
	ClaimedBy string

	CreatedAt  time.Time
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// IsReady reports whether t is eligible for dispatch (invariant 3),
// given the completion status of its dependencies and the current
// time. The store/resolver supply depsCompleted after checking the
// dependency graph; this function only applies the status/time half of
// the rule so it can be unit tested without a store.
func (t *Task) IsReady(depsCompleted bool, now time.Time) bool {
	if t.Status != StatusPending {
		return false
	}
	if !depsCompleted {
		return false
	}
	if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
		return false
	}
	return true
}

// TransitionParams holds optional fields applied alongside a status
// change. Populated by TransitionOption functions, mirroring the
// teacher's task.TransitionOption pattern.
type TransitionParams struct {
	ResultSummary  *string
	ArtifactPath   *string
	ErrorMessage   *string
	NextRetryAt    *time.Time
	ClearRetryAt   bool
	LastRetryError *string
	RetryCountSet  *int
	ClaimedBy      *string
}

// TransitionOption customizes a status-change call.
type TransitionOption func(*TransitionParams)

func WithResultSummary(summary string) TransitionOption {
	return func(p *TransitionParams) { p.ResultSummary = &summary }
}

func WithArtifactPath(path string) TransitionOption {
	return func(p *TransitionParams) { p.ArtifactPath = &path }
}

func WithErrorMessage(msg string) TransitionOption {
	return func(p *TransitionParams) { p.ErrorMessage = &msg }
}

func WithNextRetryAt(t time.Time) TransitionOption {
	return func(p *TransitionParams) { p.NextRetryAt = &t }
}

// WithRetryCleared clears next_retry_at, used when a task finally
// reaches a terminal state.
func WithRetryCleared() TransitionOption {
	return func(p *TransitionParams) { p.ClearRetryAt = true }
}

func WithLastRetryError(msg string) TransitionOption {
	return func(p *TransitionParams) { p.LastRetryError = &msg }
}

func WithRetryCount(n int) TransitionOption {
	return func(p *TransitionParams) { p.RetryCountSet = &n }
}

// WithClaimedBy records the lease ID of the worker claiming a task,
// set on the pending->running transition and cleared (via an empty
// string) on every transition out of running.
func WithClaimedBy(leaseID string) TransitionOption {
	return func(p *TransitionParams) { p.ClaimedBy = &leaseID }
}

// ApplyTransitionOptions collects options into a TransitionParams.
func ApplyTransitionOptions(opts []TransitionOption) TransitionParams {
	var p TransitionParams
	for _, fn := range opts {
		fn(&p)
	}
	return p
}

// ErrCyclicDependency is returned when adding an edge would close a
// cycle in the dependency graph (invariant 4).
var ErrCyclicDependency = fmt.Errorf("cyclic_dependency")

// ErrConcurrentTransition is returned when a CAS-style status update
// loses the race because another worker already moved the task.
var ErrConcurrentTransition = fmt.Errorf("task: concurrent transition lost race")

// ErrInvalidTransition is returned when from→to is not an edge
// CanTransition allows.
type ErrInvalidTransition struct {
	TaskID   int64
	From, To Status
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("task %d: cannot transition from %s to %s", e.TaskID, e.From, e.To)
}

// RetryPolicy is the per-kind configuration governing retry decisions
// (§3, §4.4). Unique on Kind.
type RetryPolicy struct {
	ID                  int64
	Kind                Kind
	MaxRetries          int
	BackoffStrategy     BackoffStrategy
	BaseDelayMS         int64
	MaxDelayMS          int64
	Multiplier          float64
	RetryableErrors     []string
	NonRetryableErrors  []string
	Enabled             bool
}

// RetryAttempt is an immutable audit row per execution attempt.
type RetryAttempt struct {
	ID                int64
	TaskID            int64
	AttemptNumber     int
	AttemptedAt       time.Time
	ErrorMessage      string
	ErrorType         string
	DelayMS           int64
	Success           bool
	ExecutionTimeMS   int64
}

// Schedule is a cron template binding (§3, §4.5).
type Schedule struct {
	ID             int64
	TemplateTaskID int64
	CronExpression string
	Timezone       string
	Enabled        bool
	MaxInstances   int
	OverlapPolicy  OverlapPolicy
	NextRunAt      time.Time
	LastRunAt      *time.Time
	ExecutionCount int64
}

// AnalyticsEvent is an append-only row logged on every state transition
// (§3). Used for bottleneck detection and success-rate reporting.
type AnalyticsEvent struct {
	ID          int64
	TaskID      int64
	TaskType    Kind
	Status      Status
	DurationMS  int64
	Retries     int
	ErrorReason string
	CreatedAt   time.Time
}

// PlannerResult is an observability row persisted alongside a planner
// task's subtask expansion (§4.6 step 3): the goal, the model that
// produced the decomposition, the context task ids it was shown, and
// how many subtasks came out the other end.
type PlannerResult struct {
	ID             int64
	TaskID         int64
	Goal           string
	Model          string
	ContextTaskIDs []int64
	SubtaskCount   int
	CreatedAt      time.Time
}

// NewTaskInput is the set of caller-supplied fields needed to insert a
// new task; store-managed fields (ID, timestamps, Status) are filled in
// by the store.
type NewTaskInput struct {
	Kind          Kind
	ParentID      *int64
	ScheduleID    *int64
	TemplateID    *int64
	IsTemplate    bool
	Dependencies  []int64
	Payload       Payload
	MaxRetries    int
	RetryPolicyID *int64
}

// Store is the persistent store port (§4.1). All methods that mutate
// more than one row internally open a transaction; callers needing a
// cross-operation transaction use RunInTransaction.
type Store interface {
	// EnsureSchema creates or migrates the schema, seeding default
	// retry policies for every known kind on first run.
	EnsureSchema(ctx context.Context) error

	// InsertTask inserts a new task along with its dependency edges in
	// a single transaction. Returns ErrCyclicDependency without
	// inserting anything if an edge would close a cycle.
	InsertTask(ctx context.Context, in NewTaskInput) (*Task, error)

	// InsertSubtasks inserts a batch of subtasks under parentID inside
	// one transaction, wiring sequential dependencies per descriptor
	// unless explicit Dependencies are given (§4.6, §4.7). Returns the
	// new task ids in insertion order.
	InsertSubtasks(ctx context.Context, parentID int64, templates []SubtaskTemplate) ([]int64, error)

	// GetTask fetches a task by id.
	GetTask(ctx context.Context, id int64) (*Task, error)

	// ListReadyTasks returns up to limit pending tasks whose
	// dependencies are all completed and whose next_retry_at has
	// elapsed, oldest first.
	ListReadyTasks(ctx context.Context, limit int) ([]*Task, error)

	// UpdateTaskStatus performs the CAS-guarded status transition
	// described by CanTransition. expectedStatus pins the compare side
	// of compare-and-set; ErrConcurrentTransition is returned if the
	// task's current status no longer matches. started_at/finished_at
	// are stamped automatically per invariant 1.
	UpdateTaskStatus(ctx context.Context, id int64, expectedStatus, newStatus Status, opts ...TransitionOption) error

	// AddDependency adds an edge (taskID depends on dependsOnID).
	// Returns ErrCyclicDependency and leaves the graph unchanged if the
	// edge would close a cycle.
	AddDependency(ctx context.Context, taskID, dependsOnID int64) error

	// CountActiveInstances counts non-terminal tasks with the given
	// template id, for the scheduler's overlap policy evaluation.
	CountActiveInstances(ctx context.Context, templateID int64) (int, error)

	// CancelActiveInstances cancels every non-terminal task with the
	// given template id (used by the `replace` overlap policy).
	CancelActiveInstances(ctx context.Context, templateID int64) error

	// RecordTaskInstance logs one schedule->task instantiation.
	RecordTaskInstance(ctx context.Context, scheduleID, taskID int64) error

	// RecordRetryAttempt writes an immutable RetryAttempt row.
	RecordRetryAttempt(ctx context.Context, attempt RetryAttempt) (*RetryAttempt, error)

	// UpsertPolicy inserts or replaces the policy for policy.Kind.
	UpsertPolicy(ctx context.Context, policy RetryPolicy) (*RetryPolicy, error)

	// GetPolicyByKind fetches the policy for kind, or nil if none has
	// been seeded.
	GetPolicyByKind(ctx context.Context, kind Kind) (*RetryPolicy, error)

	// CreateSchedule inserts a new cron schedule.
	CreateSchedule(ctx context.Context, sched Schedule) (*Schedule, error)

	// ListDueSchedules returns enabled schedules whose next_run_at has
	// elapsed.
	ListDueSchedules(ctx context.Context, now time.Time) ([]*Schedule, error)

	// AdvanceSchedule stamps last_run_at, bumps execution_count, and
	// sets the new next_run_at after an instantiation tick.
	AdvanceSchedule(ctx context.Context, scheduleID int64, nextRunAt time.Time, ranAt time.Time) error

	// LogEvent appends an analytics row.
	LogEvent(ctx context.Context, event AnalyticsEvent) error

	// InsertPlannerResult persists a PlannerResult row for observability
	// (§4.6 step 3). Intended to be called inside the same transaction
	// that inserts the planner's subtasks and marks it completed.
	InsertPlannerResult(ctx context.Context, result PlannerResult) (*PlannerResult, error)

	// RunInTransaction runs fn with a context bound to a single
	// transaction; fn's error rolls the whole batch back.
	RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error

	// Close releases the underlying connection.
	Close() error
}
