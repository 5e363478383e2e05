// Package dispatcher implements the pure routing component described
// in §4.3: it selects the executor registered for a task's kind,
// brackets the call with analytics events and tracing, and converts
// any executor panic or error into a well-formed ExecutionResult. It
// never panics itself.
//
// The registry shape (a name/kind keyed map guarded by a mutex; New
// returns it empty and callers add each executor with Register) is
// adapted from the teacher's internal/app/toolregistry.Registry, which
// does the same thing for tool-calling instead of task kinds.
package dispatcher

import (
	"context"
	"fmt"
	"sync"
	"time"

	"taskengine/internal/analytics"
	"taskengine/internal/analytics/journal"
	"taskengine/internal/domain/task"
	"taskengine/internal/logging"
	"taskengine/internal/metrics"

	"go.opentelemetry.io/otel/trace"
)

// ExecutionResult is the executor contract's output (§6).
type ExecutionResult struct {
	Success     bool
	OutputPath  string
	FilePath    string
	SubtaskIDs  []int64
	ResultText  string
	Error       string
	DurationMS  int64
}

// Executor performs the side-effectful work for one task kind (§6
// Executor contract). Implementations must not panic for expected
// failure modes; Dispatcher recovers unexpected panics regardless.
type Executor interface {
	Execute(ctx context.Context, t *task.Task) (ExecutionResult, error)
}

// ExecutorFunc allows ordinary functions to satisfy Executor.
type ExecutorFunc func(ctx context.Context, t *task.Task) (ExecutionResult, error)

func (f ExecutorFunc) Execute(ctx context.Context, t *task.Task) (ExecutionResult, error) {
	return f(ctx, t)
}

// EventStore is the subset of task.Store the dispatcher needs to log
// analytics events.
type EventStore interface {
	LogEvent(ctx context.Context, event task.AnalyticsEvent) error
}

// Dispatcher routes tasks to their registered executor (§4.3).
type Dispatcher struct {
	mu        sync.RWMutex
	executors map[task.Kind]Executor

	store   EventStore
	journal journal.Writer
	metrics *metrics.Recorder
	log     logging.Logger
}

// New returns an empty Dispatcher. Register executors with Register
// before calling Dispatch.
func New(store EventStore, journalWriter journal.Writer, rec *metrics.Recorder, log logging.Logger) *Dispatcher {
	if journalWriter == nil {
		journalWriter = journal.NopWriter()
	}
	return &Dispatcher{
		executors: make(map[task.Kind]Executor),
		store:     store,
		journal:   journalWriter,
		metrics:   rec,
		log:       logging.OrNop(log),
	}
}

// Register associates an executor with a kind. Registering the same
// kind twice replaces the previous executor (used by tests to stub
// out individual kinds).
func (d *Dispatcher) Register(kind task.Kind, exec Executor) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.executors[kind] = exec
}

// Dispatch routes t to its executor, bracketing the call with
// analytics (§4.3 steps 1, 4) and tracing/metrics. It never panics:
// an unknown kind or a recovered executor panic both come back as a
// well-formed ExecutionResult{Success:false}.
func (d *Dispatcher) Dispatch(ctx context.Context, t *task.Task) (result ExecutionResult) {
	start := time.Now()
	ctx, span := d.metrics.StartSpan(ctx, string(t.Kind), t.ID)
	defer span.End()

	d.metrics.RecordStart(ctx, string(t.Kind))
	d.logEvent(ctx, t, analytics.EventTaskStart, 0, "")

	d.mu.RLock()
	exec, ok := d.executors[t.Kind]
	d.mu.RUnlock()

	if !ok {
		result = ExecutionResult{Success: false, Error: fmt.Sprintf("Unknown task type: %s", t.Kind)}
		d.finish(ctx, t, result, start, nil)
		result.DurationMS = time.Since(start).Milliseconds()
		return result
	}

	result, execErr := d.safeExecute(ctx, exec, t)
	if execErr != nil {
		result = ExecutionResult{Success: false, Error: execErr.Error()}
	}
	d.finish(ctx, t, result, start, execErr)
	result.DurationMS = time.Since(start).Milliseconds()
	return result
}

// safeExecute calls the executor, converting a panic into an error
// (§4.3 step 3, §7 "exceptions bubbling out... caught at the
// dispatcher boundary").
func (d *Dispatcher) safeExecute(ctx context.Context, exec Executor, t *task.Task) (result ExecutionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.log.Error("dispatcher: executor for task %d (%s) panicked: %v", t.ID, t.Kind, r)
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return exec.Execute(ctx, t)
}

func (d *Dispatcher) finish(ctx context.Context, t *task.Task, result ExecutionResult, start time.Time, execErr error) {
	duration := time.Since(start)
	durationMS := duration.Milliseconds()

	var spanErr error
	if !result.Success {
		reason := result.Error
		if reason == "" && execErr != nil {
			reason = execErr.Error()
		}
		spanErr = fmt.Errorf("%s", reason)
		d.metrics.RecordError(ctx, string(t.Kind), durationMS)
		d.logEvent(ctx, t, analytics.EventTaskError, durationMS, reason)
	} else {
		d.metrics.RecordComplete(ctx, string(t.Kind), durationMS)
		d.logEvent(ctx, t, analytics.EventTaskComplete, durationMS, "")
	}
	metrics.MarkResult(trace.SpanFromContext(ctx), spanErr)
}

func (d *Dispatcher) logEvent(ctx context.Context, t *task.Task, status string, durationMS int64, errReason string) {
	event := task.AnalyticsEvent{
		TaskID:      t.ID,
		TaskType:    t.Kind,
		Status:      task.Status(status),
		DurationMS:  durationMS,
		Retries:     t.RetryCount,
		ErrorReason: errReason,
		CreatedAt:   time.Now().UTC(),
	}
	if d.store != nil {
		if err := d.store.LogEvent(ctx, event); err != nil {
			d.log.Warn("dispatcher: log event for task %d failed: %v", t.ID, err)
		}
	}
	if err := d.journal.Write(ctx, event); err != nil {
		d.log.Warn("dispatcher: journal write for task %d failed: %v", t.ID, err)
	}
}
