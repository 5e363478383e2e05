package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"taskengine/internal/domain/task"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "test.db"), nil)
	require.NoError(t, err)
	require.NoError(t, s.EnsureSchema(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestEnsureSchemaSeedsDefaultPolicies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	p, err := s.GetPolicyByKind(ctx, task.KindShell)
	require.NoError(t, err)
	require.NotNil(t, p)
	require.Equal(t, task.BackoffFixed, p.BackoffStrategy)

	missing, err := s.GetPolicyByKind(ctx, task.Kind("nonexistent"))
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestInsertTaskAndGet(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.InsertTask(ctx, task.NewTaskInput{
		Kind:       task.KindShell,
		MaxRetries: 2,
		Payload:    task.Payload{ShellCommand: "echo hi"},
	})
	require.NoError(t, err)
	require.Equal(t, task.StatusPending, first.Status)

	second, err := s.InsertTask(ctx, task.NewTaskInput{
		Kind:         task.KindReview,
		Dependencies: []int64{first.ID},
	})
	require.NoError(t, err)
	require.Equal(t, []int64{first.ID}, second.Dependencies)

	fetched, err := s.GetTask(ctx, second.ID)
	require.NoError(t, err)
	require.Equal(t, second.ID, fetched.ID)
	require.Equal(t, task.KindReview, fetched.Kind)
}

func TestListReadyTasksRespectsDependencies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	parent, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell})
	require.NoError(t, err)
	child, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindReview, Dependencies: []int64{parent.ID}})
	require.NoError(t, err)

	ready, err := s.ListReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, parent.ID, ready[0].ID)

	require.NoError(t, s.UpdateTaskStatus(ctx, parent.ID, task.StatusPending, task.StatusRunning))
	require.NoError(t, s.UpdateTaskStatus(ctx, parent.ID, task.StatusRunning, task.StatusCompleted,
		task.WithResultSummary("hi")))

	ready, err = s.ListReadyTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, child.ID, ready[0].ID)
}

func TestUpdateTaskStatusCAS(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell})
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskStatus(ctx, tk.ID, task.StatusPending, task.StatusRunning))

	// A second worker racing on the same expected status loses.
	err = s.UpdateTaskStatus(ctx, tk.ID, task.StatusPending, task.StatusRunning)
	require.ErrorIs(t, err, task.ErrConcurrentTransition)

	// An illegal edge is rejected before touching the database.
	err = s.UpdateTaskStatus(ctx, tk.ID, task.StatusCompleted, task.StatusRunning)
	var invalid *task.ErrInvalidTransition
	require.ErrorAs(t, err, &invalid)

	require.NoError(t, s.UpdateTaskStatus(ctx, tk.ID, task.StatusRunning, task.StatusCompleted,
		task.WithResultSummary("done")))

	got, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, task.StatusCompleted, got.Status)
	require.NotNil(t, got.FinishedAt)
	require.Equal(t, "done", got.ResultSummary)
}

func TestUpdateTaskStatusClaimedBy(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell})
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskStatus(ctx, tk.ID, task.StatusPending, task.StatusRunning,
		task.WithClaimedBy("worker-abc")))

	running, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, "worker-abc", running.ClaimedBy)

	require.NoError(t, s.UpdateTaskStatus(ctx, tk.ID, task.StatusRunning, task.StatusCompleted))

	done, err := s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	require.Empty(t, done.ClaimedBy, "claimed_by should clear once the task leaves running")
}

func TestAddDependencyRejectsCycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	a, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell})
	require.NoError(t, err)
	b, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell, Dependencies: []int64{a.ID}})
	require.NoError(t, err)

	err = s.AddDependency(ctx, a.ID, b.ID)
	require.ErrorIs(t, err, task.ErrCyclicDependency)

	deps, err := s.dependenciesOf(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, deps)
}

func TestRetryCountCheckConstraint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell, MaxRetries: 1})
	require.NoError(t, err)

	require.NoError(t, s.UpdateTaskStatus(ctx, tk.ID, task.StatusPending, task.StatusRunning))
	require.NoError(t, s.UpdateTaskStatus(ctx, tk.ID, task.StatusRunning, task.StatusPending,
		task.WithRetryCount(1), task.WithNextRetryAt(time.Now().Add(time.Second))))

	// Exceeding max_retries must violate the CHECK constraint.
	err = s.UpdateTaskStatus(ctx, tk.ID, task.StatusPending, task.StatusRunning)
	require.NoError(t, err)
	err = s.UpdateTaskStatus(ctx, tk.ID, task.StatusRunning, task.StatusPending, task.WithRetryCount(2))
	require.Error(t, err)
}

func TestScheduleLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	template, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell, IsTemplate: true})
	require.NoError(t, err)

	sched, err := s.CreateSchedule(ctx, task.Schedule{
		TemplateTaskID: template.ID,
		CronExpression: "* * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		MaxInstances:   1,
		OverlapPolicy:  task.OverlapSkip,
		NextRunAt:      time.Now().Add(-time.Minute),
	})
	require.NoError(t, err)

	due, err := s.ListDueSchedules(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, sched.ID, due[0].ID)

	next := time.Now().Add(time.Minute)
	require.NoError(t, s.AdvanceSchedule(ctx, sched.ID, next, time.Now()))

	due, err = s.ListDueSchedules(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due)
}

func TestRecordTaskInstance(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	template, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell, IsTemplate: true})
	require.NoError(t, err)
	sched, err := s.CreateSchedule(ctx, task.Schedule{
		TemplateTaskID: template.ID,
		CronExpression: "* * * * *",
		Timezone:       "UTC",
		Enabled:        true,
		OverlapPolicy:  task.OverlapQueue,
		NextRunAt:      time.Now(),
	})
	require.NoError(t, err)
	instance, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell, ScheduleID: &sched.ID, TemplateID: &template.ID})
	require.NoError(t, err)

	require.NoError(t, s.RecordTaskInstance(ctx, sched.ID, instance.ID))

	var count int
	require.NoError(t, s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM task_instances WHERE schedule_id = ? AND task_id = ?`, sched.ID, instance.ID).Scan(&count))
	require.Equal(t, 1, count)
}

func TestLogEventAndRetryAttempt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	tk, err := s.InsertTask(ctx, task.NewTaskInput{Kind: task.KindShell})
	require.NoError(t, err)

	require.NoError(t, s.LogEvent(ctx, task.AnalyticsEvent{
		TaskID: tk.ID, TaskType: task.KindShell, Status: task.StatusRunning,
	}))

	attempt, err := s.RecordRetryAttempt(ctx, task.RetryAttempt{
		TaskID: tk.ID, AttemptNumber: 1, AttemptedAt: time.Now(),
		ErrorMessage: "connection timeout", Success: false,
	})
	require.NoError(t, err)
	require.NotZero(t, attempt.ID)
}

func TestMigrateDownThenUpRestoresPolicies(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, MigrateDown(ctx, s.db, 0))
	require.NoError(t, MigrateUp(ctx, s.db))

	p, err := s.GetPolicyByKind(ctx, task.KindShell)
	require.NoError(t, err)
	require.NotNil(t, p)

	require.NoError(t, Verify(ctx, s.db))
}
