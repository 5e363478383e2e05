// Package sqlite is the engine's embedded relational store (§4.1),
// built on database/sql plus the mattn/go-sqlite3 cgo driver rather
// than a remote database — the teacher's own task store
// (internal/delivery/channels/lark/task_store_postgres.go) talks to a
// networked Postgres over pgx/pgxpool, but this engine's store must
// survive a process restart on a single machine with no server to
// stand up, so the embedded driver the rest of the example pack
// carries (jordigilh-kubernaut's go.mod) is the better fit; the SQL
// conventions (raw CREATE TABLE, upsert via INSERT OR IGNORE/REPLACE,
// explicit transactions) are carried over from both.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"taskengine/internal/domain/task"
	"taskengine/internal/fsutil"
	"taskengine/internal/logging"
)

// querier is satisfied by both *sql.DB and *sql.Tx, letting every
// method run either standalone or nested inside RunInTransaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type txKey struct{}

// Store implements task.Store against a SQLite file.
type Store struct {
	db  *sql.DB
	log logging.Logger
}

// Open opens (creating if needed) the SQLite database at path and
// returns a Store. Callers still need EnsureSchema/MigrateUp before
// first use.
func Open(path string, log logging.Logger) (*Store, error) {
	if path != ":memory:" {
		if err := fsutil.EnsureParentDir(path); err != nil {
			return nil, fmt.Errorf("ensure db dir: %w", err)
		}
	}
	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// SQLite only supports one writer at a time; a single connection
	// avoids SQLITE_BUSY errors from the driver's own pool.
	db.SetMaxOpenConns(1)
	return &Store{db: db, log: logging.OrNop(log)}, nil
}

// EnsureSchema runs every migration up to the latest version,
// including seeding default retry policies (§4.1).
func (s *Store) EnsureSchema(ctx context.Context) error {
	return MigrateUp(ctx, s.db)
}

// MigrateDown reverts migrations down to (and excluding) targetVersion,
// backing the `migrate down` CLI command.
func (s *Store) MigrateDown(ctx context.Context, targetVersion int) error {
	return MigrateDown(ctx, s.db, targetVersion)
}

// VerifySchema reports whether the applied schema version matches the
// latest migration this binary knows about, backing `migrate verify`.
func (s *Store) VerifySchema(ctx context.Context) error {
	return Verify(ctx, s.db)
}

// Close releases the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) q(ctx context.Context) querier {
	if tx, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return tx
	}
	return s.db
}

// RunInTransaction runs fn with a context carrying a single
// transaction. Nested calls reuse the outer transaction rather than
// opening a new one, so helper methods can be composed freely.
func (s *Store) RunInTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(txKey{}).(*sql.Tx); ok {
		return fn(ctx)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(context.WithValue(ctx, txKey{}, tx)); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// InsertTask inserts a task and its dependency edges in one
// transaction (§4.1). New tasks can never close a cycle (nothing
// could have depended on an id that didn't exist yet), so no cycle
// check runs here; AddDependency is where cycle detection matters.
func (s *Store) InsertTask(ctx context.Context, in task.NewTaskInput) (*task.Task, error) {
	var result *task.Task
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		payloadJSON, err := encodePayload(in.Payload)
		if err != nil {
			return err
		}
		res, err := s.q(ctx).ExecContext(ctx, `
			INSERT INTO tasks (kind, status, parent_id, schedule_id, template_id, is_template, payload, max_retries, retry_policy_id)
			VALUES (?, 'pending', ?, ?, ?, ?, ?, ?, ?)`,
			string(in.Kind), nullableInt64(in.ParentID), nullableInt64(in.ScheduleID), nullableInt64(in.TemplateID),
			boolToInt(in.IsTemplate), payloadJSON, in.MaxRetries, nullableInt64(in.RetryPolicyID))
		if err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		id, err := res.LastInsertId()
		if err != nil {
			return err
		}
		for _, dep := range in.Dependencies {
			if _, err := s.q(ctx).ExecContext(ctx,
				`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, id, dep); err != nil {
				return fmt.Errorf("insert dependency %d->%d: %w", id, dep, err)
			}
		}
		t, err := s.getTask(ctx, id)
		if err != nil {
			return err
		}
		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// InsertSubtasks inserts a batch of subtasks under parentID in one
// transaction, wiring sequential dependencies per §4.6/§4.7: subtask N
// depends on subtask N-1 unless the descriptor gives explicit
// dependency indices.
func (s *Store) InsertSubtasks(ctx context.Context, parentID int64, templates []task.SubtaskTemplate) ([]int64, error) {
	ids := make([]int64, 0, len(templates))
	err := s.RunInTransaction(ctx, func(ctx context.Context) error {
		for i, tmpl := range templates {
			maxRetries := 3
			if tmpl.MaxRetries != nil {
				maxRetries = *tmpl.MaxRetries
			}
			payload := tmpl.Payload
			if payload.Description == "" && tmpl.Description != "" {
				payload.Description = tmpl.Description
			}
			payloadJSON, err := encodePayload(payload)
			if err != nil {
				return err
			}
			res, err := s.q(ctx).ExecContext(ctx, `
				INSERT INTO tasks (kind, status, parent_id, payload, max_retries)
				VALUES (?, 'pending', ?, ?, ?)`,
				string(tmpl.Kind), parentID, payloadJSON, maxRetries)
			if err != nil {
				return fmt.Errorf("insert subtask %d: %w", i, err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return err
			}
			ids = append(ids, id)

			deps := tmpl.Dependencies
			if deps == nil && i > 0 {
				deps = []int{i - 1}
			}
			for _, depIdx := range deps {
				// Only sibling indices already inserted earlier in
				// this batch are valid; skip anything else rather
				// than failing the whole batch on a malformed
				// descriptor.
				if depIdx < 0 || depIdx >= len(ids)-1 {
					continue
				}
				if _, err := s.q(ctx).ExecContext(ctx,
					`INSERT INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, id, ids[depIdx]); err != nil {
					return fmt.Errorf("insert subtask dependency: %w", err)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (*task.Task, error) {
	return s.getTask(ctx, id)
}

func (s *Store) getTask(ctx context.Context, id int64) (*task.Task, error) {
	row := s.q(ctx).QueryRowContext(ctx, taskSelectColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("task %d: %w", id, sql.ErrNoRows)
		}
		return nil, err
	}
	deps, err := s.dependenciesOf(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Dependencies = deps
	return t, nil
}

func (s *Store) dependenciesOf(ctx context.Context, id int64) ([]int64, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `SELECT depends_on_id FROM task_dependencies WHERE task_id = ? ORDER BY depends_on_id`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var deps []int64
	for rows.Next() {
		var d int64
		if err := rows.Scan(&d); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// ListReadyTasks returns pending tasks whose dependencies are all
// completed and whose retry delay has elapsed (invariant 3).
func (s *Store) ListReadyTasks(ctx context.Context, limit int) ([]*task.Task, error) {
	rows, err := s.q(ctx).QueryContext(ctx, taskSelectColumns+`
		FROM tasks t
		WHERE t.status = 'pending'
		  AND (t.next_retry_at IS NULL OR t.next_retry_at <= ?)
		  AND NOT EXISTS (
		      SELECT 1 FROM task_dependencies td
		      JOIN tasks dep ON dep.id = td.depends_on_id
		      WHERE td.task_id = t.id AND dep.status != 'completed'
		  )
		ORDER BY t.created_at ASC
		LIMIT ?`, time.Now().UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list ready tasks: %w", err)
	}
	defer rows.Close()

	var out []*task.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, t := range out {
		deps, err := s.dependenciesOf(ctx, t.ID)
		if err != nil {
			return nil, err
		}
		t.Dependencies = deps
	}
	return out, nil
}

// UpdateTaskStatus performs the CAS-guarded transition described by
// task.CanTransition (invariant 1, invariant 3).
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, expectedStatus, newStatus task.Status, opts ...task.TransitionOption) error {
	if !task.CanTransition(expectedStatus, newStatus) {
		return &task.ErrInvalidTransition{TaskID: id, From: expectedStatus, To: newStatus}
	}
	params := task.ApplyTransitionOptions(opts)

	setParts := []string{"status = ?"}
	args := []any{string(newStatus)}

	if newStatus == task.StatusRunning {
		setParts = append(setParts, "started_at = CURRENT_TIMESTAMP", "finished_at = NULL")
	}
	if newStatus.IsTerminal() || newStatus == task.StatusPending {
		setParts = append(setParts, "claimed_by = ''")
	}
	if newStatus.IsTerminal() {
		setParts = append(setParts, "finished_at = CURRENT_TIMESTAMP")
	}
	if params.ResultSummary != nil {
		setParts = append(setParts, "result_summary = ?")
		args = append(args, *params.ResultSummary)
	}
	if params.ArtifactPath != nil {
		setParts = append(setParts, "artifact_path = ?")
		args = append(args, *params.ArtifactPath)
	}
	if params.ErrorMessage != nil {
		setParts = append(setParts, "error_message = ?")
		args = append(args, *params.ErrorMessage)
	}
	if params.LastRetryError != nil {
		setParts = append(setParts, "last_retry_error = ?")
		args = append(args, *params.LastRetryError)
	}
	if params.RetryCountSet != nil {
		setParts = append(setParts, "retry_count = ?")
		args = append(args, *params.RetryCountSet)
	}
	if params.ClaimedBy != nil {
		setParts = append(setParts, "claimed_by = ?")
		args = append(args, *params.ClaimedBy)
	}
	if params.ClearRetryAt {
		setParts = append(setParts, "next_retry_at = NULL")
	} else if params.NextRetryAt != nil {
		setParts = append(setParts, "next_retry_at = ?")
		args = append(args, params.NextRetryAt.UTC())
	}

	query := "UPDATE tasks SET " + joinSet(setParts) + " WHERE id = ? AND status = ?"
	args = append(args, id, string(expectedStatus))

	res, err := s.q(ctx).ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task %d status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either the task doesn't exist, or another worker already
		// moved it: distinguish so the caller can tell which.
		if _, getErr := s.getTask(ctx, id); getErr != nil {
			return getErr
		}
		return task.ErrConcurrentTransition
	}
	return nil
}

// AddDependency adds an edge after verifying it would not close a
// cycle: dependsOnID must not already (transitively) depend on taskID.
func (s *Store) AddDependency(ctx context.Context, taskID, dependsOnID int64) error {
	return s.RunInTransaction(ctx, func(ctx context.Context) error {
		cyclic, err := s.reaches(ctx, dependsOnID, taskID, map[int64]bool{})
		if err != nil {
			return err
		}
		if cyclic {
			return task.ErrCyclicDependency
		}
		_, err = s.q(ctx).ExecContext(ctx,
			`INSERT OR IGNORE INTO task_dependencies (task_id, depends_on_id) VALUES (?, ?)`, taskID, dependsOnID)
		if err != nil {
			return fmt.Errorf("insert dependency %d->%d: %w", taskID, dependsOnID, err)
		}
		return nil
	})
}

// reaches reports whether a DFS from `from`, following depends_on
// edges, can reach `target`.
func (s *Store) reaches(ctx context.Context, from, target int64, visited map[int64]bool) (bool, error) {
	if from == target {
		return true, nil
	}
	if visited[from] {
		return false, nil
	}
	visited[from] = true
	deps, err := s.dependenciesOf(ctx, from)
	if err != nil {
		return false, err
	}
	for _, d := range deps {
		ok, err := s.reaches(ctx, d, target, visited)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// CountActiveInstances counts non-terminal tasks for a template id.
func (s *Store) CountActiveInstances(ctx context.Context, templateID int64) (int, error) {
	var n int
	err := s.q(ctx).QueryRowContext(ctx, `
		SELECT count(*) FROM tasks
		WHERE template_id = ? AND status NOT IN ('completed', 'error', 'cancelled')`, templateID).Scan(&n)
	return n, err
}

// CancelActiveInstances cancels every non-terminal instance of a
// template (the `replace` overlap policy).
func (s *Store) CancelActiveInstances(ctx context.Context, templateID int64) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE tasks SET status = 'cancelled', finished_at = CURRENT_TIMESTAMP
		WHERE template_id = ? AND status NOT IN ('completed', 'error', 'cancelled')`, templateID)
	return err
}

// RecordTaskInstance logs one schedule->task instantiation in
// task_instances. CountActiveInstances/CancelActiveInstances still
// drive overlap-policy decisions off tasks.template_id directly (that
// query also needs each instance's current status, which this table
// doesn't carry); this row is the durable instantiation history §4.5
// implies by listing task_instances among the store's owned tables.
func (s *Store) RecordTaskInstance(ctx context.Context, scheduleID, taskID int64) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO task_instances (schedule_id, task_id) VALUES (?, ?)`, scheduleID, taskID)
	if err != nil {
		return fmt.Errorf("record task instance for schedule %d: %w", scheduleID, err)
	}
	return nil
}

// RecordRetryAttempt writes an immutable RetryAttempt row.
func (s *Store) RecordRetryAttempt(ctx context.Context, a task.RetryAttempt) (*task.RetryAttempt, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO retry_history (task_id, attempt_number, attempted_at, error_message, error_type, delay_ms, success, execution_time_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.TaskID, a.AttemptNumber, a.AttemptedAt.UTC(), a.ErrorMessage, a.ErrorType, a.DelayMS, boolToInt(a.Success), a.ExecutionTimeMS)
	if err != nil {
		return nil, fmt.Errorf("record retry attempt for task %d: %w", a.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	a.ID = id
	return &a, nil
}

// UpsertPolicy inserts or replaces the policy for policy.Kind.
func (s *Store) UpsertPolicy(ctx context.Context, p task.RetryPolicy) (*task.RetryPolicy, error) {
	retryable, err := encodeStringSlice(p.RetryableErrors)
	if err != nil {
		return nil, err
	}
	nonRetryable, err := encodeStringSlice(p.NonRetryableErrors)
	if err != nil {
		return nil, err
	}
	_, err = s.q(ctx).ExecContext(ctx, `
		INSERT INTO retry_policies (kind, max_retries, backoff_strategy, base_delay_ms, max_delay_ms, multiplier, retryable_errors, non_retryable_errors, enabled)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind) DO UPDATE SET
			max_retries = excluded.max_retries,
			backoff_strategy = excluded.backoff_strategy,
			base_delay_ms = excluded.base_delay_ms,
			max_delay_ms = excluded.max_delay_ms,
			multiplier = excluded.multiplier,
			retryable_errors = excluded.retryable_errors,
			non_retryable_errors = excluded.non_retryable_errors,
			enabled = excluded.enabled`,
		string(p.Kind), p.MaxRetries, string(p.BackoffStrategy), p.BaseDelayMS, p.MaxDelayMS, p.Multiplier,
		retryable, nonRetryable, boolToInt(p.Enabled))
	if err != nil {
		return nil, fmt.Errorf("upsert policy for %s: %w", p.Kind, err)
	}
	return s.GetPolicyByKind(ctx, p.Kind)
}

// GetPolicyByKind fetches the policy for kind, or nil if unseeded.
func (s *Store) GetPolicyByKind(ctx context.Context, kind task.Kind) (*task.RetryPolicy, error) {
	row := s.q(ctx).QueryRowContext(ctx, `
		SELECT id, kind, max_retries, backoff_strategy, base_delay_ms, max_delay_ms, multiplier, retryable_errors, non_retryable_errors, enabled
		FROM retry_policies WHERE kind = ?`, string(kind))
	var p task.RetryPolicy
	var kindStr, strategy, retryableJSON, nonRetryableJSON string
	var enabled int
	err := row.Scan(&p.ID, &kindStr, &p.MaxRetries, &strategy, &p.BaseDelayMS, &p.MaxDelayMS, &p.Multiplier, &retryableJSON, &nonRetryableJSON, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get policy for %s: %w", kind, err)
	}
	p.Kind = task.Kind(kindStr)
	p.BackoffStrategy = task.BackoffStrategy(strategy)
	p.Enabled = enabled != 0
	if p.RetryableErrors, err = decodeStringSlice(retryableJSON); err != nil {
		return nil, err
	}
	if p.NonRetryableErrors, err = decodeStringSlice(nonRetryableJSON); err != nil {
		return nil, err
	}
	return &p, nil
}

// CreateSchedule inserts a new cron schedule.
func (s *Store) CreateSchedule(ctx context.Context, sched task.Schedule) (*task.Schedule, error) {
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO task_schedules (template_task_id, cron_expression, timezone, enabled, max_instances, overlap_policy, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sched.TemplateTaskID, sched.CronExpression, sched.Timezone, boolToInt(sched.Enabled), sched.MaxInstances,
		string(sched.OverlapPolicy), sched.NextRunAt.UTC())
	if err != nil {
		return nil, fmt.Errorf("create schedule: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	sched.ID = id
	return &sched, nil
}

// ListDueSchedules returns enabled schedules whose next_run_at has
// elapsed (§4.5 step 1).
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time) ([]*task.Schedule, error) {
	rows, err := s.q(ctx).QueryContext(ctx, `
		SELECT id, template_task_id, cron_expression, timezone, enabled, max_instances, overlap_policy, next_run_at, last_run_at, execution_count
		FROM task_schedules WHERE enabled = 1 AND next_run_at <= ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("list due schedules: %w", err)
	}
	defer rows.Close()

	var out []*task.Schedule
	for rows.Next() {
		var sc task.Schedule
		var enabled int
		var overlap string
		var lastRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.TemplateTaskID, &sc.CronExpression, &sc.Timezone, &enabled, &sc.MaxInstances,
			&overlap, &sc.NextRunAt, &lastRun, &sc.ExecutionCount); err != nil {
			return nil, err
		}
		sc.Enabled = enabled != 0
		sc.OverlapPolicy = task.OverlapPolicy(overlap)
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, &sc)
	}
	return out, rows.Err()
}

// AdvanceSchedule stamps last_run_at, bumps execution_count, and sets
// the new next_run_at after an instantiation tick (§4.5 step 4).
func (s *Store) AdvanceSchedule(ctx context.Context, scheduleID int64, nextRunAt time.Time, ranAt time.Time) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		UPDATE task_schedules
		SET next_run_at = ?, last_run_at = ?, execution_count = execution_count + 1
		WHERE id = ?`, nextRunAt.UTC(), ranAt.UTC(), scheduleID)
	return err
}

// LogEvent appends an analytics row.
func (s *Store) LogEvent(ctx context.Context, e task.AnalyticsEvent) error {
	_, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO task_logs (task_id, task_type, status, duration_ms, retries, error_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, string(e.TaskType), string(e.Status), e.DurationMS, e.Retries, e.ErrorReason, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("log event for task %d: %w", e.TaskID, err)
	}
	return nil
}

// InsertPlannerResult persists an observability row for a planner
// task's subtask expansion (§4.6 step 3).
func (s *Store) InsertPlannerResult(ctx context.Context, r task.PlannerResult) (*task.PlannerResult, error) {
	ctxIDs, err := encodeInt64Slice(r.ContextTaskIDs)
	if err != nil {
		return nil, err
	}
	res, err := s.q(ctx).ExecContext(ctx, `
		INSERT INTO planner_results (task_id, goal, model, context_task_ids, subtask_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.Goal, r.Model, ctxIDs, r.SubtaskCount, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("insert planner result for task %d: %w", r.TaskID, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	r.ID = id
	return &r, nil
}

func joinSet(parts []string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += ", " + p
	}
	return out
}
