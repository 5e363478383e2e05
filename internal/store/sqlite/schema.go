package sqlite

// schema creates every table the engine's store owns (§6 of the task
// orchestration spec: tasks, task_dependencies, task_logs,
// retry_policies, retry_history, task_schedules, task_instances,
// planner_results), following the teacher pack's raw-SQL
// CREATE-TABLE-IF-NOT-EXISTS-plus-indexes style rather than an ORM.
const schema = `
CREATE TABLE IF NOT EXISTS tasks (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    kind             TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'pending',
    parent_id        INTEGER,
    schedule_id      INTEGER,
    template_id      INTEGER,
    is_template      INTEGER NOT NULL DEFAULT 0,
    payload          TEXT NOT NULL DEFAULT '{}',
    result_summary   TEXT NOT NULL DEFAULT '',
    artifact_path    TEXT NOT NULL DEFAULT '',
    error_message    TEXT NOT NULL DEFAULT '',
    retry_count      INTEGER NOT NULL DEFAULT 0,
    max_retries      INTEGER NOT NULL DEFAULT 0,
    retry_policy_id  INTEGER,
    next_retry_at    DATETIME,
    last_retry_error TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    started_at       DATETIME,
    finished_at      DATETIME,
    CHECK (retry_count <= max_retries),
    FOREIGN KEY (parent_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
CREATE INDEX IF NOT EXISTS idx_tasks_schedule ON tasks(schedule_id);
CREATE INDEX IF NOT EXISTS idx_tasks_template ON tasks(template_id);
CREATE INDEX IF NOT EXISTS idx_tasks_next_retry ON tasks(next_retry_at);

CREATE TABLE IF NOT EXISTS task_dependencies (
    task_id       INTEGER NOT NULL,
    depends_on_id INTEGER NOT NULL,
    PRIMARY KEY (task_id, depends_on_id),
    FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
    FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_task_deps_task ON task_dependencies(task_id);
CREATE INDEX IF NOT EXISTS idx_task_deps_depends_on ON task_dependencies(depends_on_id);

CREATE TABLE IF NOT EXISTS task_logs (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id      INTEGER NOT NULL,
    task_type    TEXT NOT NULL,
    status       TEXT NOT NULL,
    duration_ms  INTEGER NOT NULL DEFAULT 0,
    retries      INTEGER NOT NULL DEFAULT 0,
    error_reason TEXT NOT NULL DEFAULT '',
    created_at   DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_task_logs_task ON task_logs(task_id);
CREATE INDEX IF NOT EXISTS idx_task_logs_created_at ON task_logs(created_at);

CREATE TABLE IF NOT EXISTS retry_policies (
    id                   INTEGER PRIMARY KEY AUTOINCREMENT,
    kind                 TEXT NOT NULL UNIQUE,
    max_retries          INTEGER NOT NULL DEFAULT 3,
    backoff_strategy     TEXT NOT NULL DEFAULT 'exponential',
    base_delay_ms        INTEGER NOT NULL DEFAULT 1000,
    max_delay_ms         INTEGER NOT NULL DEFAULT 60000,
    multiplier           REAL NOT NULL DEFAULT 2.0,
    retryable_errors     TEXT NOT NULL DEFAULT '[]',
    non_retryable_errors TEXT NOT NULL DEFAULT '[]',
    enabled              INTEGER NOT NULL DEFAULT 1
);

CREATE TABLE IF NOT EXISTS retry_history (
    id                INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id           INTEGER NOT NULL,
    attempt_number    INTEGER NOT NULL,
    attempted_at      DATETIME NOT NULL,
    error_message     TEXT NOT NULL DEFAULT '',
    error_type        TEXT NOT NULL DEFAULT '',
    delay_ms          INTEGER NOT NULL DEFAULT 0,
    success           INTEGER NOT NULL DEFAULT 0,
    execution_time_ms INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_retry_history_task ON retry_history(task_id);

CREATE TABLE IF NOT EXISTS task_schedules (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    template_task_id INTEGER NOT NULL,
    cron_expression  TEXT NOT NULL,
    timezone         TEXT NOT NULL DEFAULT 'UTC',
    enabled          INTEGER NOT NULL DEFAULT 1,
    max_instances    INTEGER NOT NULL DEFAULT 1,
    overlap_policy   TEXT NOT NULL DEFAULT 'skip',
    next_run_at      DATETIME NOT NULL,
    last_run_at      DATETIME,
    execution_count  INTEGER NOT NULL DEFAULT 0,
    FOREIGN KEY (template_task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_schedules_enabled_next_run ON task_schedules(enabled, next_run_at);

CREATE TABLE IF NOT EXISTS task_instances (
    id              INTEGER PRIMARY KEY AUTOINCREMENT,
    schedule_id     INTEGER NOT NULL,
    task_id         INTEGER NOT NULL,
    instantiated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (schedule_id) REFERENCES task_schedules(id),
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE INDEX IF NOT EXISTS idx_task_instances_schedule ON task_instances(schedule_id);

CREATE TABLE IF NOT EXISTS planner_results (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    task_id          INTEGER NOT NULL,
    goal             TEXT NOT NULL,
    model            TEXT NOT NULL DEFAULT '',
    context_task_ids TEXT NOT NULL DEFAULT '[]',
    subtask_count    INTEGER NOT NULL DEFAULT 0,
    created_at       DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
    FOREIGN KEY (task_id) REFERENCES tasks(id)
);

CREATE TABLE IF NOT EXISTS schema_migrations (
    version    INTEGER PRIMARY KEY,
    applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`
