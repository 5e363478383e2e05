package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"taskengine/internal/domain/task"
)

// migration is one versioned, idempotent schema step (§4.1). Down
// migrations for additive DDL don't drop columns — SQLite's
// ALTER TABLE DROP COLUMN support varies by build, and the spec calls
// for marking columns unused on engines that forbid the drop rather
// than risking data loss.
type migration struct {
	version int
	name    string
	up      func(ctx context.Context, tx *sql.Tx) error
	down    func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		version: 1,
		name:    "base_schema",
		up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, schema)
			return err
		},
		down: func(ctx context.Context, tx *sql.Tx) error {
			tables := []string{
				"planner_results", "task_instances", "task_schedules",
				"retry_history", "retry_policies", "task_logs",
				"task_dependencies", "tasks",
			}
			for _, t := range tables {
				if _, err := tx.ExecContext(ctx, "DROP TABLE IF EXISTS "+t); err != nil {
					return fmt.Errorf("drop %s: %w", t, err)
				}
			}
			return nil
		},
	},
	{
		version: 2,
		name:    "seed_default_retry_policies",
		up: func(ctx context.Context, tx *sql.Tx) error {
			for _, kind := range task.AllKinds {
				p := defaultPolicyFor(kind)
				if _, err := tx.ExecContext(ctx, `
					INSERT OR IGNORE INTO retry_policies
						(kind, max_retries, backoff_strategy, base_delay_ms, max_delay_ms, multiplier, retryable_errors, non_retryable_errors, enabled)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
					string(p.Kind), p.MaxRetries, string(p.BackoffStrategy), p.BaseDelayMS, p.MaxDelayMS, p.Multiplier,
					"[]", "[]", boolToInt(p.Enabled)); err != nil {
					return fmt.Errorf("seed policy for %s: %w", kind, err)
				}
			}
			return nil
		},
		down: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, "DELETE FROM retry_policies")
			return err
		},
	},
	{
		version: 3,
		name:    "backfill_artifact_path",
		up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				UPDATE tasks SET artifact_path = result_summary
				WHERE artifact_path = '' AND result_summary LIKE '/%'`)
			return err
		},
		down: func(ctx context.Context, tx *sql.Tx) error {
			// Best-effort heuristic backfill; not reversible without a
			// prior snapshot, so down is a no-op.
			return nil
		},
	},
	{
		version: 4,
		name:    "add_claimed_by",
		up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `ALTER TABLE tasks ADD COLUMN claimed_by TEXT NOT NULL DEFAULT ''`)
			return err
		},
		down: func(ctx context.Context, tx *sql.Tx) error {
			// SQLite's DROP COLUMN support varies by build; mark the
			// column unused rather than risk an unsupported drop.
			_, err := tx.ExecContext(ctx, `UPDATE tasks SET claimed_by = ''`)
			return err
		},
	},
}

// defaultPolicyFor returns the seed RetryPolicy for a kind. Media and
// LLM kinds lean on longer backoff ceilings since their upstream
// services (whisper/ollama/yt-dlp) are slower to recover than a shell
// command.
func defaultPolicyFor(kind task.Kind) task.RetryPolicy {
	p := task.RetryPolicy{
		Kind:            kind,
		MaxRetries:      3,
		BackoffStrategy: task.BackoffExponential,
		BaseDelayMS:     1000,
		MaxDelayMS:      60_000,
		Multiplier:      2.0,
		Enabled:         true,
	}
	switch kind {
	case task.KindLLM, task.KindPlanner, task.KindMediaTranscribe, task.KindMediaDownload, task.KindYoutube:
		p.MaxDelayMS = 300_000
		p.MaxRetries = 4
	case task.KindShell, task.KindTool, task.KindRunCode:
		p.BackoffStrategy = task.BackoffFixed
		p.MaxDelayMS = 10_000
	}
	return p
}

// latestVersion is the highest migration version known to this binary.
func latestVersion() int {
	v := 0
	for _, m := range migrations {
		if m.version > v {
			v = m.version
		}
	}
	return v
}

// currentVersion reads the highest applied version, or 0 if the
// migration table doesn't exist yet.
func currentVersion(ctx context.Context, db *sql.DB) (int, error) {
	var exists int
	err := db.QueryRowContext(ctx, `SELECT count(*) FROM sqlite_master WHERE type='table' AND name='schema_migrations'`).Scan(&exists)
	if err != nil {
		return 0, err
	}
	if exists == 0 {
		return 0, nil
	}
	var v sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT max(version) FROM schema_migrations`).Scan(&v); err != nil {
		return 0, err
	}
	return int(v.Int64), nil
}

// MigrateUp applies every migration above the current version, in
// order, each inside its own transaction.
func MigrateUp(ctx context.Context, db *sql.DB) error {
	cur, err := currentVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for _, m := range migrations {
		if m.version <= cur {
			continue
		}
		if err := applyMigration(ctx, db, m, true); err != nil {
			return fmt.Errorf("migrate up to %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// MigrateDown reverts migrations down to (and excluding) targetVersion,
// in reverse order.
func MigrateDown(ctx context.Context, db *sql.DB, targetVersion int) error {
	cur, err := currentVersion(ctx, db)
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	for i := len(migrations) - 1; i >= 0; i-- {
		m := migrations[i]
		if m.version > cur || m.version <= targetVersion {
			continue
		}
		if err := applyMigration(ctx, db, m, false); err != nil {
			return fmt.Errorf("migrate down past %d (%s): %w", m.version, m.name, err)
		}
	}
	return nil
}

// Verify reports whether the schema's applied version matches the
// latest migration this binary knows about (used by `migrate verify`).
func Verify(ctx context.Context, db *sql.DB) error {
	cur, err := currentVersion(ctx, db)
	if err != nil {
		return err
	}
	want := latestVersion()
	if cur != want {
		return fmt.Errorf("schema at version %d, expected %d: run migrate up", cur, want)
	}
	return nil
}

func applyMigration(ctx context.Context, db *sql.DB, m migration, up bool) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if up {
		if err := m.up(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, m.version); err != nil {
			return err
		}
	} else {
		if err := m.down(ctx, tx); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM schema_migrations WHERE version = ?`, m.version); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
