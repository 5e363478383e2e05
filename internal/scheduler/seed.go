package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"taskengine/internal/domain/task"
	"taskengine/internal/fsutil"
)

// SeedDefinition declares one cron schedule and the template task body
// it instantiates from, meant to be loaded from a YAML file supplied to
// `scheduler start --seed-file` and applied once at startup.
type SeedDefinition struct {
	Name           string             `yaml:"name" json:"name"`
	Kind           task.Kind          `yaml:"kind" json:"kind"`
	CronExpression string             `yaml:"cron" json:"cron"`
	Timezone       string             `yaml:"timezone" json:"timezone"`
	OverlapPolicy  task.OverlapPolicy `yaml:"overlap_policy" json:"overlap_policy"`
	MaxInstances   int                `yaml:"max_instances" json:"max_instances"`
	MaxRetries     int                `yaml:"max_retries" json:"max_retries"`
	Payload        task.Payload       `yaml:"payload" json:"payload"`
}

// SeedStore is the subset of task.Store seeding needs, beyond what
// Scheduler itself already requires.
type SeedStore interface {
	Store
	CreateSchedule(ctx context.Context, sched task.Schedule) (*task.Schedule, error)
}

// appliedMarker records which store rows a named seed produced, so a
// second Apply of the same seed file is a no-op rather than a
// duplicate schedule.
type appliedMarker struct {
	ScheduleID     int64 `json:"schedule_id"`
	TemplateTaskID int64 `json:"template_task_id"`
}

// SeedApplier idempotently materializes SeedDefinitions into the task
// store. It is adapted from the teacher's FileJobStore
// (internal/app/scheduler/jobstore_file.go), which persisted each ad
// hoc cron trigger as one JSON file under a directory, keyed by job ID.
// The durable state here lives in the task store, not on disk; the
// one-file-per-entity idiom is kept only for the idempotency marker,
// so re-running the same seed file on every process restart never
// re-creates schedules that already exist.
type SeedApplier struct {
	store     SeedStore
	markerDir string
}

// NewSeedApplier returns a SeedApplier that tracks applied seeds under
// markerDir (created on first Apply if missing).
func NewSeedApplier(store SeedStore, markerDir string) *SeedApplier {
	return &SeedApplier{store: store, markerDir: markerDir}
}

// Apply materializes every definition not already recorded under
// markerDir, returning the schedule ids it newly created. Already-
// applied seeds are skipped silently, not treated as an error.
func (a *SeedApplier) Apply(ctx context.Context, defs []SeedDefinition) ([]int64, error) {
	if err := os.MkdirAll(a.markerDir, 0o755); err != nil {
		return nil, fmt.Errorf("create seed marker dir: %w", err)
	}

	var created []int64
	for _, def := range defs {
		id, applied, err := a.applyOne(ctx, def)
		if err != nil {
			return created, err
		}
		if applied {
			created = append(created, id)
		}
	}
	return created, nil
}

func (a *SeedApplier) applyOne(ctx context.Context, def SeedDefinition) (int64, bool, error) {
	if def.Name == "" {
		return 0, false, fmt.Errorf("seed definition has no name")
	}
	if !def.Kind.IsValid() {
		return 0, false, fmt.Errorf("seed %q: unknown kind %q", def.Name, def.Kind)
	}
	if _, err := os.Stat(a.markerPath(def.Name)); err == nil {
		return 0, false, nil // already applied
	}

	tmpl, err := a.store.InsertTask(ctx, task.NewTaskInput{
		Kind:       def.Kind,
		IsTemplate: true,
		Payload:    def.Payload,
		MaxRetries: def.MaxRetries,
	})
	if err != nil {
		return 0, false, fmt.Errorf("seed %q: insert template task: %w", def.Name, err)
	}

	next, err := nextExecution(def.CronExpression, time.Now().UTC(), def.Timezone)
	if err != nil {
		return 0, false, fmt.Errorf("seed %q: %w", def.Name, err)
	}

	sched, err := a.store.CreateSchedule(ctx, task.Schedule{
		TemplateTaskID: tmpl.ID,
		CronExpression: def.CronExpression,
		Timezone:       def.Timezone,
		Enabled:        true,
		MaxInstances:   def.MaxInstances,
		OverlapPolicy:  def.OverlapPolicy,
		NextRunAt:      next,
	})
	if err != nil {
		return 0, false, fmt.Errorf("seed %q: create schedule: %w", def.Name, err)
	}

	if err := a.writeMarker(def.Name, appliedMarker{ScheduleID: sched.ID, TemplateTaskID: tmpl.ID}); err != nil {
		return 0, false, fmt.Errorf("seed %q: write marker: %w", def.Name, err)
	}
	return sched.ID, true, nil
}

func (a *SeedApplier) markerPath(name string) string {
	return filepath.Join(a.markerDir, name+".json")
}

func (a *SeedApplier) writeMarker(name string, m appliedMarker) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal marker: %w", err)
	}
	return fsutil.AtomicWrite(a.markerPath(name), data, 0o644)
}
