// Package scheduler implements §4.5: a tick-driven loop that queries
// due cron schedules, evaluates each one's overlap policy against its
// template's active instance count, instantiates a fresh task from the
// template, and advances the schedule's next_run_at. The tick-and-scan
// shape (rather than registering one robfig/cron.Cron entry per
// schedule) follows spec.md's pseudocode directly; cron parsing and
// next-occurrence computation still go through robfig/cron/v3
// (cronclock.go), the same library the teacher's
// internal/app/scheduler/scheduler.go wraps for its own trigger cron
// expressions.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"taskengine/internal/domain/task"
	"taskengine/internal/logging"
)

// Store is the subset of task.Store the scheduler needs.
type Store interface {
	GetTask(ctx context.Context, id int64) (*task.Task, error)
	InsertTask(ctx context.Context, in task.NewTaskInput) (*task.Task, error)
	CountActiveInstances(ctx context.Context, templateID int64) (int, error)
	CancelActiveInstances(ctx context.Context, templateID int64) error
	RecordTaskInstance(ctx context.Context, scheduleID, taskID int64) error
	ListDueSchedules(ctx context.Context, now time.Time) ([]*task.Schedule, error)
	AdvanceSchedule(ctx context.Context, scheduleID int64, nextRunAt time.Time, ranAt time.Time) error
}

// Config tunes the Scheduler.
type Config struct {
	// TickInterval is how often the scheduler scans for due schedules
	// (§4.5: "default every minute").
	TickInterval time.Duration
}

// DefaultConfig matches spec.md §4.5's default tick.
func DefaultConfig() Config {
	return Config{TickInterval: time.Minute}
}

// Scheduler runs the §4.5 tick loop.
type Scheduler struct {
	store Store
	cfg   Config
	log   logging.Logger
}

// New returns a Scheduler.
func New(store Store, cfg Config, log logging.Logger) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &Scheduler{store: store, cfg: cfg, log: logging.OrNop(log)}
}

// Run drives the tick loop until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		if _, err := s.Tick(ctx); err != nil {
			s.log.Error("scheduler: tick failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Tick runs one scan-and-instantiate cycle (§4.5 steps 1-4), returning
// how many schedules were instantiated.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	due, err := s.store.ListDueSchedules(ctx, now)
	if err != nil {
		return 0, fmt.Errorf("list due schedules: %w", err)
	}

	instantiated := 0
	for _, sched := range due {
		ok, err := s.processSchedule(ctx, sched, now)
		if err != nil {
			s.log.Error("scheduler: schedule %d failed: %v", sched.ID, err)
			continue
		}
		if ok {
			instantiated++
		}
	}
	return instantiated, nil
}

// processSchedule applies one due schedule's overlap policy, optionally
// instantiates a new task, and then advances next_run_at whether or not
// it instantiated (a tick that is skipped by policy still needs its next
// occurrence computed, or the scheduler would re-evaluate the same due
// tick forever). An error from the overlap check or the instantiation
// returns before next_run_at is advanced, so the schedule stays due.
func (s *Scheduler) processSchedule(ctx context.Context, sched *task.Schedule, now time.Time) (bool, error) {
	instantiate, err := s.evaluateOverlap(ctx, sched)
	if err != nil {
		return false, err
	}

	instantiated := false
	if instantiate {
		if _, err := s.instantiate(ctx, sched); err != nil {
			return false, fmt.Errorf("instantiate template %d: %w", sched.TemplateTaskID, err)
		}
		instantiated = true
	} else {
		s.log.Info("scheduler: schedule %d skipped this tick (overlap policy %s)", sched.ID, sched.OverlapPolicy)
	}

	next, err := nextExecution(sched.CronExpression, now, sched.Timezone)
	if err != nil {
		return instantiated, fmt.Errorf("compute next run: %w", err)
	}
	if err := s.store.AdvanceSchedule(ctx, sched.ID, next, now); err != nil {
		return instantiated, fmt.Errorf("advance schedule: %w", err)
	}
	return instantiated, nil
}

// evaluateOverlap implements §4.5 step 2.
func (s *Scheduler) evaluateOverlap(ctx context.Context, sched *task.Schedule) (bool, error) {
	switch sched.OverlapPolicy {
	case task.OverlapQueue, "":
		return true, nil
	case task.OverlapReplace:
		if err := s.store.CancelActiveInstances(ctx, sched.TemplateTaskID); err != nil {
			return false, fmt.Errorf("cancel active instances: %w", err)
		}
		return true, nil
	case task.OverlapSkip:
		active, err := s.store.CountActiveInstances(ctx, sched.TemplateTaskID)
		if err != nil {
			return false, fmt.Errorf("count active instances: %w", err)
		}
		if sched.MaxInstances > 0 && active >= sched.MaxInstances {
			return false, nil
		}
		return true, nil
	default:
		return false, fmt.Errorf("unknown overlap policy %q", sched.OverlapPolicy)
	}
}

// instantiate deep-copies the template task into a fresh pending
// instance (§4.5 step 3).
func (s *Scheduler) instantiate(ctx context.Context, sched *task.Schedule) (*task.Task, error) {
	tmpl, err := s.store.GetTask(ctx, sched.TemplateTaskID)
	if err != nil {
		return nil, fmt.Errorf("load template task: %w", err)
	}
	if !tmpl.IsTemplate {
		return nil, fmt.Errorf("task %d is not a template", sched.TemplateTaskID)
	}

	scheduleID := sched.ID
	templateID := sched.TemplateTaskID
	instance, err := s.store.InsertTask(ctx, task.NewTaskInput{
		Kind:          tmpl.Kind,
		ParentID:      nil,
		ScheduleID:    &scheduleID,
		TemplateID:    &templateID,
		IsTemplate:    false,
		Payload:       tmpl.Payload,
		MaxRetries:    tmpl.MaxRetries,
		RetryPolicyID: tmpl.RetryPolicyID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.store.RecordTaskInstance(ctx, sched.ID, instance.ID); err != nil {
		return nil, fmt.Errorf("record task instance: %w", err)
	}
	return instance, nil
}
