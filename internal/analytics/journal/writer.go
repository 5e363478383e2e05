// Package journal persists a durable, append-only JSONL trail of
// analytics events alongside the store's own task_logs table. It is
// adapted from the teacher's turn-journal writer
// (internal/infra/analytics/journal): same JSONL-append-per-key shape,
// but keyed by UTC day instead of session id and carrying a
// task.AnalyticsEvent payload instead of an agent turn.
package journal

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"taskengine/internal/domain/task"
)

// Entry is one journaled analytics event, timestamped at write time.
type Entry struct {
	task.AnalyticsEvent
	WrittenAt time.Time `json:"written_at"`
}

// Writer persists analytics events for later replay or export.
type Writer interface {
	Write(ctx context.Context, event task.AnalyticsEvent) error
}

// WriterFunc allows ordinary functions to satisfy Writer.
type WriterFunc func(ctx context.Context, event task.AnalyticsEvent) error

func (f WriterFunc) Write(ctx context.Context, event task.AnalyticsEvent) error {
	if f == nil {
		return nil
	}
	return f(ctx, event)
}

// NopWriter drops every event. Used when journal persistence hasn't
// been configured but callers still want an unconditional Writer.
func NopWriter() Writer {
	return WriterFunc(func(context.Context, task.AnalyticsEvent) error { return nil })
}

// FileWriter appends one JSONL file per UTC day under dir, so an
// operator can tail or export a day's events without a database
// client.
type FileWriter struct {
	dir string
	mu  sync.Mutex
}

// NewFileWriter creates a writer that appends to day-partitioned JSONL
// files stored within dir.
func NewFileWriter(dir string) (*FileWriter, error) {
	if dir == "" {
		return nil, fmt.Errorf("journal directory required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	return &FileWriter{dir: dir}, nil
}

// Write appends the event to the current day's JSONL file.
func (w *FileWriter) Write(_ context.Context, event task.AnalyticsEvent) error {
	if w == nil {
		return fmt.Errorf("nil file writer")
	}
	now := time.Now().UTC()
	entry := Entry{AnalyticsEvent: event, WrittenAt: now}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}

	path := filepath.Join(w.dir, fmt.Sprintf("%s.jsonl", now.Format("2006-01-02")))
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "journal: close %s: %v\n", path, cerr)
		}
	}()

	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}
