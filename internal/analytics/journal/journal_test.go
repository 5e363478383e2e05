package journal

import (
	"context"
	"testing"
	"time"

	"taskengine/internal/domain/task"
)

func TestFileWriterThenReaderRoundTrip(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}

	ctx := context.Background()
	events := []task.AnalyticsEvent{
		{TaskID: 1, TaskType: task.KindShell, Status: task.StatusRunning},
		{TaskID: 1, TaskType: task.KindShell, Status: task.StatusCompleted, DurationMS: 120},
		{TaskID: 2, TaskType: task.KindReview, Status: task.StatusError, ErrorReason: "boom"},
	}
	for _, e := range events {
		if err := w.Write(ctx, e); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	r := NewFileReader(dir)
	day := time.Now().UTC().Format("2006-01-02")

	var streamed []Entry
	if err := r.Stream(ctx, day, func(e Entry) error {
		streamed = append(streamed, e)
		return nil
	}); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if len(streamed) != len(events) {
		t.Fatalf("expected %d streamed entries, got %d", len(events), len(streamed))
	}
	for i, e := range streamed {
		if e.TaskID != events[i].TaskID || e.Status != events[i].Status {
			t.Errorf("entry %d mismatch: got %+v", i, e)
		}
		if e.WrittenAt.IsZero() {
			t.Errorf("entry %d missing WrittenAt", i)
		}
	}

	all, err := r.ReadAll(ctx)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(all) != len(events) {
		t.Fatalf("expected %d entries from ReadAll, got %d", len(events), len(all))
	}
}

func TestStreamMissingDayReturnsNoError(t *testing.T) {
	r := NewFileReader(t.TempDir())
	err := r.Stream(context.Background(), "2020-01-01", func(Entry) error {
		t.Fatal("fn should not be called for a missing file")
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error for missing day, got %v", err)
	}
}

func TestNopWriterDiscardsEvents(t *testing.T) {
	w := NopWriter()
	if err := w.Write(context.Background(), task.AnalyticsEvent{TaskID: 1}); err != nil {
		t.Fatalf("NopWriter.Write returned error: %v", err)
	}
}

func TestStreamStopsOnCallbackError(t *testing.T) {
	dir := t.TempDir()
	w, err := NewFileWriter(dir)
	if err != nil {
		t.Fatalf("NewFileWriter: %v", err)
	}
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := w.Write(ctx, task.AnalyticsEvent{TaskID: int64(i)}); err != nil {
			t.Fatalf("Write: %v", err)
		}
	}

	r := NewFileReader(dir)
	day := time.Now().UTC().Format("2006-01-02")
	sentinel := errStop{}
	count := 0
	err = r.Stream(ctx, day, func(Entry) error {
		count++
		if count == 1 {
			return sentinel
		}
		return nil
	})
	if err != sentinel {
		t.Fatalf("expected sentinel error, got %v", err)
	}
	if count != 1 {
		t.Fatalf("expected scan to stop after first entry, got %d calls", count)
	}
}

type errStop struct{}

func (errStop) Error() string { return "stop" }
