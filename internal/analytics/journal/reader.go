package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"
)

const (
	initialScanBuffer = 64 * 1024
	maxScanBuffer     = 4 * 1024 * 1024
)

// Reader replays journaled analytics events back out, either streamed
// one at a time or collected into a slice.
type Reader interface {
	// Stream calls fn once per entry for the given UTC day
	// ("2006-01-02"), in file order. fn's error aborts the scan.
	Stream(ctx context.Context, day string, fn func(Entry) error) error

	// ReadAll returns every entry journaled across the given days, in
	// day order then file order. An empty days list reads every day
	// file present in the directory.
	ReadAll(ctx context.Context, days ...string) ([]Entry, error)
}

// FileReader reads the day-partitioned JSONL files FileWriter writes.
type FileReader struct {
	dir string
}

// NewFileReader returns a Reader over the journal files stored in dir.
func NewFileReader(dir string) *FileReader {
	return &FileReader{dir: dir}
}

func (r *FileReader) path(day string) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s.jsonl", day))
}

// Stream scans the day's journal file, decoding one Entry per line.
// A missing file is not an error: it means no events were journaled
// that day.
func (r *FileReader) Stream(ctx context.Context, day string, fn func(Entry) error) error {
	f, err := os.Open(r.path(day))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, initialScanBuffer), maxScanBuffer)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			return fmt.Errorf("decode journal entry: %w", err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("scan journal file: %w", err)
	}
	return nil
}

// ReadAll collects every entry for the given days (or every day file
// present in the directory, if none are given) into a slice.
func (r *FileReader) ReadAll(ctx context.Context, days ...string) ([]Entry, error) {
	if len(days) == 0 {
		found, err := r.listDays()
		if err != nil {
			return nil, err
		}
		days = found
	}

	var entries []Entry
	for _, day := range days {
		if err := r.Stream(ctx, day, func(e Entry) error {
			entries = append(entries, e)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("day %s: %w", day, err)
		}
	}
	return entries, nil
}

func (r *FileReader) listDays() ([]string, error) {
	glob := filepath.Join(r.dir, "*.jsonl")
	matches, err := filepath.Glob(glob)
	if err != nil {
		return nil, fmt.Errorf("list journal files: %w", err)
	}
	days := make([]string, 0, len(matches))
	for _, m := range matches {
		base := filepath.Base(m)
		day := base[:len(base)-len(".jsonl")]
		if _, err := time.Parse("2006-01-02", day); err != nil {
			continue
		}
		days = append(days, day)
	}
	sort.Strings(days)
	return days, nil
}
