package executor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"taskengine/internal/domain/task"
)

// FolderRenameGenerator is the example generator named in §4.7: it
// enumerates a directory and yields one rename subtask per entry. The
// task's payload must set file_path to the directory and args.pattern
// to a template the subtask payload carries verbatim (interpreted by
// the downstream tool/shell executor, not here).
func FolderRenameGenerator(_ context.Context, t *task.Task) ([]task.SubtaskTemplate, error) {
	dir := t.Payload.FilePath
	if dir == "" {
		return nil, fmt.Errorf("folder_rename: task has no file_path")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("folder_rename: read dir: %w", err)
	}

	pattern, _ := t.Payload.Args["pattern"].(string)

	templates := make([]task.SubtaskTemplate, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		src := filepath.Join(dir, entry.Name())
		templates = append(templates, task.SubtaskTemplate{
			Kind:        task.KindTool,
			Description: fmt.Sprintf("rename %s", src),
			Payload: task.Payload{
				Tool: "file_rename",
				Args: map[string]any{
					"source_path": src,
					"pattern":     pattern,
				},
			},
		})
	}
	return templates, nil
}
