package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskengine/internal/domain/task"
)

type fakeReviewSource struct {
	tasks map[int64]*task.Task
}

func (f *fakeReviewSource) GetTask(_ context.Context, id int64) (*task.Task, error) {
	if t, ok := f.tasks[id]; ok {
		return t, nil
	}
	return nil, errShort("not found")
}

func TestReviewExecutor_PullsArtifactFromDependencyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "code.py")
	require.NoError(t, os.WriteFile(path, []byte("print('dep output')"), 0o644))

	source := &fakeReviewSource{tasks: map[int64]*task.Task{
		5: {ID: 5, Kind: task.KindCode, ArtifactPath: path},
	}}
	llm := &stubLLM{response: "looks good"}
	e := &ReviewExecutor{Client: llm, Model: "m", Store: source}

	result, err := e.Execute(context.Background(), &task.Task{
		Payload:      task.Payload{Description: "check correctness"},
		Dependencies: []int64{5},
	})

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "looks good", result.ResultText)
	require.Contains(t, llm.lastReq.Prompt, "dep output")
}

func TestReviewExecutor_FallsBackToResultSummaryWithoutArtifact(t *testing.T) {
	source := &fakeReviewSource{tasks: map[int64]*task.Task{
		5: {ID: 5, Kind: task.KindShell, ResultSummary: "shell output here"},
	}}
	llm := &stubLLM{response: "ok"}
	e := &ReviewExecutor{Client: llm, Model: "m", Store: source}

	_, err := e.Execute(context.Background(), &task.Task{
		Payload:      task.Payload{Description: "check"},
		Dependencies: []int64{5},
	})

	require.NoError(t, err)
	require.Contains(t, llm.lastReq.Prompt, "shell output here")
}
