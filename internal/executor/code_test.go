package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskengine/internal/domain/task"
)

func TestCodeExecutor_WritesFileWhenPathSet(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.py")
	llm := &stubLLM{response: "print('hi')"}
	e := &CodeExecutor{Client: llm, Model: "m"}

	result, err := e.Execute(context.Background(), &task.Task{Payload: task.Payload{
		Description: "write a script",
		FilePath:    path,
	}})

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, path, result.FilePath)
	data, rerr := os.ReadFile(path)
	require.NoError(t, rerr)
	require.Equal(t, "print('hi')", string(data))
}

func TestCodeExecutor_NoFilePathReturnsTextOnly(t *testing.T) {
	llm := &stubLLM{response: "print('hi')"}
	e := &CodeExecutor{Client: llm, Model: "m"}

	result, err := e.Execute(context.Background(), &task.Task{Payload: task.Payload{Description: "write a script"}})

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Empty(t, result.FilePath)
}

func TestCodeExecutor_EmptyDescriptionFails(t *testing.T) {
	e := &CodeExecutor{Client: &stubLLM{}, Model: "m"}

	result, err := e.Execute(context.Background(), &task.Task{})

	require.NoError(t, err)
	require.False(t, result.Success)
}
