package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"taskengine/internal/domain/task"
)

func TestRunCodeExecutor_RunsShellScript(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "script.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\necho ran\n"), 0o755))

	e := &RunCodeExecutor{}
	result, err := e.Execute(context.Background(), &task.Task{Payload: task.Payload{FilePath: path}})

	require.NoError(t, err)
	require.True(t, result.Success)
	require.Contains(t, result.ResultText, "ran")
}

func TestRunCodeExecutor_UnknownExtensionFails(t *testing.T) {
	e := &RunCodeExecutor{}
	result, err := e.Execute(context.Background(), &task.Task{Payload: task.Payload{FilePath: "/tmp/thing.unknown"}})

	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.Error, "no interpreter")
}

func TestRunCodeExecutor_NoFilePathFails(t *testing.T) {
	e := &RunCodeExecutor{}
	result, err := e.Execute(context.Background(), &task.Task{})

	require.NoError(t, err)
	require.False(t, result.Success)
}
