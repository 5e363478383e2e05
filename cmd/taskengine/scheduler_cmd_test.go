package main

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/spf13/cobra"
)

func TestReadRunningPIDAlive(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, pidFileName)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	pid, ok := readRunningPID(pidPath)
	if !ok {
		t.Fatal("expected pid file to report a running process")
	}
	if pid != os.Getpid() {
		t.Fatalf("pid = %d, want %d", pid, os.Getpid())
	}
}

func TestReadRunningPIDStaleIsCleaned(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, pidFileName)
	if err := os.WriteFile(pidPath, []byte("999999999"), 0o644); err != nil {
		t.Fatalf("write pid file: %v", err)
	}

	if _, ok := readRunningPID(pidPath); ok {
		t.Fatal("expected a pid that cannot be alive to report false")
	}
	if _, err := os.Stat(pidPath); !os.IsNotExist(err) {
		t.Fatalf("expected stale pid file removed, stat err = %v", err)
	}
}

func TestReadRunningPIDMissingFile(t *testing.T) {
	dir := t.TempDir()
	if _, ok := readRunningPID(filepath.Join(dir, pidFileName)); ok {
		t.Fatal("expected missing pid file to report false")
	}
}

func TestPassThroughArgsIncludesForegroundFlag(t *testing.T) {
	cmd := &cobra.Command{Use: "start"}
	cmd.Flags().String("base-path", "", "")
	cmd.Flags().String("db", "", "")
	cmd.Flags().String("log-level", "", "")
	if err := cmd.Flags().Set("base-path", "/tmp/base"); err != nil {
		t.Fatalf("set base-path: %v", err)
	}
	if err := cmd.Flags().Set("log-level", "debug"); err != nil {
		t.Fatalf("set log-level: %v", err)
	}

	args := passThroughArgs(cmd, "/tmp/seed.yaml", ":9464")

	want := []string{"scheduler", "start", "--" + runForegroundFlag, "--base-path", "/tmp/base", "--log-level", "debug", "--seed-file", "/tmp/seed.yaml", "--metrics-addr", ":9464"}
	if len(args) != len(want) {
		t.Fatalf("args = %v, want %v", args, want)
	}
	for i := range want {
		if args[i] != want[i] {
			t.Fatalf("args = %v, want %v", args, want)
		}
	}
}

func TestPassThroughArgsOmitsSeedFileWhenEmpty(t *testing.T) {
	cmd := &cobra.Command{Use: "start"}
	cmd.Flags().String("base-path", "", "")
	cmd.Flags().String("db", "", "")
	cmd.Flags().String("log-level", "", "")

	args := passThroughArgs(cmd, "", "")

	for _, a := range args {
		if a == "--seed-file" || a == "--metrics-addr" {
			t.Fatalf("expected no --seed-file or --metrics-addr flag in %v", args)
		}
	}
	if args[0] != "scheduler" || args[1] != "start" || args[2] != "--"+runForegroundFlag {
		t.Fatalf("args = %v, want prefix [scheduler start --%s]", args, runForegroundFlag)
	}
}
