package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func lookupFrom(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(WithEnvLookup(lookupFrom(nil)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerConcurrency <= 0 {
		t.Fatalf("expected positive worker concurrency, got %d", cfg.WorkerConcurrency)
	}
	if cfg.SchedulerTick != time.Minute {
		t.Fatalf("expected default scheduler tick of 1m, got %v", cfg.SchedulerTick)
	}
	if cfg.SourceOf("base_path") != SourceDefault {
		t.Fatalf("expected base_path source to default when unset")
	}
}

func TestLoadEnvOverride(t *testing.T) {
	env := map[string]string{
		"BASE_PATH":                      "/tmp/custom-base",
		"TASKENGINE_WORKER_CONCURRENCY":  "8",
		"TASKENGINE_SCHEDULER_TICK_MS":   "5000",
		"TASKENGINE_LOG_LEVEL":           "debug",
	}
	cfg, err := Load(WithEnvLookup(lookupFrom(env)))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.BasePath != "/tmp/custom-base" {
		t.Fatalf("expected overridden base path, got %s", cfg.BasePath)
	}
	if cfg.WorkerConcurrency != 8 {
		t.Fatalf("expected worker concurrency 8, got %d", cfg.WorkerConcurrency)
	}
	if cfg.SchedulerTick != 5*time.Second {
		t.Fatalf("expected scheduler tick 5s, got %v", cfg.SchedulerTick)
	}
	if cfg.SourceOf("base_path") != SourceEnv {
		t.Fatalf("expected base_path source environment")
	}
}

func TestLoadFileOverridesEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "worker_concurrency: 3\nlog_level: warn\n"
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	env := map[string]string{"TASKENGINE_WORKER_CONCURRENCY": "8"}
	cfg, err := Load(WithEnvLookup(lookupFrom(env)), WithFile(path))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerConcurrency != 3 {
		t.Fatalf("expected file override to win, got %d", cfg.WorkerConcurrency)
	}
	if cfg.SourceOf("worker_concurrency") != SourceFile {
		t.Fatalf("expected worker_concurrency source file")
	}
	if cfg.LogLevel != "warn" {
		t.Fatalf("expected log level warn, got %s", cfg.LogLevel)
	}
}

func TestEnsureDirsCreatesDerivedTree(t *testing.T) {
	dir := t.TempDir()
	cfg, err := Load(WithEnvLookup(lookupFrom(map[string]string{"BASE_PATH": dir})))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("EnsureDirs: %v", err)
	}
	for _, d := range []string{DirOutputs, DirLogs, DirTasks, DirIncoming, DirProcessing, DirArchive, DirError, DirMedia} {
		info, err := os.Stat(cfg.Dir(d))
		if err != nil {
			t.Fatalf("expected dir %s to exist: %v", d, err)
		}
		if !info.IsDir() {
			t.Fatalf("expected %s to be a directory", d)
		}
	}
}
