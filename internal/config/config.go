// Package config loads the engine's immutable process-lifetime
// configuration. The loader shape (defaults, then environment, then an
// optional file, each recorded with its provenance) follows the
// teacher's internal/config/load.go Option-function pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Source records where a config value's effective value came from, for
// diagnostics ("config get" style introspection).
type Source string

const (
	SourceDefault Source = "default"
	SourceFile    Source = "file"
	SourceEnv     Source = "environment"
)

// Derived directory names created under BasePath.
const (
	DirOutputs    = "outputs"
	DirLogs       = "logs"
	DirTasks      = "tasks"
	DirIncoming   = "incoming"
	DirProcessing = "processing"
	DirArchive    = "archive"
	DirError      = "error"
	DirMedia      = "media"
)

var derivedDirs = []string{DirOutputs, DirLogs, DirTasks, DirIncoming, DirProcessing, DirArchive, DirError, DirMedia}

// Config is the immutable, process-lifetime configuration value. It is
// constructed once via Load and passed explicitly to every subsystem
// (store, scheduler, dispatcher) rather than read from a global.
type Config struct {
	// BasePath is the root for all derived directories (§6 Environment).
	BasePath string

	// DBPath is the embedded relational store's file path.
	DBPath string

	// WorkerConcurrency bounds the task loop's parallel worker pool.
	WorkerConcurrency int

	// SchedulerTick is how often the scheduler polls for due schedules.
	SchedulerTick time.Duration

	// PolicyCacheTTL is how long a RetryPolicy lookup is cached in memory.
	PolicyCacheTTL time.Duration

	// ReadyQueueWarnDepth is the configured ready-queue depth threshold
	// (§5). It is loaded like the other fields, but no component reads
	// it, so no ready-queue depth warning is emitted.
	ReadyQueueWarnDepth int

	// DefaultTaskTimeout is the configured wall-clock budget for a
	// running task. It is loaded like the other fields, but no component
	// reads it, so running tasks are not cancelled when it elapses.
	DefaultTaskTimeout time.Duration

	// TextGenEndpoint is the text-generation service contract (§6).
	TextGenEndpoint string

	// LogLevel is one of debug|info|warn|error.
	LogLevel string

	sources map[string]Source
}

// SourceOf exposes provenance for an already-loaded Config, mirroring
// the teacher's Metadata.sources map.
func (c Config) SourceOf(field string) Source {
	if c.sources == nil {
		return SourceDefault
	}
	if s, ok := c.sources[field]; ok {
		return s
	}
	return SourceDefault
}

// Dir returns a derived directory path under BasePath.
func (c Config) Dir(name string) string {
	return filepath.Join(c.BasePath, name)
}

// EnsureDirs creates every derived directory under BasePath.
func (c Config) EnsureDirs() error {
	for _, d := range derivedDirs {
		if err := os.MkdirAll(c.Dir(d), 0o755); err != nil {
			return fmt.Errorf("ensure dir %s: %w", d, err)
		}
	}
	return nil
}

// Option customizes Load.
type Option func(*loadOptions)

type loadOptions struct {
	envLookup func(string) (string, bool)
	filePath  string
}

// WithEnvLookup overrides the environment lookup function. Used by tests.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *loadOptions) { o.envLookup = fn }
}

// WithFile points Load at a YAML config file to merge on top of defaults
// and environment.
func WithFile(path string) Option {
	return func(o *loadOptions) { o.filePath = path }
}

// fileConfig mirrors the subset of Config fields that may be set from a
// YAML file on disk.
type fileConfig struct {
	BasePath            string `yaml:"base_path"`
	DBPath              string `yaml:"db_path"`
	WorkerConcurrency   int    `yaml:"worker_concurrency"`
	SchedulerTickMS     int    `yaml:"scheduler_tick_ms"`
	PolicyCacheTTLMS    int    `yaml:"policy_cache_ttl_ms"`
	ReadyQueueWarnDepth int    `yaml:"ready_queue_warn_depth"`
	DefaultTaskTimeoutS int    `yaml:"default_task_timeout_seconds"`
	TextGenEndpoint     string `yaml:"text_gen_endpoint"`
	LogLevel            string `yaml:"log_level"`
}

// Load builds the immutable Config: defaults, then environment
// variables (TASKENGINE_*), then an optional YAML file.
func Load(opts ...Option) (Config, error) {
	options := loadOptions{envLookup: os.LookupEnv}
	for _, opt := range opts {
		opt(&options)
	}

	cfg := Config{
		BasePath:            defaultBasePath(),
		WorkerConcurrency:   defaultConcurrency(),
		SchedulerTick:       time.Minute,
		PolicyCacheTTL:      60 * time.Second,
		ReadyQueueWarnDepth: 500,
		DefaultTaskTimeout:  15 * time.Minute,
		LogLevel:            "info",
		sources:             map[string]Source{},
	}
	cfg.DBPath = filepath.Join(cfg.BasePath, "taskengine.db")

	if v, ok := options.envLookup("BASE_PATH"); ok && v != "" {
		cfg.BasePath = v
		cfg.DBPath = filepath.Join(cfg.BasePath, "taskengine.db")
		cfg.sources["base_path"] = SourceEnv
	}
	applyEnvOverrides(&cfg, options.envLookup)

	if options.filePath != "" {
		if err := applyFile(&cfg, options.filePath); err != nil {
			return Config{}, err
		}
	}

	return cfg, nil
}

func applyEnvOverrides(cfg *Config, lookup func(string) (string, bool)) {
	str := func(key string, dst *string, field string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
			cfg.sources[field] = SourceEnv
		}
	}
	intv := func(key string, dst *int, field string) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
				cfg.sources[field] = SourceEnv
			}
		}
	}
	durMS := func(key string, dst *time.Duration, field string) {
		if v, ok := lookup(key); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = time.Duration(n) * time.Millisecond
				cfg.sources[field] = SourceEnv
			}
		}
	}

	str("TASKENGINE_DB_PATH", &cfg.DBPath, "db_path")
	intv("TASKENGINE_WORKER_CONCURRENCY", &cfg.WorkerConcurrency, "worker_concurrency")
	durMS("TASKENGINE_SCHEDULER_TICK_MS", &cfg.SchedulerTick, "scheduler_tick")
	durMS("TASKENGINE_POLICY_CACHE_TTL_MS", &cfg.PolicyCacheTTL, "policy_cache_ttl")
	intv("TASKENGINE_READY_QUEUE_WARN_DEPTH", &cfg.ReadyQueueWarnDepth, "ready_queue_warn_depth")
	str("TASKENGINE_TEXT_GEN_ENDPOINT", &cfg.TextGenEndpoint, "text_gen_endpoint")
	str("TASKENGINE_LOG_LEVEL", &cfg.LogLevel, "log_level")
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	set := func(v string, dst *string, field string) {
		if v != "" {
			*dst = v
			cfg.sources[field] = SourceFile
		}
	}
	setInt := func(v int, dst *int, field string) {
		if v != 0 {
			*dst = v
			cfg.sources[field] = SourceFile
		}
	}

	set(fc.BasePath, &cfg.BasePath, "base_path")
	set(fc.DBPath, &cfg.DBPath, "db_path")
	setInt(fc.WorkerConcurrency, &cfg.WorkerConcurrency, "worker_concurrency")
	if fc.SchedulerTickMS != 0 {
		cfg.SchedulerTick = time.Duration(fc.SchedulerTickMS) * time.Millisecond
		cfg.sources["scheduler_tick"] = SourceFile
	}
	if fc.PolicyCacheTTLMS != 0 {
		cfg.PolicyCacheTTL = time.Duration(fc.PolicyCacheTTLMS) * time.Millisecond
		cfg.sources["policy_cache_ttl"] = SourceFile
	}
	setInt(fc.ReadyQueueWarnDepth, &cfg.ReadyQueueWarnDepth, "ready_queue_warn_depth")
	if fc.DefaultTaskTimeoutS != 0 {
		cfg.DefaultTaskTimeout = time.Duration(fc.DefaultTaskTimeoutS) * time.Second
		cfg.sources["default_task_timeout"] = SourceFile
	}
	set(fc.TextGenEndpoint, &cfg.TextGenEndpoint, "text_gen_endpoint")
	set(fc.LogLevel, &cfg.LogLevel, "log_level")

	return nil
}

func defaultBasePath() string {
	if v := os.Getenv("BASE_PATH"); v != "" {
		return v
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return filepath.Join(wd, ".taskengine")
}

func defaultConcurrency() int {
	n := strings.TrimSpace(os.Getenv("TASKENGINE_WORKER_CONCURRENCY"))
	if n != "" {
		if v, err := strconv.Atoi(n); err == nil && v > 0 {
			return v
		}
	}
	if c := runtime.NumCPU(); c > 0 {
		return c
	}
	return 4
}
