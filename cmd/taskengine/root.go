// Command taskengine is the operator-facing entry point for the task
// orchestration engine: schema migrations, the scheduler daemon, ad
// hoc task/policy management, and a plain-text analytics dashboard
// (§6's engine-level CLI surface). The cobra root-command-plus-
// subcommand-constructor shape, global persistent flags bound through
// viper, and the CLI struct threading shared dependencies into each
// RunE closure all follow the teacher's cmd/cobra_cli.go.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"taskengine/internal/analytics/journal"
	"taskengine/internal/config"
	"taskengine/internal/dispatcher"
	"taskengine/internal/domain/task"
	"taskengine/internal/executor"
	"taskengine/internal/logging"
	"taskengine/internal/metrics"
	"taskengine/internal/planner"
	"taskengine/internal/resolver"
	"taskengine/internal/retrymgr"
	"taskengine/internal/scheduler"
	"taskengine/internal/store/sqlite"
	"taskengine/internal/taskloop"
	"taskengine/internal/textgen"
)

// CLI threads the flags and lazily-constructed dependencies every
// subcommand's RunE closure needs, mirroring the teacher's CLI struct
// in cmd/cobra_cli.go (there built around a chat agent; here around a
// store handle and its downstream wiring).
type CLI struct {
	basePath string
	dbPath   string
	logLevel string

	cfg   config.Config
	store *sqlite.Store
	log   logging.Logger
}

// NewRootCommand builds the taskengine command tree.
func NewRootCommand() *cobra.Command {
	cli := &CLI{}

	rootCmd := &cobra.Command{
		Use:           "taskengine",
		Short:         "Task orchestration engine",
		Long:          "taskengine runs and administers a single-process task orchestration engine: a dependency-aware task loop, a cron scheduler, and retry policies, backed by an embedded SQLite store.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&cli.basePath, "base-path", "", "Root directory for derived directories and the database (env BASE_PATH)")
	rootCmd.PersistentFlags().StringVar(&cli.dbPath, "db", "", "Path to the SQLite database file (env TASKENGINE_DB_PATH)")
	rootCmd.PersistentFlags().StringVar(&cli.logLevel, "log-level", "", "Log level: debug|info|warn|error (env TASKENGINE_LOG_LEVEL)")

	_ = viper.BindPFlag("base-path", rootCmd.PersistentFlags().Lookup("base-path"))
	_ = viper.BindPFlag("db", rootCmd.PersistentFlags().Lookup("db"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.SetConfigName("taskengine")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")

	rootCmd.AddCommand(newMigrateCommand(cli))
	rootCmd.AddCommand(newSchedulerCommand(cli))
	rootCmd.AddCommand(newTaskCommand(cli))
	rootCmd.AddCommand(newPolicyCommand(cli))
	rootCmd.AddCommand(newDashboardCommand(cli))

	return rootCmd
}

// envLookup layers the bound flags (which viper resolves flag > env >
// default for) on top of a plain os.LookupEnv fallback, so
// config.Load's own TASKENGINE_* handling and defaultBasePath still
// apply when a flag wasn't given.
func (cli *CLI) envLookup(key string) (string, bool) {
	switch key {
	case "BASE_PATH":
		if v := viper.GetString("base-path"); v != "" {
			return v, true
		}
	case "TASKENGINE_DB_PATH":
		if v := viper.GetString("db"); v != "" {
			return v, true
		}
	case "TASKENGINE_LOG_LEVEL":
		if v := viper.GetString("log-level"); v != "" {
			return v, true
		}
	}
	return osLookupEnv(key)
}

// loadConfig resolves the immutable Config from flags/env/defaults
// without touching the database, used by every subcommand.
func (cli *CLI) loadConfig() (config.Config, error) {
	cfg, err := config.Load(config.WithEnvLookup(cli.envLookup))
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.EnsureDirs(); err != nil {
		return config.Config{}, fmt.Errorf("ensure directories: %w", err)
	}
	logging.SetLevel(parseLogLevel(cfg.LogLevel))
	return cfg, nil
}

// openStore opens the database at cfg.DBPath without applying
// migrations, for commands (migrate down/verify) that manage schema
// version explicitly themselves.
func (cli *CLI) openStore(cfg config.Config) (*sqlite.Store, error) {
	return sqlite.Open(cfg.DBPath, logging.NewComponentLogger("store"))
}

// initialize resolves config, opens the store, and ensures the schema
// is at its latest version — the common path for every subcommand
// except `migrate`, which drives schema version transitions directly.
func (cli *CLI) initialize(ctx context.Context) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	store, err := cli.openStore(cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	cli.cfg = cfg
	cli.store = store
	cli.log = logging.NewComponentLogger("cli")
	return nil
}

// engineDeps bundles every collaborator the task loop and scheduler
// daemon need, built once by `scheduler start`.
type engineDeps struct {
	loop      *taskloop.Engine
	scheduler *scheduler.Scheduler
}

// buildEngine wires the dispatcher's executors, the planner's
// similarity index, the retry manager, and the task loop/scheduler
// pair. media/index/download collaborators are left nil — §1 lists
// them as out-of-scope external services, so their kinds register as
// permanently "not configured" rather than unroutable.
func (cli *CLI) buildEngine() (*engineDeps, error) {
	journalDir := cli.cfg.Dir(config.DirLogs)
	journalWriter, err := journal.NewFileWriter(journalDir)
	if err != nil {
		return nil, fmt.Errorf("open journal writer: %w", err)
	}

	rec, err := metrics.New()
	if err != nil {
		cli.log.Warn("metrics disabled: %v", err)
		rec = nil
	}

	textClient := textgen.NewHTTPClient(cli.cfg.TextGenEndpoint, "")

	d := dispatcher.New(cli.store, journalWriter, rec, logging.NewComponentLogger("dispatcher"))
	d.Register(task.KindShell, &executor.ShellExecutor{})
	d.Register(task.KindLLM, &executor.LLMExecutor{Client: textClient})
	d.Register(task.KindCode, &executor.CodeExecutor{Client: textClient})
	d.Register(task.KindReview, &executor.ReviewExecutor{Client: textClient, Store: cli.store})
	d.Register(task.KindRunCode, &executor.RunCodeExecutor{})
	d.Register(task.KindTool, executor.NewToolExecutor())

	batchExec := executor.NewBatchExecutor(cli.store)
	batchExec.RegisterGenerator("folder_rename", executor.FolderRenameGenerator)
	d.Register(task.KindBatch, batchExec)

	index, err := planner.NewChromemIndex()
	if err != nil {
		return nil, fmt.Errorf("create planner index: %w", err)
	}
	expander := planner.New(cli.store, textClient, index, "", logging.NewComponentLogger("planner"))
	d.Register(task.KindPlanner, &executor.PlannerExecutor{Expander: expander})

	executor.RegisterMediaExecutors(d, nil, nil, nil)

	res := resolver.New()
	retry := retrymgr.New(cli.store, cli.cfg.PolicyCacheTTL, logging.NewComponentLogger("retrymgr"))
	loop := taskloop.New(cli.store, d, retry, res, index, taskloop.DefaultConfig(cli.cfg.WorkerConcurrency), logging.NewComponentLogger("taskloop"))
	sched := scheduler.New(cli.store, scheduler.Config{TickInterval: cli.cfg.SchedulerTick}, logging.NewComponentLogger("scheduler"))

	return &engineDeps{loop: loop, scheduler: sched}, nil
}

// applySeedFile parses a YAML list of scheduler.SeedDefinition and
// idempotently materializes each into a template task and schedule,
// used by `scheduler start --seed-file` to bootstrap recurring jobs
// declaratively instead of one `task submit`/cron registration per job.
func (cli *CLI) applySeedFile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read seed file: %w", err)
	}
	var defs []scheduler.SeedDefinition
	if err := yaml.Unmarshal(data, &defs); err != nil {
		return fmt.Errorf("parse seed file: %w", err)
	}

	applier := scheduler.NewSeedApplier(cli.store, cli.cfg.Dir(config.DirTasks))
	created, err := applier.Apply(ctx, defs)
	if err != nil {
		return fmt.Errorf("apply seed file: %w", err)
	}
	if len(created) > 0 {
		cli.log.Info("seed file applied: %d new schedule(s)", len(created))
	}
	return nil
}
