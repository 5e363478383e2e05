package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// pidFileName is the scheduler daemon's PID marker, written under
// BasePath so `scheduler stop` can find a process started from a
// different working directory. The fork-and-pidfile shape (and the
// stale-PID handling in readRunningPID) is adapted from the teacher's
// cmd/alex/dev_lark.go supervisor start/stop commands.
const pidFileName = "taskengine-scheduler.pid"

// runForegroundFlag is the hidden marker flag the forked child process
// is invoked with; it is never advertised to operators.
const runForegroundFlag = "run-foreground"

// newSchedulerCommand implements `scheduler start|stop` (§6).
func newSchedulerCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scheduler",
		Short: "Run or stop the task loop and cron scheduler daemon",
	}
	cmd.AddCommand(newSchedulerStartCommand(cli))
	cmd.AddCommand(newSchedulerStopCommand(cli))
	return cmd
}

func newSchedulerStartCommand(cli *CLI) *cobra.Command {
	var foreground bool
	var seedFile string
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start the task loop and scheduler as a background daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}

			if foreground {
				return runSchedulerForeground(cmd.Context(), cli, seedFile, metricsAddr)
			}

			pidPath := filepath.Join(cfg.BasePath, pidFileName)
			if pid, ok := readRunningPID(pidPath); ok {
				return &ExitCodeError{Code: 1, Err: fmt.Errorf("scheduler already running (pid %d)", pid)}
			}

			self, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable path: %w", err)
			}
			logPath := filepath.Join(cfg.Dir("logs"), "scheduler.log")
			logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return fmt.Errorf("open scheduler log: %w", err)
			}
			defer logFile.Close()

			child := exec.Command(self, passThroughArgs(cmd, seedFile, metricsAddr)...)
			child.Stdout = logFile
			child.Stderr = logFile
			child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
			if err := child.Start(); err != nil {
				return fmt.Errorf("start scheduler process: %w", err)
			}
			if err := os.WriteFile(pidPath, []byte(strconv.Itoa(child.Process.Pid)), 0o644); err != nil {
				return fmt.Errorf("write pid file: %w", err)
			}
			fmt.Printf("scheduler started (pid %d), logging to %s\n", child.Process.Pid, logPath)
			return nil
		},
	}
	cmd.Flags().BoolVar(&foreground, runForegroundFlag, false, "Run in the foreground instead of forking a daemon")
	_ = cmd.Flags().MarkHidden(runForegroundFlag)
	cmd.Flags().StringVar(&seedFile, "seed-file", "", "YAML file of recurring schedules to apply idempotently at startup")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Address to serve Prometheus /metrics on (e.g. :9464); empty disables it")
	return cmd
}

func newSchedulerStopCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running scheduler daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			pidPath := filepath.Join(cfg.BasePath, pidFileName)
			pid, ok := readRunningPID(pidPath)
			if !ok {
				os.Remove(pidPath)
				fmt.Println("scheduler is not running")
				return nil
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				return fmt.Errorf("signal scheduler process %d: %w", pid, err)
			}
			for i := 0; i < 50; i++ {
				if syscall.Kill(pid, 0) != nil {
					break
				}
				time.Sleep(100 * time.Millisecond)
			}
			if syscall.Kill(pid, 0) == nil {
				_ = syscall.Kill(pid, syscall.SIGKILL)
			}
			os.Remove(pidPath)
			fmt.Printf("scheduler stopped (pid %d)\n", pid)
			return nil
		},
	}
}

func runSchedulerForeground(ctx context.Context, cli *CLI, seedFile, metricsAddr string) error {
	if err := cli.initialize(ctx); err != nil {
		return err
	}
	defer cli.store.Close()

	if err := cli.applySeedFile(ctx, seedFile); err != nil {
		return err
	}

	deps, err := cli.buildEngine()
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return deps.loop.Run(gctx) })
	g.Go(func() error { return deps.scheduler.Run(gctx) })

	if metricsAddr != "" {
		srv := newMetricsServer(metricsAddr)
		g.Go(func() error { return runMetricsServer(gctx, srv) })
	}

	if err := g.Wait(); err != nil && gctx.Err() == nil {
		return err
	}
	return nil
}

// readRunningPID reads pidPath and reports whether the process it
// names is still alive, cleaning up a stale file otherwise.
func readRunningPID(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		os.Remove(pidPath)
		return 0, false
	}
	if syscall.Kill(pid, 0) != nil {
		os.Remove(pidPath)
		return 0, false
	}
	return pid, true
}

// passThroughArgs rebuilds argv for the forked child: the same command
// path this process was invoked with, plus the hidden foreground flag
// and whatever global/seed/metrics flags the operator passed to `start`.
func passThroughArgs(cmd *cobra.Command, seedFile, metricsAddr string) []string {
	args := []string{"scheduler", "start", "--" + runForegroundFlag}
	if v, _ := cmd.Flags().GetString("base-path"); v != "" {
		args = append(args, "--base-path", v)
	}
	if v, _ := cmd.Flags().GetString("db"); v != "" {
		args = append(args, "--db", v)
	}
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		args = append(args, "--log-level", v)
	}
	if seedFile != "" {
		args = append(args, "--seed-file", seedFile)
	}
	if metricsAddr != "" {
		args = append(args, "--metrics-addr", metricsAddr)
	}
	return args
}
