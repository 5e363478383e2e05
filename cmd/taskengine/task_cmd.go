package main

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"taskengine/internal/domain/task"
)

// newTaskCommand implements `task submit|status|cancel` (§6).
func newTaskCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Submit and inspect individual tasks",
	}
	cmd.AddCommand(newTaskSubmitCommand(cli))
	cmd.AddCommand(newTaskStatusCommand(cli))
	cmd.AddCommand(newTaskCancelCommand(cli))
	return cmd
}

func newTaskSubmitCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "submit <kind> <json-payload>",
		Short: "Insert a new pending task",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := task.Kind(args[0])
			if !kind.IsValid() {
				return &ExitCodeError{Code: 2, Err: fmt.Errorf("unknown task kind %q", args[0])}
			}
			var payload task.Payload
			if err := json.Unmarshal([]byte(args[1]), &payload); err != nil {
				return &ExitCodeError{Code: 2, Err: fmt.Errorf("parse payload: %w", err)}
			}

			ctx := cmd.Context()
			if err := cli.initialize(ctx); err != nil {
				return err
			}
			defer cli.store.Close()

			t, err := cli.store.InsertTask(ctx, task.NewTaskInput{Kind: kind, Payload: payload})
			if err != nil {
				return fmt.Errorf("insert task: %w", err)
			}
			fmt.Printf("task %d submitted (kind=%s, status=%s)\n", t.ID, t.Kind, t.Status)
			return nil
		},
	}
}

func newTaskStatusCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "status <id>",
		Short: "Print a task's current state as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return &ExitCodeError{Code: 2, Err: fmt.Errorf("invalid task id %q", args[0])}
			}

			ctx := cmd.Context()
			if err := cli.initialize(ctx); err != nil {
				return err
			}
			defer cli.store.Close()

			t, err := cli.store.GetTask(ctx, id)
			if err != nil {
				return fmt.Errorf("get task %d: %w", id, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(t)
		},
	}
}

func newTaskCancelCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return &ExitCodeError{Code: 2, Err: fmt.Errorf("invalid task id %q", args[0])}
			}

			ctx := cmd.Context()
			if err := cli.initialize(ctx); err != nil {
				return err
			}
			defer cli.store.Close()

			t, err := cli.store.GetTask(ctx, id)
			if err != nil {
				return fmt.Errorf("get task %d: %w", id, err)
			}
			if err := cli.store.UpdateTaskStatus(ctx, id, t.Status, task.StatusCancelled); err != nil {
				if err == task.ErrConcurrentTransition {
					return &ExitCodeError{Code: 1, Err: fmt.Errorf("task %d changed state concurrently, retry", id)}
				}
				return fmt.Errorf("cancel task %d: %w", id, err)
			}
			fmt.Printf("task %d cancelled\n", id)
			return nil
		},
	}
}
