package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"taskengine/internal/domain/task"
)

// policyInput mirrors the subset of task.RetryPolicy an operator may
// set from the command line; Kind is taken from the positional
// argument rather than duplicated in the JSON body.
type policyInput struct {
	MaxRetries         int                 `json:"max_retries"`
	BackoffStrategy    task.BackoffStrategy `json:"backoff_strategy"`
	BaseDelayMS        int64               `json:"base_delay_ms"`
	MaxDelayMS         int64               `json:"max_delay_ms"`
	Multiplier         float64             `json:"multiplier"`
	RetryableErrors    []string            `json:"retryable_errors"`
	NonRetryableErrors []string            `json:"non_retryable_errors"`
	Enabled            *bool               `json:"enabled"`
}

// newPolicyCommand implements `policy set <kind> <json>` (§6).
func newPolicyCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "policy",
		Short: "Manage per-kind retry policies",
	}
	cmd.AddCommand(newPolicySetCommand(cli))
	return cmd
}

func newPolicySetCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "set <kind> <json>",
		Short: "Create or replace the retry policy for a task kind",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := task.Kind(args[0])
			if !kind.IsValid() {
				return &ExitCodeError{Code: 2, Err: fmt.Errorf("unknown task kind %q", args[0])}
			}
			var in policyInput
			if err := json.Unmarshal([]byte(args[1]), &in); err != nil {
				return &ExitCodeError{Code: 2, Err: fmt.Errorf("parse policy: %w", err)}
			}

			p := task.RetryPolicy{
				Kind:               kind,
				MaxRetries:         in.MaxRetries,
				BackoffStrategy:    in.BackoffStrategy,
				BaseDelayMS:        in.BaseDelayMS,
				MaxDelayMS:         in.MaxDelayMS,
				Multiplier:         in.Multiplier,
				RetryableErrors:    in.RetryableErrors,
				NonRetryableErrors: in.NonRetryableErrors,
				Enabled:            true,
			}
			if in.Enabled != nil {
				p.Enabled = *in.Enabled
			}
			if p.BackoffStrategy == "" {
				p.BackoffStrategy = task.BackoffExponential
			}
			if p.Multiplier == 0 {
				p.Multiplier = 2.0
			}

			ctx := cmd.Context()
			if err := cli.initialize(ctx); err != nil {
				return err
			}
			defer cli.store.Close()

			saved, err := cli.store.UpsertPolicy(ctx, p)
			if err != nil {
				return fmt.Errorf("upsert policy: %w", err)
			}
			fmt.Printf("policy for %s saved (max_retries=%d, backoff=%s)\n", saved.Kind, saved.MaxRetries, saved.BackoffStrategy)
			return nil
		},
	}
}
