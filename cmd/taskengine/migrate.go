package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newMigrateCommand implements `migrate up|down|verify` (§6).
func newMigrateCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the embedded SQLite schema",
	}

	cmd.AddCommand(newMigrateUpCommand(cli))
	cmd.AddCommand(newMigrateDownCommand(cli))
	cmd.AddCommand(newMigrateVerifyCommand(cli))
	return cmd
}

func newMigrateUpCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply every migration above the current schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			store, err := cli.openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			if err := store.EnsureSchema(ctx); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			fmt.Println("schema up to date")
			return nil
		},
	}
}

func newMigrateDownCommand(cli *CLI) *cobra.Command {
	var target int
	cmd := &cobra.Command{
		Use:   "down",
		Short: "Revert migrations down to (and excluding) --target",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if target < 0 {
				return &ExitCodeError{Code: 2, Err: fmt.Errorf("--target must be >= 0")}
			}
			ctx := cmd.Context()
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			store, err := cli.openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			if err := store.MigrateDown(ctx, target); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			fmt.Printf("schema reverted to version %d\n", target)
			return nil
		},
	}
	cmd.Flags().IntVar(&target, "target", 0, "Schema version to revert down to (exclusive)")
	return cmd
}

func newMigrateVerifyCommand(cli *CLI) *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the applied schema version matches the latest known migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			store, err := cli.openStore(cfg)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer store.Close()

			if err := store.VerifySchema(ctx); err != nil {
				return &ExitCodeError{Code: 3, Err: err}
			}
			fmt.Println("schema verified")
			return nil
		},
	}
}
