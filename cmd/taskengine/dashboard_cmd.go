package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"taskengine/internal/analytics/journal"
	"taskengine/internal/config"
)

// newDashboardCommand implements `dashboard render` (§6). HTML
// rendering is an explicit non-goal (§1), so this prints a plain-text
// tally of the journaled analytics events instead — every number a
// richer dashboard would eventually chart, without the HTML/JS layer.
func newDashboardCommand(cli *CLI) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dashboard",
		Short: "Summarize journaled task analytics",
	}
	cmd.AddCommand(newDashboardRenderCommand(cli))
	return cmd
}

func newDashboardRenderCommand(cli *CLI) *cobra.Command {
	var days []string
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Print a plain-text summary of recent task analytics events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := cli.loadConfig()
			if err != nil {
				return err
			}
			reader := journal.NewFileReader(cfg.Dir(config.DirLogs))

			entries, err := reader.ReadAll(cmd.Context(), days...)
			if err != nil {
				return fmt.Errorf("read journal: %w", err)
			}
			renderDashboard(cmd.OutOrStdout(), entries)
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&days, "day", nil, "UTC day(s) to summarize (YYYY-MM-DD); defaults to every day journaled")
	return cmd
}

// renderDashboard tallies journaled events by recorded status and by
// task kind, mirroring the counters a richer (HTML) dashboard would
// chart — §1 explicitly keeps the rendering layer itself out of scope.
func renderDashboard(out io.Writer, entries []journal.Entry) {
	byStatus := map[string]int{}
	byKind := map[string]int{}
	var totalDurationMS int64
	var totalRetries int

	for _, e := range entries {
		byStatus[string(e.Status)]++
		byKind[string(e.TaskType)]++
		totalDurationMS += e.DurationMS
		totalRetries += e.Retries
	}

	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "total events:\t%d\n", len(entries))
	fmt.Fprintf(w, "total retries:\t%d\n", totalRetries)
	if len(entries) > 0 {
		fmt.Fprintf(w, "avg duration ms:\t%d\n", totalDurationMS/int64(len(entries)))
	}
	fmt.Fprintln(w, "\nby status:")
	for _, k := range sortedKeys(byStatus) {
		fmt.Fprintf(w, "  %s\t%d\n", k, byStatus[k])
	}
	fmt.Fprintln(w, "\nby task kind:")
	for _, k := range sortedKeys(byKind) {
		fmt.Fprintf(w, "  %s\t%d\n", k, byKind[k])
	}
	w.Flush()
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
