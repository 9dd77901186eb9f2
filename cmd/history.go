package cmd

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"stresslab/internal/storage"
	"stresslab/internal/tui/styles"
)

var historyCmd = &cobra.Command{
	Use:   "history [test-id]",
	Short: "List stored runs, or show one run with its per-second series",
	Long: `List stored runs, or show one run with its per-second series.

The bolt store is held exclusively by the process that opened it. While
` + "`stresslab serve`" + ` runs on the same file, use --store sqlite, --store none
or a different --store-path.
Against a running server, GET /history serves the same data.`,
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig(cmd, map[string]string{
			"store.driver": "store",
			"store.path":   "store-path",
		})
		if err != nil {
			return err
		}
		limit, _ := cmd.Flags().GetInt("limit")

		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		out := cmd.OutOrStdout()
		if len(args) == 1 {
			detail, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return fmt.Errorf("run %s: %w", args[0], err)
			}
			printDetail(out, detail)
			return nil
		}

		runs, err := store.ListRuns(cmd.Context(), limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(out, styles.Subtle.Render("no runs stored"))
			return nil
		}
		printRuns(out, runs)
		return nil
	},
}

func init() {
	historyCmd.Flags().IntP("limit", "n", 50, "maximum runs to list")
	historyCmd.Flags().String("store", "bolt", "persistence driver (bolt, sqlite)")
	historyCmd.Flags().String("store-path", "", "store file")
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(styles.ColorBorder)).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return styles.Active.Padding(0, 1)
			}
			return styles.Text.Padding(0, 1)
		}).
		Headers(headers...)
}

func printRuns(w io.Writer, runs []storage.RunRecord) {
	t := newTable("TEST ID", "STARTED", "URL", "C", "DUR", "OK", "ERR", "RPS", "P99 MS")
	for _, r := range runs {
		t.Row(
			r.RunID,
			r.StartedAt.Local().Format(time.DateTime),
			truncate(r.URL, 40),
			strconv.Itoa(r.Concurrency),
			strconv.Itoa(r.Duration)+"s",
			strconv.FormatUint(r.RequestsSent, 10),
			strconv.FormatUint(r.Errors, 10),
			fmt.Sprintf("%.2f", r.RPS),
			fmt.Sprintf("%.2f", r.LatencyMs.P99),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func printDetail(w io.Writer, d *storage.RunDetail) {
	fmt.Fprintln(w, styles.Title.Render("run "+d.RunID))
	fmt.Fprintf(w, "URL         : %s\n", d.URL)
	fmt.Fprintf(w, "Concurrency : %d\n", d.Concurrency)
	fmt.Fprintf(w, "Duration    : %ds\n", d.Duration)
	if len(d.Proxies) > 0 {
		fmt.Fprintf(w, "Proxies     : %s\n", strings.Join(d.Proxies, ", "))
	}
	fmt.Fprintf(w, "Started     : %s\n", d.StartedAt.Local().Format(time.DateTime))
	if d.FinishedAt != nil {
		fmt.Fprintf(w, "Finished    : %s\n", d.FinishedAt.Local().Format(time.DateTime))
	}
	fmt.Fprintf(w, "Requests    : %s ok, %d errors, %.2f rps\n",
		styles.Value.Render(strconv.FormatUint(d.RequestsSent, 10)), d.Errors, d.RPS)
	fmt.Fprintf(w, "Latency ms  : p50 %.2f  p95 %.2f  p99 %.2f\n\n", d.LatencyMs.P50, d.LatencyMs.P95, d.LatencyMs.P99)

	t := newTable("SECOND", "OK", "ERR")
	for _, m := range d.PerSecond {
		t.Row(
			time.Unix(m.Epoch, 0).Local().Format(time.TimeOnly),
			strconv.FormatUint(m.Success, 10),
			strconv.FormatUint(m.Errors, 10),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
