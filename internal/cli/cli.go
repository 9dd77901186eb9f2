// Package cli runs a load test in-process and reports to the terminal.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"stresslab/internal/report"
	"stresslab/internal/runner"
	"stresslab/internal/tui/live"
)

type Options struct {
	// OutPrefix, when set, receives <prefix>.json, <prefix>.csv and
	// <prefix>_timeline.json.
	OutPrefix string
	// TUI shows the interactive monitor instead of the progress line.
	TUI    bool
	Out    io.Writer
	Logger zerolog.Logger
}

// Run starts spec on m and blocks until it finishes. Cancelling ctx
// cancels the run; the returned summary is still the final one.
func Run(ctx context.Context, m *runner.Manager, spec runner.RunSpec, opts Options) (runner.Summary, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}

	run, err := m.Start(spec)
	if err != nil {
		return runner.Summary{}, err
	}
	sub, err := m.Subscribe(run.ID)
	if err != nil {
		return runner.Summary{}, err
	}
	defer m.Unsubscribe(sub)

	stop := context.AfterFunc(ctx, func() { run.Stop() })
	defer stop()

	duration := time.Duration(spec.Duration) * time.Second
	if opts.TUI {
		model := live.NewModel(run.ID, spec.URL, duration, func() { run.Stop() })
		if _, err := live.Run(ctx, model, sub.C()); err != nil {
			opts.Logger.Warn().Err(err).Msg("terminal monitor failed, waiting for run")
		}
	} else {
		PrintHeader(opts.Out, run.ID, spec)
		Follow(opts.Out, sub.C(), duration)
	}

	<-run.Done()
	sum := run.Summary()
	PrintSummary(opts.Out, sum)

	if opts.OutPrefix != "" {
		paths, err := report.SaveFiles(opts.OutPrefix, sum, run.Buckets())
		if err != nil {
			return sum, fmt.Errorf("write reports: %w", err)
		}
		fmt.Fprintf(opts.Out, "\nReports saved: %s\n", strings.Join(paths, ", "))
	}
	return sum, nil
}

// Follow prints a progress line per message until the stream ends or a
// final message arrives.
func Follow(w io.Writer, msgs <-chan runner.Message, duration time.Duration) *runner.Summary {
	for msg := range msgs {
		switch msg.Type {
		case runner.MessageProgress:
			PrintProgress(w, *msg.Progress, duration)
		case runner.MessageFinal:
			fmt.Fprintln(w)
			return msg.Summary
		}
	}
	fmt.Fprintln(w)
	return nil
}

func PrintHeader(w io.Writer, runID string, spec runner.RunSpec) {
	fmt.Fprintf(w, "\nSTARTING STRESSLAB RUN %s\n", runID)
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(w, "Target URL  : %s\n", spec.URL)
	fmt.Fprintf(w, "Concurrency : %d\n", spec.Concurrency)
	fmt.Fprintf(w, "Duration    : %ds\n", spec.Duration)
	if len(spec.Proxies) > 0 {
		fmt.Fprintf(w, "Proxies     : %s\n", strings.Join(spec.Proxies, ", "))
	}
	fmt.Fprintf(w, "%s\n\n", strings.Repeat("=", 70))
}

func PrintProgress(w io.Writer, p runner.Progress, duration time.Duration) {
	pct := 0.0
	if duration > 0 {
		pct = min(float64(p.ElapsedS)/duration.Seconds(), 1)
	}
	fmt.Fprintf(w, "\r%s %3.0f%% | %ds/%s | RPS: %d | OK: %d | Err: %d | P99: %.1fms",
		progressBar(pct, 20), pct*100,
		p.ElapsedS, duration,
		p.RPS,
		p.RequestsSent,
		p.Errors,
		p.LatencyMs.P99,
	)
}

func progressBar(pct float64, width int) string {
	filled := min(max(int(pct*float64(width)), 0), width)
	return "[" + strings.Repeat("█", filled) + strings.Repeat("-", width-filled) + "]"
}

func PrintSummary(w io.Writer, sum runner.Summary) {
	fmt.Fprintf(w, "\nLOAD TEST RESULTS %s\n", sum.RunID)
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 70))
	fmt.Fprintf(w, "State          : %s\n", sum.State)
	fmt.Fprintf(w, "Duration       : %ds\n", sum.DurationS)
	fmt.Fprintf(w, "Requests Sent  : %d\n", sum.RequestsSent)
	fmt.Fprintf(w, "Errors         : %d\n", sum.Errors)
	fmt.Fprintf(w, "RPS            : %.2f\n", sum.RPS)
	fmt.Fprintf(w, "\nRESPONSE TIMES (ms) [Success Only]\n")
	fmt.Fprintf(w, "   P50 : %.2f\n", sum.LatencyMs.P50)
	fmt.Fprintf(w, "   P95 : %.2f\n", sum.LatencyMs.P95)
	fmt.Fprintf(w, "   P99 : %.2f\n", sum.LatencyMs.P99)
	fmt.Fprintf(w, "%s\n", strings.Repeat("=", 70))
}
