// Package report renders run summaries as JSON or a single-row CSV.
package report

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"stresslab/internal/runner"
	"stresslab/internal/stats"
)

var ErrUnsupportedFormat = errors.New("unsupported format, use json or csv")

type Format string

const (
	JSON Format = "json"
	CSV  Format = "csv"
)

// ParseFormat accepts "json", "csv" or the empty string, which means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", JSON:
		return JSON, nil
	case CSV:
		return CSV, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
	}
}

func (f Format) ContentType() string {
	if f == CSV {
		return "text/csv"
	}
	return "application/json"
}

// Header is the fixed CSV column order.
var Header = []string{
	"run_id", "started_at", "finished_at", "requests_sent", "errors",
	"rps", "p50_ms", "p95_ms", "p99_ms", "duration_s",
}

func Write(w io.Writer, f Format, sum runner.Summary) error {
	switch f {
	case JSON:
		return WriteJSON(w, sum)
	case CSV:
		return WriteCSV(w, sum)
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, f)
	}
}

func WriteJSON(w io.Writer, sum runner.Summary) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sum)
}

// WriteCSV writes the header and one row. An unfinished run has an empty
// finished_at.
func WriteCSV(w io.Writer, sum runner.Summary) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return err
	}

	finished := ""
	if sum.FinishedAt != nil {
		finished = timestamp(*sum.FinishedAt)
	}
	row := []string{
		sum.RunID,
		timestamp(sum.StartedAt),
		finished,
		strconv.FormatUint(sum.RequestsSent, 10),
		strconv.FormatUint(sum.Errors, 10),
		fixed(sum.RPS),
		fixed(sum.LatencyMs.P50),
		fixed(sum.LatencyMs.P95),
		fixed(sum.LatencyMs.P99),
		strconv.Itoa(sum.DurationS),
	}
	if err := cw.Write(row); err != nil {
		return err
	}
	cw.Flush()
	return cw.Error()
}

// TimelinePoint is one second of a run, as written next to file reports.
type TimelinePoint struct {
	Timestamp int64  `json:"timestamp"`
	Success   uint64 `json:"success"`
	Errors    uint64 `json:"errors"`
}

func Timeline(buckets []stats.Bucket) []TimelinePoint {
	out := make([]TimelinePoint, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, TimelinePoint{Timestamp: b.Epoch, Success: b.Success, Errors: b.Errors})
	}
	return out
}

// SaveFiles writes <prefix>.json, <prefix>.csv and <prefix>_timeline.json
// and returns the paths written.
func SaveFiles(prefix string, sum runner.Summary, buckets []stats.Bucket) ([]string, error) {
	var paths []string

	for _, f := range []Format{JSON, CSV} {
		path := prefix + "." + string(f)
		if err := saveFile(path, func(w io.Writer) error { return Write(w, f, sum) }); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}

	path := prefix + "_timeline.json"
	err := saveFile(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(Timeline(buckets))
	})
	if err != nil {
		return paths, err
	}
	return append(paths, path), nil
}

func saveFile(path string, write func(io.Writer) error) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	if err := write(f); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func fixed(v float64) string { return strconv.FormatFloat(v, 'f', 2, 64) }
