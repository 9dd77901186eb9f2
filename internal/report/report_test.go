package report

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stresslab/internal/runner"
	"stresslab/internal/stats"
)

func sampleSummary(finished bool) runner.Summary {
	started := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	sum := runner.Summary{
		RunID:        "abc",
		State:        runner.StateRunning,
		StartedAt:    started,
		RequestsSent: 120,
		Errors:       3,
		LatencyMs:    stats.Latency{P50: 30, P95: 48, P99: 49.6},
		DurationS:    5,
	}
	if finished {
		fin := started.Add(5 * time.Second)
		sum.State = runner.StateFinished
		sum.FinishedAt = &fin
		sum.RPS = 24
	}
	return sum
}

func TestParseFormat(t *testing.T) {
	for in, want := range map[string]Format{"": JSON, "json": JSON, "csv": CSV} {
		got, err := ParseFormat(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	_, err := ParseFormat("xml")
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Equal(t, "text/csv", CSV.ContentType())
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, CSV, sampleSummary(true)))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, Header, rows[0])
	assert.Equal(t, []string{
		"abc", "2026-03-01T12:00:00Z", "2026-03-01T12:00:05Z", "120", "3",
		"24.00", "30.00", "48.00", "49.60", "5",
	}, rows[1])
}

func TestWriteCSVUnfinished(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, sampleSummary(false)))

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	assert.Equal(t, "", rows[1][2])
	assert.Equal(t, "0.00", rows[1][5])
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, JSON, sampleSummary(true)))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "abc", got["test_id"])
	assert.Equal(t, "finished", got["state"])
	assert.Equal(t, float64(120), got["requests_sent"])
	lat := got["latency_ms"].(map[string]any)
	assert.Equal(t, 49.6, lat["p99"])
}

func TestWriteUnknownFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, Format("xml"), sampleSummary(true))
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestSaveFiles(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "out")
	buckets := []stats.Bucket{{Epoch: 100, Success: 4, Errors: 1}, {Epoch: 101, Success: 6}}

	paths, err := SaveFiles(prefix, sampleSummary(true), buckets)
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + ".json", prefix + ".csv", prefix + "_timeline.json"}, paths)

	data, err := os.ReadFile(prefix + "_timeline.json")
	require.NoError(t, err)
	var timeline []TimelinePoint
	require.NoError(t, json.Unmarshal(data, &timeline))
	assert.Equal(t, []TimelinePoint{{100, 4, 1}, {101, 6, 0}}, timeline)
}
