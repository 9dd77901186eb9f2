package cmd

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stresslab/internal/storage"
)

func TestStreamURL(t *testing.T) {
	tests := []struct {
		server, key, want string
	}{
		{"http://localhost:8000", "k", "ws://localhost:8000/ws/tests/abc?key=k"},
		{"https://lab.example.com/", "", "wss://lab.example.com/ws/tests/abc"},
		{"http://host/prefix", "a b", "ws://host/prefix/ws/tests/abc?key=a+b"},
	}
	for _, tt := range tests {
		got, err := streamURL(tt.server, "abc", tt.key)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "http://...", truncate("http://example.com/long", 10))
}

func TestPrintDetail(t *testing.T) {
	fin := time.Unix(1700000005, 0)
	d := &storage.RunDetail{
		RunRecord: storage.RunRecord{
			RunID:        "abc",
			URL:          "http://x",
			Duration:     5,
			Concurrency:  2,
			StartedAt:    time.Unix(1700000000, 0),
			FinishedAt:   &fin,
			RequestsSent: 10,
		},
		PerSecond: []storage.MetricRecord{{RunID: "abc", Epoch: 1700000001, Success: 10}},
	}

	var buf bytes.Buffer
	printDetail(&buf, d)
	assert.Contains(t, buf.String(), "http://x")
	assert.Contains(t, buf.String(), "SECOND")
}
