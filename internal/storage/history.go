// Package storage persists per-second metrics and final run records.
//
// The engine treats storage as a write-only sink: failures are reported to
// the caller, who logs and ignores them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

var (
	ErrNotFound = errors.New("run not found")
	// ErrLocked means another process, usually `stresslab serve`, holds the
	// bolt file.
	ErrLocked = errors.New("store is locked by another process")
)

// MetricRecord is one per-second bucket of a run.
type MetricRecord struct {
	RunID   string `json:"test_id"`
	Epoch   int64  `json:"epoch_sec"`
	Success uint64 `json:"success"`
	Errors  uint64 `json:"errors"`
}

// Latency percentiles in milliseconds.
type Latency struct {
	P50 float64 `json:"p50"`
	P95 float64 `json:"p95"`
	P99 float64 `json:"p99"`
}

// RunRecord is the final record of a run.
type RunRecord struct {
	RunID        string     `json:"test_id"`
	URL          string     `json:"url"`
	Duration     int        `json:"duration"`
	Concurrency  int        `json:"concurrency"`
	Proxies      []string   `json:"proxies"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at"`
	RequestsSent uint64     `json:"requests_sent"`
	Errors       uint64     `json:"errors"`
	RPS          float64    `json:"rps"`
	LatencyMs    Latency    `json:"latency_ms"`
}

// RunDetail is a run record with its per-second series, oldest first.
type RunDetail struct {
	RunRecord
	PerSecond []MetricRecord `json:"per_second"`
}

// Sink receives run data while runs execute. Writes are upserts.
type Sink interface {
	SaveMetric(ctx context.Context, m MetricRecord) error
	SaveRun(ctx context.Context, r RunRecord) error
}

// History reads back what a Sink stored.
type History interface {
	ListRuns(ctx context.Context, limit int) ([]RunRecord, error)
	GetRun(ctx context.Context, id string) (*RunDetail, error)
}

type Store interface {
	Sink
	History
	Close() error
}

// Open returns the store for driver. Supported drivers are "bolt",
// "sqlite" and "none".
func Open(driver, path string) (Store, error) {
	if driver != "none" && path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	switch driver {
	case "", "bolt":
		return OpenBolt(path)
	case "sqlite", "sqlite3":
		return OpenSQLite(path)
	case "none":
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", driver)
	}
}

// DefaultPath returns ~/.stresslab/<name>.
func DefaultPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return name
	}
	return filepath.Join(home, ".stresslab", name)
}

// Nop discards everything.
type Nop struct{}

func (Nop) SaveMetric(context.Context, MetricRecord) error { return nil }
func (Nop) SaveRun(context.Context, RunRecord) error       { return nil }
func (Nop) ListRuns(context.Context, int) ([]RunRecord, error) {
	return nil, nil
}
func (Nop) GetRun(context.Context, string) (*RunDetail, error) { return nil, ErrNotFound }
func (Nop) Close() error                                       { return nil }
