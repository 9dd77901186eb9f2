package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tests (
	test_id TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	duration INTEGER NOT NULL,
	concurrency INTEGER NOT NULL,
	proxies_json TEXT,
	started_at TEXT,
	finished_at TEXT,
	requests_sent INTEGER,
	errors INTEGER,
	rps REAL,
	p50_ms REAL,
	p95_ms REAL,
	p99_ms REAL
);
CREATE TABLE IF NOT EXISTS metrics (
	test_id TEXT,
	epoch_sec INTEGER,
	success INTEGER,
	errors INTEGER,
	PRIMARY KEY(test_id, epoch_sec)
);`

// sqliteTime sorts lexically, which ListRuns relies on.
const sqliteTime = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore keeps runs in the tests/metrics tables.
type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		path = DefaultPath("stresslab.sqlite")
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers; one connection avoids SQLITE_BUSY churn
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) SaveMetric(ctx context.Context, m MetricRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO metrics(test_id, epoch_sec, success, errors) VALUES(?,?,?,?)`,
		m.RunID, m.Epoch, m.Success, m.Errors)
	if err != nil {
		return fmt.Errorf("failed to save metric: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveRun(ctx context.Context, r RunRecord) error {
	proxies, err := json.Marshal(r.Proxies)
	if err != nil {
		return err
	}
	var finished any
	if r.FinishedAt != nil {
		finished = r.FinishedAt.UTC().Format(sqliteTime)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO tests
		(test_id, url, duration, concurrency, proxies_json, started_at, finished_at,
		 requests_sent, errors, rps, p50_ms, p95_ms, p99_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
	`, r.RunID, r.URL, r.Duration, r.Concurrency, string(proxies),
		r.StartedAt.UTC().Format(sqliteTime), finished,
		r.RequestsSent, r.Errors, r.RPS, r.LatencyMs.P50, r.LatencyMs.P95, r.LatencyMs.P99)
	if err != nil {
		return fmt.Errorf("failed to save run: %w", err)
	}
	return nil
}

const selectRun = `
	SELECT test_id, url, duration, concurrency, COALESCE(proxies_json, '[]'), started_at, finished_at,
	       COALESCE(requests_sent, 0), COALESCE(errors, 0), COALESCE(rps, 0),
	       COALESCE(p50_ms, 0), COALESCE(p95_ms, 0), COALESCE(p99_ms, 0)
	FROM tests`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (RunRecord, error) {
	var (
		r        RunRecord
		proxies  string
		started  string
		finished sql.NullString
	)
	err := row.Scan(&r.RunID, &r.URL, &r.Duration, &r.Concurrency, &proxies, &started, &finished,
		&r.RequestsSent, &r.Errors, &r.RPS, &r.LatencyMs.P50, &r.LatencyMs.P95, &r.LatencyMs.P99)
	if err != nil {
		return r, err
	}
	if err := json.Unmarshal([]byte(proxies), &r.Proxies); err != nil {
		return r, fmt.Errorf("decode proxies: %w", err)
	}
	if r.StartedAt, err = time.Parse(sqliteTime, started); err != nil {
		return r, fmt.Errorf("decode started_at: %w", err)
	}
	if finished.Valid {
		t, err := time.Parse(sqliteTime, finished.String)
		if err != nil {
			return r, fmt.Errorf("decode finished_at: %w", err)
		}
		r.FinishedAt = &t
	}
	return r, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, selectRun+` ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*RunDetail, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, selectRun+` WHERE test_id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT epoch_sec, success, errors FROM metrics WHERE test_id = ? ORDER BY epoch_sec`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	d := &RunDetail{RunRecord: r}
	for rows.Next() {
		m := MetricRecord{RunID: id}
		if err := rows.Scan(&m.Epoch, &m.Success, &m.Errors); err != nil {
			return nil, err
		}
		d.PerSecond = append(d.PerSecond, m)
	}
	return d, rows.Err()
}
