package storage

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
)

const (
	BucketRuns    = "runs"
	BucketStarted = "runs_by_start"
	BucketMetrics = "metrics"
)

// BoltStore keeps runs in a bbolt file. Run records are JSON under their
// id; each run's per-second series lives in a nested bucket keyed by
// big-endian epoch.
type BoltStore struct {
	db *bbolt.DB
}

func OpenBolt(path string) (*BoltStore, error) {
	if path == "" {
		path = DefaultPath("stresslab.db")
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: time.Second})
	if errors.Is(err, bbolt.ErrTimeout) {
		return nil, fmt.Errorf("open bolt store %s: %w", path, ErrLocked)
	}
	if err != nil {
		return nil, fmt.Errorf("open bolt store: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{BucketRuns, BucketStarted, BucketMetrics} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init bolt buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

func epochKey(epoch int64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, uint64(epoch))
	return k
}

func startKey(t time.Time, id string) []byte {
	k := make([]byte, 8, 8+len(id))
	binary.BigEndian.PutUint64(k, uint64(t.UnixNano()))
	return append(k, id...)
}

type boltMetric struct {
	Success uint64 `json:"success"`
	Errors  uint64 `json:"errors"`
}

func (s *BoltStore) SaveMetric(_ context.Context, m MetricRecord) error {
	data, err := json.Marshal(boltMetric{Success: m.Success, Errors: m.Errors})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.Bucket([]byte(BucketMetrics)).CreateBucketIfNotExists([]byte(m.RunID))
		if err != nil {
			return err
		}
		return b.Put(epochKey(m.Epoch), data)
	})
}

func (s *BoltStore) SaveRun(_ context.Context, r RunRecord) error {
	data, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		started := tx.Bucket([]byte(BucketStarted))

		if prev := runs.Get([]byte(r.RunID)); prev != nil {
			var old RunRecord
			if err := json.Unmarshal(prev, &old); err == nil {
				if err := started.Delete(startKey(old.StartedAt, old.RunID)); err != nil {
					return err
				}
			}
		}
		if err := started.Put(startKey(r.StartedAt, r.RunID), []byte(r.RunID)); err != nil {
			return err
		}
		return runs.Put([]byte(r.RunID), data)
	})
}

// ListRuns returns up to limit runs, newest first.
func (s *BoltStore) ListRuns(_ context.Context, limit int) ([]RunRecord, error) {
	var items []RunRecord

	err := s.db.View(func(tx *bbolt.Tx) error {
		runs := tx.Bucket([]byte(BucketRuns))
		c := tx.Bucket([]byte(BucketStarted)).Cursor()

		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(items) >= limit {
				break
			}
			data := runs.Get(v)
			if data == nil {
				continue
			}
			var item RunRecord
			if err := json.Unmarshal(data, &item); err == nil {
				items = append(items, item)
			}
		}
		return nil
	})
	return items, err
}

func (s *BoltStore) GetRun(_ context.Context, id string) (*RunDetail, error) {
	var d RunDetail
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket([]byte(BucketRuns)).Get([]byte(id))
		if v == nil {
			return ErrNotFound
		}
		if err := json.Unmarshal(v, &d.RunRecord); err != nil {
			return err
		}

		mb := tx.Bucket([]byte(BucketMetrics)).Bucket([]byte(id))
		if mb == nil {
			return nil
		}
		return mb.ForEach(func(k, v []byte) error {
			var m boltMetric
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			d.PerSecond = append(d.PerSecond, MetricRecord{
				RunID:   id,
				Epoch:   int64(binary.BigEndian.Uint64(k)),
				Success: m.Success,
				Errors:  m.Errors,
			})
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return &d, nil
}
