// Package stats aggregates per-run request outcomes: cumulative totals,
// a bounded per-second bucket history and latency samples.
package stats

import (
	"sync"
	"time"
)

// MaxBuckets caps the per-second history at one hour.
const MaxBuckets = 3600

// Bucket holds the outcome counts for one wall-clock second.
type Bucket struct {
	Epoch   int64  `json:"epoch_sec"`
	Success uint64 `json:"success"`
	Errors  uint64 `json:"errors"`
}

// Aggregator accumulates outcomes for a single run. All counter and bucket
// mutation happens under one lock, held only for the update itself.
type Aggregator struct {
	mu      sync.Mutex
	success uint64
	errors  uint64

	// latency samples of successful attempts, in milliseconds
	samples []float64

	buckets    []Bucket
	maxBuckets int

	// totals of buckets dropped from the front of the history
	evictedSuccess uint64
	evictedErrors  uint64

	// approximate view for live progress; exact percentiles come from samples
	live *SafeHistogram
}

func NewAggregator(maxBuckets int) *Aggregator {
	if maxBuckets <= 0 {
		maxBuckets = MaxBuckets
	}
	return &Aggregator{
		maxBuckets: maxBuckets,
		buckets:    make([]Bucket, 0, 64),
		live:       NewSafeHistogram(),
	}
}

// Record counts one attempt finished at epoch. Latency is only kept for
// successful attempts.
//
// An epoch older than the latest bucket is folded into the latest bucket, so
// bucket epochs stay strictly increasing whatever order lanes report in.
func (a *Aggregator) Record(epoch int64, success bool, latency time.Duration) {
	if success {
		a.live.Record(latency)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var s, e uint64
	if success {
		s = 1
		a.success++
		a.samples = append(a.samples, float64(latency)/float64(time.Millisecond))
	} else {
		e = 1
		a.errors++
	}

	if n := len(a.buckets); n > 0 && a.buckets[n-1].Epoch >= epoch {
		a.buckets[n-1].Success += s
		a.buckets[n-1].Errors += e
		return
	}

	if len(a.buckets) == a.maxBuckets {
		a.evictedSuccess += a.buckets[0].Success
		a.evictedErrors += a.buckets[0].Errors
		copy(a.buckets, a.buckets[1:])
		a.buckets = a.buckets[:len(a.buckets)-1]
	}
	a.buckets = append(a.buckets, Bucket{Epoch: epoch, Success: s, Errors: e})
}

// Totals returns the cumulative success and error counts.
func (a *Aggregator) Totals() (success, errors uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.success, a.errors
}

// Last returns the most recent bucket.
func (a *Aggregator) Last() (Bucket, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.buckets) == 0 {
		return Bucket{}, false
	}
	return a.buckets[len(a.buckets)-1], true
}

// Buckets returns a copy of the visible per-second history, oldest first.
func (a *Aggregator) Buckets() []Bucket {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]Bucket, len(a.buckets))
	copy(out, a.buckets)
	return out
}

// Evicted returns the counts of buckets that fell off the history cap.
// Totals always equal Evicted plus the sum of Buckets.
func (a *Aggregator) Evicted() (success, errors uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.evictedSuccess, a.evictedErrors
}

// Snapshot is a consistent read of totals and the latest bucket.
type Snapshot struct {
	Success uint64
	Errors  uint64
	Last    Bucket
}

func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	s := Snapshot{Success: a.success, Errors: a.errors}
	if n := len(a.buckets); n > 0 {
		s.Last = a.buckets[n-1]
	}
	return s
}

// Live returns histogram-backed latency figures for progress displays.
func (a *Aggregator) Live() Latency {
	return Latency{
		P50: a.live.QuantileMs(50),
		P95: a.live.QuantileMs(95),
		P99: a.live.QuantileMs(99),
		Max: a.live.MaxMs(),
	}
}

// Summarize computes the final view. rps is only reported once finished.
func (a *Aggregator) Summarize(durationSeconds int, finished bool) Summary {
	a.mu.Lock()
	success, errors := a.success, a.errors
	samples := make([]float64, len(a.samples))
	copy(samples, a.samples)
	a.mu.Unlock()

	sum := Summary{
		RequestsSent: success,
		Errors:       errors,
	}
	if finished {
		sum.RPS = float64(success) / float64(max(durationSeconds, 1))
	}
	sum.Latency = Percentiles(samples)
	return sum
}
