package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPercentileInterpolates(t *testing.T) {
	samples := []float64{10, 20, 30, 40, 50}

	assert.InDelta(t, 30, Percentile(samples, 50), 1e-9)
	assert.InDelta(t, 48, Percentile(samples, 95), 1e-9)
	assert.InDelta(t, 49.6, Percentile(samples, 99), 1e-9)
	assert.InDelta(t, 10, Percentile(samples, 0), 1e-9)
	assert.InDelta(t, 50, Percentile(samples, 100), 1e-9)
}

func TestPercentilesEmpty(t *testing.T) {
	lat := Percentiles(nil)
	assert.Zero(t, lat.P50)
	assert.Zero(t, lat.P95)
	assert.Zero(t, lat.P99)
}

func TestRecordBucketsPerSecond(t *testing.T) {
	a := NewAggregator(0)

	a.Record(100, true, 10*time.Millisecond)
	a.Record(100, false, 0)
	a.Record(101, true, 20*time.Millisecond)
	a.Record(103, true, 30*time.Millisecond)

	buckets := a.Buckets()
	require.Len(t, buckets, 3)
	assert.Equal(t, Bucket{Epoch: 100, Success: 1, Errors: 1}, buckets[0])
	assert.Equal(t, Bucket{Epoch: 101, Success: 1}, buckets[1])
	assert.Equal(t, Bucket{Epoch: 103, Success: 1}, buckets[2])

	s, e := a.Totals()
	assert.EqualValues(t, 3, s)
	assert.EqualValues(t, 1, e)
}

func TestRecordLateEpochFoldsIntoLatest(t *testing.T) {
	a := NewAggregator(0)

	a.Record(200, true, time.Millisecond)
	a.Record(199, false, 0)

	buckets := a.Buckets()
	require.Len(t, buckets, 1)
	assert.Equal(t, Bucket{Epoch: 200, Success: 1, Errors: 1}, buckets[0])
}

func TestRecordEvictsOldest(t *testing.T) {
	a := NewAggregator(3)
	for epoch := int64(1); epoch <= 5; epoch++ {
		a.Record(epoch, true, time.Millisecond)
	}

	buckets := a.Buckets()
	require.Len(t, buckets, 3)
	assert.EqualValues(t, 3, buckets[0].Epoch)
	assert.EqualValues(t, 5, buckets[2].Epoch)

	es, ee := a.Evicted()
	assert.EqualValues(t, 2, es)
	assert.Zero(t, ee)

	s, _ := a.Totals()
	assert.EqualValues(t, 5, s)
}

func TestConcurrentRecordKeepsInvariants(t *testing.T) {
	a := NewAggregator(0)
	base := time.Now().Unix()

	var wg sync.WaitGroup
	for lane := 0; lane < 16; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				a.Record(base+int64(i/100), (i+lane)%3 != 0, time.Millisecond)
			}
		}(lane)
	}
	wg.Wait()

	buckets := a.Buckets()
	var sum uint64
	for i, b := range buckets {
		if i > 0 {
			assert.Greater(t, b.Epoch, buckets[i-1].Epoch)
		}
		sum += b.Success + b.Errors
	}
	s, e := a.Totals()
	assert.Equal(t, s+e, sum)
	assert.EqualValues(t, 16*500, s+e)
}

func TestSummarize(t *testing.T) {
	a := NewAggregator(0)
	for _, ms := range []int{10, 20, 30, 40, 50} {
		a.Record(1, true, time.Duration(ms)*time.Millisecond)
	}
	a.Record(1, false, 0)

	running := a.Summarize(5, false)
	assert.Zero(t, running.RPS)
	assert.EqualValues(t, 5, running.RequestsSent)
	assert.EqualValues(t, 1, running.Errors)
	assert.InDelta(t, 30, running.Latency.P50, 1e-6)

	done := a.Summarize(5, true)
	assert.InDelta(t, 1.0, done.RPS, 1e-9)

	zero := a.Summarize(0, true)
	assert.InDelta(t, 5.0, zero.RPS, 1e-9)
}

func TestLiveHistogram(t *testing.T) {
	a := NewAggregator(0)
	assert.Zero(t, a.Live().P99)

	a.Record(1, true, 5*time.Millisecond)
	a.Record(1, true, 15*time.Millisecond)

	live := a.Live()
	assert.InDelta(t, 15, live.P99, 0.1)
	assert.InDelta(t, 15, live.Max, 0.1)
}
