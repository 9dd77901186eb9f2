package runner

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stresslab/internal/proxy"
	"stresslab/internal/storage"
)

type memSink struct {
	mu      sync.Mutex
	metrics []storage.MetricRecord
	runs    []storage.RunRecord
	err     error
}

func (s *memSink) SaveMetric(_ context.Context, m storage.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return s.err
}

func (s *memSink) SaveRun(_ context.Context, r storage.RunRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs = append(s.runs, r)
	return s.err
}

func (s *memSink) snapshot() ([]storage.MetricRecord, []storage.RunRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]storage.MetricRecord(nil), s.metrics...), append([]storage.RunRecord(nil), s.runs...)
}

var testTimeouts = proxy.Timeouts{Connect: time.Second, Read: 2 * time.Second}

func testLimits() Limits {
	return Limits{MaxConcurrency: 1000, MinDuration: 1, MaxDuration: 3600}
}

func newTestManager(t *testing.T, sink storage.Sink) *Manager {
	t.Helper()
	m := NewManager(Options{
		Limits:       testLimits(),
		Sink:         sink,
		TickInterval: 50 * time.Millisecond,
		Timeouts:     testTimeouts,
	})
	t.Cleanup(m.Close)
	return m
}

func okServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func deadURL(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return "http://" + addr + "/"
}

func collect(t *testing.T, ch <-chan Message, within time.Duration) []Message {
	t.Helper()
	var out []Message
	timeout := time.After(within)
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, msg)
		case <-timeout:
			t.Fatalf("stream did not end within %s", within)
		}
	}
}

func countType(msgs []Message, typ MessageType) int {
	n := 0
	for _, m := range msgs {
		if m.Type == typ {
			n++
		}
	}
	return n
}

func TestValidate(t *testing.T) {
	base := RunSpec{URL: "http://example.com", Duration: 5, Concurrency: 1}
	tests := []struct {
		name   string
		modify func(*RunSpec)
		ok     bool
	}{
		{name: "minimal", modify: func(*RunSpec) {}, ok: true},
		{name: "max concurrency", modify: func(s *RunSpec) { s.Concurrency = 1000 }, ok: true},
		{name: "max duration", modify: func(s *RunSpec) { s.Duration = 3600 }, ok: true},
		{name: "https", modify: func(s *RunSpec) { s.URL = "https://example.com" }, ok: true},
		{name: "all proxy schemes", modify: func(s *RunSpec) {
			s.Proxies = []string{"http://a:1", "https://b:2", "socks4://c:3", "socks5://d:4"}
		}, ok: true},
		{name: "url template", modify: func(s *RunSpec) { s.URL = "http://example.com/{{seq}}" }, ok: true},
		{name: "concurrency zero", modify: func(s *RunSpec) { s.Concurrency = 0 }},
		{name: "concurrency 1001", modify: func(s *RunSpec) { s.Concurrency = 1001 }},
		{name: "duration 3601", modify: func(s *RunSpec) { s.Duration = 3601 }},
		{name: "duration 4", modify: func(s *RunSpec) { s.Duration = 4 }},
		{name: "ftp url", modify: func(s *RunSpec) { s.URL = "ftp://example.com" }},
		{name: "bad proxy", modify: func(s *RunSpec) { s.Proxies = []string{"tcp://x:1"} }},
		{name: "braces are literal", modify: func(s *RunSpec) { s.URL = "http://example.com/{{" }, ok: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec := base
			tt.modify(&spec)
			err := Validate(spec, DefaultLimits())
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, ErrValidation)
		})
	}
}

func TestStartRejectsInvalidSpec(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Start(RunSpec{URL: "http://x", Duration: 1, Concurrency: 1001})
	require.ErrorIs(t, err, ErrValidation)
	assert.Empty(t, m.Active())
}

func TestStatusStartsAtZero(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	m := newTestManager(t, nil)
	r, err := m.Start(RunSpec{URL: srv.URL, Duration: 1, Concurrency: 3})
	require.NoError(t, err)

	sum, err := m.Status(r.ID)
	require.NoError(t, err)
	assert.Zero(t, sum.RequestsSent)
	assert.Zero(t, sum.Errors)
	assert.Nil(t, sum.FinishedAt)
	assert.Zero(t, sum.RPS)
	assert.Equal(t, r.ID, sum.RunID)
}

func TestRunAgainstHealthyTarget(t *testing.T) {
	if testing.Short() {
		t.Skip("runs for five seconds")
	}
	srv := okServer(t)
	sink := &memSink{}
	m := newTestManager(t, sink)

	r, err := m.Start(RunSpec{URL: srv.URL, Duration: 5, Concurrency: 2})
	require.NoError(t, err)
	sub, err := m.Subscribe(r.ID)
	require.NoError(t, err)

	msgs := collect(t, sub.C(), 15*time.Second)
	require.NotEmpty(t, msgs)
	assert.Equal(t, MessageHello, msgs[0].Type)
	assert.Equal(t, 1, countType(msgs, MessageFinal))
	assert.Equal(t, MessageFinal, msgs[len(msgs)-1].Type)
	assert.Positive(t, countType(msgs, MessageProgress))

	sum := r.Summary()
	assert.Equal(t, StateFinished, sum.State)
	assert.Positive(t, sum.RequestsSent)
	assert.Zero(t, sum.Errors)
	assert.InDelta(t, float64(sum.RequestsSent)/5, sum.RPS, 1e-9)
	assert.Positive(t, sum.LatencyMs.P50)
	require.NotNil(t, sum.FinishedAt)

	_, runs := sink.snapshot()
	require.Len(t, runs, 1)
	assert.Equal(t, sum.RequestsSent, runs[0].RequestsSent)
}

func TestUnreachableTargetCountsErrors(t *testing.T) {
	m := newTestManager(t, nil)

	start := time.Now()
	r, err := m.Start(RunSpec{URL: deadURL(t), Duration: 1, Concurrency: 2})
	require.NoError(t, err)
	require.NoError(t, r.Wait(context.Background()))

	assert.Less(t, time.Since(start), 1*time.Second+testTimeouts.Connect+testTimeouts.Read+time.Second)

	sum := r.Summary()
	assert.Equal(t, StateFinished, sum.State)
	assert.Zero(t, sum.RequestsSent)
	assert.Positive(t, sum.Errors)
	assert.Zero(t, sum.LatencyMs.P99)
}

func TestBucketsMatchTotals(t *testing.T) {
	srv := okServer(t)
	m := newTestManager(t, nil)

	r, err := m.Start(RunSpec{URL: srv.URL, Duration: 2, Concurrency: 4})
	require.NoError(t, err)

	check := func() {
		buckets := r.Buckets()
		sum := r.Summary()
		var total uint64
		for i, b := range buckets {
			if i > 0 {
				require.Greater(t, b.Epoch, buckets[i-1].Epoch)
			}
			total += b.Success + b.Errors
		}
		// totals are read after buckets, so they can only be ahead
		require.GreaterOrEqual(t, sum.RequestsSent+sum.Errors, total)
	}
	for r.State() != StateFinished {
		check()
		time.Sleep(20 * time.Millisecond)
	}

	buckets := r.Buckets()
	sum := r.Summary()
	var total uint64
	for _, b := range buckets {
		total += b.Success + b.Errors
	}
	assert.Equal(t, sum.RequestsSent+sum.Errors, total)
}

func TestCancelIsIdempotent(t *testing.T) {
	srv := okServer(t)
	sink := &memSink{}
	m := newTestManager(t, sink)

	r, err := m.Start(RunSpec{URL: srv.URL, Duration: 60, Concurrency: 2})
	require.NoError(t, err)
	sub, err := m.Subscribe(r.ID)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.NoError(t, m.Cancel(r.ID))

	first, ok := r.FinishedAt()
	require.True(t, ok)
	assert.True(t, r.Cancelled())

	require.NoError(t, m.Cancel(r.ID))
	r.Stop()
	second, _ := r.FinishedAt()
	assert.Equal(t, first, second)

	msgs := collect(t, sub.C(), time.Second)
	assert.Equal(t, 1, countType(msgs, MessageFinal))

	_, runs := sink.snapshot()
	assert.Len(t, runs, 1)
}

func TestCancelAfterCompletionIsNoop(t *testing.T) {
	m := newTestManager(t, nil)
	r, err := m.Start(RunSpec{URL: deadURL(t), Duration: 1, Concurrency: 1})
	require.NoError(t, err)
	<-r.Done()

	fin, _ := r.FinishedAt()
	require.NoError(t, m.Cancel(r.ID))
	again, _ := r.FinishedAt()
	assert.Equal(t, fin, again)
	assert.False(t, r.Summary().FinishedAt.IsZero())
}

func TestUnknownRun(t *testing.T) {
	m := newTestManager(t, nil)

	_, err := m.Status("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.Cancel("nope"), ErrNotFound)

	sub, err := m.Subscribe("nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, sub)
}

func TestKillSwitch(t *testing.T) {
	m := newTestManager(t, nil)
	m.SetKillSwitch(true)
	assert.True(t, m.KillSwitch())

	_, err := m.Start(RunSpec{URL: "http://x", Duration: 1, Concurrency: 1})
	assert.ErrorIs(t, err, ErrKillSwitch)

	m.SetKillSwitch(false)
	r, err := m.Start(RunSpec{URL: deadURL(t), Duration: 1, Concurrency: 1})
	require.NoError(t, err)
	r.Stop()
}

func TestSinkFailureDoesNotChangeRun(t *testing.T) {
	srv := okServer(t)
	sink := &memSink{err: errors.New("disk full")}
	m := newTestManager(t, sink)

	r, err := m.Start(RunSpec{URL: srv.URL, Duration: 1, Concurrency: 1})
	require.NoError(t, err)
	<-r.Done()

	sum := r.Summary()
	assert.Equal(t, StateFinished, sum.State)
	assert.Positive(t, sum.RequestsSent)

	metrics, runs := sink.snapshot()
	assert.NotEmpty(t, metrics)
	assert.Len(t, runs, 1)
}

func TestSubscribeAfterFinish(t *testing.T) {
	m := newTestManager(t, nil)
	r, err := m.Start(RunSpec{URL: deadURL(t), Duration: 1, Concurrency: 1})
	require.NoError(t, err)
	<-r.Done()

	sub, err := m.Subscribe(r.ID)
	require.NoError(t, err)
	msgs := collect(t, sub.C(), time.Second)
	require.Len(t, msgs, 2)
	assert.Equal(t, MessageHello, msgs[0].Type)
	assert.Equal(t, MessageFinal, msgs[1].Type)
	assert.Equal(t, r.ID, msgs[1].Summary.RunID)
}

func TestUnsubscribe(t *testing.T) {
	m := newTestManager(t, nil)
	r, err := m.Start(RunSpec{URL: deadURL(t), Duration: 1, Concurrency: 1})
	require.NoError(t, err)

	sub, err := m.Subscribe(r.ID)
	require.NoError(t, err)
	m.Unsubscribe(sub)
	m.Unsubscribe(sub)

	msgs := collect(t, sub.C(), time.Second)
	assert.LessOrEqual(t, len(msgs), 1)
	r.Stop()
}

func TestEvictRemovesExpiredFinishedRuns(t *testing.T) {
	m := NewManager(Options{Limits: testLimits(), Retention: time.Minute, Timeouts: testTimeouts})
	defer m.Close()

	r, err := m.Start(RunSpec{URL: deadURL(t), Duration: 1, Concurrency: 1})
	require.NoError(t, err)

	assert.Zero(t, m.Evict(time.Now().Add(time.Hour)))
	<-r.Done()

	assert.Zero(t, m.Evict(time.Now()))
	assert.Equal(t, 1, m.Evict(time.Now().Add(2*time.Minute)))
	_, err = m.Get(r.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestWorkerPoolRendersTemplate(t *testing.T) {
	var seen sync.Map
	var hits, missing atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		seen.Store(r.URL.Query().Get("lane"), true)
		if r.URL.Query().Get("id") == "" {
			missing.Add(1)
		}
	}))
	defer srv.Close()

	m := NewManager(Options{Limits: testLimits(), Timeouts: testTimeouts, AllowTemplates: true})
	defer m.Close()
	r, err := m.Start(RunSpec{URL: srv.URL + "/?lane={{lane}}&id={{uuid}}", Duration: 1, Concurrency: 3})
	require.NoError(t, err)
	<-r.Done()

	assert.Zero(t, missing.Load())
	assert.Positive(t, hits.Load())
	for _, lane := range []string{"0", "1", "2"} {
		_, ok := seen.Load(lane)
		assert.True(t, ok, "lane %s", lane)
	}
}

func TestTemplatesDisabledByDefault(t *testing.T) {
	var queries sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries.Store(r.URL.RawQuery, true)
	}))
	defer srv.Close()

	m := newTestManager(t, nil)
	r, err := m.Start(RunSpec{URL: srv.URL + "/?lane={{lane}}", Duration: 1, Concurrency: 1})
	require.NoError(t, err)
	<-r.Done()

	_, literal := queries.Load("lane={{lane}}")
	assert.True(t, literal)
	_, rendered := queries.Load("lane=0")
	assert.False(t, rendered)
}

func TestTemplatesCannotReadFilesByDefault(t *testing.T) {
	secret := filepath.Join(t.TempDir(), "secret.txt")
	require.NoError(t, os.WriteFile(secret, []byte("TOP-SECRET-LINE\n"), 0o600))

	var leaked atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.Contains(r.URL.RawQuery, "TOP-SECRET") {
			leaked.Add(1)
		}
	}))
	defer srv.Close()

	m := newTestManager(t, nil)
	r, err := m.Start(RunSpec{URL: srv.URL + `/?leak={{randomLine "` + secret + `"}}`, Duration: 1, Concurrency: 1})
	require.NoError(t, err)
	<-r.Done()

	assert.Zero(t, leaked.Load())
}

func TestBrokenTemplateRejectedWhenEnabled(t *testing.T) {
	m := NewManager(Options{Limits: testLimits(), Timeouts: testTimeouts, AllowTemplates: true})
	defer m.Close()

	_, err := m.Start(RunSpec{URL: "http://example.com/{{", Duration: 1, Concurrency: 1})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestStopAfterDeadlineIsNotCancellation(t *testing.T) {
	m := newTestManager(t, nil)
	r, err := m.Start(RunSpec{URL: okServer(t).URL, Duration: 1, Concurrency: 1})
	require.NoError(t, err)
	<-r.Done()

	r.Stop()
	assert.False(t, r.Cancelled())
	assert.Equal(t, StateFinished, r.State())
}

func TestServerErrorsAreResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	m := newTestManager(t, nil)
	r, err := m.Start(RunSpec{URL: srv.URL, Duration: 1, Concurrency: 1})
	require.NoError(t, err)
	<-r.Done()

	sum := r.Summary()
	assert.Positive(t, sum.RequestsSent)
	assert.Zero(t, sum.Errors)
}

func TestMessageJSON(t *testing.T) {
	fin := time.Date(2026, 1, 1, 0, 0, 5, 0, time.UTC)
	sum := Summary{RunID: "id", State: StateFinished, FinishedAt: &fin, RequestsSent: 4, DurationS: 5}

	tests := []struct {
		name string
		msg  Message
		want map[string]any
	}{
		{
			name: "hello",
			msg:  Message{Type: MessageHello, RunID: "id"},
			want: map[string]any{"type": "hello", "test_id": "id"},
		},
		{
			name: "progress",
			msg:  Message{Type: MessageProgress, RunID: "id", Progress: &Progress{RunID: "id", ElapsedS: 2, RPS: 7}},
			want: map[string]any{"type": "progress", "test_id": "id", "elapsed_s": float64(2), "rps": float64(7)},
		},
		{
			name: "final",
			msg:  Message{Type: MessageFinal, RunID: "id", Summary: &sum},
			want: map[string]any{"type": "final", "test_id": "id", "state": "finished", "requests_sent": float64(4), "duration_s": float64(5)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := json.Marshal(tt.msg)
			require.NoError(t, err)
			var got map[string]any
			require.NoError(t, json.Unmarshal(data, &got))
			for k, v := range tt.want {
				assert.Equal(t, v, got[k], k)
			}

			var back Message
			require.NoError(t, json.Unmarshal(data, &back))
			assert.Equal(t, tt.msg.Type, back.Type)
			assert.Equal(t, tt.msg.RunID, back.RunID)
			assert.Equal(t, tt.msg.Progress != nil, back.Progress != nil)
			assert.Equal(t, tt.msg.Summary != nil, back.Summary != nil)
		})
	}
}
