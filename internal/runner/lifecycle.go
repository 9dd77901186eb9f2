package runner

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stresslab/internal/broadcast"
	"stresslab/internal/metrics"
	"stresslab/internal/proxy"
	"stresslab/internal/stats"
	"stresslab/internal/storage"
)

// deps are shared by every run of a Manager.
type deps struct {
	hub          *broadcast.Hub[Message]
	sink         storage.Sink
	metrics      *metrics.Metrics
	log          zerolog.Logger
	timeouts     proxy.Timeouts
	strategy     proxy.StrategyFactory
	tick         time.Duration
	persistAfter time.Duration
	maxBuckets   int
	templates    bool
	now          func() time.Time
}

// Run owns the state of one load run from creation to completion.
type Run struct {
	ID        string
	Spec      RunSpec
	StartedAt time.Time

	stats *stats.Aggregator
	deps  *deps
	log   zerolog.Logger

	mu         sync.Mutex
	state      State
	finishedAt time.Time
	plan       proxy.Plan

	cancelled atomic.Bool
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
}

func newRun(spec RunSpec, d *deps) *Run {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Run{
		ID:        id,
		Spec:      spec,
		StartedAt: d.now().UTC(),
		stats:     stats.NewAggregator(d.maxBuckets),
		deps:      d,
		log:       d.log.With().Str("run_id", id).Logger(),
		state:     StateCreated,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

func (r *Run) start() {
	r.mu.Lock()
	r.state = StateRunning
	r.mu.Unlock()

	r.deps.metrics.RunStarted()
	r.log.Info().
		Str("url", r.Spec.URL).
		Int("duration", r.Spec.Duration).
		Int("concurrency", r.Spec.Concurrency).
		Int("proxies", len(r.Spec.Proxies)).
		Msg("run started")

	go r.execute()
}

func (r *Run) execute() {
	defer close(r.done)
	defer r.finish()

	deadline := r.StartedAt.Add(time.Duration(r.Spec.Duration) * time.Second)

	plan, err := proxy.NewPlan(r.Spec.Proxies)
	if err != nil {
		r.log.Error().Err(err).Msg("resolve proxies")
		return
	}
	if len(plan.Ignored) > 0 {
		r.log.Warn().Strs("ignored", plan.Ignored).Msg("SOCKS proxies configured, HTTP proxies are not used")
	}
	r.mu.Lock()
	r.plan = plan
	r.mu.Unlock()

	var tmpl *URLTemplate
	if r.deps.templates {
		if tmpl, err = CompileURL(r.Spec.URL); err != nil {
			r.log.Error().Err(err).Msg("compile url")
			return
		}
	}

	pools, err := proxy.Open(plan, r.Spec.Concurrency, r.deps.timeouts)
	if err != nil {
		r.log.Error().Err(err).Msg("open connection pools")
		return
	}
	// lanes have exited by the time this runs
	defer pools.Close()

	tickCtx, stopTick := context.WithCancel(context.Background())
	tickDone := make(chan struct{})
	go func() {
		defer close(tickDone)
		r.tickLoop(tickCtx)
	}()

	pool := &WorkerPool{
		URL:      r.Spec.URL,
		Lanes:    r.Spec.Concurrency,
		Rotator:  proxy.NewRotator(plan, pools, r.deps.strategy),
		Stats:    r.stats,
		Metrics:  r.deps.metrics,
		Template: tmpl,
		now:      r.deps.now,
	}
	pool.Run(r.ctx, deadline)

	stopTick()
	<-tickDone
}

func (r *Run) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(r.deps.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.publishProgress()
		}
	}
}

func (r *Run) publishProgress() {
	snap := r.stats.Snapshot()
	p := &Progress{
		RunID:        r.ID,
		ElapsedS:     int64(r.deps.now().Sub(r.StartedAt).Seconds()),
		RequestsSent: snap.Success,
		Errors:       snap.Errors,
		RPS:          snap.Last.Success,
		LatencyMs:    r.stats.Live(),
	}
	r.deps.hub.Broadcast(r.ID, Message{Type: MessageProgress, RunID: r.ID, Progress: p})

	if snap.Last.Epoch != 0 {
		r.persistMetric(snap.Last)
	}
}

func (r *Run) persistMetric(b stats.Bucket) {
	ctx, cancel := context.WithTimeout(context.Background(), r.deps.persistAfter)
	defer cancel()
	err := r.deps.sink.SaveMetric(ctx, storage.MetricRecord{
		RunID:   r.ID,
		Epoch:   b.Epoch,
		Success: b.Success,
		Errors:  b.Errors,
	})
	if err != nil {
		r.deps.metrics.PersistFailed()
		r.log.Debug().Err(err).Int64("epoch", b.Epoch).Msg("persist metric")
	}
}

// finish runs exactly once, after lanes and ticker are gone.
func (r *Run) finish() {
	r.cancel()

	r.mu.Lock()
	r.finishedAt = r.deps.now().UTC()
	r.state = StateFinished
	sum := r.summaryLocked()
	final := Message{Type: MessageFinal, RunID: r.ID, Summary: &sum}
	r.deps.hub.Broadcast(r.ID, final)
	r.deps.hub.CloseRun(r.ID)
	r.mu.Unlock()

	reason := "deadline"
	if r.cancelled.Load() {
		reason = "cancelled"
	}
	r.deps.metrics.RunFinished(reason)

	// the final second may have changed since the last tick
	if last, ok := r.stats.Last(); ok {
		r.persistMetric(last)
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.deps.persistAfter)
	defer cancel()
	if err := r.deps.sink.SaveRun(ctx, r.record(sum)); err != nil {
		r.deps.metrics.PersistFailed()
		r.log.Warn().Err(err).Msg("persist final record")
	}

	r.log.Info().
		Str("reason", reason).
		Uint64("requests_sent", sum.RequestsSent).
		Uint64("errors", sum.Errors).
		Float64("rps", sum.RPS).
		Float64("p99_ms", sum.LatencyMs.P99).
		Msg("run finished")
}

func (r *Run) record(sum Summary) storage.RunRecord {
	return storage.RunRecord{
		RunID:        r.ID,
		URL:          r.Spec.URL,
		Duration:     r.Spec.Duration,
		Concurrency:  r.Spec.Concurrency,
		Proxies:      r.Spec.Proxies,
		StartedAt:    r.StartedAt,
		FinishedAt:   sum.FinishedAt,
		RequestsSent: sum.RequestsSent,
		Errors:       sum.Errors,
		RPS:          sum.RPS,
		LatencyMs: storage.Latency{
			P50: sum.LatencyMs.P50,
			P95: sum.LatencyMs.P95,
			P99: sum.LatencyMs.P99,
		},
	}
}

// Stop requests cancellation and waits until the run has finished. It is
// safe to call repeatedly and after the run completed on its own.
func (r *Run) Stop() {
	r.mu.Lock()
	if r.state != StateFinished && r.cancelled.CompareAndSwap(false, true) {
		if r.state == StateRunning {
			r.state = StateCancelling
		}
		r.cancel()
	}
	r.mu.Unlock()
	<-r.done
}

// Done is closed once the run is finished.
func (r *Run) Done() <-chan struct{} { return r.done }

// Wait blocks until the run finishes or ctx is done.
func (r *Run) Wait(ctx context.Context) error {
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Run) Cancelled() bool { return r.cancelled.Load() }

func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// FinishedAt reports the completion time, if the run has completed.
func (r *Run) FinishedAt() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finishedAt, r.state == StateFinished
}

// Plan returns the proxy plan resolved when the run began executing.
func (r *Run) Plan() proxy.Plan {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.plan
}

// Buckets returns the visible per-second history.
func (r *Run) Buckets() []stats.Bucket { return r.stats.Buckets() }

// Evicted returns the counts of buckets dropped from the history cap.
func (r *Run) Evicted() (success, errors uint64) { return r.stats.Evicted() }

func (r *Run) Summary() Summary {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.summaryLocked()
}

func (r *Run) summaryLocked() Summary {
	finished := r.state == StateFinished
	s := r.stats.Summarize(r.Spec.Duration, finished)
	sum := Summary{
		RunID:        r.ID,
		State:        r.state,
		StartedAt:    r.StartedAt,
		RequestsSent: s.RequestsSent,
		Errors:       s.Errors,
		RPS:          s.RPS,
		LatencyMs:    s.Latency,
		DurationS:    r.Spec.Duration,
	}
	if finished {
		t := r.finishedAt
		sum.FinishedAt = &t
	}
	return sum
}

// subscribe registers a live observer. A run that already finished hands
// back a closed stream holding hello and the final summary.
func (r *Run) subscribe() *broadcast.Subscription[Message] {
	hello := Message{Type: MessageHello, RunID: r.ID}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == StateFinished {
		sum := r.summaryLocked()
		return r.deps.hub.Detached(r.ID, hello, Message{Type: MessageFinal, RunID: r.ID, Summary: &sum})
	}
	return r.deps.hub.Connect(r.ID, hello)
}
