package runner

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"stresslab/internal/metrics"
	"stresslab/internal/proxy"
	"stresslab/internal/stats"
)

// WorkerPool runs a fixed number of independent lanes. Each lane issues one
// request at a time until the deadline passes or the context is cancelled.
//
// Lanes are goroutines, so fairness comes from the Go scheduler and no
// explicit yield is needed between iterations. Cancellation is observed
// between requests only: an in-flight request runs to completion or to its
// own timeout.
type WorkerPool struct {
	URL      string
	Lanes    int
	Rotator  *proxy.Rotator
	Stats    *stats.Aggregator
	Metrics  *metrics.Metrics
	Template *URLTemplate

	now func() time.Time
}

// Run blocks until every lane has exited.
func (p *WorkerPool) Run(ctx context.Context, deadline time.Time) {
	if p.now == nil {
		p.now = time.Now
	}

	var wg sync.WaitGroup
	for i := 0; i < p.Lanes; i++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			p.lane(ctx, lane, deadline)
		}(i)
	}
	wg.Wait()
}

func (p *WorkerPool) lane(ctx context.Context, lane int, deadline time.Time) {
	sel := p.Rotator.Lane(lane)
	reqCtx := context.WithoutCancel(ctx)

	for seq := 0; ; seq++ {
		if ctx.Err() != nil || !p.now().Before(deadline) {
			return
		}

		ok, latency := p.fire(reqCtx, sel.Next(), lane, seq)
		p.Stats.Record(p.now().Unix(), ok, latency)
		p.Metrics.ObserveRequest(ok, latency)
	}
}

// fire issues one GET and reports whether it succeeded. A response whose
// body was read completely is a success whatever its status; transport
// failures and timeouts are not.
func (p *WorkerPool) fire(ctx context.Context, t proxy.Target, lane, seq int) (bool, time.Duration) {
	target := p.URL
	if p.Template != nil {
		u, err := p.Template.Render(lane, seq)
		if err != nil {
			return false, 0
		}
		target = u
	}

	req, err := http.NewRequestWithContext(proxy.WithProxy(ctx, t.Proxy), http.MethodGet, target, nil)
	if err != nil {
		return false, 0
	}

	start := time.Now()
	resp, err := t.Client.Do(req)
	if err != nil {
		return false, time.Since(start)
	}
	_, err = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	latency := time.Since(start)
	if err != nil {
		return false, latency
	}

	return true, latency
}
