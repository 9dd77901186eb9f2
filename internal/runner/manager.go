package runner

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"stresslab/internal/broadcast"
	"stresslab/internal/metrics"
	"stresslab/internal/proxy"
	"stresslab/internal/storage"
)

// Options configure a Manager. Zero values fall back to defaults.
type Options struct {
	Limits   Limits
	Timeouts proxy.Timeouts
	Strategy proxy.StrategyFactory
	Sink     storage.Sink
	Metrics  *metrics.Metrics
	Logger   zerolog.Logger

	// AllowTemplates enables {{...}} actions in run URLs. Without it the
	// URL is requested as given.
	AllowTemplates bool

	// Retention is how long finished runs stay queryable.
	Retention time.Duration
	// TickInterval is the progress cadence, one second by default.
	TickInterval     time.Duration
	PersistTimeout   time.Duration
	SubscriberBuffer int
	MaxBuckets       int
}

// Manager is the registry of runs served by one process.
type Manager struct {
	deps      *deps
	limits    Limits
	retention time.Duration

	mu   sync.RWMutex
	runs map[string]*Run

	killSwitch atomic.Bool
}

func NewManager(opts Options) *Manager {
	if opts.Limits == (Limits{}) {
		opts.Limits = DefaultLimits()
	}
	if opts.Sink == nil {
		opts.Sink = storage.Nop{}
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = time.Second
	}
	if opts.PersistTimeout <= 0 {
		opts.PersistTimeout = 2 * time.Second
	}
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}

	hub := broadcast.New[Message](opts.SubscriberBuffer)
	hub.OnDrop = opts.Metrics.SubscriberDropped

	return &Manager{
		deps: &deps{
			hub:          hub,
			sink:         opts.Sink,
			metrics:      opts.Metrics,
			log:          opts.Logger,
			timeouts:     opts.Timeouts,
			strategy:     opts.Strategy,
			tick:         opts.TickInterval,
			persistAfter: opts.PersistTimeout,
			maxBuckets:   opts.MaxBuckets,
			templates:    opts.AllowTemplates,
			now:          time.Now,
		},
		limits:    opts.Limits,
		retention: opts.Retention,
		runs:      make(map[string]*Run),
	}
}

func (m *Manager) Limits() Limits { return m.limits }

// Start validates spec and schedules a new run. Nothing is created when
// validation fails.
func (m *Manager) Start(spec RunSpec) (*Run, error) {
	if m.killSwitch.Load() {
		return nil, ErrKillSwitch
	}
	if err := Validate(spec, m.limits); err != nil {
		return nil, err
	}
	if m.deps.templates {
		if _, err := CompileURL(spec.URL); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrValidation, err)
		}
	}

	r := newRun(spec.clone(), m.deps)
	m.mu.Lock()
	m.runs[r.ID] = r
	m.mu.Unlock()

	r.start()
	return r, nil
}

func (m *Manager) Get(id string) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r, nil
}

func (m *Manager) Status(id string) (Summary, error) {
	r, err := m.Get(id)
	if err != nil {
		return Summary{}, err
	}
	return r.Summary(), nil
}

// Cancel stops the run and waits for it to drain. Cancelling a finished
// run is a no-op.
func (m *Manager) Cancel(id string) error {
	r, err := m.Get(id)
	if err != nil {
		return err
	}
	r.Stop()
	return nil
}

// Subscribe returns the live message stream of a run, starting with hello.
func (m *Manager) Subscribe(id string) (*broadcast.Subscription[Message], error) {
	r, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	return r.subscribe(), nil
}

func (m *Manager) Unsubscribe(s *broadcast.Subscription[Message]) {
	if s == nil {
		return
	}
	m.deps.hub.Disconnect(s.RunID(), s)
}

func (m *Manager) SetKillSwitch(enabled bool) { m.killSwitch.Store(enabled) }

func (m *Manager) KillSwitch() bool { return m.killSwitch.Load() }

// Active returns the runs that have not finished yet.
func (m *Manager) Active() []*Run {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Run
	for _, r := range m.runs {
		if r.State() != StateFinished {
			out = append(out, r)
		}
	}
	return out
}

// Evict drops finished runs older than the retention window and returns
// how many were removed.
func (m *Manager) Evict(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		fin, ok := r.FinishedAt()
		if ok && now.Sub(fin) > m.retention {
			delete(m.runs, id)
			n++
		}
	}
	return n
}

// Janitor evicts expired runs every interval until ctx is done.
func (m *Manager) Janitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if n := m.Evict(now); n > 0 {
				m.deps.log.Debug().Int("evicted", n).Msg("evicted finished runs")
			}
		}
	}
}

// Close cancels every active run and waits for all of them to finish.
func (m *Manager) Close() {
	var wg sync.WaitGroup
	for _, r := range m.Active() {
		wg.Add(1)
		go func(r *Run) {
			defer wg.Done()
			r.Stop()
		}(r)
	}
	wg.Wait()
}
