package proxy

import (
	"math/rand/v2"
	"net/http"
	"net/url"
)

// Target is the resource one attempt goes through.
type Target struct {
	Client *http.Client
	// Proxy is set only for HTTP-proxy attempts; SOCKS proxies live in the
	// client's dialer.
	Proxy *url.URL
}

// Strategy picks an index in [0, n) for the next attempt of one lane.
type Strategy interface {
	Next(n int) int
}

// StrategyFactory builds the per-lane strategy.
type StrategyFactory func(lane int) Strategy

// RoundRobin cycles through the candidates with a lane-local counter.
type RoundRobin struct{ i int }

func (r *RoundRobin) Next(n int) int {
	idx := r.i % n
	r.i++
	return idx
}

// Random picks candidates uniformly.
type Random struct{}

func (Random) Next(n int) int { return rand.IntN(n) }

// StrategyByName returns the factory for name; unknown names fall back to
// round-robin.
func StrategyByName(name string) StrategyFactory {
	switch name {
	case "random":
		return func(int) Strategy { return Random{} }
	default:
		return func(int) Strategy { return &RoundRobin{} }
	}
}

// Rotator hands out per-lane selectors over a run's pools.
type Rotator struct {
	plan     Plan
	pools    *Pools
	strategy StrategyFactory
}

func NewRotator(plan Plan, pools *Pools, strategy StrategyFactory) *Rotator {
	if strategy == nil {
		strategy = StrategyByName("")
	}
	return &Rotator{plan: plan, pools: pools, strategy: strategy}
}

func (r *Rotator) Plan() Plan { return r.plan }

// Lane returns the selector for one lane. It is not safe for concurrent
// use; every lane owns its own.
func (r *Rotator) Lane(i int) *Selector {
	return &Selector{r: r, s: r.strategy(i)}
}

// Selector picks the Target of each attempt of a lane.
type Selector struct {
	r *Rotator
	s Strategy
}

func (s *Selector) Next() Target {
	switch s.r.plan.Mode {
	case ModeSOCKS:
		pools := s.r.pools.SOCKS
		return Target{Client: pools[s.s.Next(len(pools))]}
	case ModeHTTP:
		proxies := s.r.plan.HTTP
		return Target{Client: s.r.pools.Shared, Proxy: proxies[s.s.Next(len(proxies))]}
	default:
		return Target{Client: s.r.pools.Shared}
	}
}
