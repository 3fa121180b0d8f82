// Package rpcfleet is the relay's RpcFleet component: the
// pool of chain RPC endpoints shared by Scheduler, Broadcaster, and
// Watcher. Endpoint health scoring is grounded on
// core/fault_tolerance.go's HealthChecker (EWMA-smoothed RTT, miss
// counting, temporary exclusion of a faulty peer) adapted from consensus
// leader health to broadcast-endpoint ranking; the pooled HTTP transport
// is grounded on core/connection_pool.go's acquire/idle-reuse model,
// adapted from raw net.Conn pooling to *http.Client configuration.
package rpcfleet

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"watchtower/internal/apperr"
)

// Options tune the Fleet's transport and health-scoring behavior.
type Options struct {
	RequestTimeout      time.Duration
	MaxIdleConnsPerHost int
	// RatePerSecond bounds outbound requests per endpoint; 0 disables limiting.
	RatePerSecond float64
	// FaultyEWMAMs marks an endpoint excluded once its smoothed latency
	// crosses this threshold (milliseconds); excluded endpoints still appear
	// in the ranking, after every healthy one.
	FaultyEWMAMs float64
	// FaultyMisses marks an endpoint excluded after this many consecutive failures.
	FaultyMisses int
	// EWMAAlpha is the smoothing factor (0,1]; higher weighs recent samples more.
	EWMAAlpha float64
}

func defaultOptions() Options {
	return Options{
		RequestTimeout:      5 * time.Second,
		MaxIdleConnsPerHost: 8,
		RatePerSecond:       0,
		FaultyEWMAMs:        3000,
		FaultyMisses:        3,
		EWMAAlpha:           0.2,
	}
}

// endpointState tracks one RPC endpoint's health and transport.
type endpointState struct {
	url     string
	client  *http.Client
	limiter *rate.Limiter

	mu       sync.Mutex
	ewmaMs   float64
	misses   int
	excluded bool
	updated  time.Time
}

// Fleet is the health-scored, connection-pooled pool of chain endpoints.
type Fleet struct {
	opts   Options
	mu     sync.RWMutex
	chains map[uint64][]*endpointState
}

// New builds a Fleet from a chain-id → endpoint-URL-list map, the shape of
// config.Config.RPC.Chains.
func New(chains map[uint64][]string, opts Options) *Fleet {
	if opts.RequestTimeout == 0 {
		opts = defaultOptions()
	}
	f := &Fleet{opts: opts, chains: make(map[uint64][]*endpointState)}
	transport := &http.Transport{
		MaxIdleConnsPerHost: opts.MaxIdleConnsPerHost,
		IdleConnTimeout:     90 * time.Second,
	}
	for chainID, urls := range chains {
		states := make([]*endpointState, 0, len(urls))
		for _, u := range urls {
			es := &endpointState{
				url:    u,
				client: &http.Client{Transport: transport, Timeout: opts.RequestTimeout},
			}
			if opts.RatePerSecond > 0 {
				es.limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), 1)
			}
			states = append(states, es)
		}
		f.chains[chainID] = states
	}
	return f
}

// Endpoints returns the configured endpoint count for chainID.
func (f *Fleet) Endpoints(chainID uint64) int {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.chains[chainID])
}

// ranked returns chainID's endpoints ordered best-health-first. Excluded
// endpoints sort last but are still returned — the Scheduler/Broadcaster
// may need them if every endpoint is unhealthy (better a slow attempt than
// none).
func (f *Fleet) ranked(chainID uint64) []*endpointState {
	f.mu.RLock()
	states := append([]*endpointState(nil), f.chains[chainID]...)
	f.mu.RUnlock()

	sort.SliceStable(states, func(i, j int) bool {
		states[i].mu.Lock()
		ei, mi := states[i].ewmaMs, states[i].excluded
		states[i].mu.Unlock()
		states[j].mu.Lock()
		ej, mj := states[j].ewmaMs, states[j].excluded
		states[j].mu.Unlock()
		if mi != mj {
			return !mi
		}
		return ei < ej
	})
	return states
}

// record updates an endpoint's EWMA latency / miss count, excluding it once
// it crosses the configured faulty thresholds, the same bookkeeping
// HealthChecker.tick performs per ping.
func (f *Fleet) record(es *endpointState, rtt time.Duration, err error) {
	es.mu.Lock()
	defer es.mu.Unlock()
	if err != nil {
		es.misses++
	} else {
		es.misses = 0
		ms := float64(rtt.Milliseconds())
		if es.ewmaMs == 0 {
			es.ewmaMs = ms
		} else {
			es.ewmaMs = f.opts.EWMAAlpha*ms + (1-f.opts.EWMAAlpha)*es.ewmaMs
		}
	}
	es.updated = time.Now()
	es.excluded = es.misses >= f.opts.FaultyMisses || es.ewmaMs > f.opts.FaultyEWMAMs
}

// EndpointHealth is a read-only snapshot for the /health ambient counters.
type EndpointHealth struct {
	URL      string
	EWMAMs   float64
	Misses   int
	Excluded bool
}

// Snapshot reports health for every endpoint of chainID.
func (f *Fleet) Snapshot(chainID uint64) []EndpointHealth {
	f.mu.RLock()
	states := f.chains[chainID]
	f.mu.RUnlock()

	out := make([]EndpointHealth, 0, len(states))
	for _, es := range states {
		es.mu.Lock()
		out = append(out, EndpointHealth{URL: es.url, EWMAMs: es.ewmaMs, Misses: es.misses, Excluded: es.excluded})
		es.mu.Unlock()
	}
	return out
}

func (f *Fleet) waitLimiter(ctx context.Context, es *endpointState) error {
	if es.limiter == nil {
		return nil
	}
	if err := es.limiter.Wait(ctx); err != nil {
		return apperr.Transient("RateLimited", "rpc endpoint rate limit wait failed: "+err.Error())
	}
	return nil
}
