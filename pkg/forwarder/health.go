package forwarder

import (
	"sync"

	"sinkhole-dns/pkg/config"
)

// UpstreamHealth keeps one circuit breaker per upstream
type UpstreamHealth struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      config.CircuitBreakerConfig
}

// NewUpstreamHealth creates breakers for upstreams
func NewUpstreamHealth(upstreams []string, cfg config.CircuitBreakerConfig) *UpstreamHealth {
	uh := &UpstreamHealth{
		breakers: make(map[string]*CircuitBreaker, len(upstreams)),
		cfg:      cfg,
	}
	uh.Sync(upstreams)
	return uh
}

func (uh *UpstreamHealth) newBreaker() *CircuitBreaker {
	return NewCircuitBreaker(uh.cfg.FailureThreshold, uh.cfg.SuccessThreshold, uh.cfg.Timeout)
}

// Sync adds breakers for new upstreams and drops breakers of removed ones.
// Upstreams present in both keep their state.
func (uh *UpstreamHealth) Sync(upstreams []string) {
	uh.mu.Lock()
	defer uh.mu.Unlock()

	keep := make(map[string]struct{}, len(upstreams))
	for _, u := range upstreams {
		keep[u] = struct{}{}
		if _, ok := uh.breakers[u]; !ok {
			uh.breakers[u] = uh.newBreaker()
		}
	}
	for u := range uh.breakers {
		if _, ok := keep[u]; !ok {
			delete(uh.breakers, u)
		}
	}
}

// Breaker returns the breaker for upstream, or nil when it is not tracked
func (uh *UpstreamHealth) Breaker(upstream string) *CircuitBreaker {
	uh.mu.RLock()
	defer uh.mu.RUnlock()
	return uh.breakers[upstream]
}

// IsHealthy returns true unless the upstream circuit is open
func (uh *UpstreamHealth) IsHealthy(upstream string) bool {
	b := uh.Breaker(upstream)
	return b == nil || b.IsHealthy()
}

// States returns the circuit state of every tracked upstream
func (uh *UpstreamHealth) States() map[string]CircuitState {
	uh.mu.RLock()
	defer uh.mu.RUnlock()

	out := make(map[string]CircuitState, len(uh.breakers))
	for u, b := range uh.breakers {
		out[u] = b.State()
	}
	return out
}
