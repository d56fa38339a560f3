package circuitbreaker

import (
	"fmt"
	"sync"

	"github.com/datapunk/mesh/lib/mesh/config"
	"github.com/datapunk/mesh/lib/mesh/observability"
)

// Registry is the Integrator's entry point into the circuit breaker layer:
// it lazily constructs and caches one Breaker per (service, strategy) key,
// per spec §3's CircuitState definition ("per (service, optional strategy)").
// Grounded on the teacher's CircuitBreakerRegistry
// (pkg/resilience/circuit_breaker_config.go) and CircuitBreakerManager
// (internal/resilience/circuit_breaker.go), both map-of-name-to-instance
// patterns generalized here to a composite key.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	logger   observability.Logger
	metrics  observability.MetricsClient
	newOpts  func(service string) []Option
}

// NewRegistry builds an empty Registry. optsFor, if non-nil, is consulted on
// every lazily-constructed Breaker to attach strategy-specific dependencies
// (dependency chain, rate limiter, health monitor, predictor) -- the
// Integrator is expected to supply this so the Registry itself stays
// decoupled from those packages' concrete types beyond the Option values.
func NewRegistry(logger observability.Logger, metrics observability.MetricsClient, optsFor func(service string) []Option) *Registry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Registry{breakers: make(map[string]*Breaker), logger: logger, metrics: metrics, newOpts: optsFor}
}

func key(service, strategy string) string { return fmt.Sprintf("%s::%s", service, strategy) }

// Get returns the Breaker for (service, cfg.Strategy), constructing it on
// first use under double-checked locking so concurrent callers never race
// to build two Breakers for the same key.
func (r *Registry) Get(service string, cfg config.CircuitBreakerConfig, reserved config.ReservedSlots) *Breaker {
	k := key(service, cfg.Strategy)

	r.mu.RLock()
	b, ok := r.breakers[k]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[k]; ok {
		return b
	}

	var opts []Option
	if r.newOpts != nil {
		opts = r.newOpts(service)
	}
	b = New(service, cfg, reserved, r.logger, r.metrics, opts...)
	r.breakers[k] = b
	return b
}

// All returns a snapshot of every constructed Breaker, keyed as
// "service::strategy", for introspection (e.g. an admin/metrics endpoint a
// host process might expose).
func (r *Registry) All() map[string]*Breaker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*Breaker, len(r.breakers))
	for k, b := range r.breakers {
		out[k] = b
	}
	return out
}
