// Package mesh is the root handle of the service mesh reliability core: a
// single process-owned Mesh value composes circuit breaking, retry/backoff,
// discovery, load balancing, health tracking, failure prediction, adaptive
// timeouts and rate limiting behind one Call entry point. There is no
// package-level registry or cache -- every background goroutine and cache is
// owned by the Mesh value a caller constructs via New, and Close stops them
// all; the only package-level value is the circuit breaker strategies'
// shared random source. Grounded on the teacher's top-level service wiring
// (cmd/mcp-server/main.go's construct-everything-then-serve shape),
// generalized from "one process, one server" to "one process, one Mesh".
package mesh

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/datapunk/mesh/lib/mesh/circuitbreaker"
	"github.com/datapunk/mesh/lib/mesh/config"
	"github.com/datapunk/mesh/lib/mesh/dependency"
	"github.com/datapunk/mesh/lib/mesh/discovery"
	"github.com/datapunk/mesh/lib/mesh/health"
	"github.com/datapunk/mesh/lib/mesh/integrator"
	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
	"github.com/datapunk/mesh/lib/mesh/predictor"
)

// Transport is re-exported from lib/mesh/integrator so callers only need to
// import the root package for the common path.
type Transport = integrator.Transport

// CallOptions is re-exported from lib/mesh/integrator.
type CallOptions = integrator.CallOptions

// Mesh is the top-level handle returned by New. Every exported method is
// safe for concurrent use.
type Mesh struct {
	cfg        config.Config
	logger     observability.Logger
	metrics    observability.MetricsClient
	tracer     observability.Tracer
	discoverer *discovery.Discoverer
	cbRegistry *circuitbreaker.Registry
	predictor  *predictor.Predictor
	health     *health.Monitor
	dependency *dependency.Chain
	integrator *integrator.Integrator

	redisClient redis.UniversalClient

	mu       sync.Mutex
	watchers map[string]context.CancelFunc
}

// Deps supplies the process-wide collaborators New needs beyond Config:
// the Transport every Call ultimately invokes, and the observability
// backends a host process already has configured. All observability fields
// are optional; nil substitutes a no-op implementation.
type Deps struct {
	Transport   Transport
	RedisClient redis.UniversalClient // required when Config.Discovery.Backend == "registry"
	Logger      observability.Logger
	Metrics     observability.MetricsClient
	Tracer      observability.Tracer
}

// New constructs a Mesh from cfg and deps, wiring every sub-component
// (discovery, circuit breakers, load balancers, retry/backoff, adaptive
// timeouts, rate limiting, health tracking, failure prediction and the
// dependency graph) behind the Integrator. No goroutine starts until New
// returns; watch goroutines are started lazily, one per service, by Watch.
// The Mesh never starts a load balancer HealthLoop.
func New(cfg config.Config, deps Deps) (*Mesh, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = observability.NewNoopTracer()
	}

	var registry discovery.Registry
	if cfg.Discovery.Backend == discovery.BackendRegistry {
		if deps.RedisClient == nil {
			return nil, mesherr.New(mesherr.KindConfigError, cfg.ServiceName, "new_mesh",
				fmt.Errorf("discovery.backend=registry requires a non-nil RedisClient"))
		}
		registry = discovery.NewRedisRegistry(deps.RedisClient, logger, metrics)
	}

	var dnsResolver *discovery.DNSResolver
	if cfg.Discovery.Backend == discovery.BackendDNS {
		dnsResolver = discovery.NewDNSResolver(cfg.Discovery.RegistryURL, cfg.Discovery.DNSSuffix, 2*time.Second)
	}

	discoverer := discovery.New(discovery.Params{
		Backend:             cfg.Discovery.Backend,
		CacheTTL:            cfg.Discovery.CacheTTL,
		HealthCheckInterval: cfg.Discovery.HealthCheckInterval,
		DeregisterTimeout:   cfg.Discovery.DeregisterTimeout,
	}, registry, dnsResolver, logger, metrics)

	depChain := dependency.New(logger, metrics)
	healthMonitor := health.New(health.Params{
		CheckInterval:           cfg.Health.CheckInterval,
		ResponseTimeThresholdMS: cfg.Health.ResponseTimeThresholdMS,
		ErrorRateThreshold:      cfg.Health.ErrorRateThreshold,
	}, logger, metrics)
	failurePredictor := predictor.New(predictor.DefaultParams())

	cbRegistry := circuitbreaker.NewRegistry(logger, metrics, func(service string) []circuitbreaker.Option {
		switch cfg.CircuitBreaker.Strategy {
		case "dependency":
			return []circuitbreaker.Option{circuitbreaker.WithDependencyChain(depChain, nil, nil)}
		case "health_aware":
			return []circuitbreaker.Option{circuitbreaker.WithHealthMonitor(healthMonitor)}
		case "predictive":
			return []circuitbreaker.Option{circuitbreaker.WithPredictor(failurePredictor, time.Now)}
		default:
			return nil
		}
	})

	in := integrator.New(integrator.Deps{
		Config:     cfg,
		Transport:  deps.Transport,
		Discoverer: discoverer,
		CBRegistry: cbRegistry,
		Predictor:  failurePredictor,
		Health:     healthMonitor,
		Dependency: depChain,
		Logger:     logger,
		Metrics:    metrics,
		Tracer:     tracer,
	})

	return &Mesh{
		cfg:         cfg,
		logger:      logger,
		metrics:     metrics,
		tracer:      tracer,
		discoverer:  discoverer,
		cbRegistry:  cbRegistry,
		predictor:   failurePredictor,
		health:      healthMonitor,
		dependency:  depChain,
		integrator:  in,
		redisClient: deps.RedisClient,
		watchers:    make(map[string]context.CancelFunc),
	}, nil
}

// Register adds an instance of service to the discovery backend, returning
// its generated instance ID.
func (m *Mesh) Register(ctx context.Context, service, host string, port int, tags []string, metadata map[string]string) (string, error) {
	return m.discoverer.Register(ctx, service, host, port, tags, metadata)
}

// Deregister removes a previously registered instance.
func (m *Mesh) Deregister(ctx context.Context, service, instanceID string) error {
	return m.discoverer.Deregister(ctx, service, instanceID)
}

// Discover returns the currently routable (Active/Draining) instances of
// service, using the discovery cache unless useCache is false.
func (m *Mesh) Discover(ctx context.Context, service string, useCache bool) ([]meshtypes.Instance, error) {
	return m.discoverer.Discover(ctx, service, useCache)
}

// Watch starts a background watch loop for service, invoking cb with the
// full instance list on every change, until the Mesh is closed or
// StopWatch(service) is called. Calling Watch again for the same service
// replaces the previous watcher.
func (m *Mesh) Watch(service string, cb discovery.Callback) {
	m.mu.Lock()
	if cancel, ok := m.watchers[service]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.watchers[service] = cancel
	m.mu.Unlock()

	go m.discoverer.Watch(ctx, service, cb)
}

// StopWatch cancels the background watch loop started by Watch for service,
// if any.
func (m *Mesh) StopWatch(service string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.watchers[service]; ok {
		cancel()
		delete(m.watchers, service)
	}
}

// Call drives one outbound call to service/operation through the full
// admission, discovery, retry and recording pipeline, per the mesh's single
// entry point.
func (m *Mesh) Call(ctx context.Context, service, operation string, payload interface{}, opts CallOptions) (interface{}, error) {
	return m.integrator.Call(ctx, service, operation, payload, opts)
}

// Guard wraps op as a Call-protected function: a transport-shaped closure
// that, on any mesh-classified failure, calls fallback instead of
// propagating the error. Supplements spec §9's redesign flag asking for a
// functional wrapper around the admit/discover/retry pipeline, for hosts
// that want resilience without threading service/operation names through
// every call site.
func (m *Mesh) Guard(service, operation string, opts CallOptions, fallback func(error) (interface{}, error)) func(ctx context.Context, payload interface{}) (interface{}, error) {
	return func(ctx context.Context, payload interface{}) (interface{}, error) {
		result, err := m.Call(ctx, service, operation, payload, opts)
		if err != nil {
			if fallback != nil {
				return fallback(err)
			}
			return nil, err
		}
		return result, nil
	}
}

// HealthStatus returns the aggregated health snapshot for service.
func (m *Mesh) HealthStatus(service string) health.ServiceHealth {
	return m.health.Status(service, time.Now())
}

// UpdateDependency registers or updates a directed dependency edge and
// propagates service's current health status across the graph, per spec
// §4.7.
func (m *Mesh) UpdateDependency(from, to string, kind meshtypes.DependencyType, impact float64) {
	m.dependency.Add(from, to, kind, impact)
	m.dependency.Propagate(from, m.health.Status(from, time.Now()).Status, time.Now())
}

// Close stops every background goroutine the Mesh owns (the watch loops
// started by Watch), stops the discoverer and closes the metrics client.
// Safe to call once.
func (m *Mesh) Close() error {
	m.mu.Lock()
	for service, cancel := range m.watchers {
		cancel()
		delete(m.watchers, service)
	}
	m.mu.Unlock()

	m.discoverer.Stop()
	return m.metrics.Close()
}
