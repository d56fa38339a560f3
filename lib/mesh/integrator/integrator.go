// Package integrator composes every other lib/mesh package behind the
// single Call(service, operation, payload, opts) entry point of spec §4.11:
// RateLimiter -> CircuitBreaker.Admit -> Discovery.Discover -> [retry loop:
// LoadBalancer.Pick -> AdaptiveTimeout.Wrap -> Transport.Invoke] -> record
// outcomes to CB/LB/timeout/predictor/health/metrics. Grounded on the
// teacher's pkg/resilience/circuit_breaker.go Execute for the overall
// admit-invoke-record shape, generalized across the mesh's full component
// set rather than one breaker alone.
package integrator

import (
	"context"
	"sync"
	"time"

	"github.com/datapunk/mesh/lib/mesh/backoff"
	"github.com/datapunk/mesh/lib/mesh/circuitbreaker"
	"github.com/datapunk/mesh/lib/mesh/config"
	"github.com/datapunk/mesh/lib/mesh/dependency"
	"github.com/datapunk/mesh/lib/mesh/discovery"
	"github.com/datapunk/mesh/lib/mesh/health"
	"github.com/datapunk/mesh/lib/mesh/loadbalancer"
	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
	"github.com/datapunk/mesh/lib/mesh/predictor"
	"github.com/datapunk/mesh/lib/mesh/ratelimit"
	"github.com/datapunk/mesh/lib/mesh/retry"
	"github.com/datapunk/mesh/lib/mesh/timeout"
)

// Transport invokes the underlying RPC/HTTP call the mesh piggybacks on;
// the mesh never invents a wire protocol of its own, per spec §1's
// non-goals.
type Transport func(ctx context.Context, service, operation string, payload interface{}) (interface{}, error)

// CallOptions configures a single Call.
type CallOptions struct {
	Priority meshtypes.Priority
	TraceID  string
}

// Deps bundles the shared, process-wide components the Integrator composes.
// All are optional except Transport: a nil CBRegistry, Predictor or Health
// skips that stage, and a nil Discoverer skips discovery, which leaves the
// load balancer empty so attempts fail with NoHealthyInstance. There is no
// rate limiter field; one is built per service from Config.RateLimit. Nil
// Logger/Metrics/Tracer are replaced by no-ops, matching the teacher's
// pattern of every constructor accepting nil Logger/MetricsClient and
// substituting a no-op.
type Deps struct {
	Config     config.Config
	Transport  Transport
	Discoverer *discovery.Discoverer
	CBRegistry *circuitbreaker.Registry
	Predictor  *predictor.Predictor
	Health     *health.Monitor
	Dependency *dependency.Chain
	Logger     observability.Logger
	Metrics    observability.MetricsClient
	Tracer     observability.Tracer
}

// Integrator is the Call entry point of spec §4.11.
type Integrator struct {
	cfg        config.Config
	transport  Transport
	discoverer *discovery.Discoverer
	cbRegistry *circuitbreaker.Registry
	predictor  *predictor.Predictor
	health     *health.Monitor
	dependency *dependency.Chain
	logger     observability.Logger
	metrics    observability.MetricsClient
	tracer     observability.Tracer

	timeouts *timeout.Tracker
	retryEng *retry.Engine

	mu        sync.Mutex
	limiters  map[string]ratelimit.Limiter
	balancers map[string]*loadbalancer.Balancer
}

// New builds an Integrator from Deps.
func New(deps Deps) *Integrator {
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

	backoffEngine := backoff.NewEngine(deps.Config.Backoff.Strategy, backoff.Params{
		Base:       deps.Config.Retry.InitialDelay,
		Max:        deps.Config.Retry.MaxDelay,
		Multiplier: deps.Config.Retry.Multiplier,
	}, logger, metrics)

	retryEng := retry.NewEngine(retry.Params{
		MaxAttempts:    deps.Config.Retry.MaxAttempts,
		Budget:         deps.Config.Retry.Budget,
		TimeoutPerCall: deps.Config.Retry.TimeoutPerCall,
	}, backoffEngine, logger, metrics)
	if deps.Health != nil {
		retryEng.WithUtilizationSource(deps.Health.Utilization)
	}

	return &Integrator{
		cfg:        deps.Config,
		transport:  deps.Transport,
		discoverer: deps.Discoverer,
		cbRegistry: deps.CBRegistry,
		predictor:  deps.Predictor,
		health:     deps.Health,
		dependency: deps.Dependency,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		timeouts:   timeout.New(timeout.Params{
			Strategy:   deps.Config.Timeout.Strategy,
			Min:        time.Duration(deps.Config.Timeout.MinMS) * time.Millisecond,
			Max:        time.Duration(deps.Config.Timeout.MaxMS) * time.Millisecond,
			Initial:    time.Duration(deps.Config.Timeout.InitialMS) * time.Millisecond,
			Percentile: deps.Config.Timeout.Percentile,
			Factor:     deps.Config.Timeout.Factor,
		}),
		retryEng:  retryEng,
		limiters:  make(map[string]ratelimit.Limiter),
		balancers: make(map[string]*loadbalancer.Balancer),
	}
}

func (in *Integrator) limiterFor(service string) ratelimit.Limiter {
	in.mu.Lock()
	defer in.mu.Unlock()
	if l, ok := in.limiters[service]; ok {
		return l
	}
	l := ratelimit.New(ratelimit.Params{
		Algorithm:   in.cfg.RateLimit.Algorithm,
		RPS:         in.cfg.RateLimit.RPS,
		Burst:       in.cfg.RateLimit.Burst,
		MinRate:     in.cfg.RateLimit.MinRate,
		MaxRate:     in.cfg.RateLimit.MaxRate,
		Cooldown:    in.cfg.RateLimit.CooldownS,
		ScaleFactor: in.cfg.RateLimit.ScaleFactor,
	})
	in.limiters[service] = l
	return l
}

func (in *Integrator) balancerFor(service string) *loadbalancer.Balancer {
	in.mu.Lock()
	defer in.mu.Unlock()
	if b, ok := in.balancers[service]; ok {
		return b
	}
	b := loadbalancer.New(service, loadbalancer.Params{
		Strategy:            in.cfg.LoadBalancer.Strategy,
		ConnectionLimit:     in.cfg.LoadBalancer.ConnectionLimit,
		HealthCheckInterval: in.cfg.Discovery.HealthCheckInterval,
		DrainTimeout:        in.cfg.LoadBalancer.DrainTimeout,
	}, in.logger, in.metrics)
	in.balancers[service] = b
	return b
}

// Call drives one outbound call through the full admit/discover/retry/record
// pipeline of spec §4.11.
func (in *Integrator) Call(ctx context.Context, service, operation string, payload interface{}, opts CallOptions) (interface{}, error) {
	ctx, span := in.tracer.StartSpan(ctx, "mesh.Call")
	defer span.End()
	span.SetAttribute("service", service)
	span.SetAttribute("operation", operation)

	if limiter := in.limiterFor(service); limiter != nil {
		if !limiter.Admit(time.Now()) {
			err := mesherr.New(mesherr.KindRateLimited, service, operation, nil)
			span.RecordError(err)
			return nil, err
		}
	}

	var permit *circuitbreaker.Permit
	if in.cbRegistry != nil {
		cb := in.cbRegistry.Get(service, in.cfg.CircuitBreaker, in.cfg.ReservedSlots)
		p, err := cb.Admit(ctx, opts.Priority)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		permit = p
		defer permit.Release()
	}

	if in.discoverer != nil {
		instances, err := in.discoverer.Discover(ctx, service, true)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		in.balancerFor(service).Sync(instances)
	}

	session := backoff.NewSession()
	result := in.retryEng.Execute(ctx, session, service, operation, func(ctx context.Context, attempt int) (interface{}, error) {
		return in.attempt(ctx, service, operation, payload, opts)
	})

	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(false, result.Err.Error())
		return nil, result.Err
	}
	span.SetStatus(true, "")
	return result.Value, nil
}

// attempt runs one retry attempt: pick an instance, wrap with the adaptive
// timeout, invoke the transport, and record the outcome to every component
// that needs it, per spec §4.11 step 5.
func (in *Integrator) attempt(ctx context.Context, service, operation string, payload interface{}, opts CallOptions) (interface{}, error) {
	balancer := in.balancerFor(service)
	lease, err := balancer.Pick()
	if err != nil {
		return nil, err
	}
	defer lease.Release()

	attemptCtx := ctx
	var cancel context.CancelFunc
	if in.timeouts != nil {
		d := in.timeouts.Get(service)
		attemptCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	value, err := in.invoke(attemptCtx, service, operation, payload)
	latency := time.Since(start)
	success := err == nil

	in.recordOutcome(service, lease.Instance().ID, latency, success, opts)

	if err != nil {
		return nil, in.classify(service, operation, attemptCtx, err)
	}
	return value, nil
}

func (in *Integrator) invoke(ctx context.Context, service, operation string, payload interface{}) (interface{}, error) {
	if in.transport == nil {
		return nil, mesherr.New(mesherr.KindTransportError, service, operation, nil)
	}
	return in.transport(ctx, service, operation, payload)
}

func (in *Integrator) recordOutcome(service, instanceID string, latency time.Duration, success bool, opts CallOptions) {
	now := time.Now()
	latencyMS := float64(latency.Milliseconds())

	if in.cbRegistry != nil {
		cb := in.cbRegistry.Get(service, in.cfg.CircuitBreaker, in.cfg.ReservedSlots)
		if success {
			cb.RecordSuccess()
		}
		// Failure is recorded by classify via RecordFailure once the error is
		// classified, so Cancelled never counts (spec §7).
	}
	if bal := in.balancerFor(service); bal != nil {
		bal.ObserveOutcome(instanceID, latencyMS, success)
	}
	if in.timeouts != nil {
		in.timeouts.Observe(service, latency, success)
	}
	if in.predictor != nil {
		in.predictor.Observe(service, predictor.MetricLatency, now, latencyMS)
		errObs := 0.0
		if !success {
			errObs = 1.0
		}
		in.predictor.Observe(service, predictor.MetricErrorRate, now, errObs)
	}
	if in.health != nil {
		in.health.ObserveCall(service, latencyMS, success, now)
	}
	in.metrics.RecordTimer("mesh_call_latency", latency, map[string]string{"service": service})
}

// classify wraps a transport error into the taxonomy of spec §7 (Timeout on
// context deadline, Cancelled on explicit cancellation, TransportError
// otherwise) and records the circuit breaker failure for non-cancelled
// outcomes, matching mesherr.CountsAsFailure's Cancelled exclusion.
func (in *Integrator) classify(service, operation string, ctx context.Context, err error) error {
	var classified error
	switch {
	case ctx.Err() == context.DeadlineExceeded:
		classified = mesherr.New(mesherr.KindTimeout, service, operation, err)
	case ctx.Err() == context.Canceled:
		classified = mesherr.New(mesherr.KindCancelled, service, operation, err)
	case mesherr.Is(err, mesherr.KindTimeout), mesherr.Is(err, mesherr.KindTransportError),
		mesherr.Is(err, mesherr.KindCancelled), mesherr.Is(err, mesherr.KindNoHealthyInstance),
		mesherr.Is(err, mesherr.KindCircuitOpen):
		classified = err
	default:
		classified = mesherr.New(mesherr.KindTransportError, service, operation, err)
	}

	if in.cbRegistry != nil {
		cb := in.cbRegistry.Get(service, in.cfg.CircuitBreaker, in.cfg.ReservedSlots)
		cb.RecordFailure(classified)
	}
	return classified
}
