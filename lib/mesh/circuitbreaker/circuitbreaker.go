// Package circuitbreaker implements the mesh's circuit breaker state
// machine and its six admission strategies, plus the priority
// reserved-slot admission gate, per spec §4.8. The base Closed/Open/
// HalfOpen state machine is grounded on pkg/resilience/circuit_breaker.go's
// atomic.Value-based state/counts and mutex-guarded transitions. The
// priority admission gate is adapted from pkg/resilience/bulkhead.go's
// semaphore-and-queue design. The "basic" strategy additionally exposes a
// convenience Execute path backed by github.com/sony/gobreaker, mirroring
// the teacher's own internal/resilience/circuit_breaker.go, which wraps
// gobreaker for simple single-shot protected calls outside the full
// Admit/Record pipeline the Integrator drives.
package circuitbreaker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"

	"github.com/datapunk/mesh/lib/mesh/config"
	"github.com/datapunk/mesh/lib/mesh/dependency"
	"github.com/datapunk/mesh/lib/mesh/health"
	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
	"github.com/datapunk/mesh/lib/mesh/predictor"
	"github.com/datapunk/mesh/lib/mesh/ratelimit"
)

// State mirrors gobreaker's three-state model, used by the hand-rolled FSM
// underlying every strategy.
type State int32

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Counts tracks request outcomes within the current state, mirroring
// internal/resilience/counts.go's Counts.
type Counts struct {
	Requests             uint32
	TotalSuccesses       uint32
	TotalFailures        uint32
	ConsecutiveSuccesses uint32
	ConsecutiveFailures  uint32
}

func (c *Counts) onRequest() { c.Requests++ }

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() { *c = Counts{} }

// Strategy is the admission/recording hook a Breaker dispatches to beyond
// the shared Closed/Open/HalfOpen state machine, per spec §4.8.
type Strategy interface {
	// admitExtra is consulted after the base FSM allows the request. A
	// false return denies admission without touching FSM counters.
	admitExtra(ctx context.Context, priority meshtypes.Priority) (bool, error)
	// onSuccess/onFailure let a strategy react to outcomes beyond the base
	// FSM bookkeeping (e.g. gradual recovery's rate, dependency failure
	// counters).
	onSuccess()
	onFailure(err error)
}

// passthroughStrategy adds no admission restriction: basic and (by
// composition) every other strategy fall back to it when a strategy-
// specific hook has nothing to add.
type passthroughStrategy struct{}

func (passthroughStrategy) admitExtra(context.Context, meshtypes.Priority) (bool, error) { return true, nil }
func (passthroughStrategy) onSuccess()                                                    {}
func (passthroughStrategy) onFailure(error)                                               {}

// Breaker is a circuit breaker for one (service, strategy) pair.
type Breaker struct {
	service string
	cfg     config.CircuitBreakerConfig
	logger  observability.Logger
	metrics observability.MetricsClient

	mu       sync.Mutex
	state    State
	counts   Counts
	openedAt time.Time
	halfOpenInFlight int

	strategy Strategy
	gate     *priorityGate

	// basic strategy's convenience single-shot path.
	gobreaker *gobreaker.CircuitBreaker
}

// Option configures strategy-specific dependencies at construction.
type Option func(*Breaker)

// WithDependencyChain wires the dependency-aware strategy to a shared
// dependency.Chain and the set of services this breaker's service depends
// on with Critical/Required strength.
func WithDependencyChain(chain *dependency.Chain, criticalDeps, requiredDeps []string) Option {
	return func(b *Breaker) {
		b.strategy = &dependencyAwareStrategy{chain: chain, critical: criticalDeps, required: requiredDeps, base: b}
	}
}

// WithRateLimiter wraps admission with a ratelimit.Limiter.
func WithRateLimiter(limiter ratelimit.Limiter) Option {
	return func(b *Breaker) {
		b.strategy = &rateLimitedStrategy{limiter: limiter}
	}
}

// WithHealthMonitor multiplies admission by health status and priority.
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(b *Breaker) {
		b.strategy = &healthAwareStrategy{monitor: monitor, service: b.service}
	}
}

// WithPredictor denies admission when likelihood*confidence exceeds the
// configured predictive threshold.
func WithPredictor(p *predictor.Predictor, now func() time.Time) Option {
	return func(b *Breaker) {
		b.strategy = &predictiveStrategy{predictor: p, service: b.service, threshold: b.cfg.PredictiveThreshold, now: now}
	}
}

// New builds a Breaker for service using cfg.Strategy to pick the
// admission strategy; reserved is the priority slot configuration shared
// with the integrator's admission gate.
func New(service string, cfg config.CircuitBreakerConfig, reserved config.ReservedSlots, logger observability.Logger, metrics observability.MetricsClient, opts ...Option) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 3
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 5
	}
	if cfg.ResetAfterSuccesses <= 0 {
		cfg.ResetAfterSuccesses = cfg.FailureThreshold
	}
	if cfg.ConcurrencyLimit <= 0 {
		cfg.ConcurrencyLimit = 100
	}
	if cfg.GradualInitialRate <= 0 {
		cfg.GradualInitialRate = 0.1
	}
	if cfg.GradualStableWindow <= 0 {
		cfg.GradualStableWindow = 30 * time.Second
	}
	if cfg.GradualErrRateLimit <= 0 {
		cfg.GradualErrRateLimit = 0.02
	}
	if cfg.PredictiveThreshold <= 0 {
		cfg.PredictiveThreshold = 0.8
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}

	b := &Breaker{
		service:  service,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		state:    StateClosed,
		strategy: passthroughStrategy{},
		gate:     newPriorityGate(cfg.ConcurrencyLimit, reserved),
	}

	if cfg.Strategy == "gradual" {
		b.strategy = newGradualStrategy(cfg)
	}

	for _, opt := range opts {
		opt(b)
	}

	if cfg.Strategy == "basic" {
		b.gobreaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        service,
			MaxRequests: uint32(cfg.HalfOpenMaxCalls),
			Timeout:     cfg.ResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= uint32(cfg.FailureThreshold)
			},
		})
	}

	return b
}

// State reports the breaker's current FSM state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentStateLocked(time.Now())
}

func (b *Breaker) currentStateLocked(now time.Time) State {
	if b.state == StateOpen && now.Sub(b.openedAt) > b.cfg.ResetTimeout {
		b.transitionLocked(StateHalfOpen, now)
	}
	return b.state
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	b.state = to
	b.counts.clear()
	switch to {
	case StateOpen:
		b.openedAt = now
	case StateHalfOpen:
		b.halfOpenInFlight = 0
	}
	b.metrics.RecordGauge("circuit_breaker_state", float64(to), map[string]string{"service": b.service})
	b.logger.Info("circuit breaker transition", map[string]interface{}{"service": b.service, "state": to.String()})
}

// Permit is returned by Admit; callers must Release it exactly once after
// the outbound call completes so the priority gate's in-flight accounting
// stays correct.
type Permit struct {
	release func()
	once    sync.Once
}

// Release returns the admitted slot to the priority gate.
func (p *Permit) Release() {
	p.once.Do(func() {
		if p.release != nil {
			p.release()
		}
	})
}

// Admit checks the base FSM, the priority reserved-slot gate and the
// strategy's extra admission rule, in that order, per spec §4.8.
func (b *Breaker) Admit(ctx context.Context, priority meshtypes.Priority) (*Permit, error) {
	now := time.Now()

	b.mu.Lock()
	state := b.currentStateLocked(now)
	switch state {
	case StateOpen:
		b.mu.Unlock()
		b.metrics.IncrementCounterWithLabels("circuit_breaker_rejected_total", 1, map[string]string{"service": b.service, "reason": "open"})
		return nil, mesherr.New(mesherr.KindCircuitOpen, b.service, "admit", nil)
	case StateHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxCalls {
			b.mu.Unlock()
			return nil, mesherr.New(mesherr.KindCircuitOpen, b.service, "admit", nil)
		}
		b.halfOpenInFlight++
	}
	b.counts.onRequest()
	b.mu.Unlock()

	release, ok := b.gate.tryAcquire(priority)
	if !ok {
		b.releaseHalfOpenSlot(state)
		return nil, mesherr.New(mesherr.KindCircuitOpen, b.service, "admit", nil)
	}

	if ok, err := b.strategy.admitExtra(ctx, priority); !ok {
		release()
		b.releaseHalfOpenSlot(state)
		if err == nil {
			err = mesherr.New(mesherr.KindCircuitOpen, b.service, "admit", nil)
		}
		return nil, err
	}

	return &Permit{release: func() {
		release()
		b.releaseHalfOpenSlot(state)
	}}, nil
}

func (b *Breaker) releaseHalfOpenSlot(admittedState State) {
	if admittedState != StateHalfOpen {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// RecordSuccess updates the FSM and the active strategy on a successful
// outbound call.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	now := time.Now()
	state := b.currentStateLocked(now)
	b.counts.onSuccess()

	switch state {
	case StateHalfOpen:
		if b.counts.ConsecutiveSuccesses >= uint32(b.cfg.SuccessThreshold) {
			b.transitionLocked(StateClosed, now)
		}
	case StateClosed:
		if b.counts.ConsecutiveSuccesses >= uint32(b.cfg.ResetAfterSuccesses) {
			b.counts.clear()
		}
	}
	b.mu.Unlock()

	b.strategy.onSuccess()
	b.metrics.IncrementCounterWithLabels("circuit_breaker_outcome_total", 1, map[string]string{"service": b.service, "outcome": "success"})
}

// RecordFailure updates the FSM and the active strategy on a failed
// outbound call. Cancelled errors never count as failures, per spec §7.
func (b *Breaker) RecordFailure(err error) {
	if !mesherr.CountsAsFailure(err) {
		return
	}

	b.mu.Lock()
	now := time.Now()
	state := b.currentStateLocked(now)
	b.counts.onFailure()

	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= uint32(b.cfg.FailureThreshold) {
			b.transitionLocked(StateOpen, now)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen, now)
	}
	b.mu.Unlock()

	b.strategy.onFailure(err)
	b.metrics.IncrementCounterWithLabels("circuit_breaker_outcome_total", 1, map[string]string{"service": b.service, "outcome": "failure"})
}

// Execute is a convenience single-shot path for hosts that don't need the
// Integrator's full Admit/Record split (no retry loop, no discovery). For
// the "basic" strategy it delegates directly to the wrapped
// sony/gobreaker instance; for every other strategy it composes
// Admit/fn/Record itself since gobreaker has no notion of the mesh's
// extra strategy hooks.
func (b *Breaker) Execute(ctx context.Context, priority meshtypes.Priority, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if b.gobreaker != nil {
		return b.gobreaker.Execute(func() (interface{}, error) {
			return fn(ctx)
		})
	}

	permit, err := b.Admit(ctx, priority)
	if err != nil {
		return nil, err
	}
	defer permit.Release()

	value, err := fn(ctx)
	if err != nil {
		b.RecordFailure(err)
		return nil, err
	}
	b.RecordSuccess()
	return value, nil
}

// priorityGate admits requests into a shared pool plus a per-priority
// reserved pool, per spec §4.8: "admitted if free global slots exist OR
// reserved slots for its priority are available." Adapted from
// pkg/resilience/bulkhead.go's semaphore (chan struct{}) design, replacing
// the channel with plain counters since admission here must also consult a
// second, priority-scoped pool rather than a single capacity.
type priorityGate struct {
	mu            sync.Mutex
	sharedLimit   int
	sharedInUse   int
	reservedLimit map[meshtypes.Priority]int
	reservedInUse map[meshtypes.Priority]int
	floor         int32 // atomic priority floor; requests below it are shed
}

func newPriorityGate(sharedLimit int, reserved config.ReservedSlots) *priorityGate {
	return &priorityGate{
		sharedLimit: sharedLimit,
		reservedLimit: map[meshtypes.Priority]int{
			meshtypes.PriorityCritical: reserved.Critical,
			meshtypes.PriorityHigh:     reserved.High,
			meshtypes.PriorityNormal:   reserved.Normal,
			meshtypes.PriorityLow:      reserved.Low,
			meshtypes.PriorityBulk:     reserved.Bulk,
		},
		reservedInUse: make(map[meshtypes.Priority]int),
	}
}

// SetFloor raises (or lowers) the priority floor at runtime to shed load,
// per spec §4.8's "priority floor can be raised at runtime" rule.
func (g *priorityGate) SetFloor(floor meshtypes.Priority) {
	atomic.StoreInt32(&g.floor, int32(floor))
}

func (g *priorityGate) tryAcquire(priority meshtypes.Priority) (func(), bool) {
	if int32(priority) < atomic.LoadInt32(&g.floor) {
		return nil, false
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.sharedInUse < g.sharedLimit {
		g.sharedInUse++
		return g.releaseFunc(false, priority), true
	}
	if g.reservedInUse[priority] < g.reservedLimit[priority] {
		g.reservedInUse[priority]++
		return g.releaseFunc(true, priority), true
	}
	return nil, false
}

func (g *priorityGate) releaseFunc(wasReserved bool, priority meshtypes.Priority) func() {
	return func() {
		g.mu.Lock()
		defer g.mu.Unlock()
		if wasReserved {
			if g.reservedInUse[priority] > 0 {
				g.reservedInUse[priority]--
			}
		} else if g.sharedInUse > 0 {
			g.sharedInUse--
		}
	}
}
