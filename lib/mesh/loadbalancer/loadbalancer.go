// Package loadbalancer implements instance selection, connection pooling
// and graceful drain per spec §4.10. Grounded on the teacher's
// pkg/resilience/bulkhead.go semaphore-per-resource idiom for the
// per-instance connection pool, generalized to per-instance rather than
// per-service capacity, and on pkg/resilience/circuit_breaker_config.go's
// background-loop-plus-consecutive-counters idiom for the health loop's
// Failed-after-3/Active-after-2 transitions.
package loadbalancer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
)

// Strategy names, matching spec §6's lb.strategy enum.
const (
	RoundRobin            = "round_robin"
	LeastConnections      = "least_connections"
	ResponseTimeWeighted  = "response_time"
	Random                = "random"
	HealthScoreWeighted   = "health_weighted"
)

// Snapshot is the per-instance state a Strategy reads to pick a candidate:
// connections in flight and an exponentially weighted moving average of
// observed response time, both maintained by the Balancer rather than the
// strategy itself.
type Snapshot struct {
	Instance         meshtypes.Instance
	ConnectionsInUse int
	ResponseTimeMS   float64
}

// Strategy selects one instance from a pre-filtered candidate set (state
// Active, health_score >= 0.5, per spec §4.10 -- filtering happens in
// Balancer.Pick before a Strategy ever sees the list).
type Strategy interface {
	Pick(candidates []Snapshot) (meshtypes.Instance, bool)
}

// NewStrategy builds the named Strategy.
func NewStrategy(strategy string) Strategy {
	switch strategy {
	case LeastConnections:
		return leastConnectionsStrategy{}
	case ResponseTimeWeighted:
		return &responseTimeWeightedStrategy{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
	case Random:
		return &randomStrategy{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
	case HealthScoreWeighted:
		return &healthScoreWeightedStrategy{rnd: rand.New(rand.NewSource(time.Now().UnixNano()))}
	case RoundRobin:
		fallthrough
	default:
		return &roundRobinStrategy{}
	}
}

type roundRobinStrategy struct {
	mu  sync.Mutex
	pos int
}

func (r *roundRobinStrategy) Pick(candidates []Snapshot) (meshtypes.Instance, bool) {
	if len(candidates) == 0 {
		return meshtypes.Instance{}, false
	}
	r.mu.Lock()
	idx := r.pos % len(candidates)
	r.pos++
	r.mu.Unlock()
	return candidates[idx].Instance, true
}

type leastConnectionsStrategy struct{}

func (leastConnectionsStrategy) Pick(candidates []Snapshot) (meshtypes.Instance, bool) {
	if len(candidates) == 0 {
		return meshtypes.Instance{}, false
	}
	best := candidates[0]
	for _, c := range candidates[1:] {
		if c.ConnectionsInUse < best.ConnectionsInUse {
			best = c
		}
	}
	return best.Instance, true
}

type randomStrategy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *randomStrategy) Pick(candidates []Snapshot) (meshtypes.Instance, bool) {
	if len(candidates) == 0 {
		return meshtypes.Instance{}, false
	}
	r.mu.Lock()
	idx := r.rnd.Intn(len(candidates))
	r.mu.Unlock()
	return candidates[idx].Instance, true
}

// responseTimeWeightedStrategy weights candidates by 1/(ResponseTimeMS+eps),
// where ResponseTimeMS is the Balancer's moving average of observed latency,
// selected via weighted-random rather than always-pick-best so
// traffic still spreads across healthy-but-slower instances.
type responseTimeWeightedStrategy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (r *responseTimeWeightedStrategy) Pick(candidates []Snapshot) (meshtypes.Instance, bool) {
	return weightedPick(candidates, r.randFloat, func(s Snapshot) float64 {
		const eps = 1.0
		return 1.0 / (s.ResponseTimeMS + eps)
	})
}

func (r *responseTimeWeightedStrategy) randFloat() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rnd.Float64()
}

// healthScoreWeightedStrategy weights candidates by their rolling health
// score, per spec §4.10.
type healthScoreWeightedStrategy struct {
	mu  sync.Mutex
	rnd *rand.Rand
}

func (h *healthScoreWeightedStrategy) Pick(candidates []Snapshot) (meshtypes.Instance, bool) {
	return weightedPick(candidates, h.randFloat, func(s Snapshot) float64 {
		if s.Instance.HealthScore <= 0 {
			return 0.01
		}
		return s.Instance.HealthScore
	})
}

func (h *healthScoreWeightedStrategy) randFloat() float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rnd.Float64()
}

func weightedPick(candidates []Snapshot, randFloat func() float64, weight func(Snapshot) float64) (meshtypes.Instance, bool) {
	if len(candidates) == 0 {
		return meshtypes.Instance{}, false
	}
	var total float64
	weights := make([]float64, len(candidates))
	for i, c := range candidates {
		w := weight(c)
		if w < 0 {
			w = 0
		}
		weights[i] = w
		total += w
	}
	if total <= 0 {
		return candidates[0].Instance, true
	}
	r := randFloat() * total
	var cum float64
	for i, w := range weights {
		cum += w
		if r <= cum {
			return candidates[i].Instance, true
		}
	}
	return candidates[len(candidates)-1].Instance, true
}

// Params configures a Balancer. Defaults match spec §4.10.
type Params struct {
	Strategy            string
	ConnectionLimit     int
	HealthCheckInterval time.Duration
	DrainTimeout        time.Duration
}

// DefaultParams returns the spec-default tuning.
func DefaultParams() Params {
	return Params{
		Strategy:            RoundRobin,
		ConnectionLimit:     100,
		HealthCheckInterval: 5 * time.Second,
		DrainTimeout:        30 * time.Second,
	}
}

// instanceRecord is the Balancer's live view of one instance, including its
// connection pool and consecutive-outcome counters for the background
// health loop.
type instanceRecord struct {
	mu               sync.Mutex
	instance         meshtypes.Instance
	connectionsInUse int
	responseTimeMS   float64
	consecutiveFail  int
	consecutiveOK    int
	drainedCh        chan struct{}
}

// Lease is returned by Pick; callers must Release it exactly once so the
// per-instance connection pool's accounting stays correct.
type Lease struct {
	instance meshtypes.Instance
	rec      *instanceRecord
	released bool
	mu       sync.Mutex
}

// Instance is the leased instance.
func (l *Lease) Instance() meshtypes.Instance { return l.instance }

// Release returns the connection slot to the instance's pool.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	l.rec.mu.Lock()
	if l.rec.connectionsInUse > 0 {
		l.rec.connectionsInUse--
	}
	drained := l.rec.instance.State == meshtypes.InstanceDraining && l.rec.connectionsInUse == 0
	var ch chan struct{}
	if drained {
		ch = l.rec.drainedCh
	}
	l.rec.mu.Unlock()

	if ch != nil {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Balancer selects and leases instances for one service, per spec §4.10.
type Balancer struct {
	params  Params
	service string
	strategy Strategy
	logger  observability.Logger
	metrics observability.MetricsClient

	mu        sync.RWMutex
	instances map[string]*instanceRecord

	stopCh chan struct{}
	once   sync.Once
}

// New builds a Balancer for service.
func New(service string, params Params, logger observability.Logger, metrics observability.MetricsClient) *Balancer {
	if params.Strategy == "" {
		params.Strategy = DefaultParams().Strategy
	}
	if params.ConnectionLimit <= 0 {
		params.ConnectionLimit = DefaultParams().ConnectionLimit
	}
	if params.HealthCheckInterval <= 0 {
		params.HealthCheckInterval = DefaultParams().HealthCheckInterval
	}
	if params.DrainTimeout <= 0 {
		params.DrainTimeout = DefaultParams().DrainTimeout
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Balancer{
		params:   params,
		service:  service,
		strategy: NewStrategy(params.Strategy),
		logger:   logger,
		metrics:  metrics,
		instances: make(map[string]*instanceRecord),
		stopCh:    make(chan struct{}),
	}
}

// Sync replaces the Balancer's known instance set with the freshly
// discovered list, preserving live connection/health counters for
// instances that are still present. Callers feed this from
// discovery.Discoverer's Discover/Watch results.
func (b *Balancer) Sync(instances []meshtypes.Instance) {
	b.mu.Lock()
	defer b.mu.Unlock()

	seen := make(map[string]bool, len(instances))
	for _, inst := range instances {
		seen[inst.ID] = true
		if rec, ok := b.instances[inst.ID]; ok {
			rec.mu.Lock()
			rec.instance = inst
			rec.mu.Unlock()
			continue
		}
		b.instances[inst.ID] = &instanceRecord{instance: inst, drainedCh: make(chan struct{}, 1)}
	}
	for id := range b.instances {
		if !seen[id] {
			delete(b.instances, id)
		}
	}
}

// Pick selects and leases an instance per spec §4.10: only Active instances
// with health_score >= 0.5 are candidates; leasing is non-blocking and
// tries the next candidate on pool exhaustion; NoHealthyInstance is
// returned when nothing qualifies.
func (b *Balancer) Pick() (*Lease, error) {
	b.mu.RLock()
	records := make([]*instanceRecord, 0, len(b.instances))
	for _, rec := range b.instances {
		records = append(records, rec)
	}
	b.mu.RUnlock()

	candidates := make([]Snapshot, 0, len(records))
	byID := make(map[string]*instanceRecord, len(records))
	for _, rec := range records {
		rec.mu.Lock()
		inst := rec.instance
		conns := rec.connectionsInUse
		rt := rec.responseTimeMS
		rec.mu.Unlock()

		if inst.State != meshtypes.InstanceActive || inst.HealthScore < 0.5 {
			continue
		}
		candidates = append(candidates, Snapshot{Instance: inst, ConnectionsInUse: conns, ResponseTimeMS: rt})
		byID[inst.ID] = rec
	}

	for attempt := 0; attempt < len(candidates); attempt++ {
		picked, ok := b.strategy.Pick(candidates)
		if !ok {
			break
		}
		rec := byID[picked.ID]
		if rec == nil {
			continue
		}
		rec.mu.Lock()
		limit := b.params.ConnectionLimit
		if inst := rec.instance; inst.ConnectionLimit > 0 {
			limit = inst.ConnectionLimit
		}
		if rec.connectionsInUse < limit {
			rec.connectionsInUse++
			rec.mu.Unlock()
			return &Lease{instance: picked, rec: rec}, nil
		}
		rec.mu.Unlock()

		// Exhausted: drop this candidate and retry with the rest, per spec
		// §4.10's "on exhaustion, strategy picks next candidate".
		candidates = removeCandidate(candidates, picked.ID)
	}

	b.metrics.IncrementCounterWithLabels("lb_no_healthy_instance_total", 1, map[string]string{"service": b.service})
	return nil, mesherr.New(mesherr.KindNoHealthyInstance, b.service, "pick", nil)
}

func removeCandidate(candidates []Snapshot, id string) []Snapshot {
	out := candidates[:0]
	for _, c := range candidates {
		if c.Instance.ID != id {
			out = append(out, c)
		}
	}
	return out
}

// ObserveOutcome records a completed call's latency and success/failure for
// the health loop's consecutive-counter state machine and the
// response-time-weighted strategy's inputs.
func (b *Balancer) ObserveOutcome(instanceID string, latencyMS float64, success bool) {
	b.mu.RLock()
	rec, ok := b.instances[instanceID]
	b.mu.RUnlock()
	if !ok {
		return
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	const alpha = 0.3
	if rec.responseTimeMS == 0 {
		rec.responseTimeMS = latencyMS
	} else {
		rec.responseTimeMS = alpha*latencyMS + (1-alpha)*rec.responseTimeMS
	}

	if success {
		rec.consecutiveOK++
		rec.consecutiveFail = 0
		if rec.instance.State == meshtypes.InstanceFailed && rec.consecutiveOK >= 2 {
			rec.instance.State = meshtypes.InstanceActive
		}
	} else {
		rec.consecutiveFail++
		rec.consecutiveOK = 0
		if rec.consecutiveFail >= 3 {
			rec.instance.State = meshtypes.InstanceFailed
		}
	}
}

// Drain moves instance to Draining (refusing new leases), waits for
// in-flight connections to reach zero or timeout to elapse, then marks it
// Inactive, per spec §4.10.
func (b *Balancer) Drain(instanceID string, timeout time.Duration) error {
	b.mu.RLock()
	rec, ok := b.instances[instanceID]
	b.mu.RUnlock()
	if !ok {
		return mesherr.New(mesherr.KindNoHealthyInstance, b.service, "drain", nil)
	}

	rec.mu.Lock()
	rec.instance.State = meshtypes.InstanceDraining
	alreadyIdle := rec.connectionsInUse == 0
	rec.mu.Unlock()

	if !alreadyIdle {
		select {
		case <-rec.drainedCh:
		case <-time.After(timeout):
		}
	}

	rec.mu.Lock()
	rec.instance.State = meshtypes.InstanceInactive
	rec.mu.Unlock()
	return nil
}

// HealthLoop runs the background health check of spec §4.10 every
// HealthCheckInterval until Close is called. checker reports whether
// instance currently passes its health probe; the Balancer owns the
// consecutive-failure/success bookkeeping and state transitions.
func (b *Balancer) HealthLoop(checker func(meshtypes.Instance) bool) {
	ticker := time.NewTicker(b.params.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.mu.RLock()
			records := make([]*instanceRecord, 0, len(b.instances))
			for _, rec := range b.instances {
				records = append(records, rec)
			}
			b.mu.RUnlock()

			for _, rec := range records {
				rec.mu.Lock()
				inst := rec.instance
				rec.mu.Unlock()
				if inst.State == meshtypes.InstanceDraining || inst.State == meshtypes.InstanceInactive {
					continue
				}
				b.ObserveOutcome(inst.ID, 0, checker(inst))
			}
		}
	}
}

// Close stops any running HealthLoop.
func (b *Balancer) Close() {
	b.once.Do(func() {
		close(b.stopCh)
	})
}
