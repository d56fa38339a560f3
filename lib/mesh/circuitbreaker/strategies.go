package circuitbreaker

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/datapunk/mesh/lib/mesh/config"
	"github.com/datapunk/mesh/lib/mesh/dependency"
	"github.com/datapunk/mesh/lib/mesh/health"
	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/predictor"
	"github.com/datapunk/mesh/lib/mesh/ratelimit"
)

var randMu sync.Mutex
var randSrc = rand.New(rand.NewSource(1))

// defaultRand returns a float64 in [0,1). Shared across strategies rather
// than each holding its own *rand.Rand, mirroring the mutex-guarded source
// in backoff.Engine.
func defaultRand() float64 {
	randMu.Lock()
	defer randMu.Unlock()
	return randSrc.Float64()
}

// gradualStrategy admits a fraction r of traffic, doubling r after a stable
// window of low errors and halving it on any failure, per spec §4.8's
// gradual recovery strategy. r is driven entirely by outcomes so it tracks
// the breaker's own half-open/closed transitions without needing to read
// FSM state directly.
type gradualStrategy struct {
	mu          sync.Mutex
	rate        float64
	minRate     float64
	maxRate     float64
	stableSince time.Time
	stableWindow time.Duration
	errLimit    float64
	windowReqs  int
	windowErrs  int
	rnd         func() float64
}

func newGradualStrategy(cfg config.CircuitBreakerConfig) *gradualStrategy {
	return &gradualStrategy{
		rate:         cfg.GradualInitialRate,
		minRate:      cfg.GradualInitialRate,
		maxRate:      1.0,
		stableSince:  time.Now(),
		stableWindow: cfg.GradualStableWindow,
		errLimit:     cfg.GradualErrRateLimit,
		rnd:          defaultRand,
	}
}

func (g *gradualStrategy) admitExtra(context.Context, meshtypes.Priority) (bool, error) {
	g.mu.Lock()
	rate := g.rate
	g.mu.Unlock()
	if g.rnd() < rate {
		return true, nil
	}
	return false, mesherr.New(mesherr.KindCircuitOpen, "", "admit_gradual", nil)
}

func (g *gradualStrategy) onSuccess() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windowReqs++
	now := time.Now()
	if now.Sub(g.stableSince) >= g.stableWindow {
		errRate := 0.0
		if g.windowReqs > 0 {
			errRate = float64(g.windowErrs) / float64(g.windowReqs)
		}
		if errRate <= g.errLimit {
			g.rate = min1(g.rate * 2)
		}
		g.stableSince = now
		g.windowReqs, g.windowErrs = 0, 0
	}
}

func (g *gradualStrategy) onFailure(error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.windowReqs++
	g.windowErrs++
	g.rate = g.rate / 2
	if g.rate < g.minRate {
		g.rate = g.minRate
	}
	g.stableSince = time.Now()
	g.windowReqs, g.windowErrs = 0, 0
}

func min1(v float64) float64 {
	if v > 1 {
		return 1
	}
	return v
}

// dependencyAwareStrategy denies admission when a Critical or Required
// dependency of the protected service is itself Unhealthy, per spec §4.8.
type dependencyAwareStrategy struct {
	chain    *dependency.Chain
	critical []string
	required []string
	base     *Breaker
}

func (d *dependencyAwareStrategy) admitExtra(_ context.Context, _ meshtypes.Priority) (bool, error) {
	if d.chain == nil {
		return true, nil
	}
	for _, dep := range d.critical {
		if d.chain.HealthOf(dep) == meshtypes.HealthUnhealthy {
			return false, mesherr.New(mesherr.KindCircuitOpen, d.base.service, "admit_dependency", nil)
		}
	}
	for _, dep := range d.required {
		if d.chain.HealthOf(dep) == meshtypes.HealthUnhealthy {
			return false, mesherr.New(mesherr.KindCircuitOpen, d.base.service, "admit_dependency", nil)
		}
	}
	return true, nil
}

func (d *dependencyAwareStrategy) onSuccess()      {}
func (d *dependencyAwareStrategy) onFailure(error) {}

// rateLimitedStrategy composes admission with a ratelimit.Limiter, per spec
// §4.8's rate-limited strategy: the breaker's own FSM still tracks
// open/closed/half-open, but a request that would otherwise be admitted is
// additionally subject to the limiter.
type rateLimitedStrategy struct {
	limiter ratelimit.Limiter
}

func (r *rateLimitedStrategy) admitExtra(context.Context, meshtypes.Priority) (bool, error) {
	if r.limiter == nil {
		return true, nil
	}
	if r.limiter.Admit(time.Now()) {
		return true, nil
	}
	return false, mesherr.New(mesherr.KindRateLimited, "", "admit_rate_limited", nil)
}

func (r *rateLimitedStrategy) onSuccess() {
	if al, ok := r.limiter.(*ratelimit.AdaptiveLimiter); ok {
		al.RecordOutcome(time.Now(), true)
	}
}

func (r *rateLimitedStrategy) onFailure(error) {
	if al, ok := r.limiter.(*ratelimit.AdaptiveLimiter); ok {
		al.RecordOutcome(time.Now(), false)
	}
}

// healthAwareStrategy scales admission probability by the monitored
// service's health status, letting Critical/High priority traffic through
// degraded services while shedding Low/Bulk, per spec §4.8.
type healthAwareStrategy struct {
	monitor *health.Monitor
	service string
	rnd     func() float64
}

func (h *healthAwareStrategy) admitExtra(_ context.Context, priority meshtypes.Priority) (bool, error) {
	if h.monitor == nil {
		return true, nil
	}
	status := h.monitor.Status(h.service, time.Now())

	var admitProb float64
	switch status.Status {
	case meshtypes.HealthHealthy, meshtypes.HealthUnknown:
		admitProb = 1.0
	case meshtypes.HealthDegraded:
		admitProb = 0.5 + float64(priority)/200.0 // priority in [0,100] -> [0.5,1.0]
	case meshtypes.HealthUnhealthy:
		if priority >= meshtypes.PriorityHigh {
			admitProb = 0.25
		} else {
			admitProb = 0
		}
	}

	rnd := h.rnd
	if rnd == nil {
		rnd = defaultRand
	}
	if rnd() < admitProb {
		return true, nil
	}
	return false, mesherr.New(mesherr.KindCircuitOpen, h.service, "admit_health_aware", nil)
}

func (h *healthAwareStrategy) onSuccess()      {}
func (h *healthAwareStrategy) onFailure(error) {}

// predictiveStrategy denies admission when the predictor's fused
// likelihood*confidence exceeds the configured threshold, per spec §4.8.
type predictiveStrategy struct {
	predictor *predictor.Predictor
	service   string
	threshold float64
	now       func() time.Time
}

func (p *predictiveStrategy) admitExtra(context.Context, meshtypes.Priority) (bool, error) {
	if p.predictor == nil {
		return true, nil
	}
	now := time.Now
	if p.now != nil {
		now = p.now
	}
	pred := p.predictor.Predict(p.service, now())
	if pred.Likelihood*pred.Confidence > p.threshold {
		return false, mesherr.New(mesherr.KindPredictedFailure, p.service, "admit_predictive", nil)
	}
	return true, nil
}

func (p *predictiveStrategy) onSuccess()      {}
func (p *predictiveStrategy) onFailure(error) {}
