// Package backoff computes the next retry delay for a retry session.
// Six strategies are supported per spec §4.1: exponential, fibonacci,
// decorrelated jitter, resource-sensitive, pattern-based and adaptive.
// github.com/cenkalti/backoff/v4 underlies the exponential strategy, the
// same library the teacher's root go.mod carries for its own retry paths.
package backoff

import (
	"math"
	"math/rand"
	"sync"
	"time"

	cenkaltibackoff "github.com/cenkalti/backoff/v4"

	"github.com/datapunk/mesh/lib/mesh/observability"
)

// Strategy names, matching spec §6's backoff.strategy enum.
const (
	Exponential        = "exponential"
	Fibonacci          = "fibonacci"
	DecorrelatedJitter = "decorrelated_jitter"
	ResourceSensitive  = "resource_sensitive"
	Pattern            = "pattern"
	Adaptive           = "adaptive"
)

// Params configures an Engine. Defaults match spec §4.1.
type Params struct {
	Base               time.Duration
	Max                time.Duration
	Multiplier         float64
	ResourceThreshold  float64 // default 0.7
	ResourceK          float64 // default 2
	Epsilon            float64 // default 0.1, adaptive strategy only
}

// DefaultParams returns the spec-default tuning.
func DefaultParams() Params {
	return Params{
		Base:              100 * time.Millisecond,
		Max:               30 * time.Second,
		Multiplier:        2.0,
		ResourceThreshold: 0.7,
		ResourceK:         2.0,
		Epsilon:           0.1,
	}
}

// Outcome is one recorded attempt result, used by the pattern and adaptive
// strategies.
type Outcome struct {
	Success bool
	Latency time.Duration
}

// Session carries the per-retry-session history an Engine consults. Callers
// own one Session per RetrySession (spec §3); it is not safe to share across
// concurrent sessions since per-session retries are sequential by spec §5.
type Session struct {
	mu            sync.Mutex
	history       []Outcome
	prevDelay     time.Duration
	strategyStats map[string]*effectiveness
}

// NewSession creates an empty retry session.
func NewSession() *Session {
	return &Session{strategyStats: make(map[string]*effectiveness)}
}

// Record appends an outcome, most-recent last.
func (s *Session) Record(o Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, o)
}

// StrategyStats returns the number of attempts recorded per strategy name so
// far, for callers (chiefly tests) that want to confirm outcomes are being
// attributed to real strategy names rather than accumulating under "".
func (s *Session) StrategyStats() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.strategyStats))
	for k, v := range s.strategyStats {
		out[k] = v.attempts
	}
	return out
}

type effectiveness struct {
	successes    int
	attempts     int
	latencySum   time.Duration
}

func (e *effectiveness) score() float64 {
	if e.attempts == 0 {
		return 0
	}
	successRate := float64(e.successes) / float64(e.attempts)
	avgLatency := float64(e.latencySum) / float64(e.attempts)
	// Normalize against a 1s reference latency; values beyond that still
	// contribute a penalty approaching 1.
	normalized := avgLatency / float64(time.Second)
	if normalized > 1 {
		normalized = 1
	}
	return successRate * (1 - normalized)
}

// Engine computes the next delay for a retry attempt.
type Engine struct {
	strategy string
	params   Params
	logger   observability.Logger
	metrics  observability.MetricsClient
	rnd      *rand.Rand
	rndMu    sync.Mutex
}

// NewEngine builds an Engine for the named strategy.
func NewEngine(strategy string, params Params, logger observability.Logger, metrics observability.MetricsClient) *Engine {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	if params.Base <= 0 {
		params.Base = DefaultParams().Base
	}
	if params.Max <= 0 {
		params.Max = DefaultParams().Max
	}
	if params.Multiplier <= 1.0 {
		params.Multiplier = DefaultParams().Multiplier
	}
	if params.ResourceThreshold == 0 {
		params.ResourceThreshold = DefaultParams().ResourceThreshold
	}
	if params.ResourceK == 0 {
		params.ResourceK = DefaultParams().ResourceK
	}
	if params.Epsilon == 0 {
		params.Epsilon = DefaultParams().Epsilon
	}
	return &Engine{
		strategy: strategy,
		params:   params,
		logger:   logger,
		metrics:  metrics,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NextDelay returns the delay before the next attempt. attemptIdx is 1-based.
// util is observed resource utilization in [0,1]; invalid inputs (negative
// attempt, NaN util) never propagate to the caller -- they are logged as a
// fault and answered with the configured base delay, per spec §4.1.
//
// Deprecated: callers that need to feed the chosen strategy back into
// RecordOutcome (the adaptive strategy requires this) should call
// NextDelayWithStrategy instead.
func (e *Engine) NextDelay(session *Session, attemptIdx int, util float64) time.Duration {
	d, _ := e.NextDelayWithStrategy(session, attemptIdx, util)
	return d
}

// NextDelayWithStrategy behaves like NextDelay but also reports the concrete
// strategy name it picked -- under the Adaptive strategy this varies per
// call, and the retry engine must thread it back into RecordOutcome for
// strategyStats to ever accumulate under real strategy keys instead of "".
func (e *Engine) NextDelayWithStrategy(session *Session, attemptIdx int, util float64) (time.Duration, string) {
	if attemptIdx < 1 || math.IsNaN(util) {
		e.metrics.IncrementCounterWithLabels("backoff_invalid_input_total", 1, map[string]string{"strategy": e.strategy})
		e.logger.Warn("backoff: invalid input, returning base delay", map[string]interface{}{
			"attempt": attemptIdx, "util": util, "strategy": e.strategy,
		})
		return e.params.Base, e.strategy
	}

	strategy := e.strategy
	if strategy == Adaptive {
		strategy = e.pickAdaptiveStrategy(session)
	}

	delay := e.computeDelay(strategy, session, attemptIdx)

	if strategy == ResourceSensitive || (e.strategy == Adaptive && strategy != ResourceSensitive && util > e.params.ResourceThreshold) {
		delay = e.applyResourceSensitivity(delay, util)
	}

	if session != nil {
		session.mu.Lock()
		session.prevDelay = delay
		session.mu.Unlock()
	}
	return delay, strategy
}

func (e *Engine) computeDelay(strategy string, session *Session, attemptIdx int) time.Duration {
	switch strategy {
	case Fibonacci:
		return e.fibonacciDelay(attemptIdx)
	case DecorrelatedJitter:
		return e.decorrelatedJitterDelay(session)
	case ResourceSensitive:
		return e.exponentialDelay(attemptIdx)
	case Pattern:
		if d, ok := e.patternDelay(session); ok {
			return d
		}
		return e.exponentialDelay(attemptIdx)
	case Exponential:
		fallthrough
	default:
		return e.exponentialDelay(attemptIdx)
	}
}

// exponentialDelay uses cenkalti/backoff/v4's ExponentialBackOff as the
// underlying generator so the formula and jitter semantics match the
// ecosystem's own implementation rather than a hand-rolled copy.
func (e *Engine) exponentialDelay(attemptIdx int) time.Duration {
	b := cenkaltibackoff.NewExponentialBackOff()
	b.InitialInterval = e.params.Base
	b.MaxInterval = e.params.Max
	b.Multiplier = e.params.Multiplier
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // never stop generating; the retry engine owns the budget
	b.Reset()

	var d time.Duration
	for i := 0; i < attemptIdx; i++ {
		d = b.NextBackOff()
	}
	if d > e.params.Max {
		d = e.params.Max
	}
	return d
}

func (e *Engine) fibonacciDelay(attemptIdx int) time.Duration {
	a, b := 1, 1
	for i := 1; i < attemptIdx; i++ {
		a, b = b, a+b
	}
	d := time.Duration(a) * e.params.Base
	if d > e.params.Max {
		d = e.params.Max
	}
	return d
}

func (e *Engine) decorrelatedJitterDelay(session *Session) time.Duration {
	prev := e.params.Base
	if session != nil {
		session.mu.Lock()
		if session.prevDelay > 0 {
			prev = session.prevDelay
		}
		session.mu.Unlock()
	}
	upper := prev * 3
	if upper < e.params.Base {
		upper = e.params.Base
	}
	d := e.uniform(e.params.Base, upper)
	if d > e.params.Max {
		d = e.params.Max
	}
	return d
}

func (e *Engine) uniform(lo, hi time.Duration) time.Duration {
	if hi <= lo {
		return lo
	}
	e.rndMu.Lock()
	defer e.rndMu.Unlock()
	span := int64(hi - lo)
	return lo + time.Duration(e.rnd.Int63n(span))
}

func (e *Engine) applyResourceSensitivity(base time.Duration, util float64) time.Duration {
	excess := util - e.params.ResourceThreshold
	if excess < 0 {
		excess = 0
	}
	factor := 1 + e.params.ResourceK*excess
	d := time.Duration(float64(base) * factor)
	if d > e.params.Max {
		d = e.params.Max
	}
	return d
}

// patternDelay requires at least 5 prior outcomes and estimates a repeating
// fail/success period via autocorrelation, returning period*base. It returns
// ok=false when there isn't enough history, letting the caller fall back to
// exponential.
func (e *Engine) patternDelay(session *Session) (time.Duration, bool) {
	if session == nil {
		return 0, false
	}
	session.mu.Lock()
	history := append([]Outcome(nil), session.history...)
	session.mu.Unlock()

	if len(history) < 5 {
		return 0, false
	}

	series := make([]float64, len(history))
	for i, o := range history {
		if o.Success {
			series[i] = 1
		}
	}

	period := bestAutocorrelationPeriod(series)
	if period <= 0 {
		return 0, false
	}
	d := time.Duration(period) * e.params.Base
	if d > e.params.Max {
		d = e.params.Max
	}
	return d, true
}

// bestAutocorrelationPeriod returns the lag (>=1) with the strongest
// normalized autocorrelation, or 0 if the series is too short/flat to judge.
func bestAutocorrelationPeriod(series []float64) int {
	n := len(series)
	if n < 4 {
		return 0
	}
	mean := 0.0
	for _, v := range series {
		mean += v
	}
	mean /= float64(n)

	variance := 0.0
	for _, v := range series {
		variance += (v - mean) * (v - mean)
	}
	if variance == 0 {
		return 0
	}

	bestLag, bestScore := 0, 0.0
	maxLag := n / 2
	for lag := 1; lag <= maxLag; lag++ {
		var sum float64
		for i := 0; i+lag < n; i++ {
			sum += (series[i] - mean) * (series[i+lag] - mean)
		}
		score := sum / variance
		if score > bestScore {
			bestScore = score
			bestLag = lag
		}
	}
	if bestScore <= 0 {
		return 0
	}
	return bestLag
}

// pickAdaptiveStrategy selects among the five concrete strategies by
// effectiveness score with epsilon-greedy exploration (epsilon=0.1 default).
func (e *Engine) pickAdaptiveStrategy(session *Session) string {
	candidates := []string{Exponential, Fibonacci, DecorrelatedJitter, ResourceSensitive, Pattern}
	if session == nil {
		return Exponential
	}

	session.mu.Lock()
	defer session.mu.Unlock()

	e.rndMu.Lock()
	explore := e.rnd.Float64() < e.params.Epsilon
	pick := e.rnd.Intn(len(candidates))
	e.rndMu.Unlock()

	if explore {
		return candidates[pick]
	}

	best := candidates[0]
	bestScore := -1.0
	for _, c := range candidates {
		stat, ok := session.strategyStats[c]
		if !ok {
			// Unseen strategies are worth trying before trusting scores.
			return c
		}
		if s := stat.score(); s > bestScore {
			bestScore = s
			best = c
		}
	}
	return best
}

// RecordOutcome feeds an attempt's result back into the session so the
// pattern and adaptive strategies can learn, per spec §4.1's "recomputed
// after every attempt" rule.
func (e *Engine) RecordOutcome(session *Session, strategyUsed string, outcome Outcome) {
	if session == nil {
		return
	}
	session.Record(outcome)

	session.mu.Lock()
	defer session.mu.Unlock()
	stat, ok := session.strategyStats[strategyUsed]
	if !ok {
		stat = &effectiveness{}
		session.strategyStats[strategyUsed] = stat
	}
	stat.attempts++
	if outcome.Success {
		stat.successes++
	}
	stat.latencySum += outcome.Latency
}
