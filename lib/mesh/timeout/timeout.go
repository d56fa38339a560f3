// Package timeout implements adaptive per-service request timeouts: a
// percentile strategy, an EWMA-based adaptive strategy, and a hybrid that
// takes the max of both. Grounded on the teacher's percentile/latency
// tracking idiom in pkg/observability/prometheus_metrics.go (histogram
// buckets) generalized to an in-process sample window, since the teacher's
// own timeouts are static config values rather than adaptive.
package timeout

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Strategy names, matching spec §6's timeout.strategy enum.
const (
	Percentile = "percentile"
	Adaptive   = "adaptive"
	Hybrid     = "hybrid"
)

// Params configures a Tracker. Defaults match spec §4.4.
type Params struct {
	Strategy   string
	Min        time.Duration // default 50ms
	Max        time.Duration // default 30s
	Initial    time.Duration // default 2s
	Percentile float64       // default 95
	Factor     float64       // default 1.5
	MinSamples int           // default 20
}

// DefaultParams returns the spec-default tuning.
func DefaultParams() Params {
	return Params{
		Strategy:   Hybrid,
		Min:        50 * time.Millisecond,
		Max:        30 * time.Second,
		Initial:    2 * time.Second,
		Percentile: 95,
		Factor:     1.5,
		MinSamples: 20,
	}
}

const ewmaAlpha = 0.2
const maxWindowSamples = 500

// serviceState is the per-service latency/success tracking behind Tracker.
type serviceState struct {
	mu       sync.Mutex
	samples  []time.Duration
	ewma     time.Duration
	hasEwma  bool
	successN int
	totalN   int
}

func (s *serviceState) observe(latency time.Duration, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.samples = append(s.samples, latency)
	if len(s.samples) > maxWindowSamples {
		s.samples = s.samples[len(s.samples)-maxWindowSamples:]
	}

	if !s.hasEwma {
		s.ewma = latency
		s.hasEwma = true
	} else {
		s.ewma = time.Duration(ewmaAlpha*float64(latency) + (1-ewmaAlpha)*float64(s.ewma))
	}

	s.totalN++
	if success {
		s.successN++
	}
	// Cap the success-rate counts at the latency window's size, scaling both
	// down together so later outcomes keep moving the rate.
	if s.totalN > maxWindowSamples {
		s.successN = s.successN * maxWindowSamples / s.totalN
		s.totalN = maxWindowSamples
	}
}

func (s *serviceState) percentile(p float64) (time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.samples)
	if n == 0 {
		return 0, 0
	}
	sorted := append([]time.Duration(nil), s.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx], n
}

func (s *serviceState) ewmaValue() (time.Duration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ewma, s.hasEwma
}

func (s *serviceState) successRate() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.totalN == 0 {
		return 1
	}
	return float64(s.successN) / float64(s.totalN)
}

// Tracker computes Get/Observe per spec §4.4.
type Tracker struct {
	params Params

	mu       sync.RWMutex
	services map[string]*serviceState
}

// New creates a Tracker.
func New(params Params) *Tracker {
	if params.Strategy == "" {
		params.Strategy = DefaultParams().Strategy
	}
	if params.Min <= 0 {
		params.Min = DefaultParams().Min
	}
	if params.Max <= 0 {
		params.Max = DefaultParams().Max
	}
	if params.Initial <= 0 {
		params.Initial = DefaultParams().Initial
	}
	if params.Percentile <= 0 {
		params.Percentile = DefaultParams().Percentile
	}
	if params.Factor <= 0 {
		params.Factor = DefaultParams().Factor
	}
	if params.MinSamples <= 0 {
		params.MinSamples = DefaultParams().MinSamples
	}
	return &Tracker{params: params, services: make(map[string]*serviceState)}
}

func (t *Tracker) stateFor(service string) *serviceState {
	t.mu.RLock()
	s, ok := t.services[service]
	t.mu.RUnlock()
	if ok {
		return s
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if s, ok := t.services[service]; ok {
		return s
	}
	s = &serviceState{}
	t.services[service] = s
	return s
}

// Observe records an outbound call's outcome for service.
func (t *Tracker) Observe(service string, latency time.Duration, success bool) {
	t.stateFor(service).observe(latency, success)
}

// Get returns the timeout to apply to the next call against service.
func (t *Tracker) Get(service string) time.Duration {
	s := t.stateFor(service)

	var d time.Duration
	switch t.params.Strategy {
	case Adaptive:
		d = t.adaptive(s)
	case Hybrid:
		perc := t.percentileTimeout(s)
		ada := t.adaptive(s)
		d = perc
		if ada > d {
			d = ada
		}
	case Percentile:
		fallthrough
	default:
		d = t.percentileTimeout(s)
	}

	d = t.biasForErrorRate(s, d)
	return t.clamp(d)
}

func (t *Tracker) percentileTimeout(s *serviceState) time.Duration {
	val, n := s.percentile(t.params.Percentile)
	if n < t.params.MinSamples {
		return t.params.Initial
	}
	return time.Duration(float64(val) * t.params.Factor)
}

func (t *Tracker) adaptive(s *serviceState) time.Duration {
	val, ok := s.ewmaValue()
	if !ok {
		return t.params.Initial
	}
	return time.Duration(float64(val) * t.params.Factor)
}

// biasForErrorRate inflates the timeout when success rate dips below 0.9,
// by 1.25x per 0.1 gap below that threshold, per spec §4.4.
func (t *Tracker) biasForErrorRate(s *serviceState, d time.Duration) time.Duration {
	rate := s.successRate()
	if rate >= 0.9 {
		return d
	}
	gap := (0.9 - rate) / 0.1
	factor := math.Pow(1.25, gap)
	return time.Duration(float64(d) * factor)
}

func (t *Tracker) clamp(d time.Duration) time.Duration {
	if d < t.params.Min {
		return t.params.Min
	}
	if d > t.params.Max {
		return t.params.Max
	}
	return d
}
