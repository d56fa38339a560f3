// Package ratelimit implements the five admission algorithms of spec §4.5:
// token bucket, leaky bucket, fixed window, sliding window and adaptive.
// Grounded on internal/resilience/rate_limiter.go's golang.org/x/time/rate
// wrapper for the token-bucket strategy, and pkg/resilience/rate_limiter.go's
// manual refill-on-Allow idiom for the others.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Algorithm names, matching spec §6's rate_limit.algorithm enum.
const (
	Token         = "token"
	Leaky         = "leaky"
	FixedWindow   = "fixed_window"
	SlidingWindow = "sliding_window"
	AdaptiveAlgo  = "adaptive"
)

// Params configures a Limiter. Defaults match spec §4.5.
type Params struct {
	Algorithm   string
	RPS         float64
	Burst       int
	WindowSize  time.Duration // fixed_window/sliding_window bucket length
	MinRate     float64
	MaxRate     float64
	Cooldown    time.Duration
	ScaleFactor float64
}

// DefaultParams returns the spec-default tuning.
func DefaultParams() Params {
	return Params{
		Algorithm:   Token,
		RPS:         100,
		Burst:       200,
		WindowSize:  time.Second,
		MinRate:     10,
		MaxRate:     1000,
		Cooldown:    30 * time.Second,
		ScaleFactor: 0.1,
	}
}

// Limiter is the common contract across all five algorithms. Admit is
// non-blocking and O(1) per spec §4.5.
type Limiter interface {
	Admit(now time.Time) bool
}

// New builds a Limiter for the configured algorithm.
func New(params Params) Limiter {
	if params.RPS <= 0 {
		params.RPS = DefaultParams().RPS
	}
	if params.Burst <= 0 {
		params.Burst = DefaultParams().Burst
	}
	if params.WindowSize <= 0 {
		params.WindowSize = DefaultParams().WindowSize
	}

	switch params.Algorithm {
	case Leaky:
		return newLeakyBucket(params)
	case FixedWindow:
		return newFixedWindow(params)
	case SlidingWindow:
		return newSlidingWindow(params)
	case AdaptiveAlgo:
		return newAdaptive(params)
	case Token:
		fallthrough
	default:
		return newTokenBucket(params)
	}
}

// tokenBucket wraps golang.org/x/time/rate, the ecosystem's standard token
// bucket, rather than reimplementing refill math by hand.
type tokenBucket struct {
	limiter *rate.Limiter
}

func newTokenBucket(p Params) *tokenBucket {
	return &tokenBucket{limiter: rate.NewLimiter(rate.Limit(p.RPS), p.Burst)}
}

func (t *tokenBucket) Admit(now time.Time) bool {
	return t.limiter.AllowN(now, 1)
}

// leakyBucket admits at a steady outflow rate with bounded capacity, per
// the manual-refill idiom of pkg/resilience/rate_limiter.go (Allow()
// computing elapsed-time-based token replenishment), generalized to a leak
// rather than a fill.
type leakyBucket struct {
	mu       sync.Mutex
	capacity float64
	level    float64
	rate     float64 // outflow units/sec
	lastAt   time.Time
}

func newLeakyBucket(p Params) *leakyBucket {
	return &leakyBucket{capacity: float64(p.Burst), rate: p.RPS}
}

func (b *leakyBucket) Admit(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastAt.IsZero() {
		b.lastAt = now
	}
	elapsed := now.Sub(b.lastAt).Seconds()
	if elapsed > 0 {
		b.level -= elapsed * b.rate
		if b.level < 0 {
			b.level = 0
		}
		b.lastAt = now
	}

	if b.level+1 <= b.capacity {
		b.level++
		return true
	}
	return false
}

// fixedWindow counts admissions within a single window, resetting when the
// window boundary passes.
type fixedWindow struct {
	mu         sync.Mutex
	windowSize time.Duration
	limit      int
	windowAt   time.Time
	count      int
}

func newFixedWindow(p Params) *fixedWindow {
	limit := int(p.RPS * p.WindowSize.Seconds())
	if limit < 1 {
		limit = 1
	}
	return &fixedWindow{windowSize: p.WindowSize, limit: limit}
}

func (f *fixedWindow) Admit(now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.windowAt.IsZero() || now.Sub(f.windowAt) >= f.windowSize {
		f.windowAt = now
		f.count = 0
	}
	if f.count < f.limit {
		f.count++
		return true
	}
	return false
}

// slidingWindow approximates a true sliding window via two adjacent fixed
// windows, weighting the previous window's count by the overlap fraction,
// per spec §4.5's explicit "approximated via two adjacent fixed windows".
type slidingWindow struct {
	mu         sync.Mutex
	windowSize time.Duration
	limit      int
	currAt     time.Time
	currCount  int
	prevCount  int
}

func newSlidingWindow(p Params) *slidingWindow {
	limit := int(p.RPS * p.WindowSize.Seconds())
	if limit < 1 {
		limit = 1
	}
	return &slidingWindow{windowSize: p.WindowSize, limit: limit}
}

func (s *slidingWindow) Admit(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.currAt.IsZero() {
		s.currAt = now
	}
	elapsed := now.Sub(s.currAt)
	if elapsed >= s.windowSize {
		windowsPassed := int(elapsed / s.windowSize)
		if windowsPassed == 1 {
			s.prevCount = s.currCount
		} else {
			s.prevCount = 0
		}
		s.currCount = 0
		s.currAt = s.currAt.Add(time.Duration(windowsPassed) * s.windowSize)
		elapsed = now.Sub(s.currAt)
	}

	overlap := 1 - float64(elapsed)/float64(s.windowSize)
	if overlap < 0 {
		overlap = 0
	}
	weighted := float64(s.prevCount)*overlap + float64(s.currCount)

	if weighted+1 <= float64(s.limit) {
		s.currCount++
		return true
	}
	return false
}

// AdaptiveLimiter starts at the configured rate and expands on sustained
// success or contracts on errors, per spec §4.5: +ScaleFactor per cooldown
// on success, -2*ScaleFactor on error, clamped to [MinRate,MaxRate].
// Adjustments only apply when now-lastAdjustment >= Cooldown and sample
// count >= 50. Exported so callers can type-assert the Limiter returned by
// New(Params{Algorithm: AdaptiveAlgo, ...}) to reach RecordOutcome.
type AdaptiveLimiter struct {
	mu             sync.Mutex
	rate           float64
	minRate        float64
	maxRate        float64
	scaleFactor    float64
	cooldown       time.Duration
	inner          *tokenBucket
	lastAdjustedAt time.Time
	samples        int
	errors         int
}

func newAdaptive(p Params) *AdaptiveLimiter {
	return &AdaptiveLimiter{
		rate:        p.RPS,
		minRate:     p.MinRate,
		maxRate:     p.MaxRate,
		scaleFactor: p.ScaleFactor,
		cooldown:    p.Cooldown,
		inner:       newTokenBucket(p),
	}
}

func (a *AdaptiveLimiter) Admit(now time.Time) bool {
	return a.inner.Admit(now)
}

// RecordOutcome feeds call results back into the adaptive limiter so it can
// expand or contract its rate. This is outside the Limiter interface since
// the other four algorithms have no notion of "outcome", matching spec
// §4.5's adaptive-only adjustment rule.
func (a *AdaptiveLimiter) RecordOutcome(now time.Time, success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.samples++
	if !success {
		a.errors++
	}

	if a.lastAdjustedAt.IsZero() {
		a.lastAdjustedAt = now
	}
	if now.Sub(a.lastAdjustedAt) < a.cooldown || a.samples < 50 {
		return
	}

	if a.errors == 0 {
		a.rate += a.scaleFactor
	} else {
		a.rate -= 2 * a.scaleFactor
	}
	if a.rate < a.minRate {
		a.rate = a.minRate
	}
	if a.rate > a.maxRate {
		a.rate = a.maxRate
	}

	a.inner.limiter.SetLimitAt(now, rate.Limit(a.rate))
	a.lastAdjustedAt = now
	a.samples = 0
	a.errors = 0
}

// CurrentRate reports the limiter's current admission rate, for metrics.
func (a *AdaptiveLimiter) CurrentRate() float64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rate
}
