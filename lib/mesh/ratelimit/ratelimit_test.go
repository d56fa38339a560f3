package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestTokenBucketAdmitsWithinBurst(t *testing.T) {
	l := New(Params{Algorithm: Token, RPS: 10, Burst: 5})
	now := time.Now()

	admitted := 0
	for i := 0; i < 5; i++ {
		if l.Admit(now) {
			admitted++
		}
	}
	assert.Equal(t, 5, admitted)
	assert.False(t, l.Admit(now))
}

func TestLeakyBucketLeaksOverTime(t *testing.T) {
	l := New(Params{Algorithm: Leaky, RPS: 10, Burst: 2})
	now := time.Now()

	assert.True(t, l.Admit(now))
	assert.True(t, l.Admit(now))
	assert.False(t, l.Admit(now), "bucket should be full")

	later := now.Add(500 * time.Millisecond)
	assert.True(t, l.Admit(later), "bucket should have leaked capacity by now")
}

func TestFixedWindowResetsOnBoundary(t *testing.T) {
	l := New(Params{Algorithm: FixedWindow, RPS: 2, WindowSize: time.Second})
	now := time.Now()

	assert.True(t, l.Admit(now))
	assert.True(t, l.Admit(now))
	assert.False(t, l.Admit(now))

	next := now.Add(2 * time.Second)
	assert.True(t, l.Admit(next))
}

func TestSlidingWindowSmoothsBoundary(t *testing.T) {
	l := New(Params{Algorithm: SlidingWindow, RPS: 4, WindowSize: time.Second})
	now := time.Now()

	admitted := 0
	for i := 0; i < 4; i++ {
		if l.Admit(now) {
			admitted++
		}
	}
	assert.Equal(t, 4, admitted)

	// Just past the window boundary, the previous window's count still
	// weighs in via overlap, so immediate full-rate admission isn't free.
	justAfter := now.Add(1001 * time.Millisecond)
	secondAdmitted := 0
	for i := 0; i < 4; i++ {
		if l.Admit(justAfter) {
			secondAdmitted++
		}
	}
	assert.Less(t, secondAdmitted, 4)
}

func TestAdaptiveExpandsOnSustainedSuccess(t *testing.T) {
	limiter := New(Params{Algorithm: AdaptiveAlgo, RPS: 100, Burst: 200, MinRate: 10, MaxRate: 1000, Cooldown: time.Second, ScaleFactor: 5})
	adaptive, ok := limiter.(*AdaptiveLimiter)
	require.True(t, ok)

	now := time.Now()
	for i := 0; i < 60; i++ {
		adaptive.RecordOutcome(now, true)
	}
	later := now.Add(2 * time.Second)
	adaptive.RecordOutcome(later, true)

	assert.Greater(t, adaptive.CurrentRate(), 100.0)
}

func TestAdaptiveContractsOnErrors(t *testing.T) {
	limiter := New(Params{Algorithm: AdaptiveAlgo, RPS: 100, Burst: 200, MinRate: 10, MaxRate: 1000, Cooldown: time.Second, ScaleFactor: 5})
	adaptive, ok := limiter.(*AdaptiveLimiter)
	require.True(t, ok)

	now := time.Now()
	for i := 0; i < 60; i++ {
		adaptive.RecordOutcome(now, i != 0)
	}
	later := now.Add(2 * time.Second)
	adaptive.RecordOutcome(later, true)

	assert.Less(t, adaptive.CurrentRate(), 100.0)
}

func TestAdaptiveRespectsRateBounds(t *testing.T) {
	limiter := New(Params{Algorithm: AdaptiveAlgo, RPS: 12, Burst: 50, MinRate: 10, MaxRate: 20, Cooldown: time.Millisecond, ScaleFactor: 50})
	adaptive := limiter.(*AdaptiveLimiter)

	now := time.Now()
	for round := 0; round < 5; round++ {
		at := now.Add(time.Duration(round) * 10 * time.Millisecond)
		for i := 0; i < 60; i++ {
			adaptive.RecordOutcome(at, true)
		}
	}
	assert.LessOrEqual(t, adaptive.CurrentRate(), 20.0)
}
