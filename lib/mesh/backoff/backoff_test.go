package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/datapunk/mesh/lib/mesh/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestEngine(t *testing.T, strategy string) *Engine {
	t.Helper()
	return NewEngine(strategy, DefaultParams(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestExponentialDelayGrowsAndCaps(t *testing.T) {
	e := newTestEngine(t, Exponential)
	session := NewSession()

	d1 := e.NextDelay(session, 1, 0)
	d2 := e.NextDelay(session, 2, 0)
	d3 := e.NextDelay(session, 3, 0)

	assert.True(t, d2 >= d1, "expected delay to grow with attempt index")
	assert.True(t, d3 >= d2)

	dHuge := e.NextDelay(session, 50, 0)
	assert.LessOrEqual(t, dHuge, DefaultParams().Max)
}

func TestFibonacciDelaySequence(t *testing.T) {
	e := newTestEngine(t, Fibonacci)
	session := NewSession()

	base := DefaultParams().Base
	require.Equal(t, base, e.NextDelay(session, 1, 0))
	require.Equal(t, base, e.NextDelay(session, 2, 0))
	require.Equal(t, 2*base, e.NextDelay(session, 3, 0))
	require.Equal(t, 3*base, e.NextDelay(session, 4, 0))
	require.Equal(t, 5*base, e.NextDelay(session, 5, 0))
}

func TestDecorrelatedJitterStaysWithinBounds(t *testing.T) {
	e := newTestEngine(t, DecorrelatedJitter)
	session := NewSession()

	for i := 1; i <= 10; i++ {
		d := e.NextDelay(session, i, 0)
		assert.GreaterOrEqual(t, d, DefaultParams().Base)
		assert.LessOrEqual(t, d, DefaultParams().Max)
	}
}

func TestResourceSensitiveScalesWithUtilization(t *testing.T) {
	e := newTestEngine(t, ResourceSensitive)
	session := NewSession()

	low := e.NextDelay(session, 1, 0.1)
	high := e.NextDelay(session, 1, 0.95)

	assert.Greater(t, high, low, "high utilization should inflate the delay")
}

func TestInvalidInputsFallBackToBase(t *testing.T) {
	e := newTestEngine(t, Exponential)
	session := NewSession()

	d := e.NextDelay(session, -1, 0)
	assert.Equal(t, DefaultParams().Base, d)

	d = e.NextDelay(session, 1, float64Nan())
	assert.Equal(t, DefaultParams().Base, d)
}

func float64Nan() float64 {
	var x float64
	return x / x
}

func TestPatternFallsBackWithoutHistory(t *testing.T) {
	e := newTestEngine(t, Pattern)
	session := NewSession()

	d := e.NextDelay(session, 1, 0)
	assert.GreaterOrEqual(t, d, DefaultParams().Base)
}

func TestPatternUsesHistoryOncePopulated(t *testing.T) {
	e := newTestEngine(t, Pattern)
	session := NewSession()

	for i := 0; i < 8; i++ {
		e.RecordOutcome(session, Pattern, Outcome{Success: i%2 == 0, Latency: 10 * time.Millisecond})
	}

	d := e.NextDelay(session, 9, 0)
	assert.Greater(t, d, time.Duration(0))
}

func TestAdaptivePrefersMoreEffectiveStrategy(t *testing.T) {
	e := newTestEngine(t, Adaptive)
	session := NewSession()

	// Teach the session that Fibonacci succeeds quickly, Exponential fails
	// slowly and the remaining strategies succeed slowly, over enough samples
	// to dominate exploration noise. Every candidate gets samples, since an
	// unseen strategy is always tried before the scores are compared.
	for i := 0; i < 50; i++ {
		e.RecordOutcome(session, Fibonacci, Outcome{Success: true, Latency: time.Millisecond})
		e.RecordOutcome(session, Exponential, Outcome{Success: false, Latency: 900 * time.Millisecond})
		e.RecordOutcome(session, DecorrelatedJitter, Outcome{Success: true, Latency: 500 * time.Millisecond})
		e.RecordOutcome(session, ResourceSensitive, Outcome{Success: true, Latency: 500 * time.Millisecond})
		e.RecordOutcome(session, Pattern, Outcome{Success: true, Latency: 500 * time.Millisecond})
	}

	// The function is randomized (0.1 exploration rate), so count picks over
	// many draws instead of asserting a single deterministic pick: Fibonacci
	// has the best score and should be favored far more often than not.
	fibonacciPicks := 0
	for i := 0; i < 200; i++ {
		picked := e.pickAdaptiveStrategy(session)
		assert.Contains(t, []string{Exponential, Fibonacci, DecorrelatedJitter, ResourceSensitive, Pattern}, picked)
		if picked == Fibonacci {
			fibonacciPicks++
		}
	}
	assert.Greater(t, fibonacciPicks, 100)
}

func TestNextDelayWithStrategyReportsConcreteStrategyUnderAdaptive(t *testing.T) {
	e := newTestEngine(t, Adaptive)
	session := NewSession()

	_, strategy := e.NextDelayWithStrategy(session, 1, 0)
	assert.Contains(t, []string{Exponential, Fibonacci, DecorrelatedJitter, ResourceSensitive, Pattern}, strategy,
		"adaptive must report which concrete strategy it actually picked, not \"adaptive\" itself")
}

func TestNextDelayWithStrategyReportsConfiguredStrategyOutsideAdaptive(t *testing.T) {
	e := newTestEngine(t, Fibonacci)
	session := NewSession()

	_, strategy := e.NextDelayWithStrategy(session, 1, 0)
	assert.Equal(t, Fibonacci, strategy)
}

func TestRecordOutcomeAccumulatesHistory(t *testing.T) {
	session := NewSession()
	e := newTestEngine(t, Adaptive)

	e.RecordOutcome(session, Exponential, Outcome{Success: true, Latency: time.Millisecond})
	e.RecordOutcome(session, Exponential, Outcome{Success: false, Latency: 2 * time.Millisecond})

	session.mu.Lock()
	defer session.mu.Unlock()
	require.Len(t, session.history, 2)
	stat := session.strategyStats[Exponential]
	require.NotNil(t, stat)
	assert.Equal(t, 2, stat.attempts)
	assert.Equal(t, 1, stat.successes)
}
