package predictor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestColdStartReturnsZero(t *testing.T) {
	p := New(DefaultParams())
	now := time.Now()

	for i := 0; i < 5; i++ {
		p.Observe("svc", MetricErrorRate, now.Add(time.Duration(i)*time.Second), 0.2)
	}

	pred := p.Predict("svc", now.Add(5*time.Second))
	assert.Equal(t, 0.0, pred.Likelihood)
	assert.Equal(t, 0.0, pred.Confidence)
}

func TestThresholdBreachRaisesLikelihood(t *testing.T) {
	params := DefaultParams()
	params.MinSamples = 10
	p := New(params)
	now := time.Now()

	for i := 0; i < 40; i++ {
		p.Observe("svc", MetricErrorRate, now.Add(time.Duration(i)*time.Second), 0.5)
	}

	pred := p.Predict("svc", now.Add(40*time.Second))
	assert.Greater(t, pred.Likelihood, 0.0)
	assert.Equal(t, 1.0, pred.Signals.Threshold)
}

func TestConfidenceCapsAtOne(t *testing.T) {
	params := DefaultParams()
	params.MinSamples = 5
	p := New(params)
	now := time.Now()

	for i := 0; i < 100; i++ {
		p.Observe("svc", MetricCPU, now.Add(time.Duration(i)*time.Second), 0.1)
	}

	pred := p.Predict("svc", now.Add(100*time.Second))
	assert.LessOrEqual(t, pred.Confidence, 1.0)
}

func TestStableMetricsYieldLowLikelihood(t *testing.T) {
	params := DefaultParams()
	params.MinSamples = 10
	p := New(params)
	now := time.Now()

	for i := 0; i < 40; i++ {
		p.Observe("svc", MetricCPU, now.Add(time.Duration(i)*time.Second), 0.1)
	}

	pred := p.Predict("svc", now.Add(40*time.Second))
	assert.Less(t, pred.Likelihood, 0.5)
}

func TestWindowExcludesStaleSamples(t *testing.T) {
	params := DefaultParams()
	params.Window = 10 * time.Second
	params.Resolution = time.Second
	params.MinSamples = 3
	p := New(params)
	now := time.Now()

	p.Observe("svc", MetricCPU, now, 0.9)
	p.Observe("svc", MetricCPU, now.Add(1*time.Second), 0.9)
	p.Observe("svc", MetricCPU, now.Add(2*time.Second), 0.9)

	// Query far outside the window: no samples should remain, so the
	// predictor falls back to the cold-start rule.
	pred := p.Predict("svc", now.Add(time.Hour))
	assert.Equal(t, 0.0, pred.Likelihood)
	assert.Equal(t, 0.0, pred.Confidence)
}
