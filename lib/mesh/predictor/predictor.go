// Package predictor estimates the likelihood of a service's imminent
// failure from multi-metric time series, fusing threshold, anomaly, trend
// and forecast signals. Grounded on the teacher's ring-buffer style bucket
// rotation in pkg/resilience (CircuitBreaker's Counts rotation) generalized
// to a per-metric time series, since the teacher has no predictive
// subsystem of its own to copy directly.
package predictor

import (
	"math"
	"sync"
	"time"
)

// Metric names the series a predictor tracks.
type Metric string

const (
	MetricErrorRate   Metric = "error_rate"
	MetricLatency     Metric = "latency"
	MetricCPU         Metric = "cpu"
	MetricMemory      Metric = "memory"
	MetricRequestRate Metric = "request_rate"
	MetricQueueSize   Metric = "queue_size"
)

// Params configures a Predictor. Defaults match spec §4.3.
type Params struct {
	Window           time.Duration // default 300s
	Resolution       time.Duration // default 10s
	AnomalyThreshold float64       // default 2.0
	MinSamples       int           // default 30
	Thresholds       map[Metric]float64
}

// DefaultParams returns the spec-default tuning.
func DefaultParams() Params {
	return Params{
		Window:           300 * time.Second,
		Resolution:       10 * time.Second,
		AnomalyThreshold: 2.0,
		MinSamples:       30,
		Thresholds: map[Metric]float64{
			MetricErrorRate:   0.1,
			MetricLatency:     1000,
			MetricCPU:         0.85,
			MetricMemory:      0.85,
			MetricRequestRate: math.MaxFloat64,
			MetricQueueSize:   1000,
		},
	}
}

// sample is one observed point in a metric series.
type sample struct {
	at    time.Time
	value float64
}

// series is a ring buffer of samples bounded to Window/Resolution entries,
// matching spec §3's PredictionSeries contract: monotone timestamps, and
// queries outside the window never return stale data.
type series struct {
	cap     int
	buf     []sample
	next    int
	filled  bool
	lastAt  time.Time
}

func newSeries(capacity int) *series {
	if capacity < 1 {
		capacity = 1
	}
	return &series{cap: capacity, buf: make([]sample, capacity)}
}

func (s *series) add(at time.Time, value float64) {
	if !s.lastAt.IsZero() && at.Before(s.lastAt) {
		// Out-of-order sample; spec requires monotone non-decreasing
		// timestamps, so drop rather than corrupt ordering.
		return
	}
	s.buf[s.next] = sample{at: at, value: value}
	s.next = (s.next + 1) % s.cap
	if s.next == 0 {
		s.filled = true
	}
	s.lastAt = at
}

// window returns the samples within [now-Window, now], oldest first.
func (s *series) window(now time.Time, windowDur time.Duration) []sample {
	n := s.cap
	if !s.filled {
		n = s.next
	}
	cutoff := now.Add(-windowDur)

	out := make([]sample, 0, n)
	start := s.next
	if !s.filled {
		start = 0
	}
	for i := 0; i < n; i++ {
		idx := (start + i) % s.cap
		sm := s.buf[idx]
		if sm.at.IsZero() {
			continue
		}
		if sm.at.Before(cutoff) {
			continue
		}
		out = append(out, sm)
	}
	return out
}

// Signals reports the four fused inputs to Likelihood, for observability.
type Signals struct {
	Threshold float64
	Anomaly   float64
	Trend     float64
	Forecast  float64
}

// Prediction is the result of Predict.
type Prediction struct {
	Likelihood float64
	Confidence float64
	Signals    Signals
}

// Predictor tracks per-service, per-metric series and fuses them into a
// failure likelihood.
type Predictor struct {
	params Params

	mu     sync.RWMutex
	series map[string]map[Metric]*series
}

// New creates a Predictor.
func New(params Params) *Predictor {
	if params.Window <= 0 {
		params.Window = DefaultParams().Window
	}
	if params.Resolution <= 0 {
		params.Resolution = DefaultParams().Resolution
	}
	if params.AnomalyThreshold <= 0 {
		params.AnomalyThreshold = DefaultParams().AnomalyThreshold
	}
	if params.MinSamples <= 0 {
		params.MinSamples = DefaultParams().MinSamples
	}
	if params.Thresholds == nil {
		params.Thresholds = DefaultParams().Thresholds
	}
	return &Predictor{params: params, series: make(map[string]map[Metric]*series)}
}

// Observe records a metric sample for a service at time at.
func (p *Predictor) Observe(service string, metric Metric, at time.Time, value float64) {
	capacity := int(p.params.Window / p.params.Resolution)
	if capacity < 1 {
		capacity = 1
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	svc, ok := p.series[service]
	if !ok {
		svc = make(map[Metric]*series)
		p.series[service] = svc
	}
	s, ok := svc[metric]
	if !ok {
		s = newSeries(capacity)
		svc[metric] = s
	}
	s.add(at, value)
}

// Predict estimates failure likelihood for service at time now, fusing
// threshold/anomaly/trend/forecast signals per spec §4.3. Cold-start: fewer
// than MinSamples total observations across all metrics returns
// likelihood=0, confidence=0 (callers treat this as "allow").
func (p *Predictor) Predict(service string, now time.Time) Prediction {
	p.mu.RLock()
	svc := p.series[service]
	var windows map[Metric][]sample
	totalSamples := 0
	if svc != nil {
		windows = make(map[Metric][]sample, len(svc))
		for metric, s := range svc {
			w := s.window(now, p.params.Window)
			windows[metric] = w
			totalSamples += len(w)
		}
	}
	p.mu.RUnlock()

	if totalSamples < p.params.MinSamples {
		return Prediction{}
	}

	var thresholdSum, anomalySum, trendSum, forecastSum float64
	var metricsSeen int

	for metric, w := range windows {
		if len(w) == 0 {
			continue
		}
		metricsSeen++
		limit, hasLimit := p.params.Thresholds[metric]

		last := w[len(w)-1].value
		if hasLimit && limit > 0 && last >= limit {
			thresholdSum += 1
		}

		if len(w) >= 30 {
			anomalySum += anomalyScore(w, p.params.AnomalyThreshold)
		}

		trendSum += trendScore(w, p.params.Window, limit, hasLimit)
		forecastSum += forecastScore(w, limit, hasLimit)
	}

	if metricsSeen == 0 {
		return Prediction{}
	}
	threshold := clamp01(thresholdSum / float64(metricsSeen))
	anomaly := clamp01(anomalySum / float64(metricsSeen))
	trend := clamp01(trendSum / float64(metricsSeen))
	forecast := clamp01(forecastSum / float64(metricsSeen))

	likelihood := clamp01(0.4*threshold + 0.3*anomaly + 0.2*trend + 0.1*forecast)
	confidence := float64(totalSamples) / float64(p.params.MinSamples)
	if confidence > 1 {
		confidence = 1
	}

	return Prediction{
		Likelihood: likelihood,
		Confidence: confidence,
		Signals:    Signals{Threshold: threshold, Anomaly: anomaly, Trend: trend, Forecast: forecast},
	}
}

// anomalyScore returns 1.0 if the most recent sample's z-score against the
// window's rolling mean/stddev exceeds threshold, else 0.0.
func anomalyScore(w []sample, threshold float64) float64 {
	mean, stddev := meanStddev(w)
	if stddev == 0 {
		return 0
	}
	last := w[len(w)-1].value
	z := math.Abs(last-mean) / stddev
	if z > threshold {
		return 1
	}
	return 0
}

func meanStddev(w []sample) (float64, float64) {
	var sum float64
	for _, s := range w {
		sum += s.value
	}
	mean := sum / float64(len(w))

	var sq float64
	for _, s := range w {
		d := s.value - mean
		sq += d * d
	}
	variance := sq / float64(len(w))
	return mean, math.Sqrt(variance)
}

// trendScore fits a simple linear regression over the window and reports
// 1.0 if the forecast value at t+window/3 crosses the metric's threshold.
func trendScore(w []sample, window time.Duration, limit float64, hasLimit bool) float64 {
	if !hasLimit || len(w) < 2 {
		return 0
	}
	slope, intercept := linearRegression(w)
	horizon := w[0].at.Add(window + window/3).Sub(w[0].at).Seconds()
	forecastValue := slope*horizon + intercept
	if forecastValue >= limit {
		return 1
	}
	return 0
}

// forecastScore extrapolates via a simple moving average of the second half
// of the window against the first half, reporting 1.0 if the average is
// trending past the threshold.
func forecastScore(w []sample, limit float64, hasLimit bool) float64 {
	if !hasLimit || len(w) < 4 {
		return 0
	}
	mid := len(w) / 2
	var firstAvg, secondAvg float64
	for _, s := range w[:mid] {
		firstAvg += s.value
	}
	firstAvg /= float64(mid)
	for _, s := range w[mid:] {
		secondAvg += s.value
	}
	secondAvg /= float64(len(w) - mid)

	extrapolated := secondAvg + (secondAvg - firstAvg)
	if extrapolated >= limit {
		return 1
	}
	return 0
}

// linearRegression returns slope/intercept of value against elapsed seconds
// from the first sample.
func linearRegression(w []sample) (slope, intercept float64) {
	n := float64(len(w))
	t0 := w[0].at

	var sumX, sumY, sumXY, sumXX float64
	for _, s := range w {
		x := s.at.Sub(t0).Seconds()
		y := s.value
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
