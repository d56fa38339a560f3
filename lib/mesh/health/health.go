// Package health tracks per-service resource utilization and aggregates it
// into a ServiceHealth status, per spec §4.6. Grounded on the teacher's
// ResourceMetrics-shaped config in pkg/resilience/circuit_breaker_config.go
// (per-dependency health inputs feeding the health-aware circuit breaker
// strategy) and pkg/observability/prometheus_metrics.go's gauge-per-resource
// emission pattern.
package health

import (
	"sync"
	"time"

	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
)

// Resource names the utilization dimensions tracked per service.
type Resource string

const (
	ResourceCPU         Resource = "cpu"
	ResourceMemory      Resource = "memory"
	ResourceDisk        Resource = "disk"
	ResourceNetwork     Resource = "network"
	ResourceConnections Resource = "connections"
)

// ResourceMetric is one tracked resource's state.
type ResourceMetric struct {
	Util       float64
	Threshold  float64
	TrendSlope float64
	LastUpdate time.Time
}

// ServiceHealth is the aggregated health snapshot of spec §4.6.
type ServiceHealth struct {
	Status            meshtypes.HealthStatus
	ResponseTimeMS    float64
	ErrorRate         float64
	DependencyHealth  map[string]meshtypes.HealthStatus
}

// Params configures a Monitor. Defaults match spec §4.6.
type Params struct {
	CheckInterval           time.Duration // default 5s
	ResponseTimeThresholdMS float64       // default 2000
	ErrorRateThreshold      float64       // default 0.05
	DefaultResourceThresholds map[Resource]float64
}

// DefaultParams returns the spec-default tuning.
func DefaultParams() Params {
	return Params{
		CheckInterval:           5 * time.Second,
		ResponseTimeThresholdMS: 2000,
		ErrorRateThreshold:      0.05,
		DefaultResourceThresholds: map[Resource]float64{
			ResourceCPU: 0.8, ResourceMemory: 0.8, ResourceDisk: 0.9,
			ResourceNetwork: 0.8, ResourceConnections: 0.8,
		},
	}
}

type serviceRecord struct {
	mu               sync.Mutex
	resources        map[Resource]*ResourceMetric
	responseTimeMS   float64
	errorRate        float64
	dependencyHealth map[string]meshtypes.HealthStatus
	lastObservedAt   time.Time
}

// Monitor tracks and aggregates per-service health per spec §4.6.
type Monitor struct {
	params Params
	logger observability.Logger
	metrics observability.MetricsClient

	mu       sync.RWMutex
	services map[string]*serviceRecord
}

// New creates a Monitor.
func New(params Params, logger observability.Logger, metrics observability.MetricsClient) *Monitor {
	if params.CheckInterval <= 0 {
		params.CheckInterval = DefaultParams().CheckInterval
	}
	if params.ResponseTimeThresholdMS <= 0 {
		params.ResponseTimeThresholdMS = DefaultParams().ResponseTimeThresholdMS
	}
	if params.ErrorRateThreshold <= 0 {
		params.ErrorRateThreshold = DefaultParams().ErrorRateThreshold
	}
	if params.DefaultResourceThresholds == nil {
		params.DefaultResourceThresholds = DefaultParams().DefaultResourceThresholds
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Monitor{params: params, logger: logger, metrics: metrics, services: make(map[string]*serviceRecord)}
}

func (m *Monitor) recordFor(service string) *serviceRecord {
	m.mu.RLock()
	r, ok := m.services[service]
	m.mu.RUnlock()
	if ok {
		return r
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.services[service]; ok {
		return r
	}
	r = &serviceRecord{
		resources:        make(map[Resource]*ResourceMetric),
		dependencyHealth: make(map[string]meshtypes.HealthStatus),
	}
	m.services[service] = r
	return r
}

// ObserveResource records a resource utilization sample, computing a trend
// slope against the previous sample.
func (m *Monitor) ObserveResource(service string, resource Resource, util float64, now time.Time) {
	r := m.recordFor(service)
	r.mu.Lock()
	defer r.mu.Unlock()

	threshold := m.params.DefaultResourceThresholds[resource]
	rm, ok := r.resources[resource]
	if !ok {
		r.resources[resource] = &ResourceMetric{Util: util, Threshold: threshold, LastUpdate: now}
		r.lastObservedAt = now
		return
	}

	elapsed := now.Sub(rm.LastUpdate).Seconds()
	if elapsed > 0 {
		rm.TrendSlope = (util - rm.Util) / elapsed
	}
	rm.Util = util
	rm.LastUpdate = now
	r.lastObservedAt = now

	m.metrics.RecordGauge("health_resource_util", util, map[string]string{
		"service": service, "resource": string(resource),
	})
}

// ObserveCall records an outbound call's response time and error outcome.
func (m *Monitor) ObserveCall(service string, responseTimeMS float64, success bool, now time.Time) {
	r := m.recordFor(service)
	r.mu.Lock()
	defer r.mu.Unlock()

	const alpha = 0.3
	if r.responseTimeMS == 0 {
		r.responseTimeMS = responseTimeMS
	} else {
		r.responseTimeMS = alpha*responseTimeMS + (1-alpha)*r.responseTimeMS
	}

	errObs := 0.0
	if !success {
		errObs = 1.0
	}
	r.errorRate = alpha*errObs + (1-alpha)*r.errorRate
	r.lastObservedAt = now
}

// UpdateDependencyHealth records the last known health of a dependency, for
// inclusion in Status's dependencyHealth map.
func (m *Monitor) UpdateDependencyHealth(service, dependency string, status meshtypes.HealthStatus) {
	r := m.recordFor(service)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dependencyHealth[dependency] = status
}

// Status computes the aggregated ServiceHealth per spec §4.6's decision
// rules, evaluated in the order: missing-samples -> unhealthy -> degraded
// -> healthy.
func (m *Monitor) Status(service string, now time.Time) ServiceHealth {
	r := m.recordFor(service)
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.lastObservedAt.IsZero() || now.Sub(r.lastObservedAt) > 2*m.params.CheckInterval {
		return ServiceHealth{Status: meshtypes.HealthUnknown, DependencyHealth: copyDepMap(r.dependencyHealth)}
	}

	unhealthy := r.errorRate > m.params.ErrorRateThreshold || r.responseTimeMS > m.params.ResponseTimeThresholdMS
	degraded := false
	hasCriticalUnhealthyDep := false

	for _, rm := range r.resources {
		if rm.Util >= rm.Threshold+0.1 {
			unhealthy = true
		} else if rm.Util >= rm.Threshold {
			degraded = true
		}
	}
	for _, status := range r.dependencyHealth {
		if status == meshtypes.HealthUnhealthy {
			hasCriticalUnhealthyDep = true
		}
	}

	status := meshtypes.HealthHealthy
	switch {
	case unhealthy:
		status = meshtypes.HealthUnhealthy
	case degraded || hasCriticalUnhealthyDep:
		status = meshtypes.HealthDegraded
	}

	m.metrics.RecordGauge("health_status", float64(status), map[string]string{"service": service})

	return ServiceHealth{
		Status:           status,
		ResponseTimeMS:   r.responseTimeMS,
		ErrorRate:        r.errorRate,
		DependencyHealth: copyDepMap(r.dependencyHealth),
	}
}

// Utilization returns the highest observed resource utilization ratio for
// service across every tracked Resource, or 0 if none has been observed yet.
// This is the single scalar the resource_sensitive backoff strategy expects
// as its "observed resource utilization (0..1)" input.
func (m *Monitor) Utilization(service string) float64 {
	r := m.recordFor(service)
	r.mu.Lock()
	defer r.mu.Unlock()

	max := 0.0
	for _, rm := range r.resources {
		if rm.Util > max {
			max = rm.Util
		}
	}
	return max
}

func copyDepMap(m map[string]meshtypes.HealthStatus) map[string]meshtypes.HealthStatus {
	cp := make(map[string]meshtypes.HealthStatus, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
