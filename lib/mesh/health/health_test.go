package health

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"

	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newMonitor() *Monitor {
	return New(DefaultParams(), observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestUnknownWithoutObservations(t *testing.T) {
	m := newMonitor()
	status := m.Status("svc", time.Now())
	assert.Equal(t, meshtypes.HealthUnknown, status.Status)
}

func TestHealthyWhenAllGreen(t *testing.T) {
	m := newMonitor()
	now := time.Now()

	m.ObserveResource("svc", ResourceCPU, 0.2, now)
	m.ObserveCall("svc", 100, true, now)

	assert.Equal(t, meshtypes.HealthHealthy, m.Status("svc", now).Status)
}

func TestDegradedWhenResourceNearThreshold(t *testing.T) {
	m := newMonitor()
	now := time.Now()

	m.ObserveResource("svc", ResourceCPU, 0.85, now) // threshold 0.8
	m.ObserveCall("svc", 100, true, now)

	assert.Equal(t, meshtypes.HealthDegraded, m.Status("svc", now).Status)
}

func TestUnhealthyWhenResourceFarOverThreshold(t *testing.T) {
	m := newMonitor()
	now := time.Now()

	m.ObserveResource("svc", ResourceCPU, 0.95, now) // threshold+0.1 = 0.9
	m.ObserveCall("svc", 100, true, now)

	assert.Equal(t, meshtypes.HealthUnhealthy, m.Status("svc", now).Status)
}

func TestUnhealthyWhenErrorRateHigh(t *testing.T) {
	m := newMonitor()
	now := time.Now()

	for i := 0; i < 20; i++ {
		m.ObserveCall("svc", 50, false, now)
	}

	assert.Equal(t, meshtypes.HealthUnhealthy, m.Status("svc", now).Status)
}

func TestUnknownAfterStaleness(t *testing.T) {
	m := newMonitor()
	now := time.Now()

	m.ObserveCall("svc", 50, true, now)
	later := now.Add(20 * time.Second)

	assert.Equal(t, meshtypes.HealthUnknown, m.Status("svc", later).Status)
}

func TestUtilizationReturnsMaxAcrossResources(t *testing.T) {
	m := newMonitor()
	now := time.Now()

	m.ObserveResource("svc", ResourceCPU, 0.3, now)
	m.ObserveResource("svc", ResourceMemory, 0.75, now)
	m.ObserveResource("svc", ResourceDisk, 0.1, now)

	assert.Equal(t, 0.75, m.Utilization("svc"))
}

func TestUtilizationZeroWithoutObservations(t *testing.T) {
	m := newMonitor()
	assert.Equal(t, 0.0, m.Utilization("never-observed"))
}

func TestDependencyUnhealthyDegradesService(t *testing.T) {
	m := newMonitor()
	now := time.Now()

	m.ObserveCall("svc", 100, true, now)
	m.UpdateDependencyHealth("svc", "downstream", meshtypes.HealthUnhealthy)

	assert.Equal(t, meshtypes.HealthDegraded, m.Status("svc", now).Status)
}
