package dependency

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

func newChain() *Chain {
	return New(observability.NewNoopLogger(), observability.NewNoopMetricsClient())
}

func TestHealthOfUnknownForUnregisteredService(t *testing.T) {
	c := newChain()
	assert.Equal(t, meshtypes.HealthUnknown, c.HealthOf("ghost"))
}

func TestCriticalDependencyDegradesImmediately(t *testing.T) {
	c := newChain()
	c.Add("api", "db", meshtypes.DependencyCritical, 1.0)
	now := time.Now()

	c.Propagate("db", meshtypes.HealthUnhealthy, now)

	assert.Equal(t, meshtypes.HealthDegraded, c.HealthOf("api"))
}

func TestCriticalDependencyEscalatesAfterCascadeDelay(t *testing.T) {
	c := newChain()
	c.SetCascadeDelay(1 * time.Second)
	c.Add("api", "db", meshtypes.DependencyCritical, 1.0)
	now := time.Now()

	c.Propagate("db", meshtypes.HealthUnhealthy, now)
	assert.Equal(t, meshtypes.HealthDegraded, c.HealthOf("api"))

	later := now.Add(2 * time.Second)
	c.Propagate("db", meshtypes.HealthUnhealthy, later)
	assert.Equal(t, meshtypes.HealthUnhealthy, c.HealthOf("api"))
}

func TestRequiredDependencyDegradesOnly(t *testing.T) {
	c := newChain()
	c.Add("api", "cache", meshtypes.DependencyRequired, 0.5)
	now := time.Now()

	c.Propagate("cache", meshtypes.HealthUnhealthy, now)

	assert.Equal(t, meshtypes.HealthDegraded, c.HealthOf("api"))
}

func TestOptionalDependencyDoesNotChangeStatus(t *testing.T) {
	c := newChain()
	c.Add("api", "analytics", meshtypes.DependencyOptional, 0.1)
	now := time.Now()

	c.Propagate("analytics", meshtypes.HealthUnhealthy, now)

	assert.Equal(t, meshtypes.HealthUnknown, c.HealthOf("api"))
}

func TestPropagationHandlesCyclesWithoutInfiniteLoop(t *testing.T) {
	c := newChain()
	c.Add("a", "b", meshtypes.DependencyCritical, 1.0)
	c.Add("b", "a", meshtypes.DependencyCritical, 1.0)
	now := time.Now()

	done := make(chan struct{})
	go func() {
		c.Propagate("a", meshtypes.HealthUnhealthy, now)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("propagate did not terminate on a cyclic graph")
	}
}

func TestRemoveEdgeStopsFuturePropagation(t *testing.T) {
	c := newChain()
	c.Add("api", "db", meshtypes.DependencyCritical, 1.0)
	c.Remove("api", "db")
	now := time.Now()

	c.Propagate("db", meshtypes.HealthUnhealthy, now)

	assert.Equal(t, meshtypes.HealthUnknown, c.HealthOf("api"))
}
