package integrator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapunk/mesh/lib/mesh/circuitbreaker"
	"github.com/datapunk/mesh/lib/mesh/config"
	"github.com/datapunk/mesh/lib/mesh/discovery"
	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
)

// fakeRegistry is a single-instance, always-routable in-memory
// discovery.Registry, enough to drive the Integrator's Discover stage
// without a live backend.
type fakeRegistry struct {
	mu        sync.Mutex
	instances []meshtypes.Instance
	failNext  bool
}

func newFakeRegistry(instances ...meshtypes.Instance) *fakeRegistry {
	return &fakeRegistry{instances: instances}
}

func (f *fakeRegistry) Register(ctx context.Context, service string, reg discovery.Registration) (string, error) {
	return reg.Instance.ID, nil
}
func (f *fakeRegistry) Deregister(ctx context.Context, service, serviceID string) error { return nil }
func (f *fakeRegistry) Instances(ctx context.Context, service string) ([]meshtypes.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, assert.AnError
	}
	return append([]meshtypes.Instance(nil), f.instances...), nil
}
func (f *fakeRegistry) Watch(ctx context.Context, service string, timeout time.Duration) ([]meshtypes.Instance, error) {
	return f.Instances(ctx, service)
}

func testConfig() config.Config {
	cfg := config.Default()
	cfg.Retry.MaxAttempts = 2
	cfg.Retry.InitialDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	cfg.Retry.Budget = time.Second
	cfg.CircuitBreaker.Strategy = "dependency"
	cfg.CircuitBreaker.FailureThreshold = 100
	return cfg
}

func newTestIntegrator(t *testing.T, transport Transport, instances ...meshtypes.Instance) *Integrator {
	t.Helper()
	cfg := testConfig()
	reg := newFakeRegistry(instances...)
	discoverer := discovery.New(discovery.DefaultParams(), reg, nil, nil, nil)
	cbRegistry := circuitbreaker.NewRegistry(nil, nil, nil)

	return New(Deps{
		Config:     cfg,
		Transport:  transport,
		Discoverer: discoverer,
		CBRegistry: cbRegistry,
	})
}

func activeInstance(id string) meshtypes.Instance {
	return meshtypes.Instance{ID: id, Service: "orders", State: meshtypes.InstanceActive, HealthScore: 1.0, ConnectionLimit: 10}
}

func TestCallSucceedsOnHealthyPath(t *testing.T) {
	in := newTestIntegrator(t, func(ctx context.Context, service, operation string, payload interface{}) (interface{}, error) {
		return "ok", nil
	}, activeInstance("a"))

	result, err := in.Call(context.Background(), "orders", "GetOrder", nil, CallOptions{Priority: meshtypes.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
}

func TestCallReturnsServiceNotFoundWhenNoInstances(t *testing.T) {
	in := newTestIntegrator(t, func(ctx context.Context, service, operation string, payload interface{}) (interface{}, error) {
		return "unreachable", nil
	})

	_, err := in.Call(context.Background(), "orders", "GetOrder", nil, CallOptions{Priority: meshtypes.PriorityNormal})
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindServiceNotFound))
}

func TestCallRetriesTransportErrorsUntilSuccess(t *testing.T) {
	var attempts int32
	in := newTestIntegrator(t, func(ctx context.Context, service, operation string, payload interface{}) (interface{}, error) {
		if atomic.AddInt32(&attempts, 1) == 1 {
			return nil, assert.AnError
		}
		return "ok-second-try", nil
	}, activeInstance("a"))

	result, err := in.Call(context.Background(), "orders", "GetOrder", nil, CallOptions{Priority: meshtypes.PriorityNormal})
	require.NoError(t, err)
	assert.Equal(t, "ok-second-try", result)
	assert.Equal(t, int32(2), atomic.LoadInt32(&attempts))
}

func TestCallDeniedWhenRateLimiterExhausted(t *testing.T) {
	cfg := testConfig()
	cfg.RateLimit.Algorithm = "token"
	cfg.RateLimit.RPS = 0.0001
	cfg.RateLimit.Burst = 1

	reg := newFakeRegistry(activeInstance("a"))
	discoverer := discovery.New(discovery.DefaultParams(), reg, nil, nil, nil)
	cbRegistry := circuitbreaker.NewRegistry(nil, nil, nil)

	in := New(Deps{
		Config:     cfg,
		Transport:  func(ctx context.Context, service, operation string, payload interface{}) (interface{}, error) { return "ok", nil },
		Discoverer: discoverer,
		CBRegistry: cbRegistry,
	})

	_, err := in.Call(context.Background(), "orders", "GetOrder", nil, CallOptions{Priority: meshtypes.PriorityNormal})
	require.NoError(t, err, "first call consumes the single burst token")

	_, err = in.Call(context.Background(), "orders", "GetOrder", nil, CallOptions{Priority: meshtypes.PriorityNormal})
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindRateLimited))
}

func TestCallPropagatesCircuitOpenWithoutInvokingTransport(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreaker.FailureThreshold = 1
	cfg.CircuitBreaker.ResetTimeout = time.Hour
	cfg.Retry.MaxAttempts = 1

	reg := newFakeRegistry(activeInstance("a"))
	discoverer := discovery.New(discovery.DefaultParams(), reg, nil, nil, nil)
	cbRegistry := circuitbreaker.NewRegistry(nil, nil, nil)

	var invoked int32
	in := New(Deps{
		Config: cfg,
		Transport: func(ctx context.Context, service, operation string, payload interface{}) (interface{}, error) {
			atomic.AddInt32(&invoked, 1)
			return nil, assert.AnError
		},
		Discoverer: discoverer,
		CBRegistry: cbRegistry,
	})

	_, err := in.Call(context.Background(), "orders", "GetOrder", nil, CallOptions{Priority: meshtypes.PriorityNormal})
	require.Error(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&invoked))

	_, err = in.Call(context.Background(), "orders", "GetOrder", nil, CallOptions{Priority: meshtypes.PriorityNormal})
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindCircuitOpen))
	assert.Equal(t, int32(1), atomic.LoadInt32(&invoked), "circuit open must deny before the transport is invoked again")
}
