package discovery

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
)

// fakeRegistry is an in-memory Registry used in place of RedisRegistry for
// unit tests, matching the teacher's own preference for interface fakes
// over a live backend in package-level tests.
type fakeRegistry struct {
	mu        sync.Mutex
	instances map[string]map[string]meshtypes.Instance
	watchCh   chan struct{}
	failNext  bool
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{instances: make(map[string]map[string]meshtypes.Instance), watchCh: make(chan struct{}, 1)}
}

func (f *fakeRegistry) Register(ctx context.Context, service string, reg Registration) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.instances[service] == nil {
		f.instances[service] = make(map[string]meshtypes.Instance)
	}
	id := reg.Instance.ID
	if id == "" {
		id = "inst-1"
	}
	reg.Instance.ID = id
	f.instances[service][id] = reg.Instance
	select {
	case f.watchCh <- struct{}{}:
	default:
	}
	return id, nil
}

func (f *fakeRegistry) Deregister(ctx context.Context, service, serviceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.instances[service], serviceID)
	return nil
}

func (f *fakeRegistry) Instances(ctx context.Context, service string) ([]meshtypes.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return nil, assert.AnError
	}
	out := make([]meshtypes.Instance, 0, len(f.instances[service]))
	for _, inst := range f.instances[service] {
		out = append(out, inst)
	}
	return out, nil
}

func (f *fakeRegistry) Watch(ctx context.Context, service string, timeout time.Duration) ([]meshtypes.Instance, error) {
	select {
	case <-f.watchCh:
	case <-time.After(timeout):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.Instances(ctx, service)
}

func TestDiscoverRegisterRoundTrip(t *testing.T) {
	reg := newFakeRegistry()
	d := New(DefaultParams(), reg, nil, nil, nil)

	id, err := d.Register(context.Background(), "orders", "10.0.0.1", 8080, []string{"v1"}, nil)
	require.NoError(t, err)
	require.NotEmpty(t, id)

	instances, err := d.Discover(context.Background(), "orders", false)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.1", instances[0].Address)
}

func TestRegisterDefaultsHealthScoreToRoutable(t *testing.T) {
	reg := newFakeRegistry()
	d := New(DefaultParams(), reg, nil, nil, nil)

	_, err := d.Register(context.Background(), "orders", "10.0.0.1", 8080, nil, nil)
	require.NoError(t, err)

	instances, err := d.Discover(context.Background(), "orders", false)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, 1.0, instances[0].HealthScore, "a freshly registered instance must be above the load balancer's 0.5 routability floor")
}

func TestDiscoverServiceNotFound(t *testing.T) {
	reg := newFakeRegistry()
	d := New(DefaultParams(), reg, nil, nil, nil)

	_, err := d.Discover(context.Background(), "missing", false)
	require.Error(t, err)
	assert.True(t, mesherr.Is(err, mesherr.KindServiceNotFound))
}

func TestDiscoverFiltersNonRoutableStates(t *testing.T) {
	reg := newFakeRegistry()
	d := New(DefaultParams(), reg, nil, nil, nil)

	reg.mu.Lock()
	reg.instances["orders"] = map[string]meshtypes.Instance{
		"a": {ID: "a", Service: "orders", State: meshtypes.InstanceActive},
		"b": {ID: "b", Service: "orders", State: meshtypes.InstanceFailed},
		"c": {ID: "c", Service: "orders", State: meshtypes.InstanceDraining},
	}
	reg.mu.Unlock()

	instances, err := d.Discover(context.Background(), "orders", false)
	require.NoError(t, err)
	assert.Len(t, instances, 2)
}

func TestDiscoverCacheHonorsTTL(t *testing.T) {
	reg := newFakeRegistry()
	params := DefaultParams()
	params.CacheTTL = 20 * time.Millisecond
	d := New(params, reg, nil, nil, nil)

	_, err := d.Register(context.Background(), "orders", "10.0.0.1", 8080, nil, nil)
	require.NoError(t, err)

	first, err := d.Discover(context.Background(), "orders", true)
	require.NoError(t, err)
	require.Len(t, first, 1)

	_, err = reg.Register(context.Background(), "orders", Registration{Instance: meshtypes.Instance{ID: "inst-2", State: meshtypes.InstanceActive}})
	require.NoError(t, err)

	cachedAgain, err := d.Discover(context.Background(), "orders", true)
	require.NoError(t, err)
	assert.Len(t, cachedAgain, 1, "cache should still serve the stale result before TTL expiry")

	time.Sleep(30 * time.Millisecond)
	refreshed, err := d.Discover(context.Background(), "orders", true)
	require.NoError(t, err)
	assert.Len(t, refreshed, 2, "cache should refresh once the TTL window has passed")
}

func TestWatchDeliversFullListOnChange(t *testing.T) {
	reg := newFakeRegistry()
	d := New(DefaultParams(), reg, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	received := make(chan []meshtypes.Instance, 4)
	go d.Watch(ctx, "orders", func(instances []meshtypes.Instance) {
		received <- instances
	})

	_, err := d.Register(context.Background(), "orders", "10.0.0.1", 9000, nil, nil)
	require.NoError(t, err)

	select {
	case instances := <-received:
		assert.Len(t, instances, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for watch callback")
	}
}

func TestWatchBacksOffOnError(t *testing.T) {
	reg := newFakeRegistry()
	params := DefaultParams()
	params.CacheTTL = 50 * time.Millisecond
	d := New(params, reg, nil, nil, nil)

	reg.mu.Lock()
	reg.failNext = true
	reg.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	d.Watch(ctx, "orders", func([]meshtypes.Instance) {})
	// Reaching here without panic/deadlock demonstrates the backoff path
	// returns control to the caller's ctx deadline instead of spinning.
}
