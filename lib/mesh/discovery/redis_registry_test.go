package discovery

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapunk/mesh/lib/mesh/meshtypes"
)

func newTestRedisRegistry(t *testing.T) (*RedisRegistry, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return NewRedisRegistry(client, nil, nil), mr
}

func TestRedisRegistryRegisterAndInstances(t *testing.T) {
	r, _ := newTestRedisRegistry(t)

	id, err := r.Register(context.Background(), "orders", Registration{
		Instance: meshtypes.Instance{Address: "10.0.0.1", Port: 8080, State: meshtypes.InstanceActive, HealthScore: 1.0},
		Check:    HealthCheck{DeregisterAfter: 30 * time.Second},
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	instances, err := r.Instances(context.Background(), "orders")
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, "10.0.0.1", instances[0].Address)
	assert.Equal(t, 1.0, instances[0].HealthScore)
}

func TestRedisRegistryDeregisterRemovesInstance(t *testing.T) {
	r, _ := newTestRedisRegistry(t)

	id, err := r.Register(context.Background(), "orders", Registration{
		Instance: meshtypes.Instance{Address: "10.0.0.1", Port: 8080, State: meshtypes.InstanceActive},
		Check:    HealthCheck{DeregisterAfter: 30 * time.Second},
	})
	require.NoError(t, err)

	require.NoError(t, r.Deregister(context.Background(), "orders", id))

	instances, err := r.Instances(context.Background(), "orders")
	require.NoError(t, err)
	assert.Empty(t, instances)
}

func TestRedisRegistryInstancesPrunesExpiredMembers(t *testing.T) {
	r, mr := newTestRedisRegistry(t)

	id, err := r.Register(context.Background(), "orders", Registration{
		Instance: meshtypes.Instance{Address: "10.0.0.1", Port: 8080, State: meshtypes.InstanceActive},
		Check:    HealthCheck{DeregisterAfter: time.Second},
	})
	require.NoError(t, err)

	mr.FastForward(2 * time.Second)

	instances, err := r.Instances(context.Background(), "orders")
	require.NoError(t, err)
	assert.Empty(t, instances, "expired instance key should be pruned from the members set")

	members, err := r.client.SMembers(context.Background(), membersKey("orders")).Result()
	require.NoError(t, err)
	assert.NotContains(t, members, id)
}

func TestRedisRegistryWatchReturnsOnPublishedEvent(t *testing.T) {
	r, _ := newTestRedisRegistry(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	type watchResult struct {
		instances []meshtypes.Instance
		err       error
	}
	resultCh := make(chan watchResult, 1)
	go func() {
		instances, err := r.Watch(ctx, "orders", 2*time.Second)
		resultCh <- watchResult{instances, err}
	}()

	// Give the subscriber time to connect before publishing.
	time.Sleep(50 * time.Millisecond)
	_, err := r.Register(context.Background(), "orders", Registration{
		Instance: meshtypes.Instance{Address: "10.0.0.1", Port: 8080, State: meshtypes.InstanceActive},
		Check:    HealthCheck{DeregisterAfter: 30 * time.Second},
	})
	require.NoError(t, err)

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		require.Len(t, res.instances, 1)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Watch to return on published event")
	}
}

func TestRedisRegistryWatchFallsBackToInstancesOnTimeout(t *testing.T) {
	r, _ := newTestRedisRegistry(t)

	instances, err := r.Watch(context.Background(), "orders", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, instances)
}
