package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
)

// redisInstanceRecord is the JSON shape persisted per instance key, mirroring
// spec §6's wire-compatible instance serialization.
type redisInstanceRecord struct {
	Instance meshtypes.Instance `json:"instance"`
	Tags     []string           `json:"tags"`
	Check    HealthCheck        `json:"check"`
}

// RedisRegistry is the Consul-HTTP-v1-compatible registry abstraction of
// spec §4.9, backed by Redis: each instance is a TTL'd string key plus a
// membership set per service, and a pub/sub channel per service drives
// Watch so long-pollers aren't reduced to busy-polling.
type RedisRegistry struct {
	client  redis.UniversalClient
	logger  observability.Logger
	metrics observability.MetricsClient
}

// NewRedisRegistry wraps an existing redis.UniversalClient. The mesh never
// owns Redis connection lifecycle/config decisions beyond this -- a host
// process constructs the client the way pkg/redis/streams_client.go does
// and hands it in here.
func NewRedisRegistry(client redis.UniversalClient, logger observability.Logger, metrics observability.MetricsClient) *RedisRegistry {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &RedisRegistry{client: client, logger: logger, metrics: metrics}
}

func membersKey(service string) string  { return fmt.Sprintf("mesh:registry:%s:members", service) }
func instanceKey(service, id string) string {
	return fmt.Sprintf("mesh:registry:%s:instance:%s", service, id)
}
func eventsChannel(service string) string { return fmt.Sprintf("mesh:registry:%s:events", service) }

// Register writes the instance record with a TTL derived from the health
// check's deregister-after grace, and publishes a change event.
func (r *RedisRegistry) Register(ctx context.Context, service string, reg Registration) (string, error) {
	id := reg.Instance.ID
	if id == "" {
		id = uuid.NewString()
	}
	reg.Instance.ID = id
	reg.Instance.Service = service

	payload, err := json.Marshal(redisInstanceRecord{Instance: reg.Instance, Tags: reg.Tags, Check: reg.Check})
	if err != nil {
		return "", fmt.Errorf("discovery: marshal registration: %w", err)
	}

	ttl := reg.Check.DeregisterAfter
	if ttl <= 0 {
		ttl = 30 * time.Second
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, instanceKey(service, id), payload, ttl)
	pipe.SAdd(ctx, membersKey(service), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("discovery: register %s/%s: %w", service, id, err)
	}

	r.client.Publish(ctx, eventsChannel(service), "register")
	r.metrics.IncrementCounterWithLabels("discovery_register_total", 1, map[string]string{"service": service})
	return id, nil
}

// Deregister removes the instance key and its set membership.
func (r *RedisRegistry) Deregister(ctx context.Context, service, serviceID string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, instanceKey(service, serviceID))
	pipe.SRem(ctx, membersKey(service), serviceID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("discovery: deregister %s/%s: %w", service, serviceID, err)
	}
	r.client.Publish(ctx, eventsChannel(service), "deregister")
	r.metrics.IncrementCounterWithLabels("discovery_deregister_total", 1, map[string]string{"service": service})
	return nil
}

// Instances reads every still-live instance key for service. Expired TTL
// keys drop out of the members set lazily: a member ID with no backing key
// is pruned here rather than left to a background sweep, since Redis
// doesn't notify set membership on key expiry.
func (r *RedisRegistry) Instances(ctx context.Context, service string) ([]meshtypes.Instance, error) {
	ids, err := r.client.SMembers(ctx, membersKey(service)).Result()
	if err != nil {
		return nil, fmt.Errorf("discovery: list members %s: %w", service, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = instanceKey(service, id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("discovery: mget %s: %w", service, err)
	}

	var stale []interface{}
	out := make([]meshtypes.Instance, 0, len(values))
	for i, v := range values {
		if v == nil {
			stale = append(stale, ids[i])
			continue
		}
		str, ok := v.(string)
		if !ok {
			continue
		}
		var rec redisInstanceRecord
		if err := json.Unmarshal([]byte(str), &rec); err != nil {
			r.logger.Warn("discovery: malformed instance record", map[string]interface{}{"service": service, "id": ids[i]})
			continue
		}
		out = append(out, rec.Instance)
	}
	if len(stale) > 0 {
		r.client.SRem(ctx, membersKey(service), stale...)
	}
	return out, nil
}

// Watch subscribes to the service's event channel and blocks for the next
// change or until timeout elapses, then returns the refreshed instance
// list. Per spec §4.9, a subscribe error never silently drops updates: the
// caller's retry loop (discovery.Discoverer.Watch) applies the exponential
// backoff, this method only reports the error.
func (r *RedisRegistry) Watch(ctx context.Context, service string, timeout time.Duration) ([]meshtypes.Instance, error) {
	sub := r.client.Subscribe(ctx, eventsChannel(service))
	defer sub.Close()

	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ch := sub.Channel()
	select {
	case <-waitCtx.Done():
		return r.Instances(ctx, service)
	case _, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("discovery: watch %s: subscription closed", service)
		}
		return r.Instances(ctx, service)
	}
}
