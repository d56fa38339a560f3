// Package discovery implements service registration and lookup per spec
// §4.9: a pluggable registry backend (Consul-compatible wire shape, backed
// here by Redis since no Consul client exists anywhere in the retrieved
// pack), a DNS SRV fallback resolver, and a TTL-bounded instance cache in
// front of both. Grounded on the teacher's pkg/redis/streams_client.go for
// the redis.UniversalClient connection idiom and pkg/clients/cache_manager.go
// for the LRU-cache-in-front-of-a-backend shape.
package discovery

import (
	"context"
	"time"

	"github.com/datapunk/mesh/lib/mesh/meshtypes"
)

// HealthCheck mirrors spec §6's registry wire shape:
// {http_url, interval_s, timeout_s, deregister_after}.
type HealthCheck struct {
	HTTPURL         string
	IntervalS       time.Duration
	TimeoutS        time.Duration
	DeregisterAfter time.Duration
}

// Registration is what Register writes to the backend, matching spec §6's
// Consul-HTTP-v1-compatible instance wire shape.
type Registration struct {
	Instance meshtypes.Instance
	Tags     []string
	Check    HealthCheck
}

// Registry is the pluggable key-value registry abstraction of spec §4.9.
// RedisRegistry is the only production implementation in this module; tests
// substitute an in-memory fake.
type Registry interface {
	// Register writes an instance entry and returns its unique service ID.
	Register(ctx context.Context, service string, reg Registration) (string, error)
	// Deregister removes a previously registered instance.
	Deregister(ctx context.Context, service, serviceID string) error
	// Instances lists every instance currently registered for service,
	// regardless of state (callers filter by state per spec §4.9).
	Instances(ctx context.Context, service string) ([]meshtypes.Instance, error)
	// Watch blocks until the next change (or ctx/timeout expiry) and returns
	// the full current instance list, per spec §4.9's long-poll contract.
	Watch(ctx context.Context, service string, timeout time.Duration) ([]meshtypes.Instance, error)
}
