package discovery

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/datapunk/mesh/lib/mesh/mesherr"
	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
)

// Backend names, matching spec §6's discovery.backend enum.
const (
	BackendRegistry = "registry"
	BackendDNS      = "dns"
)

// Params configures a Discoverer. Defaults match spec §4.9.
type Params struct {
	Backend             string
	CacheTTL            time.Duration // default 30s
	HealthCheckInterval time.Duration
	DeregisterTimeout   time.Duration
}

// DefaultParams returns the spec-default tuning.
func DefaultParams() Params {
	return Params{
		Backend:             BackendRegistry,
		CacheTTL:            30 * time.Second,
		HealthCheckInterval: 5 * time.Second,
		DeregisterTimeout:   30 * time.Second,
	}
}

type cacheEntry struct {
	instances []meshtypes.Instance
	fetchedAt time.Time
}

// cache is a TTL-bounded instance-list cache in front of either backend,
// grounded on pkg/clients/cache_manager.go's LRU-cache-in-front-of-a-backend
// shape (hashicorp/golang-lru/v2), simplified to a single level since the
// mesh has no L2/Redis-cache tier of its own here -- Redis is the registry
// backend being cached, not a second cache layer.
type cache struct {
	ttl time.Duration
	lru *lru.Cache[string, cacheEntry]
}

func newCache(ttl time.Duration) *cache {
	l, _ := lru.New[string, cacheEntry](4096)
	return &cache{ttl: ttl, lru: l}
}

func (c *cache) get(service string, now time.Time) ([]meshtypes.Instance, bool) {
	entry, ok := c.lru.Get(service)
	if !ok {
		return nil, false
	}
	if now.Sub(entry.fetchedAt) > c.ttl {
		return nil, false
	}
	return entry.instances, true
}

func (c *cache) put(service string, instances []meshtypes.Instance, now time.Time) {
	c.lru.Add(service, cacheEntry{instances: instances, fetchedAt: now})
}

// Discoverer composes a Registry backend, a DNS fallback resolver and the
// cache in front of both, per spec §4.9.
type Discoverer struct {
	params   Params
	registry Registry
	dns      *DNSResolver
	cache    *cache
	logger   observability.Logger
	metrics  observability.MetricsClient

	watchMu sync.Mutex
	stopped bool
}

// New builds a Discoverer. registry may be nil when Backend is "dns";
// dnsResolver may be nil when Backend is "registry".
func New(params Params, registry Registry, dnsResolver *DNSResolver, logger observability.Logger, metrics observability.MetricsClient) *Discoverer {
	if params.Backend == "" {
		params.Backend = DefaultParams().Backend
	}
	if params.CacheTTL <= 0 {
		params.CacheTTL = DefaultParams().CacheTTL
	}
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Discoverer{
		params:   params,
		registry: registry,
		dns:      dnsResolver,
		cache:    newCache(params.CacheTTL),
		logger:   logger,
		metrics:  metrics,
	}
}

// Register writes a registry entry for (service, host, port) and returns
// its unique instance ID, per spec §6's Register contract. Only valid when
// Backend is "registry"; DNS is read-only.
func (d *Discoverer) Register(ctx context.Context, service, host string, port int, tags []string, metadata map[string]string) (string, error) {
	if d.registry == nil {
		return "", mesherr.New(mesherr.KindConfigError, service, "register", nil)
	}
	inst := meshtypes.Instance{
		Service:     service,
		Address:     host,
		Port:        port,
		Metadata:    metadata,
		State:       meshtypes.InstanceActive,
		HealthScore: 1.0,
	}
	reg := Registration{
		Instance: inst,
		Tags:     tags,
		Check: HealthCheck{
			IntervalS:       d.params.HealthCheckInterval,
			TimeoutS:        d.params.HealthCheckInterval,
			DeregisterAfter: d.params.DeregisterTimeout,
		},
	}
	id, err := d.registry.Register(ctx, service, reg)
	if err != nil {
		return "", mesherr.New(mesherr.KindDiscoveryUnavail, service, "register", err)
	}
	return id, nil
}

// Deregister removes serviceID from service's registry entry.
func (d *Discoverer) Deregister(ctx context.Context, service, serviceID string) error {
	if d.registry == nil {
		return mesherr.New(mesherr.KindConfigError, service, "deregister", nil)
	}
	if err := d.registry.Deregister(ctx, service, serviceID); err != nil {
		return mesherr.New(mesherr.KindDiscoveryUnavail, service, "deregister", err)
	}
	return nil
}

// Discover returns instances in state {Active, Draining} for service, per
// spec §4.9. useCache=false forces a fresh fetch; a cache miss always
// refreshes. Empty results (after a successful fetch) report
// ServiceNotFound; backend failures report DiscoveryUnavailable.
func (d *Discoverer) Discover(ctx context.Context, service string, useCache bool) ([]meshtypes.Instance, error) {
	now := time.Now()
	if useCache {
		if cached, ok := d.cache.get(service, now); ok {
			d.metrics.IncrementCounterWithLabels("discovery_cache_hit_total", 1, map[string]string{"service": service})
			return filterRoutable(cached), nil
		}
	}
	d.metrics.IncrementCounterWithLabels("discovery_cache_miss_total", 1, map[string]string{"service": service})

	instances, err := d.fetch(ctx, service)
	if err != nil {
		return nil, err
	}
	d.cache.put(service, instances, now)

	routable := filterRoutable(instances)
	if len(routable) == 0 {
		return nil, mesherr.New(mesherr.KindServiceNotFound, service, "discover", nil)
	}
	return routable, nil
}

func (d *Discoverer) fetch(ctx context.Context, service string) ([]meshtypes.Instance, error) {
	switch d.params.Backend {
	case BackendDNS:
		if d.dns == nil {
			return nil, mesherr.New(mesherr.KindConfigError, service, "discover", nil)
		}
		instances, err := d.dns.Resolve(service)
		if err != nil {
			return nil, mesherr.New(mesherr.KindDiscoveryUnavail, service, "discover_dns", err)
		}
		return instances, nil
	case BackendRegistry:
		fallthrough
	default:
		if d.registry == nil {
			return nil, mesherr.New(mesherr.KindConfigError, service, "discover", nil)
		}
		instances, err := d.registry.Instances(ctx, service)
		if err != nil {
			return nil, mesherr.New(mesherr.KindDiscoveryUnavail, service, "discover_registry", err)
		}
		return instances, nil
	}
}

func filterRoutable(instances []meshtypes.Instance) []meshtypes.Instance {
	out := make([]meshtypes.Instance, 0, len(instances))
	for _, inst := range instances {
		if inst.State == meshtypes.InstanceActive || inst.State == meshtypes.InstanceDraining {
			out = append(out, inst)
		}
	}
	return out
}

// Callback receives the current instance list on every change, per spec
// §4.9's Watch contract.
type Callback func(instances []meshtypes.Instance)

// Watch runs a long-poll/watch loop against the registry backend (DNS has
// no push notion, so it polls at HealthCheckInterval instead), invoking cb
// with the full current instance list on every change. On backend error it
// backs off exponentially up to 30s, per spec §4.9, and never silently
// drops an update -- the next successful poll always delivers the latest
// list, not a diff. Watch blocks until ctx is cancelled or Stop is called.
func (d *Discoverer) Watch(ctx context.Context, service string, cb Callback) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d.watchMu.Lock()
		stopped := d.stopped
		d.watchMu.Unlock()
		if stopped {
			return
		}

		var instances []meshtypes.Instance
		var err error
		switch d.params.Backend {
		case BackendDNS:
			time.Sleep(d.params.HealthCheckInterval)
			if d.dns != nil {
				instances, err = d.dns.Resolve(service)
			}
		default:
			if d.registry != nil {
				instances, err = d.registry.Watch(ctx, service, d.params.CacheTTL)
			}
		}

		if err != nil {
			d.logger.Warn("discovery: watch error, backing off", map[string]interface{}{
				"service": service, "error": err.Error(), "backoff": backoff,
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = time.Second
		d.cache.put(service, instances, time.Now())
		cb(instances)
	}
}

// Stop halts any in-flight Watch loops sharing this Discoverer on their next
// iteration.
func (d *Discoverer) Stop() {
	d.watchMu.Lock()
	d.stopped = true
	d.watchMu.Unlock()
}
