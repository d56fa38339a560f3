// Package dependency maintains the service dependency graph and propagates
// health changes across it, per spec §4.7. Nodes are arena-allocated and
// addressed by index, so edges stay valid as the arena grows; each
// Propagate call allocates one visited bitset and one BFS queue, and the
// bitset bounds each propagation to O(V+E). Grounded
// on the teacher's CircuitBreakerRegistry/CircuitBreakerManager's
// map-of-name-to-state idiom (pkg/resilience/circuit_breaker_config.go),
// generalized from a flat registry to a graph.
package dependency

import (
	"sync"
	"time"

	"github.com/datapunk/mesh/lib/mesh/meshtypes"
	"github.com/datapunk/mesh/lib/mesh/observability"
)

const defaultCascadeDelay = 10 * time.Second

type edge struct {
	to     int
	kind   meshtypes.DependencyType
	impact float64
}

// node is one service in the arena. Edges point to other node indices, not
// pointers, so the arena can grow via append without invalidating existing
// edges.
type node struct {
	name           string
	status         meshtypes.HealthStatus
	unhealthySince time.Time
	out            []edge // this node depends on out[i].to
	in             []edge // in[i].to depends on this node (reverse index)
}

// Chain is the process-wide dependency graph. Spec §3 calls for a
// singleton DependencyChain registered per process; callers own the single
// instance and share it across CircuitBreaker strategies that need
// dependency-aware admission.
type Chain struct {
	mu      sync.RWMutex
	index   map[string]int
	arena   []node
	logger  observability.Logger
	metrics observability.MetricsClient
	cascadeDelay time.Duration
}

// New creates an empty Chain.
func New(logger observability.Logger, metrics observability.MetricsClient) *Chain {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetricsClient()
	}
	return &Chain{
		index:        make(map[string]int),
		logger:       logger,
		metrics:      metrics,
		cascadeDelay: defaultCascadeDelay,
	}
}

func (c *Chain) nodeIndex(name string) int {
	if idx, ok := c.index[name]; ok {
		return idx
	}
	c.arena = append(c.arena, node{name: name, status: meshtypes.HealthUnknown})
	idx := len(c.arena) - 1
	c.index[name] = idx
	return idx
}

// Add registers a directed dependency edge from -> to.
func (c *Chain) Add(from, to string, kind meshtypes.DependencyType, impact float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fromIdx := c.nodeIndex(from)
	toIdx := c.nodeIndex(to)

	c.arena[fromIdx].out = append(c.arena[fromIdx].out, edge{to: toIdx, kind: kind, impact: impact})
	c.arena[toIdx].in = append(c.arena[toIdx].in, edge{to: fromIdx, kind: kind, impact: impact})
}

// Remove deletes the from->to edge, if present, from both indices.
func (c *Chain) Remove(from, to string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	fromIdx, ok := c.index[from]
	if !ok {
		return
	}
	toIdx, ok := c.index[to]
	if !ok {
		return
	}

	c.arena[fromIdx].out = removeEdge(c.arena[fromIdx].out, toIdx)
	c.arena[toIdx].in = removeEdge(c.arena[toIdx].in, fromIdx)
}

func removeEdge(edges []edge, target int) []edge {
	out := edges[:0]
	for _, e := range edges {
		if e.to != target {
			out = append(out, e)
		}
	}
	return out
}

// HealthOf returns the last-known status of a node, or HealthUnknown if
// never observed.
func (c *Chain) HealthOf(service string) meshtypes.HealthStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	idx, ok := c.index[service]
	if !ok {
		return meshtypes.HealthUnknown
	}
	return c.arena[idx].status
}

// Propagate updates service's own status and cascades the change to its
// dependents via BFS across the reverse edge index, per spec §4.7:
//   - Critical: dependent becomes at-least-Degraded immediately; if the
//     failing node stays Unhealthy longer than cascadeDelay, the dependent
//     becomes Unhealthy.
//   - Required: dependent becomes Degraded.
//   - Optional/Fallback: no status change (recorded for audit via metrics).
//
// Only a failing status (Degraded or Unhealthy) cascades; Healthy or
// Unknown updates service's own entry and leaves its dependents as they are.
// A visited bitset bounds the walk to O(V+E) regardless of cycles.
func (c *Chain) Propagate(service string, newStatus meshtypes.HealthStatus, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx, ok := c.index[service]
	if !ok {
		idx = c.nodeIndex(service)
	}

	prevStatus := c.arena[idx].status
	c.arena[idx].status = newStatus
	if newStatus == meshtypes.HealthUnhealthy && prevStatus != meshtypes.HealthUnhealthy {
		c.arena[idx].unhealthySince = now
	} else if newStatus != meshtypes.HealthUnhealthy {
		c.arena[idx].unhealthySince = time.Time{}
	}
	if newStatus != meshtypes.HealthDegraded && newStatus != meshtypes.HealthUnhealthy {
		return
	}

	visited := make([]bool, len(c.arena))
	visited[idx] = true
	queue := []int{idx}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		curNode := &c.arena[cur]

		for _, e := range curNode.in {
			if visited[e.to] {
				continue
			}
			visited[e.to] = true

			dependent := &c.arena[e.to]
			switch e.kind {
			case meshtypes.DependencyCritical:
				if dependent.status == meshtypes.HealthHealthy || dependent.status == meshtypes.HealthUnknown {
					dependent.status = meshtypes.HealthDegraded
				}
				if curNode.status == meshtypes.HealthUnhealthy && !curNode.unhealthySince.IsZero() &&
					now.Sub(curNode.unhealthySince) > c.cascadeDelay {
					dependent.status = meshtypes.HealthUnhealthy
				}
				queue = append(queue, e.to)
			case meshtypes.DependencyRequired:
				if dependent.status == meshtypes.HealthHealthy || dependent.status == meshtypes.HealthUnknown {
					dependent.status = meshtypes.HealthDegraded
				}
				queue = append(queue, e.to)
			case meshtypes.DependencyOptional, meshtypes.DependencyFallback:
				c.metrics.IncrementCounterWithLabels("dependency_propagation_audit_total", 1, map[string]string{
					"service": curNode.name, "dependent": dependent.name, "kind": e.kind.String(),
				})
			}
		}
	}
}

// CascadeDelay returns the configured cascade delay, for tests/config wiring.
func (c *Chain) CascadeDelay() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cascadeDelay
}

// SetCascadeDelay overrides the default cascade delay (10s per spec §4.7).
func (c *Chain) SetCascadeDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.cascadeDelay = d
	}
}
