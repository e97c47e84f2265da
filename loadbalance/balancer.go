// Package loadbalance picks which registered facegate server a new client
// connection goes to.
//
// A connection carries one request at a time, so balancing happens per
// connection, not per request:
//   - RoundRobin:      equal-capacity servers
//   - WeightedRandom:  servers of different capacity
package loadbalance

import "facegate/registry"

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one instance from the available list. Must be goroutine-safe.
	Pick(instances []registry.ServiceInstance) (*registry.ServiceInstance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// Strategy names accepted by New.
const (
	RoundRobin     = "round_robin"
	WeightedRandom = "weighted_random"
)

// New returns the balancer registered under name; unknown names fall back to
// round robin.
func New(name string) Balancer {
	if name == WeightedRandom {
		return &WeightedRandomBalancer{}
	}
	return &RoundRobinBalancer{}
}
