// Package loadbalance provides load balancing strategies for distributing
// RPC requests across multiple service instances.
//
// Three strategies are implemented:
//   - RoundRobin:      Stateless services, equal-capacity instances
//   - WeightedRandom:  Heterogeneous instances (different CPU/memory)
//   - ConsistentHash:  Stateful services requiring cache affinity
package loadbalance

import (
	"context"
	"fmt"

	"ef-rpc/discovery"
)

const (
	StrategyRoundRobin     = "round_robin"
	StrategyWeightedRandom = "weighted_random"
	StrategyConsistentHash = "consistent_hash"
)

// ErrNoInstances is returned by Pick for an empty instance list.
var ErrNoInstances = fmt.Errorf("loadbalance: no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each connection checkout.
type Balancer interface {
	// Pick selects one instance from the available list. key is the routing
	// key of the call and only matters to key-based strategies.
	// Must be goroutine-safe.
	Pick(instances []discovery.Instance, key string) (discovery.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer for a strategy name. An empty name means round robin.
func New(strategy string) (Balancer, error) {
	switch strategy {
	case "", StrategyRoundRobin:
		return &RoundRobinBalancer{}, nil
	case StrategyWeightedRandom:
		return &WeightedRandomBalancer{}, nil
	case StrategyConsistentHash:
		return NewConsistentHashBalancer(), nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown strategy %q", strategy)
	}
}

type routingKey struct{}

// WithKey attaches the routing key used by ConsistentHash to ctx.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, routingKey{}, key)
}

// KeyFrom returns the routing key of ctx, or "".
func KeyFrom(ctx context.Context) string {
	k, _ := ctx.Value(routingKey{}).(string)
	return k
}
