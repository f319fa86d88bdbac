// Package loadbalance picks which registered device a host talks to.
//
// Three strategies are implemented:
//   - RoundRobin:      devices running the same firmware, any of them will do
//   - WeightedRandom:  devices of different capacity (baud rate, buffer size)
//   - ConsistentHash:  a key (a sensor id, a job name) always reaches the same device
package loadbalance

import (
	"serial-rpc/registry"

	"github.com/nuclio/errors"
)

var ErrNoInstances = errors.New("No instances available")

// Balancer selects one instance per call. Implementations must be goroutine-safe.
type Balancer interface {
	// Pick selects one instance from the available list. key is only meaningful to strategies
	// with affinity; the others ignore it.
	Pick(key string, instances []registry.Instance) (*registry.Instance, error)

	// Name returns the strategy name, as accepted by New.
	Name() string
}

// New returns the strategy registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.Errorf("Unknown balancer: %s", name)
}
