// Package loadbalance provides the two pluggable policies a consumer uses to
// pick a target: a Router narrows the known instances, then a LoadBalancer
// chooses exactly one of the survivors.
//
// Strategies:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - Random:          same, without shared state
//   - WeightedRandom:  heterogeneous instances ("weight" metadata)
//   - ConsistentHash:  affinity of one consumer key to one instance
package loadbalance

import (
	"fmt"

	"knrpc/internal/errs"
	"knrpc/meta"
)

// LoadBalancer picks one instance. Implementations must be goroutine-safe
// and must fail with errs.ErrEmptyCandidates on an empty list.
type LoadBalancer interface {
	Choose(instances []meta.InstanceMeta) (meta.InstanceMeta, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

const (
	NameRoundRobin     = "roundrobin"
	NameRandom         = "random"
	NameWeightedRandom = "weighted"
)

// ByName builds a balancer from its config name.
func ByName(name string) (LoadBalancer, error) {
	switch name {
	case "", NameRoundRobin:
		return &RoundRobinBalancer{}, nil
	case NameRandom:
		return RandomBalancer{}, nil
	case NameWeightedRandom:
		return WeightedRandomBalancer{}, nil
	default:
		return nil, fmt.Errorf("loadbalance: unknown balancer %q", name)
	}
}

func emptyCandidates() error {
	return fmt.Errorf("%w: load balancer was given an empty list", errs.ErrEmptyCandidates)
}
