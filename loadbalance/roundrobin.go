package loadbalance

import (
	"sync/atomic"

	"knrpc/meta"
)

// RoundRobinBalancer distributes calls evenly across instances in order.
// The atomic counter gives each concurrent Choose a distinct position.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Choose(instances []meta.InstanceMeta) (meta.InstanceMeta, error) {
	if len(instances) == 0 {
		return meta.InstanceMeta{}, emptyCandidates()
	}
	index := (b.counter.Add(1) - 1) % uint64(len(instances))
	return instances[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return NameRoundRobin
}
